package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Status
	}{
		{"nil", nil, StatusOK},
		{"not found sentinel", ErrNotFound, StatusNotFound},
		{"wrapped not found", fmt.Errorf("get event: %w", ErrNotFound), StatusNotFound},
		{"404 status", &StatusError{StatusCode: http.StatusNotFound}, StatusNotFound},
		{"410 status", &StatusError{StatusCode: http.StatusGone}, StatusNotFound},
		{"503 status", &StatusError{StatusCode: http.StatusServiceUnavailable}, StatusTransient},
		{"429 status", &StatusError{StatusCode: http.StatusTooManyRequests}, StatusTransient},
		{"deadline", context.DeadlineExceeded, StatusTransient},
		{"transient sentinel", ErrTransient, StatusTransient},
		{"403 status", &StatusError{StatusCode: http.StatusForbidden}, StatusPermanent},
		{"validation", &StatusError{StatusCode: http.StatusBadRequest}, StatusPermanent},
		{"other", errors.New("boom"), StatusPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestLookupResultConstructors(t *testing.T) {
	r := Found(Event{ID: "E1"})
	if r.Status != StatusOK || r.Event == nil || r.Event.ID != "E1" {
		t.Errorf("Found() = %+v", r)
	}
	if r := Missing(); r.Status != StatusNotFound {
		t.Errorf("Missing() status = %s", r.Status)
	}
	if r := Failed(&StatusError{StatusCode: 502}); r.Status != StatusTransient || r.Err == nil {
		t.Errorf("Failed(502) = %+v", r)
	}
}

func TestFilterRange(t *testing.T) {
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	events := []Event{
		{ID: "before", Start: base.Add(-time.Minute)},
		{ID: "at-start", Start: base},
		{ID: "inside", Start: base.Add(time.Hour)},
		{ID: "at-end", Start: base.Add(2 * time.Hour)},
		{ID: "ends-at-end", Start: base.Add(time.Hour), End: base.Add(2 * time.Hour)},
		{ID: "crosses-end", Start: base.Add(90 * time.Minute), End: base.Add(150 * time.Minute)},
		{ID: "crosses-start", Start: base.Add(-time.Minute), End: base.Add(time.Hour)},
	}

	got := FilterRange(events, base, base.Add(2*time.Hour))
	var ids []string
	for _, e := range got {
		ids = append(ids, e.ID)
	}
	if strings.Join(ids, ",") != "at-start,inside,ends-at-end" {
		t.Errorf("FilterRange() = %v", ids)
	}
}

func TestIsPollingSubscription(t *testing.T) {
	if !IsPollingSubscription("polling:abc") {
		t.Error("expected polling id")
	}
	if IsPollingSubscription("sub-123") {
		t.Error("expected native id")
	}
}

func TestClientRetriesTransientStatus(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	c := NewClient(ClientOptions{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond})
	resp, err := c.Do(context.Background(), http.MethodGet, server.URL, nil, nil)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if string(resp.Body) != `{"ok":true}` {
		t.Errorf("body = %s", resp.Body)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestClientGivesUpAfterMaxRetries(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	c := NewClient(ClientOptions{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond})
	_, err := c.Do(context.Background(), http.MethodGet, server.URL, nil, nil)
	if Classify(err) != StatusTransient {
		t.Fatalf("expected transient, got %v", err)
	}
	if HTTPStatus(err) != http.StatusBadGateway {
		t.Errorf("HTTPStatus() = %d", HTTPStatus(err))
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusNotFound, ErrNotFound},
		{http.StatusBadRequest, ErrValidation},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			var calls int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			c := NewClient(ClientOptions{MaxRetries: 3, BaseDelay: time.Millisecond})
			_, err := c.Do(context.Background(), http.MethodDelete, server.URL+"/x?token=secret", nil, nil)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if calls != 1 {
				t.Errorf("calls = %d, want 1", calls)
			}
			var se *StatusError
			if errors.As(err, &se) && se.Path != server.URL+"/x" {
				t.Errorf("path not redacted: %s", se.Path)
			}
		})
	}
}

func TestClientNetworkErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	c := NewClient(ClientOptions{MaxRetries: 1, BaseDelay: time.Millisecond})
	_, err := c.Do(context.Background(), http.MethodGet, url, nil, nil)
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
}

func TestClientSendsHeadersAndBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type = %q", r.Header.Get("Content-Type"))
		}
		if r.Header.Get("X-Api-Key") != "k" {
			t.Errorf("X-Api-Key = %q", r.Header.Get("X-Api-Key"))
		}
		if r.Header.Get("User-Agent") != "bridgesync-test" {
			t.Errorf("User-Agent = %q", r.Header.Get("User-Agent"))
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	c := NewClient(ClientOptions{UserAgent: "bridgesync-test"})
	resp, err := c.Do(context.Background(), http.MethodPost, server.URL, []byte(`{}`), http.Header{"X-Api-Key": {"k"}})
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestRetryDelay(t *testing.T) {
	c := NewClient(ClientOptions{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second})
	tests := []struct {
		attempt    int
		retryAfter string
		want       time.Duration
	}{
		{1, "", 100 * time.Millisecond},
		{2, "", 200 * time.Millisecond},
		{5, "", time.Second},
		{1, "30", time.Second},
		{1, "bogus", 100 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := c.retryDelay(tt.attempt, tt.retryAfter); got != tt.want {
			t.Errorf("retryDelay(%d, %q) = %v, want %v", tt.attempt, tt.retryAfter, got, tt.want)
		}
	}
}
