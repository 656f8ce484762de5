package validator

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestValidateURL(t *testing.T) {
	v := New()
	tests := []struct {
		name         string
		url          string
		requireHTTPS bool
		wantErr      error
	}{
		{"https ok", "https://sync.example.com", true, nil},
		{"http allowed", "http://sync.example.com", false, nil},
		{"http rejected", "http://sync.example.com", true, ErrHTTPSRequired},
		{"empty", "", false, ErrInvalidURL},
		{"no host", "https://", false, ErrInvalidURL},
		{"bad scheme", "ftp://sync.example.com", false, ErrInvalidURL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateURL(tt.url, tt.requireHTTPS)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidateBridgeURL(t *testing.T) {
	strict := New()
	if err := strict.ValidateBridgeURL("https://graph.microsoft.com/v1.0", true); err != nil {
		t.Errorf("public URL rejected: %v", err)
	}
	for _, u := range []string{"http://127.0.0.1:8080", "http://10.0.0.5/api", "http://localhost:9000", "http://[::1]/"} {
		if err := strict.ValidateBridgeURL(u, false); !errors.Is(err, ErrPrivateIP) {
			t.Errorf("%s: expected ErrPrivateIP, got %v", u, err)
		}
	}
	if err := strict.ValidateBridgeURL("https://user:pw@book.example.com", true); !errors.Is(err, ErrInvalidURL) {
		t.Errorf("embedded credentials: expected ErrInvalidURL, got %v", err)
	}

	relaxed := New(WithAllowPrivateIPs())
	if err := relaxed.ValidateBridgeURL("http://10.0.0.5/api", false); err != nil {
		t.Errorf("private URL should be allowed: %v", err)
	}
}

func TestValidateWebhookURL(t *testing.T) {
	v := New()
	if err := v.ValidateWebhookURL("https://sync.example.com/webhooks/booking", true); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := v.ValidateWebhookURL("https://sync.example.com/webhooks#x", true); !errors.Is(err, ErrInvalidURL) {
		t.Errorf("fragment: expected ErrInvalidURL, got %v", err)
	}
}

func TestIsPrivateIP(t *testing.T) {
	tests := []struct {
		ip   string
		want bool
	}{
		{"127.0.0.1", true},
		{"10.1.2.3", true},
		{"192.168.1.1", true},
		{"169.254.1.1", true},
		{"0.0.0.0", true},
		{"::1", true},
		{"8.8.8.8", false},
		{"2606:4700::1111", false},
	}
	for _, tt := range tests {
		if got := isPrivateIP(net.ParseIP(tt.ip)); got != tt.want {
			t.Errorf("isPrivateIP(%s) = %v, want %v", tt.ip, got, tt.want)
		}
	}
	if isPrivateIP(nil) {
		t.Error("nil IP should not be private")
	}
}

func TestGuardedClientRefusesLoopback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	err := New().TestConnection(context.Background(), server.URL)
	if !errors.Is(err, ErrPrivateIP) {
		t.Fatalf("expected ErrPrivateIP, got %v", err)
	}
	if err := New(WithAllowPrivateIPs()).TestConnection(context.Background(), server.URL); err != nil {
		t.Errorf("allowed client failed: %v", err)
	}
}

func TestValidateCalDAVEndpoint(t *testing.T) {
	dav := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("DAV", "1, 2, calendar-access")
		w.WriteHeader(http.StatusOK)
	}))
	defer dav.Close()
	plain := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer plain.Close()

	v := New(WithAllowPrivateIPs())
	if err := v.ValidateCalDAVEndpoint(context.Background(), dav.URL); err != nil {
		t.Errorf("CalDAV endpoint rejected: %v", err)
	}
	if err := v.ValidateCalDAVEndpoint(context.Background(), plain.URL); !errors.Is(err, ErrInvalidCalDAV) {
		t.Errorf("expected ErrInvalidCalDAV, got %v", err)
	}
}
