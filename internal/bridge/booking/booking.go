// Package booking implements the calendar bridge for a generic REST booking
// system. Records are translated through a configurable field mapping and
// carry an active flag; inactive records are cancelled reservations.
package booking

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/macjediwizard/bridgesync/internal/bridge"
)

// Config holds the connection settings of a booking bridge.
type Config struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	// APIKeyHeader names the header carrying APIKey. Empty sends
	// "Authorization: Bearer <key>".
	APIKeyHeader string `yaml:"api_key_header"`
	// Envelope is the key wrapping payloads in responses ("data" in
	// {"data": [...]}). Bare arrays and objects are accepted too.
	Envelope     string              `yaml:"envelope"`
	FieldMapping bridge.FieldMapping `yaml:"field_mapping"`
}

// Validate checks the settings and the field mapping.
func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return fmt.Errorf("%w: booking: missing base_url", bridge.ErrValidation)
	}
	if err := c.FieldMapping.WithDefaults().Validate(); err != nil {
		return fmt.Errorf("booking: %w", err)
	}
	return nil
}

// Bridge talks to the booking REST API. Calendar ids are resource ids.
type Bridge struct {
	name    string
	caps    bridge.Capabilities
	client  *bridge.Client
	baseURL string
	header  http.Header
	env     string
	fields  bridge.FieldMapping
}

var (
	_ bridge.Bridge            = (*Bridge)(nil)
	_ bridge.ReservationSource = (*Bridge)(nil)
)

// New creates a booking bridge sending requests through client.
func New(name string, cfg Config, caps bridge.Capabilities, client *bridge.Client) (*Bridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	caps.SupportsWebhooks = !caps.PollOnly
	caps.SupportsRecurring = false

	header := http.Header{"Accept": {"application/json"}}
	if cfg.APIKey != "" {
		if cfg.APIKeyHeader == "" {
			header.Set("Authorization", "Bearer "+cfg.APIKey)
		} else {
			header.Set(cfg.APIKeyHeader, cfg.APIKey)
		}
	}
	env := cfg.Envelope
	if env == "" {
		env = "data"
	}

	return &Bridge{
		name:    name,
		caps:    caps,
		client:  client,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		header:  header,
		env:     env,
		fields:  cfg.FieldMapping.WithDefaults(),
	}, nil
}

func (b *Bridge) Name() string                      { return b.name }
func (b *Bridge) Type() string                      { return bridge.TypeBooking }
func (b *Bridge) Capabilities() bridge.Capabilities { return b.caps }

// IsBridgeOriginated reports whether the record carried the origin marker.
func (b *Bridge) IsBridgeOriginated(event bridge.Event) bool {
	return event.Origin != ""
}

// GetCalendars lists bookable resources.
func (b *Bridge) GetCalendars(ctx context.Context) ([]bridge.Calendar, error) {
	var resources []struct {
		ID   any    `json:"id"`
		Name string `json:"name"`
		Type string `json:"type"`
	}
	if err := b.getJSON(ctx, "/resources", nil, &resources); err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}

	out := make([]bridge.Calendar, 0, len(resources))
	for _, r := range resources {
		id := fmt.Sprint(r.ID)
		if f, ok := r.ID.(float64); ok {
			id = fmt.Sprintf("%.0f", f)
		}
		typ := r.Type
		if typ == "" {
			typ = "resource"
		}
		out = append(out, bridge.Calendar{ID: id, Name: r.Name, Type: typ})
	}
	return out, nil
}

// GetEvents returns the active reservations of a resource within [start, end).
func (b *Bridge) GetEvents(ctx context.Context, calendarID string, start, end time.Time) ([]bridge.Event, error) {
	reservations, err := b.list(ctx, calendarID, start, end, false)
	if err != nil {
		return nil, err
	}
	events := make([]bridge.Event, 0, len(reservations))
	for _, r := range reservations {
		if r.Active {
			events = append(events, r.Event)
		}
	}
	return bridge.FilterRange(events, start, end), nil
}

// ListReservations returns reservations within [start, end), inactive ones
// included.
func (b *Bridge) ListReservations(ctx context.Context, resourceID string, start, end time.Time) ([]bridge.Reservation, error) {
	reservations, err := b.list(ctx, resourceID, start, end, true)
	if err != nil {
		return nil, err
	}
	out := reservations[:0]
	for _, r := range reservations {
		if bridge.Within(r.Event, start, end) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (b *Bridge) list(ctx context.Context, resourceID string, start, end time.Time, includeInactive bool) ([]bridge.Reservation, error) {
	query := url.Values{
		"start": {start.UTC().Format(time.RFC3339)},
		"end":   {end.UTC().Format(time.RFC3339)},
	}
	if includeInactive {
		query.Set("include_inactive", "true")
	}

	var records []map[string]any
	if err := b.getJSON(ctx, eventsPath(resourceID), query, &records); err != nil {
		return nil, fmt.Errorf("list events of %s: %w", resourceID, err)
	}

	out := make([]bridge.Reservation, 0, len(records))
	for _, rec := range records {
		r, err := b.decode(rec)
		if err != nil {
			// One malformed record must not hide the rest of the resource.
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// GetEvent looks up one reservation. Inactive reservations are NotFound and
// flagged Inactive; a record the API no longer has is plain NotFound.
func (b *Bridge) GetEvent(ctx context.Context, calendarID, eventID string) bridge.LookupResult {
	var rec map[string]any
	if err := b.getJSON(ctx, eventPath(calendarID, eventID), nil, &rec); err != nil {
		return bridge.Failed(err)
	}
	r, err := b.decode(rec)
	if err != nil {
		return bridge.Failed(err)
	}
	if !r.Active {
		return bridge.Deactivated(r.Event)
	}
	return bridge.Found(r.Event)
}

// CreateEvent posts a new reservation and returns its id.
func (b *Bridge) CreateEvent(ctx context.Context, calendarID string, event bridge.Event) (string, error) {
	if event.Origin == "" {
		event.Origin = bridge.OriginMarker
	}
	body, err := json.Marshal(b.fields.Encode(event))
	if err != nil {
		return "", fmt.Errorf("%w: encode event: %w", bridge.ErrValidation, err)
	}
	resp, err := b.client.Do(ctx, http.MethodPost, b.baseURL+eventsPath(calendarID), body, b.header)
	if err != nil {
		return "", fmt.Errorf("create event: %w", err)
	}

	var rec map[string]any
	if err := b.unwrap(resp.Body, &rec); err != nil {
		return "", fmt.Errorf("decode created event: %w", err)
	}
	id := b.fields.RecordID(rec)
	if id == "" {
		return "", fmt.Errorf("%w: create response has no %q", bridge.ErrValidation, b.fields.ID)
	}
	return id, nil
}

// UpdateEvent replaces a reservation.
func (b *Bridge) UpdateEvent(ctx context.Context, calendarID, eventID string, event bridge.Event) error {
	body, err := json.Marshal(b.fields.Encode(event))
	if err != nil {
		return fmt.Errorf("%w: encode event: %w", bridge.ErrValidation, err)
	}
	if _, err := b.client.Do(ctx, http.MethodPut, b.baseURL+eventPath(calendarID, eventID), body, b.header); err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	return nil
}

// DeleteEvent removes a reservation. A missing reservation is not an error.
func (b *Bridge) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	_, err := b.client.Do(ctx, http.MethodDelete, b.baseURL+eventPath(calendarID, eventID), nil, b.header)
	if err != nil && !errors.Is(err, bridge.ErrNotFound) {
		return fmt.Errorf("delete event: %w", err)
	}
	return nil
}

// SubscribeToChanges registers a webhook for the resource, or returns a
// polling id when the bridge is poll-only.
func (b *Bridge) SubscribeToChanges(ctx context.Context, calendarID, webhookURL string) (string, error) {
	if b.caps.PollOnly {
		return bridge.PollingSubscriptionID(), nil
	}
	body, err := json.Marshal(map[string]string{
		"resource_id": calendarID,
		"url":         webhookURL,
	})
	if err != nil {
		return "", err
	}
	resp, err := b.client.Do(ctx, http.MethodPost, b.baseURL+"/webhooks", body, b.header)
	if err != nil {
		return "", fmt.Errorf("subscribe: %w", err)
	}
	var sub struct {
		ID any `json:"id"`
	}
	if err := b.unwrap(resp.Body, &sub); err != nil {
		return "", fmt.Errorf("decode subscription: %w", err)
	}
	if sub.ID == nil {
		return "", fmt.Errorf("%w: subscription response has no id", bridge.ErrValidation)
	}
	if f, ok := sub.ID.(float64); ok {
		return fmt.Sprintf("%.0f", f), nil
	}
	return fmt.Sprint(sub.ID), nil
}

// UnsubscribeFromChanges removes a webhook. Polling ids need no remote call.
func (b *Bridge) UnsubscribeFromChanges(ctx context.Context, subscriptionID string) error {
	if bridge.IsPollingSubscription(subscriptionID) {
		return nil
	}
	_, err := b.client.Do(ctx, http.MethodDelete, b.baseURL+"/webhooks/"+url.PathEscape(subscriptionID), nil, b.header)
	if err != nil && !errors.Is(err, bridge.ErrNotFound) {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	return nil
}

func (b *Bridge) decode(rec map[string]any) (bridge.Reservation, error) {
	ev, active, err := b.fields.Decode(rec)
	if err != nil {
		return bridge.Reservation{}, err
	}
	if raw, err := json.Marshal(rec); err == nil {
		ev.Raw = raw
	}
	return bridge.Reservation{
		EventID:      ev.ID,
		Active:       active,
		LastModified: ev.LastModified,
		Event:        ev,
	}, nil
}

func (b *Bridge) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	u := b.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	resp, err := b.client.Do(ctx, http.MethodGet, u, nil, b.header)
	if err != nil {
		return err
	}
	return b.unwrap(resp.Body, out)
}

// unwrap decodes body into out, looking inside the envelope key when the
// body is an object carrying it.
func (b *Bridge) unwrap(body []byte, out any) error {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err == nil {
		if inner, ok := envelope[b.env]; ok {
			body = inner
		}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: malformed response: %w", bridge.ErrValidation, err)
	}
	return nil
}

func eventsPath(resourceID string) string {
	return "/resources/" + url.PathEscape(resourceID) + "/events"
}

func eventPath(resourceID, eventID string) string {
	return eventsPath(resourceID) + "/" + url.PathEscape(eventID)
}
