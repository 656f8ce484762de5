// Package bridge defines the calendar bridge contract shared by every backend
// adapter, the canonical event model and the typed lookup result used for
// deletion detection.
package bridge

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Bridge types.
const (
	TypeOutlook = "outlook"
	TypeBooking = "booking"
	TypeCalDAV  = "caldav"
)

// OriginMarker is the marker value written on every event this engine creates.
const OriginMarker = "bridgesync"

// PollingSubscriptionPrefix prefixes synthetic subscription ids returned by
// bridges without native push support.
const PollingSubscriptionPrefix = "polling:"

var (
	ErrNotFound     = errors.New("not found")
	ErrTransient    = errors.New("transient bridge error")
	ErrValidation   = errors.New("validation error")
	ErrDeltaExpired = errors.New("delta token expired")
	ErrUnsupported  = errors.New("operation not supported")
)

// Event is the backend-neutral representation of a calendar event.
type Event struct {
	ID           string    `json:"id"`
	Subject      string    `json:"subject"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
	Organizer    string    `json:"organizer,omitempty"`
	Attendees    []string  `json:"attendees,omitempty"`
	Description  string    `json:"description,omitempty"`
	LastModified time.Time `json:"last_modified"`
	AllDay       bool      `json:"all_day,omitempty"`
	// Origin carries the loop-prevention marker. Non-empty on events written
	// by this engine; set by the caller before CreateEvent to tag the write.
	Origin string `json:"origin,omitempty"`
	// Raw is the native payload the event was decoded from.
	Raw []byte `json:"-"`
}

// Calendar describes a calendar or bookable resource exposed by a bridge.
type Calendar struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// Capabilities describes what a bridge supports.
type Capabilities struct {
	SupportsWebhooks    bool `json:"supports_webhooks"`
	SupportsRecurring   bool `json:"supports_recurring"`
	MaxEventsPerRequest int  `json:"max_events_per_request"`
	RateLimitPerMinute  int  `json:"rate_limit_per_minute"`
	PollOnly            bool `json:"poll_only"`
}

// Bridge is the contract every calendar backend adapter implements.
//
// GetEvents returns events lying within [start, end): starting at or after
// start and ending no later than end. DeleteEvent is idempotent: deleting an
// absent event returns nil.
type Bridge interface {
	Name() string
	Type() string
	GetEvents(ctx context.Context, calendarID string, start, end time.Time) ([]Event, error)
	GetEvent(ctx context.Context, calendarID, eventID string) LookupResult
	CreateEvent(ctx context.Context, calendarID string, event Event) (string, error)
	UpdateEvent(ctx context.Context, calendarID, eventID string, event Event) error
	DeleteEvent(ctx context.Context, calendarID, eventID string) error
	GetCalendars(ctx context.Context) ([]Calendar, error)
	SubscribeToChanges(ctx context.Context, calendarID, webhookURL string) (string, error)
	UnsubscribeFromChanges(ctx context.Context, subscriptionID string) error
	Capabilities() Capabilities
	IsBridgeOriginated(event Event) bool
}

// DeltaPage is one page of changes returned by a delta query.
type DeltaPage struct {
	Changed   []Event
	Removed   []string
	NextToken string
}

// DeltaSource is implemented by bridges that support incremental change queries.
// An empty token starts a new delta over [start, end). ErrDeltaExpired means
// the token must be discarded and the delta restarted.
type DeltaSource interface {
	Changes(ctx context.Context, calendarID, token string, start, end time.Time) (DeltaPage, error)
}

// Reservation is a booking-system record with its active flag.
type Reservation struct {
	EventID      string
	Active       bool
	LastModified time.Time
	Event        Event
}

// ReservationSource is implemented by bridges whose records carry an active
// flag, including inactive (cancelled) ones.
type ReservationSource interface {
	ListReservations(ctx context.Context, resourceID string, start, end time.Time) ([]Reservation, error)
}

// PollingSubscriptionID returns a new synthetic polling-mode subscription id.
func PollingSubscriptionID() string {
	return PollingSubscriptionPrefix + uuid.New().String()
}

// IsPollingSubscription reports whether id is a synthetic polling subscription.
func IsPollingSubscription(id string) bool {
	return strings.HasPrefix(id, PollingSubscriptionPrefix)
}

// Status classifies the outcome of a bridge call.
type Status int

const (
	StatusOK Status = iota
	StatusNotFound
	StatusTransient
	StatusPermanent
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNotFound:
		return "not_found"
	case StatusTransient:
		return "transient"
	default:
		return "permanent"
	}
}

// LookupResult is the typed outcome of a single-event lookup. Inactive marks
// a NotFound result for a record that still exists as a cancelled
// reservation; Event then holds its last state.
type LookupResult struct {
	Status   Status
	Event    *Event
	Inactive bool
	Err      error
}

// Found returns an OK lookup result.
func Found(event Event) LookupResult {
	return LookupResult{Status: StatusOK, Event: &event}
}

// Missing returns a NotFound lookup result.
func Missing() LookupResult {
	return LookupResult{Status: StatusNotFound}
}

// Deactivated returns a NotFound lookup result for a cancelled reservation.
func Deactivated(event Event) LookupResult {
	return LookupResult{Status: StatusNotFound, Event: &event, Inactive: true}
}

// Failed classifies err into a lookup result.
func Failed(err error) LookupResult {
	return LookupResult{Status: Classify(err), Err: err}
}

// Classify maps an error returned by a bridge to a Status.
func Classify(err error) Status {
	if err == nil {
		return StatusOK
	}
	if errors.Is(err, ErrNotFound) {
		return StatusNotFound
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return StatusTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return StatusTransient
	}
	return StatusPermanent
}

// InRange reports whether an event starting at t falls in [start, end).
func InRange(t, start, end time.Time) bool {
	return !t.Before(start) && t.Before(end)
}

// Within reports whether e lies in [start, end). An event without an end
// time is treated as an instant at its start.
func Within(e Event, start, end time.Time) bool {
	if !InRange(e.Start, start, end) {
		return false
	}
	return e.End.IsZero() || !e.End.After(end)
}

// FilterRange keeps only events lying within [start, end).
func FilterRange(events []Event, start, end time.Time) []Event {
	out := events[:0]
	for _, e := range events {
		if Within(e, start, end) {
			out = append(out, e)
		}
	}
	return out
}
