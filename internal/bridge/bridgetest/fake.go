// Package bridgetest provides an in-memory bridge for tests of packages that
// drive bridges.
package bridgetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/macjediwizard/bridgesync/internal/bridge"
)

// Fake is an in-memory bridge. Events are keyed by calendar and id; inactive
// events are visible only through ListReservations.
type Fake struct {
	name string
	typ  string
	caps bridge.Capabilities

	mu       sync.Mutex
	seq      int
	events   map[string]map[string]*record
	subs     map[string]string
	calls    map[string]int
	failures map[string]error
	delay    time.Duration
}

type record struct {
	event  bridge.Event
	active bool
}

var (
	_ bridge.Bridge            = (*Fake)(nil)
	_ bridge.ReservationSource = (*Fake)(nil)
)

// New creates an empty fake bridge.
func New(name, typ string, caps bridge.Capabilities) *Fake {
	return &Fake{
		name:     name,
		typ:      typ,
		caps:     caps,
		events:   make(map[string]map[string]*record),
		subs:     make(map[string]string),
		calls:    make(map[string]int),
		failures: make(map[string]error),
	}
}

func (f *Fake) Name() string                      { return f.name }
func (f *Fake) Type() string                      { return f.typ }
func (f *Fake) Capabilities() bridge.Capabilities { return f.caps }

func (f *Fake) IsBridgeOriginated(event bridge.Event) bool {
	return event.Origin != ""
}

// Put stores an active event as if created natively on the backend.
func (f *Fake) Put(calendarID string, event bridge.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.put(calendarID, event, true)
}

// SetActive flips the active flag of a stored event.
func (f *Fake) SetActive(calendarID, eventID string, active bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.events[calendarID][eventID]; ok {
		r.active = active
		r.event.LastModified = r.event.LastModified.Add(time.Second)
	}
}

// Remove deletes an event without counting a call.
func (f *Fake) Remove(calendarID, eventID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.events[calendarID], eventID)
}

// Event returns a stored event, active or not.
func (f *Fake) Event(calendarID, eventID string) (bridge.Event, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.events[calendarID][eventID]
	if !ok {
		return bridge.Event{}, false
	}
	return r.event, true
}

// Events returns the active events of a calendar ordered by id.
func (f *Fake) Events(calendarID string) []bridge.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active(calendarID)
}

// Calls returns how often the named method was called.
func (f *Fake) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// Fail makes the named method return err until cleared with a nil err.
func (f *Fake) Fail(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, method)
		return
	}
	f.failures[method] = err
}

// SetDelay makes every call sleep for d, honoring context cancellation.
func (f *Fake) SetDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

func (f *Fake) enter(ctx context.Context, method string) error {
	f.mu.Lock()
	f.calls[method]++
	err := f.failures[method]
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *Fake) put(calendarID string, event bridge.Event, active bool) {
	cal, ok := f.events[calendarID]
	if !ok {
		cal = make(map[string]*record)
		f.events[calendarID] = cal
	}
	cal[event.ID] = &record{event: event, active: active}
}

func (f *Fake) active(calendarID string) []bridge.Event {
	out := make([]bridge.Event, 0, len(f.events[calendarID]))
	for _, r := range f.events[calendarID] {
		if r.active {
			out = append(out, r.event)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *Fake) GetEvents(ctx context.Context, calendarID string, start, end time.Time) ([]bridge.Event, error) {
	if err := f.enter(ctx, "GetEvents"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return bridge.FilterRange(f.active(calendarID), start, end), nil
}

func (f *Fake) ListReservations(ctx context.Context, resourceID string, start, end time.Time) ([]bridge.Reservation, error) {
	if err := f.enter(ctx, "ListReservations"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []bridge.Reservation
	for _, r := range f.events[resourceID] {
		if bridge.Within(r.event, start, end) {
			out = append(out, bridge.Reservation{
				EventID:      r.event.ID,
				Active:       r.active,
				LastModified: r.event.LastModified,
				Event:        r.event,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventID < out[j].EventID })
	return out, nil
}

func (f *Fake) GetEvent(ctx context.Context, calendarID, eventID string) bridge.LookupResult {
	if err := f.enter(ctx, "GetEvent"); err != nil {
		return bridge.Failed(err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.events[calendarID][eventID]
	if !ok {
		return bridge.Missing()
	}
	if !r.active {
		return bridge.Deactivated(r.event)
	}
	return bridge.Found(r.event)
}

func (f *Fake) CreateEvent(ctx context.Context, calendarID string, event bridge.Event) (string, error) {
	if err := f.enter(ctx, "CreateEvent"); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	event.ID = fmt.Sprintf("%s-%d", f.name, f.seq)
	event.LastModified = time.Now().UTC()
	f.put(calendarID, event, true)
	return event.ID, nil
}

func (f *Fake) UpdateEvent(ctx context.Context, calendarID, eventID string, event bridge.Event) error {
	if err := f.enter(ctx, "UpdateEvent"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.events[calendarID][eventID]
	if !ok {
		return fmt.Errorf("%w: %s", bridge.ErrNotFound, eventID)
	}
	event.ID = eventID
	event.Origin = r.event.Origin
	event.LastModified = time.Now().UTC()
	r.event = event
	return nil
}

func (f *Fake) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	if err := f.enter(ctx, "DeleteEvent"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.events[calendarID], eventID)
	return nil
}

func (f *Fake) GetCalendars(ctx context.Context) ([]bridge.Calendar, error) {
	if err := f.enter(ctx, "GetCalendars"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]bridge.Calendar, 0, len(f.events))
	for id := range f.events {
		out = append(out, bridge.Calendar{ID: id, Name: id, Type: f.typ})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *Fake) SubscribeToChanges(ctx context.Context, calendarID, webhookURL string) (string, error) {
	if err := f.enter(ctx, "SubscribeToChanges"); err != nil {
		return "", err
	}
	if f.caps.PollOnly || !f.caps.SupportsWebhooks {
		return bridge.PollingSubscriptionID(), nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("sub-%d", f.seq)
	f.subs[id] = calendarID
	return id, nil
}

func (f *Fake) UnsubscribeFromChanges(ctx context.Context, subscriptionID string) error {
	if err := f.enter(ctx, "UnsubscribeFromChanges"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, subscriptionID)
	return nil
}
