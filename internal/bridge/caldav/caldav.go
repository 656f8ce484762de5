// Package caldav implements the calendar bridge for CalDAV servers. CalDAV has
// no push notifications, so the bridge always runs in polling mode.
package caldav

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"

	"github.com/macjediwizard/bridgesync/internal/bridge"
)

// Config holds the connection settings of a CalDAV bridge.
type Config struct {
	BaseURL  string `yaml:"base_url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Validate checks that the required settings are present.
func (c Config) Validate() error {
	var missing []string
	if c.BaseURL == "" {
		missing = append(missing, "base_url")
	}
	if c.Username == "" {
		missing = append(missing, "username")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: caldav: missing %s", bridge.ErrValidation, strings.Join(missing, ", "))
	}
	return nil
}

// Bridge talks to a CalDAV server. Calendar ids are collection paths and
// event ids are iCalendar UIDs; occurrences of recurring events carry the
// occurrence start after a '#'.
type Bridge struct {
	name   string
	cfg    Config
	caps   bridge.Capabilities
	client *bridge.Client
	dav    *caldav.Client
	now    func() time.Time
}

var (
	_ bridge.Bridge      = (*Bridge)(nil)
	_ bridge.DeltaSource = (*Bridge)(nil)
)

// New creates a CalDAV bridge. Requests go through client, which provides
// retries, the rate limit and status classification.
func New(name string, cfg Config, caps bridge.Capabilities, client *bridge.Client) (*Bridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	caps.SupportsWebhooks = false
	caps.SupportsRecurring = true
	caps.PollOnly = true

	httpClient := webdav.HTTPClientWithBasicAuth(davTransport{client: client}, cfg.Username, cfg.Password)
	dav, err := caldav.NewClient(httpClient, cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: caldav client: %w", bridge.ErrValidation, err)
	}
	return &Bridge{name: name, cfg: cfg, caps: caps, client: client, dav: dav, now: time.Now}, nil
}

func (b *Bridge) Name() string                      { return b.name }
func (b *Bridge) Type() string                      { return bridge.TypeCalDAV }
func (b *Bridge) Capabilities() bridge.Capabilities { return b.caps }

// IsBridgeOriginated reports whether the event carries the origin marker.
func (b *Bridge) IsBridgeOriginated(event bridge.Event) bool {
	return event.Origin != ""
}

// GetCalendars discovers the calendars of the authenticated principal.
func (b *Bridge) GetCalendars(ctx context.Context) ([]bridge.Calendar, error) {
	principal, err := b.dav.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, fmt.Errorf("find principal: %w", err)
	}
	homeSet, err := b.dav.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return nil, fmt.Errorf("find home set: %w", err)
	}
	cals, err := b.dav.FindCalendars(ctx, homeSet)
	if err != nil {
		return nil, fmt.Errorf("find calendars: %w", err)
	}

	out := make([]bridge.Calendar, 0, len(cals))
	for _, c := range cals {
		out = append(out, bridge.Calendar{ID: c.Path, Name: c.Name, Type: bridge.TypeCalDAV})
	}
	return out, nil
}

// GetEvents returns events and expanded occurrences within [start, end).
func (b *Bridge) GetEvents(ctx context.Context, calendarID string, start, end time.Time) ([]bridge.Event, error) {
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     "VCALENDAR",
			AllProps: true,
			AllComps: true,
		},
		CompFilter: caldav.CompFilter{
			Name:  "VCALENDAR",
			Comps: []caldav.CompFilter{{Name: "VEVENT", Start: start.UTC(), End: end.UTC()}},
		},
	}

	objects, err := b.dav.QueryCalendar(ctx, calendarID, query)
	if err != nil {
		if bridge.Classify(err) == bridge.StatusTransient {
			return nil, err
		}
		// Some servers reject the filtered REPORT or fail on one malformed
		// object; fall back to listing the collection and fetching each object.
		log.Printf("[CalDAV] %s: calendar query failed, listing collection instead: %v", b.name, err)
		objects, err = b.listObjects(ctx, calendarID)
		if err != nil {
			return nil, err
		}
	}

	var events []bridge.Event
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		evs, err := expandObject(obj.Data, encodeCalendar(obj.Data), start, end)
		if err != nil {
			log.Printf("[CalDAV] %s: skipping %s: %v", b.name, obj.Path, err)
			continue
		}
		events = append(events, evs...)
	}
	return events, nil
}

// listObjects fetches every calendar object of a collection one by one,
// skipping objects that cannot be parsed.
func (b *Bridge) listObjects(ctx context.Context, calendarID string) ([]caldav.CalendarObject, error) {
	infos, err := b.dav.ReadDir(ctx, calendarID, false)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", calendarID, err)
	}

	objects := make([]caldav.CalendarObject, 0, len(infos))
	skipped := 0
	for _, info := range infos {
		if info.IsDir || !(strings.HasSuffix(info.Path, ".ics") || strings.Contains(info.MIMEType, "calendar")) {
			continue
		}
		obj, err := b.dav.GetCalendarObject(ctx, info.Path)
		if err != nil {
			if bridge.Classify(err) == bridge.StatusTransient {
				return nil, err
			}
			skipped++
			continue
		}
		objects = append(objects, *obj)
	}
	if skipped > 0 {
		log.Printf("[CalDAV] %s: skipped %d unreadable objects in %s", b.name, skipped, calendarID)
	}
	return objects, nil
}

// GetEvent looks up a single event or occurrence.
func (b *Bridge) GetEvent(ctx context.Context, calendarID, eventID string) bridge.LookupResult {
	uid, occ, isInstance := splitInstanceID(eventID)
	obj, err := b.findObject(ctx, calendarID, uid)
	if err != nil {
		return bridge.Failed(err)
	}
	master := masterEvent(obj.Data)
	if master == nil || isCancelled(master) {
		return bridge.Missing()
	}
	raw := encodeCalendar(obj.Data)

	if !isInstance {
		ev, err := toEvent(master, raw)
		if err != nil {
			return bridge.Failed(err)
		}
		return bridge.Found(ev)
	}

	if !hasOccurrence(obj.Data, occ) {
		return bridge.Missing()
	}
	evs, err := expandObject(obj.Data, raw, occ, occ.Add(time.Second))
	if err != nil {
		return bridge.Failed(err)
	}
	for _, ev := range evs {
		if ev.ID == eventID {
			return bridge.Found(ev)
		}
	}
	return bridge.Missing()
}

// CreateEvent stores a new single-event object named after a fresh UID.
func (b *Bridge) CreateEvent(ctx context.Context, calendarID string, event bridge.Event) (string, error) {
	if event.Origin == "" {
		event.Origin = bridge.OriginMarker
	}
	uid := uuid.New().String()
	cal := newCalendar(uid, event, b.now())
	if _, err := b.dav.PutCalendarObject(ctx, objectPath(calendarID, uid), cal); err != nil {
		return "", fmt.Errorf("create event: %w", err)
	}
	return uid, nil
}

// UpdateEvent rewrites the event's managed properties in place. Single
// occurrences of recurring events cannot be updated.
func (b *Bridge) UpdateEvent(ctx context.Context, calendarID, eventID string, event bridge.Event) error {
	uid, _, isInstance := splitInstanceID(eventID)
	if isInstance {
		return fmt.Errorf("%w: update of recurring occurrence %s", bridge.ErrUnsupported, eventID)
	}
	obj, err := b.findObject(ctx, calendarID, uid)
	if err != nil {
		return err
	}
	master := masterEvent(obj.Data)
	if master == nil {
		return fmt.Errorf("%w: event %s", bridge.ErrNotFound, eventID)
	}
	applyEvent(master, event, b.now())
	if _, err := b.dav.PutCalendarObject(ctx, obj.Path, obj.Data); err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	return nil
}

// DeleteEvent removes the event. Deleting an occurrence adds an EXDATE to its
// master. Deleting an absent event is not an error.
func (b *Bridge) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	uid, occ, isInstance := splitInstanceID(eventID)
	obj, err := b.findObject(ctx, calendarID, uid)
	if err != nil {
		if errors.Is(err, bridge.ErrNotFound) {
			return nil
		}
		return err
	}

	if isInstance {
		if !hasOccurrence(obj.Data, occ) {
			return nil
		}
		addExceptionDate(masterEvent(obj.Data), occ)
		if _, err := b.dav.PutCalendarObject(ctx, obj.Path, obj.Data); err != nil {
			return fmt.Errorf("delete occurrence: %w", err)
		}
		return nil
	}

	if err := b.dav.RemoveAll(ctx, obj.Path); err != nil && !errors.Is(err, bridge.ErrNotFound) {
		return fmt.Errorf("delete event: %w", err)
	}
	return nil
}

// SubscribeToChanges returns a synthetic polling subscription id.
func (b *Bridge) SubscribeToChanges(ctx context.Context, calendarID, webhookURL string) (string, error) {
	return bridge.PollingSubscriptionID(), nil
}

func (b *Bridge) UnsubscribeFromChanges(ctx context.Context, subscriptionID string) error {
	if bridge.IsPollingSubscription(subscriptionID) {
		return nil
	}
	return fmt.Errorf("%w: caldav push subscriptions", bridge.ErrUnsupported)
}

// findObject locates the object holding uid, first by its conventional
// path, then with a UID query for objects named differently.
func (b *Bridge) findObject(ctx context.Context, calendarID, uid string) (*caldav.CalendarObject, error) {
	obj, err := b.dav.GetCalendarObject(ctx, objectPath(calendarID, uid))
	if err == nil {
		return obj, nil
	}
	if !errors.Is(err, bridge.ErrNotFound) {
		return nil, err
	}

	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{Name: "VCALENDAR", AllProps: true, AllComps: true},
		CompFilter: caldav.CompFilter{
			Name: "VCALENDAR",
			Comps: []caldav.CompFilter{{
				Name:  "VEVENT",
				Props: []caldav.PropFilter{{Name: ical.PropUID, TextMatch: &caldav.TextMatch{Text: uid}}},
			}},
		},
	}
	objects, err := b.dav.QueryCalendar(ctx, calendarID, query)
	if err != nil {
		return nil, err
	}
	for i := range objects {
		if objects[i].Data == nil {
			continue
		}
		if master := masterEvent(objects[i].Data); master != nil {
			if got, _ := master.Props.Text(ical.PropUID); got == uid {
				return &objects[i], nil
			}
		}
	}
	return nil, fmt.Errorf("%w: event %s", bridge.ErrNotFound, uid)
}

func objectPath(calendarID, uid string) string {
	return strings.TrimSuffix(calendarID, "/") + "/" + uid + ".ics"
}

// davTransport adapts bridge.Client to webdav.HTTPClient. Non-2xx responses
// surface as *bridge.StatusError, so not-found and transient failures keep
// their classification through the CalDAV client.
type davTransport struct {
	client *bridge.Client
}

func (t davTransport) Do(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
	}

	resp, err := t.client.Do(req.Context(), req.Method, req.URL.String(), body, req.Header)
	if err != nil {
		return nil, err
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
		StatusCode:    resp.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        resp.Header,
		Body:          io.NopCloser(bytes.NewReader(resp.Body)),
		ContentLength: int64(len(resp.Body)),
		Request:       req,
	}, nil
}
