package outlook

import (
	"strings"
	"time"

	"github.com/macjediwizard/bridgesync/internal/bridge"
)

const graphTimeFormat = "2006-01-02T15:04:05"

// markerPropertyID is the single-value extended property holding the
// loop-prevention marker, in the PS_PUBLIC_STRINGS property set.
const markerPropertyID = "String {00020329-0000-0000-C000-000000000046} Name BridgeSyncOrigin"

type graphDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type graphEmailAddress struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

type graphAttendee struct {
	Type         string            `json:"type,omitempty"`
	EmailAddress graphEmailAddress `json:"emailAddress"`
}

type graphBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphExtendedProperty struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

// graphEvent is the subset of the Graph event resource the bridge reads and writes.
type graphEvent struct {
	ID                   string        `json:"id,omitempty"`
	Subject              string        `json:"subject"`
	Body                 *graphBody    `json:"body,omitempty"`
	Start                graphDateTime `json:"start"`
	End                  graphDateTime `json:"end"`
	IsAllDay             bool          `json:"isAllDay"`
	IsCancelled          bool          `json:"isCancelled,omitempty"`
	LastModifiedDateTime string        `json:"lastModifiedDateTime,omitempty"`
	Organizer            *struct {
		EmailAddress graphEmailAddress `json:"emailAddress"`
	} `json:"organizer,omitempty"`
	Attendees                     []graphAttendee         `json:"attendees,omitempty"`
	SingleValueExtendedProperties []graphExtendedProperty `json:"singleValueExtendedProperties,omitempty"`
	Removed                       *struct {
		Reason string `json:"reason"`
	} `json:"@removed,omitempty"`
}

type graphEventPage struct {
	Value     []graphEvent `json:"value"`
	NextLink  string       `json:"@odata.nextLink"`
	DeltaLink string       `json:"@odata.deltaLink"`
}

type graphCalendar struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	CanEdit bool   `json:"canEdit"`
}

type graphSubscription struct {
	ID                 string `json:"id,omitempty"`
	ChangeType         string `json:"changeType"`
	NotificationURL    string `json:"notificationUrl"`
	Resource           string `json:"resource"`
	ExpirationDateTime string `json:"expirationDateTime"`
	ClientState        string `json:"clientState,omitempty"`
}

func toEvent(ge graphEvent, raw []byte) bridge.Event {
	e := bridge.Event{
		ID:      ge.ID,
		Subject: ge.Subject,
		Start:   parseGraphTime(ge.Start),
		End:     parseGraphTime(ge.End),
		AllDay:  ge.IsAllDay,
		Raw:     raw,
	}
	if ge.Body != nil {
		e.Description = ge.Body.Content
	}
	if ge.Organizer != nil {
		e.Organizer = ge.Organizer.EmailAddress.Address
	}
	for _, a := range ge.Attendees {
		if a.EmailAddress.Address != "" {
			e.Attendees = append(e.Attendees, a.EmailAddress.Address)
		}
	}
	if ge.LastModifiedDateTime != "" {
		if t, err := time.Parse(time.RFC3339Nano, ge.LastModifiedDateTime); err == nil {
			e.LastModified = t.UTC()
		}
	}
	for _, p := range ge.SingleValueExtendedProperties {
		if strings.EqualFold(p.ID, markerPropertyID) {
			e.Origin = p.Value
		}
	}
	return e
}

func fromEvent(e bridge.Event) graphEvent {
	ge := graphEvent{
		Subject:  e.Subject,
		Start:    graphDateTime{DateTime: e.Start.UTC().Format(graphTimeFormat), TimeZone: "UTC"},
		End:      graphDateTime{DateTime: e.End.UTC().Format(graphTimeFormat), TimeZone: "UTC"},
		IsAllDay: e.AllDay,
		Body:     &graphBody{ContentType: "text", Content: e.Description},
	}
	for _, addr := range e.Attendees {
		ge.Attendees = append(ge.Attendees, graphAttendee{
			Type:         "required",
			EmailAddress: graphEmailAddress{Address: addr},
		})
	}
	if e.Origin != "" {
		ge.SingleValueExtendedProperties = []graphExtendedProperty{{ID: markerPropertyID, Value: e.Origin}}
	}
	return ge
}

// parseGraphTime parses a Graph dateTime. Requests ask for UTC, but an
// explicit non-UTC zone is honored when it is a known IANA name.
func parseGraphTime(dt graphDateTime) time.Time {
	if dt.DateTime == "" {
		return time.Time{}
	}
	loc := time.UTC
	if dt.TimeZone != "" && !strings.EqualFold(dt.TimeZone, "UTC") {
		if l, err := time.LoadLocation(dt.TimeZone); err == nil {
			loc = l
		}
	}
	t, err := time.ParseInLocation(graphTimeFormat, dt.DateTime, loc)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
