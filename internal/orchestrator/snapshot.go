package orchestrator

import (
	"sort"
	"time"

	"github.com/goccy/go-json"

	"github.com/macjediwizard/bridgesync/internal/bridge"
)

// snapshot is the managed content of an event as stored in Mapping.EventData.
// It leaves out ids, timestamps and the origin marker so that a copy of an
// event compares equal to the event it was made from.
type snapshot struct {
	Subject     string    `json:"subject"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	AllDay      bool      `json:"all_day,omitempty"`
	Organizer   string    `json:"organizer,omitempty"`
	Attendees   []string  `json:"attendees,omitempty"`
	Description string    `json:"description,omitempty"`
}

func snapshotOf(e bridge.Event) string {
	s := snapshot{
		Subject:     e.Subject,
		Start:       e.Start.UTC(),
		End:         e.End.UTC(),
		AllDay:      e.AllDay,
		Organizer:   e.Organizer,
		Description: e.Description,
	}
	if len(e.Attendees) > 0 {
		s.Attendees = append([]string(nil), e.Attendees...)
		sort.Strings(s.Attendees)
	}
	data, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	return string(data)
}

// snapshotSpan returns the start and end recorded in a mapping snapshot as an
// event carrying only those times.
func snapshotSpan(data string) (bridge.Event, bool) {
	if data == "" {
		return bridge.Event{}, false
	}
	var s snapshot
	if err := json.Unmarshal([]byte(data), &s); err != nil || s.Start.IsZero() {
		return bridge.Event{}, false
	}
	return bridge.Event{Start: s.Start, End: s.End}, true
}

// copyFor returns the event to write on the other side of a pair.
func copyFor(e bridge.Event) bridge.Event {
	out := e
	out.ID = ""
	out.Raw = nil
	out.Origin = bridge.OriginMarker
	if len(e.Attendees) > 0 {
		out.Attendees = append([]string(nil), e.Attendees...)
	}
	return out
}
