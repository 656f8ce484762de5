package caldav

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"

	"github.com/macjediwizard/bridgesync/internal/bridge"
)

const (
	productID = "-//bridgesync//bridgesync//EN"

	// markerProp holds the loop-prevention marker on events this engine writes.
	markerProp = "X-BRIDGESYNC-ORIGIN"

	instanceSeparator = "#"
	instanceLayout    = "20060102T150405Z"
)

// instanceID identifies one occurrence of a recurring event.
func instanceID(uid string, occurrence time.Time) string {
	return uid + instanceSeparator + occurrence.UTC().Format(instanceLayout)
}

// splitInstanceID returns the UID and occurrence encoded in id. ok is false
// for plain event ids.
func splitInstanceID(id string) (uid string, occurrence time.Time, ok bool) {
	i := strings.LastIndex(id, instanceSeparator)
	if i <= 0 {
		return id, time.Time{}, false
	}
	t, err := time.Parse(instanceLayout, id[i+1:])
	if err != nil {
		return id, time.Time{}, false
	}
	return id[:i], t, true
}

func isCancelled(comp *ical.Component) bool {
	status, _ := comp.Props.Text(ical.PropStatus)
	return strings.EqualFold(status, "CANCELLED")
}

func isOverride(comp *ical.Component) bool {
	return comp.Props.Get(ical.PropRecurrenceID) != nil
}

// masterEvent returns the non-override VEVENT of an object.
func masterEvent(cal *ical.Calendar) *ical.Component {
	for _, ev := range cal.Events() {
		if !isOverride(ev.Component) {
			return ev.Component
		}
	}
	return nil
}

// overridesByOccurrence indexes RECURRENCE-ID overrides by their occurrence.
func overridesByOccurrence(cal *ical.Calendar) map[string]*ical.Component {
	out := make(map[string]*ical.Component)
	for _, ev := range cal.Events() {
		if !isOverride(ev.Component) {
			continue
		}
		t, err := propTime(ev.Props.Get(ical.PropRecurrenceID))
		if err != nil || t.IsZero() {
			continue
		}
		out[t.UTC().Format(instanceLayout)] = ev.Component
	}
	return out
}

// expandObject converts a calendar object into canonical events starting in
// [start, end), expanding recurring masters into their occurrences.
func expandObject(cal *ical.Calendar, raw []byte, start, end time.Time) ([]bridge.Event, error) {
	master := masterEvent(cal)
	if master == nil || isCancelled(master) {
		return nil, nil
	}
	base, err := toEvent(master, raw)
	if err != nil {
		return nil, err
	}
	if master.Props.Get(ical.PropRecurrenceRule) == nil {
		if !bridge.Within(base, start, end) {
			return nil, nil
		}
		return []bridge.Event{base}, nil
	}

	set, err := master.RecurrenceSet(time.UTC)
	if err != nil {
		return nil, fmt.Errorf("%w: recurrence for %s: %w", bridge.ErrValidation, base.ID, err)
	}
	overrides := overridesByOccurrence(cal)
	var events []bridge.Event
	for _, occ := range occurrences(set, start, end) {
		key := occ.UTC().Format(instanceLayout)
		if override, ok := overrides[key]; ok {
			if isCancelled(override) {
				continue
			}
			ev, err := toEvent(override, raw)
			if err != nil {
				continue
			}
			ev.ID = instanceID(base.ID, occ)
			events = append(events, ev)
			continue
		}
		ev := base
		ev.ID = instanceID(base.ID, occ)
		ev.Start = occ.UTC()
		ev.End = occ.UTC().Add(base.End.Sub(base.Start))
		events = append(events, ev)
	}
	return bridge.FilterRange(events, start, end), nil
}

// occurrences returns the occurrence starts of set within [start, end).
func occurrences(set *rrule.Set, start, end time.Time) []time.Time {
	if set == nil {
		return nil
	}
	var out []time.Time
	for _, t := range set.Between(start, end, true) {
		if bridge.InRange(t, start, end) {
			out = append(out, t)
		}
	}
	return out
}

// hasOccurrence reports whether the recurring master still produces occ.
func hasOccurrence(cal *ical.Calendar, occ time.Time) bool {
	master := masterEvent(cal)
	if master == nil || isCancelled(master) {
		return false
	}
	if override, ok := overridesByOccurrence(cal)[occ.UTC().Format(instanceLayout)]; ok && isCancelled(override) {
		return false
	}
	set, err := master.RecurrenceSet(time.UTC)
	if err != nil || set == nil {
		return false
	}
	return len(set.Between(occ, occ, true)) > 0
}

func toEvent(comp *ical.Component, raw []byte) (bridge.Event, error) {
	uid, err := comp.Props.Text(ical.PropUID)
	if err != nil || uid == "" {
		return bridge.Event{}, fmt.Errorf("%w: event without UID", bridge.ErrValidation)
	}
	dtstart := comp.Props.Get(ical.PropDateTimeStart)
	start, err := propTime(dtstart)
	if err != nil || start.IsZero() {
		return bridge.Event{}, fmt.Errorf("%w: event %s has invalid DTSTART", bridge.ErrValidation, uid)
	}

	e := bridge.Event{
		ID:     uid,
		Start:  start,
		AllDay: dtstart.ValueType() == ical.ValueDate,
		Raw:    raw,
	}
	e.Subject, _ = comp.Props.Text(ical.PropSummary)
	e.Description, _ = comp.Props.Text(ical.PropDescription)
	e.Origin, _ = comp.Props.Text(markerProp)

	if end, err := propTime(comp.Props.Get(ical.PropDateTimeEnd)); err == nil && !end.IsZero() {
		e.End = end
	} else if dur := comp.Props.Get(ical.PropDuration); dur != nil {
		if d, err := dur.Duration(); err == nil {
			e.End = start.Add(d)
		}
	}
	if e.End.IsZero() {
		e.End = start
		if e.AllDay {
			e.End = start.AddDate(0, 0, 1)
		}
	}

	if org := comp.Props.Get(ical.PropOrganizer); org != nil {
		e.Organizer = stripMailto(org.Value)
	}
	for _, a := range comp.Props[ical.PropAttendee] {
		if addr := stripMailto(a.Value); addr != "" {
			e.Attendees = append(e.Attendees, addr)
		}
	}
	if t, err := propTime(comp.Props.Get(ical.PropLastModified)); err == nil {
		e.LastModified = t
	}
	return e, nil
}

// newCalendar builds a single-event calendar object for e.
func newCalendar(uid string, e bridge.Event, now time.Time) *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropProductID, productID)
	cal.Props.SetText(ical.PropVersion, "2.0")

	comp := ical.NewComponent(ical.CompEvent)
	comp.Props.SetText(ical.PropUID, uid)
	applyEvent(comp, e, now)
	cal.Children = append(cal.Children, comp)
	return cal
}

// applyEvent writes the canonical fields of e onto comp, keeping properties
// it does not manage (RRULE, alarms, the marker when e carries none).
func applyEvent(comp *ical.Component, e bridge.Event, now time.Time) {
	comp.Props.SetDateTime(ical.PropDateTimeStamp, now.UTC())
	comp.Props.SetDateTime(ical.PropLastModified, now.UTC())
	comp.Props.SetText(ical.PropSummary, e.Subject)

	delete(comp.Props, ical.PropDuration)
	if e.AllDay {
		comp.Props.SetDate(ical.PropDateTimeStart, e.Start)
		comp.Props.SetDate(ical.PropDateTimeEnd, e.End)
	} else {
		comp.Props.SetDateTime(ical.PropDateTimeStart, e.Start.UTC())
		comp.Props.SetDateTime(ical.PropDateTimeEnd, e.End.UTC())
	}

	if e.Description != "" {
		comp.Props.SetText(ical.PropDescription, e.Description)
	} else {
		delete(comp.Props, ical.PropDescription)
	}

	delete(comp.Props, ical.PropOrganizer)
	if e.Organizer != "" {
		org := ical.NewProp(ical.PropOrganizer)
		org.Value = "mailto:" + e.Organizer
		comp.Props.Set(org)
	}
	delete(comp.Props, ical.PropAttendee)
	for _, addr := range e.Attendees {
		att := ical.NewProp(ical.PropAttendee)
		att.Value = "mailto:" + addr
		comp.Props[ical.PropAttendee] = append(comp.Props[ical.PropAttendee], *att)
	}

	if e.Origin != "" {
		comp.Props.SetText(markerProp, e.Origin)
	}
}

// addExceptionDate removes one occurrence from a recurring master.
func addExceptionDate(comp *ical.Component, occ time.Time) {
	ex := ical.NewProp(ical.PropExceptionDates)
	ex.SetDateTime(occ.UTC())
	comp.Props[ical.PropExceptionDates] = append(comp.Props[ical.PropExceptionDates], *ex)
}

func encodeCalendar(cal *ical.Calendar) []byte {
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil
	}
	return buf.Bytes()
}

func stripMailto(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= 7 && strings.EqualFold(v[:7], "mailto:") {
		return v[7:]
	}
	return v
}

// propTime parses a date or date-time property into UTC. TZIDs that are not
// IANA names but GMT offsets ("GMT-0400", "UTC+05:30") are honored.
func propTime(prop *ical.Prop) (time.Time, error) {
	if prop == nil {
		return time.Time{}, nil
	}
	if tzid := prop.Params.Get(ical.ParamTimezoneID); tzid != "" && prop.ValueType() != ical.ValueDate {
		if _, err := time.LoadLocation(tzid); err != nil {
			if loc := parseGMTOffset(tzid); loc != nil {
				t, err := time.ParseInLocation("20060102T150405", prop.Value, loc)
				if err != nil {
					return time.Time{}, err
				}
				return t.UTC(), nil
			}
		}
	}
	t, err := prop.DateTime(time.UTC)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// parseGMTOffset turns "GMT-0400", "UTC+05:30" or "Etc/GMT+2" into a fixed
// zone. It returns nil when tzid is not an offset.
func parseGMTOffset(tzid string) *time.Location {
	offset := tzid
	matched := false
	for _, prefix := range []string{"Etc/GMT", "GMT", "UTC"} {
		if strings.HasPrefix(offset, prefix) {
			offset = strings.TrimPrefix(offset, prefix)
			matched = true
			break
		}
	}
	if !matched {
		return nil
	}
	if offset == "" {
		return time.UTC
	}

	sign := 1
	switch offset[0] {
	case '-':
		sign = -1
		offset = offset[1:]
	case '+':
		offset = offset[1:]
	default:
		return nil
	}
	offset = strings.ReplaceAll(offset, ":", "")

	var hours, minutes int
	var err error
	switch len(offset) {
	case 1, 2:
		_, err = fmt.Sscanf(offset, "%d", &hours)
	case 3:
		_, err = fmt.Sscanf(offset, "%1d%2d", &hours, &minutes)
	case 4:
		_, err = fmt.Sscanf(offset, "%2d%2d", &hours, &minutes)
	default:
		return nil
	}
	if err != nil || hours > 14 || minutes > 59 {
		return nil
	}
	return time.FixedZone(tzid, sign*(hours*3600+minutes*60))
}
