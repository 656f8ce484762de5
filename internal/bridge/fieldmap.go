package bridge

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Time formats understood by FieldMapping besides a Go layout.
const (
	TimeFormatRFC3339 = "rfc3339"
	TimeFormatUnix    = "unix"
	TimeFormatUnixMs  = "unix_ms"
)

// FieldMapping maps canonical event fields to record keys of a JSON API.
// Keys may be dotted paths into nested objects ("organizer.email"). It is
// validated once at configuration time; Decode and Encode assume a valid
// mapping.
type FieldMapping struct {
	ID           string `yaml:"id"`
	Subject      string `yaml:"subject"`
	Start        string `yaml:"start"`
	End          string `yaml:"end"`
	Organizer    string `yaml:"organizer"`
	Attendees    string `yaml:"attendees"`
	Description  string `yaml:"description"`
	LastModified string `yaml:"last_modified"`
	Active       string `yaml:"active"`
	Origin       string `yaml:"origin"`
	TimeFormat   string `yaml:"time_format"`
}

// DefaultFieldMapping returns the mapping for the default booking REST contract.
func DefaultFieldMapping() FieldMapping {
	return FieldMapping{
		ID:           "id",
		Subject:      "title",
		Start:        "start_time",
		End:          "end_time",
		Organizer:    "organizer",
		Attendees:    "attendees",
		Description:  "description",
		LastModified: "updated_at",
		Active:       "active",
		Origin:       "external_source",
		TimeFormat:   TimeFormatRFC3339,
	}
}

// WithDefaults fills empty keys from DefaultFieldMapping.
func (m FieldMapping) WithDefaults() FieldMapping {
	d := DefaultFieldMapping()
	fill := func(v *string, def string) {
		if strings.TrimSpace(*v) == "" {
			*v = def
		}
	}
	fill(&m.ID, d.ID)
	fill(&m.Subject, d.Subject)
	fill(&m.Start, d.Start)
	fill(&m.End, d.End)
	fill(&m.Organizer, d.Organizer)
	fill(&m.Attendees, d.Attendees)
	fill(&m.Description, d.Description)
	fill(&m.LastModified, d.LastModified)
	fill(&m.Active, d.Active)
	fill(&m.Origin, d.Origin)
	fill(&m.TimeFormat, d.TimeFormat)
	return m
}

// Validate checks that required keys are set, keys are unique and the time
// format is known.
func (m FieldMapping) Validate() error {
	required := map[string]string{
		"id":    m.ID,
		"start": m.Start,
		"end":   m.End,
	}
	for name, key := range required {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("%w: field_mapping.%s is required", ErrValidation, name)
		}
	}

	seen := make(map[string]string)
	for name, key := range m.fields() {
		if key == "" {
			continue
		}
		if strings.HasPrefix(key, ".") || strings.HasSuffix(key, ".") || strings.Contains(key, "..") {
			return fmt.Errorf("%w: field_mapping.%s has malformed path %q", ErrValidation, name, key)
		}
		if other, ok := seen[key]; ok {
			return fmt.Errorf("%w: field_mapping.%s and field_mapping.%s both use %q", ErrValidation, other, name, key)
		}
		seen[key] = name
	}

	switch m.TimeFormat {
	case TimeFormatRFC3339, TimeFormatUnix, TimeFormatUnixMs:
	default:
		if !strings.Contains(m.TimeFormat, "2006") {
			return fmt.Errorf("%w: field_mapping.time_format %q is not a known format or Go layout", ErrValidation, m.TimeFormat)
		}
	}
	return nil
}

func (m FieldMapping) fields() map[string]string {
	return map[string]string{
		"id":            m.ID,
		"subject":       m.Subject,
		"start":         m.Start,
		"end":           m.End,
		"organizer":     m.Organizer,
		"attendees":     m.Attendees,
		"description":   m.Description,
		"last_modified": m.LastModified,
		"active":        m.Active,
		"origin":        m.Origin,
	}
}

// Decode converts a record into an Event and its active flag. Records without
// an active key are active.
func (m FieldMapping) Decode(record map[string]any) (Event, bool, error) {
	var e Event

	e.ID = stringValue(lookup(record, m.ID))
	if e.ID == "" {
		return e, false, fmt.Errorf("%w: record has no %q", ErrValidation, m.ID)
	}

	var err error
	if e.Start, err = m.parseTime(lookup(record, m.Start)); err != nil {
		return e, false, fmt.Errorf("%w: %s: %w", ErrValidation, m.Start, err)
	}
	if e.End, err = m.parseTime(lookup(record, m.End)); err != nil {
		return e, false, fmt.Errorf("%w: %s: %w", ErrValidation, m.End, err)
	}

	e.Subject = stringValue(lookup(record, m.Subject))
	e.Organizer = stringValue(lookup(record, m.Organizer))
	e.Description = stringValue(lookup(record, m.Description))
	e.Origin = stringValue(lookup(record, m.Origin))
	e.Attendees = attendeeValues(lookup(record, m.Attendees))
	if v := lookup(record, m.LastModified); v != nil {
		if t, err := m.parseTime(v); err == nil {
			e.LastModified = t
		}
	}

	active := true
	if v := lookup(record, m.Active); v != nil {
		active = boolValue(v)
	}
	return e, active, nil
}

// RecordID returns the id of a record, or "" when it has none.
func (m FieldMapping) RecordID(record map[string]any) string {
	return stringValue(lookup(record, m.ID))
}

// Encode converts an Event into a record. The id key is omitted.
func (m FieldMapping) Encode(e Event) map[string]any {
	record := make(map[string]any)
	set := func(key string, v any) {
		if key != "" {
			assign(record, key, v)
		}
	}
	set(m.Subject, e.Subject)
	set(m.Start, m.formatTime(e.Start))
	set(m.End, m.formatTime(e.End))
	if e.Organizer != "" {
		set(m.Organizer, e.Organizer)
	}
	attendees := e.Attendees
	if attendees == nil {
		attendees = []string{}
	}
	set(m.Attendees, attendees)
	set(m.Description, e.Description)
	if e.Origin != "" {
		set(m.Origin, e.Origin)
	}
	return record
}

func (m FieldMapping) parseTime(v any) (time.Time, error) {
	switch m.TimeFormat {
	case TimeFormatUnix, TimeFormatUnixMs:
		n, ok := numberValue(v)
		if !ok {
			return time.Time{}, fmt.Errorf("expected number, got %T", v)
		}
		if m.TimeFormat == TimeFormatUnixMs {
			return time.UnixMilli(int64(n)).UTC(), nil
		}
		sec, frac := math.Modf(n)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
	}

	s := stringValue(v)
	if s == "" {
		return time.Time{}, fmt.Errorf("missing time value")
	}
	layout := m.TimeFormat
	if layout == TimeFormatRFC3339 {
		layout = time.RFC3339Nano
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func (m FieldMapping) formatTime(t time.Time) any {
	t = t.UTC()
	switch m.TimeFormat {
	case TimeFormatUnix:
		return t.Unix()
	case TimeFormatUnixMs:
		return t.UnixMilli()
	case TimeFormatRFC3339:
		return t.Format(time.RFC3339)
	default:
		return t.Format(m.TimeFormat)
	}
}

func lookup(record map[string]any, path string) any {
	if path == "" {
		return nil
	}
	var cur any = record
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = obj[part]
	}
	return cur
}

func assign(record map[string]any, path string, v any) {
	parts := strings.Split(path, ".")
	cur := record
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = v
}

func stringValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	case map[string]any:
		// organizer objects
		if s, ok := t["email"].(string); ok {
			return s
		}
		if s, ok := t["name"].(string); ok {
			return s
		}
		return ""
	default:
		return fmt.Sprint(t)
	}
}

func numberValue(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int64:
		return float64(t), true
	case int:
		return float64(t), true
	case string:
		n, err := strconv.ParseFloat(t, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func boolValue(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case int64:
		return t != 0
	case int:
		return t != 0
	case string:
		b, err := strconv.ParseBool(t)
		if err != nil {
			return t != "" && t != "0"
		}
		return b
	default:
		return v != nil
	}
}

func attendeeValues(v any) []string {
	list, ok := v.([]any)
	if !ok {
		if s, ok := v.(string); ok && s != "" {
			return splitAttendees(s)
		}
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s := stringValue(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func splitAttendees(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
