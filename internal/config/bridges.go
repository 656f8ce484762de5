package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/macjediwizard/bridgesync/internal/bridge"
	"github.com/macjediwizard/bridgesync/internal/bridge/booking"
	"github.com/macjediwizard/bridgesync/internal/bridge/caldav"
	"github.com/macjediwizard/bridgesync/internal/bridge/outlook"
)

// BridgeDefinition describes one configured bridge. Exactly the block
// matching Type is used.
type BridgeDefinition struct {
	Name                string        `yaml:"name"`
	Type                string        `yaml:"type"`
	Timeout             time.Duration `yaml:"timeout"`
	RateLimitPerMinute  int           `yaml:"rate_limit_per_minute"`
	MaxEventsPerRequest int           `yaml:"max_events_per_request"`
	PollOnly            bool          `yaml:"poll_only"`

	Outlook *outlook.Config `yaml:"outlook,omitempty"`
	Booking *booking.Config `yaml:"booking,omitempty"`
	CalDAV  *caldav.Config  `yaml:"caldav,omitempty"`
}

// Capabilities returns the capability settings declared for the bridge.
// Bridges adjust the flags they decide themselves.
func (d BridgeDefinition) Capabilities() bridge.Capabilities {
	return bridge.Capabilities{
		MaxEventsPerRequest: d.MaxEventsPerRequest,
		RateLimitPerMinute:  d.RateLimitPerMinute,
		PollOnly:            d.PollOnly,
	}
}

// BaseURL returns the remote endpoint of the bridge.
func (d BridgeDefinition) BaseURL() string {
	switch {
	case d.Outlook != nil:
		if d.Outlook.BaseURL != "" {
			return d.Outlook.BaseURL
		}
		return "https://graph.microsoft.com/v1.0"
	case d.Booking != nil:
		return d.Booking.BaseURL
	case d.CalDAV != nil:
		return d.CalDAV.BaseURL
	}
	return ""
}

// Validate checks the definition and its type-specific block.
func (d BridgeDefinition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: bridge name is required", ErrInvalidConfig)
	}
	if d.Timeout < 0 || d.RateLimitPerMinute < 0 || d.MaxEventsPerRequest < 0 {
		return fmt.Errorf("%w: bridge %q: negative limits", ErrInvalidConfig, d.Name)
	}

	blocks := 0
	for _, set := range []bool{d.Outlook != nil, d.Booking != nil, d.CalDAV != nil} {
		if set {
			blocks++
		}
	}
	if blocks != 1 {
		return fmt.Errorf("%w: bridge %q must have exactly one settings block", ErrInvalidConfig, d.Name)
	}

	var err error
	switch d.Type {
	case bridge.TypeOutlook:
		if d.Outlook == nil {
			return fmt.Errorf("%w: bridge %q: missing outlook block", ErrInvalidConfig, d.Name)
		}
		err = d.Outlook.Validate()
	case bridge.TypeBooking:
		if d.Booking == nil {
			return fmt.Errorf("%w: bridge %q: missing booking block", ErrInvalidConfig, d.Name)
		}
		err = d.Booking.Validate()
	case bridge.TypeCalDAV:
		if d.CalDAV == nil {
			return fmt.Errorf("%w: bridge %q: missing caldav block", ErrInvalidConfig, d.Name)
		}
		err = d.CalDAV.Validate()
	default:
		return fmt.Errorf("%w: bridge %q: unknown type %q", ErrInvalidConfig, d.Name, d.Type)
	}
	if err != nil {
		return fmt.Errorf("%w: bridge %q: %w", ErrInvalidConfig, d.Name, err)
	}
	return nil
}

type bridgesFile struct {
	Bridges []BridgeDefinition `yaml:"bridges"`
}

// LoadBridges reads bridge definitions from path. ${VAR} references are
// expanded from the environment before parsing. A missing file yields no
// bridges.
func LoadBridges(path string) ([]BridgeDefinition, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: bridges file: %w", ErrInvalidConfig, err)
	}
	defer f.Close()
	return ParseBridges(f)
}

// ParseBridges decodes and validates bridge definitions.
func ParseBridges(r io.Reader) ([]BridgeDefinition, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: bridges file: %w", ErrInvalidConfig, err)
	}
	expanded := os.ExpandEnv(string(raw))

	var file bridgesFile
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: bridges file: %w", ErrInvalidConfig, err)
	}

	seen := make(map[string]bool)
	for i := range file.Bridges {
		def := &file.Bridges[i]
		if def.Booking != nil {
			def.Booking.FieldMapping = def.Booking.FieldMapping.WithDefaults()
		}
		if err := def.Validate(); err != nil {
			return nil, err
		}
		if seen[def.Name] {
			return nil, fmt.Errorf("%w: duplicate bridge name %q", ErrInvalidConfig, def.Name)
		}
		seen[def.Name] = true
	}
	return file.Bridges, nil
}
