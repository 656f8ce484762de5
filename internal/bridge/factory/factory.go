// Package factory builds bridges from configuration.
package factory

import (
	"fmt"
	"net/http"
	"time"

	"github.com/macjediwizard/bridgesync/internal/bridge"
	"github.com/macjediwizard/bridgesync/internal/bridge/booking"
	"github.com/macjediwizard/bridgesync/internal/bridge/caldav"
	"github.com/macjediwizard/bridgesync/internal/bridge/outlook"
	"github.com/macjediwizard/bridgesync/internal/config"
)

const userAgent = "bridgesync/1.0"

// Options holds the shared outbound settings applied to every bridge.
type Options struct {
	// HTTPClient is shared by all bridges. Nil uses a default client.
	HTTPClient *http.Client
	Timeout    time.Duration
	MaxRetries int
}

// Build creates one bridge per definition.
func Build(defs []config.BridgeDefinition, opts Options) ([]bridge.Bridge, error) {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	out := make([]bridge.Bridge, 0, len(defs))
	for _, def := range defs {
		b, err := New(def, opts)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// New creates the bridge described by def. Each bridge gets its own
// retrying client so its rate limit applies to it alone.
func New(def config.BridgeDefinition, opts Options) (bridge.Bridge, error) {
	timeout := def.Timeout
	if timeout <= 0 {
		timeout = opts.Timeout
	}
	client := bridge.NewClient(bridge.ClientOptions{
		HTTPClient:         opts.HTTPClient,
		Timeout:            timeout,
		MaxRetries:         opts.MaxRetries,
		RateLimitPerMinute: def.RateLimitPerMinute,
		UserAgent:          userAgent,
	})
	caps := def.Capabilities()

	var (
		b   bridge.Bridge
		err error
	)
	switch {
	case def.Type == bridge.TypeOutlook && def.Outlook != nil:
		b, err = outlook.New(def.Name, *def.Outlook, caps, client, opts.HTTPClient)
	case def.Type == bridge.TypeBooking && def.Booking != nil:
		b, err = booking.New(def.Name, *def.Booking, caps, client)
	case def.Type == bridge.TypeCalDAV && def.CalDAV != nil:
		b, err = caldav.New(def.Name, *def.CalDAV, caps, client)
	default:
		return nil, fmt.Errorf("%w: bridge %q: unsupported type %q", bridge.ErrValidation, def.Name, def.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("bridge %q: %w", def.Name, err)
	}
	return b, nil
}
