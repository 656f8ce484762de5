package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/macjediwizard/bridgesync/internal/bridge"
	"github.com/macjediwizard/bridgesync/internal/db"
)

// CallbackURL returns the webhook URL a bridge should post notifications to.
type CallbackURL func(bridgeName, bridgeType string) string

// Subscription is one push subscription held by this process.
type Subscription struct {
	ID         string `json:"id"`
	Bridge     string `json:"bridge"`
	CalendarID string `json:"calendar_id"`
}

// Subscriptions keeps push subscriptions for the calendars of active
// resource mappings on bridges that support webhooks. Poll-only bridges are
// left to the reconciler's pull path.
type Subscriptions struct {
	db       *db.DB
	registry *Registry
	callback CallbackURL

	mu     sync.RWMutex
	byID   map[string]Subscription
	bySide map[string]string
}

// NewSubscriptions creates an empty subscription set.
func NewSubscriptions(database *db.DB, registry *Registry, callback CallbackURL) *Subscriptions {
	return &Subscriptions{
		db:       database,
		registry: registry,
		callback: callback,
		byID:     make(map[string]Subscription),
		bySide:   make(map[string]string),
	}
}

func sideKey(bridgeName, calendarID string) string {
	return bridgeName + "\x00" + calendarID
}

// Refresh subscribes every pushable calendar of the active resource mappings,
// replacing subscriptions it already holds so they never lapse. It returns
// the number of live subscriptions. One failing calendar does not stop the
// others.
func (s *Subscriptions) Refresh(ctx context.Context) (int, error) {
	rms, err := s.db.ListActiveResourceMappings(ctx)
	if err != nil {
		return 0, err
	}

	wanted := make(map[string]Subscription)
	for _, rm := range rms {
		for _, sd := range [][2]string{{rm.BridgeFrom, rm.ResourceID}, {rm.BridgeTo, rm.CalendarID}} {
			b, err := s.registry.Get(sd[0])
			if err != nil {
				continue
			}
			if caps := b.Capabilities(); !caps.SupportsWebhooks || caps.PollOnly {
				continue
			}
			wanted[sideKey(sd[0], sd[1])] = Subscription{Bridge: sd[0], CalendarID: sd[1]}
		}
	}

	var errs []error
	for key, sub := range wanted {
		b, _ := s.registry.Get(sub.Bridge)
		id, err := b.SubscribeToChanges(ctx, sub.CalendarID, s.callback(b.Name(), b.Type()))
		if err != nil {
			errs = append(errs, fmt.Errorf("subscribe %s/%s: %w", sub.Bridge, sub.CalendarID, err))
			continue
		}
		sub.ID = id

		s.mu.Lock()
		previous, had := s.bySide[key]
		s.bySide[key] = id
		s.byID[id] = sub
		if had && previous != id {
			delete(s.byID, previous)
		}
		s.mu.Unlock()

		if had && previous != id {
			if err := b.UnsubscribeFromChanges(ctx, previous); err != nil {
				log.Printf("[Orchestrator] Failed to drop old subscription %s on %s: %v", previous, sub.Bridge, err)
			}
		}
	}

	// Drop subscriptions whose resource mapping went away.
	s.mu.Lock()
	var stale []Subscription
	for key, id := range s.bySide {
		if _, ok := wanted[key]; !ok {
			stale = append(stale, s.byID[id])
			delete(s.bySide, key)
			delete(s.byID, id)
		}
	}
	live := len(s.byID)
	s.mu.Unlock()
	for _, sub := range stale {
		s.unsubscribe(ctx, sub)
	}

	if len(errs) > 0 {
		return live, errors.Join(errs...)
	}
	return live, nil
}

// Lookup returns the subscription with the given id.
func (s *Subscriptions) Lookup(id string) (Subscription, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.byID[id]
	return sub, ok
}

// Active returns the live subscriptions.
func (s *Subscriptions) Active() []Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Subscription, 0, len(s.byID))
	for _, sub := range s.byID {
		out = append(out, sub)
	}
	return out
}

// Close removes every subscription held.
func (s *Subscriptions) Close(ctx context.Context) {
	s.mu.Lock()
	subs := make([]Subscription, 0, len(s.byID))
	for _, sub := range s.byID {
		subs = append(subs, sub)
	}
	s.byID = make(map[string]Subscription)
	s.bySide = make(map[string]string)
	s.mu.Unlock()

	for _, sub := range subs {
		s.unsubscribe(ctx, sub)
	}
}

func (s *Subscriptions) unsubscribe(ctx context.Context, sub Subscription) {
	if bridge.IsPollingSubscription(sub.ID) {
		return
	}
	b, err := s.registry.Get(sub.Bridge)
	if err != nil {
		return
	}
	if err := b.UnsubscribeFromChanges(ctx, sub.ID); err != nil {
		log.Printf("[Orchestrator] Failed to unsubscribe %s on %s: %v", sub.ID, sub.Bridge, err)
	}
}
