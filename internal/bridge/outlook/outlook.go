// Package outlook implements the calendar bridge for Microsoft Graph
// (Outlook / Exchange Online) using app-only client credentials.
package outlook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/macjediwizard/bridgesync/internal/bridge"
)

const (
	defaultBaseURL  = "https://graph.microsoft.com/v1.0"
	defaultScope    = "https://graph.microsoft.com/.default"
	defaultPageSize = 100

	// Graph caps event subscriptions at 4230 minutes.
	subscriptionLifetime = 4200 * time.Minute
)

const preferUTC = `outlook.timezone="UTC"`

// Config holds the Graph connection settings for one bridge.
type Config struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	// UserID is the mailbox (id or UPN) whose calendars are synchronized.
	UserID      string `yaml:"user_id"`
	BaseURL     string `yaml:"base_url"`
	TokenURL    string `yaml:"token_url"`
	ClientState string `yaml:"client_state"`
}

// Validate checks required settings.
func (c Config) Validate() error {
	var missing []string
	if c.TenantID == "" && c.TokenURL == "" {
		missing = append(missing, "tenant_id")
	}
	if c.ClientID == "" {
		missing = append(missing, "client_id")
	}
	if c.ClientSecret == "" {
		missing = append(missing, "client_secret")
	}
	if c.UserID == "" {
		missing = append(missing, "user_id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: outlook settings missing %s", bridge.ErrValidation, strings.Join(missing, ", "))
	}
	return nil
}

// Bridge is the Microsoft Graph calendar bridge.
type Bridge struct {
	name        string
	baseURL     string
	root        string
	clientState string
	caps        bridge.Capabilities
	client      *bridge.Client
}

var (
	_ bridge.Bridge      = (*Bridge)(nil)
	_ bridge.DeltaSource = (*Bridge)(nil)
)

// New creates a Graph bridge. Requests go through client, with OAuth2 client
// credentials layered over the client's transport.
func New(name string, cfg Config, caps bridge.Capabilities, client *bridge.Client, base *http.Client) (*Bridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = "https://login.microsoftonline.com/" + url.PathEscape(cfg.TenantID) + "/oauth2/v2.0/token"
	}

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     tokenURL,
		Scopes:       []string{defaultScope},
	}
	if base == nil {
		base = http.DefaultClient
	}
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, base)

	if caps.MaxEventsPerRequest <= 0 {
		caps.MaxEventsPerRequest = defaultPageSize
	}
	caps.SupportsRecurring = true
	caps.SupportsWebhooks = !caps.PollOnly

	return &Bridge{
		name:        name,
		baseURL:     baseURL,
		root:        baseURL + "/users/" + url.PathEscape(cfg.UserID),
		clientState: cfg.ClientState,
		caps:        caps,
		client:      client.WithHTTPClient(cc.Client(tokenCtx)),
	}, nil
}

func (b *Bridge) Name() string                      { return b.name }
func (b *Bridge) Type() string                      { return bridge.TypeOutlook }
func (b *Bridge) Capabilities() bridge.Capabilities { return b.caps }

// IsBridgeOriginated reports whether the event carries the origin marker property.
func (b *Bridge) IsBridgeOriginated(e bridge.Event) bool {
	return e.Origin != ""
}

func (b *Bridge) calendarPath(calendarID string) string {
	return b.root + "/calendars/" + url.PathEscape(calendarID)
}

func (b *Bridge) expandMarker() string {
	return "singleValueExtendedProperties($filter=id eq '" + markerPropertyID + "')"
}

func (b *Bridge) do(ctx context.Context, method, u string, payload any) (*bridge.Response, error) {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
	}
	header := http.Header{}
	header.Set("Prefer", preferUTC)
	return b.client.Do(ctx, method, u, body, header)
}

// GetEvents lists events within [start, end) through calendarView, which
// expands recurring series into occurrences. calendarView also returns events
// overlapping the range edges; those are dropped.
func (b *Bridge) GetEvents(ctx context.Context, calendarID string, start, end time.Time) ([]bridge.Event, error) {
	params := url.Values{}
	params.Set("startDateTime", start.UTC().Format(time.RFC3339))
	params.Set("endDateTime", end.UTC().Format(time.RFC3339))
	params.Set("$top", strconv.Itoa(b.caps.MaxEventsPerRequest))
	params.Set("$expand", b.expandMarker())

	next := b.calendarPath(calendarID) + "/calendarView?" + params.Encode()
	var events []bridge.Event
	for next != "" {
		page, err := b.getPage(ctx, next)
		if err != nil {
			return nil, fmt.Errorf("list events: %w", err)
		}
		for _, ge := range page.Value {
			if ge.IsCancelled {
				continue
			}
			events = append(events, toEvent(ge, nil))
		}
		next = page.NextLink
	}
	return bridge.FilterRange(events, start, end), nil
}

func (b *Bridge) getPage(ctx context.Context, u string) (*graphEventPage, error) {
	if !strings.HasPrefix(u, b.baseURL) {
		return nil, fmt.Errorf("%w: page link outside graph base URL", bridge.ErrValidation)
	}
	resp, err := b.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	var page graphEventPage
	if err := json.Unmarshal(resp.Body, &page); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &page, nil
}

// GetEvent fetches one event. Cancelled meetings are reported as not found.
func (b *Bridge) GetEvent(ctx context.Context, calendarID, eventID string) bridge.LookupResult {
	u := b.calendarPath(calendarID) + "/events/" + url.PathEscape(eventID) + "?$expand=" + url.QueryEscape(b.expandMarker())
	resp, err := b.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return bridge.Failed(err)
	}
	var ge graphEvent
	if err := json.Unmarshal(resp.Body, &ge); err != nil {
		return bridge.Failed(fmt.Errorf("failed to decode event: %w", err))
	}
	if ge.IsCancelled {
		return bridge.Missing()
	}
	return bridge.Found(toEvent(ge, resp.Body))
}

// CreateEvent creates an event and returns its Graph id.
func (b *Bridge) CreateEvent(ctx context.Context, calendarID string, e bridge.Event) (string, error) {
	if e.Origin == "" {
		e.Origin = bridge.OriginMarker
	}
	resp, err := b.do(ctx, http.MethodPost, b.calendarPath(calendarID)+"/events", fromEvent(e))
	if err != nil {
		return "", fmt.Errorf("create event: %w", err)
	}
	var created graphEvent
	if err := json.Unmarshal(resp.Body, &created); err != nil {
		return "", fmt.Errorf("failed to decode created event: %w", err)
	}
	if created.ID == "" {
		return "", errors.New("create event: response has no id")
	}
	return created.ID, nil
}

// UpdateEvent patches an event.
func (b *Bridge) UpdateEvent(ctx context.Context, calendarID, eventID string, e bridge.Event) error {
	u := b.calendarPath(calendarID) + "/events/" + url.PathEscape(eventID)
	if _, err := b.do(ctx, http.MethodPatch, u, fromEvent(e)); err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	return nil
}

// DeleteEvent deletes an event. An already deleted event is not an error.
func (b *Bridge) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	u := b.calendarPath(calendarID) + "/events/" + url.PathEscape(eventID)
	_, err := b.do(ctx, http.MethodDelete, u, nil)
	if err != nil && bridge.Classify(err) != bridge.StatusNotFound {
		return fmt.Errorf("delete event: %w", err)
	}
	return nil
}

// GetCalendars lists the mailbox calendars.
func (b *Bridge) GetCalendars(ctx context.Context) ([]bridge.Calendar, error) {
	next := b.root + "/calendars?$top=100"
	var calendars []bridge.Calendar
	for next != "" {
		if !strings.HasPrefix(next, b.baseURL) {
			return nil, fmt.Errorf("%w: page link outside graph base URL", bridge.ErrValidation)
		}
		resp, err := b.do(ctx, http.MethodGet, next, nil)
		if err != nil {
			return nil, fmt.Errorf("list calendars: %w", err)
		}
		var page struct {
			Value    []graphCalendar `json:"value"`
			NextLink string          `json:"@odata.nextLink"`
		}
		if err := json.Unmarshal(resp.Body, &page); err != nil {
			return nil, fmt.Errorf("failed to decode calendars: %w", err)
		}
		for _, c := range page.Value {
			calendars = append(calendars, bridge.Calendar{ID: c.ID, Name: c.Name, Type: "calendar"})
		}
		next = page.NextLink
	}
	return calendars, nil
}

// SubscribeToChanges creates a Graph change notification subscription. Poll-only
// bridges return a synthetic polling id instead.
func (b *Bridge) SubscribeToChanges(ctx context.Context, calendarID, webhookURL string) (string, error) {
	if b.caps.PollOnly {
		return bridge.PollingSubscriptionID(), nil
	}
	sub := graphSubscription{
		ChangeType:         "created,updated,deleted",
		NotificationURL:    webhookURL,
		Resource:           strings.TrimPrefix(b.calendarPath(calendarID), b.baseURL+"/") + "/events",
		ExpirationDateTime: time.Now().UTC().Add(subscriptionLifetime).Format(time.RFC3339),
		ClientState:        b.clientState,
	}
	resp, err := b.do(ctx, http.MethodPost, b.baseURL+"/subscriptions", sub)
	if err != nil {
		return "", fmt.Errorf("create subscription: %w", err)
	}
	var created graphSubscription
	if err := json.Unmarshal(resp.Body, &created); err != nil {
		return "", fmt.Errorf("failed to decode subscription: %w", err)
	}
	return created.ID, nil
}

// UnsubscribeFromChanges deletes a subscription. Polling ids and already
// expired subscriptions are not errors.
func (b *Bridge) UnsubscribeFromChanges(ctx context.Context, subscriptionID string) error {
	if bridge.IsPollingSubscription(subscriptionID) {
		return nil
	}
	_, err := b.do(ctx, http.MethodDelete, b.baseURL+"/subscriptions/"+url.PathEscape(subscriptionID), nil)
	if err != nil && bridge.Classify(err) != bridge.StatusNotFound {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}

// Changes runs a calendarView delta query. An empty token starts a new delta
// over [start, end); otherwise token is the deltaLink from the previous run.
func (b *Bridge) Changes(ctx context.Context, calendarID, token string, start, end time.Time) (bridge.DeltaPage, error) {
	next := token
	if next == "" {
		params := url.Values{}
		params.Set("startDateTime", start.UTC().Format(time.RFC3339))
		params.Set("endDateTime", end.UTC().Format(time.RFC3339))
		next = b.calendarPath(calendarID) + "/calendarView/delta?" + params.Encode()
	}

	var out bridge.DeltaPage
	for next != "" {
		page, err := b.getPage(ctx, next)
		if bridge.HTTPStatus(err) == http.StatusGone {
			return bridge.DeltaPage{}, fmt.Errorf("%w: %w", bridge.ErrDeltaExpired, err)
		}
		if err != nil {
			return bridge.DeltaPage{}, fmt.Errorf("delta query: %w", err)
		}
		for _, ge := range page.Value {
			if ge.Removed != nil || ge.IsCancelled {
				out.Removed = append(out.Removed, ge.ID)
				continue
			}
			out.Changed = append(out.Changed, toEvent(ge, nil))
		}
		if page.DeltaLink != "" {
			out.NextToken = page.DeltaLink
		}
		next = page.NextLink
	}
	return out, nil
}
