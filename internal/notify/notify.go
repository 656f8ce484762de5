// Package notify sends operator alerts over a Slack-compatible webhook and
// SMTP. Repeated alerts for the same subject are suppressed for a cooldown
// period.
package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/smtp"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

var ErrInvalidConfig = errors.New("invalid notification config")

// AlertType is the kind of condition an alert reports.
type AlertType string

const (
	AlertQueueExhausted  AlertType = "queue_exhausted"
	AlertMappingError    AlertType = "mapping_error"
	AlertBridgeUnhealthy AlertType = "bridge_unhealthy"
	AlertBridgeRecovered AlertType = "bridge_recovered"
)

// Alert is one notification.
type Alert struct {
	Type      AlertType
	Subject   string // bridge name, mapping id or queue item id
	Message   string
	Details   string
	Timestamp time.Time
}

// Config holds the alert channels. A channel with no destination is disabled.
type Config struct {
	WebhookURL string

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPTo       []string
	SMTPTLS      bool

	Cooldown time.Duration
}

func (c *Config) webhookEnabled() bool { return c.WebhookURL != "" }
func (c *Config) emailEnabled() bool   { return c.SMTPHost != "" && len(c.SMTPTo) > 0 }

// ValidateConfig checks the SMTP settings and the cooldown.
func ValidateConfig(cfg *Config) error {
	if cfg.emailEnabled() {
		if cfg.SMTPPort < 1 || cfg.SMTPPort > 65535 {
			return fmt.Errorf("%w: SMTP port must be between 1 and 65535", ErrInvalidConfig)
		}
		if !isValidEmail(cfg.SMTPFrom) {
			return fmt.Errorf("%w: invalid SMTP from address", ErrInvalidConfig)
		}
		for _, to := range cfg.SMTPTo {
			if !isValidEmail(to) {
				return fmt.Errorf("%w: invalid SMTP recipient address: %s", ErrInvalidConfig, to)
			}
		}
	}
	if cfg.Cooldown < time.Minute {
		return fmt.Errorf("%w: cooldown must be at least 1 minute", ErrInvalidConfig)
	}
	return nil
}

func isValidEmail(email string) bool {
	return emailRegex.MatchString(email)
}

// sanitizeForEmail strips characters usable for header injection.
func sanitizeForEmail(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// Notifier sends alerts. A nil *Notifier is valid and sends nothing.
type Notifier struct {
	cfg        *Config
	httpClient *http.Client
	now        func() time.Time

	mu        sync.Mutex
	lastAlert map[string]time.Time
	unhealthy map[string]bool

	wg sync.WaitGroup
}

// New creates a notifier sending webhooks through client, which should be
// the SSRF-guarded outbound client.
func New(cfg *Config, client *http.Client) *Notifier {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Notifier{
		cfg:        cfg,
		httpClient: client,
		now:        time.Now,
		lastAlert:  make(map[string]time.Time),
		unhealthy:  make(map[string]bool),
	}
}

// IsEnabled returns true if any channel is configured.
func (n *Notifier) IsEnabled() bool {
	return n != nil && (n.cfg.webhookEnabled() || n.cfg.emailEnabled())
}

// QueueItemExhausted alerts that a queue item used all of its attempts.
func (n *Notifier) QueueItemExhausted(ctx context.Context, itemID, queueType, lastError string) bool {
	return n.fire(ctx, Alert{
		Type:    AlertQueueExhausted,
		Subject: itemID,
		Message: fmt.Sprintf("Queue item %s (%s) failed permanently", itemID, queueType),
		Details: lastError,
	})
}

// MappingErrored alerts that a mapping moved to the error state.
func (n *Notifier) MappingErrored(ctx context.Context, mappingID, pair, lastError string) bool {
	return n.fire(ctx, Alert{
		Type:    AlertMappingError,
		Subject: mappingID,
		Message: fmt.Sprintf("Mapping %s (%s) is in error", mappingID, pair),
		Details: lastError,
	})
}

// BridgeUnhealthy alerts that a bridge health check failed. Further failures of the
// same bridge are suppressed for the cooldown.
func (n *Notifier) BridgeUnhealthy(ctx context.Context, bridgeName, reason string) bool {
	if n == nil {
		return false
	}
	n.mu.Lock()
	n.unhealthy[bridgeName] = true
	n.mu.Unlock()

	return n.fire(ctx, Alert{
		Type:    AlertBridgeUnhealthy,
		Subject: bridgeName,
		Message: fmt.Sprintf("Bridge '%s' is unhealthy", bridgeName),
		Details: reason,
	})
}

// BridgeRecovered sends a recovery alert if the bridge was unhealthy.
func (n *Notifier) BridgeRecovered(ctx context.Context, bridgeName string) bool {
	if n == nil {
		return false
	}
	n.mu.Lock()
	wasDown := n.unhealthy[bridgeName]
	if wasDown {
		delete(n.unhealthy, bridgeName)
		delete(n.lastAlert, cooldownKey(AlertBridgeUnhealthy, bridgeName))
	}
	n.mu.Unlock()
	if !wasDown {
		return false
	}

	alert := Alert{
		Type:      AlertBridgeRecovered,
		Subject:   bridgeName,
		Message:   fmt.Sprintf("Bridge '%s' has recovered", bridgeName),
		Details:   "Health check succeeded",
		Timestamp: n.now(),
	}
	n.dispatch(ctx, alert)
	return true
}

// UnhealthyBridges returns the bridges currently flagged unhealthy.
func (n *Notifier) UnhealthyBridges() []string {
	if n == nil {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.unhealthy))
	for name := range n.unhealthy {
		out = append(out, name)
	}
	return out
}

// Wait blocks until in-flight alerts are sent.
func (n *Notifier) Wait() {
	if n != nil {
		n.wg.Wait()
	}
}

func cooldownKey(t AlertType, subject string) string {
	return string(t) + ":" + subject
}

// fire sends alert unless one for the same type and subject went out within
// the cooldown. It reports whether the alert was sent.
func (n *Notifier) fire(ctx context.Context, alert Alert) bool {
	if !n.IsEnabled() {
		return false
	}
	now := n.now()
	key := cooldownKey(alert.Type, alert.Subject)

	n.mu.Lock()
	if last, ok := n.lastAlert[key]; ok && now.Sub(last) < n.cfg.Cooldown {
		n.mu.Unlock()
		return false
	}
	n.lastAlert[key] = now
	n.mu.Unlock()

	alert.Timestamp = now
	n.dispatch(ctx, alert)
	return true
}

// dispatch sends in the background so callers on the sync path never block
// on a slow alert channel.
func (n *Notifier) dispatch(ctx context.Context, alert Alert) {
	if !n.IsEnabled() {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		n.send(ctx, alert)
	}()
}

func (n *Notifier) send(ctx context.Context, alert Alert) {
	if n.cfg.webhookEnabled() {
		if err := n.sendWebhook(ctx, alert); err != nil {
			log.Printf("[Notify] Webhook error: %v", err)
		}
	}
	if n.cfg.emailEnabled() {
		if err := n.sendEmail(alert); err != nil {
			log.Printf("[Notify] Email error: %v", err)
		}
	}
}

// WebhookPayload is the JSON body posted to the alert webhook.
type WebhookPayload struct {
	AlertType string `json:"alert_type"`
	Subject   string `json:"subject"`
	Message   string `json:"message"`
	Details   string `json:"details"`
	Timestamp string `json:"timestamp"`
	// Slack-compatible
	Text string `json:"text,omitempty"`
}

func emoji(t AlertType) string {
	switch t {
	case AlertBridgeRecovered:
		return ":white_check_mark:"
	case AlertBridgeUnhealthy:
		return ":warning:"
	default:
		return ":x:"
	}
}

func (n *Notifier) sendWebhook(ctx context.Context, alert Alert) error {
	payload := WebhookPayload{
		AlertType: string(alert.Type),
		Subject:   alert.Subject,
		Message:   alert.Message,
		Details:   alert.Details,
		Timestamp: alert.Timestamp.Format(time.RFC3339),
		Text:      fmt.Sprintf("%s *%s*\n%s", emoji(alert.Type), alert.Message, alert.Details),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	log.Printf("[Notify] Webhook sent: %s", alert.Type)
	return nil
}

func (n *Notifier) sendEmail(alert Alert) error {
	message := sanitizeForEmail(alert.Message)

	var body strings.Builder
	fmt.Fprintf(&body, "Alert Type: %s\n", alert.Type)
	fmt.Fprintf(&body, "Subject: %s\n", sanitizeForEmail(alert.Subject))
	fmt.Fprintf(&body, "Time: %s\n\n", alert.Timestamp.Format(time.RFC1123))
	fmt.Fprintf(&body, "Message: %s\n", message)
	fmt.Fprintf(&body, "Details: %s\n", sanitizeForEmail(alert.Details))

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: [BridgeSync] %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		n.cfg.SMTPFrom, strings.Join(n.cfg.SMTPTo, ", "), message, body.String())

	addr := fmt.Sprintf("%s:%d", n.cfg.SMTPHost, n.cfg.SMTPPort)
	var auth smtp.Auth
	if n.cfg.SMTPUsername != "" {
		auth = smtp.PlainAuth("", n.cfg.SMTPUsername, n.cfg.SMTPPassword, n.cfg.SMTPHost)
	}

	var err error
	if n.cfg.SMTPTLS {
		err = n.sendEmailTLS(addr, auth, []byte(msg))
	} else {
		err = smtp.SendMail(addr, auth, n.cfg.SMTPFrom, n.cfg.SMTPTo, []byte(msg))
	}
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	log.Printf("[Notify] Email sent to %d recipients: %s", len(n.cfg.SMTPTo), alert.Type)
	return nil
}

// sendEmailTLS sends over implicit TLS (port 465).
func (n *Notifier) sendEmailTLS(addr string, auth smtp.Auth, msg []byte) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{
		ServerName: n.cfg.SMTPHost,
		MinVersion: tls.VersionTLS12,
	})
	if err != nil {
		return fmt.Errorf("dial TLS: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, n.cfg.SMTPHost)
	if err != nil {
		return fmt.Errorf("create SMTP client: %w", err)
	}
	defer client.Close()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}
	if err := client.Mail(n.cfg.SMTPFrom); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	for _, rcpt := range n.cfg.SMTPTo {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("rcpt to %s: %w", rcpt, err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	return client.Quit()
}
