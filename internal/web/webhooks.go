package web

import (
	"bytes"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/macjediwizard/bridgesync/internal/bridge"
	"github.com/macjediwizard/bridgesync/internal/db"
)

const webhookSchemaURL = "https://bridgesync.local/schemas/webhook.json"

// webhookSchemaJSON describes the notification body accepted from any bridge.
// Deletions name the event; creations and updates name the resource.
const webhookSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["action", "timestamp"],
	"properties": {
		"action": {"enum": ["created", "updated", "deleted"]},
		"resource_id": {"type": "string", "maxLength": 512},
		"event_id": {"type": "string", "maxLength": 512},
		"event": {"type": "object"},
		"timestamp": {"type": "string", "format": "date-time"}
	},
	"if": {"properties": {"action": {"const": "deleted"}}},
	"then": {"required": ["event_id"], "properties": {"event_id": {"minLength": 1}}},
	"else": {"required": ["resource_id"], "properties": {"resource_id": {"minLength": 1}}}
}`

var webhookSchema = mustCompileSchema(webhookSchemaURL, webhookSchemaJSON)

func mustCompileSchema(url, schema string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schema))
	if err != nil {
		panic("web: parse schema: " + err.Error())
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		panic("web: add schema: " + err.Error())
	}
	return c.MustCompile(url)
}

// validateWebhook checks body against the webhook schema and decodes it.
func validateWebhook(body []byte) (db.WebhookPayload, error) {
	var p db.WebhookPayload
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return p, err
	}
	if err := webhookSchema.Validate(inst); err != nil {
		return p, err
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return p, err
	}
	return p, nil
}

func readBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Request body too large"})
			return nil, false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return nil, false
	}
	return body, true
}

// IngestWebhook accepts a change notification for a bridge and queues it.
// The queue worker turns it into deletion or resource sync items.
func (h *Handlers) IngestWebhook(c *gin.Context) {
	name := c.Param("bridge")
	if _, err := h.orch.Registry().Get(name); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown bridge"})
		return
	}

	body, ok := readBody(c)
	if !ok {
		return
	}
	payload, err := validateWebhook(body)
	if err != nil {
		h.metrics.Webhook(name, "invalid")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid webhook payload"})
		return
	}

	id, ok := h.enqueueWebhook(c, name, payload)
	if !ok {
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": true, "id": id})
}

func (h *Handlers) enqueueWebhook(c *gin.Context, name string, payload db.WebhookPayload) (string, bool) {
	item, err := db.NewWebhookItem(name, payload)
	if err == nil {
		_, err = h.queue.Enqueue(c.Request.Context(), item)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": sanitizeError(err, "Failed to queue notification")})
		return "", false
	}
	h.metrics.Webhook(name, payload.Action)
	return item.ID, true
}

// graphNotifications is the body of a Microsoft Graph change notification.
type graphNotifications struct {
	Value []graphNotification `json:"value"`
}

type graphNotification struct {
	SubscriptionID string `json:"subscriptionId"`
	ClientState    string `json:"clientState"`
	ChangeType     string `json:"changeType"`
	Resource       string `json:"resource"`
	ResourceData   struct {
		ID string `json:"id"`
	} `json:"resourceData"`
}

// GraphWebhook handles Graph change notifications for an outlook bridge. The
// subscription handshake is answered by echoing the validation token.
func (h *Handlers) GraphWebhook(c *gin.Context) {
	if token := c.Query("validationToken"); token != "" {
		c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(token))
		return
	}

	name := c.Param("bridge")
	b, err := h.orch.Registry().Get(name)
	if err != nil || b.Type() != bridge.TypeOutlook {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown bridge"})
		return
	}

	body, ok := readBody(c)
	if !ok {
		return
	}
	var notes graphNotifications
	if err := json.Unmarshal(body, &notes); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid notification body"})
		return
	}

	accepted, rejected, skipped := 0, 0, 0
	for _, n := range notes.Value {
		if h.clientState != "" && n.ClientState != h.clientState {
			rejected++
			continue
		}
		payload, ok := h.graphPayload(n)
		if !ok {
			skipped++
			continue
		}
		if _, ok := h.enqueueWebhook(c, name, payload); !ok {
			return
		}
		accepted++
	}

	if rejected > 0 {
		log.Printf("Rejected %d Graph notifications for %s with unexpected clientState", rejected, name)
		if accepted == 0 {
			c.JSON(http.StatusForbidden, gin.H{"error": "Invalid client state"})
			return
		}
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": accepted, "skipped": skipped, "rejected": rejected})
}

// graphPayload translates a Graph notification into a webhook payload. The
// calendar comes from the subscription when this process created it, else
// from the resource path.
func (h *Handlers) graphPayload(n graphNotification) (db.WebhookPayload, bool) {
	p := db.WebhookPayload{
		EventID:   n.ResourceData.ID,
		Timestamp: time.Now().UTC(),
	}
	switch strings.ToLower(n.ChangeType) {
	case "created":
		p.Action = db.ActionCreated
	case "updated":
		p.Action = db.ActionUpdated
	case "deleted":
		p.Action = db.ActionDeleted
	default:
		return p, false
	}

	if p.EventID == "" {
		p.EventID = pathSegmentAfter(n.Resource, "events")
	}
	if h.subs != nil {
		if sub, ok := h.subs.Lookup(n.SubscriptionID); ok {
			p.ResourceID = sub.CalendarID
		}
	}
	if p.ResourceID == "" {
		p.ResourceID = pathSegmentAfter(n.Resource, "calendars")
	}

	if p.Action == db.ActionDeleted {
		return p, p.EventID != ""
	}
	return p, p.ResourceID != ""
}

// pathSegmentAfter returns the path segment following name, matched without
// regard to case. Graph capitalizes resource paths inconsistently.
func pathSegmentAfter(path, name string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i := 0; i < len(parts)-1; i++ {
		if strings.EqualFold(parts[i], name) {
			return parts[i+1]
		}
	}
	return ""
}
