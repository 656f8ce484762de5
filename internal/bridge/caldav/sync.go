package caldav

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/macjediwizard/bridgesync/internal/bridge"
)

// multistatus is the body of a sync-collection REPORT response (RFC 6578).
type multistatus struct {
	XMLName   xml.Name   `xml:"DAV: multistatus"`
	Responses []response `xml:"response"`
	SyncToken string     `xml:"sync-token"`
}

type response struct {
	Href     string    `xml:"href"`
	PropStat *propstat `xml:"propstat"`
	Status   string    `xml:"status"`
}

type propstat struct {
	Prop   prop   `xml:"prop"`
	Status string `xml:"status"`
}

type prop struct {
	GetETag      string `xml:"getetag"`
	CalendarData string `xml:"urn:ietf:params:xml:ns:caldav calendar-data"`
}

// syncItem is one changed member of the collection.
type syncItem struct {
	Href string
	ETag string
	Data string
}

// syncResult is the parsed outcome of one sync-collection REPORT.
type syncResult struct {
	Token   string
	Changed []syncItem
	Removed []string // hrefs
}

// Changes runs a WebDAV-Sync sync-collection REPORT on the calendar. Removed
// objects are reported by UID, taken from the object name; a removed
// recurring series is therefore reported by its UID only and its mapped
// occurrences are left to the deletion checks of the next sync pass.
func (b *Bridge) Changes(ctx context.Context, calendarID, token string, start, end time.Time) (bridge.DeltaPage, error) {
	res, err := b.syncCollection(ctx, calendarID, token)
	if err != nil {
		return bridge.DeltaPage{}, err
	}

	page := bridge.DeltaPage{NextToken: res.Token}
	for _, href := range res.Removed {
		if uid := uidFromHref(href); uid != "" {
			page.Removed = append(page.Removed, uid)
		}
	}

	for _, item := range res.Changed {
		cal, raw, err := b.itemCalendar(ctx, item)
		if err != nil {
			if bridge.Classify(err) == bridge.StatusTransient {
				return bridge.DeltaPage{}, err
			}
			log.Printf("[CalDAV] %s: skipping changed %s: %v", b.name, item.Href, err)
			continue
		}
		evs, err := expandObject(cal, raw, start, end)
		if err != nil {
			log.Printf("[CalDAV] %s: skipping changed %s: %v", b.name, item.Href, err)
			continue
		}
		page.Changed = append(page.Changed, evs...)
	}
	return page, nil
}

// itemCalendar decodes the calendar data returned with a changed item,
// fetching the object when the server left it out.
func (b *Bridge) itemCalendar(ctx context.Context, item syncItem) (*ical.Calendar, []byte, error) {
	if item.Data == "" {
		obj, err := b.dav.GetCalendarObject(ctx, item.Href)
		if err != nil {
			return nil, nil, err
		}
		return obj.Data, encodeCalendar(obj.Data), nil
	}
	// XML parsing folds CRLF line ends to LF
	data := strings.ReplaceAll(strings.ReplaceAll(item.Data, "\r\n", "\n"), "\n", "\r\n")
	cal, err := ical.NewDecoder(strings.NewReader(data)).Decode()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: parse calendar data: %w", bridge.ErrValidation, err)
	}
	return cal, []byte(data), nil
}

// syncCollection sends the REPORT. A rejected token maps to
// bridge.ErrDeltaExpired; a server without WebDAV-Sync to
// bridge.ErrUnsupported.
func (b *Bridge) syncCollection(ctx context.Context, calendarID, token string) (*syncResult, error) {
	target, err := b.collectionURL(calendarID)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Content-Type", "application/xml; charset=utf-8")
	header.Set("Depth", "1")
	header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(b.cfg.Username+":"+b.cfg.Password)))

	resp, err := b.client.Do(ctx, "REPORT", target, []byte(buildSyncCollectionRequest(token)), header)
	if err != nil {
		switch status := bridge.HTTPStatus(err); {
		case token != "" && (status == http.StatusForbidden || status == http.StatusConflict || status == http.StatusGone):
			return nil, fmt.Errorf("%w: %s: %w", bridge.ErrDeltaExpired, calendarID, err)
		case status == http.StatusForbidden || status == http.StatusMethodNotAllowed || status == http.StatusNotImplemented:
			return nil, fmt.Errorf("%w: webdav-sync on %s", bridge.ErrUnsupported, calendarID)
		}
		return nil, fmt.Errorf("sync-collection %s: %w", calendarID, err)
	}
	if resp.StatusCode != http.StatusMultiStatus {
		return nil, fmt.Errorf("%w: sync-collection %s: unexpected status %d", bridge.ErrUnsupported, calendarID, resp.StatusCode)
	}
	return parseSyncResponse(resp.Body)
}

// collectionURL resolves a calendar path against the server base URL.
func (b *Bridge) collectionURL(calendarID string) (string, error) {
	base, err := url.Parse(b.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("%w: base url: %w", bridge.ErrValidation, err)
	}
	return base.ResolveReference(&url.URL{Path: calendarID}).String(), nil
}

func buildSyncCollectionRequest(token string) string {
	tokenElement := "<D:sync-token/>"
	if token != "" {
		var sb strings.Builder
		_ = xml.EscapeText(&sb, []byte(token))
		tokenElement = "<D:sync-token>" + sb.String() + "</D:sync-token>"
	}

	return `<?xml version="1.0" encoding="utf-8" ?>
<D:sync-collection xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  ` + tokenElement + `
  <D:sync-level>1</D:sync-level>
  <D:prop>
    <D:getetag/>
    <C:calendar-data/>
  </D:prop>
</D:sync-collection>`
}

func parseSyncResponse(body []byte) (*syncResult, error) {
	var ms multistatus
	if err := xml.Unmarshal(body, &ms); err != nil {
		return nil, fmt.Errorf("%w: parse sync response: %w", bridge.ErrValidation, err)
	}

	res := &syncResult{Token: ms.SyncToken}
	for _, r := range ms.Responses {
		// Removed members come back with a bare 404 status
		if strings.Contains(r.Status, "404") {
			res.Removed = append(res.Removed, r.Href)
			continue
		}
		if r.PropStat == nil || !strings.Contains(r.PropStat.Status, "200") {
			continue
		}
		// The collection itself is listed on some servers
		if strings.HasSuffix(r.Href, "/") {
			continue
		}
		res.Changed = append(res.Changed, syncItem{
			Href: r.Href,
			ETag: r.PropStat.Prop.GetETag,
			Data: r.PropStat.Prop.CalendarData,
		})
	}
	return res, nil
}

// uidFromHref returns the object name of href without its .ics suffix.
func uidFromHref(href string) string {
	name := path.Base(strings.TrimSuffix(href, "/"))
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	name = strings.TrimSuffix(name, ".ics")
	if name == "." || name == "/" {
		return ""
	}
	return name
}
