package render

import (
	"fmt"
	"net/url"
	"strings"
)

// Injector rewrites rendered HTML so opens and clicks hit the tracking
// endpoints. All generated URLs carry the recipient's tracking id; the
// real email address never appears in a tracking URL.
type Injector struct {
	// baseURL is the public tracking origin without a trailing slash,
	// e.g. "https://track.example.com".
	baseURL string
}

// NewInjector creates an injector pointing at the given tracking origin.
func NewInjector(baseURL string) *Injector {
	return &Injector{baseURL: strings.TrimRight(baseURL, "/")}
}

// PixelURL returns the open-tracking pixel URL for a recipient.
func (in *Injector) PixelURL(trackingID string) string {
	return fmt.Sprintf("%s/tracking/open?id=%s", in.baseURL, url.QueryEscape(trackingID))
}

// ClickURL returns the redirect URL that records a click before sending
// the recipient on to target.
func (in *Injector) ClickURL(trackingID, target, linkID string) string {
	u := fmt.Sprintf("%s/tracking/click?id=%s&url=%s",
		in.baseURL, url.QueryEscape(trackingID), url.QueryEscape(target))
	if linkID != "" {
		u += "&linkId=" + url.QueryEscape(linkID)
	}
	return u
}

// UnsubscribeURL returns the one-click unsubscribe URL for a recipient.
func (in *Injector) UnsubscribeURL(trackingID string) string {
	return fmt.Sprintf("%s/tracking/unsubscribe?token=%s", in.baseURL, url.QueryEscape(trackingID))
}

// Inject rewrites links for click tracking, appends the open pixel, and
// resolves the {{unsubscribe_url}} placeholder. Input is already-rendered
// HTML; merge fields are gone by this point except the unsubscribe
// placeholder, which is per-recipient and must survive template caching.
func (in *Injector) Inject(html, trackingID string) string {
	html = strings.ReplaceAll(html, "{{unsubscribe_url}}", in.UnsubscribeURL(trackingID))
	html = in.rewriteLinks(html, trackingID)

	pixel := fmt.Sprintf(`<img src="%s" width="1" height="1" alt="" style="display:none" />`,
		in.PixelURL(trackingID))
	if strings.Contains(html, "</body>") {
		html = strings.Replace(html, "</body>", pixel+"</body>", 1)
	} else {
		html += pixel
	}
	return html
}

// rewriteLinks replaces every href pointing at http(s) with a tracked
// redirect. Links already pointing at the tracking origin are left alone
// so unsubscribe links do not get double wrapped.
func (in *Injector) rewriteLinks(html, trackingID string) string {
	var b strings.Builder
	b.Grow(len(html))

	rest := html
	linkIdx := 0
	for {
		start := strings.Index(rest, `href="http`)
		if start == -1 {
			b.WriteString(rest)
			break
		}
		valStart := start + len(`href="`)
		end := strings.Index(rest[valStart:], `"`)
		if end == -1 {
			b.WriteString(rest)
			break
		}

		original := rest[valStart : valStart+end]
		b.WriteString(rest[:valStart])

		if strings.HasPrefix(original, in.baseURL+"/tracking/") {
			b.WriteString(original)
		} else {
			linkIdx++
			b.WriteString(in.ClickURL(trackingID, original, fmt.Sprintf("l%d", linkIdx)))
		}

		rest = rest[valStart+end:]
	}

	return b.String()
}

// ListUnsubscribeHeaders returns the RFC 8058 one-click unsubscribe
// headers for a recipient.
func (in *Injector) ListUnsubscribeHeaders(trackingID string) map[string]string {
	return map[string]string{
		"List-Unsubscribe":      fmt.Sprintf("<%s>", in.UnsubscribeURL(trackingID)),
		"List-Unsubscribe-Post": "List-Unsubscribe=One-Click",
	}
}
