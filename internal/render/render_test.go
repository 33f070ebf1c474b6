package render

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderMergeFields(t *testing.T) {
	r := New()

	out, err := r.Render("", `Hello {{ first_name }}, welcome to {{ product }}!`, map[string]interface{}{
		"first_name": "Ada",
		"product":    "Widgets",
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello Ada, welcome to Widgets!", out)
}

func TestRenderDefaultFilter(t *testing.T) {
	r := New()

	out, err := r.Render("", `Hi {{ first_name | default: "Friend" }}`, map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, "Hi Friend", out)

	out, err = r.Render("", `Hi {{ first_name | default: "Friend" }}`, map[string]interface{}{
		"first_name": "Ada",
	})
	require.NoError(t, err)
	assert.Equal(t, "Hi Ada", out)
}

func TestRenderCacheReuse(t *testing.T) {
	r := New()

	out1, err := r.Render("tpl-1", `Hello {{ name }}`, map[string]interface{}{"name": "one"})
	require.NoError(t, err)
	assert.Equal(t, "Hello one", out1)

	// Same key, different template text: the cached compile wins, which
	// is the point of keying by campaign template version.
	out2, err := r.Render("tpl-1", `Goodbye {{ name }}`, map[string]interface{}{"name": "two"})
	require.NoError(t, err)
	assert.Equal(t, "Hello two", out2)

	r.ClearCacheKey("tpl-1")
	out3, err := r.Render("tpl-1", `Goodbye {{ name }}`, map[string]interface{}{"name": "three"})
	require.NoError(t, err)
	assert.Equal(t, "Goodbye three", out3)
}

func TestRenderParseError(t *testing.T) {
	r := New()

	err := r.Parse(`{% if %}broken`)
	assert.Error(t, err)

	_, err = r.Render("", `{% if %}broken`, nil)
	assert.Error(t, err)
}

func TestInjectPixel(t *testing.T) {
	in := NewInjector("https://track.example.com")

	html := `<html><body><p>Hi</p></body></html>`
	out := in.Inject(html, "trk-123")

	assert.Contains(t, out, `https://track.example.com/tracking/open?id=trk-123`)
	// Pixel lands before the closing body tag.
	pixelIdx := strings.Index(out, "/tracking/open")
	bodyIdx := strings.Index(out, "</body>")
	assert.Less(t, pixelIdx, bodyIdx)
}

func TestInjectPixelNoBodyTag(t *testing.T) {
	in := NewInjector("https://track.example.com")

	out := in.Inject(`<p>plain fragment</p>`, "trk-123")
	assert.Contains(t, out, "/tracking/open?id=trk-123")
}

func TestInjectRewritesLinks(t *testing.T) {
	in := NewInjector("https://track.example.com")

	html := `<body><a href="https://shop.example.com/sale?x=1&y=2">Sale</a></body>`
	out := in.Inject(html, "trk-123")

	assert.NotContains(t, out, `href="https://shop.example.com`)
	assert.Contains(t, out, `/tracking/click?id=trk-123&url=`)
	// Original URL survives round-trippable encoding.
	assert.Contains(t, out, "https%3A%2F%2Fshop.example.com%2Fsale%3Fx%3D1%26y%3D2")
	assert.Contains(t, out, "linkId=l1")
}

func TestInjectSkipsTrackingLinks(t *testing.T) {
	in := NewInjector("https://track.example.com")

	html := `<body><a href="https://track.example.com/tracking/unsubscribe?token=trk-123">Unsubscribe</a></body>`
	out := in.Inject(html, "trk-123")

	// Already a tracking URL, must not be double wrapped.
	assert.Contains(t, out, `href="https://track.example.com/tracking/unsubscribe?token=trk-123"`)
	assert.NotContains(t, out, "url=https%3A%2F%2Ftrack.example.com")
}

func TestInjectUnsubscribePlaceholder(t *testing.T) {
	in := NewInjector("https://track.example.com")

	html := `<body><a href="{{unsubscribe_url}}">Unsubscribe</a></body>`
	out := in.Inject(html, "trk-123")

	assert.Contains(t, out, `href="https://track.example.com/tracking/unsubscribe?token=trk-123"`)
}

func TestListUnsubscribeHeaders(t *testing.T) {
	in := NewInjector("https://track.example.com")

	h := in.ListUnsubscribeHeaders("trk-123")
	assert.Equal(t, "<https://track.example.com/tracking/unsubscribe?token=trk-123>", h["List-Unsubscribe"])
	assert.Equal(t, "List-Unsubscribe=One-Click", h["List-Unsubscribe-Post"])
}
