// Package render turns campaign templates into per-recipient email bodies.
// Templates use the Liquid language for merge fields, and rendered HTML
// gets open/click tracking injected before handoff to the transport.
package render

import (
	"fmt"
	"html"
	"net/url"
	"strings"
	"sync"

	"github.com/osteele/liquid"
)

// Renderer compiles and renders Liquid templates with caching. Safe for
// concurrent use; parsed templates are cached by key so a campaign's
// template is compiled once per process, not once per recipient.
type Renderer struct {
	engine *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template
}

// New creates a renderer with the email merge filters registered.
func New() *Renderer {
	r := &Renderer{engine: liquid.NewEngine()}
	r.registerFilters()
	return r
}

func (r *Renderer) registerFilters() {
	// Fallback value: {{ first_name | default: "Friend" }}
	r.engine.RegisterFilter("default", func(value interface{}, defaultVal string) interface{} {
		if value == nil {
			return defaultVal
		}
		strVal := fmt.Sprintf("%v", value)
		if strVal == "" || strVal == "<nil>" {
			return defaultVal
		}
		return value
	})

	// Capitalize first letter: {{ name | capitalize }}
	r.engine.RegisterFilter("capitalize", func(s string) string {
		if len(s) == 0 {
			return s
		}
		return strings.ToUpper(string(s[0])) + strings.ToLower(s[1:])
	})

	// URL encode: {{ email | urlencode }}
	r.engine.RegisterFilter("urlencode", func(s string) string {
		return url.QueryEscape(s)
	})

	// HTML escape: {{ user_input | escape }}
	r.engine.RegisterFilter("escape", func(s string) string {
		return html.EscapeString(s)
	})

	// Extract domain from email: {{ email | email_domain }}
	r.engine.RegisterFilter("email_domain", func(email string) string {
		parts := strings.Split(email, "@")
		if len(parts) == 2 {
			return parts[1]
		}
		return ""
	})
}

// Parse compiles a template string and returns any syntax errors.
func (r *Renderer) Parse(templateStr string) error {
	_, err := r.engine.ParseString(templateStr)
	return err
}

// Render processes a template with the given merge context. A non-empty
// cacheKey reuses the compiled template across renders.
func (r *Renderer) Render(cacheKey string, templateStr string, ctx map[string]interface{}) (string, error) {
	if cacheKey != "" {
		if cached, ok := r.cache.Load(cacheKey); ok {
			tpl := cached.(*liquid.Template)
			return tpl.RenderString(ctx)
		}
	}

	tpl, err := r.engine.ParseString(templateStr)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}

	if cacheKey != "" {
		r.cache.Store(cacheKey, tpl)
	}

	out, err := tpl.RenderString(ctx)
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return out, nil
}

// ClearCache drops all cached compiled templates.
func (r *Renderer) ClearCache() {
	r.cache = sync.Map{}
}

// ClearCacheKey drops one cached template, used when a campaign's
// template is edited.
func (r *Renderer) ClearCacheKey(key string) {
	r.cache.Delete(key)
}
