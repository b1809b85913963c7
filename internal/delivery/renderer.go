// Package delivery renders sequence step content and hands it to an email
// transport.
package delivery

import (
	"crypto/md5"
	"fmt"
	"html"
	"net/url"
	"strings"
	"sync"

	"github.com/osteele/liquid"
)

// Renderer compiles and renders Liquid templates with a parse cache keyed
// by content hash. Safe for concurrent use.
type Renderer struct {
	engine *liquid.Engine
	cache  sync.Map // md5(source) -> *liquid.Template
}

// NewRenderer creates a renderer with the outreach filter set registered.
func NewRenderer() *Renderer {
	r := &Renderer{engine: liquid.NewEngine()}
	r.registerFilters()
	return r
}

func (r *Renderer) registerFilters() {
	// {{ first_name | default: "there" }}
	r.engine.RegisterFilter("default", func(value interface{}, defaultVal string) interface{} {
		if value == nil {
			return defaultVal
		}
		s := fmt.Sprintf("%v", value)
		if s == "" || s == "<nil>" {
			return defaultVal
		}
		return value
	})

	// {{ company | capitalize }}
	r.engine.RegisterFilter("capitalize", func(s string) string {
		if len(s) == 0 {
			return s
		}
		return strings.ToUpper(string(s[0])) + s[1:]
	})

	// {{ email | urlencode }}
	r.engine.RegisterFilter("urlencode", func(s string) string {
		return url.QueryEscape(s)
	})

	// {{ notes | escape }}
	r.engine.RegisterFilter("escape", func(s string) string {
		return html.EscapeString(s)
	})
}

// Render executes a template against the bindings. Missing variables render
// empty rather than erroring; send paths must not fail on sparse lead data.
func (r *Renderer) Render(source string, bindings map[string]interface{}) (string, error) {
	tmpl, err := r.parse(source)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}
	out, err := tmpl.RenderString(bindings)
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return out, nil
}

func (r *Renderer) parse(source string) (*liquid.Template, error) {
	key := fmt.Sprintf("%x", md5.Sum([]byte(source)))
	if cached, ok := r.cache.Load(key); ok {
		return cached.(*liquid.Template), nil
	}
	tmpl, err := r.engine.ParseString(source)
	if err != nil {
		return nil, err
	}
	r.cache.Store(key, tmpl)
	return tmpl, nil
}

// Validate parses a template without rendering it. Used by trigger and
// template save paths to reject broken Liquid up front.
func (r *Renderer) Validate(source string) error {
	_, err := r.parse(source)
	return err
}
