// Package render turns a sequence step's template into the final subject
// and body for one prospect, using the Liquid template language for
// personalization tokens.
package render

import (
	"fmt"
	"strings"
	"sync"

	"github.com/osteele/liquid"

	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/pkg/logger"
)

// Input carries everything the renderer needs for one email.
type Input struct {
	Step     *domain.SequenceStep
	Prospect *domain.Prospect

	// OpenerCache is an optional pre-generated personalization fragment
	// for this prospect, exposed to templates as {{ opener }}.
	OpenerCache string

	// Signature is appended to the body when ForSend is true.
	Signature string

	// UnsubscribeURL, when set and ForSend is true, is appended as a footer.
	UnsubscribeURL string

	// ForSend selects send mode: unsubscribe footer and signature are
	// appended. Preview mode renders the bare template.
	ForSend bool
}

// Output is the rendered subject and body.
type Output struct {
	Subject string
	Body    string
}

// Renderer renders Liquid templates with a small cache keyed by source.
// Rendering never fails a send: missing personalization fields render
// blank, and a template parse error falls back to the raw source.
type Renderer struct {
	engine *liquid.Engine
	cache  sync.Map // template source -> *liquid.Template
}

// NewRenderer creates a renderer with the engine's custom filters installed.
func NewRenderer() *Renderer {
	r := &Renderer{engine: liquid.NewEngine()}

	// {{ first_name | default: "there" }}, the workhorse of cold email.
	r.engine.RegisterFilter("default", func(value interface{}, fallback string) interface{} {
		if value == nil {
			return fallback
		}
		if s := fmt.Sprintf("%v", value); s == "" || s == "<nil>" {
			return fallback
		}
		return value
	})

	r.engine.RegisterFilter("capitalize", func(s string) string {
		if s == "" {
			return s
		}
		return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
	})

	return r
}

// RenderEmail produces the final subject and body for one send.
func (r *Renderer) RenderEmail(in *Input) *Output {
	bindings := map[string]interface{}{
		"first_name": in.Prospect.FirstName,
		"last_name":  in.Prospect.LastName,
		"company":    in.Prospect.Company,
		"title":      in.Prospect.Title,
		"email":      in.Prospect.Email,
		"opener":     in.OpenerCache,
	}

	out := &Output{
		Subject: r.render(in.Step.Subject, bindings),
		Body:    r.render(in.Step.Body, bindings),
	}

	if in.ForSend {
		if in.Signature != "" {
			out.Body += "\n<br><br>" + in.Signature
		}
		if in.UnsubscribeURL != "" {
			out.Body += fmt.Sprintf(
				"\n<br><br><p style=\"font-size:11px;color:#999\"><a href=\"%s\">Se désinscrire</a></p>",
				in.UnsubscribeURL)
		}
	}
	return out
}

func (r *Renderer) render(source string, bindings map[string]interface{}) string {
	tpl, err := r.template(source)
	if err != nil {
		logger.Warn("template parse failed, sending raw source", "error", err.Error())
		return source
	}
	rendered, err := tpl.Render(bindings)
	if err != nil {
		logger.Warn("template render failed, sending raw source", "error", err.Error())
		return source
	}
	return string(rendered)
}

func (r *Renderer) template(source string) (*liquid.Template, error) {
	if cached, ok := r.cache.Load(source); ok {
		return cached.(*liquid.Template), nil
	}
	tpl, err := r.engine.ParseString(source)
	if err != nil {
		return nil, err
	}
	r.cache.Store(source, tpl)
	return tpl, nil
}

// EnsureReplyPrefix prepends "Re: " to a follow-up subject unless the
// stored subject already starts with it, case-insensitively, so repeated
// follow-ups never stack prefixes.
func EnsureReplyPrefix(subject string) string {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(subject)), "re:") {
		return subject
	}
	return "Re: " + subject
}
