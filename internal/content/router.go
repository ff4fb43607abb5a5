package content

import (
	"context"

	"collections/internal/observability"
)

// Router sends use_ai steps to AI and everything else to Template. Without an AI
// generator every step falls back to its templates.
type Router struct {
	Template Generator
	AI       Generator
}

func NewRouter(ai Generator) *Router {
	return &Router{Template: TemplateGenerator{}, AI: ai}
}

func (r *Router) Generate(ctx context.Context, req Request) (Content, error) {
	gen, name := r.Template, "template"
	if req.UseAI && r.AI != nil {
		gen, name = r.AI, "ai"
	}
	out, err := gen.Generate(ctx, req)
	if err != nil {
		observability.ContentGenerated.WithLabelValues(name, "error").Inc()
		return Content{}, err
	}
	observability.ContentGenerated.WithLabelValues(name, "ok").Inc()
	return out, nil
}
