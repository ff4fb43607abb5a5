package content

import (
	"context"
	"strings"

	"collections/internal/util"
)

// TemplateGenerator substitutes {{placeholders}} in the step templates.
type TemplateGenerator struct{}

func (TemplateGenerator) Generate(ctx context.Context, req Request) (Content, error) {
	vars := req.Context.Vars()
	out := Content{
		Subject: strings.TrimSpace(util.RenderTemplate(req.SubjectTemplate, vars)),
		Body:    strings.TrimSpace(util.RenderTemplate(req.BodyTemplate, vars)),
	}
	if out.Body == "" {
		return Content{}, ErrEmptyTemplate
	}
	return out, nil
}
