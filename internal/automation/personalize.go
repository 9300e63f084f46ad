package automation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/chriswu/outreach-scheduler/internal/models"
)

// Generator produces personalized outreach text. Implementations may call an
// AI service; failures must never block scheduling.
type Generator interface {
	Generate(ctx context.Context, lead models.Lead, kind string) (string, error)
}

// TemplateFallback wraps a Generator with a static template so message
// production always succeeds. A nil inner generator is allowed and always
// falls back.
type TemplateFallback struct {
	Inner    Generator
	Template string // "{name}" is replaced with the lead's first name
	Logger   *slog.Logger
}

func (t *TemplateFallback) Generate(ctx context.Context, lead models.Lead, kind string) (string, error) {
	if t.Inner != nil {
		text, err := t.Inner.Generate(ctx, lead, kind)
		if err == nil && strings.TrimSpace(text) != "" {
			return text, nil
		}
		if err != nil && t.Logger != nil {
			t.Logger.Warn("generator failed, using template",
				slog.String("lead_id", lead.ID),
				slog.String("kind", kind),
				slog.String("error", err.Error()),
			)
		}
	}
	name := lead.FullName
	if i := strings.IndexByte(name, ' '); i > 0 {
		name = name[:i]
	}
	if name == "" {
		name = "there"
	}
	if t.Template == "" {
		return fmt.Sprintf("Hi %s, great to connect.", name), nil
	}
	return strings.ReplaceAll(t.Template, "{name}", name), nil
}
