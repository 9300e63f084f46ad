package automation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chriswu/outreach-scheduler/internal/models"
)

type scriptedGenerator struct {
	text string
	err  error
}

func (s scriptedGenerator) Generate(context.Context, models.Lead, string) (string, error) {
	return s.text, s.err
}

func TestTemplateFallbackUsesInner(t *testing.T) {
	g := &TemplateFallback{Inner: scriptedGenerator{text: "Hey Ada, loved your talk."}}

	text, err := g.Generate(context.Background(), models.Lead{FullName: "Ada Lovelace"}, "message")
	require.NoError(t, err)
	assert.Equal(t, "Hey Ada, loved your talk.", text)
}

func TestTemplateFallbackOnError(t *testing.T) {
	g := &TemplateFallback{
		Inner:    scriptedGenerator{err: errors.New("model timeout")},
		Template: "Hi {name}, happy to connect.",
	}

	text, err := g.Generate(context.Background(), models.Lead{FullName: "Ada Lovelace"}, "message")
	require.NoError(t, err, "fallback must never fail")
	assert.Equal(t, "Hi Ada, happy to connect.", text)
}

func TestTemplateFallbackOnBlankOutput(t *testing.T) {
	g := &TemplateFallback{
		Inner:    scriptedGenerator{text: "   "},
		Template: "Hi {name}.",
	}

	text, err := g.Generate(context.Background(), models.Lead{FullName: "Grace Hopper"}, "message")
	require.NoError(t, err)
	assert.Equal(t, "Hi Grace.", text)
}

func TestTemplateFallbackNoInnerNoName(t *testing.T) {
	g := &TemplateFallback{}

	text, err := g.Generate(context.Background(), models.Lead{}, "message")
	require.NoError(t, err)
	assert.Equal(t, "Hi there, great to connect.", text)
}
