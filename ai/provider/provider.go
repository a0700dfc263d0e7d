package provider

import (
	"context"

	"github.com/zahlmann/phitree/ai/model"
	"github.com/zahlmann/phitree/ai/stream"
)

type StreamOptions struct {
	SessionID     string
	ThinkingLevel string
	Temperature   *float64
	MaxTokens     int
}

type Client interface {
	Stream(ctx context.Context, model model.Model, conversation model.Context, options StreamOptions) (stream.EventStream, error)
}
