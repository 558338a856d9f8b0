// Package reasoning wraps the external language-model services used to make
// trade decisions behind a single Complete call.
package reasoning

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/valuestor/trader/internal/config"
)

// ErrEmptyResponse is returned when the service answers with no text.
var ErrEmptyResponse = errors.New("reasoning: empty response")

// Options tune a single completion.
type Options struct {
	Temperature float64
	MaxTokens   int64
	// JSONMode asks the service for a single JSON object.
	JSONMode bool
}

type Reasoner interface {
	Complete(ctx context.Context, system, user string, opts Options) (string, error)
}

// New builds the configured provider wrapped with timeout and retry.
func New(cfg config.ReasoningConfig, logger *zap.Logger) (Reasoner, error) {
	var base Reasoner
	provider := strings.ToLower(cfg.Provider)
	switch provider {
	case "", "openai":
		provider = "openai"
		base = NewOpenAI(cfg.APIKey, cfg.BaseURL, cfg.Model)
	case "anthropic":
		base = NewAnthropic(cfg.APIKey, cfg.BaseURL, cfg.Model)
	default:
		return nil, fmt.Errorf("reasoning: unknown provider %q", cfg.Provider)
	}
	return NewRetrying(base, RetryConfig{
		Provider:   provider,
		Timeout:    cfg.Timeout,
		MaxRetries: cfg.MaxRetries,
		Logger:     logger,
	}), nil
}
