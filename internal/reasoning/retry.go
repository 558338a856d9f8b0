package reasoning

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/cenkalti/backoff/v4"
	"github.com/openai/openai-go/v3"
	"go.uber.org/zap"

	"github.com/valuestor/trader/internal/metrics"
)

type RetryConfig struct {
	// Provider labels metrics and logs.
	Provider string
	// Timeout bounds each attempt. Zero means 30s.
	Timeout    time.Duration
	MaxRetries uint64
	// InitialInterval is the first backoff delay. Zero means 500ms.
	InitialInterval time.Duration
	Logger          *zap.Logger
}

// Retrying bounds every call with a per-attempt timeout and retries transient
// failures with exponential backoff.
type Retrying struct {
	next Reasoner
	cfg  RetryConfig
	log  *zap.Logger
}

func NewRetrying(next Reasoner, cfg RetryConfig) *Retrying {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 500 * time.Millisecond
	}
	if cfg.Provider == "" {
		cfg.Provider = "unknown"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Retrying{next: next, cfg: cfg, log: cfg.Logger.Named("reasoning")}
}

func (r *Retrying) Complete(ctx context.Context, system, user string, opts Options) (string, error) {
	var out string
	op := func() error {
		actx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()

		start := time.Now()
		text, err := r.next.Complete(actx, system, user, opts)
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.ReasoningLatency.WithLabelValues(r.cfg.Provider, result).Observe(time.Since(start).Seconds())

		if err != nil {
			if ctx.Err() != nil || !retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		out = text
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.cfg.InitialInterval
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, r.cfg.MaxRetries), ctx)

	err := backoff.RetryNotify(op, b, func(err error, wait time.Duration) {
		r.log.Warn("reasoning call failed, retrying",
			zap.String("provider", r.cfg.Provider),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
	if err != nil {
		return "", err
	}
	return out, nil
}

// retryable reports whether an attempt may succeed if repeated. Empty answers
// and client errors other than rate limiting and request timeouts will not.
func retryable(err error) bool {
	if errors.Is(err, ErrEmptyResponse) {
		return false
	}
	var oaErr *openai.Error
	if errors.As(err, &oaErr) {
		return retryableStatus(oaErr.StatusCode)
	}
	var anErr *anthropic.Error
	if errors.As(err, &anErr) {
		return retryableStatus(anErr.StatusCode)
	}
	return true
}

func retryableStatus(code int) bool {
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code == http.StatusConflict:
		return true
	case code >= 400 && code < 500:
		return false
	}
	return true
}
