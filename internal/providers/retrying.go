package providers

import (
	"context"
	"log/slog"

	"github.com/haasonsaas/relay/internal/retry"
)

// Retrying decorates a provider with bounded retries around stream
// establishment. Errors inside an established stream are not retried
// here; turn-level recovery is the agent loop's business.
type Retrying struct {
	inner  Provider
	config retry.Config
	logger *slog.Logger
}

// NewRetrying wraps inner with the given retry configuration.
func NewRetrying(inner Provider, config retry.Config, logger *slog.Logger) *Retrying {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxAttempts <= 0 {
		config = retry.Exponential(3, config.InitialDelay, config.MaxDelay)
	}
	return &Retrying{inner: inner, config: config, logger: logger}
}

func (p *Retrying) Name() string { return p.inner.Name() }

func (p *Retrying) Models() []Model { return p.inner.Models() }

// Stream opens the inner stream, retrying transient failures. Permanent
// errors (wrapped with retry.Permanent by the adapter) fail immediately.
func (p *Retrying) Stream(ctx context.Context, req *StreamRequest) (*Stream, error) {
	stream, result := retry.DoWithValue(ctx, p.config, func(attempt int) (*Stream, error) {
		s, err := p.inner.Stream(ctx, req)
		if err != nil && attempt < p.config.MaxAttempts && retry.IsRetryable(err) {
			p.logger.Warn("provider stream attempt failed",
				"provider", p.inner.Name(),
				"model", req.Model,
				"attempt", attempt,
				"error", err)
		}
		return s, err
	})
	if result.Err != nil {
		return nil, result.Err
	}
	return stream, nil
}
