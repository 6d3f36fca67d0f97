package content

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"messaging/internal/types"
)

// BreakerConfig tunes the circuit breaker in front of a Sender.
type BreakerConfig struct {
	Name string
	// ConsecutiveFailures trips the breaker once exceeded.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before a half-open trial request.
	OpenTimeout time.Duration
	// Interval resets the closed-state counts. Zero never resets them.
	Interval time.Duration
	Logger   *slog.Logger
}

// DefaultBreakerConfig returns the settings used for the outbound gateway.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:                "content-dispatch",
		ConsecutiveFailures: 5,
		OpenTimeout:         30 * time.Second,
		Interval:            60 * time.Second,
	}
}

// BreakerSender wraps a Sender in a circuit breaker so a failing gateway is
// not hammered by every due instance in a run.
type BreakerSender struct {
	next    Sender
	breaker *gobreaker.CircuitBreaker[struct{}]
}

var _ Sender = (*BreakerSender)(nil)

// NewBreakerSender creates a BreakerSender around next.
func NewBreakerSender(next Sender, cfg BreakerConfig) *BreakerSender {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	threshold := cfg.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Interval:    cfg.Interval,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > threshold
		},
		IsSuccessful: func(err error) bool {
			// Cancellation says nothing about the gateway's health.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("dispatch breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return &BreakerSender{next: next, breaker: cb}
}

// Send forwards msg unless the breaker is open, in which case it fails fast
// with upstream_unavailable.
func (b *BreakerSender) Send(ctx context.Context, msg Message) error {
	_, err := b.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, b.next.Send(ctx, msg)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, "content gateway circuit open", err)
	}
	return err
}

// State reports the breaker's current state.
func (b *BreakerSender) State() gobreaker.State {
	return b.breaker.State()
}
