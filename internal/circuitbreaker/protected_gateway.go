package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/encorehq/stagebell/internal/push"
)

// ProtectedGateway wraps a push.Gateway with a CircuitBreaker. When
// the transport starts failing, the circuit opens and delivery calls
// fail fast; the queue's retry/backoff absorbs the rejection.
type ProtectedGateway struct {
	gateway push.Gateway
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedGateway wraps a gateway with circuit breaker protection.
func NewProtectedGateway(gateway push.Gateway, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedGateway {
	return &ProtectedGateway{
		gateway: gateway,
		breaker: breaker,
		logger:  logger,
	}
}

// SendOne delivers through the breaker. Only transport errors count as
// failures; an invalid token is a normal outcome and records success.
func (p *ProtectedGateway) SendOne(ctx context.Context, token string, msg push.Message) (bool, error) {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected push",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("state", p.breaker.GetState().String()),
		)
		return false, fmt.Errorf("%w: push gateway unavailable", ErrCircuitOpen)
	}

	delivered, err := p.gateway.SendOne(ctx, token, msg)
	if err != nil {
		p.breaker.RecordFailure()
		return false, err
	}

	p.breaker.RecordSuccess()
	return delivered, nil
}

// SendBatch delivers through the breaker with the same failure rule.
func (p *ProtectedGateway) SendBatch(ctx context.Context, tokens []string, msg push.Message) (*push.BatchResult, error) {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected push batch",
			zap.String("breaker", p.breaker.config.Name),
			zap.Int("tokens", len(tokens)),
			zap.String("state", p.breaker.GetState().String()),
		)
		return nil, fmt.Errorf("%w: push gateway unavailable", ErrCircuitOpen)
	}

	result, err := p.gateway.SendBatch(ctx, tokens, msg)
	if err != nil {
		p.breaker.RecordFailure()
		return nil, err
	}

	p.breaker.RecordSuccess()
	return result, nil
}
