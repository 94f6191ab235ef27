package push

import (
	"context"

	"go.uber.org/zap"
)

// LogGateway logs instead of delivering (development mode, and the
// fallback when no SNS platform application is configured).
type LogGateway struct {
	logger *zap.Logger
}

func NewLogGateway(logger *zap.Logger) *LogGateway {
	return &LogGateway{logger: logger}
}

func (g *LogGateway) SendOne(ctx context.Context, token string, msg Message) (bool, error) {
	g.logger.Info("push delivered (development mode)",
		zap.String("token", token),
		zap.String("title", msg.Title),
		zap.String("body", msg.Body),
	)
	return true, nil
}

func (g *LogGateway) SendBatch(ctx context.Context, tokens []string, msg Message) (*BatchResult, error) {
	g.logger.Info("push batch delivered (development mode)",
		zap.Int("tokens", len(tokens)),
		zap.String("title", msg.Title),
	)
	return &BatchResult{SuccessCount: len(tokens)}, nil
}
