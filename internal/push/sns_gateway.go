package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"
)

// publishAPI is the slice of the SNS client the gateway uses.
type publishAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSGateway delivers pushes through AWS SNS mobile platform
// endpoints. Tokens are platform endpoint ARNs.
type SNSGateway struct {
	client publishAPI
	logger *zap.Logger
}

type SNSConfig struct {
	Region string
}

// NewSNSGateway creates an SNS-backed push gateway.
func NewSNSGateway(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSGateway, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for SNS: %w", err)
	}

	return &SNSGateway{
		client: sns.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

// platformPayload is the SNS json message structure covering both
// mobile platforms plus the default fallback.
func platformPayload(msg Message) (string, error) {
	type alert struct {
		Title string `json:"title"`
		Body  string `json:"body"`
	}
	apns := map[string]interface{}{
		"aps": map[string]interface{}{
			"alert": alert{Title: msg.Title, Body: msg.Body},
		},
	}
	if msg.Badge != nil {
		apns["aps"].(map[string]interface{})["badge"] = *msg.Badge
	}
	apnsJSON, err := json.Marshal(apns)
	if err != nil {
		return "", fmt.Errorf("marshal APNS payload: %w", err)
	}

	gcm := map[string]interface{}{
		"notification": alert{Title: msg.Title, Body: msg.Body},
		"data":         msg.Data,
	}
	gcmJSON, err := json.Marshal(gcm)
	if err != nil {
		return "", fmt.Errorf("marshal GCM payload: %w", err)
	}

	wrapper := map[string]string{
		"default": msg.Body,
		"APNS":    string(apnsJSON),
		"GCM":     string(gcmJSON),
	}
	data, err := json.Marshal(wrapper)
	if err != nil {
		return "", fmt.Errorf("marshal SNS message: %w", err)
	}

	return string(data), nil
}

// SendOne publishes to a single endpoint ARN. A disabled or deleted
// endpoint is reported as an invalid token, not an error.
func (g *SNSGateway) SendOne(ctx context.Context, token string, msg Message) (bool, error) {
	payload, err := platformPayload(msg)
	if err != nil {
		return false, err
	}

	_, err = g.client.Publish(ctx, &sns.PublishInput{
		TargetArn:        aws.String(token),
		Message:          aws.String(payload),
		MessageStructure: aws.String("json"),
	})
	if err != nil {
		if isInvalidEndpoint(err) {
			return false, nil
		}
		return false, fmt.Errorf("sns publish failed: %w", err)
	}

	return true, nil
}

// SendBatch publishes the same message to each endpoint in the chunk.
// SNS has no multi-endpoint publish, so this is sequential under the
// hood. Invalid endpoints are collected as data; any other publish
// failure fails the whole batch as a transport error, since a chunk
// with silently missing deliveries would be recorded as fully sent.
// Retrying the batch can redeliver to endpoints that already got the
// push; delivery is at-least-once.
func (g *SNSGateway) SendBatch(ctx context.Context, tokens []string, msg Message) (*BatchResult, error) {
	payload, err := platformPayload(msg)
	if err != nil {
		return nil, err
	}

	result := &BatchResult{}
	var publishErr error
	failed := 0
	for _, token := range tokens {
		_, err := g.client.Publish(ctx, &sns.PublishInput{
			TargetArn:        aws.String(token),
			Message:          aws.String(payload),
			MessageStructure: aws.String("json"),
		})
		if err == nil {
			result.SuccessCount++
			continue
		}
		result.FailureCount++
		if isInvalidEndpoint(err) {
			result.InvalidTokens = append(result.InvalidTokens, token)
			continue
		}
		failed++
		publishErr = err
		g.logger.Warn("sns publish failed", zap.Error(err))
	}

	if publishErr != nil {
		return nil, fmt.Errorf("sns batch publish failed for %d of %d endpoints: %w", failed, len(tokens), publishErr)
	}

	return result, nil
}

func isInvalidEndpoint(err error) bool {
	var disabled *types.EndpointDisabledException
	if errors.As(err, &disabled) {
		return true
	}
	var notFound *types.NotFoundException
	return errors.As(err, &notFound)
}
