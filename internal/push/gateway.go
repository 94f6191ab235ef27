// Package push defines the delivery-gateway boundary: how the worker
// hands composed notifications to whatever transport actually reaches
// devices. The transport itself is a collaborator; the pipeline only
// needs "send one" and "send a bounded batch" with per-recipient
// outcome reporting.
package push

import (
	"context"
)

// Message is one composed push notification. Title, body and data are
// derived from the event and offset, never from the recipient; Badge
// is the single recipient-specific field and is only set in
// per-recipient delivery mode.
type Message struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
	Badge *int              `json:"badge,omitempty"`
}

// BatchResult aggregates a batch delivery: how many succeeded, how
// many failed, and which tokens the gateway reported as permanently
// unusable. Invalid tokens are data, not errors; the worker clears
// them and the job still succeeds.
type BatchResult struct {
	SuccessCount  int
	FailureCount  int
	InvalidTokens []string
}

// Gateway is the delivery transport contract. SendBatch must accept at
// most the gateway's configured batch size; the worker chunks larger
// recipient sets. Errors from either method are infrastructure-level
// (transport unreachable) and make the job retryable. A nil SendBatch
// error guarantees every token was either delivered or reported
// invalid; transient per-token failures must surface as an error, not
// as a silently shrunk success count, or the worker would record
// deliveries that never happened.
type Gateway interface {
	// SendOne delivers to a single token. Returns (false, nil) when
	// the token is permanently invalid, (true, nil) on success.
	SendOne(ctx context.Context, token string, msg Message) (bool, error)

	// SendBatch delivers one message to up to the batch-size tokens.
	SendBatch(ctx context.Context, tokens []string, msg Message) (*BatchResult, error)
}

// Chunk splits tokens into slices of at most size. The gateway's batch
// bound is configuration, not a per-call-site constant.
func Chunk(tokens []string, size int) [][]string {
	if size <= 0 {
		size = len(tokens)
	}
	var chunks [][]string
	for len(tokens) > size {
		chunks = append(chunks, tokens[:size])
		tokens = tokens[size:]
	}
	if len(tokens) > 0 {
		chunks = append(chunks, tokens)
	}
	return chunks
}
