package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/tinywideclouds/go-apns-delivery/pkg/dispatch"
)

// DefaultFeedbackKey is the Redis list holding rejected-token feedback.
const DefaultFeedbackKey = "apns:feedback"

// ListClient defines the Redis list commands the feedback queue needs.
type ListClient interface {
	Append(ctx context.Context, key string, value any) error
	PopFront(ctx context.Context, key string, n int) ([]string, error)
}

// FeedbackStore implements dispatch.FeedbackStore as a FIFO Redis list.
type FeedbackStore struct {
	client ListClient
	key    string
	logger *slog.Logger
}

// NewFeedbackStore creates a queue on key, or DefaultFeedbackKey when it is empty.
func NewFeedbackStore(client ListClient, key string, logger *slog.Logger) *FeedbackStore {
	if key == "" {
		key = DefaultFeedbackKey
	}
	return &FeedbackStore{
		client: client,
		key:    key,
		logger: logger.With("component", "FeedbackStore"),
	}
}

func (s *FeedbackStore) Push(ctx context.Context, feedback dispatch.TokenFeedback) error {
	if err := s.client.Append(ctx, s.key, feedback); err != nil {
		return fmt.Errorf("failed to queue feedback for message %d: %w", feedback.MessageID, err)
	}
	return nil
}

func (s *FeedbackStore) Pop(ctx context.Context, limit int) ([]dispatch.TokenFeedback, error) {
	out := make([]dispatch.TokenFeedback, 0)
	if limit <= 0 {
		return out, nil
	}

	raw, err := s.client.PopFront(ctx, s.key, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to pop feedback: %w", err)
	}
	for _, entry := range raw {
		var fb dispatch.TokenFeedback
		if err := json.Unmarshal([]byte(entry), &fb); err != nil {
			// Entries are already removed; a corrupt one is dropped.
			s.logger.Warn("Discarding unreadable feedback entry", "err", err)
			continue
		}
		out = append(out, fb)
	}
	return out, nil
}
