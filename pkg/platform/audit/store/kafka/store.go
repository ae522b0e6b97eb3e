// Package kafka publishes audit events to a Kafka topic. Records are keyed
// by the cluster's primary id so every mutation of one identity lands on one
// partition, in order.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	audit "reconcile/pkg/platform/audit"
)

// Producer is the minimal produce surface the store needs; satisfied by
// internal/platform/kafka.Producer.
type Producer interface {
	Produce(ctx context.Context, key, value []byte) error
}

// Store appends audit events as JSON records.
type Store struct {
	producer Producer
}

// NewStore wraps a producer as an audit sink.
func NewStore(producer Producer) *Store {
	return &Store{producer: producer}
}

func (s *Store) Append(ctx context.Context, event audit.Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	key := []byte(strconv.FormatInt(event.PrimaryID, 10))
	if err := s.producer.Produce(ctx, key, value); err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

var _ audit.Store = (*Store)(nil)
