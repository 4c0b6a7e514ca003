package iap

import (
	"context"

	"go.uber.org/zap"

	"github.com/code-payments/iapkit/entitlement"
	"github.com/code-payments/iapkit/event"
)

const (
	OpMarkPurchased = "mark_purchased"
	OpRecordError   = "record_error"
)

// observedStore publishes a snapshot to the event bus after every
// successful write.
type observedStore struct {
	entitlement.Store

	log *zap.Logger
	bus *event.Bus[string, *entitlement.Snapshot]
}

func newObservedStore(log *zap.Logger, store entitlement.Store, bus *event.Bus[string, *entitlement.Snapshot]) entitlement.Store {
	return &observedStore{
		Store: store,
		log:   log,
		bus:   bus,
	}
}

func (s *observedStore) MarkPurchased(ctx context.Context, productID string) error {
	if err := s.Store.MarkPurchased(ctx, productID); err != nil {
		return err
	}
	s.publish(ctx, OpMarkPurchased)
	return nil
}

func (s *observedStore) RecordError(ctx context.Context, err error) error {
	if err := s.Store.RecordError(ctx, err); err != nil {
		return err
	}
	s.publish(ctx, OpRecordError)
	return nil
}

func (s *observedStore) publish(ctx context.Context, op string) {
	snapshot, err := s.Store.Snapshot(ctx)
	if err != nil {
		s.log.Warn("Failed to load snapshot for publishing", zap.String("op", op), zap.Error(err))
		return
	}

	if err := s.bus.OnEvent(op, snapshot); err != nil {
		s.log.Warn("Failed to publish snapshot", zap.String("op", op), zap.Error(err))
	}
}
