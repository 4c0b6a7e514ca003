package iap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/code-payments/iapkit/entitlement"
	"github.com/code-payments/iapkit/event"
	"github.com/code-payments/iapkit/purchase"
	"github.com/code-payments/iapkit/receipt"
)

const (
	StreamBufferSize = 16
	StreamTimeout    = time.Second
)

// Outcome is the result of an asynchronous validation. Exactly one of
// Receipt and Err is set.
type Outcome struct {
	Receipt *receipt.Receipt
	Err     error
}

// Manager validates the device receipt, applies purchase lifecycle events,
// and publishes every change to the entitlement set to its subscribers.
type Manager struct {
	log      *zap.Logger
	locator  ReceiptLocator
	verifier Verifier
	store    entitlement.Store

	streamsMu sync.RWMutex
	streams   map[string]event.Stream[*entitlement.Snapshot]
}

func NewManager(
	log *zap.Logger,
	locator ReceiptLocator,
	verifier Verifier,
	store entitlement.Store,
	eventBus *event.Bus[string, *entitlement.Snapshot],
) *Manager {
	m := &Manager{
		log:      log,
		locator:  locator,
		verifier: verifier,
		store:    newObservedStore(log, store, eventBus),
		streams:  make(map[string]event.Stream[*entitlement.Snapshot]),
	}

	eventBus.AddHandler(event.HandlerFunc[string, *entitlement.Snapshot](m.OnSnapshot))

	return m
}

// Validate locates the device receipt and validates it. A missing receipt
// fails with ErrReceiptNotFound without contacting the verifier. Every
// failure is also recorded as the store's last error.
func (m *Manager) Validate(ctx context.Context) (*receipt.Receipt, error) {
	return m.validate(ctx, false)
}

// Revalidate is Validate without any cached result: when the verifier is an
// Invalidator, the receipt's cached validation is dropped before the call.
func (m *Manager) Revalidate(ctx context.Context) (*receipt.Receipt, error) {
	return m.validate(ctx, true)
}

func (m *Manager) validate(ctx context.Context, bypassCache bool) (*receipt.Receipt, error) {
	log := m.log

	receiptData, err := m.locator.Locate(ctx)
	if err != nil {
		if errors.Is(err, ErrReceiptNotFound) {
			log.Debug("No receipt to validate")
		} else {
			log.Warn("Failed to locate receipt", zap.Error(err))
		}
		m.recordError(ctx, log, err)
		return nil, err
	}

	log = log.With(zap.String("receipt_id", GetReceiptID(receiptData)))

	if invalidator, ok := m.verifier.(Invalidator); ok && bypassCache {
		invalidator.Invalidate(receiptData)
	}

	r, err := m.verifier.Validate(ctx, receiptData)
	if err != nil {
		log.Warn("Failed to validate receipt", zap.Error(err))
		m.recordError(ctx, log, err)
		return nil, err
	}

	log = log.With(
		zap.String("product_id", r.ProductID),
		zap.String("transaction_id", r.TransactionID),
	)

	if err := m.store.MarkPurchased(ctx, r.ProductID); err != nil {
		log.Warn("Failed to mark product purchased", zap.Error(err))
		return nil, fmt.Errorf("failed to mark product purchased: %w", err)
	}

	log.Info("Validated receipt")
	return r, nil
}

// ValidateAsync runs Validate on its own goroutine. The returned channel
// receives exactly one Outcome.
func (m *Manager) ValidateAsync(ctx context.Context) <-chan Outcome {
	ch := make(chan Outcome, 1)
	go func() {
		r, err := m.Validate(ctx)
		ch <- Outcome{Receipt: r, Err: err}
	}()
	return ch
}

// NewReducer returns a purchase lifecycle reducer whose store writes are
// published like validation results.
func (m *Manager) NewReducer(queue purchase.Queue, opts ...purchase.Option) *purchase.Reducer {
	return purchase.NewReducer(m.log, m.store, queue, opts...)
}

func (m *Manager) Snapshot(ctx context.Context) (*entitlement.Snapshot, error) {
	return m.store.Snapshot(ctx)
}

func (m *Manager) IsProductPurchased(ctx context.Context, productID string) (bool, error) {
	return m.store.IsPurchased(ctx, productID)
}

// HasUnlockedPro reports whether any product has been purchased.
func (m *Manager) HasUnlockedPro(ctx context.Context) (bool, error) {
	return m.store.HasAnyEntitlement(ctx)
}

// Subscribe registers a stream that receives the current snapshot followed
// by every newer one. A subscriber never observes a version older than one
// it has already received. The stream is closed when ctx is done or when a
// later Subscribe call reuses id.
func (m *Manager) Subscribe(ctx context.Context, id string) (*event.ChannelStream[*entitlement.Snapshot, *entitlement.Snapshot], error) {
	log := m.log.With(zap.String("subscriber", id))

	var (
		delivered   bool
		lastVersion uint64
	)
	ss := event.NewChannelStream[*entitlement.Snapshot, *entitlement.Snapshot](
		id,
		StreamBufferSize,
		func(s *entitlement.Snapshot) (*entitlement.Snapshot, bool) {
			if delivered && s.Version <= lastVersion {
				return nil, false
			}
			delivered = true
			lastVersion = s.Version
			return s.Clone(), true
		},
	)

	m.streamsMu.Lock()
	if existing, exists := m.streams[id]; exists {
		delete(m.streams, id)
		existing.Close()

		log.Info("Closed previous stream")
	}
	m.streams[id] = ss
	m.streamsMu.Unlock()

	current, err := m.store.Snapshot(ctx)
	if err != nil {
		m.unsubscribe(id, ss)
		return nil, fmt.Errorf("failed to get initial snapshot: %w", err)
	}
	if err := ss.Notify(current, StreamTimeout); err != nil {
		log.Warn("Failed to send initial snapshot", zap.Error(err))
	}

	go func() {
		<-ctx.Done()
		m.unsubscribe(id, ss)
	}()

	return ss, nil
}

func (m *Manager) OnSnapshot(op string, s *entitlement.Snapshot) {
	m.streamsMu.RLock()
	streams := make([]event.Stream[*entitlement.Snapshot], 0, len(m.streams))
	for _, stream := range m.streams {
		streams = append(streams, stream)
	}
	m.streamsMu.RUnlock()

	for _, stream := range streams {
		if err := stream.Notify(s, StreamTimeout); err != nil && !errors.Is(err, event.ErrStreamClosed) {
			m.log.Warn("Failed to send snapshot", zap.String("op", op), zap.String("subscriber", stream.ID()), zap.Error(err))
		}
	}
}

func (m *Manager) unsubscribe(id string, ss event.Stream[*entitlement.Snapshot]) {
	m.streamsMu.Lock()
	if m.streams[id] == ss {
		delete(m.streams, id)
	}
	m.streamsMu.Unlock()

	ss.Close()
}

func (m *Manager) recordError(ctx context.Context, log *zap.Logger, err error) {
	if storeErr := m.store.RecordError(ctx, err); storeErr != nil {
		log.Warn("Failed to record validation error", zap.Error(storeErr))
	}
}
