package memory

import (
	"context"
	"sync"

	"github.com/code-payments/iapkit/iap"
)

// StaticLocator serves receipt data set by the caller.
type StaticLocator struct {
	mu   sync.RWMutex
	data []byte

	calls int
}

func NewStaticLocator(data []byte) *StaticLocator {
	return &StaticLocator{data: data}
}

func (l *StaticLocator) Locate(_ context.Context) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.calls++
	if len(l.data) == 0 {
		return nil, iap.ErrReceiptNotFound
	}
	return append([]byte(nil), l.data...), nil
}

func (l *StaticLocator) Set(data []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.data = data
}

func (l *StaticLocator) Calls() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.calls
}
