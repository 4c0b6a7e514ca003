package iap

import (
	"context"
	"errors"
	"io/fs"
	"os"
)

// ReceiptLocator loads the device-local receipt. Implementations return
// ErrReceiptNotFound when there is no receipt to validate.
type ReceiptLocator interface {
	Locate(ctx context.Context) ([]byte, error)
}

// FileLocator reads the receipt from a file on disk.
type FileLocator struct {
	Path string
}

func NewFileLocator(path string) *FileLocator {
	return &FileLocator{Path: path}
}

func (l *FileLocator) Locate(_ context.Context) ([]byte, error) {
	if l.Path == "" {
		return nil, ErrReceiptNotFound
	}

	data, err := os.ReadFile(l.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrReceiptNotFound
	} else if err != nil {
		return nil, err
	}

	if len(data) == 0 {
		return nil, ErrReceiptNotFound
	}
	return data, nil
}
