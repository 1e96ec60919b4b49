// Package storage holds uploaded task input files.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"actionflow/internal/config"
)

var ErrNotFound = errors.New("object not found")

// Object describes a stored file.
type Object struct {
	Key         string
	Size        int64
	ContentType string
}

// ObjectStore is the file collaborator used for file inputs.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (Object, error)
	Get(ctx context.Context, key string) (io.ReadCloser, Object, error)
	Delete(ctx context.Context, key string) error
}

// New picks the store configured in cfg.
func New(cfg config.StorageConfig) (ObjectStore, error) {
	switch cfg.Driver {
	case "", config.StorageMemory:
		return NewMemory(), nil
	case config.StorageMinIO:
		return NewMinIO(cfg.MinIO)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

// InputKey builds the object key of a file input. Each upload gets its own
// uploadID segment so a replacement never overwrites the live object. The file
// name is reduced to its base so a client cannot escape the flow prefix.
func InputKey(flowID, taskID, inputID, uploadID, fileName string) string {
	name := path.Base(strings.ReplaceAll(fileName, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "upload"
	}
	return path.Join("flows", flowID, "tasks", taskID, "inputs", inputID, uploadID, name)
}
