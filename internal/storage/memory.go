package storage

import (
	"bytes"
	"context"
	"io"
	"sync"
)

type memoryObject struct {
	data        []byte
	contentType string
}

// Memory keeps objects in process memory. Used for development and tests.
type Memory struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
}

func NewMemory() *Memory {
	return &Memory{objects: map[string]memoryObject{}}
}

func (m *Memory) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	src := r
	if size >= 0 {
		src = io.LimitReader(r, size)
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return Object{}, err
	}
	m.mu.Lock()
	m.objects[key] = memoryObject{data: data, contentType: contentType}
	m.mu.Unlock()
	return Object{Key: key, Size: int64(len(data)), ContentType: contentType}, nil
}

func (m *Memory) Get(ctx context.Context, key string) (io.ReadCloser, Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, Object{}, err
	}
	m.mu.RLock()
	obj, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, Object{}, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), Object{Key: key, Size: int64(len(obj.data)), ContentType: obj.contentType}, nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
	return nil
}
