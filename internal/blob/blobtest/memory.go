// Package blobtest provides an in-memory object store for tests.
package blobtest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/ordersim/internal/domain"
)

// Memory implements domain.BlobWriter and domain.BlobReader in memory.
type Memory struct {
	mu        sync.Mutex
	objects   map[string]object
	multipart int
}

type object struct {
	data        []byte
	contentType string
	modified    time.Time
}

var (
	_ domain.BlobWriter = (*Memory)(nil)
	_ domain.BlobReader = (*Memory)(nil)
)

// New returns an empty store.
func New() *Memory {
	return &Memory{objects: make(map[string]object)}
}

// Put stores the full contents of data under path.
func (m *Memory) Put(ctx context.Context, path string, data io.Reader, contentType string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.objects[path] = object{data: b, contentType: contentType, modified: time.Now()}
	m.mu.Unlock()
	return nil
}

// PutMultipart behaves like Put. Multipart uploads are counted.
func (m *Memory) PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error {
	m.mu.Lock()
	m.multipart++
	m.mu.Unlock()
	return m.Put(ctx, path, data, "application/octet-stream")
}

// Multipart returns how many PutMultipart calls were made.
func (m *Memory) Multipart() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.multipart
}

// Get returns a reader over the stored object.
func (m *Memory) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	obj, ok := m.objects[path]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("blobtest: get %s: %w", path, domain.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

// List returns objects whose path starts with prefix, sorted by path.
func (m *Memory) List(ctx context.Context, prefix string) ([]domain.BlobInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.BlobInfo
	for p, obj := range m.objects {
		if strings.HasPrefix(p, prefix) {
			out = append(out, domain.BlobInfo{
				Path:         p,
				Size:         int64(len(obj.data)),
				ContentType:  obj.contentType,
				LastModified: obj.modified,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Paths returns every stored path, sorted.
func (m *Memory) Paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.objects))
	for p := range m.objects {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
