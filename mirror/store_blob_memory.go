package mirror

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryObject struct {
	data        []byte
	contentType string
	version     string
	updatedAt   time.Time
}

// MemoryObjectStore keeps objects in process memory. It backs dry runs and
// tests; every Put is counted per key.
type MemoryObjectStore struct {
	mu      sync.Mutex
	objects map[string]memoryObject
	puts    map[string]int
}

// NewMemoryObjectStore creates an empty in-memory store.
func NewMemoryObjectStore() *MemoryObjectStore {
	return &MemoryObjectStore{
		objects: make(map[string]memoryObject),
		puts:    make(map[string]int),
	}
}

func (m *MemoryObjectStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	sum := sha256.Sum256(data)
	obj := memoryObject{
		data:        append([]byte(nil), data...),
		contentType: contentType,
		version:     hex.EncodeToString(sum[:]),
		updatedAt:   time.Now().UTC(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = obj
	m.puts[key]++
	return nil
}

func (m *MemoryObjectStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	return append([]byte(nil), obj.data...), nil
}

func (m *MemoryObjectStore) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	return &ObjectInfo{Key: key, Version: obj.version, UpdatedAt: obj.updatedAt, Size: int64(len(obj.data))}, nil
}

func (m *MemoryObjectStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *MemoryObjectStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	items := make([]ObjectInfo, 0, len(m.objects))
	for key, obj := range m.objects {
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			continue
		}
		items = append(items, ObjectInfo{Key: key, Version: obj.version, UpdatedAt: obj.updatedAt, Size: int64(len(obj.data))})
	}
	m.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		return items[i].Key < items[j].Key
	})
	return items, nil
}

// PutCount reports how many times key has been written.
func (m *MemoryObjectStore) PutCount(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts[key]
}

// ContentType returns the content type the object was last written with.
func (m *MemoryObjectStore) ContentType(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.objects[key].contentType
}

// TotalPuts reports the number of writes whose key starts with prefix.
func (m *MemoryObjectStore) TotalPuts(prefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for key, n := range m.puts {
		if strings.HasPrefix(key, prefix) {
			total += n
		}
	}
	return total
}
