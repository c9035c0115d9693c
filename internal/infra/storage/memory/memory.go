package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/vietddude/pipewarden/internal/infra/storage"
)

// MemoryStorage is an in-process DocumentStore. Documents are kept
// JSON-normalized so reads behave like the persistent stores.
type MemoryStorage struct {
	collections map[string]map[string]storage.Document
	mu          sync.RWMutex
}

var _ storage.DocumentStore = (*MemoryStorage)(nil)

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		collections: make(map[string]map[string]storage.Document),
	}
}

func (s *MemoryStorage) GetDocument(ctx context.Context, collection, id string) (storage.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.collections[collection][id]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, storage.ErrNotFound)
	}
	return clone(doc)
}

func (s *MemoryStorage) CreateDocument(ctx context.Context, collection, id string, v any) error {
	doc, err := normalize(v)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	coll := s.collection(collection)
	if _, ok := coll[id]; ok {
		return fmt.Errorf("%s/%s: %w", collection, id, storage.ErrAlreadyExists)
	}
	coll[id] = doc
	return nil
}

func (s *MemoryStorage) PutDocument(ctx context.Context, collection, id string, v any) error {
	doc, err := normalize(v)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.collection(collection)[id] = doc
	return nil
}

func (s *MemoryStorage) UpdateDocument(ctx context.Context, collection, id string, fields map[string]any) error {
	patch, err := normalize(fields)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	coll := s.collection(collection)
	merged, err := storage.Merge(coll[id], patch)
	if err != nil {
		return err
	}
	coll[id] = merged
	return nil
}

func (s *MemoryStorage) QueryDocuments(ctx context.Context, collection string, filters ...storage.Filter) ([]storage.Document, error) {
	if err := storage.ValidateFilters(filters); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	coll := s.collections[collection]
	ids := make([]string, 0, len(coll))
	for id := range coll {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []storage.Document
	for _, id := range ids {
		doc := coll[id]
		if !storage.Matches(doc, filters) {
			continue
		}
		c, err := clone(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *MemoryStorage) IncrementField(ctx context.Context, collection, id, field string, delta float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	coll := s.collection(collection)
	doc := coll[id]
	current, err := storage.Number(doc, field)
	if err != nil {
		return 0, err
	}
	next := current + delta

	merged, err := storage.Merge(doc, map[string]any{field: next})
	if err != nil {
		return 0, err
	}
	coll[id] = merged
	return next, nil
}

func (s *MemoryStorage) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStorage) collection(name string) map[string]storage.Document {
	coll, ok := s.collections[name]
	if !ok {
		coll = make(map[string]storage.Document)
		s.collections[name] = coll
	}
	return coll
}

func normalize(v any) (storage.Document, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	return storage.ParseDocument(raw)
}

func clone(doc storage.Document) (storage.Document, error) {
	return normalize(doc)
}
