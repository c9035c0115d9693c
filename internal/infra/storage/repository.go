package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a document doesn't exist
	ErrNotFound = errors.New("document not found")

	// ErrAlreadyExists is returned when creating a document whose id is taken
	ErrAlreadyExists = errors.New("document already exists")
)

// Collections used by the governance core.
const (
	CollectionCosts     = "costs"
	CollectionBudgets   = "budgets"
	CollectionIncidents = "incidents"
)

// Document is a JSON object as stored.
type Document map[string]any

// Op is a filter comparison.
type Op string

const (
	OpEq  Op = "=="
	OpGte Op = ">="
	OpLte Op = "<="
)

// Filter restricts a query to documents whose field compares to value.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Where is shorthand for building a filter.
func Where(field string, op Op, value any) Filter {
	return Filter{Field: field, Op: op, Value: value}
}

// DocumentStore is a key-value-with-query store of JSON documents.
type DocumentStore interface {
	// GetDocument returns ErrNotFound when the id is absent
	GetDocument(ctx context.Context, collection, id string) (Document, error)

	// CreateDocument stores a new document, returning ErrAlreadyExists on collision
	CreateDocument(ctx context.Context, collection, id string, doc any) error

	// PutDocument replaces the whole document, creating it if absent
	PutDocument(ctx context.Context, collection, id string, doc any) error

	// UpdateDocument merges top-level fields into the document, creating it if absent
	UpdateDocument(ctx context.Context, collection, id string, fields map[string]any) error

	// QueryDocuments returns every document matching all filters
	QueryDocuments(ctx context.Context, collection string, filters ...Filter) ([]Document, error)

	// IncrementField atomically adds delta to a numeric field and returns the new value.
	// A missing document or field counts as zero.
	IncrementField(ctx context.Context, collection, id, field string, delta float64) (float64, error)

	// Ping checks connectivity
	Ping(ctx context.Context) error
}

// ToDocument converts a JSON-serializable value into a Document.
func ToDocument(v any) (Document, error) {
	if d, ok := v.(Document); ok {
		return d, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	return ParseDocument(raw)
}

// ParseDocument decodes raw JSON, keeping numbers exact.
func ParseDocument(raw []byte) (Document, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var d Document
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	if d == nil {
		return nil, errors.New("document is not a JSON object")
	}
	return d, nil
}

// Decode converts a Document into a typed value.
func Decode(doc Document, out any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode document: %w", err)
	}
	return nil
}

// DecodeAll converts a list of documents into typed values.
func DecodeAll[T any](docs []Document) ([]T, error) {
	out := make([]T, 0, len(docs))
	for _, d := range docs {
		var v T
		if err := Decode(d, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Matches reports whether doc satisfies every filter.
func Matches(doc Document, filters []Filter) bool {
	for _, f := range filters {
		v, ok := doc[f.Field]
		if !ok {
			return false
		}
		c, ok := compare(v, f.Value)
		if !ok {
			return false
		}
		switch f.Op {
		case OpEq:
			if c != 0 {
				return false
			}
		case OpGte:
			if c < 0 {
				return false
			}
		case OpLte:
			if c > 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// Merge copies fields over doc, returning a new document.
func Merge(doc Document, fields map[string]any) (Document, error) {
	patch, err := ToDocument(fields)
	if err != nil {
		return nil, err
	}
	out := make(Document, len(doc)+len(patch))
	for k, v := range doc {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out, nil
}

// Number reads a numeric field, treating absent values as zero.
func Number(doc Document, field string) (float64, error) {
	v, ok := doc[field]
	if !ok || v == nil {
		return 0, nil
	}
	f, ok := toFloat(v)
	if !ok {
		return 0, fmt.Errorf("field %s is not numeric: %v", field, v)
	}
	return f, nil
}

// ValidateFilters rejects unknown operators and empty field names.
func ValidateFilters(filters []Filter) error {
	for _, f := range filters {
		if f.Field == "" {
			return errors.New("filter field is required")
		}
		switch f.Op {
		case OpEq, OpGte, OpLte:
		default:
			return fmt.Errorf("unsupported filter operator %q", f.Op)
		}
	}
	return nil
}

func compare(a, b any) (int, bool) {
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	if okA && okB {
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		default:
			return 0, true
		}
	}
	if okA != okB {
		return 0, false
	}
	if ba, ok := a.(bool); ok {
		bb, ok := b.(bool)
		if !ok {
			return 0, false
		}
		if ba == bb {
			return 0, true
		}
		return 1, true
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b)), true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
