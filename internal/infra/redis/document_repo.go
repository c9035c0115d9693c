package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/pipewarden/internal/infra/storage"
)

// maxTxRetries bounds optimistic WATCH/MULTI retries under contention.
const maxTxRetries = 50

// Sets the document and indexes it in one step, or does nothing if it exists.
var createScript = redis.NewScript(`
if redis.call("SETNX", KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call("SADD", KEYS[2], ARGV[2])
return 1`)

// DocumentRepo implements storage.DocumentStore using Redis strings plus a
// per-collection id set.
type DocumentRepo struct {
	rdb *redis.Client
}

var _ storage.DocumentStore = (*DocumentRepo)(nil)

// NewDocumentRepo creates a new Redis-backed document repository.
func NewDocumentRepo(client *Client) *DocumentRepo {
	return &DocumentRepo{rdb: client.rdb}
}

func (r *DocumentRepo) GetDocument(ctx context.Context, collection, id string) (storage.Document, error) {
	data, err := r.rdb.Get(ctx, documentKey(collection, id)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get failed: %w", err)
	}
	return storage.ParseDocument(data)
}

func (r *DocumentRepo) CreateDocument(ctx context.Context, collection, id string, doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	created, err := createScript.Run(ctx, r.rdb,
		[]string{documentKey(collection, id), indexKey(collection)}, data, id).Int()
	if err != nil {
		return fmt.Errorf("create failed: %w", err)
	}
	if created == 0 {
		return fmt.Errorf("%s/%s: %w", collection, id, storage.ErrAlreadyExists)
	}
	return nil
}

func (r *DocumentRepo) PutDocument(ctx context.Context, collection, id string, doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, documentKey(collection, id), data, 0)
		pipe.SAdd(ctx, indexKey(collection), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("put failed: %w", err)
	}
	return nil
}

func (r *DocumentRepo) UpdateDocument(ctx context.Context, collection, id string, fields map[string]any) error {
	return r.mutate(ctx, collection, id, func(doc storage.Document) (storage.Document, error) {
		return storage.Merge(doc, fields)
	})
}

func (r *DocumentRepo) QueryDocuments(ctx context.Context, collection string, filters ...storage.Filter) ([]storage.Document, error) {
	if err := storage.ValidateFilters(filters); err != nil {
		return nil, err
	}

	ids, err := r.rdb.SMembers(ctx, indexKey(collection)).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers failed: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = documentKey(collection, id)
	}
	values, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget failed: %w", err)
	}

	var docs []storage.Document
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue // removed between SMEMBERS and MGET
		}
		doc, err := storage.ParseDocument([]byte(s))
		if err != nil {
			return nil, err
		}
		if storage.Matches(doc, filters) {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

func (r *DocumentRepo) IncrementField(ctx context.Context, collection, id, field string, delta float64) (float64, error) {
	var next float64
	err := r.mutate(ctx, collection, id, func(doc storage.Document) (storage.Document, error) {
		current, err := storage.Number(doc, field)
		if err != nil {
			return nil, err
		}
		next = current + delta
		return storage.Merge(doc, map[string]any{field: next})
	})
	return next, err
}

func (r *DocumentRepo) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// mutate applies fn to the current document under WATCH, creating it if absent.
func (r *DocumentRepo) mutate(
	ctx context.Context,
	collection, id string,
	fn func(storage.Document) (storage.Document, error),
) error {
	key := documentKey(collection, id)

	txf := func(tx *redis.Tx) error {
		var doc storage.Document
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case err == redis.Nil:
			doc = storage.Document{}
		case err != nil:
			return fmt.Errorf("get failed: %w", err)
		default:
			if doc, err = storage.ParseDocument(data); err != nil {
				return err
			}
		}

		updated, err := fn(doc)
		if err != nil {
			return err
		}
		out, err := json.Marshal(updated)
		if err != nil {
			return fmt.Errorf("failed to marshal document: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			pipe.SAdd(ctx, indexKey(collection), id)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := r.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("%s/%s: too much contention", collection, id)
}
