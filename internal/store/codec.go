package store

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

// Load decodes the JSON record at key into a T. ok is false when absent.
func Load[T any](ctx context.Context, r Reader, key string) (rec T, ok bool, err error) {
	raw, ok, err := r.Get(ctx, key)
	if err != nil || !ok {
		return rec, ok, err
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return rec, false, errors.Wrapf(err, "store: decode %s", key)
	}
	return rec, true, nil
}

// Save encodes v as JSON under key in tx.
func Save(tx *Tx, key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "store: encode %s", key)
	}
	tx.Put(key, raw)
	return nil
}

// LoadPage decodes a page of records under prefix after cursor.
func LoadPage[T any](ctx context.Context, r Reader, prefix, after string, limit int) ([]T, []string, error) {
	kvs, err := r.Scan(ctx, prefix, after, limit)
	if err != nil {
		return nil, nil, err
	}
	out := make([]T, 0, len(kvs))
	keys := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		var rec T
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			return nil, nil, errors.Wrapf(err, "store: decode %s", kv.Key)
		}
		out = append(out, rec)
		keys = append(keys, kv.Key)
	}
	return out, keys, nil
}
