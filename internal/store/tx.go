package store

import (
	"context"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

var ErrTxDone = errors.New("store: transaction already committed or discarded")

// Tx buffers writes over a Reader. Reads observe the buffer first. A root Tx
// commits through its Backend in a single Apply; a child Tx merges into its
// parent or is discarded.
type Tx struct {
	base    Reader
	backend Backend // nil for child transactions
	parent  *Tx
	writes  map[string]*Mutation
	done    bool
}

// Begin opens a root transaction against a backend.
func Begin(backend Backend) *Tx {
	return &Tx{base: backend, backend: backend, writes: make(map[string]*Mutation)}
}

// Child opens a nested transaction whose writes stay private until Merge.
func (tx *Tx) Child() *Tx {
	return &Tx{base: tx, parent: tx, writes: make(map[string]*Mutation)}
}

func (tx *Tx) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if m, ok := tx.writes[key]; ok {
		if m.Delete {
			return nil, false, nil
		}
		return cloneBytes(m.Value), true, nil
	}
	return tx.base.Get(ctx, key)
}

// Scan merges buffered writes with the underlying reader.
func (tx *Tx) Scan(ctx context.Context, prefix, after string, limit int) ([]KV, error) {
	overlay := make(map[string]*Mutation)
	for k, m := range tx.writes {
		if strings.HasPrefix(k, prefix) && k > after {
			overlay[k] = m
		}
	}

	baseLimit := limit
	if limit > 0 {
		// buffered deletes may hide base entries
		baseLimit = limit + len(overlay)
	}
	base, err := tx.base.Scan(ctx, prefix, after, baseLimit)
	if err != nil {
		return nil, err
	}

	merged := make(map[string][]byte, len(base)+len(overlay))
	for _, kv := range base {
		merged[kv.Key] = kv.Value
	}
	for k, m := range overlay {
		if m.Delete {
			delete(merged, k)
			continue
		}
		merged[k] = cloneBytes(m.Value)
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}

	out := make([]KV, 0, len(keys))
	for _, k := range keys {
		out = append(out, KV{Key: k, Value: merged[k]})
	}
	return out, nil
}

func (tx *Tx) Put(key string, value []byte) {
	tx.writes[key] = &Mutation{Key: key, Value: cloneBytes(value)}
}

func (tx *Tx) Delete(key string) {
	tx.writes[key] = &Mutation{Key: key, Delete: true}
}

// Mutations returns buffered writes ordered by key.
func (tx *Tx) Mutations() []Mutation {
	out := make([]Mutation, 0, len(tx.writes))
	for _, m := range tx.writes {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Dirty reports whether the transaction holds any writes.
func (tx *Tx) Dirty() bool {
	return len(tx.writes) > 0
}

// Merge folds a child's writes into its parent.
func (tx *Tx) Merge() error {
	if tx.done {
		return ErrTxDone
	}
	if tx.parent == nil {
		return errors.New("store: merge on root transaction")
	}
	for k, m := range tx.writes {
		tx.parent.writes[k] = m
	}
	tx.done = true
	return nil
}

// Commit applies a root transaction atomically.
func (tx *Tx) Commit(ctx context.Context) error {
	if tx.done {
		return ErrTxDone
	}
	if tx.backend == nil {
		return errors.New("store: commit on child transaction")
	}
	if err := tx.backend.Apply(ctx, tx.Mutations()); err != nil {
		return errors.Wrap(err, "store: commit")
	}
	tx.done = true
	return nil
}

// Discard drops all buffered writes.
func (tx *Tx) Discard() {
	tx.writes = make(map[string]*Mutation)
	tx.done = true
}
