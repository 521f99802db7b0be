package ingestion

import (
	"container/list"
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// CommandStore is the durable tier of command deduplication.
// persistence.CommandLog implements it.
type CommandStore interface {
	IsDuplicate(ctx context.Context, commandID string) (bool, error)
	Record(ctx context.Context, commandID, subject, outcome string, cmdErr error) error
}

// Deduplicator implements two-tier deduplication: an in-memory LRU in
// front of an optional CommandStore.
type Deduplicator struct {
	mu     sync.Mutex
	lru    *commandLRU
	store  CommandStore
	logger zerolog.Logger
}

func NewDeduplicator(capacity int, store CommandStore, logger zerolog.Logger) *Deduplicator {
	if capacity <= 0 {
		capacity = 1
	}
	return &Deduplicator{
		lru:    newCommandLRU(capacity),
		store:  store,
		logger: logger,
	}
}

// Seen reports whether id was already processed. A store failure is
// logged and treated as not seen: the engine's own state checks reject
// most replays, and blocking ingestion on the database would be worse.
func (d *Deduplicator) Seen(ctx context.Context, id string) bool {
	d.mu.Lock()
	hit := d.lru.contains(id)
	d.mu.Unlock()
	if hit {
		return true
	}
	if d.store == nil {
		return false
	}

	dup, err := d.store.IsDuplicate(ctx, id)
	if err != nil {
		d.logger.Warn().Err(err).Str("command_id", id).Msg("command log lookup failed")
		return false
	}
	if dup {
		d.mu.Lock()
		d.lru.add(id)
		d.mu.Unlock()
	}
	return dup
}

// MarkProcessed remembers id and records the outcome durably.
func (d *Deduplicator) MarkProcessed(ctx context.Context, id, subject, outcome string, cmdErr error) {
	d.mu.Lock()
	d.lru.add(id)
	d.mu.Unlock()
	if d.store == nil {
		return
	}
	if err := d.store.Record(ctx, id, subject, outcome, cmdErr); err != nil {
		d.logger.Warn().Err(err).Str("command_id", id).Msg("command log write failed")
	}
}

// Size is the number of ids held in memory.
func (d *Deduplicator) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lru.order.Len()
}

type commandLRU struct {
	capacity int
	entries  map[string]*list.Element
	order    *list.List
}

func newCommandLRU(capacity int) *commandLRU {
	return &commandLRU{
		capacity: capacity,
		entries:  make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

func (l *commandLRU) contains(key string) bool {
	elem, ok := l.entries[key]
	if ok {
		l.order.MoveToFront(elem)
	}
	return ok
}

func (l *commandLRU) add(key string) {
	if elem, ok := l.entries[key]; ok {
		l.order.MoveToFront(elem)
		return
	}
	l.entries[key] = l.order.PushFront(key)
	if l.order.Len() > l.capacity {
		oldest := l.order.Back()
		l.order.Remove(oldest)
		delete(l.entries, oldest.Value.(string))
	}
}
