package event

import (
	"sync"
)

// Emitter fans envelopes out to named sinks. Publishing never blocks: a
// full sink drops the envelope and onDrop is called with its name. Sinks
// that need every event rebuild from the persisted log.
type Emitter struct {
	mu     sync.RWMutex
	sinks  map[string]chan *Envelope
	onDrop func(sink string)
	closed bool
}

func NewEmitter(onDrop func(sink string)) *Emitter {
	return &Emitter{sinks: make(map[string]chan *Envelope), onDrop: onDrop}
}

// Subscribe registers a sink with the given buffer size. Subscribing twice
// under one name returns the existing channel.
func (e *Emitter) Subscribe(name string, buffer int) <-chan *Envelope {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ch, ok := e.sinks[name]; ok {
		return ch
	}
	ch := make(chan *Envelope, buffer)
	if e.closed {
		close(ch)
	}
	e.sinks[name] = ch
	return ch
}

// Publish delivers env to every sink without blocking.
func (e *Emitter) Publish(env *Envelope) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	for name, ch := range e.sinks {
		select {
		case ch <- env:
		default:
			if e.onDrop != nil {
				e.onDrop(name)
			}
		}
	}
}

// Close closes every sink channel. Later publishes are ignored.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for _, ch := range e.sinks {
		close(ch)
	}
}
