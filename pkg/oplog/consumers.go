package oplog

import (
	"fmt"
	"sync"

	"github.com/calvinalkan/dedupvault/pkg/dederr"
)

type namedConsumer struct {
	name string
	c    Consumer
}

// consumerRegistry holds the registered consumer list. Delivery snapshots
// the list under a read lock and releases it before invoking consumers, so
// an in-call consumer may register/unregister another consumer without
// deadlocking. The read lock is never held across a consumer call.
type consumerRegistry struct {
	mu   sync.RWMutex
	list []namedConsumer
}

func newConsumerRegistry() *consumerRegistry {
	return &consumerRegistry{}
}

func (r *consumerRegistry) register(name string, c Consumer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, nc := range r.list {
		if nc.name == name {
			return fmt.Errorf("%w: consumer %q already registered", dederr.ErrExists, name)
		}
	}

	r.list = append(r.list, namedConsumer{name: name, c: c})

	return nil
}

func (r *consumerRegistry) unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, nc := range r.list {
		if nc.name == name {
			r.list = append(r.list[:i], r.list[i+1:]...)
			return
		}
	}
}

func (r *consumerRegistry) isRegistered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, nc := range r.list {
		if nc.name == name {
			return true
		}
	}

	return false
}

func (r *consumerRegistry) snapshot() []namedConsumer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]namedConsumer, len(r.list))
	copy(out, r.list)

	return out
}

// deliver calls every registered consumer with eventType/payload/ctx. It
// returns the first error encountered (if any) but always calls every
// consumer: a failing consumer must not starve the others, and replay
// errors never roll back the slot.
func (r *consumerRegistry) deliver(eventType EventType, payload []byte, ctx ReplayContext, onErr func(name string, err error)) error {
	var first error

	for _, nc := range r.snapshot() {
		if err := nc.c.Replay(eventType, payload, ctx); err != nil {
			if onErr != nil {
				onErr(nc.name, err)
			}

			if first == nil {
				first = err
			}
		}
	}

	return first
}
