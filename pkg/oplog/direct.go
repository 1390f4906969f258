package oplog

import "sync"

type directItem struct {
	base      uint64
	k         uint64
	eventType EventType
	payload   []byte
}

// directReplay delivers committed events to consumers in exactly commit
// order, post-commit, on one dedicated goroutine. Producers may complete their
// reservations out of order (a later, smaller event can finish writing
// before an earlier, larger one), so arrivals are buffered by base id until
// the run of ids is contiguous from the last delivered frontier.
type directReplay struct {
	log *Log

	mu          sync.Mutex
	cond        *sync.Cond
	pending     map[uint64]directItem
	nextBase    uint64
	initialized bool
	running     bool
	stopping    bool
	wg          sync.WaitGroup
}

func newDirectReplay(l *Log) *directReplay {
	d := &directReplay{log: l, pending: make(map[uint64]directItem)}
	d.cond = sync.NewCond(&d.mu)

	return d
}

// start launches the worker goroutine if it is not already running.
func (d *directReplay) start() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return
	}

	d.running = true
	d.stopping = false
	d.wg.Add(1)

	go d.run()
}

// stop signals the worker to exit and waits for it to finish. Safe to call
// when not running.
func (d *directReplay) stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}

	d.stopping = true
	d.cond.Broadcast()
	d.mu.Unlock()

	d.wg.Wait()
}

// publish enqueues a freshly committed event for direct delivery.
func (d *directReplay) publish(base, k uint64, eventType EventType, payload []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pending[base] = directItem{base: base, k: k, eventType: eventType, payload: payload}
	d.cond.Broadcast()
}

func (d *directReplay) run() {
	defer d.wg.Done()

	for {
		d.mu.Lock()

		for {
			if d.stopping {
				d.running = false
				d.mu.Unlock()

				return
			}

			if !d.initialized {
				if len(d.pending) == 0 {
					d.cond.Wait()
					continue
				}

				d.nextBase = d.minPendingBaseLocked()
				d.initialized = true
			}

			if item, ok := d.pending[d.nextBase]; ok {
				delete(d.pending, d.nextBase)
				d.mu.Unlock()
				d.deliver(item)
				d.mu.Lock()
				d.nextBase = item.base + item.k

				continue
			}

			d.cond.Wait()
		}
	}
}

func (d *directReplay) minPendingBaseLocked() uint64 {
	min, first := uint64(0), true

	for base := range d.pending {
		if first || base < min {
			min = base
			first = false
		}
	}

	return min
}

func (d *directReplay) deliver(item directItem) {
	ctx := ReplayContext{Mode: Direct, LogID: item.base}

	_ = d.log.consumers.deliver(item.eventType, item.payload, ctx, func(name string, err error) {
		d.log.recordConsumerError(name, err)
	})

	d.log.recordReplayStat(Direct, item.eventType)
}
