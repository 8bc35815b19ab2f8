// Package autosave coalesces rapid edits into one write per key after a
// quiet period.
package autosave

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultQuietPeriod is the idle time after the last edit before a write.
const DefaultQuietPeriod = 800 * time.Millisecond

// ErrCancelled is returned by Flush once the debouncer has been cancelled.
var ErrCancelled = errors.New("autosave cancelled")

// WriteFunc persists the newest payload for key.
type WriteFunc[K comparable, P any] func(ctx context.Context, key K, payload P) error

// Options configures a Debouncer.
type Options[K comparable] struct {
	// QuietPeriod defaults to DefaultQuietPeriod.
	QuietPeriod time.Duration
	// WriteTimeout bounds each write. Zero means no timeout.
	WriteTimeout time.Duration
	Logger       zerolog.Logger
	// OnError is called after a failed write. Failed writes are not retried.
	OnError func(key K, err error)
}

type entry[P any] struct {
	gen     uint64
	timer   *time.Timer
	payload P
	pending bool
	writing bool
	// due is set when the timer fires or a flush arrives during a write.
	due  bool
	done chan struct{}
}

// Debouncer holds one quiet-period timer per key. Only the last payload
// scheduled inside a window is written, and a key never has more than one
// write in flight. Payloads are handed to the writer as scheduled and must
// not be mutated by the caller afterwards.
type Debouncer[K comparable, P any] struct {
	write WriteFunc[K, P]
	opts  Options[K]

	mu        sync.Mutex
	entries   map[K]*entry[P]
	seq       uint64
	cancelled bool
	inflight  sync.WaitGroup
}

func New[K comparable, P any](write WriteFunc[K, P], opts Options[K]) *Debouncer[K, P] {
	if opts.QuietPeriod <= 0 {
		opts.QuietPeriod = DefaultQuietPeriod
	}
	return &Debouncer[K, P]{
		write:   write,
		opts:    opts,
		entries: make(map[K]*entry[P]),
	}
}

// Schedule records payload as the newest value for key and restarts the
// key's quiet period. It returns false once the debouncer is cancelled.
func (d *Debouncer[K, P]) Schedule(key K, payload P) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancelled {
		return false
	}
	e, ok := d.entries[key]
	if !ok {
		e = &entry[P]{}
		d.entries[key] = e
	}
	e.payload = payload
	e.pending = true
	d.seq++
	e.gen = d.seq
	if e.timer != nil {
		e.timer.Stop()
	}
	gen := e.gen
	e.timer = time.AfterFunc(d.opts.QuietPeriod, func() { d.fire(key, gen) })
	return true
}

func (d *Debouncer[K, P]) fire(key K, gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[key]
	if d.cancelled || !ok || e.gen != gen || !e.pending {
		return
	}
	e.timer = nil
	if e.writing {
		e.due = true
		return
	}
	d.startLocked(key, e)
}

// startLocked launches the write loop for key. d.mu must be held.
func (d *Debouncer[K, P]) startLocked(key K, e *entry[P]) {
	e.writing = true
	e.done = make(chan struct{})
	d.inflight.Add(1)
	go d.run(key, e)
}

func (d *Debouncer[K, P]) run(key K, e *entry[P]) {
	defer d.inflight.Done()
	for {
		d.mu.Lock()
		payload := e.payload
		e.pending = false
		e.due = false
		d.mu.Unlock()

		d.writeOne(key, payload)

		d.mu.Lock()
		if e.due && e.pending && !d.cancelled {
			d.mu.Unlock()
			continue
		}
		e.writing = false
		close(e.done)
		if !e.pending && e.timer == nil {
			delete(d.entries, key)
		}
		d.mu.Unlock()
		return
	}
}

func (d *Debouncer[K, P]) writeOne(key K, payload P) {
	ctx := context.Background()
	if d.opts.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.WriteTimeout)
		defer cancel()
	}
	if err := d.write(ctx, key, payload); err != nil {
		d.opts.Logger.Error().Err(err).Interface("key", key).Msg("autosave write failed")
		if d.opts.OnError != nil {
			d.opts.OnError(key, err)
		}
	}
}

// Flush writes every pending payload now and waits until those writes,
// including any already in flight, have finished or ctx is done.
func (d *Debouncer[K, P]) Flush(ctx context.Context) error {
	d.mu.Lock()
	if d.cancelled {
		d.mu.Unlock()
		return ErrCancelled
	}
	var waits []chan struct{}
	for key, e := range d.entries {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		d.seq++
		e.gen = d.seq
		if e.pending {
			if e.writing {
				e.due = true
			} else {
				d.startLocked(key, e)
			}
		}
		if e.writing {
			waits = append(waits, e.done)
		}
	}
	d.mu.Unlock()

	for _, ch := range waits {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Cancel stops every pending timer and drops unwritten payloads. Later
// calls to Schedule are ignored. Writes already in flight complete.
func (d *Debouncer[K, P]) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelled = true
	for key, e := range d.entries {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		e.pending = false
		if !e.writing {
			delete(d.entries, key)
		}
	}
}

// Wait blocks until no write is in flight. Call it after Cancel.
func (d *Debouncer[K, P]) Wait() {
	d.inflight.Wait()
}

// Pending returns the number of keys with an unwritten payload.
func (d *Debouncer[K, P]) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, e := range d.entries {
		if e.pending {
			n++
		}
	}
	return n
}
