// Package fetcher implements C2: it owns a worker's stdout descriptor, feeds
// raw chunks through a splitter.Splitter, and publishes complete lines into
// a bounded, drop-oldest ring buffer for diagnostics. Grounded on the
// async-read-then-callback shape of dwarri-gazette's appendFSM pump
// goroutine (broker/append_fsm.go's `go func(ctx) { for { req, err :=
// recv(); ... } }`), adapted from a gRPC Recv loop to a raw io.Reader chunk
// loop.
package fetcher

import (
	"context"
	"io"
	"sync"

	log "github.com/sirupsen/logrus"

	"go.vicodyn.dev/core/splitter"
)

// DefaultRingCapacity is used when a Profile specifies no
// output_ring_capacity (spec.md §6).
const DefaultRingCapacity = 256

// Fetcher reads a worker's stdout asynchronously until EOF or error, at
// which point it reports to onDone exactly once.
type Fetcher struct {
	stdout  io.ReadCloser
	split   *splitter.Splitter
	onDone  func(err error)
	readSz  int

	mu   sync.RWMutex
	ring []string
	next int // index where the next line will be written
	full bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// New returns a Fetcher over stdout. ringCapacity <= 0 selects
// DefaultRingCapacity. onDone is invoked at most once, from the Fetcher's
// internal goroutine, when stdout reaches EOF, a read fails, or ctx is
// cancelled; it is not invoked when the loop exits because of Stop.
func New(stdout io.ReadCloser, ringCapacity, maxLineLen int, onDone func(err error)) *Fetcher {
	if ringCapacity <= 0 {
		ringCapacity = DefaultRingCapacity
	}
	return &Fetcher{
		stdout: stdout,
		split:  splitter.New(maxLineLen),
		onDone: onDone,
		readSz: 4096,
		ring:   make([]string, ringCapacity),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the asynchronous read loop. It returns immediately.
func (f *Fetcher) Start(ctx context.Context) {
	go f.pump(ctx)
}

func (f *Fetcher) pump(ctx context.Context) {
	defer close(f.doneCh)
	var buf = make([]byte, f.readSz)

	for {
		select {
		case <-f.stopCh:
			_ = f.stdout.Close()
			return
		case <-ctx.Done():
			_ = f.stdout.Close()
			f.report(ctx.Err())
			return
		default:
		}

		n, err := f.stdout.Read(buf)
		if n > 0 {
			f.split.Write(buf[:n])
			for {
				line, ok := f.split.Next()
				if !ok {
					break
				}
				f.publish(line)
			}
		}
		if err != nil {
			if err == io.EOF {
				log.Debug("fetcher: stdout closed")
			} else {
				log.WithField("err", err).Warn("fetcher: stdout read error")
			}
			f.report(err)
			return
		}
	}
}

func (f *Fetcher) publish(line string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ring[f.next] = line
	f.next = (f.next + 1) % len(f.ring)
	if f.next == 0 {
		f.full = true
	}
}

func (f *Fetcher) report(err error) {
	if f.onDone != nil {
		if err == io.EOF {
			err = nil
		}
		f.onDone(err)
	}
}

// Stop asks the read loop to exit. The loop checks for this between reads:
// a Read already in progress is not interrupted, and stdout is closed only
// after it returns. Safe to call more than once; onDone is not invoked on
// this path.
func (f *Fetcher) Stop() {
	select {
	case <-f.stopCh:
	default:
		close(f.stopCh)
	}
}

// Done returns a channel closed once the read loop has exited.
func (f *Fetcher) Done() <-chan struct{} { return f.doneCh }

// Snapshot returns a read-only copy of the ring buffer's current contents,
// oldest line first.
func (f *Fetcher) Snapshot() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.full {
		var out = make([]string, f.next)
		copy(out, f.ring[:f.next])
		return out
	}
	var out = make([]string, len(f.ring))
	copy(out, f.ring[f.next:])
	copy(out[len(f.ring)-f.next:], f.ring[:f.next])
	return out
}
