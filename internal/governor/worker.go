package governor

import (
	"sync"
	"time"

	"codeberg.org/mutker/cpufreqctl/internal/errors"
	"codeberg.org/mutker/cpufreqctl/internal/logger"
)

// pendingRequest is the single outstanding deferred actuation request.
// Newer requests overwrite it; nothing is ever queued behind it.
type pendingRequest struct {
	freq Frequency
	at   time.Time
}

// applyWorker performs deferred actuations for one domain. Requests arrive
// through a single-slot latest-value-wins channel; before actuating, the
// worker re-reads the committed target under the domain lock, so a commit
// racing with the dequeue can never be lost. The actual actuator call runs
// under a dedicated mutex, serializing actuations for the domain.
type applyWorker struct {
	domain   *Domain
	requests chan pendingRequest
	workMu   sync.Mutex
	done     chan struct{}
}

func newApplyWorker(d *Domain) *applyWorker {
	return &applyWorker{
		domain:   d,
		requests: make(chan pendingRequest, 1),
		done:     make(chan struct{}),
	}
}

func (w *applyWorker) start() {
	go w.run()
}

// stop drains the in-flight request, if any, and waits for the worker to
// exit.
func (w *applyWorker) stop() {
	close(w.requests)
	<-w.done
}

// enqueue replaces the pending request with a newer one. Callers hold the
// domain lock, so sends are serialized and the swap cannot interleave.
func (w *applyWorker) enqueue(req pendingRequest) {
	for {
		select {
		case w.requests <- req:
			return
		default:
		}

		select {
		case <-w.requests:
		default:
		}
	}
}

func (w *applyWorker) run() {
	defer close(w.done)

	for req := range w.requests {
		w.apply(req)
	}
}

func (w *applyWorker) apply(req pendingRequest) {
	d := w.domain

	d.mu.Lock()
	freq := d.next
	d.workInProgress = false
	d.mu.Unlock()

	w.workMu.Lock()
	applied, err := d.actuator.Apply(freq)
	w.workMu.Unlock()

	if err != nil {
		logger.Debug().
			Str("domain", d.policy.ID).
			Uint64("freq", uint64(freq)).
			Uint64("pending_freq", uint64(req.freq)).
			Err(errors.New().Wrap(ErrApplyRejected, err)).
			Msg("Deferred apply rejected")
		return
	}

	d.mu.Lock()
	d.currentFreq = applied
	d.mu.Unlock()
}
