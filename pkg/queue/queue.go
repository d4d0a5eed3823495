// Package queue provides admission control for boot tests and the single
// background worker that drains them into a hardware backend. One physical
// rig exists, so at most one boot test is ever in flight.
package queue

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dirkhh/adsb-feeder-boottest/pkg/metrics"
)

// Admission outcomes.
const (
	StatusQueued    = "queued"
	StatusDuplicate = "duplicate"
)

// Item is an admitted-but-not-yet-started request, owned exclusively by
// the queue until a worker promotes it.
type Item struct {
	ID            string                 `json:"id"`
	URL           string                 `json:"url"`
	NormalizedURL string                 `json:"-"`
	SubmitterIP   string                 `json:"submitter_ip"`
	SubmittedAt   time.Time              `json:"submitted_at"`
	RunID         uint                   `json:"run_id"`
	TriggeredBy   string                 `json:"triggered_by"`
	GitHub        *metrics.GitHubContext `json:"github,omitempty"`
}

// AddResult reports the outcome of one admission attempt.
type AddResult struct {
	Status         string
	TestID         uint
	PreviousTestID uint
}

// dedupEntry remembers an accepted URL inside the sliding window.
type dedupEntry struct {
	runID      uint
	acceptedAt time.Time
}

// Runner executes one admitted item end to end. Injected so queue tests
// don't need real hardware.
type Runner interface {
	Execute(ctx context.Context, item *Item)
}

// Queue is the in-process admission controller plus its drain worker.
type Queue struct {
	log         logrus.FieldLogger
	store       metrics.Store
	runner      Runner
	dedupWindow time.Duration
	deviceIP    string

	mu      sync.Mutex
	pending []*Item
	dedup   map[string]dedupEntry
	running *Item

	signal chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

// New creates a queue. Start must be called before items are drained.
func New(
	log logrus.FieldLogger,
	store metrics.Store,
	runner Runner,
	dedupWindow time.Duration,
	deviceIP string,
) *Queue {
	return &Queue{
		log:         log.WithField("component", "queue"),
		store:       store,
		runner:      runner,
		dedupWindow: dedupWindow,
		deviceIP:    deviceIP,
		dedup:       make(map[string]dedupEntry, 16),
		signal:      make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

// normalizeURL produces the dedup key: trimmed and case-folded.
func normalizeURL(url string) string {
	return strings.ToLower(strings.TrimSpace(url))
}

// AddTest admits a URL. An equivalent URL accepted within the sliding
// dedup window is rejected as a duplicate; the dedup check and insert are
// one atomic step under the queue mutex, so concurrent submitters cannot
// both be admitted. Admission creates the TestRun in queued state, so the
// caller gets an id immediately while execution happens asynchronously.
func (q *Queue) AddTest(
	ctx context.Context,
	url, submitterIP, triggeredBy, triggerSource string,
	gh *metrics.GitHubContext,
) (*AddResult, error) {
	normalized := normalizeURL(url)

	q.mu.Lock()
	defer q.mu.Unlock()

	q.expireDedupLocked()

	if entry, ok := q.dedup[normalized]; ok {
		q.log.WithField("url", url).Debug("Duplicate submission ignored")

		return &AddResult{
			Status:         StatusDuplicate,
			PreviousTestID: entry.runID,
		}, nil
	}

	runID, err := q.store.StartTest(
		ctx, strings.TrimSpace(url), triggeredBy, triggerSource, q.deviceIP, gh,
	)
	if err != nil {
		return nil, err
	}

	item := &Item{
		ID:            uuid.NewString(),
		URL:           strings.TrimSpace(url),
		NormalizedURL: normalized,
		SubmitterIP:   submitterIP,
		SubmittedAt:   time.Now().UTC(),
		RunID:         runID,
		TriggeredBy:   triggeredBy,
		GitHub:        gh,
	}

	q.dedup[normalized] = dedupEntry{runID: runID, acceptedAt: item.SubmittedAt}
	q.pending = append(q.pending, item)

	select {
	case q.signal <- struct{}{}:
	default:
	}

	q.log.WithFields(logrus.Fields{
		"url":    item.URL,
		"run_id": runID,
		"depth":  len(q.pending),
	}).Info("Boot test queued")

	return &AddResult{Status: StatusQueued, TestID: runID}, nil
}

// expireDedupLocked drops dedup entries older than the window.
func (q *Queue) expireDedupLocked() {
	cutoff := time.Now().Add(-q.dedupWindow)

	for key, entry := range q.dedup {
		if entry.acceptedAt.Before(cutoff) {
			delete(q.dedup, key)
		}
	}
}

// QueuedItems returns a non-destructive snapshot of pending items.
func (q *Queue) QueuedItems() []*Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Item, len(q.pending))
	copy(out, q.pending)

	return out
}

// Flush empties the pending queue and the dedup cache, returning how many
// pending items were discarded. Administrative reset only; the historical
// store is untouched.
func (q *Queue) Flush() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := len(q.pending)
	q.pending = nil
	q.dedup = make(map[string]dedupEntry, 16)

	return count
}

// Depth returns the number of pending items.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.pending)
}

// Running returns the item currently being executed, if any.
func (q *Queue) Running() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.running
}

// Start launches the background drain worker.
func (q *Queue) Start(ctx context.Context) error {
	q.wg.Add(1)

	go func() {
		defer q.wg.Done()

		for {
			select {
			case <-q.done:
				return
			case <-ctx.Done():
				return
			case <-q.signal:
			}

			q.drain(ctx)
		}
	}()

	q.log.Info("Queue worker started")

	return nil
}

// Stop signals the worker to stop and waits for any in-flight run.
func (q *Queue) Stop() error {
	close(q.done)
	q.wg.Wait()

	q.log.Info("Queue worker stopped")

	return nil
}

// drain executes pending items strictly FIFO until the queue is empty.
func (q *Queue) drain(ctx context.Context) {
	for {
		select {
		case <-q.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		q.mu.Lock()

		if len(q.pending) == 0 {
			q.mu.Unlock()

			return
		}

		item := q.pending[0]
		q.pending = q.pending[1:]
		q.running = item

		q.mu.Unlock()

		q.runner.Execute(ctx, item)

		q.mu.Lock()
		q.running = nil
		delete(q.dedup, item.NormalizedURL)
		q.mu.Unlock()
	}
}
