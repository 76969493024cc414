// Package executor runs queued search jobs. A pool of workers polls the job
// queue, executes the job's strategy under the circuit breaker, and commits
// the terminal state through the store's guarded transitions so a concurrent
// cancel always wins cleanly.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/imaginario/searchd/internal/breaker"
	"github.com/imaginario/searchd/internal/notify"
	"github.com/imaginario/searchd/internal/search"
	"github.com/imaginario/searchd/internal/storage"
)

// JobStore abstracts the queue and document operations the worker needs.
type JobStore interface {
	ClaimNextJob() (*storage.SearchJob, error)
	GetJob(id string) (storage.SearchJob, error)
	ListDocuments(userID string, ids []string) ([]storage.Document, error)
	CompleteJob(id, resultsJSON string, resultsCount int, execMs int64) error
	FailJob(id, reason string, execMs int64) error
}

// Publisher receives job status events for fan-out to subscribers.
type Publisher interface {
	Publish(ev notify.Event)
}

// Worker processes search jobs from the queue.
type Worker struct {
	store      JobStore
	strategies *search.Registry
	circuit    *breaker.Breaker
	events     Publisher
	poll       time.Duration
	logger     *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, strategies *search.Registry, circuit *breaker.Breaker, events Publisher, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:      store,
		strategies: strategies,
		circuit:    circuit,
		events:     events,
		poll:       pollInterval,
		logger:     slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single job. Returns true if a job was
// processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob()
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	w.publish(job, storage.JobProcessing, "search started")

	start := time.Now()
	matches, err := w.executeSearch(job)
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		reason := err.Error()
		if err == breaker.ErrOpen {
			reason = "search temporarily unavailable: circuit breaker open"
		}
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		w.commitFailure(job, reason, elapsed)
		return true, nil
	}

	resultsJSON, err := json.Marshal(matches)
	if err != nil {
		w.commitFailure(job, fmt.Sprintf("encoding results: %v", err), elapsed)
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID, string(resultsJSON), len(matches), elapsed); err != nil {
		if err == storage.ErrInvalidTransition {
			// A cancel won the race; the cancelled state stands.
			w.logger.Info("job cancelled during execution", "job_id", job.ID)
			return true, nil
		}
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}

	w.publish(job, storage.JobCompleted, fmt.Sprintf("search completed with %d results", len(matches)))
	return true, nil
}

// executeSearch resolves the strategy, loads the document scope, and runs the
// search under the circuit breaker. Only the breaker-guarded portion counts
// toward its failure threshold; a rejection surfaces as breaker.ErrOpen.
func (w *Worker) executeSearch(job *storage.SearchJob) ([]search.Match, error) {
	strategy, err := w.strategies.Resolve(job.Strategy)
	if err != nil {
		return nil, err
	}

	var ids []string
	if err := json.Unmarshal([]byte(job.DocumentIDs), &ids); err != nil {
		return nil, fmt.Errorf("parsing document scope: %w", err)
	}

	// A cancel that landed after the claim makes the remaining work
	// pointless; skip it before touching the corpus.
	current, err := w.store.GetJob(job.ID)
	if err != nil {
		return nil, fmt.Errorf("re-checking job status: %w", err)
	}
	if current.Status != storage.JobProcessing {
		return nil, fmt.Errorf("job no longer processing (status %s)", current.Status)
	}

	var matches []search.Match
	err = w.circuit.Execute(func() (execErr error) {
		defer func() {
			if r := recover(); r != nil {
				execErr = fmt.Errorf("strategy panic: %v", r)
			}
		}()

		docs, err := w.store.ListDocuments(job.UserID, ids)
		if err != nil {
			return fmt.Errorf("loading documents: %w", err)
		}
		matches = strategy.Search(job.Query, toSearchDocs(docs))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return matches, nil
}

// commitFailure marks the job failed unless a cancel already made it
// terminal.
func (w *Worker) commitFailure(job *storage.SearchJob, reason string, elapsed int64) {
	err := w.store.FailJob(job.ID, reason, elapsed)
	if err == storage.ErrInvalidTransition {
		w.logger.Info("job cancelled during execution", "job_id", job.ID)
		return
	}
	if err != nil {
		w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", err)
		return
	}
	w.publish(job, storage.JobFailed, "search failed: "+reason)
}

func (w *Worker) publish(job *storage.SearchJob, status storage.JobStatus, message string) {
	if w.events == nil {
		return
	}
	w.events.Publish(notify.Event{
		JobID:     job.ID,
		UserID:    job.UserID,
		Status:    string(status),
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func toSearchDocs(docs []storage.Document) []search.Document {
	out := make([]search.Document, len(docs))
	for i, d := range docs {
		out[i] = search.Document{
			ID:          d.ID,
			Title:       d.Title,
			Description: d.Description,
			CreatedAt:   d.CreatedAt,
		}
	}
	return out
}

// Pool runs a fixed number of workers against the same queue.
type Pool struct {
	workers []*Worker
}

// NewPool creates size workers sharing the given dependencies. Size defaults
// to 1 when non-positive.
func NewPool(size int, store JobStore, strategies *search.Registry, circuit *breaker.Breaker, events Publisher, pollInterval time.Duration) *Pool {
	if size < 1 {
		size = 1
	}
	workers := make([]*Worker, size)
	for i := range workers {
		workers[i] = NewWorker(store, strategies, circuit, events, pollInterval)
	}
	return &Pool{workers: workers}
}

// Run blocks until ctx is cancelled and every worker has stopped.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		w := w
		g.Go(func() error {
			w.Run(ctx)
			return nil
		})
	}
	return g.Wait()
}
