package executor

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/imaginario/searchd/internal/breaker"
	"github.com/imaginario/searchd/internal/notify"
	"github.com/imaginario/searchd/internal/search"
	"github.com/imaginario/searchd/internal/storage"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (p *capturePublisher) Publish(ev notify.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *capturePublisher) statuses() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Status
	}
	return out
}

func testRegistry() *search.Registry {
	reg := search.NewRegistry()
	reg.Register(search.NewKeyword())
	reg.Register(search.NewFuzzy())
	return reg
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func seedDocument(t *testing.T, store *storage.Store, userID, title, description string) string {
	t.Helper()
	id := uuid.New().String()
	err := store.SaveDocument(storage.Document{
		ID:          id,
		UserID:      userID,
		Title:       title,
		Description: description,
	})
	if err != nil {
		t.Fatalf("seeding document: %v", err)
	}
	return id
}

func seedJob(t *testing.T, store *storage.Store, userID, query, strategy string) string {
	t.Helper()
	id := uuid.New().String()
	err := store.CreateJob(storage.SearchJob{
		ID:       id,
		UserID:   userID,
		Query:    query,
		Strategy: strategy,
	})
	if err != nil {
		t.Fatalf("seeding job: %v", err)
	}
	return id
}

func TestRunOnceNoJobs(t *testing.T) {
	store := openTestStore(t)
	w := NewWorker(store, testRegistry(), breaker.New(), nil, 0)

	done, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if done {
		t.Fatal("expected no job processed")
	}
}

func TestRunOnceCompletesJob(t *testing.T) {
	store := openTestStore(t)
	seedDocument(t, store, "user-1", "Cats 101", "caring for cats")
	seedDocument(t, store, "user-1", "Dog Training", "house training puppies")
	jobID := seedJob(t, store, "user-1", "cat", "text_search")

	events := &capturePublisher{}
	w := NewWorker(store, testRegistry(), breaker.New(), events, 0)

	done, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if !done {
		t.Fatal("expected a job to be processed")
	}

	job, err := store.GetJob(jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != storage.JobCompleted {
		t.Fatalf("expected completed, got %s (%s)", job.Status, job.ErrorMessage)
	}
	if job.ResultsCount != 1 {
		t.Fatalf("expected 1 result, got %d", job.ResultsCount)
	}

	var matches []search.Match
	if err := json.Unmarshal([]byte(job.Results), &matches); err != nil {
		t.Fatalf("parsing results: %v", err)
	}
	if matches[0].Title != "Cats 101" {
		t.Fatalf("unexpected match: %+v", matches[0])
	}

	got := events.statuses()
	if len(got) != 2 || got[0] != "processing" || got[1] != "completed" {
		t.Fatalf("unexpected event sequence: %v", got)
	}
}

func TestRunOnceScopesDocuments(t *testing.T) {
	store := openTestStore(t)
	seedDocument(t, store, "user-1", "cat facts", "all about cats")
	scoped := seedDocument(t, store, "user-1", "cat toys", "toys cats enjoy")

	jobID := uuid.New().String()
	ids, _ := json.Marshal([]string{scoped})
	err := store.CreateJob(storage.SearchJob{
		ID:          jobID,
		UserID:      "user-1",
		Query:       "cat",
		Strategy:    "text_search",
		DocumentIDs: string(ids),
	})
	if err != nil {
		t.Fatalf("creating job: %v", err)
	}

	w := NewWorker(store, testRegistry(), breaker.New(), nil, 0)
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	job, err := store.GetJob(jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.ResultsCount != 1 {
		t.Fatalf("expected only the scoped document, got %d results", job.ResultsCount)
	}
	var matches []search.Match
	if err := json.Unmarshal([]byte(job.Results), &matches); err != nil {
		t.Fatalf("parsing results: %v", err)
	}
	if matches[0].DocumentID != scoped {
		t.Fatalf("expected scoped document, got %s", matches[0].DocumentID)
	}
}

func TestRunOnceUnknownStrategy(t *testing.T) {
	store := openTestStore(t)
	jobID := seedJob(t, store, "user-1", "cat", "vector_search")

	circuit := breaker.New()
	w := NewWorker(store, testRegistry(), circuit, nil, 0)
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	job, err := store.GetJob(jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != storage.JobFailed {
		t.Fatalf("expected failed, got %s", job.Status)
	}
	if !strings.Contains(job.ErrorMessage, "unknown strategy") {
		t.Fatalf("unexpected error message: %q", job.ErrorMessage)
	}

	// Strategy resolution happens before the breaker, so a bad name never
	// counts toward the failure threshold.
	if snap := circuit.Snapshot(); snap.ConsecutiveFailures != 0 {
		t.Fatalf("resolution failure counted by breaker: %+v", snap)
	}
}

func TestRunOnceBreakerOpen(t *testing.T) {
	store := openTestStore(t)
	jobID := seedJob(t, store, "user-1", "cat", "text_search")

	circuit := breaker.New(breaker.WithFailureThreshold(1))
	if err := circuit.Execute(func() error { return errors.New("boom") }); err == nil {
		t.Fatal("expected priming failure")
	}

	events := &capturePublisher{}
	w := NewWorker(store, testRegistry(), circuit, events, 0)
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	job, err := store.GetJob(jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != storage.JobFailed {
		t.Fatalf("expected failed, got %s", job.Status)
	}
	if !strings.Contains(job.ErrorMessage, "circuit breaker open") {
		t.Fatalf("unexpected error message: %q", job.ErrorMessage)
	}

	got := events.statuses()
	if len(got) != 2 || got[1] != "failed" {
		t.Fatalf("unexpected event sequence: %v", got)
	}
}

// cancellingStore cancels the claimed job right after the claim, simulating a
// user cancel racing the worker.
type cancellingStore struct {
	*storage.Store
}

func (s *cancellingStore) ClaimNextJob() (*storage.SearchJob, error) {
	job, err := s.Store.ClaimNextJob()
	if err != nil || job == nil {
		return job, err
	}
	if _, err := s.Store.CancelJob(job.ID); err != nil {
		return nil, err
	}
	return job, nil
}

func TestRunOnceCancelWins(t *testing.T) {
	store := openTestStore(t)
	seedDocument(t, store, "user-1", "Cats 101", "caring for cats")
	jobID := seedJob(t, store, "user-1", "cat", "text_search")

	events := &capturePublisher{}
	w := NewWorker(&cancellingStore{Store: store}, testRegistry(), breaker.New(), events, 0)
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	job, err := store.GetJob(jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != storage.JobCancelled {
		t.Fatalf("cancel must win the race, got %s", job.Status)
	}

	for _, status := range events.statuses() {
		if status == "completed" || status == "failed" {
			t.Fatalf("terminal event published for cancelled job: %v", events.statuses())
		}
	}
}

func TestPoolDrainsQueue(t *testing.T) {
	store := openTestStore(t)
	seedDocument(t, store, "user-1", "Cats 101", "caring for cats")

	var jobIDs []string
	for i := 0; i < 6; i++ {
		jobIDs = append(jobIDs, seedJob(t, store, "user-1", "cat", "text_search"))
	}

	pool := NewPool(3, store, testRegistry(), breaker.New(), nil, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for {
		remaining := 0
		for _, id := range jobIDs {
			job, err := store.GetJob(id)
			if err != nil {
				t.Fatalf("get job: %v", err)
			}
			if !job.Status.Terminal() {
				remaining++
			}
		}
		if remaining == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("%d jobs never finished", remaining)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("pool run: %v", err)
	}

	for _, id := range jobIDs {
		job, _ := store.GetJob(id)
		if job.Status != storage.JobCompleted {
			t.Fatalf("job %s ended %s (%s)", id, job.Status, job.ErrorMessage)
		}
	}
}
