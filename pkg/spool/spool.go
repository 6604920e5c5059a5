// Package spool provides the durable write queue that decouples ingestion
// from backend availability.
//
// Jobs are appended to a JSONL file before they are handed to the async
// worker, so queued durable writes survive process restarts. The in-flight
// channel is bounded: enqueueing on a full channel fails with
// core.ErrSpoolFull rather than blocking the observe path.
package spool

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hippolabs/governor-go/pkg/backend"
	"github.com/hippolabs/governor-go/pkg/core"
)

// Job is one pending durable write.
type Job struct {
	// ID is the spool-assigned job id (ULID, so ids sort by enqueue time).
	ID string `json:"id"`

	// Record is the memory record to write.
	Record *core.MemoryRecord `json:"record"`

	// EnqueuedAt is the unix timestamp of enqueue.
	EnqueuedAt int64 `json:"enqueued_at"`
}

// Queue is the durable write queue.
//
// Lifecycle: NewQueue loads any spooled jobs from disk, Start launches the
// worker and replays them, Close stops the worker and flushes the backlog.
type Queue struct {
	path       string
	store      backend.Store
	retryDelay time.Duration
	logger     *slog.Logger

	mu      sync.Mutex
	backlog []*Job

	jobs chan *Job
	done chan struct{}
	wg   sync.WaitGroup
}

// Config contains configuration for the spool.
type Config struct {
	// Path is the JSONL spool file.
	Path string

	// QueueSize bounds the in-flight channel. Default: 1024.
	QueueSize int

	// RetryDelay is the pause before a failed job is retried. Default: 2s.
	RetryDelay time.Duration

	// Logger receives worker diagnostics. Nil uses slog.Default().
	Logger *slog.Logger
}

// NewQueue creates a spool backed by the given durable store and loads any
// jobs left over from a previous run.
//
// Parameters:
//   - cfg: Spool configuration
//   - store: Durable backend the worker writes to
//
// Returns:
//   - *Queue: The spool instance (worker not yet started; call Start)
//   - error: Error when the spool file cannot be read
func NewQueue(cfg *Config, store backend.Store) (*Queue, error) {
	if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("NewQueue: %w", err)
		}
	}

	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1024
	}
	retryDelay := cfg.RetryDelay
	if retryDelay == 0 {
		retryDelay = 2 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	q := &Queue{
		path:       cfg.Path,
		store:      store,
		retryDelay: retryDelay,
		logger:     logger,
		jobs:       make(chan *Job, queueSize),
		done:       make(chan struct{}),
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

// Enqueue spools a durable write and hands it to the worker.
//
// Returns:
//   - string: The assigned job id
//   - error: core.ErrSpoolFull when the in-flight channel is full; the job
//     is not spooled in that case
func (q *Queue) Enqueue(record *core.MemoryRecord) (string, error) {
	job := &Job{
		ID:         ulid.Make().String(),
		Record:     record,
		EnqueuedAt: time.Now().Unix(),
	}

	q.mu.Lock()
	if len(q.jobs) >= cap(q.jobs) {
		q.mu.Unlock()
		return "", core.ErrSpoolFull
	}
	q.backlog = append(q.backlog, job)
	if err := q.persistLocked(); err != nil {
		q.backlog = q.backlog[:len(q.backlog)-1]
		q.mu.Unlock()
		return "", err
	}
	q.mu.Unlock()

	select {
	case q.jobs <- job:
	default:
		// Raced to full between the check and the send. The job stays in
		// the persisted backlog and replays on the next restart.
		return job.ID, core.ErrSpoolFull
	}
	return job.ID, nil
}

// Start launches the background worker and replays jobs loaded from disk.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	pending := len(q.backlog)
	for _, job := range q.backlog {
		select {
		case q.jobs <- job:
		default:
		}
	}
	q.mu.Unlock()

	q.logger.Info("spool worker started", "pending", pending)

	q.wg.Add(1)
	go q.workerLoop(ctx)
}

// Pending returns the number of jobs not yet confirmed written.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.backlog)
}

// Close stops the worker and flushes the backlog to disk. Jobs still
// pending replay on the next Start.
func (q *Queue) Close() error {
	close(q.done)
	q.wg.Wait()

	q.mu.Lock()
	defer q.mu.Unlock()
	return q.persistLocked()
}

func (q *Queue) workerLoop(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-q.done:
			return
		case <-ctx.Done():
			return
		case job := <-q.jobs:
			if err := q.process(ctx, job); err != nil {
				q.logger.Warn("durable write failed, will retry",
					"job_id", job.ID, "error", err)
				q.retry(ctx, job)
				continue
			}
			q.markDone(job.ID)
		}
	}
}

// process performs one durable write. The backend dedups on the record's
// provenance key, so a job that half-succeeded before a crash is safe to
// run again.
func (q *Queue) process(ctx context.Context, job *Job) error {
	writeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	_, err := q.store.Create(writeCtx, job.Record)
	return err
}

// retry requeues a failed job after the retry delay. If the channel is
// full the job stays in the persisted backlog and replays on restart.
func (q *Queue) retry(ctx context.Context, job *Job) {
	select {
	case <-q.done:
		return
	case <-ctx.Done():
		return
	case <-time.After(q.retryDelay):
	}
	select {
	case q.jobs <- job:
	default:
	}
}

func (q *Queue) markDone(jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.backlog[:0]
	for _, job := range q.backlog {
		if job.ID != jobID {
			kept = append(kept, job)
		}
	}
	q.backlog = kept
	if err := q.persistLocked(); err != nil {
		q.logger.Error("spool persist failed", "error", err)
	}
}

func (q *Queue) load() error {
	f, err := os.Open(q.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var job Job
		if err := json.Unmarshal(line, &job); err != nil {
			continue
		}
		q.backlog = append(q.backlog, &job)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("load: %w", err)
	}
	return nil
}

func (q *Queue) persistLocked() error {
	var buf []byte
	for _, job := range q.backlog {
		line, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("persist: %w", err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}
	if err := os.WriteFile(q.path, buf, 0o644); err != nil {
		return fmt.Errorf("persist: %w", err)
	}
	return nil
}
