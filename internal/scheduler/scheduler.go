// Package scheduler owns the table of transfers, admits or queues new ones
// and runs at most MaxConcurrent fetches at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/italolelis/rangeget/internal/downloader"
	"github.com/italolelis/rangeget/internal/logctx"
	"github.com/italolelis/rangeget/internal/storage"
	"github.com/italolelis/rangeget/internal/telemetry"
	"github.com/italolelis/rangeget/internal/transfer"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultMaxConcurrent = 3
	DefaultQueueLimit    = 64
)

var (
	ErrNotFound  = errors.New("task not found")
	ErrNotActive = errors.New("task is not active")
	ErrActive    = errors.New("task is queued or running")
	ErrClosed    = errors.New("scheduler is stopped")
)

// Fetcher runs one download attempt. *downloader.Fetcher and
// *downloader.InstrumentedFetcher satisfy it.
type Fetcher interface {
	Fetch(ctx context.Context, req downloader.Request, onProgress downloader.ProgressFunc) (*downloader.Outcome, error)
	Discard(destination string) error
}

// Sink receives state snapshots. Calls are never made while the scheduler
// lock is held. Finished is called once each time a task leaves the
// queued or running state.
type Sink interface {
	Progress(transfer.State)
	Finished(transfer.State)
}

// Request asks for url to be downloaded to destination.
type Request struct {
	URL         string
	Destination string
}

// Options configures the worker pool.
type Options struct {
	MaxConcurrent int
	QueueLimit    int
}

type stopReason int

const (
	stopNone stopReason = iota
	stopPause
	stopCancel
)

type task struct {
	state  *transfer.State
	cancel context.CancelFunc
	stop   stopReason
}

// Scheduler dispatches transfers FIFO onto a fixed pool of workers.
type Scheduler struct {
	fetcher   Fetcher
	store     storage.ResumeStore
	sink      Sink
	telemetry *telemetry.Telemetry
	opts      Options

	mu      sync.Mutex
	tasks   map[string]*task
	queue   []string
	running int
	closed  bool
	work    chan *task
}

// New creates a scheduler. A nil sink discards events.
func New(fetcher Fetcher, store storage.ResumeStore, sink Sink, tel *telemetry.Telemetry, opts Options) *Scheduler {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}

	if opts.QueueLimit <= 0 {
		opts.QueueLimit = DefaultQueueLimit
	}

	if sink == nil {
		sink = nopSink{}
	}

	return &Scheduler{
		fetcher:   fetcher,
		store:     store,
		sink:      sink,
		telemetry: tel,
		opts:      opts,
		tasks:     make(map[string]*task),
		// Never more tasks in flight than running slots, so dispatch never blocks.
		work: make(chan *task, opts.MaxConcurrent),
	}
}

// Run starts the workers and blocks until ctx is done. Transfers still
// running at that point are paused so their resume data is persisted.
func (s *Scheduler) Run(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)
	logger.Info("scheduler started", "max_concurrent", s.opts.MaxConcurrent, "queue_limit", s.opts.QueueLimit)

	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < s.opts.MaxConcurrent; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case t := <-s.work:
					s.execute(ctx, t)
				}
			}
		})
	}

	err := g.Wait()

	s.mu.Lock()
	s.closed = true

	var stranded []transfer.State

drain:
	for {
		select {
		case t := <-s.work:
			s.running--
			stranded = append(stranded, strandLocked(t))
		default:
			break drain
		}
	}

	for _, id := range s.queue {
		s.telemetry.AddQueued(-1)
		stranded = append(stranded, strandLocked(s.tasks[id]))
	}

	s.queue = nil
	s.mu.Unlock()

	for _, st := range stranded {
		s.sink.Finished(st)
	}

	logger.Info("scheduler stopped")

	return err
}

// Submit queues a transfer and returns its id. Submitting a transfer that
// is already queued or running returns the existing id. A paused or failed
// transfer is queued again and will resume from its stored token.
func (s *Scheduler) Submit(ctx context.Context, req Request) (string, error) {
	logger := logctx.LoggerFromContext(ctx)
	id := transfer.ID(req.URL, req.Destination)

	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()

		return "", ErrClosed
	}

	t, exists := s.tasks[id]
	if exists && t.state.IsActive() {
		s.mu.Unlock()
		logger.Debug("transfer already active", "task_id", id, "status", t.state.Status)

		return id, nil
	}

	if s.running >= s.opts.MaxConcurrent && len(s.queue) >= s.opts.QueueLimit {
		s.mu.Unlock()
		s.telemetry.RecordRejectedSubmission()
		logger.Warn("transfer rejected, queue is full", "url", req.URL, "queue_limit", s.opts.QueueLimit)

		return "", transfer.ErrQueueFull
	}

	if !exists {
		t = &task{state: transfer.NewState(req.URL, req.Destination)}
		s.tasks[id] = t
	} else {
		st := t.state
		if st.IsTerminal() {
			st.ReceivedBytes = 0
			st.TotalBytes = transfer.UnknownSize
			st.ResumeToken = nil
		}

		st.Status = transfer.StatusQueued
		st.Err = nil
		st.UpdatedAt = time.Now()
		t.stop = stopNone
	}

	s.queue = append(s.queue, id)
	s.telemetry.AddQueued(1)
	s.dispatchLocked()
	status := t.state.Status
	s.mu.Unlock()

	logger.Info("transfer submitted", "task_id", id, "url", req.URL, "destination", req.Destination, "status", status)

	return id, nil
}

// Cancel stops a transfer and discards its partial data and resume record.
// A running transfer becomes cancelled once its fetcher unwinds.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	return s.stop(ctx, id, stopCancel)
}

// Pause stops a transfer and keeps its resume record.
func (s *Scheduler) Pause(ctx context.Context, id string) error {
	return s.stop(ctx, id, stopPause)
}

func (s *Scheduler) stop(ctx context.Context, id string, reason stopReason) error {
	s.mu.Lock()

	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()

		return ErrNotFound
	}

	switch t.state.Status {
	case transfer.StatusRunning:
		if reason > t.stop {
			t.stop = reason
		}

		if t.cancel != nil {
			t.cancel()
		}

		s.mu.Unlock()

		return nil
	case transfer.StatusQueued:
		s.removeQueuedLocked(id)
	case transfer.StatusPaused, transfer.StatusFailed:
		if reason == stopPause {
			s.mu.Unlock()

			return ErrNotActive
		}
	default:
		s.mu.Unlock()

		return ErrNotActive
	}

	st := t.state
	st.UpdatedAt = time.Now()

	if reason == stopCancel {
		st.Status = transfer.StatusCancelled
		st.Err = &transfer.Error{Kind: transfer.KindCancelled, Op: "cancel"}
		st.ResumeToken = nil
		st.ReceivedBytes = 0
		// Still under the lock so a concurrent re-submit cannot start writing
		// the part file before it is removed.
		s.discard(ctx, st)
	} else {
		st.Status = transfer.StatusPaused
		st.Err = &transfer.Error{Kind: transfer.KindCancelled, Op: "pause", Resumable: st.ResumeToken != nil}
	}

	snap := st.Snapshot()
	s.mu.Unlock()

	s.sink.Finished(snap)

	return nil
}

// Get returns a snapshot of the transfer with id.
func (s *Scheduler) Get(id string) (transfer.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return transfer.State{}, ErrNotFound
	}

	return t.state.Snapshot(), nil
}

// List returns snapshots of every known transfer, oldest first.
func (s *Scheduler) List() []transfer.State {
	s.mu.Lock()
	states := make([]transfer.State, 0, len(s.tasks))

	for _, t := range s.tasks {
		states = append(states, t.state.Snapshot())
	}
	s.mu.Unlock()

	sort.Slice(states, func(i, j int) bool {
		if states[i].CreatedAt.Equal(states[j].CreatedAt) {
			return states[i].ID < states[j].ID
		}

		return states[i].CreatedAt.Before(states[j].CreatedAt)
	})

	return states
}

// ActiveIDs returns the ids of queued or running transfers for url.
func (s *Scheduler) ActiveIDs(url string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string

	for id, t := range s.tasks {
		if t.state.URL == url && t.state.IsActive() {
			ids = append(ids, id)
		}
	}

	sort.Strings(ids)

	return ids
}

// Evict forgets a transfer that is not queued or running. Its resume
// record, if any, is left in the store.
func (s *Scheduler) Evict(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}

	if t.state.IsActive() {
		return ErrActive
	}

	delete(s.tasks, id)

	return nil
}

// Restore loads the resume store and registers every record that is not
// already known as a paused transfer. It returns how many were added.
func (s *Scheduler) Restore(ctx context.Context) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	records, err := s.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list resume records: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	restored := 0

	for _, rec := range records {
		st := transfer.NewState(rec.URL, rec.DestinationPath)
		if st.ID != rec.ID {
			logger.Warn("skipping resume record with mismatched id", "task_id", rec.ID, "url", rec.URL)

			continue
		}

		if _, ok := s.tasks[st.ID]; ok {
			continue
		}

		tok := rec.Token()
		st.Status = transfer.StatusPaused
		st.ReceivedBytes = tok.Offset
		st.TotalBytes = tok.TotalBytes
		st.ResumeToken = &tok
		st.UpdatedAt = rec.UpdatedAt

		s.tasks[st.ID] = &task{state: st}
		restored++
	}

	return restored, nil
}

// strandLocked pauses a task that never got to run before shutdown.
func strandLocked(t *task) transfer.State {
	t.state.Status = transfer.StatusPaused
	t.state.Err = &transfer.Error{Kind: transfer.KindCancelled, Op: "shutdown", Resumable: t.state.ResumeToken != nil}
	t.state.UpdatedAt = time.Now()

	return t.state.Snapshot()
}

// dispatchLocked moves queued tasks onto free worker slots.
func (s *Scheduler) dispatchLocked() {
	for !s.closed && s.running < s.opts.MaxConcurrent && len(s.queue) > 0 {
		id := s.queue[0]
		s.queue = s.queue[1:]
		s.telemetry.AddQueued(-1)

		t := s.tasks[id]
		now := time.Now()
		t.state.Status = transfer.StatusRunning
		t.state.StartedAt = now
		t.state.UpdatedAt = now

		s.running++
		s.work <- t
	}
}

func (s *Scheduler) removeQueuedLocked(id string) {
	for i, queued := range s.queue {
		if queued == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.telemetry.AddQueued(-1)

			return
		}
	}
}

// execute runs one fetch on a worker. The resume record is only read and
// written here, never by the fetcher.
func (s *Scheduler) execute(ctx context.Context, t *task) {
	s.mu.Lock()
	id := t.state.ID
	taskCtx, cancel := context.WithCancel(logctx.WithTaskID(ctx, id))
	t.cancel = cancel

	if t.stop != stopNone {
		cancel()
	}

	req := downloader.Request{ID: id, URL: t.state.URL, Destination: t.state.DestinationPath}
	s.mu.Unlock()

	defer cancel()

	// Store calls must outlive a cancelled task context.
	storeCtx := context.WithoutCancel(taskCtx)

	if taskCtx.Err() != nil {
		s.abandon(storeCtx, t)

		return
	}

	req.Resume = s.loadToken(storeCtx, id)

	out, err := s.fetcher.Fetch(taskCtx, req, func(received, total int64) {
		s.progress(t, received, total)
	})

	cancel()

	s.mu.Lock()
	reason := t.stop
	s.mu.Unlock()

	status, tok, ferr := s.resolve(ctx, reason, out, err)
	s.persist(storeCtx, t, status, tok)
	s.finish(storeCtx, t, status, tok, ferr, out)
}

// abandon handles a task stopped after dispatch but before its fetch began.
// The stored resume point is still valid, so a pause leaves it untouched.
func (s *Scheduler) abandon(ctx context.Context, t *task) {
	s.mu.Lock()
	reason := t.stop
	tok := t.state.ResumeToken
	s.mu.Unlock()

	if reason == stopCancel {
		s.finish(ctx, t, transfer.StatusCancelled, nil, &transfer.Error{Kind: transfer.KindCancelled, Op: "cancel"}, nil)

		return
	}

	op := "shutdown"
	if reason == stopPause {
		op = "pause"
	}

	s.finish(ctx, t, transfer.StatusPaused, tok, &transfer.Error{Kind: transfer.KindCancelled, Op: op, Resumable: true}, nil)
}

// finish records the end of an attempt, frees the worker slot and emits the
// final snapshot.
func (s *Scheduler) finish(ctx context.Context, t *task, status transfer.Status, tok *transfer.ResumeToken, ferr error, out *downloader.Outcome) {
	logger := logctx.LoggerFromContext(ctx)

	s.mu.Lock()

	// A cancel that arrived after the fetcher returned still wins over
	// pause or failure.
	if t.stop == stopCancel && status != transfer.StatusSucceeded {
		if status != transfer.StatusCancelled || out == nil {
			s.discard(ctx, t.state)
		}

		status, tok = transfer.StatusCancelled, nil
		ferr = &transfer.Error{Kind: transfer.KindCancelled, Op: "cancel"}
	}

	st := t.state
	st.Status = status
	st.ResumeToken = tok
	st.Err = keptResume(ferr, tok != nil)
	st.UpdatedAt = time.Now()

	if out != nil {
		st.ReceivedBytes = out.ReceivedBytes
		if out.TotalBytes >= 0 {
			st.TotalBytes = out.TotalBytes
		}
	}

	switch {
	case status == transfer.StatusSucceeded && st.TotalBytes < 0:
		st.TotalBytes = st.ReceivedBytes
	case status != transfer.StatusSucceeded && tok == nil:
		st.ReceivedBytes = 0
	case tok != nil:
		st.ReceivedBytes = tok.Offset
	}

	t.cancel = nil
	t.stop = stopNone
	s.running--
	s.dispatchLocked()

	snap := st.Snapshot()
	s.mu.Unlock()

	if status == transfer.StatusFailed {
		logger.Error("transfer failed",
			"url", snap.URL, "kind", transfer.KindOf(ferr), "resumable", transfer.IsResumable(ferr), "err", ferr)
	} else {
		logger.Info("transfer stopped", "url", snap.URL, "status", snap.Status, "received_bytes", snap.ReceivedBytes)
	}

	s.sink.Finished(snap)
}

// keptResume clears the resumable flag of err when no resume data was kept,
// so a failure only claims to be resumable if a re-submit can continue.
func keptResume(err error, kept bool) error {
	var te *transfer.Error
	if kept || !errors.As(err, &te) || !te.Resumable {
		return err
	}

	cleared := *te
	cleared.Resumable = false

	return &cleared
}

// resolve decides the status a finished attempt lands in and the token, if
// any, that should be persisted.
func (s *Scheduler) resolve(ctx context.Context, reason stopReason, out *downloader.Outcome, err error) (transfer.Status, *transfer.ResumeToken, error) {
	var tok *transfer.ResumeToken
	if out != nil {
		tok = out.Resume
	}

	switch {
	case err == nil:
		return transfer.StatusSucceeded, nil, nil
	case reason == stopCancel:
		return transfer.StatusCancelled, nil, &transfer.Error{Kind: transfer.KindCancelled, Op: "cancel"}
	case reason == stopPause:
		return transfer.StatusPaused, tok, &transfer.Error{Kind: transfer.KindCancelled, Op: "pause", Resumable: true}
	case ctx.Err() != nil:
		return transfer.StatusPaused, tok, &transfer.Error{Kind: transfer.KindCancelled, Op: "shutdown", Resumable: true}
	case transfer.IsResumable(err):
		return transfer.StatusFailed, tok, err
	default:
		return transfer.StatusFailed, nil, err
	}
}

// persist writes or clears the resume record for an attempt that just ended.
func (s *Scheduler) persist(ctx context.Context, t *task, status transfer.Status, tok *transfer.ResumeToken) {
	logger := logctx.LoggerFromContext(ctx)
	st := t.state

	switch {
	case status == transfer.StatusSucceeded:
		if err := s.store.Clear(ctx, st.ID); err != nil {
			logger.Error("failed to clear resume record", "err", err)
		}
	case tok != nil:
		if err := s.store.Save(ctx, storage.NewResumeRecord(*st, *tok)); err != nil {
			logger.Error("failed to save resume record", "err", err)
		}
	default:
		s.discard(ctx, st)
	}
}

// discard removes both the resume record and the partial file.
func (s *Scheduler) discard(ctx context.Context, st *transfer.State) {
	logger := logctx.LoggerFromContext(ctx)

	if err := s.store.Clear(ctx, st.ID); err != nil {
		logger.Error("failed to clear resume record", "task_id", st.ID, "err", err)
	}

	if err := s.fetcher.Discard(st.DestinationPath); err != nil {
		logger.Error("failed to discard partial file", "task_id", st.ID, "err", err)
	}
}

func (s *Scheduler) loadToken(ctx context.Context, id string) *transfer.ResumeToken {
	rec, err := s.store.Load(ctx, id)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logctx.LoggerFromContext(ctx).Warn("failed to load resume record, starting over", "err", err)
		}

		return nil
	}

	tok := rec.Token()

	return &tok
}

func (s *Scheduler) progress(t *task, received, total int64) {
	s.mu.Lock()

	if t.state.Status != transfer.StatusRunning {
		s.mu.Unlock()

		return
	}

	t.state.ReceivedBytes = received
	t.state.TotalBytes = total
	t.state.UpdatedAt = time.Now()
	snap := t.state.Snapshot()
	s.mu.Unlock()

	s.sink.Progress(snap)
}

type nopSink struct{}

func (nopSink) Progress(transfer.State) {}
func (nopSink) Finished(transfer.State) {}
