// Package manager is the public face of the download engine. It turns a URL
// and a file name into a scheduled transfer and delivers progress, success
// and failure callbacks off the caller's goroutine.
package manager

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/italolelis/rangeget/internal/scheduler"
	"github.com/italolelis/rangeget/internal/storage"
	"github.com/italolelis/rangeget/internal/telemetry"
	"github.com/italolelis/rangeget/internal/transfer"
)

const defaultFileName = "download"

// Progress is delivered while a transfer is running. Fraction is negative
// when the total size is unknown.
type Progress struct {
	ID       string
	URL      string
	Received int64
	Total    int64
	Fraction float64
}

// Success is delivered once the file is in place at Path.
type Success struct {
	ID    string
	URL   string
	Path  string
	Bytes int64
}

// Failure is delivered when a transfer stops without completing. Resumable
// reports whether resume data now exists, so re-submitting continues the
// download instead of starting over.
type Failure struct {
	ID        string
	URL       string
	Kind      transfer.Kind
	Err       error
	Resumable bool
}

// Callbacks are the handlers registered for one download. Any of them may
// be nil. For a given id they are never called concurrently and the order
// is always progress* followed by exactly one of success or failure.
type Callbacks struct {
	OnProgress func(Progress)
	OnSuccess  func(Success)
	OnFailure  func(Failure)
}

// Executor runs a notification drain. It must not run f on the calling
// goroutine.
type Executor func(f func())

// Option configures a Manager.
type Option func(*Manager)

// WithExecutor sets where callbacks run. The default starts a goroutine.
func WithExecutor(exec Executor) Option {
	return func(m *Manager) {
		m.exec = exec
	}
}

// WithObserver registers callbacks that receive the events of every
// transfer, after the transfer's own callbacks.
func WithObserver(cb Callbacks) Option {
	return func(m *Manager) {
		m.observers = append(m.observers, cb)
	}
}

type subscription struct {
	n  uint64
	cb Callbacks
}

type event struct {
	state transfer.State
	final bool
	subs  []subscription
}

// mailbox serializes delivery for one id.
type mailbox struct {
	pending  []event
	draining bool
}

// Manager wires a scheduler to per-download callbacks.
type Manager struct {
	sched     *scheduler.Scheduler
	dir       string
	exec      Executor
	observers []Callbacks

	mu    sync.Mutex
	next  uint64
	subs  map[string][]subscription
	boxes map[string]*mailbox
}

// New creates a manager that saves files under dir.
func New(fetcher scheduler.Fetcher, store storage.ResumeStore, dir string, tel *telemetry.Telemetry, opts scheduler.Options, options ...Option) *Manager {
	m := &Manager{
		dir:   dir,
		exec:  func(f func()) { go f() },
		subs:  make(map[string][]subscription),
		boxes: make(map[string]*mailbox),
	}

	for _, opt := range options {
		opt(m)
	}

	m.sched = scheduler.New(fetcher, store, m, tel, opts)

	return m
}

// Run executes transfers until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	return m.sched.Run(ctx)
}

// Dir is the directory downloads are written to.
func (m *Manager) Dir() string {
	return m.dir
}

// Download schedules rawURL to be saved as fileName in the manager's
// directory and returns the transfer id. An empty fileName is derived from
// the URL. If the same URL and file are already downloading, the existing
// id is returned and cb is attached to that transfer.
func (m *Manager) Download(ctx context.Context, rawURL, fileName string, cb Callbacks) (string, error) {
	dest := filepath.Join(m.dir, sanitizeName(fileName, rawURL))

	return m.submit(ctx, rawURL, dest, cb)
}

// Resume re-submits a paused or failed transfer with its stored resume
// point. cb replaces no earlier callbacks; it is added for this run.
func (m *Manager) Resume(ctx context.Context, id string, cb Callbacks) error {
	st, err := m.sched.Get(id)
	if err != nil {
		return err
	}

	if st.IsActive() {
		return nil
	}

	_, err = m.submit(ctx, st.URL, st.DestinationPath, cb)

	return err
}

// Cancel cancels every active transfer of rawURL. It is a no-op when none
// is active.
func (m *Manager) Cancel(ctx context.Context, rawURL string) error {
	var errs []error

	for _, id := range m.sched.ActiveIDs(rawURL) {
		if err := m.sched.Cancel(ctx, id); err != nil && !errors.Is(err, scheduler.ErrNotActive) {
			errs = append(errs, fmt.Errorf("failed to cancel %s: %w", id, err))
		}
	}

	return errors.Join(errs...)
}

// CancelID cancels one transfer and discards its resume data.
func (m *Manager) CancelID(ctx context.Context, id string) error {
	return m.sched.Cancel(ctx, id)
}

// Pause stops one transfer and keeps its resume data.
func (m *Manager) Pause(ctx context.Context, id string) error {
	return m.sched.Pause(ctx, id)
}

// Status returns a snapshot of one transfer.
func (m *Manager) Status(id string) (transfer.State, error) {
	return m.sched.Get(id)
}

// List returns snapshots of every known transfer.
func (m *Manager) List() []transfer.State {
	return m.sched.List()
}

// Evict forgets a finished, paused or failed transfer.
func (m *Manager) Evict(id string) error {
	return m.sched.Evict(id)
}

// RestorePaused registers the transfers left in the resume store by a
// previous process as paused, so they can be resumed by id.
func (m *Manager) RestorePaused(ctx context.Context) (int, error) {
	return m.sched.Restore(ctx)
}

// Progress implements scheduler.Sink.
func (m *Manager) Progress(st transfer.State) {
	m.post(st, false)
}

// Finished implements scheduler.Sink.
func (m *Manager) Finished(st transfer.State) {
	m.post(st, true)
}

func (m *Manager) submit(ctx context.Context, rawURL, dest string, cb Callbacks) (string, error) {
	id := transfer.ID(rawURL, dest)

	// Registered before submit so the first events are not missed.
	n := m.subscribe(id, cb)

	got, err := m.sched.Submit(ctx, scheduler.Request{URL: rawURL, Destination: dest})
	if err != nil {
		m.unsubscribe(id, n)

		return "", err
	}

	return got, nil
}

func (m *Manager) subscribe(id string, cb Callbacks) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.next++
	m.subs[id] = append(m.subs[id], subscription{n: m.next, cb: cb})

	return m.next
}

func (m *Manager) unsubscribe(id string, n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs := m.subs[id]
	for i, s := range subs {
		if s.n == n {
			subs = append(subs[:i:i], subs[i+1:]...)

			break
		}
	}

	if len(subs) == 0 {
		delete(m.subs, id)

		return
	}

	m.subs[id] = subs
}

// post queues an event for id. Subscribers are bound at post time and a
// final event detaches them, so nothing is delivered after success or
// failure. Queued progress events collapse into the latest one.
func (m *Manager) post(st transfer.State, final bool) {
	m.mu.Lock()

	subs := append([]subscription(nil), m.subs[st.ID]...)
	if final {
		delete(m.subs, st.ID)
	}

	mb, ok := m.boxes[st.ID]
	if !ok {
		mb = &mailbox{}
		m.boxes[st.ID] = mb
	}

	ev := event{state: st, final: final, subs: subs}

	if last := len(mb.pending) - 1; !final && last >= 0 && !mb.pending[last].final {
		mb.pending[last] = ev
	} else {
		mb.pending = append(mb.pending, ev)
	}

	start := !mb.draining
	mb.draining = true
	m.mu.Unlock()

	if start {
		m.exec(func() { m.drain(st.ID, mb) })
	}
}

func (m *Manager) drain(id string, mb *mailbox) {
	for {
		m.mu.Lock()

		if len(mb.pending) == 0 {
			mb.draining = false
			if m.boxes[id] == mb {
				delete(m.boxes, id)
			}

			m.mu.Unlock()

			return
		}

		ev := mb.pending[0]
		mb.pending = mb.pending[1:]
		m.mu.Unlock()

		m.deliver(ev)
	}
}

func (m *Manager) deliver(ev event) {
	for _, s := range ev.subs {
		dispatch(ev, s.cb)
	}

	for _, cb := range m.observers {
		dispatch(ev, cb)
	}
}

func dispatch(ev event, cb Callbacks) {
	st := ev.state

	switch {
	case !ev.final:
		if cb.OnProgress != nil {
			cb.OnProgress(progressOf(st))
		}
	case st.Status == transfer.StatusSucceeded:
		if cb.OnSuccess != nil {
			cb.OnSuccess(Success{ID: st.ID, URL: st.URL, Path: st.DestinationPath, Bytes: st.ReceivedBytes})
		}
	default:
		if cb.OnFailure != nil {
			cb.OnFailure(failureOf(st))
		}
	}
}

func progressOf(st transfer.State) Progress {
	fraction, ok := st.Fraction()
	if !ok {
		fraction = -1
	}

	return Progress{ID: st.ID, URL: st.URL, Received: st.ReceivedBytes, Total: st.TotalBytes, Fraction: fraction}
}

func failureOf(st transfer.State) Failure {
	err := st.Err
	if err == nil {
		err = &transfer.Error{Kind: transfer.KindUnknown, Op: string(st.Status)}
	}

	return Failure{
		ID:        st.ID,
		URL:       st.URL,
		Kind:      transfer.KindOf(err),
		Err:       err,
		Resumable: transfer.IsResumable(err),
	}
}

// sanitizeName keeps the destination inside the download directory. An
// empty name falls back to the last path segment of rawURL.
func sanitizeName(fileName, rawURL string) string {
	name := fileName
	if name == "" {
		if u, err := url.Parse(rawURL); err == nil {
			name = path.Base(u.Path)
		}
	}

	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))

	switch name {
	case "", ".", "..", "/":
		return defaultFileName
	}

	return name
}
