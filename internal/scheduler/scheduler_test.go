package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/rangeget/internal/downloader"
	"github.com/italolelis/rangeget/internal/storage"
	"github.com/italolelis/rangeget/internal/storage/filestore"
	"github.com/italolelis/rangeget/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

type fetchResult struct {
	out *downloader.Outcome
	err error
}

// fakeFetcher blocks every fetch until the test completes it or the task
// context is cancelled, in which case it reports 10 of 100 bytes received.
type fakeFetcher struct {
	mu        sync.Mutex
	results   map[string]chan fetchResult
	started   []downloader.Request
	active    int
	maxActive int
	discarded []string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{results: make(map[string]chan fetchResult)}
}

func (f *fakeFetcher) resultFor(url string) chan fetchResult {
	f.mu.Lock()
	defer f.mu.Unlock()

	ch, ok := f.results[url]
	if !ok {
		ch = make(chan fetchResult, 1)
		f.results[url] = ch
	}

	return ch
}

func (f *fakeFetcher) Fetch(ctx context.Context, req downloader.Request, onProgress downloader.ProgressFunc) (*downloader.Outcome, error) {
	ch := f.resultFor(req.URL)

	f.mu.Lock()
	f.started = append(f.started, req)
	f.active++
	f.maxActive = max(f.maxActive, f.active)
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if onProgress != nil {
		onProgress(10, 100)
	}

	select {
	case r := <-ch:
		return r.out, r.err
	case <-ctx.Done():
		return &downloader.Outcome{
				ReceivedBytes: 10,
				TotalBytes:    100,
				Resume:        &transfer.ResumeToken{Offset: 10, Validator: `"v1"`, TotalBytes: 100},
			}, &transfer.Error{
				Kind: transfer.KindCancelled,
				Op:   "read_body",
				Err:  ctx.Err(),
			}
	}
}

func (f *fakeFetcher) Discard(destination string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.discarded = append(f.discarded, destination)

	return nil
}

func (f *fakeFetcher) complete(url string, out *downloader.Outcome, err error) {
	f.resultFor(url) <- fetchResult{out: out, err: err}
}

func (f *fakeFetcher) succeed(url string) {
	f.complete(url, &downloader.Outcome{ReceivedBytes: 100, TotalBytes: 100}, nil)
}

func (f *fakeFetcher) Started() []downloader.Request {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]downloader.Request(nil), f.started...)
}

func (f *fakeFetcher) MaxActive() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.maxActive
}

func (f *fakeFetcher) Discarded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.discarded...)
}

type recorder struct {
	mu       sync.Mutex
	progress []transfer.State
	finished []transfer.State
}

func (r *recorder) Progress(st transfer.State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.progress = append(r.progress, st)
}

func (r *recorder) Finished(st transfer.State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.finished = append(r.finished, st)
}

func (r *recorder) finishedFor(id string) []transfer.State {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []transfer.State

	for _, st := range r.finished {
		if st.ID == id {
			out = append(out, st)
		}
	}

	return out
}

func (r *recorder) waitFinished(t *testing.T, id string, n int) transfer.State {
	t.Helper()

	require.Eventually(t, func() bool { return len(r.finishedFor(id)) >= n }, waitFor, 5*time.Millisecond)

	return r.finishedFor(id)[n-1]
}

type fixture struct {
	sched   *Scheduler
	fetcher *fakeFetcher
	store   storage.ResumeStore
	events  *recorder
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()

	store, err := filestore.New(t.TempDir())
	require.NoError(t, err)

	f := &fixture{fetcher: newFakeFetcher(), store: store, events: &recorder{}}
	f.sched = New(f.fetcher, store, f.events, nil, opts)

	return f
}

// start runs the scheduler until the test ends and returns a func that
// stops it and waits for Run to return.
func (f *fixture) start(t *testing.T) func() {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- f.sched.Run(ctx) }()

	var once sync.Once

	stop := func() {
		once.Do(func() {
			cancel()
			require.NoError(t, <-done)
		})
	}

	t.Cleanup(stop)

	return stop
}

func (f *fixture) waitStarted(t *testing.T, n int) {
	t.Helper()

	require.Eventually(t, func() bool { return len(f.fetcher.Started()) >= n }, waitFor, 5*time.Millisecond)
}

func countByStatus(states []transfer.State) map[transfer.Status]int {
	counts := make(map[transfer.Status]int)
	for _, st := range states {
		counts[st.Status]++
	}

	return counts
}

func urlN(i int) string {
	return fmt.Sprintf("https://example.com/file-%d.bin", i)
}

func TestScheduler_BurstRespectsMaxConcurrent(t *testing.T) {
	f := newFixture(t, Options{MaxConcurrent: 2})
	f.start(t)

	ctx := context.Background()
	ids := make([]string, 5)

	for i := range ids {
		id, err := f.sched.Submit(ctx, Request{URL: urlN(i), Destination: fmt.Sprintf("/tmp/file-%d.bin", i)})
		require.NoError(t, err)

		ids[i] = id
	}

	counts := countByStatus(f.sched.List())
	assert.Equal(t, 2, counts[transfer.StatusRunning])
	assert.Equal(t, 3, counts[transfer.StatusQueued])

	f.waitStarted(t, 2)
	f.fetcher.succeed(urlN(0))

	done := f.events.waitFinished(t, ids[0], 1)
	assert.Equal(t, transfer.StatusSucceeded, done.Status)
	assert.Nil(t, done.ResumeToken)

	f.waitStarted(t, 3)

	counts = countByStatus(f.sched.List())
	assert.Equal(t, 2, counts[transfer.StatusRunning])
	assert.Equal(t, 2, counts[transfer.StatusQueued])
	assert.Equal(t, 1, counts[transfer.StatusSucceeded])

	// FIFO: the third submission is the one promoted.
	assert.Equal(t, urlN(2), f.fetcher.Started()[2].URL)

	for i := 1; i < 5; i++ {
		f.fetcher.succeed(urlN(i))
	}

	for _, id := range ids {
		f.events.waitFinished(t, id, 1)
	}

	assert.LessOrEqual(t, f.fetcher.MaxActive(), 2)
}

func TestScheduler_SubmitIsIdempotentWhileActive(t *testing.T) {
	f := newFixture(t, Options{MaxConcurrent: 1})
	f.start(t)

	ctx := context.Background()
	req := Request{URL: urlN(1), Destination: "/tmp/a.bin"}

	first, err := f.sched.Submit(ctx, req)
	require.NoError(t, err)

	second, err := f.sched.Submit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	f.waitStarted(t, 1)

	third, err := f.sched.Submit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first, third)

	f.fetcher.succeed(req.URL)
	f.events.waitFinished(t, first, 1)

	assert.Len(t, f.fetcher.Started(), 1)
	assert.Len(t, f.sched.List(), 1)
}

func TestScheduler_QueueFull(t *testing.T) {
	f := newFixture(t, Options{MaxConcurrent: 1, QueueLimit: 2})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.sched.Submit(ctx, Request{URL: urlN(i), Destination: fmt.Sprintf("/tmp/%d", i)})
		require.NoError(t, err)
	}

	_, err := f.sched.Submit(ctx, Request{URL: urlN(3), Destination: "/tmp/3"})
	require.Error(t, err)
	assert.ErrorIs(t, err, transfer.ErrQueueFull)
	assert.Equal(t, transfer.KindQueueFull, transfer.KindOf(err))
	assert.Len(t, f.sched.List(), 3, "a rejected submit must not create a task")
}

func TestScheduler_PausePreservesAndCancelClearsResumeData(t *testing.T) {
	f := newFixture(t, Options{MaxConcurrent: 1})
	f.start(t)

	ctx := context.Background()
	req := Request{URL: urlN(1), Destination: "/tmp/a.bin"}

	id, err := f.sched.Submit(ctx, req)
	require.NoError(t, err)
	f.waitStarted(t, 1)

	require.NoError(t, f.sched.Pause(ctx, id))

	paused := f.events.waitFinished(t, id, 1)
	assert.Equal(t, transfer.StatusPaused, paused.Status)
	require.NotNil(t, paused.ResumeToken)
	assert.Equal(t, int64(10), paused.ReceivedBytes)
	assert.True(t, transfer.IsResumable(paused.Err))

	rec, err := f.store.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(10), rec.ReceivedBytes)
	assert.Equal(t, `"v1"`, rec.Validator)

	// Resuming hands the stored token to the fetcher.
	_, err = f.sched.Submit(ctx, req)
	require.NoError(t, err)
	f.waitStarted(t, 2)

	resumed := f.fetcher.Started()[1]
	require.NotNil(t, resumed.Resume)
	assert.Equal(t, int64(10), resumed.Resume.Offset)

	require.NoError(t, f.sched.Cancel(ctx, id))

	cancelled := f.events.waitFinished(t, id, 2)
	assert.Equal(t, transfer.StatusCancelled, cancelled.Status)
	assert.Nil(t, cancelled.ResumeToken)
	assert.False(t, transfer.IsResumable(cancelled.Err))

	_, err = f.store.Load(ctx, id)
	require.ErrorIs(t, err, storage.ErrNotFound)
	assert.Contains(t, f.fetcher.Discarded(), req.Destination)

	// After cancel a re-submit starts from scratch.
	_, err = f.sched.Submit(ctx, req)
	require.NoError(t, err)
	f.waitStarted(t, 3)
	assert.Nil(t, f.fetcher.Started()[2].Resume)
}

func TestScheduler_StopQueuedTask(t *testing.T) {
	f := newFixture(t, Options{MaxConcurrent: 1})
	ctx := context.Background()

	_, err := f.sched.Submit(ctx, Request{URL: urlN(0), Destination: "/tmp/0"})
	require.NoError(t, err)

	paused, err := f.sched.Submit(ctx, Request{URL: urlN(1), Destination: "/tmp/1"})
	require.NoError(t, err)

	cancelled, err := f.sched.Submit(ctx, Request{URL: urlN(2), Destination: "/tmp/2"})
	require.NoError(t, err)

	require.NoError(t, f.sched.Pause(ctx, paused))
	require.NoError(t, f.sched.Cancel(ctx, cancelled))

	st, err := f.sched.Get(paused)
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusPaused, st.Status)

	st, err = f.sched.Get(cancelled)
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusCancelled, st.Status)

	assert.Len(t, f.events.finishedFor(paused), 1)
	assert.Len(t, f.events.finishedFor(cancelled), 1)

	assert.ErrorIs(t, f.sched.Pause(ctx, paused), ErrNotActive)
	assert.ErrorIs(t, f.sched.Cancel(ctx, "missing"), ErrNotFound)

	// Neither stopped task is dispatched once the slot frees.
	f.start(t)
	f.waitStarted(t, 1)
	f.fetcher.succeed(urlN(0))
	f.events.waitFinished(t, transfer.ID(urlN(0), "/tmp/0"), 1)

	assert.Len(t, f.fetcher.Started(), 1)
}

func TestScheduler_FailurePersistsOnlyResumableTokens(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		resume     *transfer.ResumeToken
		wantRecord bool
	}{
		{
			name:       "connection dropped",
			err:        &transfer.Error{Kind: transfer.KindTransport, Op: "read_body", Resumable: true, Err: errors.New("unexpected EOF")},
			resume:     &transfer.ResumeToken{Offset: 40, Validator: `"v1"`, TotalBytes: 100},
			wantRecord: true,
		},
		{
			name: "connection dropped without validator",
			err:  &transfer.Error{Kind: transfer.KindTransport, Op: "read_body", Resumable: true, Err: errors.New("unexpected EOF")},
		},
		{
			name: "not found",
			err:  &transfer.Error{Kind: transfer.KindHTTPStatus, Op: "request", StatusCode: 404},
		},
		{
			name: "invalid url",
			err:  &transfer.Error{Kind: transfer.KindTransport, Op: "parse_url"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{})
			f.start(t)

			ctx := context.Background()
			req := Request{URL: urlN(1), Destination: "/tmp/a.bin"}

			id, err := f.sched.Submit(ctx, req)
			require.NoError(t, err)
			f.waitStarted(t, 1)

			f.fetcher.complete(req.URL, &downloader.Outcome{ReceivedBytes: 40, TotalBytes: 100, Resume: tt.resume}, tt.err)

			st := f.events.waitFinished(t, id, 1)
			assert.Equal(t, transfer.StatusFailed, st.Status)
			assert.Equal(t, transfer.KindOf(tt.err), transfer.KindOf(st.Err))
			assert.Equal(t, tt.wantRecord, transfer.IsResumable(st.Err))

			_, err = f.store.Load(ctx, id)
			if tt.wantRecord {
				require.NoError(t, err)
				require.NotNil(t, st.ResumeToken)
				assert.Equal(t, int64(40), st.ReceivedBytes)
			} else {
				require.ErrorIs(t, err, storage.ErrNotFound)
				assert.Nil(t, st.ResumeToken)
			}
		})
	}
}

func TestScheduler_ShutdownPausesRunningTasks(t *testing.T) {
	f := newFixture(t, Options{MaxConcurrent: 1})
	stop := f.start(t)

	ctx := context.Background()

	running, err := f.sched.Submit(ctx, Request{URL: urlN(0), Destination: "/tmp/0"})
	require.NoError(t, err)

	queued, err := f.sched.Submit(ctx, Request{URL: urlN(1), Destination: "/tmp/1"})
	require.NoError(t, err)

	f.waitStarted(t, 1)
	stop()

	st, err := f.sched.Get(running)
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusPaused, st.Status)

	_, err = f.store.Load(ctx, running)
	require.NoError(t, err, "shutdown must persist resume data")

	st, err = f.sched.Get(queued)
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusPaused, st.Status)
	f.events.waitFinished(t, queued, 1)

	_, err = f.sched.Submit(ctx, Request{URL: urlN(2), Destination: "/tmp/2"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestScheduler_ShutdownFinishesUndispatchedTasks(t *testing.T) {
	f := newFixture(t, Options{MaxConcurrent: 1, QueueLimit: 8})
	stop := f.start(t)

	ctx := context.Background()

	var ids []string

	for i := 0; i < 4; i++ {
		id, err := f.sched.Submit(ctx, Request{URL: urlN(i), Destination: fmt.Sprintf("/tmp/%d", i)})
		require.NoError(t, err)

		ids = append(ids, id)
	}

	f.waitStarted(t, 1)
	stop()

	for _, id := range ids {
		st, err := f.sched.Get(id)
		require.NoError(t, err)
		assert.Equal(t, transfer.StatusPaused, st.Status, id)
		f.events.waitFinished(t, id, 1)
	}

	assert.Len(t, f.fetcher.Started(), 1)
}

func TestScheduler_ProgressOnlyWhileRunning(t *testing.T) {
	f := newFixture(t, Options{})
	f.start(t)

	ctx := context.Background()

	id, err := f.sched.Submit(ctx, Request{URL: urlN(0), Destination: "/tmp/0"})
	require.NoError(t, err)
	f.waitStarted(t, 1)
	f.fetcher.succeed(urlN(0))
	f.events.waitFinished(t, id, 1)

	f.events.mu.Lock()
	defer f.events.mu.Unlock()

	require.NotEmpty(t, f.events.progress)

	for _, st := range f.events.progress {
		assert.Equal(t, transfer.StatusRunning, st.Status)
		assert.Equal(t, int64(10), st.ReceivedBytes)
		assert.Equal(t, int64(100), st.TotalBytes)
	}
}

func TestScheduler_RestoreActiveIDsAndEvict(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	st := transfer.NewState(urlN(7), "/tmp/7")
	require.NoError(t, f.store.Save(ctx, storage.NewResumeRecord(*st, transfer.ResumeToken{Offset: 64, Validator: `"v1"`, TotalBytes: 128})))

	n, err := f.sched.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	restored, err := f.sched.Get(st.ID)
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusPaused, restored.Status)
	assert.Equal(t, int64(64), restored.ReceivedBytes)
	assert.Equal(t, int64(128), restored.TotalBytes)

	n, err = f.sched.Restore(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "known tasks are not restored twice")

	assert.Empty(t, f.sched.ActiveIDs(urlN(7)))

	active, err := f.sched.Submit(ctx, Request{URL: urlN(7), Destination: "/tmp/other"})
	require.NoError(t, err)
	assert.Equal(t, []string{active}, f.sched.ActiveIDs(urlN(7)))

	assert.ErrorIs(t, f.sched.Evict(active), ErrActive)
	require.NoError(t, f.sched.Evict(st.ID))
	assert.ErrorIs(t, f.sched.Evict(st.ID), ErrNotFound)

	_, err = f.sched.Get(st.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
