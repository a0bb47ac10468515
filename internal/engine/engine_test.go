package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lunari-eduardo/lunari-plataforma-f864b1a6-sub004/internal/broadcast"
	model "github.com/lunari-eduardo/lunari-plataforma-f864b1a6-sub004/internal/models"
	"github.com/lunari-eduardo/lunari-plataforma-f864b1a6-sub004/internal/persist"
)

var (
	april = model.MustPeriod("2024-04")
	may   = model.MustPeriod("2024-05")
	june  = model.MustPeriod("2024-06")
	july  = model.MustPeriod("2024-07")
)

// fakeRemote serves sessions from a map, partitioned by date.
type fakeRemote struct {
	mu       sync.Mutex
	rows     map[string]model.Session
	fetches  map[model.Period]int
	failOn   map[model.Period]error
	block    chan struct{} // when set, FetchPeriod waits on it
	inflight atomic.Int32
	peak     atomic.Int32
}

func newFakeRemote(rows ...model.Session) *fakeRemote {
	r := &fakeRemote{
		rows:    make(map[string]model.Session),
		fetches: make(map[model.Period]int),
		failOn:  make(map[model.Period]error),
	}
	for _, s := range rows {
		r.rows[s.ID] = s
	}
	return r
}

func (r *fakeRemote) FetchPeriod(ctx context.Context, p model.Period) ([]model.Session, error) {
	n := r.inflight.Add(1)
	defer r.inflight.Add(-1)
	for {
		peak := r.peak.Load()
		if n <= peak || r.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	r.mu.Lock()
	r.fetches[p]++
	block := r.block
	err := r.failOn[p]
	var out []model.Session
	for _, s := range r.rows {
		if s.Period() == p {
			out = append(out, s.Clone())
		}
	}
	r.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *fakeRemote) GetSession(_ context.Context, id string) (model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rows[id]
	if !ok {
		return model.Session{}, errors.New("not found")
	}
	return s.Clone(), nil
}

func (r *fakeRemote) Mutate(_ context.Context, id string, patch model.Patch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rows[id]
	if !ok {
		return errors.New("not found")
	}
	r.rows[id] = patch.Apply(s)
	return nil
}

func (r *fakeRemote) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rows, id)
	return nil
}

func (r *fakeRemote) fetchCount(p model.Period) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fetches[p]
}

func (r *fakeRemote) setBlock(ch chan struct{}) {
	r.mu.Lock()
	r.block = ch
	r.mu.Unlock()
}

// fakeFeed records subscriptions and lets tests push events.
type fakeFeed struct {
	mu       sync.Mutex
	sessions map[model.Period][]func(model.SessionEvent)
	payments map[model.Period][]func(model.PaymentEvent)
	opened   int
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		sessions: make(map[model.Period][]func(model.SessionEvent)),
		payments: make(map[model.Period][]func(model.PaymentEvent)),
	}
}

func (f *fakeFeed) SubscribeSessions(p model.Period, fn func(model.SessionEvent)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened++
	f.sessions[p] = append(f.sessions[p], fn)
	return func() {
		f.mu.Lock()
		delete(f.sessions, p)
		f.mu.Unlock()
	}, nil
}

func (f *fakeFeed) SubscribePayments(p model.Period, fn func(model.PaymentEvent)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened++
	f.payments[p] = append(f.payments[p], fn)
	return func() {
		f.mu.Lock()
		delete(f.payments, p)
		f.mu.Unlock()
	}, nil
}

func (f *fakeFeed) pushSession(p model.Period, ev model.SessionEvent) {
	f.mu.Lock()
	fns := append([]func(model.SessionEvent){}, f.sessions[p]...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (f *fakeFeed) pushPayment(p model.Period, ev model.PaymentEvent) {
	f.mu.Lock()
	fns := append([]func(model.PaymentEvent){}, f.payments[p]...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (f *fakeFeed) subscribed(p model.Period) (sessions, payments int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions[p]), len(f.payments[p])
}

type diagnostics struct {
	mu   sync.Mutex
	errs []error
}

func (d *diagnostics) add(err error) {
	d.mu.Lock()
	d.errs = append(d.errs, err)
	d.mu.Unlock()
}

func (d *diagnostics) list() []error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]error(nil), d.errs...)
}

type rig struct {
	e      *Engine
	remote *fakeRemote
	feed   *fakeFeed
	store  *persist.Memory
	diag   *diagnostics
}

func session(id, date string) model.Session {
	return model.Session{ID: id, Date: date, Time: "10:00", Status: "scheduled", Amount: 1000}
}

func newRig(t *testing.T, opts Options, rows ...model.Session) *rig {
	t.Helper()
	r := &rig{
		remote: newFakeRemote(rows...),
		feed:   newFakeFeed(),
		store:  persist.NewMemory(),
		diag:   &diagnostics{},
	}
	opts.Remote = r.remote
	opts.Feed = r.feed
	if opts.Persist == nil {
		opts.Persist = r.store
	}
	opts.OnDiagnostic = r.diag.add
	e, err := New(opts)
	require.NoError(t, err)
	r.e = e
	require.NoError(t, e.Bind(context.Background(), "u1"))
	t.Cleanup(e.Teardown)
	return r
}

func ids(rs []model.Session) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.ID)
	}
	return out
}

func TestNew_RequiresRemoteAndPersister(t *testing.T) {
	_, err := New(Options{Persist: persist.NewMemory()})
	assert.Error(t, err)
	_, err = New(Options{Remote: newFakeRemote()})
	assert.Error(t, err)
}

func TestUnbound(t *testing.T) {
	e, err := New(Options{Remote: newFakeRemote(), Persist: persist.NewMemory()})
	require.NoError(t, err)

	_, err = e.EnsureLoaded(context.Background(), june)
	assert.ErrorIs(t, err, ErrNotBound)
	assert.ErrorIs(t, e.Preload(context.Background(), june), ErrNotBound)
	assert.ErrorIs(t, e.Invalidate(context.Background(), june), ErrNotBound)
	_, ok := e.GetSync(june)
	assert.False(t, ok)
}

func TestEnsureLoaded_FetchesOnceThenServesFromCache(t *testing.T) {
	r := newRig(t, Options{},
		session("a", "2024-06-03"), session("c", "2024-06-21"), session("b", "2024-07-01"))
	ctx := context.Background()

	_, ok := r.e.GetSync(june)
	assert.False(t, ok)

	before := time.Now()
	got, err := r.e.EnsureLoaded(ctx, june)
	after := time.Now()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "c"}, ids(got))

	entry, ok := r.e.Entry(june)
	require.True(t, ok)
	assert.False(t, entry.LastUpdate.Before(before))
	assert.False(t, entry.LastUpdate.After(after))

	got, err = r.e.EnsureLoaded(ctx, june)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, 1, r.remote.fetchCount(june))

	cached, ok := r.e.GetSync(june)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"a", "c"}, ids(cached))

	s, p := r.feed.subscribed(june)
	assert.Equal(t, 1, s)
	assert.Equal(t, 1, p)

	snap, err := r.store.Load(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, june, snap.Entries[0].Period)
	assert.Equal(t, entry.Version, snap.Entries[0].Entry.Version)
	assert.ElementsMatch(t, []string{"a", "c"}, ids(snap.Entries[0].Entry.Records))
}

func TestGetSync_StaleEntryReadsAsMissing(t *testing.T) {
	r := newRig(t, Options{TTL: time.Millisecond}, session("a", "2024-06-03"))
	ctx := context.Background()

	_, err := r.e.EnsureLoaded(ctx, june)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	_, ok := r.e.GetSync(june)
	assert.False(t, ok)

	_, err = r.e.EnsureLoaded(ctx, june)
	require.NoError(t, err)
	assert.Equal(t, 2, r.remote.fetchCount(june))
}

func TestEnsureLoaded_FailureLeavesCacheUnchanged(t *testing.T) {
	r := newRig(t, Options{}, session("a", "2024-06-03"))
	boom := errors.New("network down")
	r.remote.failOn[june] = boom

	_, err := r.e.EnsureLoaded(context.Background(), june)
	require.Error(t, err)
	assert.True(t, IsRemoteFetchError(err))
	assert.ErrorIs(t, err, boom)
	_, ok := r.e.GetSync(june)
	assert.False(t, ok)
	assert.Zero(t, r.e.Stats().PeriodsCached)
}

func TestPreload_LoadsWindowOnce(t *testing.T) {
	r := newRig(t, Options{},
		session("a", "2024-04-10"), session("b", "2024-05-10"),
		session("c", "2024-06-10"), session("d", "2024-07-10"))
	ctx := context.Background()

	require.NoError(t, r.e.Preload(ctx, june))
	for _, p := range Window(june) {
		_, ok := r.e.GetSync(p)
		assert.True(t, ok, p.String())
		assert.Equal(t, 1, r.remote.fetchCount(p), p.String())
	}
	assert.Equal(t, []model.Period{april, may, june, july}, r.e.Subscriptions())

	// Second call within TTL performs no remote calls.
	require.NoError(t, r.e.Preload(ctx, june))
	for _, p := range Window(june) {
		assert.Equal(t, 1, r.remote.fetchCount(p), p.String())
	}
}

func TestPreload_LimitsConcurrencyToThree(t *testing.T) {
	r := newRig(t, Options{})
	block := make(chan struct{})
	r.remote.setBlock(block)

	done := make(chan error, 1)
	go func() { done <- r.e.Preload(context.Background(), june) }()

	require.Eventually(t, func() bool { return r.remote.inflight.Load() == 3 }, time.Second, time.Millisecond)
	close(block)
	require.NoError(t, <-done)
	assert.Equal(t, int32(3), r.remote.peak.Load())
}

func TestPreload_CoalescesSameAnchor(t *testing.T) {
	r := newRig(t, Options{})
	block := make(chan struct{})
	r.remote.setBlock(block)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.e.Preload(context.Background(), june))
		}()
	}
	require.Eventually(t, func() bool { return r.remote.inflight.Load() == 3 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	close(block)
	wg.Wait()

	for _, p := range Window(june) {
		assert.Equal(t, 1, r.remote.fetchCount(p), p.String())
	}
}

func TestPreload_NotSharedAcrossBindings(t *testing.T) {
	r := newRig(t, Options{}, session("c", "2024-06-10"))
	block := make(chan struct{})
	r.remote.setBlock(block)

	first := make(chan error, 1)
	go func() { first <- r.e.Preload(context.Background(), june) }()
	require.Eventually(t, func() bool { return r.remote.inflight.Load() == 3 }, time.Second, time.Millisecond)

	require.NoError(t, r.e.Bind(context.Background(), "u2"))
	second := make(chan error, 1)
	go func() { second <- r.e.Preload(context.Background(), june) }()
	require.Eventually(t, func() bool { return r.remote.inflight.Load() == 6 }, time.Second, time.Millisecond)
	close(block)

	require.NoError(t, <-second)
	assert.ErrorIs(t, <-first, ErrNotBound)

	got, ok := r.e.GetSync(june)
	require.True(t, ok)
	assert.Equal(t, []string{"c"}, ids(got))
	assert.Equal(t, 2, r.remote.fetchCount(june))
	assert.Equal(t, 1, r.remote.fetchCount(july))
	assert.Equal(t, 4, r.e.Stats().PeriodsCached)
	assert.Equal(t, "u2", r.e.UserID())
}

func TestPreload_PartialFailure(t *testing.T) {
	r := newRig(t, Options{}, session("c", "2024-06-10"))
	r.remote.failOn[may] = errors.New("timeout")

	err := r.e.Preload(context.Background(), june)
	require.Error(t, err)
	assert.True(t, IsRemoteFetchError(err))

	_, ok := r.e.GetSync(may)
	assert.False(t, ok)
	_, ok = r.e.GetSync(june)
	assert.True(t, ok)
	assert.Equal(t, 3, r.e.Stats().PeriodsCached)
}

func TestInvalidate_DiscardsInflightFetch(t *testing.T) {
	r := newRig(t, Options{}, session("a", "2024-06-03"))
	block := make(chan struct{})
	r.remote.setBlock(block)

	done := make(chan error, 1)
	go func() {
		_, err := r.e.EnsureLoaded(context.Background(), june)
		done <- err
	}()
	require.Eventually(t, func() bool { return r.remote.inflight.Load() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, r.e.Invalidate(context.Background(), june))
	close(block)
	require.NoError(t, <-done)

	_, ok := r.e.GetSync(june)
	assert.False(t, ok, "invalidated period must not be resurrected by an older fetch")
}

func TestMutate_DateChangeMovesRecord(t *testing.T) {
	r := newRig(t, Options{}, session("a", "2024-06-30"), session("b", "2024-07-02"))
	ctx := context.Background()
	_, err := r.e.EnsureLoaded(ctx, june)
	require.NoError(t, err)
	_, err = r.e.EnsureLoaded(ctx, july)
	require.NoError(t, err)

	date := "2024-07-01"
	require.NoError(t, r.e.Mutate(ctx, "a", model.Patch{Date: &date}))

	jun, ok := r.e.GetSync(june)
	require.True(t, ok)
	assert.Empty(t, jun)
	jul, ok := r.e.GetSync(july)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"a", "b"}, ids(jul))
}

func TestMutate_DateChangeToUnloadedPeriodDoesNotCreateEntry(t *testing.T) {
	r := newRig(t, Options{}, session("a", "2024-06-30"))
	ctx := context.Background()
	_, err := r.e.EnsureLoaded(ctx, june)
	require.NoError(t, err)

	date := "2024-07-01"
	require.NoError(t, r.e.Mutate(ctx, "a", model.Patch{Date: &date}))

	_, ok := r.e.GetSync(july)
	assert.False(t, ok)
	assert.Equal(t, 1, r.e.Stats().PeriodsCached)
}

func TestMutate_InPlace(t *testing.T) {
	r := newRig(t, Options{}, session("a", "2024-06-10"))
	ctx := context.Background()
	before, err := r.e.EnsureLoaded(ctx, june)
	require.NoError(t, err)
	entry, _ := r.e.Entry(june)

	status := "done"
	require.NoError(t, r.e.Mutate(ctx, "a", model.Patch{Status: &status}))

	got, ok := r.e.GetSync(june)
	require.True(t, ok)
	assert.Equal(t, "done", got[0].Status)
	assert.Equal(t, "scheduled", before[0].Status, "earlier reads are copies")
	after, _ := r.e.Entry(june)
	assert.Equal(t, entry.Version, after.Version)
}

func TestMutate_RemoteFailureLeavesCache(t *testing.T) {
	r := newRig(t, Options{}, session("a", "2024-06-10"))
	ctx := context.Background()
	_, err := r.e.EnsureLoaded(ctx, june)
	require.NoError(t, err)

	status := "done"
	err = r.e.Mutate(ctx, "missing", model.Patch{Status: &status})
	require.Error(t, err)
	assert.True(t, IsRemoteFetchError(err))
}

func TestDelete_UsesHintThenSearches(t *testing.T) {
	r := newRig(t, Options{}, session("a", "2024-06-10"), session("b", "2024-07-10"))
	ctx := context.Background()
	require.NoError(t, r.e.Preload(ctx, june))

	require.NoError(t, r.e.Delete(ctx, "a", june))
	got, _ := r.e.GetSync(june)
	assert.Empty(t, got)

	// wrong hint
	require.NoError(t, r.e.Delete(ctx, "b", may))
	got, _ = r.e.GetSync(july)
	assert.Empty(t, got)
}

func TestSessionEvents(t *testing.T) {
	r := newRig(t, Options{}, session("a", "2024-06-10"), session("x", "2024-07-10"))
	ctx := context.Background()
	_, err := r.e.EnsureLoaded(ctx, june)
	require.NoError(t, err)
	_, err = r.e.EnsureLoaded(ctx, july)
	require.NoError(t, err)

	n := session("n", "2024-06-11")
	r.feed.pushSession(june, model.SessionEvent{Type: model.EventInsert, New: &n})
	got, _ := r.e.GetSync(june)
	assert.Equal(t, []string{"n", "a"}, ids(got))

	// Insert of a known id replaces it.
	n.Status = "moved"
	r.feed.pushSession(june, model.SessionEvent{Type: model.EventInsert, New: &n})
	got, _ = r.e.GetSync(june)
	assert.Equal(t, []string{"n", "a"}, ids(got))
	assert.Equal(t, "moved", got[0].Status)

	a := session("a", "2024-06-10")
	a.Notes = "updated"
	r.feed.pushSession(june, model.SessionEvent{Type: model.EventUpdate, New: &a})
	got, _ = r.e.GetSync(june)
	assert.Equal(t, "updated", got[1].Notes)

	r.feed.pushSession(june, model.SessionEvent{Type: model.EventDelete, Old: &n})
	got, _ = r.e.GetSync(june)
	assert.Equal(t, []string{"a"}, ids(got))

	other, _ := r.e.GetSync(july)
	assert.Equal(t, []string{"x"}, ids(other))

	snap, err := r.store.Load(ctx, "u1")
	require.NoError(t, err)
	for _, se := range snap.Entries {
		if se.Period == june {
			assert.Equal(t, []string{"a"}, ids(se.Entry.Records))
		}
	}
}

func TestSessionEvent_InsertIntoAbsentEntryIgnored(t *testing.T) {
	r := newRig(t, Options{}, session("a", "2024-06-10"))
	ctx := context.Background()
	_, err := r.e.EnsureLoaded(ctx, june)
	require.NoError(t, err)
	require.NoError(t, r.e.Invalidate(ctx, june))

	n := session("n", "2024-06-11")
	r.feed.pushSession(june, model.SessionEvent{Type: model.EventInsert, New: &n})

	_, ok := r.e.Entry(june)
	assert.False(t, ok)
	assert.Zero(t, r.e.Stats().PeriodsCached)
}

func TestSessionEvent_UpdateOutOfPeriodRemoves(t *testing.T) {
	r := newRig(t, Options{}, session("a", "2024-06-10"))
	_, err := r.e.EnsureLoaded(context.Background(), june)
	require.NoError(t, err)

	moved := session("a", "2024-08-01")
	r.feed.pushSession(june, model.SessionEvent{Type: model.EventUpdate, New: &moved})
	got, ok := r.e.GetSync(june)
	require.True(t, ok)
	assert.Empty(t, got)
}

func TestPaymentEvent_InvalidatesOwningPeriod(t *testing.T) {
	r := newRig(t, Options{}, session("a", "2024-06-10"))
	_, err := r.e.EnsureLoaded(context.Background(), june)
	require.NoError(t, err)

	r.feed.pushPayment(june, model.PaymentEvent{
		Type: model.EventInsert, SessionID: "a",
		Payment: model.Payment{ID: "p1", SessionID: "a", TransactionDate: "2024-06-12"},
	})
	_, ok := r.e.GetSync(june)
	assert.False(t, ok)
	assert.Empty(t, r.diag.list())
}

func TestPaymentEvent_ResolvesViaRemote(t *testing.T) {
	// The payment is dated in June but belongs to a May session the cache
	// has not seen yet: the May period is the one invalidated.
	r := newRig(t, Options{}, session("a", "2024-05-30"), session("b", "2024-06-01"))
	ctx := context.Background()
	require.NoError(t, r.e.Preload(ctx, june))

	r.remote.mu.Lock()
	r.remote.rows["z"] = session("z", "2024-05-02")
	r.remote.mu.Unlock()
	r.feed.pushPayment(june, model.PaymentEvent{
		Type: model.EventInsert, SessionID: "z",
		Payment: model.Payment{ID: "p1", SessionID: "z", TransactionDate: "2024-06-05"},
	})

	_, ok := r.e.GetSync(may)
	assert.False(t, ok)
	_, ok = r.e.GetSync(june)
	assert.True(t, ok)
	assert.Empty(t, r.diag.list())
}

func TestPaymentEvent_DesyncRefetchesSubscriptionPeriod(t *testing.T) {
	r := newRig(t, Options{}, session("a", "2024-06-10"))
	_, err := r.e.EnsureLoaded(context.Background(), june)
	require.NoError(t, err)

	r.feed.pushPayment(june, model.PaymentEvent{Type: model.EventInsert, SessionID: "ghost"})

	errs := r.diag.list()
	require.Len(t, errs, 1)
	assert.True(t, IsDesyncError(errs[0]))
	var de *ChangeFeedDesyncError
	require.ErrorAs(t, errs[0], &de)
	assert.Equal(t, june, de.Guess)

	_, ok := r.e.GetSync(june)
	assert.True(t, ok)
	assert.Equal(t, 2, r.remote.fetchCount(june))
}

func TestPersistenceError_IsDiagnosticOnly(t *testing.T) {
	mem := persist.NewMemory()
	mem.FailSave = errors.New("disk full")
	r := newRig(t, Options{Persist: mem}, session("a", "2024-06-10"))

	got, err := r.e.EnsureLoaded(context.Background(), june)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(got))

	errs := r.diag.list()
	require.NotEmpty(t, errs)
	assert.True(t, IsPersistenceError(errs[0]))
	_, ok := r.e.GetSync(june)
	assert.True(t, ok)
}

func TestBind_RestoresSnapshotAndPrunesStale(t *testing.T) {
	mem := persist.NewMemory()
	now := time.Now()
	snap := model.Snapshot{
		UserID: "u1",
		Entries: []model.SnapshotEntry{
			{Period: june, Entry: model.Entry{Records: []model.Session{session("a", "2024-06-10")}, LastUpdate: now, Version: "v1"}},
			{Period: may, Entry: model.Entry{Records: []model.Session{}, LastUpdate: now.Add(-48 * time.Hour), Version: "v0"}},
		},
		Timestamp: now,
	}
	require.NoError(t, mem.Save(context.Background(), "u1", snap))

	r := newRig(t, Options{Persist: mem})
	got, ok := r.e.GetSync(june)
	require.True(t, ok)
	assert.Equal(t, []string{"a"}, ids(got))
	_, ok = r.e.GetSync(may)
	assert.False(t, ok)
	assert.Equal(t, []model.Period{june}, r.e.Subscriptions())
	assert.Zero(t, r.remote.fetchCount(june))
}

func TestBind_SwitchingUserDropsState(t *testing.T) {
	r := newRig(t, Options{}, session("a", "2024-06-10"))
	_, err := r.e.EnsureLoaded(context.Background(), june)
	require.NoError(t, err)

	require.NoError(t, r.e.Bind(context.Background(), "u2"))
	assert.Equal(t, "u2", r.e.UserID())
	_, ok := r.e.GetSync(june)
	assert.False(t, ok)
	s, p := r.feed.subscribed(june)
	assert.Zero(t, s)
	assert.Zero(t, p)
}

func TestTeardown_ClosesSubscriptions(t *testing.T) {
	r := newRig(t, Options{}, session("a", "2024-06-10"))
	require.NoError(t, r.e.Preload(context.Background(), june))
	r.e.Teardown()

	for _, p := range Window(june) {
		s, pay := r.feed.subscribed(p)
		assert.Zero(t, s, p.String())
		assert.Zero(t, pay, p.String())
	}
	assert.Empty(t, r.e.UserID())
	_, err := r.e.EnsureLoaded(context.Background(), june)
	assert.ErrorIs(t, err, ErrNotBound)
}

func TestOnUpdate(t *testing.T) {
	r := newRig(t, Options{}, session("a", "2024-06-10"))
	var got []Update
	var mu sync.Mutex
	unsub := r.e.OnUpdate(func(u Update) {
		mu.Lock()
		got = append(got, u)
		mu.Unlock()
	})
	ctx := context.Background()
	_, err := r.e.EnsureLoaded(ctx, june)
	require.NoError(t, err)
	require.NoError(t, r.e.Invalidate(ctx, june))
	unsub()
	require.NoError(t, r.e.Clear(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Update{
		{Period: june, Kind: UpdateLoaded},
		{Period: june, Kind: UpdateInvalidated},
	}, got)
}

// listener joins the user's loopback channel and records what it hears.
type listener struct {
	mu   sync.Mutex
	msgs []broadcast.Message
}

func listen(t *testing.T, bus *broadcast.Loopback, user string) *listener {
	t.Helper()
	l := &listener{}
	bc := broadcast.New(bus.Join(user))
	bc.Listen(func(m broadcast.Message) {
		l.mu.Lock()
		l.msgs = append(l.msgs, m)
		l.mu.Unlock()
	})
	t.Cleanup(func() { bc.Close() })
	return l
}

func (l *listener) count(a broadcast.Action) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, m := range l.msgs {
		if m.Action == a {
			n++
		}
	}
	return n
}

func (l *listener) last(a broadcast.Action) (broadcast.Message, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.msgs) - 1; i >= 0; i-- {
		if l.msgs[i].Action == a {
			return l.msgs[i], true
		}
	}
	return broadcast.Message{}, false
}

func loopbackTransport(bus *broadcast.Loopback) TransportFunc {
	return func(user string) (broadcast.Transport, error) { return bus.Join(user), nil }
}

func TestInvalidate_BroadcastsOnce(t *testing.T) {
	bus := broadcast.NewLoopback()
	r := newRig(t, Options{Transport: loopbackTransport(bus)}, session("a", "2024-06-10"))
	l := listen(t, bus, "u1")
	ctx := context.Background()

	_, err := r.e.EnsureLoaded(ctx, june)
	require.NoError(t, err)
	require.NoError(t, r.e.Invalidate(ctx, june))

	_, ok := r.e.GetSync(june)
	assert.False(t, ok)
	require.Eventually(t, func() bool { return l.count(broadcast.ActionCacheInvalidated) == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, l.count(broadcast.ActionCacheInvalidated))

	m, _ := l.last(broadcast.ActionCacheInvalidated)
	var data struct{ Period string }
	require.NoError(t, json.Unmarshal(m.Data, &data))
	assert.Equal(t, "2024-06", data.Period)
}

func TestCrossContext_ClearedOnlyClearsMemory(t *testing.T) {
	bus := broadcast.NewLoopback()
	rows := []model.Session{session("a", "2024-06-10")}
	first := newRig(t, Options{Transport: loopbackTransport(bus)}, rows...)
	second := newRig(t, Options{Transport: loopbackTransport(bus)}, rows...)
	ctx := context.Background()

	_, err := second.e.EnsureLoaded(ctx, june)
	require.NoError(t, err)
	secondSnap, err := second.store.Load(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, secondSnap)

	require.NoError(t, first.e.Clear(ctx))

	require.Eventually(t, func() bool {
		_, ok := second.e.GetSync(june)
		return !ok
	}, time.Second, time.Millisecond)

	still, err := second.store.Load(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, still, "receiver must not touch its snapshot")
	assert.Len(t, still.Entries, 1)
}

func TestCrossContext_UpdateReloadsFromSnapshot(t *testing.T) {
	bus := broadcast.NewLoopback()
	shared := persist.NewMemory()
	rows := []model.Session{session("a", "2024-06-10")}
	first := newRig(t, Options{Transport: loopbackTransport(bus), Persist: shared}, rows...)
	second := newRig(t, Options{Transport: loopbackTransport(bus), Persist: shared}, rows...)

	_, err := first.e.EnsureLoaded(context.Background(), june)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := second.e.GetSync(june)
		return ok
	}, time.Second, time.Millisecond)
	assert.Zero(t, second.remote.fetchCount(june))
}

func TestWindow(t *testing.T) {
	assert.Equal(t, []model.Period{
		model.MustPeriod("2023-11"),
		model.MustPeriod("2023-12"),
		model.MustPeriod("2024-01"),
		model.MustPeriod("2024-02"),
	}, Window(model.MustPeriod("2024-01")))
}
