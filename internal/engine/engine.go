package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lunari-eduardo/lunari-plataforma-f864b1a6-sub004/internal/broadcast"
	"github.com/lunari-eduardo/lunari-plataforma-f864b1a6-sub004/internal/cache"
	model "github.com/lunari-eduardo/lunari-plataforma-f864b1a6-sub004/internal/models"
)

// RemoteDataSource is the authoritative store of sessions.
type RemoteDataSource interface {
	FetchPeriod(ctx context.Context, p model.Period) ([]model.Session, error)
	GetSession(ctx context.Context, id string) (model.Session, error)
	Mutate(ctx context.Context, id string, patch model.Patch) error
	Delete(ctx context.Context, id string) error
}

// ChangeFeed delivers pushed row changes scoped to one period.
type ChangeFeed interface {
	SubscribeSessions(p model.Period, fn func(model.SessionEvent)) (func(), error)
	SubscribePayments(p model.Period, fn func(model.PaymentEvent)) (func(), error)
}

// Persister stores one snapshot per user.
type Persister interface {
	Save(ctx context.Context, userID string, snap model.Snapshot) error
	Load(ctx context.Context, userID string) (*model.Snapshot, error)
	Delete(ctx context.Context, userID string) error
}

// TransportFunc opens the broadcast channel of a user.
type TransportFunc func(userID string) (broadcast.Transport, error)

// Default values for Options.
const (
	DefaultTTL                = 12 * time.Hour
	DefaultPreloadConcurrency = 3
	DefaultFetchTimeout       = 30 * time.Second
)

type Options struct {
	Remote  RemoteDataSource // required
	Persist Persister        // required
	Feed    ChangeFeed       // nil disables push updates

	// Transport opens the cross-context channel on Bind. Nil disables it.
	Transport TransportFunc

	TTL                time.Duration
	PreloadConcurrency int
	FetchTimeout       time.Duration

	// OnDiagnostic receives non-fatal errors: persistence failures and
	// change-feed desyncs.
	OnDiagnostic func(error)

	Now func() time.Time
}

// UpdateKind says what happened to a period.
type UpdateKind string

const (
	UpdateLoaded      UpdateKind = "loaded"
	UpdatePatched     UpdateKind = "patched"
	UpdateInvalidated UpdateKind = "invalidated"
	UpdateCleared     UpdateKind = "cleared"
	UpdateReloaded    UpdateKind = "reloaded"
)

// Update is passed to OnUpdate observers. Period is zero for cleared and
// reloaded.
type Update struct {
	Period model.Period
	Kind   UpdateKind
}

// Engine is the cache orchestrator of one user at a time.
type Engine struct {
	opts     Options
	store    *cache.Store
	preloads singleflight.Group
	saveMu   sync.Mutex

	mu     sync.Mutex
	userID string
	bound  bool
	epoch  uint64
	seq    uint64
	gens   map[model.Period]uint64
	bc     *broadcast.Broadcaster
	feeds  *feedManager

	obsMu     sync.Mutex
	nextObs   uint64
	observers map[uint64]func(Update)
}

func New(opts Options) (*Engine, error) {
	if opts.Remote == nil {
		return nil, errors.New("engine: remote data source is required")
	}
	if opts.Persist == nil {
		return nil, errors.New("engine: persister is required")
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.PreloadConcurrency <= 0 {
		opts.PreloadConcurrency = DefaultPreloadConcurrency
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		opts:      opts,
		store:     cache.New(opts.TTL).WithClock(opts.Now),
		gens:      make(map[model.Period]uint64),
		observers: make(map[uint64]func(Update)),
	}, nil
}

// Bind makes userID the engine's user. Any previous user's state is
// dropped, then the user's persisted snapshot is adopted (stale entries
// pruned) and the broadcast channel and change feeds are opened.
// Persistence and transport failures are reported as diagnostics.
func (e *Engine) Bind(ctx context.Context, userID string) error {
	if userID == "" {
		return errors.New("engine: empty user id")
	}
	e.Teardown()

	var entries []model.SnapshotEntry
	snap, err := e.opts.Persist.Load(ctx, userID)
	if err != nil {
		e.diagnose(&PersistenceError{Op: "load", UserID: userID, Err: err})
	} else if snap != nil {
		entries = snap.Entries
	}

	var t broadcast.Transport = broadcast.NewNop()
	if e.opts.Transport != nil {
		if t, err = e.opts.Transport(userID); err != nil {
			slog.Warn("engine: broadcast transport unavailable, cross-context sync disabled",
				"user", userID, "err", err)
			t = broadcast.NewNop()
		}
	}
	bc := broadcast.New(t)

	e.mu.Lock()
	e.epoch++
	e.userID = userID
	e.bound = true
	e.gens = make(map[model.Period]uint64)
	kept, dropped := e.store.Restore(entries)
	e.bc = bc
	e.feeds = newFeedManager(e, e.opts.Feed, e.epoch)
	feeds := e.feeds
	e.mu.Unlock()

	bc.Listen(e.onBroadcast)
	for _, se := range entries {
		if _, ok := e.store.Peek(se.Period); ok {
			feeds.watch(se.Period)
		}
	}

	slog.Info("engine: bound", "user", userID, "periods_restored", kept, "periods_pruned", dropped)
	e.notify(Update{Kind: UpdateReloaded})
	return nil
}

// Teardown closes all change-feed subscriptions and the broadcast channel
// and drops the in-memory cache. In-flight fetches are discarded.
func (e *Engine) Teardown() {
	e.mu.Lock()
	if !e.bound {
		e.mu.Unlock()
		return
	}
	user := e.userID
	bc, feeds := e.bc, e.feeds
	e.bound = false
	e.userID = ""
	e.epoch++
	e.gens = make(map[model.Period]uint64)
	e.bc, e.feeds = nil, nil
	e.store.Clear()
	e.mu.Unlock()

	// Closed outside the lock: the broadcast handler takes e.mu.
	feeds.close()
	if err := bc.Close(); err != nil {
		slog.Debug("engine: broadcast close", "err", err)
	}
	slog.Info("engine: torn down", "user", user)
}

// UserID returns the bound user, or "" when unbound.
func (e *Engine) UserID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.userID
}

func (e *Engine) current() (string, uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.bound {
		return "", 0, ErrNotBound
	}
	return e.userID, e.epoch, nil
}

// GetSync returns the cached sessions of p if the entry is fresh. It never
// performs I/O.
func (e *Engine) GetSync(p model.Period) ([]model.Session, bool) {
	entry, ok := e.store.GetSync(p)
	if !ok {
		return nil, false
	}
	return entry.Records, true
}

// Entry is GetSync returning the whole entry.
func (e *Engine) Entry(p model.Period) (model.Entry, bool) {
	return e.store.GetSync(p)
}

// EnsureLoaded returns the sessions of p, fetching them when the entry is
// absent or stale.
func (e *Engine) EnsureLoaded(ctx context.Context, p model.Period) ([]model.Session, error) {
	_, epoch, err := e.current()
	if err != nil {
		return nil, err
	}
	if entry, ok := e.store.GetSync(p); ok {
		return entry.Records, nil
	}

	records, committed, err := e.load(ctx, epoch, p)
	if err != nil {
		return nil, err
	}
	if committed {
		e.persist(ctx)
		e.watch(p)
		e.announce(broadcast.ActionCacheUpdated, periodsData{Periods: []string{p.String()}})
	}
	return records, nil
}

// load fetches p and stores the result unless the period's generation moved
// on while the fetch was running. epoch is the binding the caller started
// under; a load for an older binding is refused.
func (e *Engine) load(ctx context.Context, epoch uint64, p model.Period) ([]model.Session, bool, error) {
	gen, ok := e.begin(p, epoch)
	if !ok {
		return nil, false, ErrNotBound
	}

	fctx, cancel := context.WithTimeout(ctx, e.opts.FetchTimeout)
	records, err := e.opts.Remote.FetchPeriod(fctx, p)
	cancel()
	if err != nil {
		slog.Warn("engine: fetch failed", "period", p.String(), "err", err)
		return nil, false, &RemoteFetchError{Op: "fetch", Period: p, Err: err}
	}

	e.mu.Lock()
	if !e.bound || e.gens[p] != gen {
		e.mu.Unlock()
		slog.Debug("engine: fetch result dropped", "period", p.String(), "err", ErrStaleFetchDiscarded)
		return model.CloneSessions(records), false, nil
	}
	entry := e.store.Set(p, records)
	e.mu.Unlock()

	e.notify(Update{Period: p, Kind: UpdateLoaded})
	return entry.Records, true, nil
}

func (e *Engine) begin(p model.Period, epoch uint64) (uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.bound || e.epoch != epoch {
		return 0, false
	}
	e.seq++
	e.gens[p] = e.seq
	return e.seq, true
}

// Mutate updates a session remotely and, after the ack, patches the cached
// copy. A date change moves the session out of its old period; it is placed
// in the new period only when that period is already cached.
func (e *Engine) Mutate(ctx context.Context, id string, patch model.Patch) error {
	if _, _, err := e.current(); err != nil {
		return err
	}
	if err := e.opts.Remote.Mutate(ctx, id, patch); err != nil {
		return &RemoteFetchError{Op: "mutate", ID: id, Err: err}
	}

	e.mu.Lock()
	from, found := e.store.Locate(id)
	var moved *model.Session
	if found {
		e.store.Update(from, func(rs []model.Session) []model.Session {
			for i, r := range rs {
				if r.ID != id {
					continue
				}
				next := patch.Apply(r)
				if patch.MovesPeriod(r) {
					moved = &next
					return append(rs[:i], rs[i+1:]...)
				}
				rs[i] = next
				return rs
			}
			return rs
		})
	}
	var to model.Period
	if moved != nil {
		to = moved.Period()
		if !e.store.Update(to, func(rs []model.Session) []model.Session { return upsert(rs, *moved, false) }) {
			to = model.Period{}
		}
	}
	e.mu.Unlock()

	if found {
		e.persist(ctx)
		e.notify(Update{Period: from, Kind: UpdatePatched})
		if !to.IsZero() {
			e.notify(Update{Period: to, Kind: UpdatePatched})
		}
	}
	e.announce(broadcast.ActionSessionUpdated, sessionData{ID: id, Period: periodString(from, found)})
	return nil
}

// Delete removes a session remotely and then from the cached entry of hint.
// When the session is not in hint, the whole cache is searched.
func (e *Engine) Delete(ctx context.Context, id string, hint model.Period) error {
	if _, _, err := e.current(); err != nil {
		return err
	}
	if err := e.opts.Remote.Delete(ctx, id); err != nil {
		return &RemoteFetchError{Op: "delete", ID: id, Err: err}
	}

	e.mu.Lock()
	removed := false
	drop := func(rs []model.Session) []model.Session {
		out, ok := without(rs, id)
		removed = removed || ok
		return out
	}
	at := hint
	if hint.IsZero() || !e.store.Update(hint, drop) || !removed {
		if p, ok := e.store.Locate(id); ok {
			at = p
			e.store.Update(p, drop)
		}
	}
	e.mu.Unlock()

	if removed {
		e.persist(ctx)
		e.notify(Update{Period: at, Kind: UpdatePatched})
	}
	e.announce(broadcast.ActionSessionDeleted, sessionData{ID: id, Period: periodString(at, removed)})
	return nil
}

// Invalidate drops the entry of p. A fetch of p already in flight will not
// bring it back.
func (e *Engine) Invalidate(ctx context.Context, p model.Period) error {
	if _, _, err := e.current(); err != nil {
		return err
	}
	e.invalidate(ctx, p)
	return nil
}

func (e *Engine) invalidate(ctx context.Context, p model.Period) {
	e.mu.Lock()
	e.seq++
	e.gens[p] = e.seq
	e.store.Remove(p)
	e.mu.Unlock()

	e.persist(ctx)
	e.notify(Update{Period: p, Kind: UpdateInvalidated})
	e.announce(broadcast.ActionCacheInvalidated, periodData{Period: p.String()})
}

// Clear empties the cache and deletes the user's snapshot.
func (e *Engine) Clear(ctx context.Context) error {
	user, _, err := e.current()
	if err != nil {
		return err
	}
	e.mu.Lock()
	for p := range e.gens {
		e.seq++
		e.gens[p] = e.seq
	}
	e.store.Clear()
	e.mu.Unlock()

	e.saveMu.Lock()
	if err := e.opts.Persist.Delete(context.WithoutCancel(ctx), user); err != nil {
		e.diagnose(&PersistenceError{Op: "delete", UserID: user, Err: err})
	}
	e.saveMu.Unlock()

	e.notify(Update{Kind: UpdateCleared})
	e.announce(broadcast.ActionCacheCleared, struct{}{})
	return nil
}

// OnUpdate registers fn for cache change notifications. The returned func
// unregisters it.
func (e *Engine) OnUpdate(fn func(Update)) func() {
	e.obsMu.Lock()
	e.nextObs++
	id := e.nextObs
	e.observers[id] = fn
	e.obsMu.Unlock()
	return func() {
		e.obsMu.Lock()
		delete(e.observers, id)
		e.obsMu.Unlock()
	}
}

func (e *Engine) notify(u Update) {
	e.obsMu.Lock()
	fns := make([]func(Update), 0, len(e.observers))
	for _, fn := range e.observers {
		fns = append(fns, fn)
	}
	e.obsMu.Unlock()
	for _, fn := range fns {
		fn(u)
	}
}

func (e *Engine) Stats() cache.Stats { return e.store.Stats() }

// Subscriptions returns the periods with open change-feed subscriptions.
func (e *Engine) Subscriptions() []model.Period {
	e.mu.Lock()
	feeds := e.feeds
	e.mu.Unlock()
	return feeds.periods()
}

// persist writes the whole cache to the snapshot store. Saves are
// serialised so an older snapshot never overwrites a newer one.
func (e *Engine) persist(ctx context.Context) {
	user, _, err := e.current()
	if err != nil {
		return
	}
	e.saveMu.Lock()
	defer e.saveMu.Unlock()
	snap := e.store.Snapshot(user)
	if err := e.opts.Persist.Save(context.WithoutCancel(ctx), user, snap); err != nil {
		e.diagnose(&PersistenceError{Op: "save", UserID: user, Err: err})
	}
}

func (e *Engine) diagnose(err error) {
	slog.Error("engine: diagnostic", "err", err)
	if e.opts.OnDiagnostic != nil {
		e.opts.OnDiagnostic(err)
	}
}

func (e *Engine) watch(p model.Period) {
	e.mu.Lock()
	feeds := e.feeds
	e.mu.Unlock()
	feeds.watch(p)
}

type periodData struct {
	Period string `json:"period"`
}

type periodsData struct {
	Periods []string `json:"periods"`
}

type sessionData struct {
	ID     string `json:"id"`
	Period string `json:"period,omitempty"`
}

func periodString(p model.Period, ok bool) string {
	if !ok || p.IsZero() {
		return ""
	}
	return p.String()
}

func (e *Engine) announce(action broadcast.Action, data any) {
	e.mu.Lock()
	bc := e.bc
	e.mu.Unlock()
	if bc == nil {
		return
	}
	// Fire and forget; Announce logs its own failures.
	_ = bc.Announce(action, data)
}

// onBroadcast reacts to another context's announcement. Data changes are
// re-read from the snapshot store rather than applied from the message.
func (e *Engine) onBroadcast(msg broadcast.Message) {
	user, epoch, err := e.current()
	if err != nil {
		return
	}
	switch msg.Action {
	case broadcast.ActionCacheCleared:
		e.mu.Lock()
		if e.epoch == epoch {
			e.store.Clear()
		}
		e.mu.Unlock()
		e.notify(Update{Kind: UpdateCleared})

	case broadcast.ActionCacheUpdated, broadcast.ActionCacheInvalidated,
		broadcast.ActionSessionUpdated, broadcast.ActionSessionDeleted:
		ctx, cancel := context.WithTimeout(context.Background(), e.opts.FetchTimeout)
		defer cancel()
		snap, err := e.opts.Persist.Load(ctx, user)
		if err != nil {
			e.diagnose(&PersistenceError{Op: "load", UserID: user, Err: err})
			return
		}
		var entries []model.SnapshotEntry
		if snap != nil {
			entries = snap.Entries
		}
		e.mu.Lock()
		if e.epoch != epoch {
			e.mu.Unlock()
			return
		}
		e.store.Restore(entries)
		feeds := e.feeds
		e.mu.Unlock()
		for _, se := range entries {
			if _, ok := e.store.Peek(se.Period); ok {
				feeds.watch(se.Period)
			}
		}
		slog.Debug("engine: reloaded from snapshot", "action", msg.Action, "periods", len(entries))
		e.notify(Update{Kind: UpdateReloaded})

	default:
		slog.Debug("engine: ignoring unknown broadcast", "action", msg.Action)
	}
}

// upsert replaces the session with s.ID or, when absent, adds s at the front
// (front) or back.
func upsert(rs []model.Session, s model.Session, front bool) []model.Session {
	for i, r := range rs {
		if r.ID == s.ID {
			rs[i] = s
			return rs
		}
	}
	if front {
		return append([]model.Session{s}, rs...)
	}
	return append(rs, s)
}

func without(rs []model.Session, id string) ([]model.Session, bool) {
	for i, r := range rs {
		if r.ID == id {
			return append(rs[:i], rs[i+1:]...), true
		}
	}
	return rs, false
}
