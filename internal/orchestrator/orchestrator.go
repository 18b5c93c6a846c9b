// Package orchestrator coordinates local inventory state with the remote
// document of the logged-in identity.
//
// One Orchestrator owns the working collections and the sync snapshot.
// Every state change runs on a single loop goroutine; network calls run on
// their own goroutines and report back to the loop, so local reads and
// mutations never wait on the network.
//
// Sync lifecycle:
//  1. Login loads local state and pulls the identity's remote document
//  2. Mutations apply locally and request a push
//  3. Push requests are coalesced into one push per interval
//  4. Stale-token writes are re-fetched, merged and retried once
//  5. Pushes are deferred while offline and resume on reconnect
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/stocksync/stocksync/internal/kv"
	"github.com/stocksync/stocksync/internal/merge"
	"github.com/stocksync/stocksync/internal/record"
	"github.com/stocksync/stocksync/internal/remote"
	"github.com/stocksync/stocksync/internal/snapshot"
)

// Remote is the blob client the orchestrator syncs through.
type Remote interface {
	Fetch(ctx context.Context, key string) (*remote.Fetched, error)
	Write(ctx context.Context, key string, doc remote.Document, expectedToken string) (string, error)
}

// Connectivity reports reachability and notifies on changes.
type Connectivity interface {
	Online() bool

	// Subscribe registers fn for reachability changes and returns a
	// function that removes it.
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// Config holds configuration for the orchestrator.
type Config struct {
	// PushInterval is the coalescing window: at most one push starts per
	// interval, and requests inside it collapse into one deferred push.
	PushInterval time.Duration

	// OfflineRetry is how long to wait before retrying a push that failed
	// because the remote was unreachable.
	OfflineRetry time.Duration

	// PushTimeout bounds one push execution, retries included.
	PushTimeout time.Duration

	// TombstoneRetention is how long pushed tombstones are kept before they
	// are compacted away. Zero disables compaction.
	TombstoneRetention time.Duration

	// KeyFor maps an identity to its remote resource key.
	KeyFor func(identity string) string

	// Logger for sync activity
	Logger *log.Logger

	// Metrics is optional.
	Metrics *Metrics

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PushInterval:       3 * time.Second,
		OfflineRetry:       30 * time.Second,
		PushTimeout:        2 * time.Minute,
		TombstoneRetention: 30 * 24 * time.Hour,
		KeyFor:             func(identity string) string { return remote.KeyFor("", identity) },
		Logger:             log.New(os.Stderr, "[sync] ", log.LstdFlags),
		Now:                time.Now,
	}
}

const datasetPrefix = "dataset/"

// session is the state of the logged-in identity. Only the loop goroutine
// touches it.
type session struct {
	identity string
	key      string
	epoch    int

	state State
	local record.Dataset
	rev   int64 // bumped on every local change
	base  *snapshot.Snapshot

	lastErr    error
	lastSynced time.Time
	conflicts  []merge.Conflict

	pullPending bool // login pull deferred while offline
	deferred    bool // push skipped or failed while offline

	lastPushAt time.Time
	timer      *time.Timer
	timerGen   int
	pending    []chan error // waiters for the next push
	queued     bool         // push requested while pulling or pushing
	immediate  bool         // queued push should skip the coalescing window
}

// Orchestrator is the sync coordinator of one client.
type Orchestrator struct {
	config    *Config
	kv        kv.Store
	snapshots *snapshot.Store
	remote    Remote
	net       Connectivity

	cmds        chan func()
	done        chan struct{}
	wg          sync.WaitGroup
	closeOnce   sync.Once
	unsubscribe func()

	// Owned by the loop goroutine.
	s         session
	closing   bool
	pushing   map[string]bool // identities with a push in flight
	listeners map[int]func(StatusInfo)
	nextID    int
}

// New creates an orchestrator and starts its loop.
//
// The orchestrator requires:
//   - store: local key-value store for working collections and snapshots
//   - client: remote blob client
//   - conn: connectivity signal
//
// Use Login() to start a session and Close() to stop.
func New(store kv.Store, client Remote, conn Connectivity, config *Config) (*Orchestrator, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if client == nil {
		return nil, fmt.Errorf("remote cannot be nil")
	}
	if conn == nil {
		return nil, fmt.Errorf("connectivity cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.PushInterval <= 0 {
		config.PushInterval = defaults.PushInterval
	}
	if config.OfflineRetry <= 0 {
		config.OfflineRetry = defaults.OfflineRetry
	}
	if config.PushTimeout <= 0 {
		config.PushTimeout = defaults.PushTimeout
	}
	if config.KeyFor == nil {
		config.KeyFor = defaults.KeyFor
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	o := &Orchestrator{
		config:    config,
		kv:        store,
		snapshots: snapshot.New(store, config.Logger),
		remote:    client,
		net:       conn,
		cmds:      make(chan func()),
		done:      make(chan struct{}),
		pushing:   make(map[string]bool),
		listeners: make(map[int]func(StatusInfo)),
	}
	go o.loop()

	o.unsubscribe = conn.Subscribe(func(online bool) {
		o.post(func() { o.handleConnectivity(online) })
	})
	return o, nil
}

func (o *Orchestrator) loop() {
	for {
		select {
		case fn := <-o.cmds:
			fn()
		case <-o.done:
			return
		}
	}
}

// call runs fn on the loop and waits for it.
func (o *Orchestrator) call(fn func()) error {
	finished := make(chan struct{})
	select {
	case o.cmds <- func() { fn(); close(finished) }:
	case <-o.done:
		return ErrClosed
	}
	<-finished
	return nil
}

// post queues fn on the loop without waiting. Used by timers and network
// goroutines.
func (o *Orchestrator) post(fn func()) {
	select {
	case o.cmds <- fn:
	case <-o.done:
	}
}

// Close stops the orchestrator. Scheduled pushes are dropped; an in-flight
// push is allowed to finish so its result lands in the snapshot.
func (o *Orchestrator) Close() error {
	var err error
	o.closeOnce.Do(func() {
		if o.unsubscribe != nil {
			o.unsubscribe()
		}
		_ = o.call(func() {
			o.closing = true
			o.stopTimer()
			o.resolve(&o.s.pending, ErrClosed)
			err = o.saveLocal()
		})
		o.wg.Wait()
		close(o.done)
	})
	return err
}

// Login starts a session for identity and runs the pull-on-login. Logging
// in as the current identity is a no-op; logging in as another identity
// logs out first.
//
// A pull failure leaves the session logged in with its local data and is
// returned. When offline the pull is deferred until reconnect and Login
// returns nil.
func (o *Orchestrator) Login(ctx context.Context, identity string) error {
	if identity == "" {
		return fmt.Errorf("identity cannot be empty")
	}

	reply := make(chan error, 1)
	err := o.call(func() {
		if o.closing {
			reply <- ErrClosed
			return
		}
		if o.s.identity == identity {
			reply <- nil
			return
		}
		if o.s.identity != "" {
			o.logout()
		}
		if err := o.loadSession(ctx, identity); err != nil {
			reply <- err
			return
		}
		o.startPull(reply)
	})
	if err != nil {
		return err
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Logout ends the session. Scheduled pushes are canceled and their waiters
// receive ErrPushCanceled.
func (o *Orchestrator) Logout() error {
	var err error
	if callErr := o.call(func() { err = o.logout() }); callErr != nil {
		return callErr
	}
	return err
}

// ResetSnapshot discards BASE for the current identity. Scheduled pushes are
// canceled. The next reconciliation merges local against the remote with an
// empty BASE.
func (o *Orchestrator) ResetSnapshot(ctx context.Context) error {
	var err error
	callErr := o.call(func() {
		if o.s.identity == "" {
			err = ErrNotLoggedIn
			return
		}
		o.cancelScheduled()
		if err = o.snapshots.Clear(ctx, o.s.identity); err != nil {
			return
		}
		o.s.base = nil
		if f, ok := o.remote.(interface{ Forget(key string) }); ok {
			f.Forget(o.s.key)
		}
		o.config.Logger.Printf("Snapshot reset for %s", o.s.identity)
		o.notify()
	})
	if callErr != nil {
		return callErr
	}
	return err
}

// Sync requests a coalesced push and waits for the push that covers it.
func (o *Orchestrator) Sync(ctx context.Context) error {
	return o.wait(ctx, false)
}

// Flush pushes immediately, skipping the coalescing window, and waits.
func (o *Orchestrator) Flush(ctx context.Context) error {
	return o.wait(ctx, true)
}

// RequestPush schedules a coalesced push without waiting.
func (o *Orchestrator) RequestPush() {
	_ = o.call(func() { o.requestPush(nil, false) })
}

func (o *Orchestrator) wait(ctx context.Context, immediate bool) error {
	w := make(chan error, 1)
	if err := o.call(func() { o.requestPush(w, immediate) }); err != nil {
		return err
	}
	select {
	case err := <-w:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the current status.
func (o *Orchestrator) Status() StatusInfo {
	var info StatusInfo
	if err := o.call(func() { info = o.status() }); err != nil {
		return StatusInfo{State: StateIdle, Status: StatusError, LastError: err.Error()}
	}
	return info
}

// Subscribe registers fn to receive the status on every transition. fn is
// called from the sync loop and must not block. It is called once
// immediately with the current status.
func (o *Orchestrator) Subscribe(fn func(StatusInfo)) (unsubscribe func()) {
	var id int
	err := o.call(func() {
		id = o.nextID
		o.nextID++
		o.listeners[id] = fn
		fn(o.status())
	})
	if err != nil {
		return func() {}
	}
	return func() {
		_ = o.call(func() { delete(o.listeners, id) })
	}
}

func (o *Orchestrator) status() StatusInfo {
	s := &o.s
	info := StatusInfo{
		State:        s.state,
		Identity:     s.identity,
		LastSyncedAt: s.lastSynced,
		PullPending:  s.pullPending,
		Dirty:        o.dirty(),
		Conflicts:    s.conflicts,
	}
	if s.base != nil {
		info.Token = s.base.Token
	}
	if s.lastErr != nil {
		info.LastError = s.lastErr.Error()
	}

	switch s.state {
	case StatePulling, StatePushing:
		info.Status = StatusSyncing
	case StateError:
		info.Status = StatusError
	case StatePushScheduled:
		info.Status = StatusPending
	default:
		if s.identity != "" && (s.pullPending || s.deferred || len(s.pending) > 0 || info.Dirty) {
			info.Status = StatusPending
		} else {
			info.Status = StatusSynced
		}
	}
	return info
}

func (o *Orchestrator) notify() {
	info := o.status()
	for _, fn := range o.listeners {
		fn(info)
	}
}

func (o *Orchestrator) setState(state State) {
	o.s.state = state
	o.notify()
}

// own returns the records the current identity pushes.
func (o *Orchestrator) own() record.Dataset {
	return o.s.local.OwnedBy(o.s.identity)
}

// dirty reports whether own records differ from BASE.
func (o *Orchestrator) dirty() bool {
	if o.s.identity == "" {
		return false
	}
	own := o.own()
	if o.s.base == nil {
		return !own.IsEmpty()
	}
	return !record.Equal(own, o.s.base.Dataset)
}

func (o *Orchestrator) loadSession(ctx context.Context, identity string) error {
	local, err := o.loadLocal(ctx, identity)
	if err != nil {
		return err
	}
	base, err := o.snapshots.Get(ctx, identity)
	if err != nil {
		return err
	}

	epoch := o.s.epoch + 1
	o.s = session{
		identity: identity,
		key:      o.config.KeyFor(identity),
		epoch:    epoch,
		state:    StateIdle,
		local:    local,
		base:     base,
	}
	if base != nil {
		o.s.lastSynced = base.SavedAt
	}
	o.config.Logger.Printf("Logged in as %s (%d local records)", identity, local.Len())
	return nil
}

func (o *Orchestrator) logout() error {
	if o.s.identity == "" {
		return nil
	}
	identity := o.s.identity
	o.cancelScheduled()
	err := o.saveLocal()

	// An in-flight push keeps its waiters and still lands in the snapshot.
	o.s = session{epoch: o.s.epoch + 1}
	o.config.Logger.Printf("Logged out %s", identity)
	o.notify()
	return err
}

func (o *Orchestrator) loadLocal(ctx context.Context, identity string) (record.Dataset, error) {
	raw, ok, err := o.kv.Get(ctx, datasetPrefix+identity)
	if err != nil {
		return record.Dataset{}, fmt.Errorf("failed to load local data: %w", err)
	}
	empty := record.Dataset{Warehouses: []record.Warehouse{}, Products: []record.Product{}}
	if !ok {
		return empty, nil
	}
	var ds record.Dataset
	if err := json.Unmarshal(raw, &ds); err != nil {
		o.config.Logger.Printf("WARNING: ignoring corrupt local data for %s: %v", identity, err)
		return empty, nil
	}
	return ds.Sorted(), nil
}

func (o *Orchestrator) saveLocal() error {
	if o.s.identity == "" {
		return nil
	}
	raw, err := json.Marshal(o.s.local.Sorted())
	if err != nil {
		return fmt.Errorf("failed to marshal local data: %w", err)
	}
	if err := o.kv.Set(context.Background(), datasetPrefix+o.s.identity, raw); err != nil {
		return fmt.Errorf("failed to save local data: %w", err)
	}
	return nil
}

// resolve delivers err to every waiter in *ws and clears it.
func (o *Orchestrator) resolve(ws *[]chan error, err error) {
	for _, w := range *ws {
		w <- err
	}
	*ws = nil
}

func (o *Orchestrator) stopTimer() {
	if o.s.timer != nil {
		o.s.timer.Stop()
		o.s.timer = nil
	}
	o.s.timerGen++
}

// after runs fn on the loop once d elapses, unless the timer is stopped or
// replaced first.
func (o *Orchestrator) after(d time.Duration, fn func()) {
	o.stopTimer()
	gen := o.s.timerGen
	o.s.timer = time.AfterFunc(d, func() {
		o.post(func() {
			if o.s.timerGen != gen || o.closing {
				return
			}
			o.s.timer = nil
			fn()
		})
	})
}

// cancelScheduled drops a scheduled push and fails its waiters.
func (o *Orchestrator) cancelScheduled() {
	o.stopTimer()
	o.resolve(&o.s.pending, ErrPushCanceled)
	o.s.queued = false
	o.s.immediate = false
	o.s.deferred = false
	if o.s.state == StatePushScheduled {
		o.s.state = StateIdle
	}
}

func (o *Orchestrator) handleConnectivity(online bool) {
	if o.closing || o.s.identity == "" {
		return
	}
	if !online {
		o.config.Logger.Println("Remote unreachable, pushes deferred")
		return
	}
	o.config.Logger.Println("Connectivity restored")
	if o.s.pullPending && o.s.state != StatePulling {
		o.startPull(nil)
		return
	}
	if o.s.deferred || len(o.s.pending) > 0 || o.dirty() {
		o.s.deferred = false
		o.requestPush(nil, true)
	}
}
