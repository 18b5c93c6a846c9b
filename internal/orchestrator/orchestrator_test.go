package orchestrator

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stocksync/stocksync/internal/kv"
	"github.com/stocksync/stocksync/internal/netstate"
	"github.com/stocksync/stocksync/internal/record"
	"github.com/stocksync/stocksync/internal/remote"
)

const aliceKey = "inventory/alice.json"

type harness struct {
	o     *Orchestrator
	mem   *remote.MemoryBackend
	net   *netstate.Static
	store *kv.Memory
}

func newHarness(t *testing.T, mem *remote.MemoryBackend, online bool, configure ...func(*Config)) *harness {
	t.Helper()
	return newRetryHarness(t, mem, online, remote.RetryConfig{MaxAttempts: 1}, configure...)
}

func newRetryHarness(t *testing.T, mem *remote.MemoryBackend, online bool, retry remote.RetryConfig, configure ...func(*Config)) *harness {
	t.Helper()
	if mem == nil {
		mem = remote.NewMemoryBackend()
	}
	logger := log.New(io.Discard, "", 0)
	client := remote.New(mem, remote.Config{
		Retry:  retry,
		Logger: logger,
	})
	conn := netstate.NewStatic(online)
	store := kv.NewMemory()

	config := DefaultConfig()
	config.PushInterval = 10 * time.Millisecond
	config.OfflineRetry = time.Hour
	config.Logger = logger
	for _, fn := range configure {
		fn(config)
	}

	o, err := New(store, client, conn, config)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() { _ = o.Close() })
	return &harness{o: o, mem: mem, net: conn, store: store}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// remoteDataset decodes the document currently stored at key.
func remoteDataset(t *testing.T, mem *remote.MemoryBackend, key string) (record.Dataset, string) {
	t.Helper()
	raw, token, ok := mem.Content(key)
	if !ok {
		t.Fatalf("no remote document at %s", key)
	}
	doc, _, err := remote.Parse(raw)
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	return doc.Dataset, token
}

// setRemote stores ds at key as another device would.
func setRemote(t *testing.T, mem *remote.MemoryBackend, key string, ds record.Dataset) string {
	t.Helper()
	raw, err := remote.Encode(remote.NewDocument(ds))
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}
	return mem.Set(key, raw)
}

func TestLoginPullsRemote(t *testing.T) {
	ctx := testContext(t)
	mem := remote.NewMemoryBackend()
	at := time.Now().UTC().Add(-time.Hour)
	setRemote(t, mem, aliceKey, record.Dataset{
		Warehouses: []record.Warehouse{{
			Meta: record.Meta{ID: "w1", Version: 4, UpdatedAt: at, UpdatedBy: "alice", CreatedBy: "alice"},
			Name: "Main",
		}},
	})

	h := newHarness(t, mem, true)
	if err := h.o.Login(ctx, "alice"); err != nil {
		t.Fatalf("Login() failed: %v", err)
	}

	ws := h.o.Warehouses()
	if len(ws) != 1 || ws[0].ID != "w1" || ws[0].Version != 4 {
		t.Fatalf("Warehouses() = %+v", ws)
	}
	st := h.o.Status()
	if st.Status != StatusSynced || st.Token != "v1" || st.Identity != "alice" {
		t.Errorf("Status() = %+v", st)
	}
	if _, puts := h.mem.Calls(); puts != 0 {
		t.Errorf("clean pull issued %d writes", puts)
	}
}

// TestPulledRecordsBelongToIdentity pulls a document whose records carry no
// creator and another device's updatedBy. They are the identity's own: the
// session is clean and later pushes keep them.
func TestPulledRecordsBelongToIdentity(t *testing.T) {
	ctx := testContext(t)
	mem := remote.NewMemoryBackend()
	at := time.Now().UTC().Add(-time.Hour)
	setRemote(t, mem, aliceKey, record.Dataset{
		Warehouses: []record.Warehouse{{
			Meta: record.Meta{ID: "w1", Version: 2, UpdatedAt: at, UpdatedBy: "bob"},
			Name: "Main",
		}},
	})

	h := newHarness(t, mem, true)
	if err := h.o.Login(ctx, "alice"); err != nil {
		t.Fatalf("Login() failed: %v", err)
	}
	if st := h.o.Status(); st.Dirty || st.Status != StatusSynced {
		t.Errorf("Status() after pull = %+v, want clean and synced", st)
	}

	if _, err := h.o.CreateWarehouse(WarehouseInput{ID: "w2", Name: "Annex"}); err != nil {
		t.Fatalf("CreateWarehouse() failed: %v", err)
	}
	if err := h.o.Flush(ctx); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}
	ds, _ := remoteDataset(t, mem, aliceKey)
	if len(ds.Warehouses) != 2 {
		t.Fatalf("remote holds %d warehouses, want 2: %+v", len(ds.Warehouses), ds.Warehouses)
	}
	if st := h.o.Status(); st.Dirty {
		t.Errorf("still dirty after push: %+v", st)
	}
}

func TestLoginTwiceIsNoop(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t, nil, true)
	if err := h.o.Login(ctx, "alice"); err != nil {
		t.Fatalf("Login() failed: %v", err)
	}
	if err := h.o.Login(ctx, "alice"); err != nil {
		t.Fatalf("second Login() failed: %v", err)
	}
	if gets, _ := h.mem.Calls(); gets != 1 {
		t.Errorf("pulled %d times, want 1", gets)
	}
}

func TestFirstPushCreatesDocument(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t, nil, true)
	if err := h.o.Login(ctx, "alice"); err != nil {
		t.Fatalf("Login() failed: %v", err)
	}

	w, err := h.o.CreateWarehouse(WarehouseInput{Name: "Main"})
	if err != nil {
		t.Fatalf("CreateWarehouse() failed: %v", err)
	}
	if err := h.o.Flush(ctx); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}

	ds, token := remoteDataset(t, h.mem, aliceKey)
	if len(ds.Warehouses) != 1 || ds.Warehouses[0].ID != w.ID {
		t.Errorf("remote warehouses = %+v", ds.Warehouses)
	}
	if st := h.o.Status(); st.Token != token || st.Status != StatusSynced {
		t.Errorf("Status() = %+v, want synced at %s", st, token)
	}
}

// TestPushSkipsUnchanged verifies that no write is issued when local equals
// BASE.
func TestPushSkipsUnchanged(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t, nil, true)
	if err := h.o.Login(ctx, "alice"); err != nil {
		t.Fatalf("Login() failed: %v", err)
	}
	if _, err := h.o.CreateWarehouse(WarehouseInput{Name: "Main"}); err != nil {
		t.Fatalf("CreateWarehouse() failed: %v", err)
	}
	if err := h.o.Flush(ctx); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}
	_, before := h.mem.Calls()

	for i := 0; i < 3; i++ {
		if err := h.o.Flush(ctx); err != nil {
			t.Fatalf("Flush() failed: %v", err)
		}
	}
	if err := h.o.Sync(ctx); err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}

	if _, after := h.mem.Calls(); after != before {
		t.Errorf("unchanged pushes issued %d writes", after-before)
	}
}

// TestConflictRetry covers the stale-token path: the write with T1 is
// rejected because another device moved the remote to T2; the orchestrator
// re-fetches, merges and lands T3.
func TestConflictRetry(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t, nil, true)
	if err := h.o.Login(ctx, "alice"); err != nil {
		t.Fatalf("Login() failed: %v", err)
	}
	w, err := h.o.CreateWarehouse(WarehouseInput{Name: "Main"})
	if err != nil {
		t.Fatalf("CreateWarehouse() failed: %v", err)
	}
	if err := h.o.Flush(ctx); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}
	if tok := h.o.Status().Token; tok != "v1" {
		t.Fatalf("token after first push = %s, want v1", tok)
	}

	// Another device of alice edits a different field and adds a record.
	theirs, _ := remoteDataset(t, h.mem, aliceKey)
	theirs.Warehouses[0].Location = "Dock 9"
	theirs.Warehouses[0].Touch("alice", time.Now())
	tablet := record.NewMeta("alice", time.Now())
	tablet.ID = "w-tablet"
	theirs.Warehouses = append(theirs.Warehouses, record.Warehouse{Meta: tablet, Name: "Annex"})
	if tok := setRemote(t, h.mem, aliceKey, theirs); tok != "v2" {
		t.Fatalf("remote token = %s, want v2", tok)
	}

	if _, err := h.o.UpdateWarehouse(w.ID, func(w *record.Warehouse) { w.Name = "Main Hall" }); err != nil {
		t.Fatalf("UpdateWarehouse() failed: %v", err)
	}
	if err := h.o.Flush(ctx); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}

	st := h.o.Status()
	if st.Token != "v3" || st.Status != StatusSynced {
		t.Fatalf("Status() = %+v, want synced at v3", st)
	}
	if len(st.Conflicts) != 0 {
		t.Errorf("disjoint edits reported conflicts: %+v", st.Conflicts)
	}

	ds, token := remoteDataset(t, h.mem, aliceKey)
	if token != "v3" {
		t.Errorf("remote token = %s, want v3", token)
	}
	got := record.Index(ds.Warehouses)
	if got[w.ID].Name != "Main Hall" || got[w.ID].Location != "Dock 9" {
		t.Errorf("merged warehouse = %+v", got[w.ID])
	}
	if _, ok := got["w-tablet"]; !ok {
		t.Error("remote-only warehouse lost in merge")
	}
	if !record.Equal(ds, h.o.Dataset()) {
		t.Error("local state differs from what was written")
	}
	if _, puts := h.mem.Calls(); puts != 3 {
		t.Errorf("backend saw %d puts, want 3 (create, rejected, retry)", puts)
	}
}

func TestConflictRetryOnlyOnce(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t, nil, true, func(c *Config) { c.PushInterval = time.Hour })
	if err := h.o.Login(ctx, "alice"); err != nil {
		t.Fatalf("Login() failed: %v", err)
	}
	if _, err := h.o.CreateWarehouse(WarehouseInput{Name: "Main"}); err != nil {
		t.Fatalf("CreateWarehouse() failed: %v", err)
	}
	if err := h.o.Flush(ctx); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}
	_, before := h.mem.Calls()

	if _, err := h.o.CreateWarehouse(WarehouseInput{Name: "Second"}); err != nil {
		t.Fatalf("CreateWarehouse() failed: %v", err)
	}
	h.mem.FailNext(
		remote.ErrVersionConflict, // first write
		nil,                       // consumed by the re-fetch
		remote.ErrVersionConflict, // retry
	)
	err := h.o.Flush(ctx)
	if !errors.Is(err, remote.ErrVersionConflict) {
		t.Fatalf("Flush() error = %v, want ErrVersionConflict", err)
	}
	if _, after := h.mem.Calls(); after-before != 2 {
		t.Errorf("backend saw %d puts, want 2", after-before)
	}
	st := h.o.Status()
	if st.State != StateError || st.Status != StatusError || st.LastError == "" {
		t.Errorf("Status() = %+v, want error state", st)
	}
}

// TestCoalescing verifies that requests inside the interval collapse into
// one deferred push and that every waiter resolves with it.
func TestCoalescing(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t, nil, true, func(c *Config) { c.PushInterval = 300 * time.Millisecond })
	if err := h.o.Login(ctx, "alice"); err != nil {
		t.Fatalf("Login() failed: %v", err)
	}
	w, err := h.o.CreateWarehouse(WarehouseInput{Name: "Main"})
	if err != nil {
		t.Fatalf("CreateWarehouse() failed: %v", err)
	}
	if err := h.o.Flush(ctx); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}
	_, before := h.mem.Calls()

	for i := 0; i < 5; i++ {
		if _, err := h.o.CreateProduct(ProductInput{WarehouseID: w.ID, Name: "Bolt", Quantity: int64(i)}); err != nil {
			t.Fatalf("CreateProduct() failed: %v", err)
		}
	}
	if st := h.o.Status(); st.State != StatePushScheduled || st.Status != StatusPending {
		t.Errorf("Status() = %+v, want push-scheduled", st)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- h.o.Sync(ctx)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("Sync() failed: %v", err)
		}
	}

	if _, after := h.mem.Calls(); after-before != 1 {
		t.Errorf("coalesced mutations issued %d writes, want 1", after-before)
	}
	ds, _ := remoteDataset(t, h.mem, aliceKey)
	if len(ds.Products) != 5 {
		t.Errorf("remote has %d products, want 5", len(ds.Products))
	}
}

// TestOfflineDefersPush verifies that pushes are skipped while offline and
// resume on reconnect with waiters still attached.
func TestOfflineDefersPush(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t, nil, false)

	if err := h.o.Login(ctx, "alice"); err != nil {
		t.Fatalf("Login() offline failed: %v", err)
	}
	if !h.o.Status().PullPending {
		t.Error("offline login should leave the pull pending")
	}
	if _, err := h.o.CreateWarehouse(WarehouseInput{Name: "Main"}); err != nil {
		t.Fatalf("CreateWarehouse() offline failed: %v", err)
	}

	errc := make(chan error, 1)
	go func() { errc <- h.o.Sync(ctx) }()

	waitFor(t, "pending status", func() bool { return h.o.Status().Status == StatusPending })
	select {
	case err := <-errc:
		t.Fatalf("Sync() returned %v while offline", err)
	case <-time.After(50 * time.Millisecond):
	}
	if gets, puts := h.mem.Calls(); gets != 0 || puts != 0 {
		t.Fatalf("offline session reached the backend: %d gets, %d puts", gets, puts)
	}

	h.net.Set(true)

	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Sync() after reconnect failed: %v", err)
		}
	case <-ctx.Done():
		t.Fatal("Sync() did not resolve after reconnect")
	}
	ds, _ := remoteDataset(t, h.mem, aliceKey)
	if len(ds.Warehouses) != 1 {
		t.Errorf("remote warehouses = %d, want 1", len(ds.Warehouses))
	}
	waitFor(t, "synced status", func() bool { return h.o.Status().Status == StatusSynced })
}

func TestUnreachableKeepsWaiters(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t, nil, true)
	if err := h.o.Login(ctx, "alice"); err != nil {
		t.Fatalf("Login() failed: %v", err)
	}
	h.mem.FailNext(remote.ErrUnreachable)
	if _, err := h.o.CreateWarehouse(WarehouseInput{Name: "Main"}); err != nil {
		t.Fatalf("CreateWarehouse() failed: %v", err)
	}

	errc := make(chan error, 1)
	go func() { errc <- h.o.Sync(ctx) }()
	waitFor(t, "deferred push", func() bool {
		_, puts := h.mem.Calls()
		return puts == 1 && h.o.Status().State == StateIdle
	})

	// Reconnect notification resumes the push.
	h.net.Set(false)
	h.net.Set(true)
	if err := <-errc; err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}
	if _, puts := h.mem.Calls(); puts != 2 {
		t.Errorf("backend saw %d puts, want 2", puts)
	}
}

func TestLogoutCancelsScheduledPush(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t, nil, true, func(c *Config) { c.PushInterval = time.Hour })
	if err := h.o.Login(ctx, "alice"); err != nil {
		t.Fatalf("Login() failed: %v", err)
	}
	w, err := h.o.CreateWarehouse(WarehouseInput{Name: "Main"})
	if err != nil {
		t.Fatalf("CreateWarehouse() failed: %v", err)
	}
	if err := h.o.Flush(ctx); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}
	_, before := h.mem.Calls()

	if _, err := h.o.UpdateWarehouse(w.ID, func(w *record.Warehouse) { w.Notes = "later" }); err != nil {
		t.Fatalf("UpdateWarehouse() failed: %v", err)
	}
	waiter := make(chan error, 1)
	if err := h.o.call(func() { h.o.requestPush(waiter, false) }); err != nil {
		t.Fatalf("call() failed: %v", err)
	}
	if st := h.o.Status(); st.State != StatePushScheduled {
		t.Fatalf("State = %s, want push-scheduled", st.State)
	}

	if err := h.o.Logout(); err != nil {
		t.Fatalf("Logout() failed: %v", err)
	}
	select {
	case err := <-waiter:
		if !errors.Is(err, ErrPushCanceled) {
			t.Errorf("waiter got %v, want ErrPushCanceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not resolved by Logout()")
	}
	if _, after := h.mem.Calls(); after != before {
		t.Error("canceled push reached the backend")
	}
	if st := h.o.Status(); st.Identity != "" || st.State != StateIdle {
		t.Errorf("Status() after logout = %+v", st)
	}
	if _, err := h.o.CreateWarehouse(WarehouseInput{Name: "x"}); !errors.Is(err, ErrNotLoggedIn) {
		t.Errorf("mutation after logout: error = %v, want ErrNotLoggedIn", err)
	}
}

// TestLocalStateSurvivesRelogin verifies that unpushed edits are persisted
// and pushed on the next login.
func TestLocalStateSurvivesRelogin(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t, nil, false)
	if err := h.o.Login(ctx, "alice"); err != nil {
		t.Fatalf("Login() failed: %v", err)
	}
	if _, err := h.o.CreateWarehouse(WarehouseInput{ID: "w1", Name: "Main"}); err != nil {
		t.Fatalf("CreateWarehouse() failed: %v", err)
	}
	if err := h.o.Logout(); err != nil {
		t.Fatalf("Logout() failed: %v", err)
	}

	h.net.Set(true)
	if err := h.o.Login(ctx, "alice"); err != nil {
		t.Fatalf("Login() failed: %v", err)
	}
	if _, ok := h.o.Warehouse("w1"); !ok {
		t.Fatal("local warehouse lost across logout")
	}
	if err := h.o.Sync(ctx); err != nil {
		t.Fatalf("Sync() failed: %v", err)
	}
	ds, _ := remoteDataset(t, h.mem, aliceKey)
	if len(ds.Warehouses) != 1 {
		t.Errorf("remote warehouses = %d, want 1", len(ds.Warehouses))
	}
}

// TestDirtyLoginMerges verifies that a device with unpushed edits merges
// them with the remote on login instead of replacing them.
func TestDirtyLoginMerges(t *testing.T) {
	ctx := testContext(t)
	mem := remote.NewMemoryBackend()

	laptop := newHarness(t, mem, true)
	if err := laptop.o.Login(ctx, "alice"); err != nil {
		t.Fatalf("Login() failed: %v", err)
	}
	if _, err := laptop.o.CreateWarehouse(WarehouseInput{ID: "w-laptop", Name: "Main"}); err != nil {
		t.Fatalf("CreateWarehouse() failed: %v", err)
	}
	if err := laptop.o.Flush(ctx); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}

	tablet := newHarness(t, mem, false)
	if err := tablet.o.Login(ctx, "alice"); err != nil {
		t.Fatalf("Login() failed: %v", err)
	}
	if _, err := tablet.o.CreateWarehouse(WarehouseInput{ID: "w-tablet", Name: "Annex"}); err != nil {
		t.Fatalf("CreateWarehouse() failed: %v", err)
	}

	tablet.net.Set(true)
	waitFor(t, "tablet sync", func() bool {
		st := tablet.o.Status()
		return st.Status == StatusSynced && !st.PullPending
	})

	if got := len(tablet.o.Warehouses()); got != 2 {
		t.Errorf("tablet has %d warehouses, want 2", got)
	}
	ds, _ := remoteDataset(t, mem, aliceKey)
	if len(ds.Warehouses) != 2 {
		t.Errorf("remote has %d warehouses, want 2", len(ds.Warehouses))
	}
}

// TestResetSnapshotMergesWithEmptyBase verifies that after a reset the next
// push reconciles against the remote with no common ancestor, reporting the
// clash.
func TestResetSnapshotMergesWithEmptyBase(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t, nil, true)
	if err := h.o.Login(ctx, "alice"); err != nil {
		t.Fatalf("Login() failed: %v", err)
	}
	w, err := h.o.CreateWarehouse(WarehouseInput{Name: "Main"})
	if err != nil {
		t.Fatalf("CreateWarehouse() failed: %v", err)
	}
	if err := h.o.Flush(ctx); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}

	theirs, _ := remoteDataset(t, h.mem, aliceKey)
	theirs.Warehouses[0].Name = "Renamed elsewhere"
	theirs.Warehouses[0].Touch("alice", time.Now().Add(time.Hour))
	setRemote(t, h.mem, aliceKey, theirs)

	if err := h.o.ResetSnapshot(ctx); err != nil {
		t.Fatalf("ResetSnapshot() failed: %v", err)
	}
	if st := h.o.Status(); st.Token != "" || st.Status != StatusPending {
		t.Errorf("Status() after reset = %+v", st)
	}

	if err := h.o.Flush(ctx); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}
	st := h.o.Status()
	if len(st.Conflicts) != 1 || st.Conflicts[0].RecordID != w.ID {
		t.Fatalf("Conflicts = %+v, want one on %s", st.Conflicts, w.ID)
	}
	if got, _ := h.o.Warehouse(w.ID); got.Name != "Renamed elsewhere" {
		t.Errorf("newer remote edit should win, got %q", got.Name)
	}
}

func TestPullFailureKeepsLocalData(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t, nil, false)
	if err := h.o.Login(ctx, "alice"); err != nil {
		t.Fatalf("Login() failed: %v", err)
	}
	if _, err := h.o.CreateWarehouse(WarehouseInput{ID: "w1", Name: "Main"}); err != nil {
		t.Fatalf("CreateWarehouse() failed: %v", err)
	}
	if err := h.o.Logout(); err != nil {
		t.Fatalf("Logout() failed: %v", err)
	}

	h.net.Set(true)
	h.mem.FailNext(remote.ErrAuthFailure)
	err := h.o.Login(ctx, "alice")
	if !errors.Is(err, remote.ErrAuthFailure) {
		t.Fatalf("Login() error = %v, want ErrAuthFailure", err)
	}

	st := h.o.Status()
	if st.State != StateError || st.Identity != "alice" || !strings.Contains(st.LastError, "authentication") {
		t.Errorf("Status() = %+v", st)
	}
	if _, ok := h.o.Warehouse("w1"); !ok {
		t.Error("pull failure reverted local data")
	}
	if _, err := h.o.CreateWarehouse(WarehouseInput{Name: "Still works"}); err != nil {
		t.Errorf("mutation after failed pull: %v", err)
	}
}

func TestIdentitiesUseSeparateKeys(t *testing.T) {
	ctx := testContext(t)
	mem := remote.NewMemoryBackend()
	alice := newHarness(t, mem, true)
	bob := newHarness(t, mem, true)

	for name, h := range map[string]*harness{"alice": alice, "bob": bob} {
		if err := h.o.Login(ctx, name); err != nil {
			t.Fatalf("Login(%s) failed: %v", name, err)
		}
		if _, err := h.o.CreateWarehouse(WarehouseInput{Name: name + "'s"}); err != nil {
			t.Fatalf("CreateWarehouse() failed: %v", err)
		}
		if err := h.o.Flush(ctx); err != nil {
			t.Fatalf("Flush() failed: %v", err)
		}
	}

	a, _ := remoteDataset(t, mem, aliceKey)
	b, _ := remoteDataset(t, mem, "inventory/bob.json")
	if len(a.Warehouses) != 1 || a.Warehouses[0].CreatedBy != "alice" {
		t.Errorf("alice's document = %+v", a.Warehouses)
	}
	if len(b.Warehouses) != 1 || b.Warehouses[0].CreatedBy != "bob" {
		t.Errorf("bob's document = %+v", b.Warehouses)
	}
}

func TestTombstonesCompactedAfterPush(t *testing.T) {
	ctx := testContext(t)
	clock := time.Now()
	var mu sync.Mutex
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}
	h := newHarness(t, nil, true, func(c *Config) {
		c.Now = now
		c.TombstoneRetention = time.Hour
	})

	if err := h.o.Login(ctx, "alice"); err != nil {
		t.Fatalf("Login() failed: %v", err)
	}
	w, err := h.o.CreateWarehouse(WarehouseInput{Name: "Main"})
	if err != nil {
		t.Fatalf("CreateWarehouse() failed: %v", err)
	}
	if err := h.o.DeleteWarehouse(w.ID); err != nil {
		t.Fatalf("DeleteWarehouse() failed: %v", err)
	}
	if err := h.o.Flush(ctx); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}
	if got := len(h.o.Dataset().Warehouses); got != 1 {
		t.Fatalf("fresh tombstone compacted early: %d warehouses", got)
	}

	mu.Lock()
	clock = clock.Add(2 * time.Hour)
	mu.Unlock()
	if err := h.o.Flush(ctx); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}
	if got := len(h.o.Dataset().Warehouses); got != 0 {
		t.Errorf("expired tombstone kept: %d warehouses", got)
	}
	if st := h.o.Status(); st.Status != StatusSynced {
		t.Errorf("Status() = %s after compaction, want synced", st.Status)
	}
}

func TestSubscribeReceivesTransitions(t *testing.T) {
	ctx := testContext(t)
	h := newHarness(t, nil, true)

	var mu sync.Mutex
	var seen []State
	unsubscribe := h.o.Subscribe(func(st StatusInfo) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, st.State)
	})
	defer unsubscribe()

	if err := h.o.Login(ctx, "alice"); err != nil {
		t.Fatalf("Login() failed: %v", err)
	}
	if _, err := h.o.CreateWarehouse(WarehouseInput{Name: "Main"}); err != nil {
		t.Fatalf("CreateWarehouse() failed: %v", err)
	}
	if err := h.o.Flush(ctx); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	has := map[State]bool{}
	for _, s := range seen {
		has[s] = true
	}
	if !has[StatePulling] || !has[StatePushing] || !has[StateIdle] {
		t.Errorf("transitions = %v", seen)
	}
}

func TestCloseRejectsCalls(t *testing.T) {
	h := newHarness(t, nil, true)
	if err := h.o.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := h.o.Login(context.Background(), "alice"); !errors.Is(err, ErrClosed) {
		t.Errorf("Login() after Close() = %v, want ErrClosed", err)
	}
}

func TestRetryBudgetExhaustedSurfacesError(t *testing.T) {
	ctx := testContext(t)
	h := newRetryHarness(t, nil, true, remote.RetryConfig{
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
	}, func(c *Config) { c.PushInterval = time.Hour })

	if err := h.o.Login(ctx, "alice"); err != nil {
		t.Fatalf("Login() failed: %v", err)
	}
	if _, err := h.o.CreateWarehouse(WarehouseInput{ID: "w1", Name: "Main"}); err != nil {
		t.Fatalf("CreateWarehouse() failed: %v", err)
	}
	if err := h.o.Flush(ctx); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}

	h.mem.FailNext(remote.ErrRateLimited, remote.ErrRateLimited)
	if _, err := h.o.CreateWarehouse(WarehouseInput{ID: "w2", Name: "Annex"}); err != nil {
		t.Fatalf("CreateWarehouse() failed: %v", err)
	}
	err := h.o.Flush(ctx)
	if !errors.Is(err, remote.ErrRateLimited) {
		t.Fatalf("Flush() error = %v, want ErrRateLimited", err)
	}

	st := h.o.Status()
	if st.State != StateError || st.Status != StatusError {
		t.Errorf("status = %s/%s, want error/error", st.State, st.Status)
	}
	if st.LastError == "" {
		t.Error("LastError is empty")
	}
	if got := len(h.o.Warehouses()); got != 2 {
		t.Errorf("local holds %d warehouses, want 2", got)
	}
	ds, _ := remoteDataset(t, h.mem, aliceKey)
	if len(ds.Warehouses) != 1 {
		t.Errorf("remote holds %d warehouses, want 1", len(ds.Warehouses))
	}

	if _, err := h.o.UpdateWarehouse("w2", func(w *record.Warehouse) { w.Location = "Dock 2" }); err != nil {
		t.Fatalf("UpdateWarehouse() failed: %v", err)
	}
	if st := h.o.Status(); st.State != StatePushScheduled {
		t.Errorf("state after mutation = %s, want push-scheduled", st.State)
	}
	if err := h.o.Flush(ctx); err != nil {
		t.Fatalf("Flush() after failure failed: %v", err)
	}
	ds, _ = remoteDataset(t, h.mem, aliceKey)
	if len(ds.Warehouses) != 2 {
		t.Errorf("remote holds %d warehouses after retry, want 2", len(ds.Warehouses))
	}
	if st := h.o.Status(); st.State != StateIdle || st.LastError != "" || st.Dirty {
		t.Errorf("status after retry = %+v, want idle and clean", st)
	}
}

// gatedRemote holds every Write until release is closed.
type gatedRemote struct {
	Remote
	entered chan struct{}
	release chan struct{}
}

func (g *gatedRemote) Write(ctx context.Context, key string, doc remote.Document, expectedToken string) (string, error) {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.release
	return g.Remote.Write(ctx, key, doc, expectedToken)
}

// TestReloginResumesQueuedPush logs the same identity out and back in while
// a push is in flight. Pushes requested by the new session queue behind it
// and must start once it finishes.
func TestReloginResumesQueuedPush(t *testing.T) {
	ctx := testContext(t)
	mem := remote.NewMemoryBackend()
	logger := log.New(io.Discard, "", 0)
	gate := &gatedRemote{
		Remote: remote.New(mem, remote.Config{
			Retry:  remote.RetryConfig{MaxAttempts: 1},
			Logger: logger,
		}),
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	config := DefaultConfig()
	config.PushInterval = 10 * time.Millisecond
	config.OfflineRetry = time.Hour
	config.Logger = logger
	o, err := New(kv.NewMemory(), gate, netstate.NewStatic(true), config)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() { _ = o.Close() })

	if err := o.Login(ctx, "alice"); err != nil {
		t.Fatalf("Login() failed: %v", err)
	}
	if _, err := o.CreateWarehouse(WarehouseInput{ID: "w1", Name: "Main"}); err != nil {
		t.Fatalf("CreateWarehouse() failed: %v", err)
	}
	select {
	case <-gate.entered:
	case <-ctx.Done():
		t.Fatal("first push never reached the remote")
	}

	if err := o.Logout(); err != nil {
		t.Fatalf("Logout() failed: %v", err)
	}
	if err := o.Login(ctx, "alice"); err != nil {
		t.Fatalf("Login() failed: %v", err)
	}
	if _, err := o.CreateWarehouse(WarehouseInput{ID: "w2", Name: "Annex"}); err != nil {
		t.Fatalf("CreateWarehouse() failed: %v", err)
	}
	w := make(chan error, 1)
	if err := o.call(func() { o.requestPush(w, false) }); err != nil {
		t.Fatalf("requestPush failed: %v", err)
	}

	close(gate.release)
	select {
	case err := <-w:
		if err != nil {
			t.Fatalf("queued push failed: %v", err)
		}
	case <-ctx.Done():
		t.Fatalf("queued push never ran; status = %+v", o.Status())
	}

	ds, token := remoteDataset(t, mem, aliceKey)
	if len(ds.Warehouses) != 2 {
		t.Errorf("remote holds %d warehouses, want 2", len(ds.Warehouses))
	}
	st := o.Status()
	if st.Dirty || st.Token != token {
		t.Errorf("status = %+v, want clean at token %s", st, token)
	}
	snap, err := o.snapshots.Get(ctx, "alice")
	if err != nil || snap == nil {
		t.Fatalf("snapshots.Get() = %v, %v", snap, err)
	}
	if snap.Token != token {
		t.Errorf("stored snapshot token = %s, want %s", snap.Token, token)
	}
}
