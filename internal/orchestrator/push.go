package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stocksync/stocksync/internal/merge"
	"github.com/stocksync/stocksync/internal/record"
	"github.com/stocksync/stocksync/internal/remote"
	"github.com/stocksync/stocksync/internal/snapshot"
)

// pushJob is everything a push needs, captured on the loop when it starts.
type pushJob struct {
	identity string
	key      string
	epoch    int
	rev      int64
	local    record.Dataset // own records
	base     record.Dataset
	hasBase  bool
	token    string
	waiters  []chan error
}

type pushResult struct {
	written   record.Dataset
	token     string
	noop      bool
	merged    bool
	conflicts []merge.Conflict
	err       error
}

// requestPush asks for a push. w, if non-nil, receives the result of the
// push that covers this request. immediate skips the coalescing window.
func (o *Orchestrator) requestPush(w chan error, immediate bool) {
	s := &o.s
	if o.closing {
		if w != nil {
			w <- ErrClosed
		}
		return
	}
	if s.identity == "" {
		if w != nil {
			w <- ErrNotLoggedIn
		}
		return
	}
	if w != nil {
		s.pending = append(s.pending, w)
	}

	if s.state == StatePulling || s.state == StatePushing || o.pushing[s.identity] {
		s.queued = true
		s.immediate = s.immediate || immediate
		return
	}

	if immediate {
		o.startPush()
		return
	}
	if s.timer != nil {
		// Joins the scheduled push.
		return
	}

	wait := s.lastPushAt.Add(o.config.PushInterval).Sub(o.config.Now())
	if s.lastPushAt.IsZero() || wait <= 0 {
		o.startPush()
		return
	}
	o.after(wait, o.startPush)
	o.setState(StatePushScheduled)
}

// startPush launches a push of the current own records, unless offline.
func (o *Orchestrator) startPush() {
	s := &o.s
	o.stopTimer()
	s.queued = false
	s.immediate = false

	if !o.net.Online() {
		s.deferred = true
		o.config.Metrics.push("deferred")
		o.config.Logger.Printf("Offline, deferring push for %s", s.identity)
		o.setState(StateIdle)
		return
	}
	s.deferred = false

	job := pushJob{
		identity: s.identity,
		key:      s.key,
		epoch:    s.epoch,
		rev:      s.rev,
		local:    o.own().Sorted(),
		waiters:  s.pending,
	}
	if s.base != nil {
		job.base = s.base.Dataset
		job.hasBase = true
		job.token = s.base.Token
	} else {
		job.base = record.Dataset{Warehouses: []record.Warehouse{}, Products: []record.Product{}}
	}
	s.pending = nil
	s.lastPushAt = o.config.Now()
	o.pushing[s.identity] = true
	o.setState(StatePushing)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		// Once issued, a write is not canceled; CAS makes it safe either way.
		ctx, cancel := context.WithTimeout(context.Background(), o.config.PushTimeout)
		defer cancel()
		res := o.executePush(ctx, job)
		o.post(func() { o.finishPush(job, res) })
	}()
}

// executePush runs off the loop. It performs at most two writes: the first
// with the BASE token, and one retry after re-fetching and merging if that
// token was stale.
func (o *Orchestrator) executePush(ctx context.Context, job pushJob) pushResult {
	if (job.hasBase && record.Equal(job.local, job.base)) || (!job.hasBase && job.local.IsEmpty()) {
		return pushResult{written: job.base, token: job.token, noop: true}
	}

	token, err := o.remote.Write(ctx, job.key, remote.NewDocument(job.local), job.token)
	if err == nil {
		return pushResult{written: job.local, token: token}
	}
	if !errors.Is(err, remote.ErrVersionConflict) {
		return pushResult{err: err}
	}

	o.config.Logger.Printf("Remote changed under %s, merging and retrying", job.key)
	fetched, err := o.remote.Fetch(ctx, job.key)
	if err != nil {
		return pushResult{err: fmt.Errorf("failed to re-fetch after conflict: %w", err)}
	}
	theirs := record.Dataset{Warehouses: []record.Warehouse{}, Products: []record.Product{}}
	theirToken := ""
	if fetched != nil {
		theirs = fetched.Document.Dataset.Claim(job.identity)
		theirToken = fetched.Token
	}

	res, err := merge.Dataset(job.base, job.local, theirs)
	if err != nil {
		return pushResult{err: fmt.Errorf("failed to merge: %w", err)}
	}

	token, err = o.remote.Write(ctx, job.key, remote.NewDocument(res.Merged), theirToken)
	if err != nil {
		return pushResult{err: fmt.Errorf("retry after conflict failed: %w", err), conflicts: res.Conflicts}
	}
	return pushResult{written: res.Merged, token: token, merged: true, conflicts: res.Conflicts}
}

// finishPush applies a push result on the loop.
func (o *Orchestrator) finishPush(job pushJob, res pushResult) {
	delete(o.pushing, job.identity)
	now := o.config.Now()
	current := job.epoch == o.s.epoch

	if res.err != nil && remote.IsOffline(res.err) {
		o.config.Metrics.push("unreachable")
		o.config.Logger.Printf("Push for %s deferred: %v", job.identity, res.err)
		if current && !o.closing {
			// Waiters stay attached until the push that delivers.
			o.s.pending = append(job.waiters, o.s.pending...)
			o.s.deferred = true
			o.s.state = StateIdle
			o.after(o.config.OfflineRetry, o.startPush)
			o.notify()
			return
		}
		o.resolve(&job.waiters, res.err)
		o.resumeIdentity(job.identity)
		return
	}

	if res.err == nil {
		o.recordPush(job, res, now, current)
	}
	o.resolve(&job.waiters, res.err)

	if !current || o.closing {
		o.resumeIdentity(job.identity)
		return
	}

	s := &o.s
	if res.err != nil {
		o.config.Metrics.push("error")
		o.config.Logger.Printf("Push for %s failed: %v", job.identity, res.err)
		s.lastErr = res.err
		s.conflicts = res.conflicts
		s.state = StateError
	} else {
		s.lastErr = nil
		s.state = StateIdle
	}
	o.notify()

	if s.queued || len(s.pending) > 0 {
		o.requestPush(nil, s.immediate)
	}
}

// resumeIdentity starts pushes that a later session of identity queued
// behind a push from an earlier session.
func (o *Orchestrator) resumeIdentity(identity string) {
	if o.closing || o.s.identity != identity {
		return
	}
	o.notify()
	o.resumeQueued()
}

// recordPush stores the written dataset as BASE and folds a merged result
// back into local state.
func (o *Orchestrator) recordPush(job pushJob, res pushResult, now time.Time, current bool) {
	written := res.written
	base, compacted := o.compact(written, now)
	if compacted > 0 {
		o.config.Logger.Printf("Compacted %d tombstones for %s", compacted, job.identity)
	}

	changed := !res.noop || compacted > 0
	if changed {
		if err := o.snapshots.Set(context.Background(), job.identity, base, res.token); err != nil {
			o.config.Logger.Printf("Error saving snapshot for %s: %v", job.identity, err)
		}
	}

	switch {
	case res.noop:
		o.config.Metrics.push("noop")
	case res.merged:
		o.config.Metrics.push("merged")
		o.config.Metrics.conflict(conflictFields(res.conflicts))
	default:
		o.config.Metrics.push("ok")
		o.config.Logger.Printf("Pushed %s (%d records, token %s)", job.key, written.Len(), res.token)
	}

	s := &o.s
	if !current {
		// A later session of the same identity adopts the pushed BASE so it
		// agrees with the stored snapshot.
		if changed && s.identity == job.identity && !o.closing {
			s.base = &snapshot.Snapshot{Dataset: base.Sorted(), Token: res.token, SavedAt: now.UTC()}
			s.lastSynced = now
		}
		return
	}
	if changed {
		s.base = &snapshot.Snapshot{Dataset: base.Sorted(), Token: res.token, SavedAt: now.UTC()}
	}
	s.lastSynced = now
	if res.merged {
		s.conflicts = res.conflicts
	}

	others := s.local.Without(s.identity)
	switch {
	case res.merged && s.rev == job.rev:
		s.local = record.Union(others, base)
	case res.merged:
		// Local changed while the push ran; fold the merged result in with
		// the pushed state as the common ancestor.
		m, err := merge.Dataset(job.local, o.own(), written)
		if err != nil {
			o.config.Logger.Printf("Error merging pushed state: %v", err)
			break
		}
		s.local = record.Union(others, m.Merged)
	case compacted > 0:
		own, _ := o.compact(o.own(), now)
		s.local = record.Union(others, own)
	}
	if err := o.saveLocal(); err != nil {
		o.config.Logger.Printf("Error saving local data: %v", err)
	}
}

// compact drops tombstones older than the retention window.
func (o *Orchestrator) compact(d record.Dataset, now time.Time) (record.Dataset, int) {
	if o.config.TombstoneRetention <= 0 {
		return d, 0
	}
	return record.Compact(d, now.Add(-o.config.TombstoneRetention))
}

func conflictFields(cs []merge.Conflict) int {
	n := 0
	for _, c := range cs {
		n += len(c.Fields)
	}
	return n
}
