package orchestrator

import (
	"context"
	"fmt"

	"github.com/stocksync/stocksync/internal/merge"
	"github.com/stocksync/stocksync/internal/record"
	"github.com/stocksync/stocksync/internal/remote"
)

type pullResult struct {
	fetched *remote.Fetched
	err     error
}

// startPull fetches the identity's remote document off the loop. reply, if
// non-nil, receives the outcome.
func (o *Orchestrator) startPull(reply chan error) {
	s := &o.s
	if !o.net.Online() {
		s.pullPending = true
		o.config.Metrics.pull("deferred")
		o.config.Logger.Printf("Offline, deferring pull for %s", s.identity)
		o.setState(StateIdle)
		if reply != nil {
			reply <- nil
		}
		return
	}

	s.pullPending = false
	identity, key, epoch := s.identity, s.key, s.epoch
	o.setState(StatePulling)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), o.config.PushTimeout)
		defer cancel()
		fetched, err := o.remote.Fetch(ctx, key)
		o.post(func() {
			err := o.finishPull(identity, epoch, pullResult{fetched: fetched, err: err})
			if reply != nil {
				reply <- err
			}
		})
	}()
}

// finishPull applies the fetched document:
//   - remote absent: keep local; own records are pushed as the first version
//   - local clean (equal to BASE, or empty): replace local with remote
//   - local dirty: three-way merge against BASE, then push the result
//
// In every present case the remote becomes the new BASE.
func (o *Orchestrator) finishPull(identity string, epoch int, res pullResult) error {
	s := &o.s
	if epoch != s.epoch {
		return ErrNotLoggedIn
	}

	if res.err != nil {
		if remote.IsOffline(res.err) {
			o.config.Metrics.pull("deferred")
			o.config.Logger.Printf("Pull for %s deferred: %v", identity, res.err)
			s.pullPending = true
			o.setState(StateIdle)
			return nil
		}
		o.config.Metrics.pull("error")
		o.config.Logger.Printf("Pull for %s failed: %v", identity, res.err)
		s.lastErr = res.err
		o.setState(StateError)
		o.resumeQueued()
		return fmt.Errorf("pull failed: %w", res.err)
	}

	if res.fetched == nil {
		o.config.Metrics.pull("absent")
		o.config.Logger.Printf("No remote document for %s yet", identity)
		if s.base != nil {
			// The remote was removed; there is nothing left to anchor a merge.
			if err := o.snapshots.Clear(context.Background(), identity); err != nil {
				o.config.Logger.Printf("Error clearing snapshot: %v", err)
			}
			s.base = nil
		}
		s.lastErr = nil
		o.setState(StateIdle)
		if o.dirty() {
			o.requestPush(nil, false)
		}
		o.resumeQueued()
		return nil
	}

	theirs := res.fetched.Document.Dataset.Claim(identity)
	own := o.own()
	others := s.local.Without(identity)
	clean := own.IsEmpty() || (s.base != nil && record.Equal(own, s.base.Dataset))

	if clean {
		o.config.Metrics.pull("replaced")
		s.local = record.Union(others, theirs)
	} else {
		base := record.Dataset{Warehouses: []record.Warehouse{}, Products: []record.Product{}}
		if s.base != nil {
			base = s.base.Dataset
		}
		m, err := merge.Dataset(base, own, theirs)
		if err != nil {
			s.lastErr = err
			o.setState(StateError)
			return fmt.Errorf("failed to merge pulled document: %w", err)
		}
		o.config.Metrics.pull("merged")
		o.config.Metrics.conflict(conflictFields(m.Conflicts))
		s.local = record.Union(others, m.Merged)
		s.conflicts = m.Conflicts
		if len(m.Conflicts) > 0 {
			o.config.Logger.Printf("Merged %d conflicting records for %s", len(m.Conflicts), identity)
		}
	}
	s.rev++

	if err := o.snapshots.Set(context.Background(), identity, theirs, res.fetched.Token); err != nil {
		s.lastErr = err
		o.setState(StateError)
		return err
	}
	snap, err := o.snapshots.Get(context.Background(), identity)
	if err != nil {
		o.config.Logger.Printf("Error reloading snapshot: %v", err)
	}
	s.base = snap
	if err := o.saveLocal(); err != nil {
		o.config.Logger.Printf("Error saving local data: %v", err)
	}

	s.lastErr = nil
	s.lastSynced = o.config.Now()
	o.config.Logger.Printf("Pulled %s (%d records, token %s)", s.key, theirs.Len(), res.fetched.Token)
	o.setState(StateIdle)

	if o.dirty() {
		o.requestPush(nil, false)
	}
	o.resumeQueued()
	return nil
}

// resumeQueued starts pushes that were requested while the pull ran.
func (o *Orchestrator) resumeQueued() {
	s := &o.s
	if s.state == StatePushScheduled || s.state == StatePushing {
		return
	}
	if s.queued || len(s.pending) > 0 {
		o.requestPush(nil, s.immediate)
	}
}
