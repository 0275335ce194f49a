package xct

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/gleandb/glean/epoch"
	"github.com/gleandb/glean/errcode"
	glog "github.com/gleandb/glean/log"
)

// MovedTracker re-resolves a write-set entry whose record migrated
// between add-to-write-set and lock acquisition. The storage manager
// implements it by dispatching on the entry's storage.
type MovedTracker interface {
	TrackMoved(w *WriteAccess) errcode.ErrorCode
}

// Manager drives transaction begin/precommit/abort, epoch advancement,
// and the pause barrier the snapshot installer uses.
type Manager struct {
	clock      *epoch.Clock
	logMgr     *glog.Manager
	tracker    MovedTracker
	ordinalCap uint32
	latch      *rundownLatch
	rll        bool

	stop chan struct{}
	done chan struct{}
}

func NewManager(clock *epoch.Clock, logMgr *glog.Manager, tracker MovedTracker,
	ordinalCap uint32) *Manager {

	if ordinalCap == 0 || ordinalCap > MaxOrdinal {
		ordinalCap = MaxOrdinal
	}
	return &Manager{
		clock:      clock,
		logMgr:     logMgr,
		tracker:    tracker,
		ordinalCap: ordinalCap,
		latch:      newRundownLatch(),
		rll:        true,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// SetRetrospectiveLocking toggles retrospective lock list construction
// on race aborts; on by default.
func (mgr *Manager) SetRetrospectiveLocking(enabled bool) {
	mgr.rll = enabled
}

// Start runs the epoch-advance daemon: the time-quantum trigger for
// advancement. The other triggers, ordinal exhaustion and log boundary
// requests, advance the clock inline.
func (mgr *Manager) Start(quantum time.Duration) {
	go func() {
		defer close(mgr.done)
		ticker := time.NewTicker(quantum)
		defer ticker.Stop()
		for {
			select {
			case <-mgr.stop:
				return
			case <-ticker.C:
				mgr.clock.Advance()
			}
		}
	}()
}

func (mgr *Manager) Stop() {
	select {
	case <-mgr.stop:
	default:
		close(mgr.stop)
	}
	<-mgr.done
}

func (mgr *Manager) Clock() *epoch.Clock {
	return mgr.clock
}

// Begin activates the thread's transaction, holding the rundown latch in
// shared mode until the transaction ends.
func (mgr *Manager) Begin(x *Xct, isolation IsolationLevel) errcode.ErrorCode {
	if x.Active() {
		return errcode.XctAlreadyActive
	}
	mgr.latch.enter()
	code := x.Activate(isolation)
	if code != errcode.Ok {
		mgr.latch.exit()
		return code
	}
	return errcode.Ok
}

// Abort discards the transaction, releasing its latch hold. Locks are
// never held outside precommit, so there is nothing to unlock here.
func (mgr *Manager) Abort(x *Xct) errcode.ErrorCode {
	if !x.Active() {
		return errcode.XctNotActive
	}
	x.Retrospective().Clear()
	x.Deactivate()
	mgr.latch.exit()
	return errcode.Ok
}

// Precommit attempts to commit the thread's transaction following the
// optimistic protocol: lock the write set in address order, read the
// commit epoch, validate every observation, issue the new id, publish,
// unlock. On a race the transaction is aborted with the retrospective
// lock list populated and XctRaceAbort returned; the transaction is
// always deactivated when Precommit returns, whatever the outcome.
func (mgr *Manager) Precommit(x *Xct, buf *glog.Buffer) (epoch.Epoch, errcode.ErrorCode) {
	if !x.Active() {
		return epoch.Invalid, errcode.XctNotActive
	}

	if x.ReadOnly() {
		commitEpoch, code := mgr.precommitReadOnly(x)
		x.Deactivate()
		mgr.latch.exit()
		return commitEpoch, code
	}

	commitEpoch, code := mgr.precommitReadWrite(x, buf)
	x.Deactivate()
	mgr.latch.exit()
	return commitEpoch, code
}

func (mgr *Manager) precommitReadOnly(x *Xct) (epoch.Epoch, errcode.ErrorCode) {
	if x.Isolation() == Snapshot {
		// Snapshot reads against the grace epoch are consistent by
		// construction.
		return mgr.clock.Grace(), errcode.Ok
	}
	commitEpoch := mgr.clock.Current()
	if !mgr.validate(x) {
		return epoch.Invalid, errcode.XctRaceAbort
	}
	return commitEpoch, errcode.Ok
}

func (mgr *Manager) precommitReadWrite(x *Xct, buf *glog.Buffer) (epoch.Epoch, errcode.ErrorCode) {
	code := mgr.lockWriteSet(x)
	if code != errcode.Ok {
		mgr.unlockAll(x)
		mgr.raceAbort(x)
		return epoch.Invalid, code
	}

	commitEpoch := mgr.clock.Current()
	buf.BeginCommit(commitEpoch)

	if !mgr.validate(x) {
		buf.EndCommit()
		mgr.unlockAll(x)
		mgr.raceAbort(x)
		return epoch.Invalid, errcode.XctRaceAbort
	}

	newID := mgr.issueNextID(x, &commitEpoch)
	mgr.publish(x, buf, commitEpoch, newID)
	buf.EndCommit()
	mgr.unlockAll(x)

	x.Retrospective().Clear()
	return commitEpoch, errcode.Ok
}

// lockWriteSet acquires the writer lock on every write-set owner in
// ascending address order, re-resolving records that moved under us.
func (mgr *Manager) lockWriteSet(x *Xct) errcode.ErrorCode {
	for i := range x.writeSet {
		w := &x.writeSet[i]
		if w.Owner.IsMoved() {
			code := mgr.tracker.TrackMoved(w)
			if code != errcode.Ok {
				return code
			}
			// The related read follows the record to its new home; its
			// observed version stays, so validation still catches any
			// commit that slipped in around the migration.
			if w.RelatedRead >= 0 {
				x.readSet[w.RelatedRead].Owner = w.Owner
			}
		}
		x.cll.Add(w.Owner)
	}
	x.cll.Finalize()

	for i := range x.cll.entries {
		ent := &x.cll.entries[i]
		ent.Owner.WriteLock(x.threadID)
		ent.locked = true
		if ent.Owner.IsMoved() {
			// Moved while we were locking; the lock list is stale.
			return errcode.StrMovedRecord
		}
	}

	for i := range x.writeSet {
		w := &x.writeSet[i]
		w.locked = true
	}
	return errcode.Ok
}

func (mgr *Manager) unlockAll(x *Xct) {
	entries := x.cll.entries
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].locked {
			entries[i].Owner.WriteUnlock()
			entries[i].locked = false
		}
	}
}

// validate re-checks every observation against current state. The
// version comparison ignores lock state: a read-set entry whose record
// this transaction itself locked (a related write) is not a conflict,
// but its version must still be what was observed.
func (mgr *Manager) validate(x *Xct) bool {
	for i := range x.readSet {
		r := &x.readSet[i]
		cur := r.Owner.Load()
		if !cur.EqualsObserved(r.Observed) {
			return false
		}
		if r.RelatedWrite < 0 &&
			r.Owner.IsWriteLocked() && r.Owner.LastWriter() != x.threadID {
			return false
		}
	}
	for i := range x.pointerSet {
		p := &x.pointerSet[i]
		if p.Address.Volatile() != p.Observed {
			return false
		}
	}
	for i := range x.pageVersionSet {
		pv := &x.pageVersionSet[i]
		if !pv.Address.Verify(pv.Observed) {
			return false
		}
	}
	return true
}

// issueNextID computes the id per the issuance rules: strictly above the
// thread's previous id and above every id this transaction observed, in
// the commit epoch; ordinal exhaustion advances the epoch and retries.
func (mgr *Manager) issueNextID(x *Xct, commitEpoch *epoch.Epoch) XctId {
	maxObserved := x.lastIssued
	for i := range x.readSet {
		maxObserved = MaxXctId(maxObserved, x.readSet[i].Observed)
	}
	for i := range x.writeSet {
		maxObserved = MaxXctId(maxObserved, x.writeSet[i].Owner.Load())
	}

	for {
		e := *commitEpoch
		var ordinal uint32
		if maxObserved.Valid() && !maxObserved.Epoch().Before(e) {
			if maxObserved.Epoch().After(e) {
				// Observation from a later epoch; catch the clock up.
				mgr.clock.WaitUntilCurrent(maxObserved.Epoch())
				*commitEpoch = mgr.clock.Current()
				continue
			}
			ordinal = maxObserved.Ordinal() + 1
		} else {
			ordinal = 1
		}
		if ordinal == 0 || ordinal > mgr.ordinalCap {
			// Ordinal space exhausted within this epoch.
			next := mgr.clock.Advance()
			log.WithFields(log.Fields{
				"thread": x.threadID,
				"epoch":  next,
			}).Debug("ordinal exhausted, advanced epoch")
			*commitEpoch = next
			maxObserved = MaxXctId(maxObserved, MakeXctId(e, mgr.ordinalCap))
			continue
		}
		id := MakeXctId(e, ordinal)
		x.lastIssued = id
		return id
	}
}

// publish applies every write under its lock, stamps the issued id with
// release semantics, and appends the redo records to the thread's log
// buffer. Lock-free writes append without locking.
func (mgr *Manager) publish(x *Xct, buf *glog.Buffer, commitEpoch epoch.Epoch, id XctId) {
	records := make([][]byte, 0, len(x.writeSet)+len(x.lockFreeWrites))
	for i := range x.writeSet {
		w := &x.writeSet[i]
		stamped := id
		if w.Apply != nil {
			stamped = w.Apply(w, id)
		}
		glog.StampXctID(w.Log, stamped.Data(), x.threadID)
		w.Owner.SetCommitted(stamped)
		records = append(records, w.Log)
	}
	for i := range x.lockFreeWrites {
		lf := &x.lockFreeWrites[i]
		if lf.Apply != nil {
			lf.Apply(lf, id)
		}
		glog.StampXctID(lf.Log, id.Data(), x.threadID)
		records = append(records, lf.Log)
	}
	buf.Append(commitEpoch, records)
}

// raceAbort deactivates after a validation failure, saving the write
// set's lock addresses as the retrospective hint for the retry.
func (mgr *Manager) raceAbort(x *Xct) {
	if mgr.rll {
		x.rll.Construct(&x.cll)
	}
	x.cll.Clear()
}

// WaitForCommit blocks until the given commit epoch is durable.
func (mgr *Manager) WaitForCommit(e epoch.Epoch) error {
	return mgr.logMgr.WaitDurable(e)
}

// PauseAll blocks new transaction begins and waits for in-flight
// transactions to finish; the snapshot installer wraps pointer
// installation in PauseAll/ResumeAll.
func (mgr *Manager) PauseAll() {
	mgr.latch.pause()
}

func (mgr *Manager) ResumeAll() {
	mgr.latch.resume()
}
