package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"worksync.agent/internal/core/model"
	"worksync.agent/internal/ports/gateway"
	"worksync.agent/internal/ports/localstore"
	"worksync.agent/internal/ports/location"
)

// SyncService orchestrates reads and writes across the local store and the
// remote gateway, owns the in-memory derived state per worker, and is the
// single public surface the UI consumes.
//
// Every mutating operation is local-first: it succeeds once the local write
// lands, and remote consistency is eventual. All operations for one worker
// serialize on that worker's lock; different workers never block each other.
type SyncService struct {
	store   localstore.Store
	gw      gateway.Gateway
	online  func() bool
	company string

	now   func() time.Time
	newID func() string

	mu    sync.Mutex
	locks map[string]*workerLock

	stateMu sync.RWMutex
	state   map[string]*workerState
}

type workerLock struct {
	sync.Mutex
	issued  atomic.Uint64
	applied uint64 // highest load generation applied; guarded by the lock
}

// workerState is the derived in-memory view for one worker. Owned
// exclusively by the service; read under stateMu.
type workerState struct {
	assignments  []model.AssignmentRecord
	sessions     []model.WorkSession
	open         *model.WorkSession
	highWater    string
	hasHighWater bool
}

// NewSyncService wires the synchronizer. online reports the connectivity
// monitor's current view; companyID scopes every remote read.
func NewSyncService(store localstore.Store, gw gateway.Gateway, online func() bool, companyID string) *SyncService {
	return &SyncService{
		store:   store,
		gw:      gw,
		online:  online,
		company: companyID,
		now:     time.Now,
		newID:   uuid.NewString,
		locks:   map[string]*workerLock{},
		state:   map[string]*workerState{},
	}
}

func (s *SyncService) lockFor(workerID string) *workerLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	wl, ok := s.locks[workerID]
	if !ok {
		wl = &workerLock{}
		s.locks[workerID] = wl
	}
	return wl
}

func (s *SyncService) getState(workerID string) *workerState {
	st, ok := s.state[workerID]
	if !ok {
		st = &workerState{}
		s.state[workerID] = st
	}
	return st
}

// LoadDay loads each worker's assignments and sessions for the date. Online
// (or when forceRemote demands it) the authoritative ordering comes from the
// gateway and is mirrored into the local cache; offline the cache serves.
// An empty day is a valid result, never an error.
func (s *SyncService) LoadDay(ctx context.Context, date string, workerIDs []string, forceRemote bool) error {
	if len(workerIDs) == 0 {
		return errors.New("loadDay requires at least one worker id")
	}
	for _, wid := range workerIDs {
		if err := s.loadWorkerDay(ctx, wid, date, forceRemote); err != nil {
			return err
		}
	}
	return nil
}

func (s *SyncService) loadWorkerDay(ctx context.Context, workerID, date string, forceRemote bool) error {
	wl := s.lockFor(workerID)
	// Generation is taken at issue time: if a newer LoadDay for this worker
	// is issued while this one is fetching, this result is discarded.
	gen := wl.issued.Add(1)

	var (
		recs       []model.AssignmentRecord
		sessions   []model.WorkSession
		open       *model.WorkSession
		fromRemote bool
		err        error
	)

	if s.online() || forceRemote {
		recs, err = s.gw.ListAssignments(ctx, s.company, date, []string{workerID})
		if err == nil {
			fromRemote = true
			if sessions, err = s.gw.ListSessionsForDay(ctx, workerID, date); err == nil {
				open, err = s.gw.FetchOpenSession(ctx, workerID)
			}
		}
		if err != nil && gateway.IsTransient(err) {
			log.Debug().Err(err).Str("worker_id", workerID).Msg("remote load unavailable, falling back to local cache")
			fromRemote = false
			err = nil
		}
		if err != nil {
			return err
		}
	}

	if !fromRemote {
		if recs, err = s.store.ListAssignments(ctx, workerID, date); err != nil {
			return localStoreErr("load assignments", err)
		}
		if sessions, err = s.store.ListSessionsForDay(ctx, workerID, date); err != nil {
			return localStoreErr("load sessions", err)
		}
		if open, err = s.store.GetOpenSession(ctx, workerID); err != nil {
			return localStoreErr("load open session", err)
		}
	}

	wl.Lock()
	defer wl.Unlock()
	if gen <= wl.applied {
		log.Debug().Str("worker_id", workerID).Uint64("generation", gen).Msg("discarding superseded day load")
		return nil
	}

	if fromRemote {
		// Delete-then-insert so the cache exactly reflects the
		// authoritative ordering, including remotely deleted rows.
		if err := s.store.ReplaceAssignmentsForDay(ctx, workerID, date, recs); err != nil {
			return localStoreErr("mirror assignments", err)
		}
	}
	wl.applied = gen

	s.stateMu.Lock()
	st := s.getState(workerID)
	st.assignments = recs
	st.sessions = sessions
	st.open = open
	st.highWater, st.hasHighWater = HighWaterMark(sessions, recs)
	s.stateMu.Unlock()

	log.Info().Str("worker_id", workerID).Str("date", date).
		Int("assignments", len(recs)).Bool("remote", fromRemote).Msg("day loaded")
	return nil
}

// DayView returns the worker's assignments with derived statuses, ordered by
// sort key. Reads observe either the pre- or post-write state of any
// concurrent mutation, never a torn intermediate.
func (s *SyncService) DayView(workerID string) []model.ClassifiedAssignment {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	st, ok := s.state[workerID]
	if !ok {
		return nil
	}
	return Classify(st.assignments, st.open, st.highWater, st.hasHighWater)
}

// OpenSession returns the worker's currently open session, or nil.
func (s *SyncService) OpenSession(workerID string) *model.WorkSession {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	if st, ok := s.state[workerID]; ok && st.open.Open() {
		cp := *st.open
		return &cp
	}
	return nil
}

// NextAssignment returns the worker's next-assignable assignment, or nil.
func (s *SyncService) NextAssignment(workerID string) *model.AssignmentRecord {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	st, ok := s.state[workerID]
	if !ok {
		return nil
	}
	id := NextAssignmentID(st.assignments, st.open, st.highWater, st.hasHighWater)
	for i := range st.assignments {
		if st.assignments[i].ID == id {
			cp := st.assignments[i]
			return &cp
		}
	}
	return nil
}

// KnownWorkers lists every worker with loaded day state.
func (s *SyncService) KnownWorkers() []string {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	ids := make([]string, 0, len(s.state))
	for wid := range s.state {
		ids = append(ids, wid)
	}
	return ids
}

// Assignment returns the in-memory copy of one assignment, if loaded.
func (s *SyncService) Assignment(ctx context.Context, id string) (*model.AssignmentRecord, error) {
	rec, err := s.store.GetAssignment(ctx, id)
	if errors.Is(err, localstore.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, localStoreErr("get assignment", err)
	}
	return rec, nil
}

// InsertAssignment creates a new assignment under a temporary local id,
// durable before anything else happens, then pushes remotely when online.
// A failed push leaves the row queued, never rolled back.
func (s *SyncService) InsertAssignment(ctx context.Context, rec model.AssignmentRecord) (model.AssignmentRecord, error) {
	rec.ID = s.newID()
	rec.CompanyID = s.company
	rec.CreatedAt = s.now().UTC()
	rec.Synced = false

	wl := s.lockFor(rec.WorkerID)
	wl.Lock()
	defer wl.Unlock()

	if err := s.store.InsertAssignment(ctx, rec); err != nil {
		return model.AssignmentRecord{}, localStoreErr("insert assignment", err)
	}
	s.applyAssignmentUpsert(rec)

	if s.online() {
		rec = s.pushAssignment(ctx, rec)
	}
	return rec, nil
}

// pushAssignment attempts the remote write and reconciles the server id
// back into the row. Caller holds the worker lock.
func (s *SyncService) pushAssignment(ctx context.Context, rec model.AssignmentRecord) model.AssignmentRecord {
	serverID, err := s.gw.UpsertAssignment(ctx, rec)
	if err != nil {
		s.logPushFailure(err, "assignment", rec.ID)
		return rec
	}
	if err := s.store.ConfirmAssignment(ctx, rec.ID, serverID); err != nil {
		log.Error().Err(err).Str("assignment_id", rec.ID).Msg("failed to confirm assignment locally")
		return rec
	}
	s.applyAssignmentIDChange(rec.WorkerID, rec.ID, serverID)
	rec.ID = serverID
	rec.Synced = true
	return rec
}

// pushAssignmentUpdate targets a row the server already confirmed: a plain
// update by id, no id reconciliation needed. Caller holds the worker lock.
func (s *SyncService) pushAssignmentUpdate(ctx context.Context, rec model.AssignmentRecord) {
	if err := s.gw.UpdateAssignment(ctx, rec); err != nil {
		s.logPushFailure(err, "assignment", rec.ID)
		return
	}
	rec.Synced = true
	if err := s.store.UpdateAssignment(ctx, rec); err != nil {
		log.Error().Err(err).Str("assignment_id", rec.ID).Msg("failed to mark assignment synced")
		return
	}
	s.applyAssignmentUpsert(rec)
}

func (s *SyncService) logPushFailure(err error, entity, id string) {
	if gateway.IsTransient(err) {
		log.Debug().Err(err).Str(entity+"_id", id).Msg("remote push deferred")
		return
	}
	log.Error().Err(err).Str(entity+"_id", id).Msg("remote rejected push; local copy kept unsynced")
}

// UpdateSortKey reorders an assignment within its day.
func (s *SyncService) UpdateSortKey(ctx context.Context, id, newKey string) error {
	return s.mutateAssignment(ctx, id, func(rec *model.AssignmentRecord) {
		rec.SortKey = newKey
	})
}

// UpdateStartTime edits the planned clock time; nil clears it.
func (s *SyncService) UpdateStartTime(ctx context.Context, id string, startTime *string) error {
	return s.mutateAssignment(ctx, id, func(rec *model.AssignmentRecord) {
		rec.StartTime = startTime
	})
}

// MoveToWorker reassigns the row to another worker with a new sort key.
func (s *SyncService) MoveToWorker(ctx context.Context, id, newWorkerID, newKey string) error {
	rec, err := s.store.GetAssignment(ctx, id)
	if err != nil {
		if errors.Is(err, localstore.ErrNotFound) {
			return err
		}
		return localStoreErr("get assignment", err)
	}
	oldWorker := rec.WorkerID

	// Lock both workers in a fixed order to avoid deadlock with a
	// concurrent move in the other direction.
	first, second := oldWorker, newWorkerID
	if second < first {
		first, second = second, first
	}
	fl := s.lockFor(first)
	fl.Lock()
	defer fl.Unlock()
	if second != first {
		sl := s.lockFor(second)
		sl.Lock()
		defer sl.Unlock()
	}

	confirmed := rec.Synced
	rec.WorkerID = newWorkerID
	rec.SortKey = newKey
	rec.Synced = false
	if err := s.store.UpdateAssignment(ctx, *rec); err != nil {
		return localStoreErr("move assignment", err)
	}

	s.stateMu.Lock()
	if st, ok := s.state[oldWorker]; ok {
		st.assignments = removeAssignment(st.assignments, id)
	}
	s.stateMu.Unlock()
	s.applyAssignmentUpsert(*rec)

	if s.online() {
		if confirmed {
			s.pushAssignmentUpdate(ctx, *rec)
		} else {
			s.pushAssignment(ctx, *rec)
		}
	}
	return nil
}

func (s *SyncService) mutateAssignment(ctx context.Context, id string, mutate func(*model.AssignmentRecord)) error {
	rec, err := s.store.GetAssignment(ctx, id)
	if err != nil {
		if errors.Is(err, localstore.ErrNotFound) {
			return err
		}
		return localStoreErr("get assignment", err)
	}

	wl := s.lockFor(rec.WorkerID)
	wl.Lock()
	defer wl.Unlock()

	confirmed := rec.Synced
	mutate(rec)
	rec.Synced = false
	if err := s.store.UpdateAssignment(ctx, *rec); err != nil {
		return localStoreErr("update assignment", err)
	}
	s.applyAssignmentUpsert(*rec)

	if s.online() {
		if confirmed {
			s.pushAssignmentUpdate(ctx, *rec)
		} else {
			s.pushAssignment(ctx, *rec)
		}
	}
	return nil
}

// DeleteAssignment removes the row locally and, when online, remotely.
// Remote deletion of a row the server never saw is a no-op.
func (s *SyncService) DeleteAssignment(ctx context.Context, id string) error {
	rec, err := s.store.GetAssignment(ctx, id)
	if err != nil {
		if errors.Is(err, localstore.ErrNotFound) {
			return err
		}
		return localStoreErr("get assignment", err)
	}

	wl := s.lockFor(rec.WorkerID)
	wl.Lock()
	defer wl.Unlock()

	if err := s.store.DeleteAssignment(ctx, id); err != nil {
		return localStoreErr("delete assignment", err)
	}
	s.stateMu.Lock()
	if st, ok := s.state[rec.WorkerID]; ok {
		st.assignments = removeAssignment(st.assignments, id)
	}
	s.stateMu.Unlock()

	if s.online() {
		if err := s.gw.DeleteAssignment(ctx, id); err != nil {
			s.logPushFailure(err, "assignment", id)
		}
	}
	return nil
}

// StartSession checks the worker in against an assignment. Preconditions, in
// order: no session already open; the backend (or offline, the local
// classifier) accepts the assignment as next-assignable. The geofence guard
// has already confirmed proximity before calling here.
func (s *SyncService) StartSession(ctx context.Context, workerID, assignmentID string, pos location.Position) (model.WorkSession, error) {
	wl := s.lockFor(workerID)
	wl.Lock()
	defer wl.Unlock()

	open, err := s.store.GetOpenSession(ctx, workerID)
	if err != nil {
		return model.WorkSession{}, localStoreErr("find open session", err)
	}
	if open.Open() {
		return model.WorkSession{}, ErrAlreadyCheckedIn
	}

	if err := s.validateCheckin(ctx, workerID, assignmentID); err != nil {
		return model.WorkSession{}, err
	}

	now := s.now().UTC()
	ws := model.WorkSession{
		ID:           s.newID(),
		CompanyID:    s.company,
		WorkerID:     workerID,
		AssignmentID: assignmentID,
		StartTime:    now,
		CreatedAt:    now,
		Synced:       false,
	}
	// The enter event goes in first: if it cannot be queued the check-in
	// fails before the session row exists, instead of losing the event.
	if err := s.recordTransition(ctx, workerID, assignmentID, model.EventEnterGeofence, pos, "checked in"); err != nil {
		return model.WorkSession{}, err
	}
	if err := s.store.InsertSession(ctx, ws); err != nil {
		return model.WorkSession{}, localStoreErr("insert session", err)
	}

	s.stateMu.Lock()
	st := s.getState(workerID)
	cp := ws
	st.open = &cp
	st.sessions = append(st.sessions, ws)
	s.stateMu.Unlock()

	if s.online() {
		ws = s.pushSession(ctx, ws)
	}

	log.Info().Str("worker_id", workerID).Str("assignment_id", assignmentID).Msg("work session started")
	return ws, nil
}

// validateCheckin runs the authoritative server gate when reachable and
// falls back to the local next computation otherwise.
func (s *SyncService) validateCheckin(ctx context.Context, workerID, assignmentID string) error {
	if s.online() {
		ok, err := s.gw.ValidateCheckin(ctx, workerID, assignmentID)
		if err == nil {
			if !ok {
				return ErrInvalidAssignmentForCheckin
			}
			return nil
		}
		if !gateway.IsTransient(err) {
			return err
		}
		log.Debug().Err(err).Msg("check-in validation unreachable, using local ordering")
	}

	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	st, ok := s.state[workerID]
	if !ok {
		return ErrInvalidAssignmentForCheckin
	}
	if NextAssignmentID(st.assignments, st.open, st.highWater, st.hasHighWater) != assignmentID {
		return ErrInvalidAssignmentForCheckin
	}
	return nil
}

func (s *SyncService) pushSession(ctx context.Context, ws model.WorkSession) model.WorkSession {
	serverID, err := s.gw.UpsertSession(ctx, ws)
	if err != nil {
		s.logPushFailure(err, "session", ws.ID)
		return ws
	}
	if err := s.store.ConfirmSession(ctx, ws.ID, serverID); err != nil {
		log.Error().Err(err).Str("session_id", ws.ID).Msg("failed to confirm session locally")
		return ws
	}
	s.applySessionIDChange(ws.WorkerID, ws.ID, serverID)
	ws.ID = serverID
	ws.Synced = true
	return ws
}

// EndSession checks the worker out. The session must be the worker's
// currently open one. Clearing the open session is what flips the following
// assignment's derived status to next.
func (s *SyncService) EndSession(ctx context.Context, workerID, sessionID string, pos location.Position) error {
	wl := s.lockFor(workerID)
	wl.Lock()
	defer wl.Unlock()

	open, err := s.store.GetOpenSession(ctx, workerID)
	if err != nil {
		return localStoreErr("find open session", err)
	}
	if !open.Open() || open.ID != sessionID {
		return ErrSessionNotFound
	}

	confirmed := open.Synced
	now := s.now().UTC()
	open.EndTime = &now
	open.Synced = false
	// Same ordering as check-in: a failed exit event leaves the session
	// open and the checkout retriable.
	if err := s.recordTransition(ctx, workerID, open.AssignmentID, model.EventExitGeofence, pos, "checked out"); err != nil {
		return err
	}
	if err := s.store.UpdateSession(ctx, *open); err != nil {
		return localStoreErr("end session", err)
	}

	s.stateMu.Lock()
	st := s.getState(workerID)
	st.open = nil
	st.sessions = replaceSession(st.sessions, *open)
	st.highWater, st.hasHighWater = HighWaterMark(st.sessions, st.assignments)
	s.stateMu.Unlock()

	if s.online() {
		if confirmed {
			// The server already knows this id; a targeted end-time
			// update beats re-sending the whole row.
			if err := s.gw.UpdateSessionEnd(ctx, open.ID, now); err != nil {
				s.logPushFailure(err, "session", open.ID)
			} else {
				s.markSessionSynced(ctx, *open)
			}
		} else {
			s.pushSession(ctx, *open)
		}
	}

	log.Info().Str("worker_id", workerID).Str("session_id", sessionID).Msg("work session ended")
	return nil
}

// UpdateSessionAssignment repoints an open session at a different assignment
// without closing it: the hand-off between back-to-back assignments.
func (s *SyncService) UpdateSessionAssignment(ctx context.Context, workerID, sessionID, newAssignmentID string) error {
	wl := s.lockFor(workerID)
	wl.Lock()
	defer wl.Unlock()

	open, err := s.store.GetOpenSession(ctx, workerID)
	if err != nil {
		return localStoreErr("find open session", err)
	}
	if !open.Open() || open.ID != sessionID {
		return ErrSessionNotFound
	}

	confirmed := open.Synced
	open.AssignmentID = newAssignmentID
	open.Synced = false
	if err := s.store.UpdateSession(ctx, *open); err != nil {
		return localStoreErr("repoint session", err)
	}

	s.stateMu.Lock()
	st := s.getState(workerID)
	cp := *open
	st.open = &cp
	st.sessions = replaceSession(st.sessions, *open)
	s.stateMu.Unlock()

	if s.online() {
		if confirmed {
			if err := s.gw.UpdateSessionAssignment(ctx, open.ID, newAssignmentID); err != nil {
				s.logPushFailure(err, "session", open.ID)
			} else {
				s.markSessionSynced(ctx, *open)
			}
		} else {
			s.pushSession(ctx, *open)
		}
	}
	return nil
}

// markSessionSynced flips the synced flag after a targeted remote update
// that needed no id reconciliation. Caller holds the worker lock.
func (s *SyncService) markSessionSynced(ctx context.Context, ws model.WorkSession) {
	ws.Synced = true
	if err := s.store.UpdateSession(ctx, ws); err != nil {
		log.Error().Err(err).Str("session_id", ws.ID).Msg("failed to mark session synced")
		return
	}
	s.stateMu.Lock()
	st := s.getState(ws.WorkerID)
	st.sessions = replaceSession(st.sessions, ws)
	if st.open != nil && st.open.ID == ws.ID {
		cp := ws
		st.open = &cp
	}
	s.stateMu.Unlock()
}

// RecordHeartbeat queues a periodic location observation for an open
// session. Called by the geofence watcher, never by the UI.
func (s *SyncService) RecordHeartbeat(ctx context.Context, workerID, assignmentID string, pos location.Position) error {
	return s.recordTransition(ctx, workerID, assignmentID, model.EventHeartbeat, pos, "")
}

func (s *SyncService) recordTransition(ctx context.Context, workerID, assignmentID string, typ model.LocationEventType, pos location.Position, notes string) error {
	ev := model.LocationEvent{
		ID:           s.newID(),
		CompanyID:    s.company,
		WorkerID:     workerID,
		AssignmentID: assignmentID,
		Type:         typ,
		Latitude:     pos.Latitude,
		Longitude:    pos.Longitude,
		Notes:        notes,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.InsertLocationEvent(ctx, ev); err != nil {
		return localStoreErr("queue location event", err)
	}
	if s.online() {
		if err := s.gw.InsertLocationEvent(ctx, ev); err != nil {
			s.logPushFailure(err, "location_event", ev.ID)
		} else if err := s.store.MarkLocationEventsSynced(ctx, []string{ev.ID}); err != nil {
			log.Error().Err(err).Msg("failed to mark location event synced")
		}
	}
	return nil
}

// SyncLocalChanges drains the outbox: every unsynced assignment, session,
// and location event is pushed once. Invoked on every offline-to-online
// transition and safe to call redundantly; with nothing queued it is a
// no-op, and a crash mid-drain cannot duplicate remote rows because every
// push is an upsert keyed by the row id.
func (s *SyncService) SyncLocalChanges(ctx context.Context) error {
	recs, err := s.store.UnsyncedAssignments(ctx)
	if err != nil {
		return localStoreErr("list unsynced assignments", err)
	}
	for _, rec := range recs {
		wl := s.lockFor(rec.WorkerID)
		wl.Lock()
		// Re-read under the lock: an edit that landed after the listing
		// must be the version the remote receives, or confirming would
		// mark it synced unsent.
		fresh, err := s.store.GetAssignment(ctx, rec.ID)
		if err != nil {
			wl.Unlock()
			if errors.Is(err, localstore.ErrNotFound) {
				continue
			}
			return localStoreErr("reload unsynced assignment", err)
		}
		if fresh.Synced {
			wl.Unlock()
			continue
		}
		if err := s.retryPush(ctx, func() error {
			pushed := s.pushAssignment(ctx, *fresh)
			if !pushed.Synced {
				return gateway.ErrNetworkUnavailable
			}
			return nil
		}); err != nil {
			log.Warn().Err(err).Str("assignment_id", fresh.ID).Msg("assignment stays queued")
		}
		wl.Unlock()
	}

	sessions, err := s.store.UnsyncedSessions(ctx)
	if err != nil {
		return localStoreErr("list unsynced sessions", err)
	}
	for _, ws := range sessions {
		wl := s.lockFor(ws.WorkerID)
		wl.Lock()
		fresh, err := s.store.GetSession(ctx, ws.ID)
		if err != nil {
			wl.Unlock()
			if errors.Is(err, localstore.ErrNotFound) {
				continue
			}
			return localStoreErr("reload unsynced session", err)
		}
		if fresh.Synced {
			wl.Unlock()
			continue
		}
		if err := s.retryPush(ctx, func() error {
			pushed := s.pushSession(ctx, *fresh)
			if !pushed.Synced {
				return gateway.ErrNetworkUnavailable
			}
			return nil
		}); err != nil {
			log.Warn().Err(err).Str("session_id", fresh.ID).Msg("session stays queued")
		}
		wl.Unlock()
	}

	events, err := s.store.UnsyncedLocationEvents(ctx)
	if err != nil {
		return localStoreErr("list unsynced location events", err)
	}
	var flushed []string
	for _, ev := range events {
		if err := s.gw.InsertLocationEvent(ctx, ev); err != nil {
			s.logPushFailure(err, "location_event", ev.ID)
			continue
		}
		flushed = append(flushed, ev.ID)
	}
	if len(flushed) > 0 {
		if err := s.store.MarkLocationEventsSynced(ctx, flushed); err != nil {
			return localStoreErr("mark location events synced", err)
		}
	}

	if len(recs)+len(sessions)+len(events) > 0 {
		log.Info().Int("assignments", len(recs)).Int("sessions", len(sessions)).
			Int("location_events", len(events)).Msg("outbox drained")
	}
	return nil
}

// retryPush retries a transient push a few times with exponential backoff
// before leaving the item queued for the next reconciliation.
func (s *SyncService) retryPush(ctx context.Context, push func() error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := push(); err != nil {
			if gateway.IsTransient(err) {
				return struct{}{}, err
			}
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(3))
	return err
}

// In-memory helpers. All take stateMu internally.

func (s *SyncService) applyAssignmentUpsert(rec model.AssignmentRecord) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	st := s.getState(rec.WorkerID)
	for i := range st.assignments {
		if st.assignments[i].ID == rec.ID {
			st.assignments[i] = rec
			return
		}
	}
	st.assignments = append(st.assignments, rec)
}

func (s *SyncService) applyAssignmentIDChange(workerID, tempID, serverID string) {
	if tempID == serverID {
		s.markAssignmentSynced(workerID, serverID)
		return
	}
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	st := s.getState(workerID)
	for i := range st.assignments {
		if st.assignments[i].ID == tempID {
			st.assignments[i].ID = serverID
			st.assignments[i].Synced = true
		}
	}
	for i := range st.sessions {
		if st.sessions[i].AssignmentID == tempID {
			st.sessions[i].AssignmentID = serverID
		}
	}
	if st.open != nil && st.open.AssignmentID == tempID {
		st.open.AssignmentID = serverID
	}
}

func (s *SyncService) markAssignmentSynced(workerID, id string) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	st := s.getState(workerID)
	for i := range st.assignments {
		if st.assignments[i].ID == id {
			st.assignments[i].Synced = true
		}
	}
}

func (s *SyncService) applySessionIDChange(workerID, tempID, serverID string) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	st := s.getState(workerID)
	for i := range st.sessions {
		if st.sessions[i].ID == tempID {
			st.sessions[i].ID = serverID
			st.sessions[i].Synced = true
		}
	}
	if st.open != nil && st.open.ID == tempID {
		st.open.ID = serverID
		st.open.Synced = true
	}
}

func removeAssignment(recs []model.AssignmentRecord, id string) []model.AssignmentRecord {
	out := recs[:0]
	for _, r := range recs {
		if r.ID != id {
			out = append(out, r)
		}
	}
	return out
}

func replaceSession(sessions []model.WorkSession, ws model.WorkSession) []model.WorkSession {
	for i := range sessions {
		if sessions[i].ID == ws.ID {
			sessions[i] = ws
			return sessions
		}
	}
	return append(sessions, ws)
}
