package client

import (
	"context"
	"sync"

	"tasklance/domain"
)

// Status is the load state of a BoardStore.
type Status int

const (
	StatusIdle Status = iota
	StatusLoading
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusFailed:
		return "error"
	default:
		return "idle"
	}
}

// Loader fetches a full board.
type Loader interface {
	LoadBoard(ctx context.Context, projectID string) (domain.Board, error)
}

// Snapshot is a read-only view of the store. Board must not be modified.
type Snapshot struct {
	ProjectID string
	Board     domain.Board
	Loaded    bool
	Status    Status
	// Err is the failure of the most recent completed load, if any. The
	// board keeps its last good contents.
	Err     error
	Version uint64

	change uint64
}

// BoardStore holds the board of exactly one project. It is replaced only by
// full loads; nothing patches it in place. When loads overlap, the response
// of the most recently issued request wins and older responses that
// resolve later are discarded.
type BoardStore struct {
	loader Loader

	mu        sync.Mutex
	projectID string
	board     domain.Board
	loaded    bool
	status    Status
	err       error
	issued    uint64
	applied   uint64
	inflight  int
	version   uint64
	observers map[int]func(Snapshot)
	nextObs   int
	changes   uint64

	// notifyMu orders delivery; observers never see a change older than
	// one they already received.
	notifyMu  sync.Mutex
	delivered uint64
}

func NewBoardStore(loader Loader) *BoardStore {
	return &BoardStore{loader: loader, observers: make(map[int]func(Snapshot))}
}

// Load refetches projectID and replaces the store's contents. Switching to
// another project clears the store first. The returned error is the load's
// own failure; it is also kept in the snapshot.
func (s *BoardStore) Load(ctx context.Context, projectID string) error {
	s.mu.Lock()
	if projectID != s.projectID {
		s.projectID = projectID
		s.board = domain.Board{}
		s.loaded = false
		s.err = nil
		s.applied = s.issued
	}
	s.issued++
	seq := s.issued
	s.inflight++
	s.status = StatusLoading
	snap := s.changeLocked()
	s.mu.Unlock()
	s.notify(snap)

	board, err := s.loader.LoadBoard(ctx, projectID)

	s.mu.Lock()
	s.inflight--
	if projectID != s.projectID || seq <= s.applied {
		// Superseded by a newer response or a project switch.
		if s.inflight == 0 && s.status == StatusLoading {
			s.status = StatusIdle
		}
		snap = s.changeLocked()
		s.mu.Unlock()
		s.notify(snap)
		return err
	}
	s.applied = seq
	if err != nil {
		s.err = err
		s.status = StatusFailed
		errSnap := s.changeLocked()
		if s.inflight == 0 {
			s.status = StatusIdle
		} else {
			s.status = StatusLoading
		}
		snap = s.changeLocked()
		s.mu.Unlock()
		s.notify(errSnap)
		s.notify(snap)
		return err
	}
	s.board = board
	s.loaded = true
	s.err = nil
	s.version++
	if s.inflight == 0 {
		s.status = StatusIdle
	}
	snap = s.changeLocked()
	s.mu.Unlock()
	s.notify(snap)
	return nil
}

func (s *BoardStore) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Reset drops the board, e.g. when its view unmounts. Loads still in flight
// are discarded when they resolve.
func (s *BoardStore) Reset() {
	s.mu.Lock()
	s.projectID = ""
	s.board = domain.Board{}
	s.loaded = false
	s.err = nil
	s.applied = s.issued
	s.status = StatusIdle
	snap := s.changeLocked()
	s.mu.Unlock()
	s.notify(snap)
}

// Observe registers fn for every state change and returns its release.
func (s *BoardStore) Observe(fn func(Snapshot)) func() {
	s.mu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.observers, id)
			s.mu.Unlock()
		})
	}
}

// changeLocked stamps a snapshot of a new state for delivery.
func (s *BoardStore) changeLocked() Snapshot {
	s.changes++
	return s.snapshotLocked()
}

func (s *BoardStore) snapshotLocked() Snapshot {
	return Snapshot{
		ProjectID: s.projectID,
		Board:     s.board,
		Loaded:    s.loaded,
		Status:    s.status,
		Err:       s.err,
		Version:   s.version,
		change:    s.changes,
	}
}

func (s *BoardStore) notify(snap Snapshot) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if snap.change <= s.delivered {
		return
	}
	s.delivered = snap.change

	s.mu.Lock()
	fns := make([]func(Snapshot), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}
