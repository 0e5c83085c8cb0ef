package client

import (
	"context"
	"errors"
	"sync"

	"tasklance/domain"
)

// DragState is the phase of a drag gesture.
type DragState int

const (
	DragIdle DragState = iota
	DragDragging
	DragDropped
	DragCancelled
)

var (
	ErrNotDragging  = errors.New("no drag in progress")
	ErrMoveInFlight = errors.New("a move is still in flight")
)

// Mover issues the move mutation; *API implements it.
type Mover interface {
	MoveTask(ctx context.Context, taskID, targetListID string) (domain.Result, error)
}

// Overlay is the detached rendering of the dragged task. The store itself
// is not touched while dragging.
type Overlay struct {
	Task       domain.Task
	FromListID string
}

// DragController turns one pointer gesture into at most one MoveTask call.
type DragController struct {
	mover Mover
	store *BoardStore

	mu       sync.Mutex
	state    DragState
	overlay  Overlay
	inflight bool
}

func NewDragController(mover Mover, store *BoardStore) *DragController {
	return &DragController{mover: mover, store: store}
}

func (d *DragController) State() DragState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Overlay returns the dragged task while a gesture is active.
func (d *DragController) Overlay() (Overlay, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.overlay, d.state == DragDragging
}

// Begin starts dragging taskID as it is currently shown in the store.
func (d *DragController) Begin(taskID string) (Overlay, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inflight {
		return Overlay{}, ErrMoveInFlight
	}
	task, listID, ok := d.store.Snapshot().Board.FindTask(taskID)
	if !ok {
		return Overlay{}, domain.NotFound("task", taskID)
	}
	d.state = DragDragging
	d.overlay = Overlay{Task: task, FromListID: listID}
	return d.overlay, nil
}

// Cancel abandons the gesture without any server call.
func (d *DragController) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == DragDragging {
		d.state = DragCancelled
		d.overlay = Overlay{}
	}
}

// Drop ends the gesture over targetListID. An empty target (outside any
// list), the origin list, or a list not on the board cancels the gesture
// without a call. Otherwise exactly one MoveTask is issued and the board is
// reloaded after it resolves; a NotFound forces that reload too. Repeated
// drops of a finished gesture are ignored.
func (d *DragController) Drop(ctx context.Context, targetListID string) (bool, error) {
	d.mu.Lock()
	switch d.state {
	case DragDragging:
	case DragDropped, DragCancelled:
		d.mu.Unlock()
		return false, nil
	default:
		d.mu.Unlock()
		return false, ErrNotDragging
	}
	overlay := d.overlay
	d.overlay = Overlay{}
	snap := d.store.Snapshot()
	origin := overlay.FromListID
	if _, current, ok := snap.Board.FindTask(overlay.Task.ID); ok {
		// A reload during the gesture may have moved the task.
		origin = current
	}
	if _, onBoard := snap.Board.List(targetListID); targetListID == "" || targetListID == origin || !onBoard {
		d.state = DragCancelled
		d.mu.Unlock()
		return false, nil
	}
	d.state = DragDropped
	d.inflight = true
	d.mu.Unlock()

	_, err := d.mover.MoveTask(ctx, overlay.Task.ID, targetListID)

	d.mu.Lock()
	d.inflight = false
	d.mu.Unlock()

	if err != nil {
		if domain.IsNotFound(err) {
			_ = d.store.Load(ctx, snap.ProjectID)
		}
		return false, err
	}
	_ = d.store.Load(ctx, snap.ProjectID)
	return true, nil
}
