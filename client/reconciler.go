package client

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"tasklance/domain"
)

// EventSource opens project subscriptions; *EventStream implements it.
type EventSource interface {
	Subscribe(ctx context.Context, projectID string) *Subscription
}

// Reconciler keeps a BoardStore in line with the server: it loads on mount
// and reloads on every event of the mounted project, including the resync
// signal sent after each reconnect.
type Reconciler struct {
	store  *BoardStore
	events EventSource
	logger *log.Logger

	mu        sync.Mutex
	projectID string
	cancel    context.CancelFunc
	sub       *Subscription
	done      chan struct{}
}

func NewReconciler(store *BoardStore, events EventSource, logger *log.Logger) *Reconciler {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Reconciler{store: store, events: events, logger: logger}
}

// Mount loads projectID and starts following its topic. A previously
// mounted project is released first. The initial load's error is returned
// but the subscription stays active so a later event can recover.
func (r *Reconciler) Mount(ctx context.Context, projectID string) error {
	r.Unmount()

	loopCtx, cancel := context.WithCancel(context.Background())
	sub := r.events.Subscribe(loopCtx, projectID)
	done := make(chan struct{})

	r.mu.Lock()
	r.projectID = projectID
	r.cancel = cancel
	r.sub = sub
	r.done = done
	r.mu.Unlock()

	err := r.store.Load(ctx, projectID)
	go r.loop(loopCtx, projectID, sub, done)
	return err
}

func (r *Reconciler) loop(ctx context.Context, projectID string, sub *Subscription, done chan struct{}) {
	defer close(done)
	entry := r.logger.WithField("project", projectID)
	for ev := range sub.C {
		if ev.ProjectID != "" && ev.ProjectID != projectID {
			continue
		}
		if err := r.store.Load(ctx, projectID); err != nil && ctx.Err() == nil {
			entry.WithError(err).WithField("kind", ev.Kind).Warn("reload after event failed")
		}
		if ev.Kind == domain.ProjectDeleted {
			entry.Info("project deleted")
		}
	}
	if err := sub.Err(); err != nil {
		entry.WithError(err).Warn("event stream ended")
	}
}

// Refresh reloads the mounted project. Callers invoke it once their own
// mutation round-trip resolves.
func (r *Reconciler) Refresh(ctx context.Context) error {
	r.mu.Lock()
	projectID := r.projectID
	r.mu.Unlock()
	if projectID == "" {
		return nil
	}
	return r.store.Load(ctx, projectID)
}

// Unmount stops following the current project and clears the store.
func (r *Reconciler) Unmount() {
	r.mu.Lock()
	cancel, sub, done := r.cancel, r.sub, r.done
	r.projectID, r.cancel, r.sub, r.done = "", nil, nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	sub.Close()
	<-done
	r.store.Reset()
}
