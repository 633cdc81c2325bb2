package entsync

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/sethvargo/go-retry"

	"curio/internal/billing"
	"curio/internal/config"
	"curio/internal/entitlements"
)

type State int

const (
	StateUninitialized State = iota
	StateLoading
	StateSynced
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateSynced:
		return "synced"
	default:
		return "uninitialized"
	}
}

// Snapshot is what the UI observes. It is only ever produced by the reload
// function: push, poll, and verification all funnel into the same reload,
// and the raw signals are never surfaced.
type Snapshot struct {
	State      State
	Verifying  bool
	Tier       string
	Status     string
	Entitled   bool
	UsageCount int
	Remaining  int
	Unlimited  bool
	CancelAt   time.Time
	RenewsAt   time.Time
}

// ActionResult is the non-throwing outcome of a user action.
type ActionResult struct {
	OK             bool
	AlreadyApplied bool
	Message        string
}

type Loader interface {
	Snapshot(ctx context.Context, userID, email string) (entitlements.Snapshot, error)
}

type Actions interface {
	Cancel(ctx context.Context, userID string) (billing.Outcome, error)
	Reactivate(ctx context.Context, userID string) (billing.Outcome, error)
}

type ChangeFeed interface {
	SubscribeChanges(ctx context.Context, userID string) (<-chan struct{}, func())
}

type reloadResult struct {
	snap entitlements.Snapshot
	err  error
}

// Watcher keeps one principal's entitlement view fresh from three signals:
// a push subscription on the record, a visibility-gated interval poll, and a
// bounded post-purchase verification loop. One goroutine owns the state;
// overlapping reloads are tolerated and the last response wins, since reads
// are idempotent and recent-enough is acceptable for a status display.
type Watcher struct {
	UserID string
	Email  string

	cfg     config.Config
	loader  Loader
	actions Actions
	feed    ChangeFeed
	logger  *log.Logger

	cancel    context.CancelFunc
	reloadReq chan struct{}
	results   chan reloadResult
	visible   chan bool
	verifying chan bool
	updates   chan Snapshot
	done      chan struct{}
}

func NewWatcher(cfg config.Config, userID, email string, loader Loader, actions Actions, feed ChangeFeed, logger *log.Logger) *Watcher {
	if logger == nil {
		logger = log.Default()
	}
	return &Watcher{
		UserID:    userID,
		Email:     email,
		cfg:       cfg,
		loader:    loader,
		actions:   actions,
		feed:      feed,
		logger:    logger,
		reloadReq: make(chan struct{}, 1),
		results:   make(chan reloadResult, 4),
		visible:   make(chan bool, 1),
		verifying: make(chan bool, 1),
		updates:   make(chan Snapshot, 1),
		done:      make(chan struct{}),
	}
}

// Start launches the watcher loop. Close (or ctx cancellation) tears down
// the ticker and subscription; nothing keeps firing for a stale principal.
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	go w.run(ctx)
}

func (w *Watcher) Close() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
}

// Updates delivers the latest snapshot, coalescing: a slow UI always sees
// the most recent state, never a backlog.
func (w *Watcher) Updates() <-chan Snapshot {
	return w.updates
}

// RequestReload asks the loop for one reload; duplicate requests coalesce.
func (w *Watcher) RequestReload() {
	select {
	case w.reloadReq <- struct{}{}:
	default:
	}
}

// SetVisible gates the poll timer. A background-to-foreground transition
// triggers an immediate reload.
func (w *Watcher) SetVisible(visible bool) {
	select {
	case w.visible <- visible:
	case <-w.done:
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	var signals <-chan struct{}
	if w.feed != nil {
		var stop func()
		signals, stop = w.feed.SubscribeChanges(ctx, w.UserID)
		defer stop()
	}

	interval := w.cfg.Sync.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	state := Snapshot{State: StateLoading}
	visible := true
	w.startReload(ctx)
	w.publish(state)

	for {
		select {
		case <-ctx.Done():
			return
		case <-signals:
			// Push payloads may be partial or racy; always re-read the
			// authoritative path instead of trusting them.
			w.startReload(ctx)
		case <-ticker.C:
			if visible {
				w.startReload(ctx)
			}
		case v := <-w.visible:
			if v && !visible {
				w.startReload(ctx)
			}
			visible = v
		case v := <-w.verifying:
			state.Verifying = v
			w.publish(state)
		case <-w.reloadReq:
			w.startReload(ctx)
		case res := <-w.results:
			if res.err != nil {
				// Keep the last known good state.
				w.logger.Printf("entsync reload failed user_id=%s err=%v", w.UserID, res.err)
				continue
			}
			verifying := state.Verifying
			state = fromSnapshot(res.snap)
			state.State = StateSynced
			state.Verifying = verifying
			w.publish(state)
		}
	}
}

func (w *Watcher) startReload(ctx context.Context) {
	go func() {
		snap, err := w.loader.Snapshot(ctx, w.UserID, w.Email)
		select {
		case w.results <- reloadResult{snap: snap, err: err}:
		case <-ctx.Done():
		}
	}()
}

var errVerifyPending = errors.New("entitlement not active yet")

// VerifyAfterPurchase polls the read path after a purchase flow hands
// control back, up to the configured attempt budget. The verifying flag is
// exposed the whole time and one final unconditional reload runs regardless
// of outcome, so the UI never sticks mid-verification.
func (w *Watcher) VerifyAfterPurchase(ctx context.Context) ActionResult {
	w.setVerifying(true)
	defer func() {
		w.RequestReload()
		w.setVerifying(false)
	}()

	attempts := w.cfg.Sync.VerifyAttempts
	if attempts <= 0 {
		attempts = 10
	}
	interval := w.cfg.Sync.VerifyInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}

	backoff := retry.WithMaxRetries(uint64(attempts-1), retry.NewConstant(interval))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		snap, err := w.loader.Snapshot(ctx, w.UserID, w.Email)
		if err != nil {
			return retry.RetryableError(err)
		}
		w.applySnapshot(ctx, snap)
		if snap.Entitled {
			return nil
		}
		return retry.RetryableError(errVerifyPending)
	})
	if err != nil {
		return ActionResult{Message: "purchase not confirmed yet; subscription status will refresh shortly"}
	}
	return ActionResult{OK: true}
}

func (w *Watcher) Cancel(ctx context.Context) ActionResult {
	return w.action(ctx, w.actions.Cancel)
}

func (w *Watcher) Reactivate(ctx context.Context) ActionResult {
	return w.action(ctx, w.actions.Reactivate)
}

func (w *Watcher) action(ctx context.Context, fn func(context.Context, string) (billing.Outcome, error)) ActionResult {
	outcome, err := fn(ctx, w.UserID)
	if err != nil {
		return ActionResult{Message: actionMessage(err)}
	}
	w.RequestReload()
	return ActionResult{OK: true, AlreadyApplied: outcome == billing.OutcomeAlreadyApplied}
}

func (w *Watcher) applySnapshot(ctx context.Context, snap entitlements.Snapshot) {
	select {
	case w.results <- reloadResult{snap: snap}:
	case <-ctx.Done():
	case <-w.done:
	}
}

func (w *Watcher) setVerifying(v bool) {
	select {
	case w.verifying <- v:
	case <-w.done:
	}
}

func (w *Watcher) publish(snap Snapshot) {
	for {
		select {
		case w.updates <- snap:
			return
		default:
			select {
			case <-w.updates:
			default:
			}
		}
	}
}

func fromSnapshot(snap entitlements.Snapshot) Snapshot {
	out := Snapshot{
		Tier:       snap.Tier,
		Status:     snap.Status,
		Entitled:   snap.Entitled,
		UsageCount: snap.UsageCount,
		Remaining:  snap.Remaining,
		Unlimited:  snap.Unlimited,
	}
	if snap.CancelAt.Valid {
		out.CancelAt = snap.CancelAt.Time
	}
	if snap.RenewsAt.Valid {
		out.RenewsAt = snap.RenewsAt.Time
	}
	return out
}

func actionMessage(err error) string {
	switch {
	case errors.Is(err, billing.ErrNoSubscription):
		return "no active subscription on this account"
	case errors.Is(err, billing.ErrPrincipalNotFound):
		return "billing account not found"
	case err != nil:
		return "subscription update failed, please try again: " + err.Error()
	default:
		return ""
	}
}
