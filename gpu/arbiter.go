// Package gpu arbitrates a single GPU shared by two mutually exclusive model
// kinds: the image generator and the speech-to-text model. At most one model
// is resident at a time; admission is batch-aware so that same-kind work runs
// back to back without model churn while the opposite kind is never starved.
package gpu

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/organbird/dot-project/kv"
	"github.com/organbird/dot-project/logger"
)

// Kind identifies a GPU model kind.
type Kind string

const (
	KindNone  Kind = "none"
	KindImage Kind = "image"
	KindSTT   Kind = "stt"
)

// Peer returns the opposite GPU kind.
func (k Kind) Peer() Kind {
	if k == KindImage {
		return KindSTT
	}
	return KindImage
}

// KV keys holding the shared GPU state. The activity timestamp carries its
// own TTL so a crashed worker cannot pin the idle check forever.
const (
	keyActiveModel  = "gpu:active_model"
	keyBatchCount   = "gpu:batch_count"
	keyLastActivity = "gpu:last_activity"

	activityTTL = 120 * time.Second
)

// ModelHost loads and unloads one model kind. Load is called before the
// first task of a batch, Unload on hand-off or idle release, and Housekeep
// after every task (e.g. asking the image host to free intermediate tensors).
type ModelHost interface {
	Load(ctx context.Context) error
	Unload(ctx context.Context) error
	Housekeep(ctx context.Context)
}

// Arbiter performs GPU admission control. The shared KV store is the lock
// between processes; a process-local mutex serializes decisions within one
// worker and keeps concurrent tasks from colliding on the GPU when the store
// is unreachable.
type Arbiter struct {
	store       kv.Store
	hosts       map[Kind]ModelHost
	queues      map[Kind]string
	maxBatch    int
	idleTimeout time.Duration
	onHandOff   func(from, to Kind)

	mu sync.Mutex
}

// Config wires the arbiter.
type Config struct {
	Store       kv.Store
	ImageHost   ModelHost
	STTHost     ModelHost
	ImageQueue  string // queue list key for pending image tasks
	STTQueue    string // queue list key for pending STT tasks
	MaxBatch    int
	IdleTimeout time.Duration

	// OnHandOff, when set, is called each time a resident model is displaced
	// for the other kind, on both the acquire-side switch and the pre-emptive
	// unload. Used to feed the hand-off counter.
	OnHandOff func(from, to Kind)
}

// New creates an arbiter.
func New(cfg Config) *Arbiter {
	return &Arbiter{
		store: cfg.Store,
		hosts: map[Kind]ModelHost{
			KindImage: cfg.ImageHost,
			KindSTT:   cfg.STTHost,
		},
		queues: map[Kind]string{
			KindImage: cfg.ImageQueue,
			KindSTT:   cfg.STTQueue,
		},
		maxBatch:    cfg.MaxBatch,
		idleTimeout: cfg.IdleTimeout,
		onHandOff:   cfg.OnHandOff,
	}
}

func (a *Arbiter) handOff(from, to Kind) {
	if a.onHandOff != nil {
		a.onHandOff(from, to)
	}
}

// TryAcquire requests the GPU for one task of the given kind.
//
// Admission policy:
//  1. same kind already active: join the batch immediately;
//  2. GPU empty: load and go;
//  3. other kind active, its batch unfinished, and it has pending work:
//     refuse; the caller re-enqueues with a short delay;
//  4. other kind's batch exhausted, or it has nothing pending: switch.
//
// A false return is not an error. A failed model load also returns false,
// with the GPU state forced back to empty so the next attempt reloads.
func (a *Arbiter) TryAcquire(ctx context.Context, kind Kind) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	current := a.activeModel(ctx)

	if current == kind {
		count := a.incrementBatch(ctx)
		a.touchActivity(ctx)
		logger.Info("gpu task admitted", "kind", kind, "batch", count, "max_batch", a.maxBatch)
		return true
	}

	if current == KindNone {
		if !a.switchTo(ctx, current, kind) {
			return false
		}
		a.incrementBatch(ctx)
		logger.Info("gpu model loaded", "kind", kind)
		return true
	}

	// The other kind is resident. Let its batch finish as long as it still
	// has pending work of its own.
	pending := a.queueLen(ctx, current)
	batch := a.batchCount(ctx)
	if batch < a.maxBatch && pending > 0 {
		logger.Info("gpu admission refused",
			"kind", kind, "active", current, "batch", batch, "active_pending", pending)
		return false
	}

	logger.Info("gpu model switch", "from", current, "to", kind,
		"batch", batch, "active_pending", pending)
	if !a.switchTo(ctx, current, kind) {
		return false
	}
	a.handOff(current, kind)
	a.incrementBatch(ctx)
	return true
}

// AfterTask performs post-task housekeeping and the pre-emptive hand-off:
// when the batch limit is reached and the opposite queue has pending work,
// the model is unloaded now so the waiter switches without paying for an
// unload on its own acquire. Callers must invoke this exactly once per
// admitted task, normally in a defer.
func (a *Arbiter) AfterTask(ctx context.Context, kind Kind) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.touchActivity(ctx)
	if host := a.hosts[kind]; host != nil {
		host.Housekeep(ctx)
	}

	batch := a.batchCount(ctx)
	if batch < a.maxBatch {
		return
	}

	peer := kind.Peer()
	if a.queueLen(ctx, peer) > 0 {
		logger.Info("gpu pre-emptive hand-off", "from", kind, "to", peer, "batch", batch)
		a.unload(ctx, kind)
		a.setActiveModel(ctx, KindNone)
		a.resetBatch(ctx)
		a.handOff(kind, peer)
		return
	}

	// Nothing waiting on the other side: keep the model resident and just
	// open a new batch window.
	a.resetBatch(ctx)
}

// ReleaseStatus describes the outcome of one idle-release tick.
type ReleaseStatus struct {
	Status  string `json:"status"` // idle | active | waiting | released
	Model   Kind   `json:"model,omitempty"`
	Pending int64  `json:"pending,omitempty"`
	IdleFor int64  `json:"idle_seconds,omitempty"`
}

// ReleaseIfIdle unloads the resident model when both queues are quiet and
// the GPU has been inactive past the idle timeout. Run periodically from the
// worker beat.
func (a *Arbiter) ReleaseIfIdle(ctx context.Context) ReleaseStatus {
	a.mu.Lock()
	defer a.mu.Unlock()

	current := a.activeModel(ctx)
	if current == KindNone {
		return ReleaseStatus{Status: "idle"}
	}

	if pending := a.queueLen(ctx, current); pending > 0 {
		return ReleaseStatus{Status: "active", Model: current, Pending: pending}
	}

	if raw, ok, err := a.store.Get(ctx, keyLastActivity); err == nil && ok {
		if last, err := strconv.ParseFloat(raw, 64); err == nil {
			elapsed := time.Since(time.Unix(int64(last), 0))
			if elapsed < a.idleTimeout {
				return ReleaseStatus{Status: "waiting", Model: current, IdleFor: int64(elapsed.Seconds())}
			}
		}
	}

	logger.Info("gpu idle timeout, releasing model", "kind", current)
	a.unload(ctx, current)
	a.setActiveModel(ctx, KindNone)
	a.resetBatch(ctx)
	return ReleaseStatus{Status: "released", Model: current}
}

// Status is a debugging snapshot of the shared GPU state.
type Status struct {
	ActiveModel  Kind  `json:"active_model"`
	BatchCount   int   `json:"batch_count"`
	MaxBatch     int   `json:"max_batch"`
	ImagePending int64 `json:"queue_image_pending"`
	STTPending   int64 `json:"queue_stt_pending"`
}

// CurrentStatus reads the live GPU state.
func (a *Arbiter) CurrentStatus(ctx context.Context) Status {
	return Status{
		ActiveModel:  a.activeModel(ctx),
		BatchCount:   a.batchCount(ctx),
		MaxBatch:     a.maxBatch,
		ImagePending: a.queueLen(ctx, KindImage),
		STTPending:   a.queueLen(ctx, KindSTT),
	}
}

// switchTo unloads the current model (when any) and loads the target. On a
// load failure the state is forced back to empty so callers retry the load
// on the next acquire.
func (a *Arbiter) switchTo(ctx context.Context, current, target Kind) bool {
	if current != KindNone {
		a.unload(ctx, current)
	}

	a.setActiveModel(ctx, target)
	a.resetBatch(ctx)
	a.touchActivity(ctx)

	host := a.hosts[target]
	if host == nil {
		return true
	}
	if err := host.Load(ctx); err != nil {
		logger.Error("gpu model load failed", "kind", target, "error", err)
		a.setActiveModel(ctx, KindNone)
		a.resetBatch(ctx)
		return false
	}
	return true
}

func (a *Arbiter) unload(ctx context.Context, kind Kind) {
	host := a.hosts[kind]
	if host == nil {
		return
	}
	if err := host.Unload(ctx); err != nil {
		logger.Warn("gpu model unload failed", "kind", kind, "error", err)
	}
}

// Shared-state accessors. Store errors degrade to conservative defaults; the
// local mutex still serializes decisions within this process.

func (a *Arbiter) activeModel(ctx context.Context) Kind {
	raw, ok, err := a.store.Get(ctx, keyActiveModel)
	if err != nil || !ok {
		return KindNone
	}
	switch Kind(raw) {
	case KindImage, KindSTT:
		return Kind(raw)
	default:
		return KindNone
	}
}

func (a *Arbiter) setActiveModel(ctx context.Context, kind Kind) {
	if err := a.store.Set(ctx, keyActiveModel, string(kind), 0); err != nil {
		logger.Warn("failed to update gpu active model", "error", err)
	}
}

func (a *Arbiter) batchCount(ctx context.Context) int {
	raw, ok, err := a.store.Get(ctx, keyBatchCount)
	if err != nil || !ok {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}

func (a *Arbiter) incrementBatch(ctx context.Context) int {
	n, err := a.store.Incr(ctx, keyBatchCount)
	if err != nil {
		logger.Warn("failed to increment gpu batch count", "error", err)
		return 0
	}
	return int(n)
}

func (a *Arbiter) resetBatch(ctx context.Context) {
	if err := a.store.Set(ctx, keyBatchCount, "0", 0); err != nil {
		logger.Warn("failed to reset gpu batch count", "error", err)
	}
}

func (a *Arbiter) touchActivity(ctx context.Context) {
	now := strconv.FormatInt(time.Now().Unix(), 10)
	if err := a.store.Set(ctx, keyLastActivity, now, activityTTL); err != nil {
		logger.Warn("failed to update gpu activity timestamp", "error", err)
	}
}

func (a *Arbiter) queueLen(ctx context.Context, kind Kind) int64 {
	key := a.queues[kind]
	if key == "" {
		return 0
	}
	n, err := a.store.LLen(ctx, key)
	if err != nil {
		return 0
	}
	return n
}
