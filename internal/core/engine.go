package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"NFTLend/internal/event"
	"NFTLend/internal/failure"
	"NFTLend/internal/ledger"
	"NFTLend/internal/observability"
	"NFTLend/internal/pipeline"
	"NFTLend/internal/types"
)

// Entity is a protocol state machine owned by exactly one actor.
type Entity interface {
	ID() types.EntityID
	Kind() types.EntityKind

	// Handle applies one command at the versioned time now. A returned
	// error leaves the entity unchanged.
	Handle(cmd event.Command, now int64) ([]event.Event, error)

	MarshalState() ([]byte, error)
}

// CoreOutput is everything downstream workers need for one sequenced command.
type CoreOutput struct {
	Envelope *event.Envelope
	Batch    *ledger.Batch // nil when no value moved
	Events   []event.Event
	Kind     types.EntityKind
	State    []byte // target entity state after the command
	Replayed bool
}

// Receipt is the caller-visible result of a sequenced command.
type Receipt struct {
	Sequence  int64
	StateHash [32]byte
	Events    []event.Event
	Duplicate bool
}

type Config struct {
	MailboxSize         int
	IdempotencyCapacity int
	Pipeline            pipeline.Settings
	DBChecker           DBIdempotencyChecker
	Metrics             *observability.Metrics
	Logger              zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.MailboxSize <= 0 {
		c.MailboxSize = 256
	}
	if c.IdempotencyCapacity <= 0 {
		c.IdempotencyCapacity = 1_000_000
	}
	return c
}

// Engine runs one actor goroutine per entity and a single sequencer
// goroutine that owns the global sequence, the ledger, the hash chain and
// pipeline routing.
type Engine struct {
	cfg     Config
	log     zerolog.Logger
	metrics *observability.Metrics

	mu     sync.RWMutex // guards actors
	actors map[types.EntityID]*actor

	// External submits hold gate.RLock; Snapshot takes the write side.
	gate sync.RWMutex

	clockMu sync.Mutex
	clock   int64

	idempotency *IdempotencyChecker
	idle        *idleTracker
	followOns   *followOnQueue
	loanGauge   *loanStatusGauge

	seqCh chan seqItem

	// Sequencer-owned
	sequence  int64
	hasher    *StateHasher
	balances  *ledger.BalanceTracker
	journals  *ledger.JournalGenerator
	validator *ledger.InvariantValidator
	router    *pipeline.Router

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput

	started atomic.Bool
	stopped atomic.Bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewEngine builds a stopped engine. Deploy or Restore entities, then Start.
// Either channel may be nil.
func NewEngine(cfg Config, persistChan, projectionChan chan<- CoreOutput) *Engine {
	cfg = cfg.withDefaults()
	balances := ledger.NewBalanceTracker()
	return &Engine{
		cfg:            cfg,
		log:            cfg.Logger,
		metrics:        cfg.Metrics,
		actors:         make(map[types.EntityID]*actor),
		idempotency:    NewIdempotencyChecker(cfg.IdempotencyCapacity, cfg.DBChecker),
		idle:           newIdleTracker(),
		followOns:      newFollowOnQueue(),
		loanGauge:      newLoanStatusGauge(cfg.Metrics),
		seqCh:          make(chan seqItem, cfg.MailboxSize),
		hasher:         NewStateHasher(),
		balances:       balances,
		journals:       ledger.NewJournalGenerator(),
		validator:      ledger.NewInvariantValidator(balances),
		router:         pipeline.NewRouter(cfg.Pipeline),
		persistChan:    persistChan,
		projectionChan: projectionChan,
		stop:           make(chan struct{}),
	}
}

// Start launches the sequencer, the follow-on pipeline and every actor.
func (e *Engine) Start() {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	e.wg.Add(2)
	go e.runSequencer()
	go e.runFollowOns()

	e.mu.RLock()
	for _, a := range e.actors {
		e.startActor(a)
	}
	e.mu.RUnlock()

	e.log.Info().Int("entities", len(e.actors)).Int64("sequence", e.sequence).Msg("engine started")
}

// Stop halts all goroutines. Pending submits return ErrStopped.
func (e *Engine) Stop() {
	if !e.started.Load() || !e.stopped.CompareAndSwap(false, true) {
		return
	}
	close(e.stop)
	e.followOns.close()
	e.wg.Wait()
	e.log.Info().Int64("sequence", e.sequence).Msg("engine stopped")
}

// Deploy registers a new entity. Before Start it runs inline; afterwards
// it is serialized through the sequencer so link state stays single-owner.
func (e *Engine) Deploy(ent Entity) error {
	if !e.started.Load() {
		return e.deploy(ent)
	}
	var err error
	if cerr := e.control(context.Background(), func() { err = e.deploy(ent) }); cerr != nil {
		return cerr
	}
	return err
}

func (e *Engine) deploy(ent Entity) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.actors[ent.ID()]; exists {
		return fmt.Errorf("%w: %s", ErrEntityExists, ent.ID())
	}
	a := newActor(ent, e.cfg.MailboxSize)
	e.actors[ent.ID()] = a
	if links, ok := linksOf(ent); ok {
		e.router.Link(links)
	}
	if e.started.Load() {
		e.startActor(a)
	}
	e.log.Info().Str("entity", string(ent.ID())).Str("kind", string(ent.Kind())).Msg("entity deployed")
	return nil
}

// Has reports whether an entity is deployed.
func (e *Engine) Has(id types.EntityID) bool {
	_, ok := e.actor(id)
	return ok
}

// Entities lists deployed entity IDs by kind, sorted.
func (e *Engine) Entities() map[types.EntityKind][]types.EntityID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[types.EntityKind][]types.EntityID)
	for id, a := range e.actors {
		out[a.kind] = append(out[a.kind], id)
	}
	for _, ids := range out {
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}
	return out
}

func (e *Engine) actor(id types.EntityID) (*actor, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.actors[id]
	return a, ok
}

// Submit applies one command and blocks until it is sequenced or rejected.
// A message already processed returns Receipt{Duplicate: true}.
func (e *Engine) Submit(ctx context.Context, cmd event.Command) (Receipt, error) {
	e.gate.RLock()
	defer e.gate.RUnlock()
	return e.submit(ctx, cmd, nil)
}

func (e *Engine) submit(ctx context.Context, cmd event.Command, replay *event.Envelope) (Receipt, error) {
	if !e.started.Load() {
		return Receipt{}, ErrNotStarted
	}
	if e.stopped.Load() {
		return Receipt{}, ErrStopped
	}

	h := cmd.Meta()
	if h.MessageID == uuid.Nil || h.Entity == "" {
		return Receipt{}, fmt.Errorf("%w: message_id and entity are required", ErrInvalidCommand)
	}
	if h.Value < 0 {
		return Receipt{}, fmt.Errorf("%w: negative value", ErrInvalidCommand)
	}
	a, ok := e.actor(h.Entity)
	if !ok {
		return Receipt{}, fmt.Errorf("%w: %s", ErrUnknownEntity, h.Entity)
	}

	mt := string(cmd.MessageType())
	reserve := e.idempotency.Reserve
	if replay != nil {
		reserve = e.idempotency.ReserveLocal
	}
	if !reserve(mt, h.Entity, cmd.IdempotencyKey()) {
		if replay != nil {
			return Receipt{}, fmt.Errorf("%w: envelope %d is a duplicate", ErrReplayDivergence, replay.Sequence)
		}
		e.countRejected(mt, "duplicate")
		return Receipt{Duplicate: true}, nil
	}

	req := &commandRequest{
		cmd:     cmd,
		replay:  replay,
		started: time.Now(),
		reply:   make(chan commandResult, 1),
	}

	e.idle.add(1)
	if err := a.enqueue(ctx, e.stop, func() { e.apply(a, req) }); err != nil {
		e.idle.done()
		e.idempotency.Release(mt, h.Entity, cmd.IdempotencyKey())
		return Receipt{}, err
	}
	e.observeMailbox(a)

	select {
	case res := <-req.reply:
		return res.receipt, res.err
	case <-ctx.Done():
		// The command is queued and will still be applied.
		return Receipt{}, ctx.Err()
	case <-e.stop:
		return Receipt{}, ErrStopped
	}
}

// Inspect runs fn inside the entity's actor, serialized with its commands.
func (e *Engine) Inspect(ctx context.Context, id types.EntityID, fn func(Entity) error) error {
	a, ok := e.actor(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, id)
	}
	if !e.started.Load() {
		return fn(a.entity)
	}
	done := make(chan error, 1)
	if err := a.enqueue(ctx, e.stop, func() { done <- fn(a.entity) }); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stop:
		return ErrStopped
	}
}

// WaitIdle blocks until no command or follow-on is pending.
func (e *Engine) WaitIdle(ctx context.Context) error {
	return e.idle.wait(ctx)
}

// Now is the engine clock: the latest versioned input time applied.
func (e *Engine) Now() int64 {
	e.clockMu.Lock()
	defer e.clockMu.Unlock()
	return e.clock
}

// tick clamps a versioned input time so the engine clock never runs back.
func (e *Engine) tick(sentAt int64) int64 {
	e.clockMu.Lock()
	defer e.clockMu.Unlock()
	if sentAt > e.clock {
		e.clock = sentAt
	}
	return e.clock
}

// Sequence returns the last assigned global sequence.
func (e *Engine) Sequence(ctx context.Context) (int64, error) {
	var seq int64
	err := e.readSequencer(ctx, func() { seq = e.sequence })
	return seq, err
}

// StateHash returns the current chain tip.
func (e *Engine) StateHash(ctx context.Context) ([32]byte, error) {
	var tip [32]byte
	err := e.readSequencer(ctx, func() { tip = e.hasher.GetPrevHash() })
	return tip, err
}

// Balances returns ledger balances sorted by account path.
func (e *Engine) Balances(ctx context.Context) ([]ledger.Balance, error) {
	var rows []ledger.Balance
	err := e.readSequencer(ctx, func() { rows = e.balances.Balances() })
	return rows, err
}

func (e *Engine) readSequencer(ctx context.Context, fn func()) error {
	if !e.started.Load() {
		fn()
		return nil
	}
	return e.control(ctx, fn)
}

// --- Actors ---

type actor struct {
	entity  Entity
	kind    types.EntityKind
	mailbox chan func()
}

func newActor(ent Entity, size int) *actor {
	return &actor{entity: ent, kind: ent.Kind(), mailbox: make(chan func(), size)}
}

func (e *Engine) startActor(a *actor) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case fn := <-a.mailbox:
				fn()
			case <-e.stop:
				return
			}
		}
	}()
}

func (a *actor) enqueue(ctx context.Context, stop <-chan struct{}, fn func()) error {
	select {
	case a.mailbox <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-stop:
		return ErrStopped
	}
}

func (e *Engine) observeMailbox(a *actor) {
	if e.metrics != nil {
		e.metrics.MailboxDepth.WithLabelValues(string(a.entity.ID())).Set(float64(len(a.mailbox)))
	}
}

// apply runs in the actor goroutine. Successful commands are forwarded to
// the sequencer before the actor takes its next message, so per-entity
// order is preserved in the global sequence.
func (e *Engine) apply(a *actor, req *commandRequest) {
	now := e.tick(req.cmd.Meta().SentAt)
	if req.replay != nil {
		now = req.replay.Timestamp
		e.tick(now)
	}
	req.now = now

	events, err := a.entity.Handle(req.cmd, now)
	if err != nil {
		e.reject(req, err)
		return
	}

	state, err := a.entity.MarshalState()
	if err != nil {
		panic(fmt.Sprintf("FATAL: entity %s state not serializable: %v", a.entity.ID(), err))
	}
	req.kind = a.kind
	req.events = events
	req.state = state
	req.custody = custodyOf(a.entity)
	e.observeEntity(a.entity)

	select {
	case e.seqCh <- req:
	case <-e.stop:
	}
}

func (e *Engine) reject(req *commandRequest, err error) {
	h := req.cmd.Meta()
	mt := string(req.cmd.MessageType())
	e.idempotency.Release(mt, h.Entity, req.cmd.IdempotencyKey())
	e.countRejected(mt, failure.ReasonOf(err))

	if req.replay != nil {
		err = fmt.Errorf("%w: envelope %d rejected: %v", ErrReplayDivergence, req.replay.Sequence, err)
	}
	e.log.Info().
		Str("entity", string(h.Entity)).
		Str("message_type", mt).
		Str("sender", string(h.Sender)).
		Str("reason", failure.ReasonOf(err)).
		Err(err).
		Msg("command rejected")

	req.reply <- commandResult{err: err}
	e.idle.done()
}

func (e *Engine) countRejected(mt, reason string) {
	if e.metrics != nil {
		e.metrics.CoreCommandsRejected.WithLabelValues(mt, reason).Inc()
	}
}
