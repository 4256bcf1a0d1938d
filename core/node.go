package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"escrowledger/core/events"
	"escrowledger/core/genesis"
	ledgerstate "escrowledger/core/state"
	"escrowledger/native/escrow"
	"escrowledger/native/fees"
	"escrowledger/observability"
	"escrowledger/storage"
)

// Node owns the ledger database and serialises every escrow operation. Each
// mutating operation runs against a write buffer that is committed as a single
// batch on success and dropped on error; events are forwarded only after the
// commit.
type Node struct {
	db             storage.Database
	stateMu        sync.RWMutex
	emitter        events.Emitter
	policy         fees.Policy
	clock          escrow.Clock
	strictArbiter  bool
	maxDescription int
	logger         *slog.Logger
	metrics        *observability.EscrowMetrics
	tracer         trace.Tracer
	meterProvider  metric.MeterProvider
	instruments    *nodeInstruments
}

// Option customises a Node.
type Option func(*Node)

// WithEmitter forwards committed events to emitter.
func WithEmitter(emitter events.Emitter) Option {
	return func(n *Node) { n.emitter = emitter }
}

// WithFeePolicy sets the platform fee policy.
func WithFeePolicy(policy fees.Policy) Option {
	return func(n *Node) { n.policy = policy }
}

// WithClock overrides the monotonic wall clock.
func WithClock(clock escrow.Clock) Option {
	return func(n *Node) { n.clock = clock }
}

// WithStrictArbiter rejects arbiters that are a party to the escrow.
func WithStrictArbiter(strict bool) Option {
	return func(n *Node) { n.strictArbiter = strict }
}

// WithMaxDescriptionLength bounds free-text fields.
func WithMaxDescriptionLength(max int) Option {
	return func(n *Node) { n.maxDescription = max }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Node) { n.logger = logger }
}

// WithMetrics records operation outcomes into metrics.
func WithMetrics(metrics *observability.EscrowMetrics) Option {
	return func(n *Node) { n.metrics = metrics }
}

// WithMeterProvider records OpenTelemetry instruments into provider instead
// of the global one.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(n *Node) { n.meterProvider = provider }
}

// NewNode wires a node over db.
func NewNode(db storage.Database, opts ...Option) (*Node, error) {
	if db == nil {
		return nil, fmt.Errorf("core: database must not be nil")
	}
	n := &Node{
		db:             db,
		emitter:        events.NoopEmitter{},
		clock:          NewMonotonicClock(nil),
		maxDescription: escrow.DefaultMaxDescriptionLength,
		logger:         slog.Default(),
		tracer:         otel.Tracer("escrowledger/core"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(n)
		}
	}
	if n.emitter == nil {
		n.emitter = events.NoopEmitter{}
	}
	n.instruments = newNodeInstruments(n.meterProvider)
	if err := n.policy.Validate(); err != nil {
		return nil, fmt.Errorf("core: %w", err)
	}
	return n, nil
}

// FeePolicy returns the configured fee policy.
func (n *Node) FeePolicy() fees.Policy { return n.policy }

// VaultAddress returns the module account holding escrowed funds.
func (n *Node) VaultAddress() [20]byte {
	return newStateManager(n.db).EscrowVaultAddress()
}

func newStateManager(db storage.Database) *ledgerstate.Manager {
	return ledgerstate.NewManager(db)
}

func (n *Node) newEscrowEngine(manager *ledgerstate.Manager, emitter events.Emitter) *escrow.Engine {
	engine := escrow.NewEngine()
	engine.SetState(manager)
	engine.SetEmitter(emitter)
	engine.SetFeePolicy(n.policy)
	engine.SetClock(n.clock)
	engine.SetStrictArbiter(n.strictArbiter)
	engine.SetMaxDescriptionLength(n.maxDescription)
	return engine
}

// mutate runs fn against a buffered view of the state and commits it
// atomically when fn succeeds.
func (n *Node) mutate(ctx context.Context, op string, fn func(*escrow.Engine) error) error {
	ctx, span := n.tracer.Start(ctx, "escrow."+op)
	defer span.End()
	start := time.Now()

	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	err := ctx.Err()
	var buffered events.Buffer
	if err == nil {
		overlay := storage.NewOverlay(n.db)
		err = fn(n.newEscrowEngine(newStateManager(overlay), &buffered))
		if err == nil {
			err = overlay.Commit()
		} else {
			overlay.Discard()
		}
	}

	elapsed := time.Since(start)
	n.metrics.Observe(op, escrow.Reason(err), elapsed)
	n.instruments.observe(ctx, op, escrow.Reason(err), elapsed)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, escrow.Reason(err))
		if escrow.Code(err) == 0 {
			n.logger.ErrorContext(ctx, "escrow operation failed", "operation", op, "error", err)
		} else {
			n.logger.DebugContext(ctx, "escrow operation rejected", "operation", op, "code", escrow.Code(err), "error", err)
		}
		return err
	}
	for _, evt := range buffered.Events() {
		n.metrics.RecordEvent(evt.EventType())
	}
	buffered.Flush(n.emitter)
	return nil
}

// view runs fn against the committed state under the read lock.
func (n *Node) view(ctx context.Context, fn func(*escrow.Engine) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.stateMu.RLock()
	defer n.stateMu.RUnlock()
	return fn(n.newEscrowEngine(newStateManager(n.db), events.NoopEmitter{}))
}

func (n *Node) recordSettlement(s *escrow.Settlement, flow string) {
	if s == nil {
		return
	}
	n.metrics.RecordValue(flow, s.Net)
	n.metrics.RecordValue("fee", s.Fee)
}

// EscrowCreate opens a new escrow funded by caller.
func (n *Node) EscrowCreate(ctx context.Context, caller, beneficiary [20]byte, amount uint64, description string, lockSeconds uint64, arbiter *[20]byte) (*escrow.Escrow, error) {
	var created *escrow.Escrow
	err := n.mutate(ctx, "create", func(engine *escrow.Engine) error {
		var err error
		created, err = engine.Create(caller, beneficiary, amount, description, lockSeconds, arbiter)
		return err
	})
	if err != nil {
		return nil, err
	}
	n.metrics.RecordValue("deposit", created.Amount)
	n.logger.InfoContext(ctx, "escrow created", "escrow_id", created.ID, "amount", created.Amount)
	return created, nil
}

// EscrowRelease pays the remaining balance to the beneficiary.
func (n *Node) EscrowRelease(ctx context.Context, id uint64, caller [20]byte) (*escrow.Settlement, error) {
	var settlement *escrow.Settlement
	err := n.mutate(ctx, "release", func(engine *escrow.Engine) error {
		var err error
		settlement, err = engine.Release(id, caller)
		return err
	})
	if err != nil {
		return nil, err
	}
	n.recordSettlement(settlement, "payout")
	n.logger.InfoContext(ctx, "escrow released", "escrow_id", id, "net", settlement.Net, "fee", settlement.Fee)
	return settlement, nil
}

// EscrowPartialRelease pays amount to the beneficiary.
func (n *Node) EscrowPartialRelease(ctx context.Context, id uint64, caller [20]byte, amount uint64) (*escrow.Settlement, error) {
	var settlement *escrow.Settlement
	err := n.mutate(ctx, "partial_release", func(engine *escrow.Engine) error {
		var err error
		settlement, err = engine.PartialRelease(id, caller, amount)
		return err
	})
	if err != nil {
		return nil, err
	}
	n.recordSettlement(settlement, "payout")
	n.logger.InfoContext(ctx, "escrow partially released", "escrow_id", id, "net", settlement.Net, "fee", settlement.Fee, "status", settlement.Status.String())
	return settlement, nil
}

// EscrowRefund returns the remaining balance to the depositor.
func (n *Node) EscrowRefund(ctx context.Context, id uint64, caller [20]byte) (*escrow.Settlement, error) {
	var settlement *escrow.Settlement
	err := n.mutate(ctx, "refund", func(engine *escrow.Engine) error {
		var err error
		settlement, err = engine.Refund(id, caller)
		return err
	})
	if err != nil {
		return nil, err
	}
	n.recordSettlement(settlement, "refund")
	n.logger.InfoContext(ctx, "escrow refunded", "escrow_id", id, "amount", settlement.Net)
	return settlement, nil
}

// EscrowRaiseDispute freezes an active escrow.
func (n *Node) EscrowRaiseDispute(ctx context.Context, id uint64, caller [20]byte, reason string) (*escrow.Escrow, error) {
	var disputed *escrow.Escrow
	err := n.mutate(ctx, "raise_dispute", func(engine *escrow.Engine) error {
		var err error
		disputed, err = engine.RaiseDispute(id, caller, reason)
		return err
	})
	if err != nil {
		return nil, err
	}
	n.logger.InfoContext(ctx, "escrow disputed", "escrow_id", id)
	return disputed, nil
}

// EscrowResolveDispute lets the arbiter settle a disputed escrow.
func (n *Node) EscrowResolveDispute(ctx context.Context, id uint64, caller [20]byte, ruling string, favorBeneficiary bool) (*escrow.Settlement, error) {
	var settlement *escrow.Settlement
	err := n.mutate(ctx, "resolve_dispute", func(engine *escrow.Engine) error {
		var err error
		settlement, err = engine.ResolveDispute(id, caller, ruling, favorBeneficiary)
		return err
	})
	if err != nil {
		return nil, err
	}
	n.recordSettlement(settlement, "payout")
	n.logger.InfoContext(ctx, "escrow dispute resolved", "escrow_id", id, "favor_beneficiary", favorBeneficiary)
	return settlement, nil
}

// EscrowGet returns the record with the given id.
func (n *Node) EscrowGet(ctx context.Context, id uint64) (*escrow.Escrow, error) {
	var out *escrow.Escrow
	err := n.view(ctx, func(engine *escrow.Engine) error {
		var err error
		out, err = engine.Get(id)
		return err
	})
	return out, err
}

// EscrowCount returns the number of escrows ever created.
func (n *Node) EscrowCount(ctx context.Context) (uint64, error) {
	var out uint64
	err := n.view(ctx, func(engine *escrow.Engine) error {
		var err error
		out, err = engine.Count()
		return err
	})
	return out, err
}

// EscrowRemaining returns amount minus released amount.
func (n *Node) EscrowRemaining(ctx context.Context, id uint64) (uint64, error) {
	var out uint64
	err := n.view(ctx, func(engine *escrow.Engine) error {
		var err error
		out, err = engine.Remaining(id)
		return err
	})
	return out, err
}

// EscrowCanRefund reports whether the depositor could refund now.
func (n *Node) EscrowCanRefund(ctx context.Context, id uint64) (bool, error) {
	var out bool
	err := n.view(ctx, func(engine *escrow.Engine) error {
		var err error
		out, err = engine.CanRefund(id)
		return err
	})
	return out, err
}

// EscrowTimeUntilUnlock returns the seconds left on the timelock.
func (n *Node) EscrowTimeUntilUnlock(ctx context.Context, id uint64) (uint64, error) {
	var out uint64
	err := n.view(ctx, func(engine *escrow.Engine) error {
		var err error
		out, err = engine.TimeUntilUnlock(id)
		return err
	})
	return out, err
}

// EscrowTotalStats returns the aggregate counters.
func (n *Node) EscrowTotalStats(ctx context.Context) (fees.Stats, error) {
	var out fees.Stats
	err := n.view(ctx, func(engine *escrow.Engine) error {
		var err error
		out, err = engine.TotalStats()
		return err
	})
	return out, err
}

// EscrowList pages through records in id order.
func (n *Node) EscrowList(ctx context.Context, offset uint64, limit int) ([]*escrow.Escrow, error) {
	var out []*escrow.Escrow
	err := n.view(ctx, func(engine *escrow.Engine) error {
		var err error
		out, err = engine.List(offset, limit)
		return err
	})
	return out, err
}

// EscrowListByParty pages through records where addr holds any role.
func (n *Node) EscrowListByParty(ctx context.Context, addr [20]byte, offset uint64, limit int) ([]*escrow.Escrow, error) {
	var out []*escrow.Escrow
	err := n.view(ctx, func(engine *escrow.Engine) error {
		var err error
		out, err = engine.ListByParty(addr, offset, limit)
		return err
	})
	return out, err
}

// Balance returns the committed balance of addr.
func (n *Node) Balance(ctx context.Context, addr [20]byte) (*uint256.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.stateMu.RLock()
	defer n.stateMu.RUnlock()
	return newStateManager(n.db).Balance(addr)
}

// Supply returns the sum of every balance, the vault included.
func (n *Node) Supply(ctx context.Context) (*uint256.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.stateMu.RLock()
	defer n.stateMu.RUnlock()
	return newStateManager(n.db).Supply()
}

// ApplyGenesis credits the genesis allocation once. Later calls are no-ops.
func (n *Node) ApplyGenesis(ctx context.Context, spec *genesis.GenesisSpec) (bool, error) {
	if spec == nil {
		return false, fmt.Errorf("core: genesis spec must not be nil")
	}
	_, span := n.tracer.Start(ctx, "escrow.genesis", trace.WithAttributes(attribute.Int("accounts", len(spec.Alloc))))
	defer span.End()

	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	overlay := storage.NewOverlay(n.db)
	applied, err := genesis.Apply(spec, newStateManager(overlay))
	if err != nil {
		overlay.Discard()
		span.RecordError(err)
		return false, err
	}
	if err := overlay.Commit(); err != nil {
		return false, err
	}
	if applied {
		n.logger.InfoContext(ctx, "genesis allocation applied", "accounts", len(spec.Alloc))
	}
	return applied, nil
}
