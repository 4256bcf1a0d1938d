package escrow

import (
	"fmt"
	"math"

	"escrowledger/core/events"
	"escrowledger/core/types"
	"escrowledger/native/fees"
)

// Bank moves value between principals. Implementations must either apply the
// whole transfer or return an error.
type Bank interface {
	Transfer(from, to [20]byte, amount uint64) error
}

// Clock supplies the current time in unix seconds.
type Clock interface {
	Now() int64
}

// ClockFunc adapts a plain function to the Clock interface.
type ClockFunc func() int64

// Now implements Clock.
func (f ClockFunc) Now() int64 { return f() }

type engineState interface {
	Bank
	EscrowGet(id uint64) (*Escrow, bool, error)
	EscrowPut(*Escrow) error
	EscrowStats() (fees.Stats, error)
	EscrowPutStats(fees.Stats) error
	EscrowVaultAddress() [20]byte
}

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// Transfer describes a single value movement performed by an operation.
type Transfer struct {
	From   [20]byte
	To     [20]byte
	Amount uint64
}

// Settlement summarises the value movements of a releasing, refunding or
// resolving operation.
type Settlement struct {
	EscrowID  uint64
	Status    Status
	Recipient [20]byte
	Gross     uint64
	Net       uint64
	Fee       uint64
	Transfers []Transfer
}

// Engine applies the escrow state machine against an external state backend.
// The engine writes through to the backend as it goes; callers that need
// all-or-nothing semantics must hand it a state view they can discard when an
// operation returns an error.
type Engine struct {
	state          engineState
	emitter        events.Emitter
	policy         fees.Policy
	clock          Clock
	maxDescription int
	strictArbiter  bool
}

// NewEngine creates an escrow engine with a no-op emitter and a fee-free
// policy. Callers must configure the state backend and the clock through the
// setters before time-dependent operations run.
func NewEngine() *Engine {
	return &Engine{
		emitter:        events.NoopEmitter{},
		maxDescription: DefaultMaxDescriptionLength,
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetFeePolicy configures the platform fee applied to releasing transfers.
func (e *Engine) SetFeePolicy(policy fees.Policy) { e.policy = policy }

// FeePolicy returns the configured fee policy.
func (e *Engine) FeePolicy() fees.Policy { return e.policy }

// SetClock configures the time source.
func (e *Engine) SetClock(clock Clock) { e.clock = clock }

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetStrictArbiter rejects arbiters that are also a party to the escrow.
func (e *Engine) SetStrictArbiter(strict bool) { e.strictArbiter = strict }

// SetMaxDescriptionLength bounds free-text fields. Non-positive values restore
// the default.
func (e *Engine) SetMaxDescriptionLength(n int) {
	if n <= 0 {
		n = DefaultMaxDescriptionLength
	}
	e.maxDescription = n
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(escrowEvent{evt: event})
}

func (e *Engine) now() (int64, error) {
	if e == nil || e.clock == nil {
		return 0, errNilClock
	}
	return e.clock.Now(), nil
}

func (e *Engine) loadEscrow(id uint64) (*Escrow, error) {
	if e.state == nil {
		return nil, errNilState
	}
	esc, ok, err := e.state.EscrowGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	sanitized, err := SanitizeEscrow(esc)
	if err != nil {
		return nil, fmt.Errorf("escrow engine: corrupted record: %w", err)
	}
	return sanitized, nil
}

func (e *Engine) storeEscrow(esc *Escrow) error {
	sanitized, err := SanitizeEscrow(esc)
	if err != nil {
		return err
	}
	return e.state.EscrowPut(sanitized)
}

// loadMutable loads a record and applies the shared guards of every
// value-moving operation: existence, terminality, then role.
func (e *Engine) loadMutable(id uint64, caller [20]byte, allowed ...Role) (*Escrow, Role, error) {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return nil, 0, err
	}
	if esc.Status.Terminal() {
		return nil, 0, fmt.Errorf("%w: escrow %d is %s", ErrAlreadyReleased, id, esc.Status)
	}
	role, err := Authorize(esc, caller, allowed...)
	if err != nil {
		return nil, 0, err
	}
	return esc, role, nil
}

func requireStatus(esc *Escrow, want Status) error {
	if esc.Status != want {
		return fmt.Errorf("%w: escrow %d is %s, want %s", ErrInvalidState, esc.ID, esc.Status, want)
	}
	return nil
}

func (e *Engine) transfer(from, to [20]byte, amount uint64, out *[]Transfer) error {
	if amount == 0 {
		return nil
	}
	if err := e.state.Transfer(from, to, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	*out = append(*out, Transfer{From: from, To: to, Amount: amount})
	return nil
}

func (e *Engine) ensureTreasuryConfigured() error {
	if e.policy.FeeBps > 0 && e.policy.Treasury == ([20]byte{}) {
		return errNilTreasury
	}
	return e.policy.Validate()
}

// payout moves gross out of the vault, routing the fee to the treasury and the
// remainder to recipient.
func (e *Engine) payout(esc *Escrow, recipient [20]byte, gross uint64) (*Settlement, error) {
	if err := e.ensureTreasuryConfigured(); err != nil {
		return nil, err
	}
	res := e.policy.Apply(gross)
	vault := e.state.EscrowVaultAddress()
	settlement := &Settlement{EscrowID: esc.ID, Recipient: recipient, Gross: gross, Net: res.Net, Fee: res.Fee}
	if err := e.transfer(vault, recipient, res.Net, &settlement.Transfers); err != nil {
		return nil, err
	}
	if err := e.transfer(vault, res.Treasury, res.Fee, &settlement.Transfers); err != nil {
		return nil, err
	}
	return settlement, nil
}

func (e *Engine) updateStats(completed bool, fee uint64) error {
	stats, err := e.state.EscrowStats()
	if err != nil {
		return err
	}
	if completed {
		stats = stats.AccumulateOnComplete()
	}
	if stats, err = stats.AccumulateFee(fee); err != nil {
		return err
	}
	return e.state.EscrowPutStats(stats)
}

// Create opens a new escrow funded by caller. The full amount moves from the
// caller into the vault and the record starts active.
func (e *Engine) Create(caller, beneficiary [20]byte, amount uint64, description string, lockSeconds uint64, arbiter *[20]byte) (*Escrow, error) {
	if e.state == nil {
		return nil, errNilState
	}
	if beneficiary == caller {
		return nil, ErrSelfEscrow
	}
	if amount == 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	if err := ValidateText("description", description, e.maxDescription); err != nil {
		return nil, err
	}
	if arbiter != nil && e.strictArbiter && (*arbiter == caller || *arbiter == beneficiary) {
		return nil, fmt.Errorf("%w: arbiter must not be a party", ErrInvalidArbiter)
	}
	now, err := e.now()
	if err != nil {
		return nil, err
	}
	if now < 0 || lockSeconds > uint64(math.MaxInt64-now) {
		return nil, fmt.Errorf("%w: lock duration %d out of range", ErrInvalidAmount, lockSeconds)
	}
	stats, err := e.state.EscrowStats()
	if err != nil {
		return nil, err
	}
	next, err := stats.AccumulateOnCreate(amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	esc := &Escrow{
		ID:            stats.NextID(),
		Depositor:     caller,
		Beneficiary:   beneficiary,
		Amount:        amount,
		Description:   description,
		CreatedAt:     now,
		TimelockUntil: now + int64(lockSeconds),
		Status:        StatusActive,
	}
	if arbiter != nil {
		arb := *arbiter
		esc.Arbiter = &arb
	}
	var transfers []Transfer
	if err := e.transfer(caller, e.state.EscrowVaultAddress(), amount, &transfers); err != nil {
		return nil, err
	}
	if err := e.storeEscrow(esc); err != nil {
		return nil, err
	}
	if err := e.state.EscrowPutStats(next); err != nil {
		return nil, err
	}
	e.emit(NewCreatedEvent(esc))
	return esc.Clone(), nil
}

// Release pays the whole remaining balance to the beneficiary, less the
// platform fee. Only the depositor may release.
func (e *Engine) Release(id uint64, caller [20]byte) (*Settlement, error) {
	esc, _, err := e.loadMutable(id, caller, RoleDepositor)
	if err != nil {
		return nil, err
	}
	if err := requireStatus(esc, StatusActive); err != nil {
		return nil, err
	}
	settlement, err := e.payout(esc, esc.Beneficiary, esc.Remaining())
	if err != nil {
		return nil, err
	}
	esc.ReleasedAmount = esc.Amount
	esc.Status = StatusReleased
	if err := e.storeEscrow(esc); err != nil {
		return nil, err
	}
	if err := e.updateStats(true, settlement.Fee); err != nil {
		return nil, err
	}
	settlement.Status = esc.Status
	e.emit(NewReleasedEvent(esc, settlement))
	return settlement, nil
}

// PartialRelease pays delta to the beneficiary, less the platform fee. The
// record becomes released once nothing remains.
func (e *Engine) PartialRelease(id uint64, caller [20]byte, delta uint64) (*Settlement, error) {
	esc, _, err := e.loadMutable(id, caller, RoleDepositor)
	if err != nil {
		return nil, err
	}
	if err := requireStatus(esc, StatusActive); err != nil {
		return nil, err
	}
	if delta == 0 {
		return nil, fmt.Errorf("%w: release amount must be positive", ErrInvalidAmount)
	}
	if remaining := esc.Remaining(); delta > remaining {
		return nil, fmt.Errorf("%w: release %d exceeds remaining %d", ErrInsufficientFunds, delta, remaining)
	}
	settlement, err := e.payout(esc, esc.Beneficiary, delta)
	if err != nil {
		return nil, err
	}
	esc.ReleasedAmount += delta
	completed := esc.ReleasedAmount == esc.Amount
	if completed {
		esc.Status = StatusReleased
	}
	if err := e.storeEscrow(esc); err != nil {
		return nil, err
	}
	if err := e.updateStats(completed, settlement.Fee); err != nil {
		return nil, err
	}
	settlement.Status = esc.Status
	e.emit(NewPartiallyReleasedEvent(esc, settlement))
	if completed {
		e.emit(NewReleasedEvent(esc, settlement))
	}
	return settlement, nil
}

// Refund returns the remaining balance to the depositor once the timelock has
// passed. Refunds carry no fee.
func (e *Engine) Refund(id uint64, caller [20]byte) (*Settlement, error) {
	esc, _, err := e.loadMutable(id, caller, RoleDepositor)
	if err != nil {
		return nil, err
	}
	if err := requireStatus(esc, StatusActive); err != nil {
		return nil, err
	}
	now, err := e.now()
	if err != nil {
		return nil, err
	}
	if now < esc.TimelockUntil {
		return nil, fmt.Errorf("%w: escrow %d unlocks in %ds", ErrTimelockActive, id, esc.TimelockUntil-now)
	}
	remaining := esc.Remaining()
	settlement := &Settlement{EscrowID: esc.ID, Recipient: esc.Depositor, Gross: remaining, Net: remaining}
	if err := e.transfer(e.state.EscrowVaultAddress(), esc.Depositor, remaining, &settlement.Transfers); err != nil {
		return nil, err
	}
	esc.Status = StatusRefunded
	if err := e.storeEscrow(esc); err != nil {
		return nil, err
	}
	if err := e.updateStats(true, 0); err != nil {
		return nil, err
	}
	settlement.Status = esc.Status
	e.emit(NewRefundedEvent(esc, settlement))
	return settlement, nil
}

// RaiseDispute freezes an active escrow until its arbiter rules. Either party
// may raise a dispute; no funds move.
func (e *Engine) RaiseDispute(id uint64, caller [20]byte, reason string) (*Escrow, error) {
	esc, _, err := e.loadMutable(id, caller, RoleDepositor, RoleBeneficiary)
	if err != nil {
		return nil, err
	}
	if err := requireStatus(esc, StatusActive); err != nil {
		return nil, err
	}
	if err := ValidateText("reason", reason, e.maxDescription); err != nil {
		return nil, err
	}
	esc.Status = StatusDisputed
	esc.DisputeReason = reason
	if err := e.storeEscrow(esc); err != nil {
		return nil, err
	}
	e.emit(NewDisputedEvent(esc, caller))
	return esc.Clone(), nil
}

// ResolveDispute lets the arbiter pay the remaining balance, less the platform
// fee, to the favored party.
func (e *Engine) ResolveDispute(id uint64, caller [20]byte, ruling string, favorBeneficiary bool) (*Settlement, error) {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return nil, err
	}
	if esc.Status.Terminal() {
		return nil, fmt.Errorf("%w: escrow %d is %s", ErrAlreadyReleased, id, esc.Status)
	}
	if !esc.HasArbiter() {
		return nil, fmt.Errorf("%w: escrow %d", ErrNoArbiter, id)
	}
	if _, err := Authorize(esc, caller, RoleArbiter); err != nil {
		return nil, err
	}
	if err := requireStatus(esc, StatusDisputed); err != nil {
		return nil, err
	}
	if err := ValidateText("ruling", ruling, e.maxDescription); err != nil {
		return nil, err
	}
	recipient := esc.Depositor
	if favorBeneficiary {
		recipient = esc.Beneficiary
	}
	settlement, err := e.payout(esc, recipient, esc.Remaining())
	if err != nil {
		return nil, err
	}
	if favorBeneficiary {
		esc.ReleasedAmount = esc.Amount
	}
	esc.Status = StatusResolved
	esc.Ruling = ruling
	esc.ResolvedFor = &recipient
	if err := e.storeEscrow(esc); err != nil {
		return nil, err
	}
	if err := e.updateStats(true, settlement.Fee); err != nil {
		return nil, err
	}
	settlement.Status = esc.Status
	e.emit(NewResolvedEvent(esc, settlement))
	return settlement, nil
}
