// Package graduation drives a token from the bonding curve to DEX liquidity.
//
// The Machine advances a GraduationEvent one status at a time, persisting
// each step with a compare-and-swap so that the stored status only moves
// forward. External collaborators are called only from contract_deploying and
// liquidity_creating; their results are written together with the status that
// follows them, so a run interrupted between steps resumes where it stopped.
package graduation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/alanyoungcy/promptpad/internal/curve"
	"github.com/alanyoungcy/promptpad/internal/domain"
)

// Config holds the machine's tunables.
type Config struct {
	StepTimeout    time.Duration
	LockTTL        time.Duration
	LPLockDuration time.Duration
	// PoolShareBps is the share of the frozen raise paid into the pool. The
	// rest is platform revenue.
	PoolShareBps int
}

// DefaultConfig returns the documented defaults: 70% of the raise to the
// pool, LP locked for ten years.
func DefaultConfig() Config {
	return Config{
		StepTimeout:    3 * time.Minute,
		LockTTL:        10 * time.Minute,
		LPLockDuration: 10 * 365 * 24 * time.Hour,
		PoolShareBps:   7000,
	}
}

// EventNotifier forwards operator alerts. *notify.Notifier satisfies it.
type EventNotifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Machine runs graduations.
type Machine struct {
	curves    domain.CurveStore
	events    domain.GraduationStore
	deployer  domain.TokenDeployer
	liquidity domain.LiquidityProvider
	cfg       Config
	logger    *slog.Logger

	locks    domain.LockManager
	notifier EventNotifier
	bus      domain.SignalBus
	audit    domain.AuditStore
	cache    domain.CurveStateCache

	group singleflight.Group
	local tokenMutex
}

// NewMachine creates a Machine.
func NewMachine(
	curves domain.CurveStore,
	events domain.GraduationStore,
	deployer domain.TokenDeployer,
	liquidity domain.LiquidityProvider,
	cfg Config,
	logger *slog.Logger,
) *Machine {
	def := DefaultConfig()
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = def.StepTimeout
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if cfg.LPLockDuration <= 0 {
		cfg.LPLockDuration = def.LPLockDuration
	}
	if cfg.PoolShareBps <= 0 || cfg.PoolShareBps > 10_000 {
		cfg.PoolShareBps = def.PoolShareBps
	}
	return &Machine{
		curves:    curves,
		events:    events,
		deployer:  deployer,
		liquidity: liquidity,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "graduation")),
	}
}

// SetLocks enables the cross-process graduation lock.
func (m *Machine) SetLocks(l domain.LockManager) { m.locks = l }

// SetNotifier enables alerts for completed and failed graduations.
func (m *Machine) SetNotifier(n EventNotifier) { m.notifier = n }

// SetBus enables transition notifications on ch:graduation:<token>.
func (m *Machine) SetBus(bus domain.SignalBus) { m.bus = bus }

// SetAudit enables audit rows for every transition.
func (m *Machine) SetAudit(a domain.AuditStore) { m.audit = a }

// SetCache makes completion refresh the token's cached curve state.
func (m *Machine) SetCache(c domain.CurveStateCache) { m.cache = c }

// Trigger advances the token's graduation as far as it can go. Concurrent
// calls with the same force flag collapse into a single run, and runs for
// one token never overlap within the process. A caller that loses the
// cross-process lock gets the event as currently stored.
//
// Cancelling ctx stops the run between steps. A step already calling the
// chain finishes and records its outcome first.
//
// Events in failed or liquidity_failed are left alone unless force is set, in
// which case the failed step is retried once. A collaborator failure moves the
// event to its failure status and is returned as *domain.StepFailure along
// with the updated event.
func (m *Machine) Trigger(ctx context.Context, tokenID, eventID string, force bool) (domain.GraduationEvent, error) {
	key := tokenID + ":" + strconv.FormatBool(force)
	v, err, _ := m.group.Do(key, func() (any, error) {
		return m.run(ctx, tokenID, eventID, force)
	})
	ev, _ := v.(domain.GraduationEvent)
	return ev, err
}

func (m *Machine) run(ctx context.Context, tokenID, eventID string, force bool) (domain.GraduationEvent, error) {
	release := m.local.lock(tokenID)
	defer release()

	if m.locks != nil {
		unlock, err := m.locks.Acquire(ctx, "graduation:"+tokenID, m.cfg.LockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			m.logger.InfoContext(ctx, "graduation already running elsewhere", slog.String("token_id", tokenID))
			return m.events.GetByToken(ctx, tokenID)
		}
		if err != nil {
			return domain.GraduationEvent{}, fmt.Errorf("graduation: lock %s: %w", tokenID, err)
		}
		defer unlock()
	}

	ev, err := m.load(ctx, tokenID, eventID)
	if err != nil {
		return domain.GraduationEvent{}, err
	}

	for {
		if err := ctx.Err(); err != nil && ev.Status != domain.GraduationCompleted {
			return ev, err
		}
		var next domain.GraduationEvent
		switch ev.Status {
		case domain.GraduationCompleted:
			return ev, nil

		case domain.GraduationFailed, domain.GraduationLiquidityFailed:
			if !force {
				return ev, nil
			}
			force = false
			retry := domain.GraduationContractDeploying
			if ev.Status == domain.GraduationLiquidityFailed {
				retry = domain.GraduationLiquidityCreating
			}
			ev.ErrorMessage = ""
			next, err = m.transition(ctx, ev, retry, "operator retry")

		case domain.GraduationInitiated:
			next, err = m.transition(ctx, ev, domain.GraduationContractDeploying, "")

		case domain.GraduationContractDeploying:
			next, err = m.deploy(ctx, ev)

		case domain.GraduationContractDeployed:
			next, err = m.transition(ctx, ev, domain.GraduationLiquidityCreating, "")

		case domain.GraduationLiquidityCreating:
			next, err = m.createLiquidity(ctx, ev)

		case domain.GraduationLiquidityCreated:
			next, err = m.complete(ctx, ev)

		default:
			return ev, fmt.Errorf("%w: graduation %s has unknown status %q", domain.ErrInvariantViolation, ev.ID, ev.Status)
		}
		if err != nil {
			return next, err
		}
		ev = next
	}
}

// load finds the event to drive. With no event on record it creates one,
// provided the curve has actually reached its threshold.
func (m *Machine) load(ctx context.Context, tokenID, eventID string) (domain.GraduationEvent, error) {
	if eventID != "" {
		ev, err := m.events.GetByID(ctx, eventID)
		if err != nil {
			return domain.GraduationEvent{}, fmt.Errorf("graduation: get event %s: %w", eventID, err)
		}
		if ev.TokenID != tokenID {
			return domain.GraduationEvent{}, fmt.Errorf("graduation: event %s belongs to another token: %w", eventID, domain.ErrNotFound)
		}
		return ev, nil
	}

	ev, err := m.events.GetByToken(ctx, tokenID)
	if err == nil {
		return ev, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.GraduationEvent{}, fmt.Errorf("graduation: get event for %s: %w", tokenID, err)
	}

	cfg, err := m.curves.GetConfig(ctx, tokenID)
	if err != nil {
		return domain.GraduationEvent{}, fmt.Errorf("graduation: get config %s: %w", tokenID, err)
	}
	state, err := m.curves.GetState(ctx, tokenID)
	if err != nil {
		return domain.GraduationEvent{}, fmt.Errorf("graduation: get state %s: %w", tokenID, err)
	}
	if !curve.New(cfg).IsGraduated(state.PromptRaised) {
		return domain.GraduationEvent{}, domain.ErrNotEligible
	}

	ev, _, err = m.events.CreateIfAbsent(ctx, domain.GraduationEvent{
		ID:                       uuid.New().String(),
		TokenID:                  tokenID,
		Status:                   domain.GraduationInitiated,
		PromptRaisedAtGraduation: state.PromptRaised,
	})
	if err != nil {
		return domain.GraduationEvent{}, fmt.Errorf("graduation: create event %s: %w", tokenID, err)
	}
	return ev, nil
}

// deploy sends the token contract. The broadcast hash is saved before the
// receipt arrives so that a later run adopts that deployment instead of
// sending a second one.
func (m *Machine) deploy(ctx context.Context, ev domain.GraduationEvent) (domain.GraduationEvent, error) {
	ctx = context.WithoutCancel(ctx)
	if ev.DeployTxHash != "" {
		return m.resumeDeploy(ctx, ev)
	}

	cfg, err := m.curves.GetConfig(ctx, ev.TokenID)
	if err != nil {
		return ev, fmt.Errorf("graduation: get config %s: %w", ev.TokenID, err)
	}
	state, err := m.curves.GetState(ctx, ev.TokenID)
	if err != nil {
		return ev, fmt.Errorf("graduation: get state %s: %w", ev.TokenID, err)
	}

	var submitted string
	ev.Attempts++
	stepCtx, cancel := context.WithTimeout(ctx, m.cfg.StepTimeout)
	res, err := m.deployer.DeployTokenContract(stepCtx, domain.DeployParams{
		TokenID:            cfg.TokenID,
		Name:               cfg.Name,
		Symbol:             cfg.Symbol,
		HolderAllocation:   state.TokensSold,
		LpReserve:          cfg.LpReserve,
		PlatformAllocation: cfg.PlatformAllocation,
		TotalSupply:        cfg.TotalSupply,
		Submitted: func(txHash string) {
			submitted = txHash
			if err := m.events.RecordDeployTx(ctx, ev.ID, txHash); err != nil {
				m.logger.ErrorContext(ctx, "deploy tx not recorded",
					slog.String("event_id", ev.ID),
					slog.String("tx", txHash),
					slog.String("error", err.Error()),
				)
			}
		},
	})
	cancel()
	if submitted != "" {
		ev.DeployTxHash = submitted
	}
	if err != nil {
		if errors.Is(err, domain.ErrTxReverted) {
			ev.DeployTxHash = ""
		}
		return m.fail(ctx, ev, domain.GraduationFailed, err)
	}

	ev.V2ContractAddress = res.Address
	ev.DeployTxHash = res.TxHash
	return m.transition(ctx, ev, domain.GraduationContractDeployed, "contract "+res.Address)
}

// resumeDeploy settles a deployment an earlier run broadcast. A reverted
// transaction clears the hash so the next forced retry deploys afresh.
func (m *Machine) resumeDeploy(ctx context.Context, ev domain.GraduationEvent) (domain.GraduationEvent, error) {
	lookup, ok := m.deployer.(domain.DeploymentLookup)
	if !ok {
		return m.fail(ctx, ev, domain.GraduationFailed,
			fmt.Errorf("deployment %s was sent but this deployer cannot look it up", ev.DeployTxHash))
	}

	stepCtx, cancel := context.WithTimeout(ctx, m.cfg.StepTimeout)
	res, err := lookup.LookupDeployment(stepCtx, ev.DeployTxHash)
	cancel()
	if err != nil {
		if errors.Is(err, domain.ErrTxReverted) {
			ev.DeployTxHash = ""
		}
		return m.fail(ctx, ev, domain.GraduationFailed, err)
	}

	m.logger.InfoContext(ctx, "adopted earlier deployment",
		slog.String("token_id", ev.TokenID),
		slog.String("tx", ev.DeployTxHash),
		slog.String("address", res.Address),
	)
	ev.V2ContractAddress = res.Address
	return m.transition(ctx, ev, domain.GraduationContractDeployed, "contract "+res.Address+" (resumed)")
}

func (m *Machine) createLiquidity(ctx context.Context, ev domain.GraduationEvent) (domain.GraduationEvent, error) {
	cfg, err := m.curves.GetConfig(ctx, ev.TokenID)
	if err != nil {
		return ev, fmt.Errorf("graduation: get config %s: %w", ev.TokenID, err)
	}
	if ev.V2ContractAddress == "" {
		return ev, fmt.Errorf("%w: graduation %s creating liquidity without a contract", domain.ErrInvariantViolation, ev.ID)
	}

	ctx = context.WithoutCancel(ctx)
	pool := ev.PromptRaisedAtGraduation * float64(m.cfg.PoolShareBps) / 10_000
	ev.Attempts++
	stepCtx, cancel := context.WithTimeout(ctx, m.cfg.StepTimeout)
	res, err := m.liquidity.CreateLiquidityPool(stepCtx, domain.LiquidityParams{
		TokenID:      ev.TokenID,
		TokenAddress: ev.V2ContractAddress,
		PromptAmount: pool,
		TokenAmount:  cfg.LpReserve,
		LockDuration: m.cfg.LPLockDuration,
	})
	cancel()
	if err != nil {
		return m.fail(ctx, ev, domain.GraduationLiquidityFailed, err)
	}

	ev.LiquidityPoolAddress = res.PoolAddress
	ev.LiquidityTxHash = res.TxHash
	ev.LPLockTxHash = res.LockTxHash
	if !res.UnlockAt.IsZero() {
		unlock := res.UnlockAt.UTC()
		ev.LPUnlockAt = &unlock
	}
	ev.PoolPromptAmount = pool
	ev.PoolTokenAmount = cfg.LpReserve
	ev.PlatformRevenue = ev.PromptRaisedAtGraduation - pool
	return m.transition(ctx, ev, domain.GraduationLiquidityCreated, "pool "+res.PoolAddress)
}

func (m *Machine) complete(ctx context.Context, ev domain.GraduationEvent) (domain.GraduationEvent, error) {
	ctx = context.WithoutCancel(ctx)
	if err := m.curves.MarkGraduated(ctx, ev.TokenID); err != nil {
		return ev, fmt.Errorf("graduation: mark graduated %s: %w", ev.TokenID, err)
	}
	m.refreshCache(ctx, ev.TokenID)
	return m.transition(ctx, ev, domain.GraduationCompleted, "")
}

// refreshCache writes the graduated state so readers stop routing to the
// curve. If that fails the entry is dropped and readers fall back to the store.
func (m *Machine) refreshCache(ctx context.Context, tokenID string) {
	if m.cache == nil {
		return
	}
	state, err := m.curves.GetState(ctx, tokenID)
	if err == nil {
		err = m.cache.Set(ctx, state)
	}
	if err == nil {
		return
	}
	m.logger.WarnContext(ctx, "curve cache refresh failed", slog.String("token_id", tokenID), slog.String("error", err.Error()))
	if err := m.cache.Invalidate(ctx, tokenID); err != nil {
		m.logger.WarnContext(ctx, "curve cache invalidate failed", slog.String("token_id", tokenID), slog.String("error", err.Error()))
	}
}

// fail records a collaborator failure.
func (m *Machine) fail(ctx context.Context, ev domain.GraduationEvent, to domain.GraduationStatus, cause error) (domain.GraduationEvent, error) {
	step := ev.Status
	m.logger.ErrorContext(ctx, "graduation step failed",
		slog.String("token_id", ev.TokenID),
		slog.String("event_id", ev.ID),
		slog.String("step", string(step)),
		slog.Int("attempts", ev.Attempts),
		slog.String("error", cause.Error()),
	)

	ev.ErrorMessage = cause.Error()
	stored, err := m.transition(ctx, ev, to, cause.Error())
	if err != nil {
		return ev, errors.Join(&domain.StepFailure{TokenID: ev.TokenID, Step: step, Err: cause}, err)
	}
	return stored, &domain.StepFailure{TokenID: ev.TokenID, Step: step, Err: cause}
}

func (m *Machine) transition(ctx context.Context, ev domain.GraduationEvent, to domain.GraduationStatus, detail string) (domain.GraduationEvent, error) {
	from := ev.Status
	stored, err := m.events.Transition(ctx, ev, from, to, detail)
	if err != nil {
		return ev, fmt.Errorf("graduation: %s %s -> %s: %w", ev.ID, from, to, err)
	}

	m.logger.InfoContext(ctx, "graduation transition",
		slog.String("token_id", stored.TokenID),
		slog.String("event_id", stored.ID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)
	m.publish(ctx, stored)
	if m.audit != nil {
		if err := m.audit.Log(ctx, "graduation.transition", map[string]any{
			"token_id": stored.TokenID,
			"event_id": stored.ID,
			"from":     string(from),
			"to":       string(to),
			"detail":   detail,
		}); err != nil {
			m.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
		}
	}
	if to == domain.GraduationCompleted || to.IsFailure() {
		m.alert(ctx, stored)
	}
	return stored, nil
}

func (m *Machine) publish(ctx context.Context, ev domain.GraduationEvent) {
	if m.bus == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err == nil {
		err = m.bus.Publish(ctx, domain.ChannelGraduationPrefix+ev.TokenID, payload)
	}
	if err != nil {
		m.logger.WarnContext(ctx, "graduation publish failed", slog.String("token_id", ev.TokenID), slog.String("error", err.Error()))
	}
}

func (m *Machine) alert(ctx context.Context, ev domain.GraduationEvent) {
	if m.notifier == nil {
		return
	}
	var title, msg string
	switch ev.Status {
	case domain.GraduationCompleted:
		title = "Token graduated"
		msg = fmt.Sprintf("Token %s graduated with %.2f PROMPT raised.\nPool: %s\nLP unlocks: %s",
			ev.TokenID, ev.PromptRaisedAtGraduation, ev.LiquidityPoolAddress, formatUnlock(ev.LPUnlockAt))
	default:
		title = "Graduation " + string(ev.Status)
		msg = fmt.Sprintf("Token %s graduation event %s is %s after %d attempts.\nError: %s\nRetry with force=true once resolved.",
			ev.TokenID, ev.ID, ev.Status, ev.Attempts, ev.ErrorMessage)
	}
	if err := m.notifier.Notify(ctx, "graduation."+string(ev.Status), title, msg); err != nil {
		m.logger.WarnContext(ctx, "graduation alert failed", slog.String("error", err.Error()))
	}
}

// tokenMutex serializes runs per token inside one process. Entries are
// dropped when their last holder releases.
type tokenMutex struct {
	mu    sync.Mutex
	slots map[string]*tokenSlot
}

type tokenSlot struct {
	mu   sync.Mutex
	refs int
}

func (t *tokenMutex) lock(tokenID string) (release func()) {
	t.mu.Lock()
	if t.slots == nil {
		t.slots = make(map[string]*tokenSlot)
	}
	slot, ok := t.slots[tokenID]
	if !ok {
		slot = &tokenSlot{}
		t.slots[tokenID] = slot
	}
	slot.refs++
	t.mu.Unlock()

	slot.mu.Lock()
	return func() {
		slot.mu.Unlock()
		t.mu.Lock()
		if slot.refs--; slot.refs == 0 {
			delete(t.slots, tokenID)
		}
		t.mu.Unlock()
	}
}

func formatUnlock(t *time.Time) string {
	if t == nil {
		return "n/a"
	}
	return t.Format("2006-01-02")
}
