package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"shillmarket/core/types"
	"shillmarket/crypto"
	"shillmarket/observability"
	"shillmarket/rpc"
)

const (
	DecisionRelease = "release"
	DecisionRefund  = "refund"
)

var (
	// ErrInvalidDecision is returned for malformed settle requests.
	ErrInvalidDecision = errors.New("settlementd: invalid decision")
	// ErrSettlementInFlight rejects a second decision for an order that is being submitted.
	ErrSettlementInFlight = errors.New("settlementd: settlement already in flight")
	// ErrConflictingDecision rejects a decision that contradicts one already settled.
	ErrConflictingDecision = errors.New("settlementd: order already settled with a different decision")
	// ErrRetriesExhausted is returned once every attempt failed transiently.
	ErrRetriesExhausted = errors.New("settlementd: retries exhausted")
)

// Node is the subset of the JSON-RPC client the coordinator needs.
type Node interface {
	SendInstruction(ctx context.Context, ins *types.Instruction) (*rpc.ReceiptResult, error)
	Escrow(ctx context.Context, orderID uint64) (*rpc.EscrowResult, error)
	Account(ctx context.Context, address string) (*rpc.AccountResult, error)
}

// Decision is the verification outcome for one order.
type Decision struct {
	OrderID  uint64 `json:"orderId"`
	Decision string `json:"decision"`
	Payee    string `json:"payee,omitempty"`
}

// Validate normalises the decision and checks its fields.
func (d *Decision) Validate() error {
	d.Decision = strings.ToLower(strings.TrimSpace(d.Decision))
	if d.Decision != DecisionRelease && d.Decision != DecisionRefund {
		return fmt.Errorf("%w: decision must be %q or %q", ErrInvalidDecision, DecisionRelease, DecisionRefund)
	}
	d.Payee = strings.TrimSpace(d.Payee)
	if d.Payee != "" {
		addr, err := crypto.DecodeAddress(d.Payee)
		if err != nil {
			return fmt.Errorf("%w: payee: %v", ErrInvalidDecision, err)
		}
		if addr.Prefix() != crypto.IdentityPrefix {
			return fmt.Errorf("%w: payee must be a %s address", ErrInvalidDecision, crypto.IdentityPrefix)
		}
	}
	return nil
}

func (d Decision) kind() types.InstructionKind {
	if d.Decision == DecisionRefund {
		return types.InstructionRefundEscrow
	}
	return types.InstructionReleaseEscrow
}

// RetryPolicy bounds exponential backoff between submissions.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Backoff returns the wait before attempt n+1 after n failures.
func (p RetryPolicy) Backoff(failures int) time.Duration {
	if failures <= 0 {
		failures = 1
	}
	d := p.BaseDelay
	for i := 1; i < failures; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Settlement is the coordinator's record of one order.
type Settlement struct {
	OrderID   uint64             `json:"orderId"`
	Decision  string             `json:"decision"`
	Payee     string             `json:"payee,omitempty"`
	Status    string             `json:"status"`
	Attempts  int                `json:"attempts"`
	Error     string             `json:"error,omitempty"`
	Receipt   *rpc.ReceiptResult `json:"receipt,omitempty"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

const (
	statusInFlight = "in_flight"
	statusSettled  = "settled"
	statusFailed   = "failed"
)

// Coordinator signs settle decisions with the treasury authority key and
// submits them to the node.
type Coordinator struct {
	node    Node
	key     *crypto.PrivateKey
	retry   RetryPolicy
	metrics *observability.SettlementMetrics
	logger  *slog.Logger
	now     func() time.Time
	sleep   func(context.Context, time.Duration) error

	mu      sync.Mutex
	records map[uint64]*Settlement
}

// CoordinatorOption customises the coordinator instance.
type CoordinatorOption func(*Coordinator)

// WithRetryPolicy overrides the default retry bounds.
func WithRetryPolicy(p RetryPolicy) CoordinatorOption {
	return func(c *Coordinator) { c.retry = p }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = l }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = clock }
}

// WithSleeper replaces the backoff wait.
func WithSleeper(sleep func(context.Context, time.Duration) error) CoordinatorOption {
	return func(c *Coordinator) { c.sleep = sleep }
}

// NewCoordinator constructs a coordinator submitting through node.
func NewCoordinator(node Node, key *crypto.PrivateKey, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		node:    node,
		key:     key,
		retry:   RetryPolicy{MaxAttempts: 5, BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second},
		metrics: observability.Settlement(),
		logger:  slog.Default(),
		now:     time.Now,
		sleep:   sleepContext,
		records: make(map[uint64]*Settlement),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retry.MaxAttempts <= 0 {
		c.retry.MaxAttempts = 1
	}
	return c
}

// Authority returns the bech32 address the coordinator signs as.
func (c *Coordinator) Authority() string {
	return c.key.PubKey().Address().String()
}

// Settle submits d and blocks until it settles, fails permanently or
// exhausts its retries. A decision repeated after success returns the
// stored receipt.
func (c *Coordinator) Settle(ctx context.Context, d Decision) (*Settlement, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	rec, err := c.begin(d)
	if err != nil || rec.Status == statusSettled {
		return rec, err
	}

	started := c.now()
	receipt, attempts, err := c.submit(ctx, d)
	result := "settled"
	switch {
	case err == nil:
	case errors.Is(err, ErrRetriesExhausted):
		result = "exhausted"
	case ctx.Err() != nil:
		result = "cancelled"
	default:
		result = "rejected"
	}
	c.metrics.RecordResult(d.Decision, result, c.now().Sub(started))
	return c.finish(d, receipt, attempts, err), err
}

// Status returns a copy of the coordinator's record for orderID.
func (c *Coordinator) Status(orderID uint64) (Settlement, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[orderID]
	if !ok {
		return Settlement{}, false
	}
	return *rec, true
}

func (c *Coordinator) begin(d Decision) (*Settlement, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.records[d.OrderID]; ok {
		switch rec.Status {
		case statusInFlight:
			return nil, ErrSettlementInFlight
		case statusSettled:
			if rec.Decision != d.Decision {
				return nil, ErrConflictingDecision
			}
			copied := *rec
			return &copied, nil
		}
	}
	rec := &Settlement{OrderID: d.OrderID, Decision: d.Decision, Payee: d.Payee, Status: statusInFlight, UpdatedAt: c.now()}
	c.records[d.OrderID] = rec
	copied := *rec
	return &copied, nil
}

func (c *Coordinator) finish(d Decision, receipt *rpc.ReceiptResult, attempts int, err error) *Settlement {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := c.records[d.OrderID]
	rec.Attempts = attempts
	rec.Receipt = receipt
	rec.UpdatedAt = c.now()
	if err != nil {
		rec.Status = statusFailed
		rec.Error = err.Error()
	} else {
		rec.Status = statusSettled
		rec.Error = ""
	}
	copied := *rec
	return &copied
}

// submit runs the attempt loop. The nonce is read fresh before every
// attempt so a stale-nonce rejection is repaired by the next one.
func (c *Coordinator) submit(ctx context.Context, d Decision) (*rpc.ReceiptResult, int, error) {
	authority := c.Authority()
	var lastErr error
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			wait := c.retry.Backoff(attempt - 1)
			if rpc.ErrorCode(lastErr) == rpc.CodeInvalidNonce {
				wait = 0
			}
			if err := c.sleep(ctx, wait); err != nil {
				return nil, attempt - 1, err
			}
		}
		c.metrics.RecordAttempt(d.Decision)
		receipt, err := c.attempt(ctx, authority, d)
		if err == nil {
			c.logger.Info("settlement submitted",
				slog.Uint64("order_id", d.OrderID),
				slog.String("decision", d.Decision),
				slog.String("hash", receipt.Hash),
				slog.Int("attempt", attempt))
			return receipt, attempt, nil
		}
		if ctx.Err() != nil {
			return nil, attempt, ctx.Err()
		}
		if lastErr != nil && rpc.ErrorCode(err) == rpc.CodeEscrowNotLocked {
			if c.confirm(ctx, d) {
				c.logger.Info("settlement confirmed on ledger",
					slog.Uint64("order_id", d.OrderID),
					slog.String("decision", d.Decision),
					slog.Int("attempt", attempt))
				return nil, attempt, nil
			}
		}
		if !Retryable(err) {
			c.logger.Warn("settlement rejected",
				slog.Uint64("order_id", d.OrderID),
				slog.String("decision", d.Decision),
				slog.Any("error", err))
			return nil, attempt, err
		}
		lastErr = err
		c.logger.Warn("settlement attempt failed",
			slog.Uint64("order_id", d.OrderID),
			slog.String("decision", d.Decision),
			slog.Int("attempt", attempt),
			slog.Any("error", err))
	}
	return nil, c.retry.MaxAttempts, fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, c.retry.MaxAttempts, lastErr)
}

// confirm reports whether the escrow already reached the state d asks for.
// An earlier attempt whose reply was lost may have committed it.
func (c *Coordinator) confirm(ctx context.Context, d Decision) bool {
	esc, err := c.node.Escrow(ctx, d.OrderID)
	if err != nil {
		c.logger.Warn("confirm settlement", slog.Uint64("order_id", d.OrderID), slog.Any("error", err))
		return false
	}
	want := "released"
	if d.Decision == DecisionRefund {
		want = "refunded"
	}
	return esc.Status == want
}

func (c *Coordinator) attempt(ctx context.Context, authority string, d Decision) (*rpc.ReceiptResult, error) {
	payee := d.Payee
	if payee == "" {
		esc, err := c.node.Escrow(ctx, d.OrderID)
		if err != nil {
			return nil, fmt.Errorf("fetch escrow: %w", err)
		}
		payee = esc.Executor
		if d.Decision == DecisionRefund {
			payee = esc.Client
		}
	}
	payeeAddr, err := crypto.DecodeAddress(payee)
	if err != nil {
		return nil, fmt.Errorf("%w: payee: %v", ErrInvalidDecision, err)
	}
	account, err := c.node.Account(ctx, authority)
	if err != nil {
		return nil, fmt.Errorf("fetch authority nonce: %w", err)
	}
	raw := payeeAddr.Raw()
	ins := &types.Instruction{Kind: d.kind(), Nonce: account.Nonce + 1, OrderID: d.OrderID, Counterparty: raw[:]}
	if err := ins.Sign(c.key.PrivateKey); err != nil {
		return nil, fmt.Errorf("sign instruction: %w", err)
	}
	return c.node.SendInstruction(ctx, ins)
}

// permanentCodes are node rejections that resubmitting cannot fix.
var permanentCodes = map[int]struct{}{
	rpc.CodeInvalidInstruction: {},
	rpc.CodeInvalidSignature:   {},
	rpc.CodeInvalidFeeBps:      {},
	rpc.CodeInsufficientFunds:  {},
	rpc.CodeEscrowNotLocked:    {},
	rpc.CodeEscrowUnauthorized: {},
	rpc.CodeTreasuryNotReady:   {},
	rpc.CodeEscrowNotFound:     {},
	rpc.CodeArithmeticOverflow: {},
	rpc.CodeBalanceMismatch:    {},
	rpc.CodeProgramOwned:       {},
	rpc.CodeWrongOwner:         {},
	rpc.CodeAccountExists:      {},
	rpc.CodeDataTooLarge:       {},
	rpc.CodeInvalidExecutor:    {},
	rpc.CodeUnauthorized:       {},
	// malformed request, unknown method, bad params
	-32600: {},
	-32601: {},
	-32602: {},
}

// Retryable reports whether err is a transient failure: transport errors,
// stale nonces, rate limiting and unclassified server errors.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, ErrInvalidDecision) {
		return false
	}
	code := rpc.ErrorCode(err)
	if code == 0 {
		return true
	}
	_, permanent := permanentCodes[code]
	return !permanent
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
