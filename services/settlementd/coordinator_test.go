package main

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"shillmarket/core"
	"shillmarket/core/genesis"
	"shillmarket/core/types"
	"shillmarket/crypto"
	"shillmarket/native/escrow"
	"shillmarket/rpc"
	"shillmarket/storage"
)

type chain struct {
	node      *core.Node
	client    *rpc.Client
	authority *crypto.PrivateKey
	buyer     *crypto.PrivateKey
	executor  *crypto.PrivateKey
}

func newChain(t *testing.T) *chain {
	t.Helper()
	node, err := core.NewNode(storage.NewMemDB(), escrow.Policy{}, nil)
	require.NoError(t, err)
	t.Cleanup(node.Close)

	c := &chain{node: node}
	for _, k := range []**crypto.PrivateKey{&c.authority, &c.buyer, &c.executor} {
		*k, err = crypto.GeneratePrivateKey()
		require.NoError(t, err)
	}
	spec := &genesis.GenesisSpec{GenesisTime: "2024-01-01T00:00:00Z", Alloc: map[string]string{
		c.buyer.PubKey().Address().String(): "1000000",
	}}
	require.NoError(t, spec.Validate())
	require.NoError(t, node.ApplyGenesis(spec))

	srv := httptest.NewServer(rpc.NewServer(node, nil, nil, rpc.ServerConfig{}, nil).Handler())
	t.Cleanup(srv.Close)
	c.client = rpc.NewClient(srv.URL, "")

	c.submit(t, c.authority, 1, types.Instruction{Kind: types.InstructionInitializeTreasury, FeeBps: 500})
	return c
}

func (c *chain) submit(t *testing.T, key *crypto.PrivateKey, nonce uint64, ins types.Instruction) {
	t.Helper()
	ins.Nonce = nonce
	require.NoError(t, ins.Sign(key.PrivateKey))
	_, err := c.node.SubmitInstruction(context.Background(), &ins)
	require.NoError(t, err)
}

func (c *chain) lock(t *testing.T, nonce, orderID, amount uint64) {
	t.Helper()
	executor := c.executor.PubKey().Address().Raw()
	c.submit(t, c.buyer, nonce, types.Instruction{
		Kind:         types.InstructionCreateEscrow,
		OrderID:      orderID,
		Amount:       amount,
		FeeBps:       500,
		Counterparty: executor[:],
	})
}

func (c *chain) balance(t *testing.T, key *crypto.PrivateKey) string {
	t.Helper()
	account, err := c.client.Account(context.Background(), key.PubKey().Address().String())
	require.NoError(t, err)
	return account.Balance
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func TestCoordinatorReleasesAndRefunds(t *testing.T) {
	c := newChain(t)
	c.lock(t, 1, 7, 100000)
	c.lock(t, 2, 8, 40000)

	coord := NewCoordinator(c.client, c.authority, WithSleeper(noSleep))
	rec, err := coord.Settle(context.Background(), Decision{OrderID: 7, Decision: "release"})
	require.NoError(t, err)
	require.Equal(t, statusSettled, rec.Status)
	require.Equal(t, 1, rec.Attempts)
	require.Equal(t, "release_escrow", rec.Receipt.Kind)
	require.Equal(t, "95000", c.balance(t, c.executor))
	releaseHash := rec.Receipt.Hash

	rec, err = coord.Settle(context.Background(), Decision{OrderID: 8, Decision: " Refund "})
	require.NoError(t, err)
	require.Equal(t, "refund_escrow", rec.Receipt.Kind)
	require.Equal(t, "900000", c.balance(t, c.buyer))

	esc, err := c.client.Escrow(context.Background(), 8)
	require.NoError(t, err)
	require.Equal(t, "refunded", esc.Status)

	again, err := coord.Settle(context.Background(), Decision{OrderID: 7, Decision: "release"})
	require.NoError(t, err)
	require.Equal(t, releaseHash, again.Receipt.Hash)
	require.Equal(t, 1, again.Attempts)

	_, err = coord.Settle(context.Background(), Decision{OrderID: 7, Decision: "refund"})
	require.ErrorIs(t, err, ErrConflictingDecision)
}

func TestCoordinatorDoesNotRetryPermanentRejections(t *testing.T) {
	c := newChain(t)
	c.lock(t, 1, 9, 5000)

	intruder, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	var slept int
	sleeper := func(context.Context, time.Duration) error { slept++; return nil }

	coord := NewCoordinator(c.client, intruder, WithSleeper(sleeper))
	rec, err := coord.Settle(context.Background(), Decision{OrderID: 9, Decision: "release"})
	require.Error(t, err)
	require.Equal(t, rpc.CodeEscrowUnauthorized, rpc.ErrorCode(err))
	require.Equal(t, statusFailed, rec.Status)
	require.Equal(t, 1, rec.Attempts)
	require.Zero(t, slept)

	coord = NewCoordinator(c.client, c.authority, WithSleeper(sleeper))
	_, err = coord.Settle(context.Background(), Decision{OrderID: 9, Decision: "refund"})
	require.NoError(t, err)

	other := NewCoordinator(c.client, c.authority, WithSleeper(sleeper))
	rec, err = other.Settle(context.Background(), Decision{OrderID: 9, Decision: "release"})
	require.Equal(t, rpc.CodeEscrowNotLocked, rpc.ErrorCode(err))
	require.Equal(t, 1, rec.Attempts)
	require.Zero(t, slept)
}

func TestCoordinatorRejectsMalformedDecisions(t *testing.T) {
	c := newChain(t)
	coord := NewCoordinator(c.client, c.authority)
	program := crypto.AddressFromRaw(crypto.ProgramPrefix, [20]byte{9}).String()
	for _, d := range []Decision{
		{OrderID: 1, Decision: "dispute"},
		{OrderID: 1, Decision: "release", Payee: "not-an-address"},
		{OrderID: 1, Decision: "release", Payee: program},
	} {
		_, err := coord.Settle(context.Background(), d)
		require.ErrorIs(t, err, ErrInvalidDecision)
	}
	_, ok := coord.Status(1)
	require.False(t, ok)
}

// flakyNode fails the first failures submissions with err, then delegates.
// The first lost delegated submissions reach the node but their replies are
// replaced by err.
type flakyNode struct {
	Node
	mu       sync.Mutex
	failures int
	lost     int
	err      error
	sent     []uint64
}

func (f *flakyNode) SendInstruction(ctx context.Context, ins *types.Instruction) (*rpc.ReceiptResult, error) {
	f.mu.Lock()
	f.sent = append(f.sent, ins.Nonce)
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return nil, f.err
	}
	drop := f.lost > 0
	if drop {
		f.lost--
	}
	f.mu.Unlock()
	receipt, err := f.Node.SendInstruction(ctx, ins)
	if drop && err == nil {
		return nil, f.err
	}
	return receipt, err
}

func TestCoordinatorRetriesTransientFailuresWithBackoff(t *testing.T) {
	c := newChain(t)
	c.lock(t, 1, 10, 2000)

	node := &flakyNode{Node: c.client, failures: 2, err: errors.New("connection reset")}
	var waits []time.Duration
	coord := NewCoordinator(node, c.authority,
		WithRetryPolicy(RetryPolicy{MaxAttempts: 4, BaseDelay: time.Second, MaxDelay: 3 * time.Second}),
		WithSleeper(func(_ context.Context, d time.Duration) error { waits = append(waits, d); return nil }),
	)
	rec, err := coord.Settle(context.Background(), Decision{OrderID: 10, Decision: "release"})
	require.NoError(t, err)
	require.Equal(t, 3, rec.Attempts)
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, waits)
	require.Equal(t, []uint64{2, 2, 2}, node.sent)
}

func TestCoordinatorRereadsNonceWithoutWaiting(t *testing.T) {
	c := newChain(t)
	c.lock(t, 1, 11, 2000)

	node := &flakyNode{Node: c.client, failures: 1, err: &rpc.RPCError{Code: rpc.CodeInvalidNonce, Message: "stale"}}
	var waits []time.Duration
	coord := NewCoordinator(node, c.authority,
		WithSleeper(func(_ context.Context, d time.Duration) error { waits = append(waits, d); return nil }))
	rec, err := coord.Settle(context.Background(), Decision{OrderID: 11, Decision: "refund"})
	require.NoError(t, err)
	require.Equal(t, 2, rec.Attempts)
	require.Equal(t, []time.Duration{0}, waits)
	require.Equal(t, []uint64{2, 2}, node.sent)
}

func TestCoordinatorConfirmsSettlementAfterLostReply(t *testing.T) {
	c := newChain(t)
	c.lock(t, 1, 7, 100000)
	c.lock(t, 2, 8, 40000)

	node := &flakyNode{Node: c.client, lost: 1, err: errors.New("read: connection reset by peer")}
	coord := NewCoordinator(node, c.authority, WithSleeper(noSleep))
	rec, err := coord.Settle(context.Background(), Decision{OrderID: 7, Decision: "release"})
	require.NoError(t, err)
	require.Equal(t, statusSettled, rec.Status)
	require.Equal(t, 2, rec.Attempts)
	require.Nil(t, rec.Receipt)
	require.Equal(t, []uint64{2, 3}, node.sent)
	require.Equal(t, "95000", c.balance(t, c.executor))

	esc, err := c.client.Escrow(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, "released", esc.Status)

	node.lost = 1
	rec, err = coord.Settle(context.Background(), Decision{OrderID: 8, Decision: "refund"})
	require.NoError(t, err)
	require.Equal(t, statusSettled, rec.Status)
	require.Equal(t, "900000", c.balance(t, c.buyer))

	// Without an earlier transient failure a not-locked escrow is still a
	// rejection.
	other := NewCoordinator(c.client, c.authority, WithSleeper(noSleep))
	rec, err = other.Settle(context.Background(), Decision{OrderID: 7, Decision: "refund"})
	require.Equal(t, rpc.CodeEscrowNotLocked, rpc.ErrorCode(err))
	require.Equal(t, statusFailed, rec.Status)
}

func TestCoordinatorGivesUpAfterMaxAttempts(t *testing.T) {
	c := newChain(t)
	c.lock(t, 1, 12, 2000)

	node := &flakyNode{Node: c.client, failures: 10, err: &rpc.RPCError{Code: rpc.CodeRateLimited, Message: "slow down"}}
	coord := NewCoordinator(node, c.authority,
		WithRetryPolicy(RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}),
		WithSleeper(noSleep))
	rec, err := coord.Settle(context.Background(), Decision{OrderID: 12, Decision: "release"})
	require.ErrorIs(t, err, ErrRetriesExhausted)
	require.Equal(t, statusFailed, rec.Status)
	require.Len(t, node.sent, 3)

	node.failures = 0
	rec, err = coord.Settle(context.Background(), Decision{OrderID: 12, Decision: "release"})
	require.NoError(t, err)
	require.Equal(t, statusSettled, rec.Status)
}

func TestRetryPolicyBackoffIsCapped(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	require.Equal(t, 100*time.Millisecond, p.Backoff(1))
	require.Equal(t, 400*time.Millisecond, p.Backoff(3))
	require.Equal(t, time.Second, p.Backoff(5))
	require.Equal(t, time.Second, p.Backoff(60))
}

func TestRetryable(t *testing.T) {
	require.True(t, Retryable(errors.New("dial tcp: refused")))
	require.True(t, Retryable(&rpc.RPCError{Code: rpc.CodeInvalidNonce}))
	require.True(t, Retryable(&rpc.RPCError{Code: -32000}))
	require.False(t, Retryable(&rpc.RPCError{Code: rpc.CodeEscrowNotLocked}))
	require.False(t, Retryable(&rpc.RPCError{Code: rpc.CodeEscrowUnauthorized}))
	require.False(t, Retryable(&rpc.RPCError{Code: rpc.CodeInvalidFeeBps}))
	require.False(t, Retryable(&rpc.RPCError{Code: rpc.CodeWrongOwner}))
	require.False(t, Retryable(&rpc.RPCError{Code: rpc.CodeAccountExists}))
	require.False(t, Retryable(ErrInvalidDecision))
}
