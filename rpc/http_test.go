package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"shillmarket/core"
	coreerrors "shillmarket/core/errors"
	"shillmarket/core/genesis"
	"shillmarket/core/types"
	"shillmarket/crypto"
	"shillmarket/indexer"
	"shillmarket/native/escrow"
	"shillmarket/native/ledger"
	"shillmarket/storage"
)

type signer struct {
	key  *crypto.PrivateKey
	addr [20]byte
	next uint64
}

func newSigner(t *testing.T) *signer {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	return &signer{key: key, addr: key.PubKey().Address().Raw(), next: 1}
}

func (s *signer) bech32() string { return identityString(s.addr) }

func (s *signer) sign(t *testing.T, ins types.Instruction) *types.Instruction {
	t.Helper()
	if ins.Nonce == 0 {
		ins.Nonce = s.next
	}
	require.NoError(t, ins.Sign(s.key.PrivateKey))
	return &ins
}

type fixture struct {
	node      *core.Node
	index     *indexer.Indexer
	hub       *EventHub
	http      *httptest.Server
	client    *Client
	authority *signer
	buyer     *signer
	executor  *signer
}

func newFixture(t *testing.T, cfg ServerConfig) *fixture {
	t.Helper()
	node, err := core.NewNode(storage.NewMemDB(), escrow.Policy{}, nil)
	require.NoError(t, err)
	t.Cleanup(node.Close)
	node.SetNowFunc(func() int64 { return 1_700_000_000 })

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	index, err := indexer.Open("sqlite", dsn, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = index.Close() })
	hub := NewEventHub(nil)
	node.Subscribe(index)
	node.Subscribe(hub)

	f := &fixture{
		node:      node,
		index:     index,
		hub:       hub,
		authority: newSigner(t),
		buyer:     newSigner(t),
		executor:  newSigner(t),
	}
	spec := &genesis.GenesisSpec{
		GenesisTime: "2024-01-01T00:00:00Z",
		Alloc:       map[string]string{f.buyer.bech32(): "5000000"},
	}
	require.NoError(t, spec.Validate())
	require.NoError(t, node.ApplyGenesis(spec))

	srv := NewServer(node, index, hub, cfg, nil)
	f.http = httptest.NewServer(srv.Handler())
	t.Cleanup(f.http.Close)
	f.client = NewClient(f.http.URL, "")
	return f
}

func (f *fixture) submit(t *testing.T, s *signer, ins types.Instruction) (*ReceiptResult, error) {
	t.Helper()
	receipt, err := f.client.SendInstruction(context.Background(), s.sign(t, ins))
	if err == nil {
		s.next++
	}
	return receipt, err
}

func (f *fixture) lock(t *testing.T, orderID, amount uint64) {
	t.Helper()
	_, err := f.submit(t, f.buyer, types.Instruction{
		Kind: types.InstructionCreateEscrow, OrderID: orderID, Amount: amount, FeeBps: 500, Counterparty: f.executor.addr[:],
	})
	require.NoError(t, err)
}

func TestEscrowLifecycleOverRPC(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	ctx := context.Background()

	_, err := f.submit(t, f.authority, types.Instruction{Kind: types.InstructionInitializeTreasury, FeeBps: 500})
	require.NoError(t, err)
	f.lock(t, 7, 1_000_000)

	esc, err := f.client.Escrow(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, "locked", esc.Status)
	require.Equal(t, "1000000", esc.Amount)
	require.Equal(t, "1000000", esc.Held)
	require.Equal(t, f.executor.bech32(), esc.Executor)

	derived, err := f.client.DeriveAddresses(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, esc.Address, derived.Escrow)

	receipt, err := f.submit(t, f.authority, types.Instruction{
		Kind: types.InstructionReleaseEscrow, OrderID: 7, Counterparty: f.executor.addr[:],
	})
	require.NoError(t, err)
	require.Equal(t, "release_escrow", receipt.Kind)
	require.Len(t, receipt.Events, 1)
	require.Equal(t, escrow.EventTypeEscrowReleased, receipt.Events[0].Type)
	require.Equal(t, "950000", receipt.Events[0].Attributes["payout"])
	require.Equal(t, "50000", receipt.Events[0].Attributes["fee"])

	treasury, err := f.client.Treasury(ctx)
	require.NoError(t, err)
	require.Equal(t, "50000", treasury.Balance)
	require.Equal(t, derived.Treasury, treasury.Address)
	require.Equal(t, f.authority.bech32(), treasury.Authority)

	account, err := f.client.Account(ctx, f.executor.bech32())
	require.NoError(t, err)
	require.Equal(t, "950000", account.Balance)

	account, err = f.client.Account(ctx, f.buyer.bech32())
	require.NoError(t, err)
	require.Equal(t, "4000000", account.Balance)
	require.Equal(t, uint64(1), account.Nonce)

	require.NoError(t, f.index.Sync(ctx))
	listed, err := f.client.ListEscrows(ctx, ListEscrowsParams{Client: f.buyer.bech32()})
	require.NoError(t, err)
	require.EqualValues(t, 1, listed.Total)
	require.Equal(t, "released", listed.Escrows[0].Status)
	require.Equal(t, "950000", listed.Escrows[0].Payout)
}

func TestSettlementFailuresMapToStableCodes(t *testing.T) {
	f := newFixture(t, ServerConfig{})

	_, err := f.submit(t, f.authority, types.Instruction{Kind: types.InstructionInitializeTreasury, FeeBps: 500})
	require.NoError(t, err)
	f.lock(t, 1, 1_000)

	_, err = f.submit(t, f.authority, types.Instruction{Kind: types.InstructionRefundEscrow, OrderID: 1, Counterparty: f.buyer.addr[:]})
	require.NoError(t, err)

	_, err = f.submit(t, f.authority, types.Instruction{Kind: types.InstructionReleaseEscrow, OrderID: 1, Counterparty: f.executor.addr[:]})
	require.Equal(t, CodeEscrowNotLocked, ErrorCode(err))

	_, err = f.submit(t, f.buyer, types.Instruction{
		Kind: types.InstructionCreateEscrow, OrderID: 2, Amount: 0, FeeBps: 500, Counterparty: f.executor.addr[:],
	})
	require.Equal(t, CodeInsufficientFunds, ErrorCode(err))

	_, err = f.submit(t, f.buyer, types.Instruction{
		Kind: types.InstructionCreateEscrow, OrderID: 2, Amount: 10, FeeBps: 10_001, Counterparty: f.executor.addr[:],
	})
	require.Equal(t, CodeInvalidFeeBps, ErrorCode(err))

	f.lock(t, 3, 10)
	_, err = f.submit(t, f.executor, types.Instruction{Kind: types.InstructionReleaseEscrow, OrderID: 3, Counterparty: f.executor.addr[:]})
	require.Equal(t, CodeEscrowUnauthorized, ErrorCode(err))

	_, err = f.client.Escrow(context.Background(), 99)
	require.Equal(t, CodeEscrowNotFound, ErrorCode(err))

	stale := f.buyer.sign(t, types.Instruction{Kind: types.InstructionTransfer, Nonce: 1, Amount: 1, Counterparty: f.executor.addr[:]})
	_, err = f.client.SendInstruction(context.Background(), stale)
	require.Equal(t, CodeInvalidNonce, ErrorCode(err))
}

func TestRejectsTamperedInstruction(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	ins := f.buyer.sign(t, types.Instruction{Kind: types.InstructionTransfer, Amount: 10, Counterparty: f.executor.addr[:]})
	ins.Amount = 10_000

	_, err := f.client.SendInstruction(context.Background(), ins)
	require.Equal(t, CodeInvalidSignature, ErrorCode(err))

	account, err := f.client.Account(context.Background(), f.buyer.bech32())
	require.NoError(t, err)
	require.Zero(t, account.Nonce)
	require.Equal(t, "5000000", account.Balance)
}

func TestUnknownMethodAndMalformedParams(t *testing.T) {
	f := newFixture(t, ServerConfig{})

	resp, err := http.Post(f.http.URL, "application/json", strings.NewReader(`{"jsonrpc":"2.0","method":"escrow_nope","id":1}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get(requestIDHeader))
	var body RPCResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, codeMethodNotFound, body.Error.Code)

	err = f.client.Call(context.Background(), MethodGetEscrow, map[string]string{"order": "1"}, nil)
	require.Equal(t, codeInvalidParams, ErrorCode(err))

	err = f.client.Call(context.Background(), MethodGetAccount, addressParams{Address: "not-bech32"}, nil)
	require.Equal(t, codeInvalidParams, ErrorCode(err))
}

func TestSubmissionRequiresBearerToken(t *testing.T) {
	const secret = "test-secret"
	f := newFixture(t, ServerConfig{Auth: AuthConfig{Secret: secret, Issuer: "shillmarket"}})

	_, err := f.submit(t, f.buyer, types.Instruction{Kind: types.InstructionTransfer, Amount: 5, Counterparty: f.executor.addr[:]})
	require.Equal(t, CodeUnauthorized, ErrorCode(err))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": "shillmarket",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)

	f.client = NewClient(f.http.URL, signed)
	_, err = f.submit(t, f.buyer, types.Instruction{Kind: types.InstructionTransfer, Amount: 5, Counterparty: f.executor.addr[:]})
	require.NoError(t, err)

	// Queries stay open.
	f.client = NewClient(f.http.URL, "")
	_, err = f.client.Account(context.Background(), f.executor.bech32())
	require.NoError(t, err)
}

func TestSubmissionRateLimitedPerSource(t *testing.T) {
	f := newFixture(t, ServerConfig{RateLimitPerSecond: 0.001, RateLimitBurst: 1})

	_, err := f.submit(t, f.buyer, types.Instruction{Kind: types.InstructionTransfer, Amount: 5, Counterparty: f.executor.addr[:]})
	require.NoError(t, err)
	_, err = f.submit(t, f.buyer, types.Instruction{Kind: types.InstructionTransfer, Amount: 5, Counterparty: f.executor.addr[:]})
	require.Equal(t, CodeRateLimited, ErrorCode(err))
}

func TestEventStreamDeliversCommittedEvents(t *testing.T) {
	f := newFixture(t, ServerConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws/events?types=" + escrow.EventTypeTreasuryInitialized
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool { return f.hub.Subscribers() == 1 }, time.Second, 10*time.Millisecond)

	_, err = f.submit(t, f.buyer, types.Instruction{Kind: types.InstructionTransfer, Amount: 5, Counterparty: f.executor.addr[:]})
	require.NoError(t, err)
	_, err = f.submit(t, f.authority, types.Instruction{Kind: types.InstructionInitializeTreasury, FeeBps: 250})
	require.NoError(t, err)

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var evt EventResult
	require.NoError(t, json.Unmarshal(data, &evt))
	require.Equal(t, escrow.EventTypeTreasuryInitialized, evt.Type)
	require.Equal(t, "250", evt.Attributes["feeBps"])
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	f := newFixture(t, ServerConfig{})

	resp, err := http.Get(f.http.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(f.http.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestClassifyUnwrapsLayers(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{escrow.ErrPayeeMismatch, CodeEscrowUnauthorized},
		{fmt.Errorf("%w: %w", escrow.ErrInsufficientFunds, ledger.ErrInsufficientBalance), CodeInsufficientFunds},
		{fmt.Errorf("%w: %w", coreerrors.ErrInvalidSignature, types.ErrSignerMismatch), CodeInvalidSignature},
		{fmt.Errorf("wrap: %w", ledger.ErrProgramOwned), CodeProgramOwned},
		{fmt.Errorf("wrap: %w", ledger.ErrWrongOwner), CodeWrongOwner},
		{fmt.Errorf("wrap: %w", ledger.ErrMissingSignature), CodeInvalidSignature},
		{fmt.Errorf("wrap: %w", ledger.ErrAccountExists), CodeAccountExists},
		{fmt.Errorf("%w: order 1: %w", escrow.ErrEscrowExists, ledger.ErrAccountExists), CodeEscrowExists},
		{fmt.Errorf("wrap: %w", ledger.ErrDataTooLarge), CodeDataTooLarge},
		{fmt.Errorf("%w: executor must be set", escrow.ErrInvalidExecutor), CodeInvalidExecutor},
		{fmt.Errorf("boom"), codeServerError},
	}
	for _, tc := range cases {
		_, code := classify(tc.err)
		require.Equal(t, tc.code, code, tc.err.Error())
	}
}

func TestInstructionParamsRoundTrip(t *testing.T) {
	s := newSigner(t)
	ins := s.sign(t, types.Instruction{
		Kind: types.InstructionCreateEscrow, OrderID: 1 << 63, Amount: ^uint64(0), FeeBps: 10_000, Counterparty: s.addr[:],
	})
	params, err := NewInstructionParams(ins)
	require.NoError(t, err)
	require.Equal(t, "18446744073709551615", params.Amount)

	decoded, err := params.Instruction()
	require.NoError(t, err)
	require.Equal(t, ins, decoded)
	signerAddr, err := decoded.VerifiedSigner()
	require.NoError(t, err)
	require.Equal(t, s.addr, signerAddr)
}
