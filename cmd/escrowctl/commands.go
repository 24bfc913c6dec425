package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"shillmarket/core/types"
	"shillmarket/crypto"
	"shillmarket/rpc"
)

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func (c *cli) parse(fs *flag.FlagSet, args []string) bool {
	if err := fs.Parse(args); err != nil {
		return false
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(c.stderr, "Error: unexpected positional arguments: %s\n", strings.Join(fs.Args(), " "))
		return false
	}
	return true
}

func (c *cli) runKeygen(args []string) int {
	fs := newFlagSet("keygen", c.stderr)
	out := fs.String("out", "", "keystore file to write")
	if !c.parse(fs, args) {
		return 1
	}
	if strings.TrimSpace(*out) == "" {
		return c.failf("--out is required")
	}
	if _, err := os.Stat(*out); err == nil {
		return c.failf("%s already exists", *out)
	}
	pass, err := c.passphrase(true)
	if err != nil {
		return c.fail(err)
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return c.fail(err)
	}
	if err := crypto.SaveToKeystore(*out, key, pass); err != nil {
		return c.fail(err)
	}
	return c.printJSON(map[string]string{"address": key.PubKey().Address().String(), "keystore": *out})
}

func (c *cli) loadKey(path string) (*crypto.PrivateKey, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("--key is required")
	}
	pass, err := c.passphrase(false)
	if err != nil {
		return nil, err
	}
	return crypto.LoadFromKeystore(path, pass)
}

// submit fills the next nonce for key, signs ins and sends it.
func (c *cli) submit(ctx context.Context, keyPath string, ins types.Instruction) int {
	key, err := c.loadKey(keyPath)
	if err != nil {
		return c.fail(err)
	}
	account, err := c.node.Account(ctx, key.PubKey().Address().String())
	if err != nil {
		return c.fail(err)
	}
	ins.Nonce = account.Nonce + 1
	if err := ins.Sign(key.PrivateKey); err != nil {
		return c.fail(err)
	}
	receipt, err := c.node.SendInstruction(ctx, &ins)
	if err != nil {
		return c.fail(err)
	}
	return c.printJSON(receipt)
}

func (c *cli) runInitTreasury(ctx context.Context, args []string) int {
	fs := newFlagSet("init-treasury", c.stderr)
	keyPath := fs.String("key", "", "authority keystore")
	feeBps := fs.String("fee-bps", "", "default platform fee in basis points")
	if !c.parse(fs, args) {
		return 1
	}
	fee, err := parseFeeBps(*feeBps)
	if err != nil {
		return c.fail(err)
	}
	return c.submit(ctx, *keyPath, types.Instruction{Kind: types.InstructionInitializeTreasury, FeeBps: fee})
}

func (c *cli) runCreate(ctx context.Context, args []string) int {
	fs := newFlagSet("create", c.stderr)
	keyPath := fs.String("key", "", "client keystore")
	order := fs.String("order", "", "order id")
	executor := fs.String("executor", "", "executor bech32 address")
	amount := fs.String("amount", "", "amount to lock")
	feeBps := fs.String("fee-bps", "", "platform fee in basis points")
	if !c.parse(fs, args) {
		return 1
	}
	orderID, err := parseUint("--order", *order)
	if err != nil {
		return c.fail(err)
	}
	executorAddr, err := parseIdentity("--executor", *executor)
	if err != nil {
		return c.fail(err)
	}
	value, err := parseUint("--amount", *amount)
	if err != nil {
		return c.fail(err)
	}
	fee, err := parseFeeBps(*feeBps)
	if err != nil {
		return c.fail(err)
	}
	return c.submit(ctx, *keyPath, types.Instruction{
		Kind:         types.InstructionCreateEscrow,
		OrderID:      orderID,
		Amount:       value,
		FeeBps:       fee,
		Counterparty: executorAddr[:],
	})
}

// runSettle signs a release or refund. The payee defaults to the party the
// escrow record names for that outcome.
func (c *cli) runSettle(ctx context.Context, outcome string, args []string) int {
	fs := newFlagSet(outcome, c.stderr)
	keyPath := fs.String("key", "", "treasury authority keystore")
	order := fs.String("order", "", "order id")
	payee := fs.String("payee", "", "payee bech32 address (defaults from the escrow record)")
	if !c.parse(fs, args) {
		return 1
	}
	orderID, err := parseUint("--order", *order)
	if err != nil {
		return c.fail(err)
	}
	target := strings.TrimSpace(*payee)
	if target == "" {
		esc, err := c.node.Escrow(ctx, orderID)
		if err != nil {
			return c.fail(err)
		}
		target = esc.Executor
		if outcome == "refund" {
			target = esc.Client
		}
	}
	payeeAddr, err := parseIdentity("--payee", target)
	if err != nil {
		return c.fail(err)
	}
	kind := types.InstructionReleaseEscrow
	if outcome == "refund" {
		kind = types.InstructionRefundEscrow
	}
	return c.submit(ctx, *keyPath, types.Instruction{Kind: kind, OrderID: orderID, Counterparty: payeeAddr[:]})
}

func (c *cli) runTransfer(ctx context.Context, args []string) int {
	fs := newFlagSet("transfer", c.stderr)
	keyPath := fs.String("key", "", "sender keystore")
	to := fs.String("to", "", "recipient bech32 address")
	amount := fs.String("amount", "", "amount to send")
	if !c.parse(fs, args) {
		return 1
	}
	recipient, err := parseIdentity("--to", *to)
	if err != nil {
		return c.fail(err)
	}
	value, err := parseUint("--amount", *amount)
	if err != nil {
		return c.fail(err)
	}
	return c.submit(ctx, *keyPath, types.Instruction{Kind: types.InstructionTransfer, Amount: value, Counterparty: recipient[:]})
}

func (c *cli) runEscrow(ctx context.Context, args []string) int {
	fs := newFlagSet("escrow", c.stderr)
	order := fs.String("order", "", "order id")
	if !c.parse(fs, args) {
		return 1
	}
	orderID, err := parseUint("--order", *order)
	if err != nil {
		return c.fail(err)
	}
	esc, err := c.node.Escrow(ctx, orderID)
	if err != nil {
		return c.fail(err)
	}
	return c.printJSON(esc)
}

func (c *cli) runTreasury(ctx context.Context, args []string) int {
	fs := newFlagSet("treasury", c.stderr)
	if !c.parse(fs, args) {
		return 1
	}
	treasury, err := c.node.Treasury(ctx)
	if err != nil {
		return c.fail(err)
	}
	return c.printJSON(treasury)
}

func (c *cli) runAccount(ctx context.Context, args []string) int {
	fs := newFlagSet("account", c.stderr)
	address := fs.String("address", "", "bech32 address")
	keyPath := fs.String("key", "", "keystore whose address to query")
	if !c.parse(fs, args) {
		return 1
	}
	target := strings.TrimSpace(*address)
	switch {
	case target != "" && *keyPath != "":
		return c.failf("use either --address or --key")
	case target == "":
		key, err := c.loadKey(*keyPath)
		if err != nil {
			return c.fail(err)
		}
		target = key.PubKey().Address().String()
	}
	account, err := c.node.Account(ctx, target)
	if err != nil {
		return c.fail(err)
	}
	return c.printJSON(account)
}

func (c *cli) runList(ctx context.Context, args []string) int {
	fs := newFlagSet("list", c.stderr)
	var params rpc.ListEscrowsParams
	fs.StringVar(&params.Client, "client", "", "filter by client address")
	fs.StringVar(&params.Executor, "executor", "", "filter by executor address")
	fs.StringVar(&params.Status, "status", "", "filter by status (locked, released, refunded)")
	fs.IntVar(&params.Limit, "limit", 0, "page size")
	fs.IntVar(&params.Offset, "offset", 0, "rows to skip")
	if !c.parse(fs, args) {
		return 1
	}
	page, err := c.node.ListEscrows(ctx, params)
	if err != nil {
		return c.fail(err)
	}
	return c.printJSON(page)
}

func (c *cli) runDerive(ctx context.Context, args []string) int {
	fs := newFlagSet("derive", c.stderr)
	order := fs.String("order", "", "order id")
	if !c.parse(fs, args) {
		return 1
	}
	orderID, err := parseUint("--order", *order)
	if err != nil {
		return c.fail(err)
	}
	derived, err := c.node.DeriveAddresses(ctx, orderID)
	if err != nil {
		return c.fail(err)
	}
	return c.printJSON(derived)
}

func parseUint(name, raw string) (uint64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an unsigned integer", name)
	}
	return v, nil
}

func parseFeeBps(raw string) (uint16, error) {
	v, err := parseUint("--fee-bps", raw)
	if err != nil {
		return 0, err
	}
	if v > 10_000 {
		return 0, fmt.Errorf("--fee-bps must be <= 10000")
	}
	return uint16(v), nil
}

func parseIdentity(name, raw string) ([20]byte, error) {
	if strings.TrimSpace(raw) == "" {
		return [20]byte{}, fmt.Errorf("%s is required", name)
	}
	addr, err := crypto.DecodeAddress(raw)
	if err != nil {
		return [20]byte{}, fmt.Errorf("%s: %w", name, err)
	}
	if addr.Prefix() != crypto.IdentityPrefix {
		return [20]byte{}, fmt.Errorf("%s must be a %s address", name, crypto.IdentityPrefix)
	}
	return addr.Raw(), nil
}
