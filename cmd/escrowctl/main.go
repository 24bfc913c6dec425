package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"shillmarket/cmd/internal/passphrase"
	"shillmarket/core/types"
	"shillmarket/rpc"
)

const (
	rpcEnv        = "SHILLMARKET_RPC"
	rpcTokenEnv   = "SHILLMARKET_RPC_TOKEN"
	passphraseEnv = "SHILLMARKET_KEY_PASS"
)

// nodeAPI is the subset of the RPC client the commands use.
type nodeAPI interface {
	SendInstruction(ctx context.Context, ins *types.Instruction) (*rpc.ReceiptResult, error)
	Treasury(ctx context.Context) (*rpc.TreasuryResult, error)
	Escrow(ctx context.Context, orderID uint64) (*rpc.EscrowResult, error)
	ListEscrows(ctx context.Context, params rpc.ListEscrowsParams) (*rpc.ListEscrowsResult, error)
	DeriveAddresses(ctx context.Context, orderID uint64) (*rpc.DerivedAddressesResult, error)
	Account(ctx context.Context, address string) (*rpc.AccountResult, error)
}

type cli struct {
	node       nodeAPI
	passphrase func(confirm bool) (string, error)
	stdout     io.Writer
	stderr     io.Writer
}

func main() {
	args, endpoint, token, err := applyGlobalFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	c := &cli{
		node: rpc.NewClient(endpoint, token),
		passphrase: func(confirm bool) (string, error) {
			src := passphrase.NewSource(passphraseEnv, "escrowctl")
			if confirm {
				src = src.WithConfirmation()
			}
			return src.Get()
		},
		stdout: os.Stdout,
		stderr: os.Stderr,
	}
	os.Exit(c.run(context.Background(), args))
}

func (c *cli) run(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(c.stderr, usage())
		return 1
	}
	switch args[0] {
	case "keygen":
		return c.runKeygen(args[1:])
	case "init-treasury":
		return c.runInitTreasury(ctx, args[1:])
	case "create":
		return c.runCreate(ctx, args[1:])
	case "release":
		return c.runSettle(ctx, "release", args[1:])
	case "refund":
		return c.runSettle(ctx, "refund", args[1:])
	case "transfer":
		return c.runTransfer(ctx, args[1:])
	case "escrow":
		return c.runEscrow(ctx, args[1:])
	case "treasury":
		return c.runTreasury(ctx, args[1:])
	case "account":
		return c.runAccount(ctx, args[1:])
	case "list":
		return c.runList(ctx, args[1:])
	case "derive":
		return c.runDerive(ctx, args[1:])
	case "help", "-h", "--help":
		fmt.Fprintln(c.stdout, usage())
		return 0
	default:
		fmt.Fprintf(c.stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(c.stderr, usage())
		return 1
	}
}

func usage() string {
	return strings.Join([]string{
		"Usage: escrowctl [--rpc URL] [--token JWT] <command> [flags]",
		"",
		"Keys:",
		"  keygen        --out FILE",
		"Instructions (signed with --key FILE, passphrase from " + passphraseEnv + " or prompt):",
		"  init-treasury --key FILE --fee-bps N",
		"  create        --key FILE --order ID --executor ADDR --amount N --fee-bps N",
		"  release       --key FILE --order ID [--payee ADDR]",
		"  refund        --key FILE --order ID [--payee ADDR]",
		"  transfer      --key FILE --to ADDR --amount N",
		"Queries:",
		"  escrow        --order ID",
		"  treasury",
		"  account       --address ADDR | --key FILE",
		"  list          [--client ADDR] [--executor ADDR] [--status S] [--limit N] [--offset N]",
		"  derive        --order ID",
	}, "\n")
}

// applyGlobalFlags strips --rpc and --token, which may appear anywhere.
func applyGlobalFlags(args []string) ([]string, string, string, error) {
	endpoint := strings.TrimSpace(os.Getenv(rpcEnv))
	if endpoint == "" {
		endpoint = "http://localhost:8545"
	}
	token := os.Getenv(rpcTokenEnv)
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--rpc" || arg == "--token":
			if i+1 >= len(args) {
				return nil, "", "", fmt.Errorf("missing value for %s", arg)
			}
			if arg == "--rpc" {
				endpoint = args[i+1]
			} else {
				token = args[i+1]
			}
			i++
		case strings.HasPrefix(arg, "--rpc="):
			endpoint = strings.TrimPrefix(arg, "--rpc=")
		case strings.HasPrefix(arg, "--token="):
			token = strings.TrimPrefix(arg, "--token=")
		default:
			out = append(out, arg)
		}
	}
	return out, endpoint, token, nil
}

func (c *cli) printJSON(v interface{}) int {
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return c.fail(err)
	}
	return 0
}

func (c *cli) fail(err error) int {
	fmt.Fprintf(c.stderr, "Error: %v\n", err)
	return 1
}

func (c *cli) failf(format string, args ...interface{}) int {
	return c.fail(fmt.Errorf(format, args...))
}
