package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"shillmarket/core/events"
	"shillmarket/core/genesis"
	"shillmarket/core/state"
	"shillmarket/core/types"
	"shillmarket/crypto"
	"shillmarket/native/escrow"
	"shillmarket/observability"
	"shillmarket/storage"
)

// Node is the central controller, wiring storage, the instruction processor
// and event subscribers together. It applies instructions one at a time.
type Node struct {
	db        storage.Database
	state     *state.Manager
	processor *StateProcessor
	emitter   *events.Fanout
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   *observability.EscrowMetrics

	applyMu sync.Mutex
}

// NewNode opens the ledger on db. Pass a nil logger to use slog.Default.
func NewNode(db storage.Database, policy escrow.Policy, logger *slog.Logger) (*Node, error) {
	if db == nil {
		return nil, errors.New("core: database must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Node{
		db:        db,
		state:     state.NewManager(db),
		processor: NewStateProcessor(policy),
		emitter:   events.NewFanout(metricsEmitter{}),
		logger:    logger.With(slog.String("component", "node")),
		tracer:    otel.Tracer("shillmarket/core"),
		metrics:   observability.Escrow(),
	}, nil
}

// Subscribe registers an emitter that receives every committed event in
// commit order. Subscribers run on the apply path and must not block.
func (n *Node) Subscribe(emitter events.Emitter) {
	n.emitter.Add(emitter)
}

// SetNowFunc overrides the clock used for escrow timestamps.
func (n *Node) SetNowFunc(now func() int64) {
	n.applyMu.Lock()
	defer n.applyMu.Unlock()
	n.processor.SetNowFunc(now)
}

// State exposes the committed state manager for read paths.
func (n *Node) State() *state.Manager { return n.state }

// ApplyGenesis credits the genesis allocations unless the database already
// carries them.
func (n *Node) ApplyGenesis(spec *genesis.GenesisSpec) error {
	n.applyMu.Lock()
	defer n.applyMu.Unlock()
	applied, err := genesis.Apply(spec, n.state)
	if err != nil {
		return fmt.Errorf("apply genesis: %w", err)
	}
	if applied {
		n.logger.Info("genesis applied",
			slog.Int("allocations", len(spec.Allocations())),
			slog.Time("genesisTime", spec.GenesisTimestamp()))
	}
	return nil
}

// SubmitInstruction applies ins atomically. On error nothing it touched is
// persisted, the signer nonce included. Events are delivered after commit.
func (n *Node) SubmitInstruction(ctx context.Context, ins *types.Instruction) (*Receipt, error) {
	kind := "unknown"
	if ins != nil {
		kind = ins.Kind.String()
	}
	_, span := n.tracer.Start(ctx, "core.SubmitInstruction",
		trace.WithAttributes(attribute.String("instruction.kind", kind)))
	defer span.End()

	start := time.Now()
	receipt, err := n.apply(ins)
	n.metrics.ObserveInstruction(kind, err, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		n.logger.Warn("instruction rejected", slog.String("kind", kind), slog.Any("error", err))
		return nil, err
	}
	span.SetAttributes(attribute.String("instruction.hash", receipt.Hash))
	n.recordMetrics(receipt)
	n.logger.Info("instruction applied",
		slog.String("kind", kind),
		slog.String("hash", receipt.Hash),
		slog.String("signer", crypto.AddressFromRaw(crypto.IdentityPrefix, receipt.Signer).String()),
		slog.Uint64("nonce", receipt.Nonce))
	return receipt, nil
}

func (n *Node) apply(ins *types.Instruction) (*Receipt, error) {
	n.applyMu.Lock()
	defer n.applyMu.Unlock()

	tx := n.state.Begin()
	defer tx.Discard()
	pending := &events.Buffer{}
	receipt, err := n.processor.ApplyInstruction(tx, ins, pending)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	receipt.Events = pending.Payloads()
	pending.Flush(n.emitter)
	return receipt, nil
}

func (n *Node) recordMetrics(receipt *Receipt) {
	switch {
	case receipt.Escrow != nil:
		n.metrics.RecordLocked()
	case receipt.Settlement != nil:
		s := receipt.Settlement
		n.metrics.RecordSettlement(s.Status.String(), s.Payout+s.Fee, s.Fee)
	}
}

// Close releases the underlying database.
func (n *Node) Close() {
	if n == nil || n.db == nil {
		return
	}
	n.db.Close()
}

type metricsEmitter struct{}

func (metricsEmitter) Emit(evt events.Event) {
	observability.Events().RecordEvent(evt.EventType())
	if transfer, ok := evt.(events.Transfer); ok {
		observability.Events().RecordTransfer(transfer.Amount)
	}
}
