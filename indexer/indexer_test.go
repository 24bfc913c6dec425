package indexer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"shillmarket/core/types"
	"shillmarket/native/escrow"
)

func newTestIndexer(t *testing.T) *Indexer {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	ix, err := Open("sqlite", dsn, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ix.Close() })
	ix.nowFn = func() time.Time { return time.Unix(1_700_000_500, 0).UTC() }
	return ix
}

func addr(b byte) [20]byte {
	var out [20]byte
	for i := range out {
		out[i] = b
	}
	return out
}

func testEscrow(orderID uint64, client, executor byte, createdAt uint64) *escrow.Escrow {
	return &escrow.Escrow{
		OrderID:   orderID,
		Client:    addr(client),
		Executor:  addr(executor),
		Amount:    1_000_000,
		FeeBps:    500,
		Status:    escrow.StatusLocked,
		CreatedAt: createdAt,
	}
}

type payload struct{ evt *types.Event }

func (p payload) EventType() string   { return p.evt.Type }
func (p payload) Event() *types.Event { return p.evt }

func TestIngestLifecycle(t *testing.T) {
	ix := newTestIndexer(t)
	ctx := context.Background()

	esc := testEscrow(42, 0x01, 0x02, 1_700_000_000)
	escAddr := addr(0x0E)
	require.NoError(t, ix.Ingest(ctx, escrow.NewTreasuryInitializedEvent(&escrow.Treasury{Authority: addr(0x0A), FeeBps: 500}, addr(0x0F))))
	created := escrow.NewCreatedEvent(esc, escAddr)
	require.NoError(t, ix.Ingest(ctx, created))

	rec, err := ix.GetEscrow(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, "locked", rec.Status)
	require.Equal(t, "1000000", rec.Amount)
	require.Equal(t, time.Unix(1_700_000_000, 0).UTC(), rec.LockedAt.UTC())
	require.Nil(t, rec.SettledAt)

	esc.Status = escrow.StatusReleased
	settlement := &escrow.Settlement{OrderID: 42, Status: escrow.StatusReleased, Payee: esc.Executor, Payout: 950_000, Fee: 50_000}
	require.NoError(t, ix.Ingest(ctx, escrow.NewReleasedEvent(esc, escAddr, settlement)))
	// Redelivery of an older event changes nothing.
	require.NoError(t, ix.Ingest(ctx, created))

	rec, err = ix.GetEscrow(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, "released", rec.Status)
	require.Equal(t, "950000", rec.Payout)
	require.Equal(t, "50000", rec.Fee)
	require.NotNil(t, rec.SettledAt)

	treasury, err := ix.Treasury(ctx)
	require.NoError(t, err)
	require.Equal(t, uint16(500), treasury.FeeBps)

	var processed int64
	require.NoError(t, ix.db.Model(&ProcessedEvent{}).Count(&processed).Error)
	require.Equal(t, int64(3), processed)
}

func TestSettledRecordIsNotReopened(t *testing.T) {
	ix := newTestIndexer(t)
	ctx := context.Background()
	esc := testEscrow(7, 0x01, 0x02, 10)
	locked := escrow.NewCreatedEvent(esc, addr(0x0E))

	refunded := esc.Clone()
	refunded.Status = escrow.StatusRefunded
	settlement := &escrow.Settlement{OrderID: 7, Status: escrow.StatusRefunded, Payee: esc.Client, Payout: esc.Amount}
	require.NoError(t, ix.Ingest(ctx, escrow.NewRefundedEvent(refunded, addr(0x0E), settlement)))
	require.NoError(t, ix.Ingest(ctx, locked))

	rec, err := ix.GetEscrow(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, "refunded", rec.Status)
}

func TestListEscrowsFiltersAndPaginates(t *testing.T) {
	ix := newTestIndexer(t)
	for i := uint64(1); i <= 5; i++ {
		client := byte(0x01)
		if i%2 == 0 {
			client = 0x03
		}
		ix.Emit(payload{escrow.NewCreatedEvent(testEscrow(i, client, 0x02, 100+i), addr(byte(0x10+i)))})
	}
	ctx := context.Background()
	require.NoError(t, ix.Sync(ctx))

	all, total, err := ix.ListEscrows(ctx, Filter{})
	require.NoError(t, err)
	require.Equal(t, int64(5), total)
	require.Equal(t, "5", all[0].OrderID)
	require.Equal(t, "1", all[4].OrderID)

	clientAddr := escrow.NewCreatedEvent(testEscrow(1, 0x01, 0x02, 0), addr(0)).Attributes["client"]
	page, total, err := ix.ListEscrows(ctx, Filter{Client: clientAddr, Limit: 2})
	require.NoError(t, err)
	require.Equal(t, int64(3), total)
	require.Len(t, page, 2)
	require.Equal(t, "5", page[0].OrderID)
	require.Equal(t, "3", page[1].OrderID)

	page, _, err = ix.ListEscrows(ctx, Filter{Client: clientAddr, Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "1", page[0].OrderID)

	_, total, err = ix.ListEscrows(ctx, Filter{Status: "released"})
	require.NoError(t, err)
	require.Zero(t, total)

	_, _, err = ix.ListEscrows(ctx, Filter{Status: "pending"})
	require.Error(t, err)
}

func TestFingerprintIgnoresAttributeOrder(t *testing.T) {
	a := &types.Event{Type: "escrow.created", Attributes: map[string]string{"a": "1", "b": "2"}}
	b := &types.Event{Type: "escrow.created", Attributes: map[string]string{"b": "2", "a": "1"}}
	c := &types.Event{Type: "escrow.created", Attributes: map[string]string{"a": "1", "b": "3"}}
	require.Equal(t, Fingerprint(a), Fingerprint(b))
	require.NotEqual(t, Fingerprint(a), Fingerprint(c))
	require.Len(t, Fingerprint(a), 64)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("mysql", "dsn", nil)
	require.ErrorIs(t, err, ErrUnsupportedDriver)
}

func TestIngestIgnoresForeignEvents(t *testing.T) {
	ix := newTestIndexer(t)
	require.NoError(t, ix.Ingest(context.Background(), &types.Event{Type: "ledger.transfer", Attributes: map[string]string{"amount": "1"}}))
	_, err := ix.GetEscrow(context.Background(), 1)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEmitQueuesUntilSync(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	ix, err := Open("sqlite", dsn, nil)
	require.NoError(t, err)
	ctx := context.Background()

	ix.Emit(payload{escrow.NewTreasuryInitializedEvent(&escrow.Treasury{Authority: addr(0x0A), FeeBps: 250}, addr(0x0F))})
	ix.Emit(payload{escrow.NewCreatedEvent(testEscrow(3, 0x01, 0x02, 100), addr(0x13))})
	require.NoError(t, ix.Sync(ctx))

	treasury, err := ix.Treasury(ctx)
	require.NoError(t, err)
	require.Equal(t, uint16(250), treasury.FeeBps)
	rec, err := ix.GetEscrow(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, "locked", rec.Status)

	require.NoError(t, ix.Close())
	ix.Emit(payload{escrow.NewCreatedEvent(testEscrow(4, 0x01, 0x02, 100), addr(0x14))})
	require.ErrorIs(t, ix.Sync(ctx), ErrClosed)
}
