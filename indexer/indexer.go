// Package indexer keeps a queryable read model of escrows, fed by the events
// the node emits after each committed instruction.
package indexer

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"lukechampine.com/blake3"

	"shillmarket/core/events"
	"shillmarket/core/types"
	"shillmarket/native/escrow"
	"shillmarket/observability"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200

	ingestBacklog    = 1024
	ingestAttempts   = 3
	ingestRetryDelay = 100 * time.Millisecond
)

var (
	ErrUnsupportedDriver = errors.New("indexer: unsupported driver")
	ErrNotFound          = errors.New("indexer: record not found")
	ErrClosed            = errors.New("indexer: closed")
)

type ingestJob struct {
	evt  *types.Event
	done chan struct{}
}

// Indexer applies escrow events to a gorm database. Events handed to Emit are
// queued and applied by a single worker, so the node's apply path never waits
// on the database. The read model lags the ledger by the queue and can miss
// events that overflow the backlog or keep failing to apply; both are counted
// as dropped and logged.
type Indexer struct {
	db     *gorm.DB
	logger *slog.Logger
	nowFn  func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan ingestJob
	wg     sync.WaitGroup
}

// Open connects to driver ("sqlite" or "postgres") and migrates the schema.
func Open(driver, dsn string, logger *slog.Logger) (*Indexer, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("indexer: open %s: %w", driver, err)
	}
	return New(db, logger)
}

// New wraps an existing gorm handle.
func New(db *gorm.DB, logger *slog.Logger) (*Indexer, error) {
	if db == nil {
		return nil, errors.New("indexer: nil database")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("indexer: migrate: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	ix := &Indexer{
		db:     db,
		logger: logger.With(slog.String("component", "indexer")),
		nowFn:  func() time.Time { return time.Now().UTC() },
		queue:  make(chan ingestJob, ingestBacklog),
	}
	ix.wg.Add(1)
	go ix.run()
	return ix, nil
}

// Close drains queued events and releases the underlying connection pool.
func (ix *Indexer) Close() error {
	if ix == nil || ix.db == nil {
		return nil
	}
	ix.mu.Lock()
	if !ix.closed {
		ix.closed = true
		close(ix.queue)
	}
	ix.mu.Unlock()
	ix.wg.Wait()
	sqlDB, err := ix.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Emit implements events.Emitter. It only queues the event; a full backlog
// drops it.
func (ix *Indexer) Emit(evt events.Event) {
	if ix == nil || evt == nil {
		return
	}
	payload := evt.Event()
	if payload == nil {
		return
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.closed {
		return
	}
	select {
	case ix.queue <- ingestJob{evt: payload}:
	default:
		observability.Events().RecordDropped("indexer")
		ix.logger.Error("index backlog full", slog.String("type", payload.Type))
	}
}

// Sync blocks until every event queued before the call has been applied.
func (ix *Indexer) Sync(ctx context.Context) error {
	done := make(chan struct{})
	ix.mu.RLock()
	if ix.closed {
		ix.mu.RUnlock()
		return ErrClosed
	}
	select {
	case ix.queue <- ingestJob{done: done}:
		ix.mu.RUnlock()
	case <-ctx.Done():
		ix.mu.RUnlock()
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ix *Indexer) run() {
	defer ix.wg.Done()
	for job := range ix.queue {
		if job.done != nil {
			close(job.done)
			continue
		}
		ix.ingestWithRetry(job.evt)
	}
}

func (ix *Indexer) ingestWithRetry(evt *types.Event) {
	delay := ingestRetryDelay
	var err error
	for attempt := 1; attempt <= ingestAttempts; attempt++ {
		if err = ix.Ingest(context.Background(), evt); err == nil {
			return
		}
		if attempt < ingestAttempts {
			time.Sleep(delay)
			delay *= 2
		}
	}
	observability.Events().RecordDropped("indexer")
	ix.logger.Error("index event", slog.String("type", evt.Type), slog.Int("attempts", ingestAttempts), slog.Any("error", err))
}

// Fingerprint identifies an event by its type and attributes.
func Fingerprint(evt *types.Event) string {
	keys := make([]string, 0, len(evt.Attributes))
	for k := range evt.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := blake3.New(32, nil)
	h.Write([]byte(evt.Type))
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(evt.Attributes[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Ingest applies one event. Unknown event types are ignored and repeated
// events are applied once.
func (ix *Indexer) Ingest(ctx context.Context, evt *types.Event) error {
	if evt == nil {
		return nil
	}
	var apply func(tx *gorm.DB) error
	switch evt.Type {
	case escrow.EventTypeTreasuryInitialized:
		apply = func(tx *gorm.DB) error { return ix.applyTreasury(tx, evt) }
	case escrow.EventTypeEscrowCreated, escrow.EventTypeEscrowReleased, escrow.EventTypeEscrowRefunded:
		apply = func(tx *gorm.DB) error { return ix.applyEscrow(tx, evt) }
	default:
		return nil
	}
	fingerprint := Fingerprint(evt)
	return ix.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&ProcessedEvent{
			Fingerprint: fingerprint,
			Type:        evt.Type,
			CreatedAt:   ix.nowFn(),
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		return apply(tx)
	})
}

func (ix *Indexer) applyTreasury(tx *gorm.DB, evt *types.Event) error {
	feeBps, err := parseFeeBps(evt.Attributes["feeBps"])
	if err != nil {
		return err
	}
	record := TreasuryRecord{
		ID:        1,
		Address:   evt.Attributes["address"],
		Authority: evt.Attributes["authority"],
		FeeBps:    feeBps,
		CreatedAt: ix.nowFn(),
	}
	return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&record).Error
}

func (ix *Indexer) applyEscrow(tx *gorm.DB, evt *types.Event) error {
	attrs := evt.Attributes
	orderID := strings.TrimSpace(attrs["orderId"])
	if _, err := strconv.ParseUint(orderID, 10, 64); err != nil {
		return fmt.Errorf("indexer: %s without valid orderId: %q", evt.Type, orderID)
	}
	feeBps, err := parseFeeBps(attrs["feeBps"])
	if err != nil {
		return err
	}
	createdAt, err := strconv.ParseInt(attrs["createdAt"], 10, 64)
	if err != nil {
		return fmt.Errorf("indexer: invalid createdAt %q", attrs["createdAt"])
	}

	var existing EscrowRecord
	err = tx.Where("order_id = ?", orderID).Take(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		existing = EscrowRecord{OrderID: orderID}
	case err != nil:
		return err
	}
	// A settled row never moves back to locked, whatever order events arrive in.
	if existing.ID != 0 && existing.Status != escrow.StatusLocked.String() && evt.Type == escrow.EventTypeEscrowCreated {
		return nil
	}

	existing.Address = attrs["address"]
	existing.Client = attrs["client"]
	existing.Executor = attrs["executor"]
	existing.Amount = attrs["amount"]
	existing.FeeBps = feeBps
	existing.Status = attrs["status"]
	existing.LockedAt = time.Unix(createdAt, 0).UTC()
	if evt.Type != escrow.EventTypeEscrowCreated {
		now := ix.nowFn()
		existing.Payee = attrs["payee"]
		existing.Payout = attrs["payout"]
		existing.Fee = attrs["fee"]
		existing.SettledAt = &now
	}
	return tx.Save(&existing).Error
}

func parseFeeBps(raw string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 16)
	if err != nil || v > escrow.MaxFeeBps {
		return 0, fmt.Errorf("indexer: invalid feeBps %q", raw)
	}
	return uint16(v), nil
}

// Filter narrows ListEscrows. Empty fields match everything.
type Filter struct {
	Client   string
	Executor string
	Status   string
	Limit    int
	Offset   int
}

// ListEscrows returns matching escrows newest first and the total number of
// matches.
func (ix *Indexer) ListEscrows(ctx context.Context, f Filter) ([]EscrowRecord, int64, error) {
	q := ix.db.WithContext(ctx).Model(&EscrowRecord{})
	if v := strings.TrimSpace(f.Client); v != "" {
		q = q.Where("client = ?", v)
	}
	if v := strings.TrimSpace(f.Executor); v != "" {
		q = q.Where("executor = ?", v)
	}
	if v := strings.TrimSpace(f.Status); v != "" {
		if _, err := escrow.ParseStatus(v); err != nil {
			return nil, 0, err
		}
		q = q.Where("status = ?", v)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	var out []EscrowRecord
	err := q.Order("locked_at DESC").Order("id DESC").Limit(limit).Offset(offset).Find(&out).Error
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// GetEscrow returns the indexed record for orderID.
func (ix *Indexer) GetEscrow(ctx context.Context, orderID uint64) (*EscrowRecord, error) {
	var out EscrowRecord
	err := ix.db.WithContext(ctx).Where("order_id = ?", strconv.FormatUint(orderID, 10)).Take(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Treasury returns the indexed treasury record.
func (ix *Indexer) Treasury(ctx context.Context) (*TreasuryRecord, error) {
	var out TreasuryRecord
	err := ix.db.WithContext(ctx).Take(&out, 1).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}
