package indexer

import (
	"time"

	"gorm.io/gorm"
)

// EscrowRecord is the read-model row for one order. Amounts are kept as
// decimal strings because both backends store integers as signed 64-bit.
type EscrowRecord struct {
	ID        uint       `gorm:"primaryKey" json:"-"`
	OrderID   string     `gorm:"uniqueIndex;size:20;not null" json:"orderId"`
	Address   string     `gorm:"size:96" json:"address"`
	Client    string     `gorm:"index;size:96" json:"client"`
	Executor  string     `gorm:"index;size:96" json:"executor"`
	Amount    string     `gorm:"size:20" json:"amount"`
	FeeBps    uint16     `json:"feeBps"`
	Status    string     `gorm:"index;size:16" json:"status"`
	Payee     string     `gorm:"size:96" json:"payee,omitempty"`
	Payout    string     `gorm:"size:20" json:"payout,omitempty"`
	Fee       string     `gorm:"size:20" json:"fee,omitempty"`
	LockedAt  time.Time  `json:"lockedAt"`
	SettledAt *time.Time `json:"settledAt,omitempty"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// TreasuryRecord mirrors the singleton treasury.
type TreasuryRecord struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	Address   string    `gorm:"size:96" json:"address"`
	Authority string    `gorm:"size:96" json:"authority"`
	FeeBps    uint16    `json:"feeBps"`
	CreatedAt time.Time `json:"createdAt"`
}

// ProcessedEvent remembers event fingerprints so redelivered events are not
// applied twice.
type ProcessedEvent struct {
	Fingerprint string `gorm:"primaryKey;size:64"`
	Type        string `gorm:"size:64"`
	CreatedAt   time.Time
}

// AutoMigrate creates or updates the read-model tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&EscrowRecord{}, &TreasuryRecord{}, &ProcessedEvent{})
}
