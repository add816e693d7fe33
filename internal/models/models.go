package models

import (
	"time"
)

// IntentStatus lifecycle status of a transaction intent
type IntentStatus string

const (
	IntentStatusCreated   IntentStatus = "created"   // registered, nothing allocated yet
	IntentStatusAllocated IntentStatus = "allocated" // nonce + fee params claimed
	IntentStatusSent      IntentStatus = "sent"      // broadcast acknowledged, tx_hash known
	IntentStatusConfirmed IntentStatus = "confirmed" // receipt observed with status=1
	IntentStatusFailed    IntentStatus = "failed"    // terminal failure (revert or exhausted retries)
	IntentStatusReplaced  IntentStatus = "replaced"  // transient, successor send in flight
)

// IsTerminal reports whether no further transition may leave this status.
func (s IntentStatus) IsTerminal() bool {
	return s == IntentStatusConfirmed || s == IntentStatusFailed
}

// Intent is one logical action the caller wants executed exactly once.
// intent_key is caller-supplied and globally unique; a duplicate registration
// returns the existing record instead of creating a second one.
type Intent struct {
	ID        string       `json:"id" gorm:"primaryKey"` // UUID
	IntentKey string       `json:"intent_key" gorm:"not null;uniqueIndex:idx_intent_key"`
	Status    IntentStatus `json:"status" gorm:"not null;default:created;index:idx_status_created,priority:1"`
	Metadata  string       `json:"metadata" gorm:"type:text"` // caller-supplied, JSON serialized

	// human-readable reason when the intent lands in failed
	LastError string `json:"last_error" gorm:"type:text"`

	CreatedAt time.Time `json:"created_at" gorm:"index:idx_status_created,priority:2"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName 指定表名
func (Intent) TableName() string {
	return "tx_intents"
}

// Send is one concrete broadcast attempt for an Intent.
// Live sends (replaced_by IS NULL) must be unique per
// (chain_id, nonce, signing_address); enforced by a partial unique index
// created in db.InitDB, so the allocator can never double-assign a nonce.
type Send struct {
	ID             string `json:"id" gorm:"primaryKey"` // UUID
	IntentID       string `json:"intent_id" gorm:"not null;index"`
	SigningAddress string `json:"signing_address" gorm:"not null;index:idx_address_nonce;size:42"`
	ChainID        uint64 `json:"chain_id" gorm:"not null;index:idx_address_nonce"`
	Nonce          uint64 `json:"nonce" gorm:"not null;index:idx_address_nonce"`

	// EIP-1559 fee params in wei, decimal strings
	MaxFeePerGas         string `json:"max_fee_per_gas" gorm:"not null"`
	MaxPriorityFeePerGas string `json:"max_priority_fee_per_gas" gorm:"not null"`
	GasLimit             uint64 `json:"gas_limit" gorm:"not null"`

	// RawTx and TxHash stay empty on the provisional claim row written at
	// allocation time; they are filled in after the node acknowledges the
	// submit. tx_hash uniqueness is a partial index created in db.InitDB
	// (unique WHERE tx_hash <> '').
	RawTx  string `json:"raw_tx" gorm:"type:text"`
	TxHash string `json:"tx_hash" gorm:"index;size:66"`

	// replaced_by points at the successor send's tx_hash; once set this
	// send is no longer authoritative for its nonce slot
	ReplacedBy *string `json:"replaced_by"`

	SentAt    *time.Time `json:"sent_at"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// TableName 指定表名
func (Send) TableName() string {
	return "tx_sends"
}

// IsLive reports whether this send is still the authoritative attempt for
// its (address, nonce) slot.
func (s *Send) IsLive() bool {
	return s.ReplacedBy == nil
}

// Receipt is the chain-confirmed outcome for a tx_hash, at most one per hash.
type Receipt struct {
	TxHash            string    `json:"tx_hash" gorm:"primaryKey;size:66"`
	Status            uint64    `json:"status" gorm:"not null"` // 0 = reverted, 1 = success
	BlockNumber       uint64    `json:"block_number" gorm:"not null"`
	GasUsed           uint64    `json:"gas_used"`
	EffectiveGasPrice string    `json:"effective_gas_price"`
	MinedAt           time.Time `json:"mined_at"`
	CreatedAt         time.Time `json:"created_at"`
}

// TableName 指定表名
func (Receipt) TableName() string {
	return "tx_receipts"
}
