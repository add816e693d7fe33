package models

import (
	"time"
)

// Wallet holds a signing address and its envelope-encrypted private key.
// The plaintext key never persists; privkey_enc is a vault blob
// (wrapped DEK + nonce + ciphertext + auth tag).
type Wallet struct {
	ID         string `json:"id" gorm:"primaryKey"` // UUID
	Address    string `json:"address" gorm:"not null;uniqueIndex:idx_wallet_address;size:42"`
	PrivkeyEnc []byte `json:"-" gorm:"type:bytea;not null"` // never serialized outward
	Label      string `json:"label"`

	Status    string    `json:"status" gorm:"default:'active'"` // active, disabled
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName 指定表名
func (Wallet) TableName() string {
	return "wallets"
}

// ApiCredential is a per-user, per-provider third-party API secret,
// envelope-encrypted at rest like wallet keys.
type ApiCredential struct {
	ID       string `json:"id" gorm:"primaryKey"` // UUID
	UserID   string `json:"user_id" gorm:"not null;uniqueIndex:idx_user_provider,priority:1"`
	Provider string `json:"provider" gorm:"not null;uniqueIndex:idx_user_provider,priority:2"`

	SecretEnc []byte `json:"-" gorm:"type:bytea;not null"`
	MetaEnc   []byte `json:"-" gorm:"type:bytea"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName 指定表名
func (ApiCredential) TableName() string {
	return "api_credentials"
}
