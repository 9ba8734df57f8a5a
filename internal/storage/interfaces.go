// Package storage declares the persistence contracts consumed by the
// settlement pipeline and its collaborators.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shibartum/presale-backend/internal/domain/settlement"
	"github.com/shibartum/presale-backend/internal/domain/user"
)

var (
	// ErrNotFound reports that the requested record does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrDuplicateSettlement reports that a settlement for the payment
	// signature already exists. The unique index on payment signature is the
	// source of mutual exclusion for concurrent settlements.
	ErrDuplicateSettlement = errors.New("storage: settlement already exists for payment signature")
	// ErrTerminalStatus reports an attempted transition out of a terminal
	// settlement status.
	ErrTerminalStatus = errors.New("storage: settlement already in terminal status")
)

// SettlementStore persists settlement records and enforces the one-record-
// per-payment-signature invariant.
type SettlementStore interface {
	// InsertPending atomically creates a pending record. A second insert with
	// the same payment signature fails with ErrDuplicateSettlement.
	InsertPending(ctx context.Context, rec settlement.Record) (settlement.Record, error)
	GetSettlement(ctx context.Context, id string) (settlement.Record, error)
	GetSettlementBySignature(ctx context.Context, paymentSignature string) (settlement.Record, error)
	// MarkConfirmed transitions a pending record to confirmed, storing the
	// ledger slot and mint signature. Fails with ErrTerminalStatus if the
	// record already reached a terminal status.
	MarkConfirmed(ctx context.Context, id string, slot uint64, mintSignature string) error
	// MarkFailed transitions a pending record to failed. Fails with
	// ErrTerminalStatus if the record already reached a terminal status.
	MarkFailed(ctx context.Context, id string) error
	ListSettlementsByWallet(ctx context.Context, wallet string) ([]settlement.Record, error)
	// ListStalePending returns pending records created before the cutoff,
	// for operator reconciliation.
	ListStalePending(ctx context.Context, cutoff time.Time) ([]settlement.Record, error)
	SettlementStats(ctx context.Context) (settlement.Stats, error)
}

// UserStore persists buyer accounts.
type UserStore interface {
	// FindOrCreateUser is an idempotent upsert keyed on wallet address. New
	// accounts get a generated referral code.
	FindOrCreateUser(ctx context.Context, wallet string) (user.Account, error)
	GetUser(ctx context.Context, id string) (user.Account, error)
	GetUserByWallet(ctx context.Context, wallet string) (user.Account, error)
	GetUserByReferralCode(ctx context.Context, code string) (user.Account, error)
	UpdateUser(ctx context.Context, acct user.Account) (user.Account, error)
}

// WhitelistStore persists allocation entries.
type WhitelistStore interface {
	UpsertWhitelistEntry(ctx context.Context, entry user.WhitelistEntry) (user.WhitelistEntry, error)
	// GetWhitelistEntry returns the live entry for the user, skipping expired
	// ones. Fails with ErrNotFound when the user has no live entry.
	GetWhitelistEntry(ctx context.Context, userID string) (user.WhitelistEntry, error)
	// AddUsedAllocation bumps the user's consumed allocation after a
	// confirmed settlement.
	AddUsedAllocation(ctx context.Context, userID string, amount decimal.Decimal) error
}

// ReferralStore persists referral bonus balances.
type ReferralStore interface {
	// CreditReferralBonus adds bonus tokens to the referrer's active referral
	// row, creating it if absent.
	CreditReferralBonus(ctx context.Context, referrerID string, bonus decimal.Decimal) error
	GetReferral(ctx context.Context, referrerID string) (user.Referral, error)
}

// SettingsStore reads and writes presale settings.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
}
