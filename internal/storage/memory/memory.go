// Package memory provides an in-memory implementation of the storage
// interfaces. It is safe for concurrent use and is primarily intended for
// tests and local development.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/shibartum/presale-backend/internal/domain/settlement"
	"github.com/shibartum/presale-backend/internal/domain/user"
	"github.com/shibartum/presale-backend/internal/storage"
)

// Store is an in-memory implementation of every storage interface.
type Store struct {
	mu                     sync.RWMutex
	settlements            map[string]settlement.Record
	settlementsBySignature map[string]string
	users                  map[string]user.Account
	usersByWallet          map[string]string
	usersByReferralCode    map[string]string
	whitelist              map[string]user.WhitelistEntry
	referrals              map[string]user.Referral
	settings               map[string]string
}

var _ storage.SettlementStore = (*Store)(nil)
var _ storage.UserStore = (*Store)(nil)
var _ storage.WhitelistStore = (*Store)(nil)
var _ storage.ReferralStore = (*Store)(nil)
var _ storage.SettingsStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		settlements:            make(map[string]settlement.Record),
		settlementsBySignature: make(map[string]string),
		users:                  make(map[string]user.Account),
		usersByWallet:          make(map[string]string),
		usersByReferralCode:    make(map[string]string),
		whitelist:              make(map[string]user.WhitelistEntry),
		referrals:              make(map[string]user.Referral),
		settings:               make(map[string]string),
	}
}

// SettlementStore implementation ---------------------------------------------

func (s *Store) InsertPending(_ context.Context, rec settlement.Record) (settlement.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.settlementsBySignature[rec.PaymentSignature]; exists {
		return settlement.Record{}, storage.ErrDuplicateSettlement
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.Status = settlement.StatusPending
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	s.settlements[rec.ID] = rec
	s.settlementsBySignature[rec.PaymentSignature] = rec.ID
	return rec, nil
}

func (s *Store) GetSettlement(_ context.Context, id string) (settlement.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.settlements[id]
	if !ok {
		return settlement.Record{}, storage.ErrNotFound
	}
	return rec, nil
}

func (s *Store) GetSettlementBySignature(_ context.Context, paymentSignature string) (settlement.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.settlementsBySignature[paymentSignature]
	if !ok {
		return settlement.Record{}, storage.ErrNotFound
	}
	return s.settlements[id], nil
}

func (s *Store) MarkConfirmed(_ context.Context, id string, slot uint64, mintSignature string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.settlements[id]
	if !ok {
		return storage.ErrNotFound
	}
	if rec.Status.Terminal() {
		return storage.ErrTerminalStatus
	}
	rec.Status = settlement.StatusConfirmed
	rec.Slot = slot
	rec.MintSignature = mintSignature
	rec.ProcessedAt = time.Now().UTC()
	s.settlements[id] = rec
	return nil
}

func (s *Store) MarkFailed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.settlements[id]
	if !ok {
		return storage.ErrNotFound
	}
	if rec.Status.Terminal() {
		return storage.ErrTerminalStatus
	}
	rec.Status = settlement.StatusFailed
	rec.ProcessedAt = time.Now().UTC()
	s.settlements[id] = rec
	return nil
}

func (s *Store) ListSettlementsByWallet(_ context.Context, wallet string) ([]settlement.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	userID, ok := s.usersByWallet[wallet]
	if !ok {
		return nil, nil
	}
	var result []settlement.Record
	for _, rec := range s.settlements {
		if rec.UserID == userID {
			result = append(result, rec)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (s *Store) ListStalePending(_ context.Context, cutoff time.Time) ([]settlement.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []settlement.Record
	for _, rec := range s.settlements {
		if rec.Status == settlement.StatusPending && rec.CreatedAt.Before(cutoff) {
			result = append(result, rec)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *Store) SettlementStats(_ context.Context) (settlement.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := settlement.Stats{
		TokensSold:   decimal.Zero,
		NativeRaised: decimal.Zero,
	}
	for _, rec := range s.settlements {
		stats.TotalSettlements++
		switch rec.Status {
		case settlement.StatusConfirmed:
			stats.Confirmed++
			stats.TokensSold = stats.TokensSold.Add(rec.TokenAmount)
			stats.NativeRaised = stats.NativeRaised.Add(rec.NativeAmount)
		case settlement.StatusPending:
			stats.Pending++
		case settlement.StatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

// UserStore implementation ----------------------------------------------------

func (s *Store) FindOrCreateUser(_ context.Context, wallet string) (user.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.usersByWallet[wallet]; ok {
		return s.users[id], nil
	}

	now := time.Now().UTC()
	acct := user.Account{
		ID:            uuid.NewString(),
		WalletAddress: wallet,
		ReferralCode:  user.NewReferralCode(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.users[acct.ID] = acct
	s.usersByWallet[wallet] = acct.ID
	s.usersByReferralCode[acct.ReferralCode] = acct.ID
	return acct, nil
}

func (s *Store) GetUser(_ context.Context, id string) (user.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.users[id]
	if !ok {
		return user.Account{}, storage.ErrNotFound
	}
	return acct, nil
}

func (s *Store) GetUserByWallet(_ context.Context, wallet string) (user.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.usersByWallet[wallet]
	if !ok {
		return user.Account{}, storage.ErrNotFound
	}
	return s.users[id], nil
}

func (s *Store) GetUserByReferralCode(_ context.Context, code string) (user.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.usersByReferralCode[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return user.Account{}, storage.ErrNotFound
	}
	return s.users[id], nil
}

func (s *Store) UpdateUser(_ context.Context, acct user.Account) (user.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.users[acct.ID]
	if !ok {
		return user.Account{}, storage.ErrNotFound
	}
	acct.WalletAddress = existing.WalletAddress
	acct.ReferralCode = existing.ReferralCode
	acct.CreatedAt = existing.CreatedAt
	acct.UpdatedAt = time.Now().UTC()
	s.users[acct.ID] = acct
	return acct, nil
}

// WhitelistStore implementation ------------------------------------------------

func (s *Store) UpsertWhitelistEntry(_ context.Context, entry user.WhitelistEntry) (user.WhitelistEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.whitelist[entry.UserID]; ok {
		entry.ID = existing.ID
		entry.UsedAllocation = existing.UsedAllocation
		entry.CreatedAt = existing.CreatedAt
	} else {
		entry.ID = uuid.NewString()
		entry.UsedAllocation = decimal.Zero
		entry.CreatedAt = time.Now().UTC()
	}
	s.whitelist[entry.UserID] = entry
	return entry, nil
}

func (s *Store) GetWhitelistEntry(_ context.Context, userID string) (user.WhitelistEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.whitelist[userID]
	if !ok {
		return user.WhitelistEntry{}, storage.ErrNotFound
	}
	if !entry.ExpiresAt.IsZero() && entry.ExpiresAt.Before(time.Now().UTC()) {
		return user.WhitelistEntry{}, storage.ErrNotFound
	}
	return entry, nil
}

func (s *Store) AddUsedAllocation(_ context.Context, userID string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.whitelist[userID]
	if !ok {
		return storage.ErrNotFound
	}
	entry.UsedAllocation = entry.UsedAllocation.Add(amount)
	s.whitelist[userID] = entry
	return nil
}

// ReferralStore implementation --------------------------------------------------

func (s *Store) CreditReferralBonus(_ context.Context, referrerID string, bonus decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref, ok := s.referrals[referrerID]
	if !ok {
		now := time.Now().UTC()
		ref = user.Referral{
			ID:          uuid.NewString(),
			ReferrerID:  referrerID,
			BonusTokens: decimal.Zero,
			Active:      true,
			CreatedAt:   now,
		}
	}
	if !ref.Active {
		return nil
	}
	ref.BonusTokens = ref.BonusTokens.Add(bonus)
	ref.UpdatedAt = time.Now().UTC()
	s.referrals[referrerID] = ref
	return nil
}

func (s *Store) GetReferral(_ context.Context, referrerID string) (user.Referral, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ref, ok := s.referrals[referrerID]
	if !ok {
		return user.Referral{}, storage.ErrNotFound
	}
	return ref, nil
}

// SettingsStore implementation ---------------------------------------------------

func (s *Store) GetSetting(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.settings[key]
	if !ok {
		return "", storage.ErrNotFound
	}
	return value, nil
}

func (s *Store) SetSetting(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}
