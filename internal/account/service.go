// Package account manages buyer registration, whitelist applications and
// referral lookups.
package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"github.com/shibartum/presale-backend/internal/domain/user"
	"github.com/shibartum/presale-backend/internal/storage"
	"github.com/shibartum/presale-backend/pkg/logger"
)

// ErrInvalidInput reports a request that fails validation before touching the
// store.
var ErrInvalidInput = errors.New("account: invalid input")

// Service manages buyer accounts.
type Service struct {
	users     storage.UserStore
	whitelist storage.WhitelistStore
	referrals storage.ReferralStore
	log       *logger.Logger
}

// NewService creates an account service.
func NewService(users storage.UserStore, whitelist storage.WhitelistStore, referrals storage.ReferralStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("account")
	}
	return &Service{users: users, whitelist: whitelist, referrals: referrals, log: log}
}

// Register creates or updates the account for a wallet. Email and referral
// code are optional; a referral code binds the account to its referrer once
// and never rebinds.
func (s *Service) Register(ctx context.Context, wallet, email, referralCode string) (user.Account, error) {
	wallet = strings.TrimSpace(wallet)
	if _, err := solana.PublicKeyFromBase58(wallet); err != nil {
		return user.Account{}, fmt.Errorf("%w: wallet address: %v", ErrInvalidInput, err)
	}

	acct, err := s.users.FindOrCreateUser(ctx, wallet)
	if err != nil {
		return user.Account{}, fmt.Errorf("find or create user: %w", err)
	}

	changed := false
	if email = strings.TrimSpace(email); email != "" && email != acct.Email {
		if !strings.Contains(email, "@") {
			return user.Account{}, fmt.Errorf("%w: email %q", ErrInvalidInput, email)
		}
		acct.Email = email
		changed = true
	}

	if code := strings.TrimSpace(referralCode); code != "" && acct.ReferredBy == "" {
		referrer, err := s.users.GetUserByReferralCode(ctx, code)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return user.Account{}, fmt.Errorf("%w: unknown referral code %q", ErrInvalidInput, code)
		case err != nil:
			return user.Account{}, fmt.Errorf("resolve referral code: %w", err)
		case referrer.ID == acct.ID:
			return user.Account{}, fmt.Errorf("%w: self-referral", ErrInvalidInput)
		default:
			acct.ReferredBy = referrer.ID
			changed = true
		}
	}

	if !changed {
		return acct, nil
	}
	updated, err := s.users.UpdateUser(ctx, acct)
	if err != nil {
		return user.Account{}, fmt.Errorf("update user: %w", err)
	}
	s.log.WithField("wallet", wallet).Debug("account registered")
	return updated, nil
}

// Profile returns the account for a wallet address.
func (s *Service) Profile(ctx context.Context, wallet string) (user.Account, error) {
	return s.users.GetUserByWallet(ctx, strings.TrimSpace(wallet))
}

// ApplyWhitelist whitelists a wallet with an allocation cap. A zero expiry
// means the entry never expires.
func (s *Service) ApplyWhitelist(ctx context.Context, wallet string, tier int, maxAllocation decimal.Decimal, expiresAt time.Time) (user.WhitelistEntry, error) {
	wallet = strings.TrimSpace(wallet)
	if _, err := solana.PublicKeyFromBase58(wallet); err != nil {
		return user.WhitelistEntry{}, fmt.Errorf("%w: wallet address: %v", ErrInvalidInput, err)
	}
	if tier < 0 {
		return user.WhitelistEntry{}, fmt.Errorf("%w: tier %d", ErrInvalidInput, tier)
	}
	if maxAllocation.IsNegative() {
		return user.WhitelistEntry{}, fmt.Errorf("%w: allocation %s", ErrInvalidInput, maxAllocation)
	}

	acct, err := s.users.FindOrCreateUser(ctx, wallet)
	if err != nil {
		return user.WhitelistEntry{}, fmt.Errorf("find or create user: %w", err)
	}
	if !acct.IsWhitelisted || acct.WhitelistTier != tier {
		acct.IsWhitelisted = true
		acct.WhitelistTier = tier
		if _, err := s.users.UpdateUser(ctx, acct); err != nil {
			return user.WhitelistEntry{}, fmt.Errorf("update user: %w", err)
		}
	}

	entry, err := s.whitelist.UpsertWhitelistEntry(ctx, user.WhitelistEntry{
		UserID:        acct.ID,
		Tier:          tier,
		MaxAllocation: maxAllocation,
		ExpiresAt:     expiresAt,
	})
	if err != nil {
		return user.WhitelistEntry{}, fmt.Errorf("upsert whitelist entry: %w", err)
	}
	s.log.WithField("wallet", wallet).WithField("tier", tier).Info("wallet whitelisted")
	return entry, nil
}

// ReferralSummary is the public view of a referral code.
type ReferralSummary struct {
	ReferralCode string
	Wallet       string
	BonusTokens  decimal.Decimal
}

// ReferralByCode resolves a referral code to its owner and accumulated bonus.
func (s *Service) ReferralByCode(ctx context.Context, code string) (ReferralSummary, error) {
	referrer, err := s.users.GetUserByReferralCode(ctx, code)
	if err != nil {
		return ReferralSummary{}, err
	}
	summary := ReferralSummary{
		ReferralCode: referrer.ReferralCode,
		Wallet:       referrer.WalletAddress,
		BonusTokens:  decimal.Zero,
	}
	ref, err := s.referrals.GetReferral(ctx, referrer.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return summary, nil
		}
		return ReferralSummary{}, err
	}
	summary.BonusTokens = ref.BonusTokens
	return summary, nil
}
