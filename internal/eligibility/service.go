// Package eligibility decides whether a buyer may purchase and exposes the
// presale settings that govern pricing and referral bonuses.
package eligibility

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/shibartum/presale-backend/internal/domain/user"
	"github.com/shibartum/presale-backend/internal/storage"
	"github.com/shibartum/presale-backend/pkg/logger"
)

// Setting keys read by the service.
const (
	SettingTokenPriceSOL        = "token_price_sol"
	SettingWhitelistEnabled     = "whitelist_enabled"
	SettingReferralBonusPercent = "referral_bonus_percent"
)

// Defaults applied when a setting row is absent or unreadable.
var (
	defaultTokenPrice   = decimal.RequireFromString("0.000045")
	defaultBonusPercent = decimal.NewFromInt(5)
)

// IneligibleError reports why a buyer may not purchase right now.
type IneligibleError struct {
	Detail string
}

func (e *IneligibleError) Error() string {
	return fmt.Sprintf("buyer not eligible: %s", e.Detail)
}

// Service evaluates purchase eligibility against whitelist state and
// per-buyer allocations.
type Service struct {
	whitelist storage.WhitelistStore
	settings  storage.SettingsStore
	log       *logger.Logger
}

// NewService creates an eligibility service.
func NewService(whitelist storage.WhitelistStore, settings storage.SettingsStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("eligibility")
	}
	return &Service{whitelist: whitelist, settings: settings, log: log}
}

// CheckEligible returns nil when the account may purchase amount tokens. When
// whitelisting is disabled every account is eligible. When enabled, the
// account must be whitelisted; an allocation entry, if one exists, must have
// enough remaining capacity. Absence of an entry means the account has no
// allocation cap.
func (s *Service) CheckEligible(ctx context.Context, acct user.Account, amount decimal.Decimal) error {
	enabled, err := s.whitelistEnabled(ctx)
	if err != nil {
		return err
	}
	if !enabled {
		return nil
	}

	if !acct.IsWhitelisted {
		return &IneligibleError{Detail: "wallet is not whitelisted"}
	}

	entry, err := s.whitelist.GetWhitelistEntry(ctx, acct.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load whitelist entry: %w", err)
	}
	if remaining := entry.Remaining(); remaining.LessThan(amount) {
		return &IneligibleError{Detail: fmt.Sprintf("allocation exceeded: %s tokens remaining", remaining)}
	}
	return nil
}

func (s *Service) whitelistEnabled(ctx context.Context) (bool, error) {
	raw, err := s.settings.GetSetting(ctx, SettingWhitelistEnabled)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("load whitelist setting: %w", err)
	}
	return raw == "true", nil
}

// CurrentTokenPrice returns the token price in SOL per token, falling back to
// the launch price when the setting is absent.
func (s *Service) CurrentTokenPrice(ctx context.Context) (decimal.Decimal, error) {
	raw, err := s.settings.GetSetting(ctx, SettingTokenPriceSOL)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return defaultTokenPrice, nil
		}
		return decimal.Zero, fmt.Errorf("load price setting: %w", err)
	}
	price, err := decimal.NewFromString(raw)
	if err != nil || !price.IsPositive() {
		s.log.WithField("value", raw).Warn("invalid token price setting, using default")
		return defaultTokenPrice, nil
	}
	return price, nil
}

// ReferralBonusPercent returns the percentage of purchased tokens credited to
// the referrer on a confirmed settlement.
func (s *Service) ReferralBonusPercent(ctx context.Context) (decimal.Decimal, error) {
	raw, err := s.settings.GetSetting(ctx, SettingReferralBonusPercent)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return defaultBonusPercent, nil
		}
		return decimal.Zero, fmt.Errorf("load referral bonus setting: %w", err)
	}
	pct, err := decimal.NewFromString(raw)
	if err != nil || pct.IsNegative() {
		s.log.WithField("value", raw).Warn("invalid referral bonus setting, using default")
		return defaultBonusPercent, nil
	}
	return pct, nil
}
