// Package user defines buyer accounts, whitelist entries and referral rows.
package user

import (
	"crypto/rand"
	"time"

	"github.com/shopspring/decimal"
)

// Account is a buyer identified by wallet address. Accounts are created
// lazily on first contact; everything except the wallet address is optional.
type Account struct {
	ID            string
	WalletAddress string
	Email         string
	ReferralCode  string
	// ReferredBy is the account ID of the referrer, empty when the buyer was
	// not referred. It is a lookup-only back-reference.
	ReferredBy    string
	IsWhitelisted bool
	WhitelistTier int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// WhitelistEntry caps how many tokens a whitelisted buyer may purchase.
// UsedAllocation never exceeds MaxAllocation.
type WhitelistEntry struct {
	ID             string
	UserID         string
	Tier           int
	MaxAllocation  decimal.Decimal
	UsedAllocation decimal.Decimal
	ExpiresAt      time.Time
	CreatedAt      time.Time
}

// Remaining returns the unspent allocation.
func (e WhitelistEntry) Remaining() decimal.Decimal {
	return e.MaxAllocation.Sub(e.UsedAllocation)
}

// Referral accumulates bonus tokens earned by a referrer.
type Referral struct {
	ID          string
	ReferrerID  string
	BonusTokens decimal.Decimal
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

const referralCodeCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// NewReferralCode generates an 8-character shareable referral code.
func NewReferralCode() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	for i, b := range buf {
		buf[i] = referralCodeCharset[int(b)%len(referralCodeCharset)]
	}
	return string(buf)
}
