// Package settlement defines the records and outcomes of the
// payment-verification-and-settlement pipeline.
package settlement

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a settlement record. A record is created
// pending and transitions exactly once to confirmed or failed; both are
// terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"

	// StatusRejected is reported for claims that never produced a settlement
	// record. It appears only in outcomes, never in the store.
	StatusRejected Status = "rejected"
)

// Terminal reports whether no further transition is permitted from s.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// PaymentMethod identifies what the buyer paid with.
type PaymentMethod string

const (
	PaymentSOL PaymentMethod = "SOL"
)

// Claim validation bounds. Solana signatures are 87-88 characters in base58
// and wallet addresses 32-44; the wider bounds match what wallets emit in
// practice.
const (
	minSignatureLen = 80
	maxSignatureLen = 90
	minWalletLen    = 32
	maxWalletLen    = 44
)

// PurchaseClaim is the immutable inbound claim that a payment happened
// on-chain. It carries the buyer's assertion only; nothing in it is trusted
// until the verifier has checked it against the ledger.
type PurchaseClaim struct {
	PaymentSignature string
	BuyerAddress     string
	TokenAmount      decimal.Decimal
	PaymentMethod    PaymentMethod
}

// Validate rejects malformed claims before any ledger or store work happens.
func (c PurchaseClaim) Validate() error {
	sig := strings.TrimSpace(c.PaymentSignature)
	if n := len(sig); n < minSignatureLen || n > maxSignatureLen {
		return fmt.Errorf("payment signature length %d outside [%d,%d]", n, minSignatureLen, maxSignatureLen)
	}
	wallet := strings.TrimSpace(c.BuyerAddress)
	if n := len(wallet); n < minWalletLen || n > maxWalletLen {
		return fmt.Errorf("buyer address length %d outside [%d,%d]", n, minWalletLen, maxWalletLen)
	}
	if c.TokenAmount.LessThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("token amount %s below minimum purchase of 1", c.TokenAmount)
	}
	return nil
}

// VerifiedPayment is the evidence produced by the verifier: what the ledger
// actually shows for a claim. It is never persisted; the settlement record is
// derived from it.
type VerifiedPayment struct {
	PaymentSignature string
	Slot             uint64
	// PaidLamports is the recipient's observed balance increase in native
	// base units.
	PaidLamports int64
	Sender       string
	Recipient    string
}

// Record is the persisted settlement of one payment signature. Uniqueness of
// PaymentSignature in the store is the idempotency invariant: the same
// on-chain payment can never settle twice.
type Record struct {
	ID               string
	UserID           string
	PaymentSignature string
	TokenAmount      decimal.Decimal
	NativeAmount     decimal.Decimal
	PaymentMethod    PaymentMethod
	Status           Status
	// Slot is the ledger slot of the verified payment, recorded on
	// confirmation as settlement proof. Zero until confirmed.
	Slot uint64
	// MintSignature is the signature of the token delivery transaction.
	MintSignature string
	ProcessedAt   time.Time
	CreatedAt     time.Time
}

// Reason codes reported to the caller so a client can decide whether to
// resubmit a new payment, wait, or contact support.
const (
	ReasonInvalidClaim        = "invalid_claim"
	ReasonInvalidIdentifier   = "invalid_identifier"
	ReasonPaymentNotFound     = "payment_not_found"
	ReasonOnChainFailure      = "onchain_failure"
	ReasonRecipientNotFound   = "recipient_not_found"
	ReasonInsufficientPayment = "insufficient_payment"
	ReasonSenderMismatch      = "sender_mismatch"
	ReasonGatewayUnavailable  = "gateway_unavailable"
	ReasonIneligible          = "ineligible"
	ReasonAlreadyProcessed    = "already_processed"
	ReasonTransferFailed      = "transfer_failed"
	ReasonTransferUnconfirmed = "transfer_unconfirmed"
)

// Outcome is what the coordinator reports back for a claim.
type Outcome struct {
	SettlementID  string
	Status        Status
	Reason        string
	MintSignature string
	TokenAmount   decimal.Decimal
	NativeAmount  decimal.Decimal
}

// Stats aggregates settlement records for the presale dashboard.
type Stats struct {
	TotalSettlements int64
	TokensSold       decimal.Decimal
	NativeRaised     decimal.Decimal
	Confirmed        int64
	Pending          int64
	Failed           int64
}
