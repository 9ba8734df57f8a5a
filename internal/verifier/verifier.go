// Package verifier validates purchase claims against the ledger: the claimed
// payment must exist, have succeeded, have moved enough lamports to the
// treasury, and have been sent by the claiming wallet.
package verifier

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"github.com/shibartum/presale-backend/internal/chain"
	"github.com/shibartum/presale-backend/internal/domain/settlement"
	"github.com/shibartum/presale-backend/pkg/logger"
)

// lamportsPerSol converts SOL amounts to the ledger's base unit.
var lamportsPerSol = decimal.NewFromInt(1_000_000_000)

// paymentTolerance is the minimum accepted fraction of the expected payment.
// Small shortfalls come from wallet rounding, not underpayment.
var paymentTolerance = decimal.NewFromFloat(0.99)

// Gateway fetches transactions from the ledger.
type Gateway interface {
	FetchTransaction(ctx context.Context, sig solana.Signature) (chain.Transaction, error)
}

// PriceSource reports the current token price in SOL per token.
type PriceSource interface {
	CurrentTokenPrice(ctx context.Context) (decimal.Decimal, error)
}

// Error is a verification rejection carrying a machine-readable reason code.
type Error struct {
	Reason string
	err    error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("verification failed (%s): %v", e.Reason, e.err)
	}
	return fmt.Sprintf("verification failed (%s)", e.Reason)
}

func (e *Error) Unwrap() error { return e.err }

func reject(reason string, err error) *Error {
	return &Error{Reason: reason, err: err}
}

// Verifier checks purchase claims against on-chain payment transactions.
type Verifier struct {
	gateway  Gateway
	prices   PriceSource
	treasury solana.PublicKey
	log      *logger.Logger
}

// New creates a verifier. Payments are considered valid only when they credit
// the treasury address.
func New(gateway Gateway, prices PriceSource, treasury solana.PublicKey, log *logger.Logger) *Verifier {
	if log == nil {
		log = logger.NewDefault("verifier")
	}
	return &Verifier{gateway: gateway, prices: prices, treasury: treasury, log: log}
}

// Verify checks the claim against the ledger and returns the verified payment
// facts on success. On rejection it returns an *Error whose Reason is one of
// the settlement reason codes; infrastructure failures surface as
// gateway_unavailable and may be retried by the caller.
func (v *Verifier) Verify(ctx context.Context, claim settlement.PurchaseClaim) (settlement.VerifiedPayment, error) {
	sig, err := solana.SignatureFromBase58(claim.PaymentSignature)
	if err != nil {
		return settlement.VerifiedPayment{}, reject(settlement.ReasonInvalidIdentifier, fmt.Errorf("payment signature: %w", err))
	}
	buyer, err := solana.PublicKeyFromBase58(claim.BuyerAddress)
	if err != nil {
		return settlement.VerifiedPayment{}, reject(settlement.ReasonInvalidIdentifier, fmt.Errorf("buyer address: %w", err))
	}

	tx, err := v.gateway.FetchTransaction(ctx, sig)
	if err != nil {
		switch {
		case errors.Is(err, chain.ErrTransactionNotFound):
			return settlement.VerifiedPayment{}, reject(settlement.ReasonPaymentNotFound, err)
		default:
			return settlement.VerifiedPayment{}, reject(settlement.ReasonGatewayUnavailable, err)
		}
	}

	if tx.Failed {
		return settlement.VerifiedPayment{}, reject(settlement.ReasonOnChainFailure, fmt.Errorf("transaction failed on chain: %s", tx.FailureDetail))
	}

	delta, err := tx.BalanceDelta(v.treasury)
	if err != nil {
		if errors.Is(err, chain.ErrAddressNotInTransaction) {
			return settlement.VerifiedPayment{}, reject(settlement.ReasonRecipientNotFound, err)
		}
		return settlement.VerifiedPayment{}, reject(settlement.ReasonGatewayUnavailable, err)
	}

	price, err := v.prices.CurrentTokenPrice(ctx)
	if err != nil {
		return settlement.VerifiedPayment{}, reject(settlement.ReasonGatewayUnavailable, fmt.Errorf("token price: %w", err))
	}
	expected := claim.TokenAmount.Mul(price).Mul(lamportsPerSol)
	minimum := expected.Mul(paymentTolerance)

	paid := decimal.NewFromInt(delta)
	if paid.LessThan(minimum) {
		return settlement.VerifiedPayment{}, reject(settlement.ReasonInsufficientPayment,
			fmt.Errorf("paid %s lamports, need at least %s", paid, minimum.Ceil()))
	}

	if !tx.Sender.Equals(buyer) {
		return settlement.VerifiedPayment{}, reject(settlement.ReasonSenderMismatch,
			fmt.Errorf("payment sent by %s, claimed by %s", tx.Sender, buyer))
	}

	v.log.WithField("signature", claim.PaymentSignature).
		WithField("slot", tx.Slot).
		WithField("lamports", delta).
		Debug("payment verified")

	return settlement.VerifiedPayment{
		PaymentSignature: claim.PaymentSignature,
		Slot:             tx.Slot,
		PaidLamports:     delta,
		Sender:           tx.Sender.String(),
		Recipient:        v.treasury.String(),
	}, nil
}
