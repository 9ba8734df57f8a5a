package verifier

import (
	"context"
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"github.com/shibartum/presale-backend/internal/chain"
	"github.com/shibartum/presale-backend/internal/domain/settlement"
)

var (
	buyerKey    = solana.MustPublicKeyFromBase58("4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T")
	treasuryKey = solana.MustPublicKeyFromBase58("So11111111111111111111111111111111111111112")
	otherKey    = solana.MustPublicKeyFromBase58("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
)

type fakeGateway struct {
	tx  chain.Transaction
	err error
}

func (g *fakeGateway) FetchTransaction(ctx context.Context, sig solana.Signature) (chain.Transaction, error) {
	if g.err != nil {
		return chain.Transaction{}, g.err
	}
	return g.tx, nil
}

type fixedPrice struct{ price decimal.Decimal }

func (p fixedPrice) CurrentTokenPrice(ctx context.Context) (decimal.Decimal, error) {
	return p.price, nil
}

// paymentTx builds a transaction in which the buyer paid the treasury the
// given number of lamports.
func paymentTx(lamports uint64) chain.Transaction {
	return chain.Transaction{
		Slot:         99887,
		Sender:       buyerKey,
		AccountKeys:  []solana.PublicKey{buyerKey, treasuryKey},
		PreBalances:  []uint64{10_000_000_000, 500_000_000},
		PostBalances: []uint64{10_000_000_000 - lamports - 5000, 500_000_000 + lamports},
	}
}

func testClaim() settlement.PurchaseClaim {
	var sig solana.Signature
	for i := range sig {
		sig[i] = byte(i + 1)
	}
	return settlement.PurchaseClaim{
		PaymentSignature: sig.String(),
		BuyerAddress:     buyerKey.String(),
		TokenAmount:      decimal.NewFromInt(1000),
		PaymentMethod:    settlement.PaymentSOL,
	}
}

func newVerifier(gw Gateway) *Verifier {
	// 0.000045 SOL per token, so 1000 tokens cost 45,000,000 lamports.
	return New(gw, fixedPrice{price: decimal.RequireFromString("0.000045")}, treasuryKey, nil)
}

func reasonOf(t *testing.T, err error) string {
	t.Helper()
	var verr *Error
	if !errors.As(err, &verr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	return verr.Reason
}

func TestVerifyAcceptsExactPayment(t *testing.T) {
	v := newVerifier(&fakeGateway{tx: paymentTx(45_000_000)})
	got, err := v.Verify(context.Background(), testClaim())
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got.Slot != 99887 {
		t.Fatalf("expected slot 99887, got %d", got.Slot)
	}
	if got.PaidLamports != 45_000_000 {
		t.Fatalf("expected 45000000 lamports, got %d", got.PaidLamports)
	}
	if got.Sender != buyerKey.String() {
		t.Fatalf("unexpected sender %s", got.Sender)
	}
}

func TestVerifyAcceptsPaymentAtTolerance(t *testing.T) {
	// 99% of 45,000,000 is 44,550,000. Exactly at the bound passes.
	v := newVerifier(&fakeGateway{tx: paymentTx(44_550_000)})
	if _, err := v.Verify(context.Background(), testClaim()); err != nil {
		t.Fatalf("Verify at tolerance bound: %v", err)
	}
}

func TestVerifyRejectsPaymentBelowTolerance(t *testing.T) {
	v := newVerifier(&fakeGateway{tx: paymentTx(44_549_999)})
	_, err := v.Verify(context.Background(), testClaim())
	if r := reasonOf(t, err); r != settlement.ReasonInsufficientPayment {
		t.Fatalf("expected insufficient_payment, got %s", r)
	}
}

func TestVerifyRejectsSenderMismatch(t *testing.T) {
	tx := paymentTx(45_000_000)
	tx.Sender = otherKey
	tx.AccountKeys[0] = otherKey
	v := newVerifier(&fakeGateway{tx: tx})
	claim := testClaim()
	// Treasury still appears in the key list, so the delta check passes and
	// the sender binding is what rejects the claim.
	_, err := v.Verify(context.Background(), claim)
	if r := reasonOf(t, err); r != settlement.ReasonSenderMismatch {
		t.Fatalf("expected sender_mismatch, got %s", r)
	}
}

func TestVerifyRejectsOnchainFailure(t *testing.T) {
	tx := paymentTx(45_000_000)
	tx.Failed = true
	tx.FailureDetail = "InstructionError"
	v := newVerifier(&fakeGateway{tx: tx})
	_, err := v.Verify(context.Background(), testClaim())
	if r := reasonOf(t, err); r != settlement.ReasonOnChainFailure {
		t.Fatalf("expected onchain_failure, got %s", r)
	}
}

func TestVerifyRejectsWhenTreasuryAbsent(t *testing.T) {
	tx := paymentTx(45_000_000)
	tx.AccountKeys = []solana.PublicKey{buyerKey, otherKey}
	v := newVerifier(&fakeGateway{tx: tx})
	_, err := v.Verify(context.Background(), testClaim())
	if r := reasonOf(t, err); r != settlement.ReasonRecipientNotFound {
		t.Fatalf("expected recipient_not_found, got %s", r)
	}
}

func TestVerifyRejectsMalformedIdentifiers(t *testing.T) {
	v := newVerifier(&fakeGateway{tx: paymentTx(45_000_000)})

	claim := testClaim()
	claim.PaymentSignature = "not-base58-III"
	_, err := v.Verify(context.Background(), claim)
	if r := reasonOf(t, err); r != settlement.ReasonInvalidIdentifier {
		t.Fatalf("expected invalid_identifier for signature, got %s", r)
	}

	claim = testClaim()
	claim.BuyerAddress = "0x00"
	_, err = v.Verify(context.Background(), claim)
	if r := reasonOf(t, err); r != settlement.ReasonInvalidIdentifier {
		t.Fatalf("expected invalid_identifier for wallet, got %s", r)
	}
}

func TestVerifyMapsGatewayErrors(t *testing.T) {
	v := newVerifier(&fakeGateway{err: chain.ErrTransactionNotFound})
	_, err := v.Verify(context.Background(), testClaim())
	if r := reasonOf(t, err); r != settlement.ReasonPaymentNotFound {
		t.Fatalf("expected payment_not_found, got %s", r)
	}

	v = newVerifier(&fakeGateway{err: chain.ErrGatewayUnavailable})
	_, err = v.Verify(context.Background(), testClaim())
	if r := reasonOf(t, err); r != settlement.ReasonGatewayUnavailable {
		t.Fatalf("expected gateway_unavailable, got %s", r)
	}
}
