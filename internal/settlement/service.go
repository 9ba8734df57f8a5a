// Package settlement coordinates the pipeline that turns a purchase claim
// into delivered tokens: validate, verify against the ledger, record exactly
// once, mint, and credit referrals.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/shibartum/presale-backend/internal/chain"
	domain "github.com/shibartum/presale-backend/internal/domain/settlement"
	"github.com/shibartum/presale-backend/internal/eligibility"
	"github.com/shibartum/presale-backend/internal/storage"
	"github.com/shibartum/presale-backend/internal/verifier"
	"github.com/shibartum/presale-backend/pkg/logger"
)

const (
	// duplicateWait bounds how long a duplicate claim waits for the first
	// settlement of the same signature to reach a terminal status.
	duplicateWait = 5 * time.Second
	// duplicatePollInterval is the store polling cadence during that wait.
	duplicatePollInterval = 100 * time.Millisecond
)

var hundred = decimal.NewFromInt(100)

// Verifier checks a claim against the ledger.
type Verifier interface {
	Verify(ctx context.Context, claim domain.PurchaseClaim) (domain.VerifiedPayment, error)
}

// Deliverer mints purchased tokens to the buyer.
type Deliverer interface {
	MintAndDeliver(ctx context.Context, recipient solana.PublicKey, amount decimal.Decimal) (solana.Signature, error)
}

// Recorder receives settlement outcomes for metrics. Implementations must be
// safe for concurrent use.
type Recorder interface {
	RecordSettlement(status, reason string)
	RecordVerificationRejection(reason string)
}

// Service is the settlement coordinator.
type Service struct {
	settlements storage.SettlementStore
	users       storage.UserStore
	whitelist   storage.WhitelistStore
	referrals   storage.ReferralStore
	verifier    Verifier
	deliverer   Deliverer
	eligibility *eligibility.Service
	recorder    Recorder
	log         *logger.Logger

	// sleep is swapped out by tests to avoid real delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// Deps bundles the coordinator's collaborators.
type Deps struct {
	Settlements storage.SettlementStore
	Users       storage.UserStore
	Whitelist   storage.WhitelistStore
	Referrals   storage.ReferralStore
	Verifier    Verifier
	Deliverer   Deliverer
	Eligibility *eligibility.Service
	Recorder    Recorder
	Logger      *logger.Logger
}

// NewService creates the settlement coordinator.
func NewService(deps Deps) *Service {
	log := deps.Logger
	if log == nil {
		log = logger.NewDefault("settlement")
	}
	return &Service{
		settlements: deps.Settlements,
		users:       deps.Users,
		whitelist:   deps.Whitelist,
		referrals:   deps.Referrals,
		verifier:    deps.Verifier,
		deliverer:   deps.Deliverer,
		eligibility: deps.Eligibility,
		recorder:    deps.Recorder,
		log:         log,
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		},
	}
}

// Settle processes a purchase claim end to end and reports the outcome. All
// claim-level rejections come back as an Outcome with a reason code and a nil
// error; a non-nil error means the pipeline itself broke and nothing about
// the claim was decided.
func (s *Service) Settle(ctx context.Context, claim domain.PurchaseClaim) (domain.Outcome, error) {
	if err := claim.Validate(); err != nil {
		s.log.WithError(err).Debug("claim rejected")
		return s.rejected(domain.ReasonInvalidClaim), nil
	}

	acct, err := s.users.FindOrCreateUser(ctx, claim.BuyerAddress)
	if err != nil {
		return domain.Outcome{}, fmt.Errorf("find or create user: %w", err)
	}

	if err := s.eligibility.CheckEligible(ctx, acct, claim.TokenAmount); err != nil {
		var ineligible *eligibility.IneligibleError
		if errors.As(err, &ineligible) {
			s.log.WithField("wallet", claim.BuyerAddress).WithError(err).Info("purchase not eligible")
			return s.rejected(domain.ReasonIneligible), nil
		}
		return domain.Outcome{}, err
	}

	verified, err := s.verifier.Verify(ctx, claim)
	if err != nil {
		var verr *verifier.Error
		if errors.As(err, &verr) {
			s.log.WithField("signature", claim.PaymentSignature).WithError(err).Info("payment verification rejected")
			if s.recorder != nil {
				s.recorder.RecordVerificationRejection(verr.Reason)
			}
			return s.rejected(verr.Reason), nil
		}
		return domain.Outcome{}, fmt.Errorf("verify payment: %w", err)
	}

	// The payment is real from here on. Recording and delivery must finish
	// even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	rec := domain.Record{
		ID:               uuid.NewString(),
		UserID:           acct.ID,
		PaymentSignature: claim.PaymentSignature,
		TokenAmount:      claim.TokenAmount,
		NativeAmount:     decimal.NewFromInt(verified.PaidLamports).Shift(-9),
		PaymentMethod:    claim.PaymentMethod,
		Status:           domain.StatusPending,
		CreatedAt:        time.Now().UTC(),
	}
	rec, err = s.settlements.InsertPending(ctx, rec)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicateSettlement) {
			return s.resolveDuplicate(ctx, claim.PaymentSignature)
		}
		return domain.Outcome{}, fmt.Errorf("record settlement: %w", err)
	}

	return s.deliver(ctx, rec, acct.ReferredBy, verified)
}

// deliver mints the purchased tokens for a freshly recorded settlement and
// finalizes the record.
func (s *Service) deliver(ctx context.Context, rec domain.Record, referrerID string, verified domain.VerifiedPayment) (domain.Outcome, error) {
	recipient, err := solana.PublicKeyFromBase58(verified.Sender)
	if err != nil {
		// Unreachable after verification, but a bad recipient must not leave
		// the record pending forever.
		if ferr := s.settlements.MarkFailed(ctx, rec.ID); ferr != nil {
			s.log.WithField("settlement_id", rec.ID).WithError(ferr).Error("mark failed after bad recipient")
		}
		return s.outcome(rec.ID, domain.StatusFailed, domain.ReasonInvalidIdentifier, "", rec), nil
	}

	mintSig, err := s.deliverer.MintAndDeliver(ctx, recipient, rec.TokenAmount)
	switch {
	case err == nil:
		// fallthrough to confirmation below
	case errors.Is(err, chain.ErrTransferUnconfirmed):
		// The mint may have landed. The record stays pending so an operator
		// can reconcile it against the ledger; retrying here could deliver
		// tokens twice.
		s.log.WithField("settlement_id", rec.ID).
			WithField("mint_signature", mintSig.String()).
			WithError(err).
			Warn("token delivery unconfirmed, leaving settlement pending")
		return s.outcome(rec.ID, domain.StatusPending, domain.ReasonTransferUnconfirmed, mintSig.String(), rec), nil
	default:
		if ferr := s.settlements.MarkFailed(ctx, rec.ID); ferr != nil {
			s.log.WithField("settlement_id", rec.ID).WithError(ferr).Error("mark failed after delivery failure")
		}
		s.log.WithField("settlement_id", rec.ID).WithError(err).Error("token delivery failed")
		return s.outcome(rec.ID, domain.StatusFailed, domain.ReasonTransferFailed, "", rec), nil
	}

	if err := s.settlements.MarkConfirmed(ctx, rec.ID, verified.Slot, mintSig.String()); err != nil {
		// Tokens are delivered; a confirmation write failure leaves the record
		// pending for the reconciler rather than losing the delivery.
		s.log.WithField("settlement_id", rec.ID).WithError(err).Error("mark confirmed failed after delivery")
		return s.outcome(rec.ID, domain.StatusPending, domain.ReasonTransferUnconfirmed, mintSig.String(), rec), nil
	}

	s.creditSideEffects(ctx, rec, referrerID)

	s.log.WithField("settlement_id", rec.ID).
		WithField("mint_signature", mintSig.String()).
		WithField("tokens", rec.TokenAmount.String()).
		Info("settlement confirmed")
	return s.outcome(rec.ID, domain.StatusConfirmed, "", mintSig.String(), rec), nil
}

// creditSideEffects applies the best-effort bookkeeping a confirmed
// settlement triggers. Failures are logged, never surfaced: the settlement
// itself already succeeded.
func (s *Service) creditSideEffects(ctx context.Context, rec domain.Record, referrerID string) {
	if err := s.whitelist.AddUsedAllocation(ctx, rec.UserID, rec.TokenAmount); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.log.WithField("user_id", rec.UserID).WithError(err).Warn("allocation bookkeeping failed")
	}

	if referrerID == "" {
		return
	}
	pct, err := s.eligibility.ReferralBonusPercent(ctx)
	if err != nil {
		s.log.WithError(err).Warn("referral bonus policy unavailable")
		return
	}
	bonus := rec.TokenAmount.Mul(pct).Div(hundred)
	if !bonus.IsPositive() {
		return
	}
	if err := s.referrals.CreditReferralBonus(ctx, referrerID, bonus); err != nil {
		s.log.WithField("referrer_id", referrerID).WithError(err).Warn("referral credit failed")
		return
	}
	s.log.WithField("referrer_id", referrerID).
		WithField("bonus", bonus.String()).
		Info("referral bonus credited")
}

// resolveDuplicate handles a claim whose payment signature is already
// recorded. If the original settlement is still in flight it waits a bounded
// time for the terminal status so concurrent duplicates of the same payment
// observe the same result.
func (s *Service) resolveDuplicate(ctx context.Context, paymentSignature string) (domain.Outcome, error) {
	deadline := time.Now().Add(duplicateWait)
	for {
		rec, err := s.settlements.GetSettlementBySignature(ctx, paymentSignature)
		if err != nil {
			return domain.Outcome{}, fmt.Errorf("load duplicate settlement: %w", err)
		}
		if rec.Status.Terminal() || time.Now().After(deadline) {
			s.log.WithField("signature", paymentSignature).
				WithField("settlement_id", rec.ID).
				WithField("status", string(rec.Status)).
				Info("duplicate claim resolved to existing settlement")
			return s.outcome(rec.ID, rec.Status, domain.ReasonAlreadyProcessed, rec.MintSignature, rec), nil
		}
		if err := s.sleep(ctx, duplicatePollInterval); err != nil {
			return domain.Outcome{}, err
		}
	}
}

func (s *Service) rejected(reason string) domain.Outcome {
	if s.recorder != nil {
		s.recorder.RecordSettlement(string(domain.StatusRejected), reason)
	}
	return domain.Outcome{Status: domain.StatusRejected, Reason: reason}
}

func (s *Service) outcome(id string, status domain.Status, reason, mintSig string, rec domain.Record) domain.Outcome {
	if s.recorder != nil {
		s.recorder.RecordSettlement(string(status), reason)
	}
	return domain.Outcome{
		SettlementID:  id,
		Status:        status,
		Reason:        reason,
		MintSignature: mintSig,
		TokenAmount:   rec.TokenAmount,
		NativeAmount:  rec.NativeAmount,
	}
}

// SettlementsByWallet lists a buyer's settlement history, newest first.
func (s *Service) SettlementsByWallet(ctx context.Context, wallet string) ([]domain.Record, error) {
	return s.settlements.ListSettlementsByWallet(ctx, wallet)
}

// Stats aggregates presale-wide settlement figures.
func (s *Service) Stats(ctx context.Context) (domain.Stats, error) {
	return s.settlements.SettlementStats(ctx)
}
