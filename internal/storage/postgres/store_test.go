package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/shibartum/presale-backend/internal/domain/settlement"
	"github.com/shibartum/presale-backend/internal/storage"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "sqlmock")), mock
}

func TestInsertPendingMapsUniqueViolation(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO settlements")).
		WillReturnError(&pq.Error{Code: "23505"})

	_, err := store.InsertPending(context.Background(), settlement.Record{
		UserID:           "u1",
		PaymentSignature: "sig1",
		TokenAmount:      decimal.NewFromInt(1000),
		NativeAmount:     decimal.RequireFromString("0.045"),
		PaymentMethod:    settlement.PaymentSOL,
	})
	if !errors.Is(err, storage.ErrDuplicateSettlement) {
		t.Fatalf("expected ErrDuplicateSettlement, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestInsertPendingGeneratesID(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO settlements")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec, err := store.InsertPending(context.Background(), settlement.Record{
		UserID:           "u1",
		PaymentSignature: "sig1",
		TokenAmount:      decimal.NewFromInt(1000),
	})
	if err != nil {
		t.Fatalf("InsertPending: %v", err)
	}
	if rec.ID == "" {
		t.Fatal("expected generated id")
	}
	if rec.Status != settlement.StatusPending {
		t.Fatalf("expected pending, got %s", rec.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMarkConfirmedTransitionsPendingOnly(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE settlements")).
		WithArgs("s1", "confirmed", sqlmock.AnyArg(), "mint-sig").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.MarkConfirmed(context.Background(), "s1", 4242, "mint-sig"); err != nil {
		t.Fatalf("MarkConfirmed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMarkConfirmedOnTerminalRecord(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE settlements")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	err := store.MarkConfirmed(context.Background(), "s1", 4242, "mint-sig")
	if !errors.Is(err, storage.ErrTerminalStatus) {
		t.Fatalf("expected ErrTerminalStatus, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMarkFailedOnMissingRecord(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE settlements")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	err := store.MarkFailed(context.Background(), "missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetSettlementScansNullableColumns(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	cols := []string{"id", "user_id", "payment_signature", "token_amount", "native_amount", "payment_method", "status", "slot", "mint_signature", "processed_at", "created_at"}
	mock.ExpectQuery(regexp.QuoteMeta("FROM settlements")).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("s1", "u1", "sig1", "1000", "0.045", "SOL", "pending", nil, nil, nil, created))

	rec, err := store.GetSettlement(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GetSettlement: %v", err)
	}
	if rec.Status != settlement.StatusPending {
		t.Fatalf("expected pending, got %s", rec.Status)
	}
	if rec.Slot != 0 || rec.MintSignature != "" || !rec.ProcessedAt.IsZero() {
		t.Fatalf("expected zero values for null columns, got %+v", rec)
	}
	if !rec.TokenAmount.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("expected 1000 tokens, got %s", rec.TokenAmount)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetSettlementNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM settlements")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.GetSettlement(context.Background(), "missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetSettingNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM presale_settings")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"value"}))

	_, err := store.GetSetting(context.Background(), "missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFindOrCreateUserReadsBackAfterConflict(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	cols := []string{"id", "wallet_address", "email", "referral_code", "referred_by", "is_whitelisted", "whitelist_tier", "created_at", "updated_at"}

	// First lookup misses, the insert hits the conflict clause, the second
	// lookup returns the row a concurrent writer created.
	mock.ExpectQuery(regexp.QuoteMeta("FROM presale_users")).
		WillReturnRows(sqlmock.NewRows(cols))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO presale_users")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM presale_users")).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("u1", "wallet1", nil, "ABCD1234", nil, false, 0, now, now))

	acct, err := store.FindOrCreateUser(context.Background(), "wallet1")
	if err != nil {
		t.Fatalf("FindOrCreateUser: %v", err)
	}
	if acct.ID != "u1" || acct.ReferralCode != "ABCD1234" {
		t.Fatalf("unexpected account %+v", acct)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
