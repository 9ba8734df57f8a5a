// Package postgres implements the storage interfaces backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/shibartum/presale-backend/internal/domain/settlement"
	"github.com/shibartum/presale-backend/internal/domain/user"
	"github.com/shibartum/presale-backend/internal/storage"
)

// pq error code for unique constraint violations; this is what turns the
// unique payment_signature index into the idempotency guarantee.
const uniqueViolation = "23505"

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.SettlementStore = (*Store)(nil)
var _ storage.UserStore = (*Store)(nil)
var _ storage.WhitelistStore = (*Store)(nil)
var _ storage.ReferralStore = (*Store)(nil)
var _ storage.SettingsStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation
}

// --- SettlementStore ---------------------------------------------------------

func (s *Store) InsertPending(ctx context.Context, rec settlement.Record) (settlement.Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.Status = settlement.StatusPending
	rec.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settlements (id, user_id, payment_signature, token_amount, native_amount, payment_method, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rec.ID, rec.UserID, rec.PaymentSignature, rec.TokenAmount, rec.NativeAmount, string(rec.PaymentMethod), string(rec.Status), rec.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return settlement.Record{}, storage.ErrDuplicateSettlement
		}
		return settlement.Record{}, err
	}
	return rec, nil
}

func (s *Store) GetSettlement(ctx context.Context, id string) (settlement.Record, error) {
	return s.scanSettlement(s.db.QueryRowContext(ctx, `
		SELECT id, user_id, payment_signature, token_amount, native_amount, payment_method, status, slot, mint_signature, processed_at, created_at
		FROM settlements
		WHERE id = $1
	`, id))
}

func (s *Store) GetSettlementBySignature(ctx context.Context, paymentSignature string) (settlement.Record, error) {
	return s.scanSettlement(s.db.QueryRowContext(ctx, `
		SELECT id, user_id, payment_signature, token_amount, native_amount, payment_method, status, slot, mint_signature, processed_at, created_at
		FROM settlements
		WHERE payment_signature = $1
	`, paymentSignature))
}

func (s *Store) MarkConfirmed(ctx context.Context, id string, slot uint64, mintSignature string) error {
	return s.transition(ctx, id, settlement.StatusConfirmed, sql.NullInt64{Int64: int64(slot), Valid: true}, mintSignature)
}

func (s *Store) MarkFailed(ctx context.Context, id string) error {
	return s.transition(ctx, id, settlement.StatusFailed, sql.NullInt64{}, "")
}

// transition performs a guarded status update: only pending records move. The
// WHERE clause, not application logic, enforces terminality under concurrency.
func (s *Store) transition(ctx context.Context, id string, to settlement.Status, slot sql.NullInt64, mintSignature string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE settlements
		SET status = $2, slot = $3, mint_signature = $4, processed_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, id, string(to), slot, mintSignature)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows > 0 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM settlements WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return storage.ErrNotFound
	}
	return storage.ErrTerminalStatus
}

func (s *Store) ListSettlementsByWallet(ctx context.Context, wallet string) ([]settlement.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.user_id, s.payment_signature, s.token_amount, s.native_amount, s.payment_method, s.status, s.slot, s.mint_signature, s.processed_at, s.created_at
		FROM settlements s
		JOIN presale_users u ON u.id = s.user_id
		WHERE u.wallet_address = $1
		ORDER BY s.created_at DESC
	`, wallet)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSettlements(rows)
}

func (s *Store) ListStalePending(ctx context.Context, cutoff time.Time) ([]settlement.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, payment_signature, token_amount, native_amount, payment_method, status, slot, mint_signature, processed_at, created_at
		FROM settlements
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSettlements(rows)
}

func (s *Store) SettlementStats(ctx context.Context) (settlement.Stats, error) {
	var row struct {
		Total        int64           `db:"total"`
		TokensSold   decimal.Decimal `db:"tokens_sold"`
		NativeRaised decimal.Decimal `db:"native_raised"`
		Confirmed    int64           `db:"confirmed"`
		Pending      int64           `db:"pending"`
		Failed       int64           `db:"failed"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT COUNT(*) AS total,
		       COALESCE(SUM(token_amount) FILTER (WHERE status = 'confirmed'), 0) AS tokens_sold,
		       COALESCE(SUM(native_amount) FILTER (WHERE status = 'confirmed'), 0) AS native_raised,
		       COUNT(*) FILTER (WHERE status = 'confirmed') AS confirmed,
		       COUNT(*) FILTER (WHERE status = 'pending') AS pending,
		       COUNT(*) FILTER (WHERE status = 'failed') AS failed
		FROM settlements
	`)
	if err != nil {
		return settlement.Stats{}, err
	}
	return settlement.Stats{
		TotalSettlements: row.Total,
		TokensSold:       row.TokensSold,
		NativeRaised:     row.NativeRaised,
		Confirmed:        row.Confirmed,
		Pending:          row.Pending,
		Failed:           row.Failed,
	}, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) scanSettlement(row rowScanner) (settlement.Record, error) {
	var (
		rec           settlement.Record
		method        string
		status        string
		slot          sql.NullInt64
		mintSignature sql.NullString
		processedAt   sql.NullTime
	)
	if err := row.Scan(&rec.ID, &rec.UserID, &rec.PaymentSignature, &rec.TokenAmount, &rec.NativeAmount, &method, &status, &slot, &mintSignature, &processedAt, &rec.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return settlement.Record{}, storage.ErrNotFound
		}
		return settlement.Record{}, err
	}
	rec.PaymentMethod = settlement.PaymentMethod(method)
	rec.Status = settlement.Status(status)
	if slot.Valid {
		rec.Slot = uint64(slot.Int64)
	}
	rec.MintSignature = mintSignature.String
	if processedAt.Valid {
		rec.ProcessedAt = processedAt.Time.UTC()
	}
	return rec, nil
}

func collectSettlements(rows *sql.Rows) ([]settlement.Record, error) {
	var result []settlement.Record
	for rows.Next() {
		var (
			rec           settlement.Record
			method        string
			status        string
			slot          sql.NullInt64
			mintSignature sql.NullString
			processedAt   sql.NullTime
		)
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.PaymentSignature, &rec.TokenAmount, &rec.NativeAmount, &method, &status, &slot, &mintSignature, &processedAt, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.PaymentMethod = settlement.PaymentMethod(method)
		rec.Status = settlement.Status(status)
		if slot.Valid {
			rec.Slot = uint64(slot.Int64)
		}
		rec.MintSignature = mintSignature.String
		if processedAt.Valid {
			rec.ProcessedAt = processedAt.Time.UTC()
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// --- UserStore ---------------------------------------------------------------

func (s *Store) FindOrCreateUser(ctx context.Context, wallet string) (user.Account, error) {
	acct, err := s.GetUserByWallet(ctx, wallet)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return user.Account{}, err
	}

	now := time.Now().UTC()
	acct = user.Account{
		ID:            uuid.NewString(),
		WalletAddress: wallet,
		ReferralCode:  user.NewReferralCode(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO presale_users (id, wallet_address, referral_code, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (wallet_address) DO NOTHING
	`, acct.ID, acct.WalletAddress, acct.ReferralCode, acct.CreatedAt, acct.UpdatedAt)
	if err != nil {
		return user.Account{}, err
	}
	// A concurrent upsert may have won the race; read back the winner.
	return s.GetUserByWallet(ctx, wallet)
}

func (s *Store) GetUser(ctx context.Context, id string) (user.Account, error) {
	return s.getUserWhere(ctx, `id = $1`, id)
}

func (s *Store) GetUserByWallet(ctx context.Context, wallet string) (user.Account, error) {
	return s.getUserWhere(ctx, `wallet_address = $1`, wallet)
}

func (s *Store) GetUserByReferralCode(ctx context.Context, code string) (user.Account, error) {
	return s.getUserWhere(ctx, `referral_code = $1`, strings.ToUpper(strings.TrimSpace(code)))
}

func (s *Store) getUserWhere(ctx context.Context, where string, arg interface{}) (user.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, wallet_address, email, referral_code, referred_by, is_whitelisted, whitelist_tier, created_at, updated_at
		FROM presale_users
		WHERE `+where, arg)

	var (
		acct       user.Account
		email      sql.NullString
		referredBy sql.NullString
	)
	if err := row.Scan(&acct.ID, &acct.WalletAddress, &email, &acct.ReferralCode, &referredBy, &acct.IsWhitelisted, &acct.WhitelistTier, &acct.CreatedAt, &acct.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return user.Account{}, storage.ErrNotFound
		}
		return user.Account{}, err
	}
	acct.Email = email.String
	acct.ReferredBy = referredBy.String
	return acct, nil
}

func (s *Store) UpdateUser(ctx context.Context, acct user.Account) (user.Account, error) {
	acct.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE presale_users
		SET email = $2, referred_by = NULLIF($3, ''), is_whitelisted = $4, whitelist_tier = $5, updated_at = $6
		WHERE id = $1
	`, acct.ID, sql.NullString{String: acct.Email, Valid: acct.Email != ""}, acct.ReferredBy, acct.IsWhitelisted, acct.WhitelistTier, acct.UpdatedAt)
	if err != nil {
		return user.Account{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return user.Account{}, storage.ErrNotFound
	}
	return s.GetUser(ctx, acct.ID)
}

// --- WhitelistStore ----------------------------------------------------------

func (s *Store) UpsertWhitelistEntry(ctx context.Context, entry user.WhitelistEntry) (user.WhitelistEntry, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	entry.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO whitelist_entries (id, user_id, tier, max_allocation, used_allocation, expires_at, created_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6)
		ON CONFLICT (user_id) DO UPDATE
		SET tier = EXCLUDED.tier, max_allocation = EXCLUDED.max_allocation, expires_at = EXCLUDED.expires_at
	`, entry.ID, entry.UserID, entry.Tier, entry.MaxAllocation, toNullTime(entry.ExpiresAt), entry.CreatedAt)
	if err != nil {
		return user.WhitelistEntry{}, err
	}
	return s.GetWhitelistEntry(ctx, entry.UserID)
}

func (s *Store) GetWhitelistEntry(ctx context.Context, userID string) (user.WhitelistEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, tier, max_allocation, used_allocation, expires_at, created_at
		FROM whitelist_entries
		WHERE user_id = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`, userID)

	var (
		entry     user.WhitelistEntry
		expiresAt sql.NullTime
	)
	if err := row.Scan(&entry.ID, &entry.UserID, &entry.Tier, &entry.MaxAllocation, &entry.UsedAllocation, &expiresAt, &entry.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return user.WhitelistEntry{}, storage.ErrNotFound
		}
		return user.WhitelistEntry{}, err
	}
	if expiresAt.Valid {
		entry.ExpiresAt = expiresAt.Time.UTC()
	}
	return entry, nil
}

func (s *Store) AddUsedAllocation(ctx context.Context, userID string, amount decimal.Decimal) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE whitelist_entries
		SET used_allocation = used_allocation + $2
		WHERE user_id = $1
	`, userID, amount)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// --- ReferralStore -----------------------------------------------------------

func (s *Store) CreditReferralBonus(ctx context.Context, referrerID string, bonus decimal.Decimal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO referrals (id, referrer_id, bonus_tokens, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, TRUE, NOW(), NOW())
		ON CONFLICT (referrer_id) DO UPDATE
		SET bonus_tokens = referrals.bonus_tokens + EXCLUDED.bonus_tokens, updated_at = NOW()
		WHERE referrals.is_active
	`, uuid.NewString(), referrerID, bonus)
	return err
}

func (s *Store) GetReferral(ctx context.Context, referrerID string) (user.Referral, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, referrer_id, bonus_tokens, is_active, created_at, updated_at
		FROM referrals
		WHERE referrer_id = $1
	`, referrerID)

	var ref user.Referral
	if err := row.Scan(&ref.ID, &ref.ReferrerID, &ref.BonusTokens, &ref.Active, &ref.CreatedAt, &ref.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return user.Referral{}, storage.ErrNotFound
		}
		return user.Referral{}, err
	}
	return ref, nil
}

// --- SettingsStore -----------------------------------------------------------

func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM presale_settings WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO presale_settings (key, value)
		VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, key, value)
	return err
}

func toNullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
