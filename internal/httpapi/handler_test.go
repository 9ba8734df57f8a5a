package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/shibartum/presale-backend/internal/account"
	domain "github.com/shibartum/presale-backend/internal/domain/settlement"
	"github.com/shibartum/presale-backend/internal/eligibility"
	"github.com/shibartum/presale-backend/internal/settlement"
	"github.com/shibartum/presale-backend/internal/storage/memory"
)

const testWallet = "4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T"

type stubVerifier struct{ err error }

func (s *stubVerifier) Verify(ctx context.Context, claim domain.PurchaseClaim) (domain.VerifiedPayment, error) {
	if s.err != nil {
		return domain.VerifiedPayment{}, s.err
	}
	return domain.VerifiedPayment{
		PaymentSignature: claim.PaymentSignature,
		Slot:             777,
		PaidLamports:     45_000_000,
		Sender:           claim.BuyerAddress,
	}, nil
}

type stubDeliverer struct{ err error }

func (s *stubDeliverer) MintAndDeliver(ctx context.Context, recipient solana.PublicKey, amount decimal.Decimal) (solana.Signature, error) {
	if s.err != nil {
		return solana.Signature{}, s.err
	}
	var sig solana.Signature
	sig[0] = 3
	return sig, nil
}

type testAPI struct {
	router *gin.Engine
	store  *memory.Store
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	store := memory.New()
	elig := eligibility.NewService(store, store, nil)
	settleSvc := settlement.NewService(settlement.Deps{
		Settlements: store,
		Users:       store,
		Whitelist:   store,
		Referrals:   store,
		Verifier:    &stubVerifier{},
		Deliverer:   &stubDeliverer{},
		Eligibility: elig,
	})
	accounts := account.NewService(store, store, store, nil)
	h := NewHandler(settleSvc, accounts, elig, nil, nil, nil)
	return &testAPI{router: h.Router(), store: store}
}

func (a *testAPI) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) (bool, map[string]interface{}) {
	t.Helper()
	var env struct {
		Success bool                   `json:"success"`
		Message string                 `json:"message"`
		Data    map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env.Success, env.Data
}

func validSignature() string {
	var sig solana.Signature
	for i := range sig {
		sig[i] = byte(i + 31)
	}
	return sig.String()
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t)
	w := api.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestConfirmPurchaseConfirmed(t *testing.T) {
	api := newTestAPI(t)
	w := api.do(t, http.MethodPost, "/api/confirm-purchase", map[string]string{
		"tx_signature":   validSignature(),
		"wallet_address": testWallet,
		"token_amount":   "1000",
	})
	require.Equal(t, http.StatusOK, w.Code)
	ok, data := decodeEnvelope(t, w)
	require.True(t, ok)
	require.Equal(t, "confirmed", data["status"])
	require.NotEmpty(t, data["settlement_id"])
	require.NotEmpty(t, data["mint_signature"])
}

func TestConfirmPurchaseDuplicateReturnsSameSettlement(t *testing.T) {
	api := newTestAPI(t)
	body := map[string]string{
		"tx_signature":   validSignature(),
		"wallet_address": testWallet,
		"token_amount":   "1000",
	}
	first := api.do(t, http.MethodPost, "/api/confirm-purchase", body)
	require.Equal(t, http.StatusOK, first.Code)
	_, firstData := decodeEnvelope(t, first)

	second := api.do(t, http.MethodPost, "/api/confirm-purchase", body)
	require.Equal(t, http.StatusOK, second.Code)
	ok, secondData := decodeEnvelope(t, second)
	require.True(t, ok)
	require.Equal(t, "already_processed", secondData["reason"])
	require.Equal(t, firstData["settlement_id"], secondData["settlement_id"])
}

func TestConfirmPurchaseRejectsBadRequests(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(t, http.MethodPost, "/api/confirm-purchase", map[string]string{"tx_signature": "x"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = api.do(t, http.MethodPost, "/api/confirm-purchase", map[string]string{
		"tx_signature":   "too-short",
		"wallet_address": testWallet,
		"token_amount":   "1000",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	_, data := decodeEnvelope(t, w)
	require.Equal(t, "invalid_claim", data["reason"])
}

func TestConfirmPurchaseIneligibleIsForbidden(t *testing.T) {
	api := newTestAPI(t)
	require.NoError(t, api.store.SetSetting(context.Background(), eligibility.SettingWhitelistEnabled, "true"))

	w := api.do(t, http.MethodPost, "/api/confirm-purchase", map[string]string{
		"tx_signature":   validSignature(),
		"wallet_address": testWallet,
		"token_amount":   "1000",
	})
	require.Equal(t, http.StatusForbidden, w.Code)
	_, data := decodeEnvelope(t, w)
	require.Equal(t, "ineligible", data["reason"])
}

func TestUserLifecycle(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(t, http.MethodPost, "/api/user/register", map[string]string{
		"wallet_address": testWallet,
		"email":          "buyer@example.com",
	})
	require.Equal(t, http.StatusOK, w.Code)
	ok, data := decodeEnvelope(t, w)
	require.True(t, ok)
	code, _ := data["referral_code"].(string)
	require.Len(t, code, 8)

	w = api.do(t, http.MethodGet, "/api/user/"+testWallet, nil)
	require.Equal(t, http.StatusOK, w.Code)
	_, data = decodeEnvelope(t, w)
	require.Equal(t, "buyer@example.com", data["email"])

	w = api.do(t, http.MethodGet, "/api/user/9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = api.do(t, http.MethodGet, "/api/referral/"+code, nil)
	require.Equal(t, http.StatusOK, w.Code)
	_, data = decodeEnvelope(t, w)
	require.Equal(t, testWallet, data["wallet"])
}

func TestTransactionsAndStats(t *testing.T) {
	api := newTestAPI(t)
	w := api.do(t, http.MethodPost, "/api/confirm-purchase", map[string]string{
		"tx_signature":   validSignature(),
		"wallet_address": testWallet,
		"token_amount":   "1000",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = api.do(t, http.MethodGet, "/api/transactions/"+testWallet, nil)
	require.Equal(t, http.StatusOK, w.Code)
	_, data := decodeEnvelope(t, w)
	txs, _ := data["transactions"].([]interface{})
	require.Len(t, txs, 1)

	w = api.do(t, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	_, data = decodeEnvelope(t, w)
	require.Equal(t, "1000", data["tokens_sold"])
	require.Equal(t, "0.000045", data["token_price_sol"])
	require.Equal(t, float64(1), data["confirmed"])
}

func TestApplyWhitelist(t *testing.T) {
	api := newTestAPI(t)
	w := api.do(t, http.MethodPost, "/api/whitelist/apply", map[string]interface{}{
		"wallet_address": testWallet,
		"tier":           2,
		"max_allocation": "5000",
	})
	require.Equal(t, http.StatusOK, w.Code)
	_, data := decodeEnvelope(t, w)
	require.Equal(t, "5000", data["max_allocation"])

	w = api.do(t, http.MethodGet, "/api/user/"+testWallet, nil)
	require.Equal(t, http.StatusOK, w.Code)
	_, data = decodeEnvelope(t, w)
	require.Equal(t, true, data["is_whitelisted"])
}

func TestMetricsEndpoint(t *testing.T) {
	api := newTestAPI(t)
	w := api.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "go_goroutines")
}
