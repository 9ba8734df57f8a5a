// Package httpapi exposes the presale REST surface: purchase confirmation,
// account registration, whitelist management, referrals and stats.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/shibartum/presale-backend/internal/account"
	domain "github.com/shibartum/presale-backend/internal/domain/settlement"
	"github.com/shibartum/presale-backend/internal/domain/user"
	"github.com/shibartum/presale-backend/internal/eligibility"
	"github.com/shibartum/presale-backend/internal/metrics"
	"github.com/shibartum/presale-backend/internal/settlement"
	"github.com/shibartum/presale-backend/internal/storage"
	"github.com/shibartum/presale-backend/pkg/logger"
)

const apiVersion = "1.0.0"

// Pinger reports backing store health.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// SupplySource reports the presale token's current on-chain supply.
type SupplySource interface {
	TokenSupply(ctx context.Context) (decimal.Decimal, error)
}

// Handler wires the services into the REST routes.
type Handler struct {
	settlements *settlement.Service
	accounts    *account.Service
	eligibility *eligibility.Service
	supply      SupplySource
	db          Pinger
	log         *logger.Logger
}

// NewHandler creates the REST handler. supply and db may be nil; stats then
// omits the on-chain supply and health reports only process liveness.
func NewHandler(settlements *settlement.Service, accounts *account.Service, elig *eligibility.Service, supply SupplySource, db Pinger, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	return &Handler{
		settlements: settlements,
		accounts:    accounts,
		eligibility: elig,
		supply:      supply,
		db:          db,
		log:         log,
	}
}

// Router builds the gin engine with all routes registered.
func (h *Handler) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), h.requestLog())

	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := r.Group("/api")
	{
		api.GET("/health", h.health)
		api.POST("/confirm-purchase", h.confirmPurchase)
		api.GET("/stats", h.stats)
		api.POST("/user/register", h.registerUser)
		api.GET("/user/:wallet", h.userProfile)
		api.GET("/transactions/:wallet", h.transactions)
		api.POST("/whitelist/apply", h.applyWhitelist)
		api.GET("/referral/:code", h.referral)
	}
	return r
}

func (h *Handler) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.log.WithFields(map[string]interface{}{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Debug("request handled")
	}
}

// envelope is the uniform response shape.
type envelope struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func respond(c *gin.Context, code int, data interface{}) {
	c.JSON(code, envelope{Success: code < http.StatusBadRequest, Data: data})
}

func respondErr(c *gin.Context, code int, message string) {
	c.JSON(code, envelope{Success: false, Message: message})
}

func (h *Handler) health(c *gin.Context) {
	if h.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.PingContext(ctx); err != nil {
			respondErr(c, http.StatusServiceUnavailable, "database unreachable")
			return
		}
	}
	respond(c, http.StatusOK, gin.H{"status": "ok", "version": apiVersion})
}

type confirmPurchaseRequest struct {
	TxSignature   string `json:"tx_signature" binding:"required"`
	WalletAddress string `json:"wallet_address" binding:"required"`
	TokenAmount   string `json:"token_amount" binding:"required"`
	PaymentMethod string `json:"payment_method"`
}

type outcomeResponse struct {
	SettlementID  string `json:"settlement_id,omitempty"`
	Status        string `json:"status"`
	Reason        string `json:"reason,omitempty"`
	MintSignature string `json:"mint_signature,omitempty"`
	TokenAmount   string `json:"token_amount,omitempty"`
	NativeAmount  string `json:"native_amount,omitempty"`
}

func (h *Handler) confirmPurchase(c *gin.Context) {
	var req confirmPurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, http.StatusBadRequest, "invalid request body")
		return
	}
	amount, err := decimal.NewFromString(req.TokenAmount)
	if err != nil {
		respondErr(c, http.StatusBadRequest, "token_amount must be a number")
		return
	}
	method := domain.PaymentMethod(req.PaymentMethod)
	if method == "" {
		method = domain.PaymentSOL
	}

	out, err := h.settlements.Settle(c.Request.Context(), domain.PurchaseClaim{
		PaymentSignature: req.TxSignature,
		BuyerAddress:     req.WalletAddress,
		TokenAmount:      amount,
		PaymentMethod:    method,
	})
	if err != nil {
		h.log.WithError(err).Error("settlement pipeline error")
		respondErr(c, http.StatusInternalServerError, "settlement failed")
		return
	}

	resp := outcomeResponse{
		SettlementID:  out.SettlementID,
		Status:        string(out.Status),
		Reason:        out.Reason,
		MintSignature: out.MintSignature,
	}
	if !out.TokenAmount.IsZero() {
		resp.TokenAmount = out.TokenAmount.String()
		resp.NativeAmount = out.NativeAmount.String()
	}
	c.JSON(statusForOutcome(out), envelope{
		Success: out.Status == domain.StatusConfirmed,
		Message: out.Reason,
		Data:    resp,
	})
}

// statusForOutcome maps a settlement outcome to an HTTP status. Verification
// rejections are the client's problem, delivery failures are ours, and
// anything still in flight is accepted for later reconciliation.
func statusForOutcome(out domain.Outcome) int {
	switch out.Status {
	case domain.StatusConfirmed:
		return http.StatusOK
	case domain.StatusPending:
		return http.StatusAccepted
	case domain.StatusFailed:
		return http.StatusBadGateway
	default:
		switch out.Reason {
		case domain.ReasonIneligible:
			return http.StatusForbidden
		case domain.ReasonGatewayUnavailable:
			return http.StatusServiceUnavailable
		default:
			return http.StatusBadRequest
		}
	}
}

type registerRequest struct {
	WalletAddress string `json:"wallet_address" binding:"required"`
	Email         string `json:"email"`
	ReferralCode  string `json:"referral_code"`
}

type accountResponse struct {
	WalletAddress string `json:"wallet_address"`
	Email         string `json:"email,omitempty"`
	ReferralCode  string `json:"referral_code"`
	IsWhitelisted bool   `json:"is_whitelisted"`
	WhitelistTier int    `json:"whitelist_tier,omitempty"`
	CreatedAt     string `json:"created_at"`
}

func (h *Handler) registerUser(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, http.StatusBadRequest, "invalid request body")
		return
	}
	acct, err := h.accounts.Register(c.Request.Context(), req.WalletAddress, req.Email, req.ReferralCode)
	if err != nil {
		if errors.Is(err, account.ErrInvalidInput) {
			respondErr(c, http.StatusBadRequest, err.Error())
			return
		}
		h.log.WithError(err).Error("register user failed")
		respondErr(c, http.StatusInternalServerError, "registration failed")
		return
	}
	respond(c, http.StatusOK, toAccountResponse(acct))
}

func (h *Handler) userProfile(c *gin.Context) {
	acct, err := h.accounts.Profile(c.Request.Context(), c.Param("wallet"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondErr(c, http.StatusNotFound, "user not found")
			return
		}
		h.log.WithError(err).Error("load profile failed")
		respondErr(c, http.StatusInternalServerError, "lookup failed")
		return
	}
	respond(c, http.StatusOK, toAccountResponse(acct))
}

type settlementResponse struct {
	SettlementID  string `json:"settlement_id"`
	TxSignature   string `json:"tx_signature"`
	TokenAmount   string `json:"token_amount"`
	NativeAmount  string `json:"native_amount"`
	PaymentMethod string `json:"payment_method"`
	Status        string `json:"status"`
	Slot          uint64 `json:"slot,omitempty"`
	MintSignature string `json:"mint_signature,omitempty"`
	CreatedAt     string `json:"created_at"`
}

func (h *Handler) transactions(c *gin.Context) {
	recs, err := h.settlements.SettlementsByWallet(c.Request.Context(), c.Param("wallet"))
	if err != nil {
		h.log.WithError(err).Error("list settlements failed")
		respondErr(c, http.StatusInternalServerError, "lookup failed")
		return
	}
	out := make([]settlementResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, settlementResponse{
			SettlementID:  rec.ID,
			TxSignature:   rec.PaymentSignature,
			TokenAmount:   rec.TokenAmount.String(),
			NativeAmount:  rec.NativeAmount.String(),
			PaymentMethod: string(rec.PaymentMethod),
			Status:        string(rec.Status),
			Slot:          rec.Slot,
			MintSignature: rec.MintSignature,
			CreatedAt:     rec.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	respond(c, http.StatusOK, gin.H{"transactions": out})
}

func (h *Handler) stats(c *gin.Context) {
	stats, err := h.settlements.Stats(c.Request.Context())
	if err != nil {
		h.log.WithError(err).Error("load stats failed")
		respondErr(c, http.StatusInternalServerError, "lookup failed")
		return
	}
	price, err := h.eligibility.CurrentTokenPrice(c.Request.Context())
	if err != nil {
		h.log.WithError(err).Error("load price failed")
		respondErr(c, http.StatusInternalServerError, "lookup failed")
		return
	}
	payload := gin.H{
		"total_settlements": stats.TotalSettlements,
		"tokens_sold":       stats.TokensSold.String(),
		"native_raised":     stats.NativeRaised.String(),
		"confirmed":         stats.Confirmed,
		"pending":           stats.Pending,
		"failed":            stats.Failed,
		"token_price_sol":   price.String(),
	}
	if h.supply != nil {
		// Supply is informational; a ledger hiccup must not break the stats
		// endpoint.
		if supply, err := h.supply.TokenSupply(c.Request.Context()); err != nil {
			h.log.WithError(err).Warn("token supply unavailable")
		} else {
			payload["token_supply"] = supply.String()
		}
	}
	respond(c, http.StatusOK, payload)
}

type whitelistRequest struct {
	WalletAddress string `json:"wallet_address" binding:"required"`
	Tier          int    `json:"tier"`
	MaxAllocation string `json:"max_allocation" binding:"required"`
	ExpiresAt     string `json:"expires_at"`
}

func (h *Handler) applyWhitelist(c *gin.Context) {
	var req whitelistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, http.StatusBadRequest, "invalid request body")
		return
	}
	allocation, err := decimal.NewFromString(req.MaxAllocation)
	if err != nil {
		respondErr(c, http.StatusBadRequest, "max_allocation must be a number")
		return
	}
	var expiresAt time.Time
	if req.ExpiresAt != "" {
		expiresAt, err = time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			respondErr(c, http.StatusBadRequest, "expires_at must be RFC 3339")
			return
		}
	}

	entry, err := h.accounts.ApplyWhitelist(c.Request.Context(), req.WalletAddress, req.Tier, allocation, expiresAt)
	if err != nil {
		if errors.Is(err, account.ErrInvalidInput) {
			respondErr(c, http.StatusBadRequest, err.Error())
			return
		}
		h.log.WithError(err).Error("apply whitelist failed")
		respondErr(c, http.StatusInternalServerError, "whitelist update failed")
		return
	}
	respond(c, http.StatusOK, gin.H{
		"tier":            entry.Tier,
		"max_allocation":  entry.MaxAllocation.String(),
		"used_allocation": entry.UsedAllocation.String(),
	})
}

func (h *Handler) referral(c *gin.Context) {
	summary, err := h.accounts.ReferralByCode(c.Request.Context(), c.Param("code"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondErr(c, http.StatusNotFound, "referral code not found")
			return
		}
		h.log.WithError(err).Error("referral lookup failed")
		respondErr(c, http.StatusInternalServerError, "lookup failed")
		return
	}
	respond(c, http.StatusOK, gin.H{
		"referral_code": summary.ReferralCode,
		"wallet":        summary.Wallet,
		"bonus_tokens":  summary.BonusTokens.String(),
	})
}

func toAccountResponse(acct user.Account) accountResponse {
	return accountResponse{
		WalletAddress: acct.WalletAddress,
		Email:         acct.Email,
		ReferralCode:  acct.ReferralCode,
		IsWhitelisted: acct.IsWhitelisted,
		WhitelistTier: acct.WhitelistTier,
		CreatedAt:     acct.CreatedAt.UTC().Format(time.RFC3339),
	}
}
