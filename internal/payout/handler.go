package payout

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/creatorpay/escrow-engine/internal/ierr"
	"github.com/creatorpay/escrow-engine/internal/provider"
)

// Handler adapts the Manager and the provider bank-lookup calls to gin's
// HTTP surface (/seller/* routes). Identity is read the same
// way internal/escrow's Handler reads it: an upstream gateway forwards
// X-User-Id after authenticating the caller.
type Handler struct {
	mgr      *Manager
	provider provider.Adapter
}

// NewHandler constructs a Handler.
func NewHandler(mgr *Manager, adapter provider.Adapter) *Handler {
	return &Handler{mgr: mgr, provider: adapter}
}

// RegisterRoutes wires the seller payout-account routes onto an
// authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/seller/payout-account", h.Setup)
	r.GET("/seller/payout-account", h.Get)
	r.DELETE("/seller/payout-account", h.Remove)
	r.GET("/seller/banks", h.ListBanks)
	r.POST("/seller/verify-account", h.VerifyAccount)
}

func userIDFromContext(c *gin.Context) string {
	return c.GetHeader("X-User-Id")
}

func writeError(c *gin.Context, err error) {
	if ie, ok := err.(*ierr.Error); ok {
		c.JSON(ierr.HTTPStatus(ie.Kind), gin.H{
			"ok":    false,
			"error": gin.H{"kind": ie.Kind, "message": ie.Message},
		})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{
		"ok":    false,
		"error": gin.H{"kind": "internal", "message": "an unexpected error occurred"},
	})
}

type setupRequest struct {
	Method            Method `json:"method"`
	MobileMoneyNumber string `json:"mobileMoneyNumber"`
	BankAccountNumber string `json:"bankAccountNumber"`
	BankCode          string `json:"bankCode"`
	Name              string `json:"name"`
}

// Setup handles POST /seller/payout-account.
func (h *Handler) Setup(c *gin.Context) {
	var body setupRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, ierr.Validationf("invalid request body"))
		return
	}
	acct, err := h.mgr.Setup(c.Request.Context(), SetupInput{
		UserID:            userIDFromContext(c),
		Method:            body.Method,
		MobileMoneyNumber: body.MobileMoneyNumber,
		BankAccountNumber: body.BankAccountNumber,
		BankCode:          body.BankCode,
		Name:              body.Name,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ok": true, "account": acct})
}

// Get handles GET /seller/payout-account.
func (h *Handler) Get(c *gin.Context) {
	acct, err := h.mgr.Get(c.Request.Context(), userIDFromContext(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "account": acct})
}

// Remove handles DELETE /seller/payout-account.
func (h *Handler) Remove(c *gin.Context) {
	if err := h.mgr.Remove(c.Request.Context(), userIDFromContext(c)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// ListBanks handles GET /seller/banks.
func (h *Handler) ListBanks(c *gin.Context) {
	banks, err := h.provider.ListBanks(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "banks": banks})
}

type verifyAccountRequest struct {
	AccountNumber string `json:"accountNumber"`
	BankCode      string `json:"bankCode"`
}

// VerifyAccount handles POST /seller/verify-account, resolving a bank
// account number to its registered holder name before it's saved.
func (h *Handler) VerifyAccount(c *gin.Context) {
	var body verifyAccountRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, ierr.Validationf("invalid request body"))
		return
	}
	name, err := h.provider.ResolveAccount(c.Request.Context(), provider.ResolveAccountInput{
		AccountNumber: body.AccountNumber,
		BankCode:      body.BankCode,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "accountName": name})
}
