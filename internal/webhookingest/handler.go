package webhookingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/creatorpay/escrow-engine/internal/escrow"
	"github.com/creatorpay/escrow-engine/internal/idgen"
	"github.com/creatorpay/escrow-engine/internal/ierr"
	"github.com/creatorpay/escrow-engine/internal/metrics"
)

const providerName = "stripe"

// Handler verifies and ingests inbound payment-provider webhooks.
type Handler struct {
	secret []byte
	store  Store
	escrow *escrow.Service
	logger *slog.Logger
}

// NewHandler constructs a Handler. secret is the shared HMAC key
// (PROVIDER_SECRET_KEY); an empty secret rejects every delivery.
func NewHandler(secret string, store Store, escrowSvc *escrow.Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{secret: []byte(secret), store: store, escrow: escrowSvc, logger: logger}
}

// RegisterRoutes registers the webhook endpoint on an unauthenticated
// group — its trust model is the body signature, not a forwarded
// identity.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/payment-provider", h.Ingest)
}

type webhookPayload struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
}

// Ingest verifies the signature, records the delivery, acks
// immediately, and dispatches processing in the background so the
// provider sees a fast response.
func (h *Handler) Ingest(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": gin.H{"kind": "validation", "message": "could not read body"}})
		return
	}

	if !h.verify(body, c.GetHeader("X-Signature")) {
		metrics.WebhookDeliveriesTotal.WithLabelValues("invalid_signature").Inc()
		c.JSON(http.StatusUnauthorized, gin.H{"ok": false, "error": gin.H{"kind": "authorization", "message": "invalid signature"}})
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil || payload.Event == "" {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": gin.H{"kind": "validation", "message": "invalid payload"}})
		return
	}

	reference := referenceFromData(payload.Data)
	log := &WebhookLog{
		ID:        idgen.WithPrefix("whl_"),
		Provider:  providerName,
		EventType: payload.Event,
		Reference: reference,
		Payload:   string(body),
	}

	if err := h.store.Insert(c.Request.Context(), log); err != nil {
		if ie, ok := err.(*ierr.Error); ok && ie.Kind == ierr.IntegrityError {
			// Duplicate delivery: ack without reprocessing.
			metrics.WebhookDeliveriesTotal.WithLabelValues("duplicate").Inc()
			c.JSON(http.StatusOK, gin.H{"ok": true, "duplicate": true})
			return
		}
		h.logger.Error("webhookingest: insert failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": gin.H{"kind": "internal", "message": "failed to record webhook"}})
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true})

	go h.process(context.Background(), log, payload)
}

func (h *Handler) verify(body []byte, signature string) bool {
	if len(h.secret) == 0 || signature == "" {
		return false
	}
	mac := hmac.New(sha512.New, h.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func referenceFromData(data map[string]any) string {
	if v, ok := data["reference"].(string); ok && v != "" {
		return v
	}
	if v, ok := data["transaction_reference"].(string); ok {
		return v
	}
	return ""
}

func (h *Handler) process(ctx context.Context, log *WebhookLog, payload webhookPayload) {
	var procErr error
	switch payload.Event {
	case "charge.success":
		_, procErr = h.escrow.FundFromWebhook(ctx, log.Reference)
	case "transfer.success":
		procErr = h.escrow.ConfirmTransfer(ctx, log.Reference)
	case "transfer.failed", "transfer.reversed":
		procErr = h.escrow.FailTransfer(ctx, log.Reference, payload.Event)
	case "refund.processed":
		procErr = h.escrow.ConfirmRefund(ctx, log.Reference)
	default:
		h.logger.Info("webhookingest: unhandled event type", "event_type", payload.Event)
	}

	if procErr != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("error").Inc()
		h.logger.Error("webhookingest: processing failed", "event_type", payload.Event, "reference", log.Reference, "error", procErr)
	} else {
		metrics.WebhookDeliveriesTotal.WithLabelValues("processed").Inc()
	}
	if err := h.store.MarkProcessed(ctx, log.ID, procErr); err != nil {
		h.logger.Error("webhookingest: mark processed failed", "log_id", log.ID, "error", err)
	}
}
