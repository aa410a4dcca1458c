package escrow

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/creatorpay/escrow-engine/internal/audit"
	"github.com/creatorpay/escrow-engine/internal/ierr"
	"github.com/creatorpay/escrow-engine/internal/money"
	"github.com/creatorpay/escrow-engine/internal/validation"
)

// Handler adapts the Service to gin's HTTP surface. Authentication lives
// outside the engine; the upstream gateway is expected to authenticate
// the caller and forward its identity via X-User-Id / X-User-Role, which
// actorFromContext reads.
type Handler struct {
	svc *Service
}

// NewHandler constructs a Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes wires the engine's routes onto an authenticated group.
// Webhook ingestion is registered separately by internal/webhookingest,
// on an unauthenticated group, since its trust model is a body signature
// rather than a forwarded identity.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrow/from-job-proposal/:id", h.CreateFromJobProposal)
	r.POST("/escrow/from-campaign/:id", h.CreateFromCampaign)
	r.POST("/escrow/from-service-request/:id", h.CreateFromServiceRequest)

	escrows := r.Group("/escrow/:id", validation.IDParamMiddleware("id"))
	escrows.POST("/verify-payment", h.VerifyPayment)
	escrows.POST("/start", h.Start)
	escrows.POST("/deliver", h.Deliver)
	escrows.POST("/release", h.Release)
	escrows.POST("/dispute", h.Dispute)
	escrows.POST("/refund", h.Refund)
	escrows.POST("/cancel", h.Cancel)
	escrows.POST("/milestones/:mid/deliver", h.DeliverMilestone)
	escrows.POST("/milestones/:mid/release", h.ReleaseMilestone)
	escrows.GET("", h.Get)
	escrows.GET("/events", h.Events)

	r.GET("/escrow", h.List)
	r.GET("/escrow/stats", h.Stats)

	admin := r.Group("/admin")
	admin.POST("/escrow/:id/resolve", validation.IDParamMiddleware("id"), h.ResolveDispute)
	admin.GET("/escrow", h.List)
	admin.GET("/escrow/stats", h.Stats)
}

func actorFromContext(c *gin.Context) Actor {
	return Actor{
		UserID:  c.GetHeader("X-User-Id"),
		IsAdmin: c.GetHeader("X-User-Role") == "admin",
	}
}

// requestContext annotates the request context with the caller's
// forwarded identity and source IP so audit events record who acted and
// from where. System-initiated paths (scheduler, webhook dispatch) never
// pass through here and keep a null actor.
func requestContext(c *gin.Context) context.Context {
	ctx := c.Request.Context()
	if actor := actorFromContext(c); actor.UserID != "" {
		ctx = audit.WithActor(ctx, actor.UserID)
	}
	return audit.WithIP(ctx, c.ClientIP())
}

// writeError maps an ierr.Error (or any other error) onto the
// {ok,error:{kind,message}} response envelope.
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

func writeOK(c *gin.Context, status int, payload gin.H) {
	payload["ok"] = true
	c.JSON(status, payload)
}

type createFromProposalRequest struct {
	Title                string         `json:"title"`
	AmountMinor          int64          `json:"amountMinor"`
	Amount               string         `json:"amount"` // decimal major units, used when amountMinor is absent
	Currency             string         `json:"currency"`
	InspectionPeriodDays int            `json:"inspectionPeriodDays"`
	Terms                string         `json:"terms"`
	Metadata             map[string]any `json:"metadata"`
}

// resolveAmount picks the minor-unit amount from a create request: an
// explicit amountMinor wins; otherwise a decimal "amount" string (the
// form source budgets arrive in) is parsed into minor units.
func resolveAmount(req createFromProposalRequest) (int64, error) {
	if req.AmountMinor != 0 {
		return req.AmountMinor, nil
	}
	if req.Amount == "" {
		return 0, nil
	}
	n, err := money.Parse(req.Amount)
	if err != nil {
		return 0, ierr.Validationf("invalid amount %q", req.Amount)
	}
	return n, nil
}

// CreateFromJobProposal handles POST /escrow/from-job-proposal/:id. The
// job proposal (the :id path param) is the source object; its buyer,
// seller, and job id are supplied in the body since this engine never
// reads proposal rows itself.
type createFromProposalBody struct {
	createFromProposalRequest
	BuyerID  string `json:"buyerId"`
	SellerID string `json:"sellerId"`
	JobID    string `json:"jobId"`
}

func (h *Handler) CreateFromJobProposal(c *gin.Context) {
	proposalID := c.Param("id")
	var body createFromProposalBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, ierr.Validationf("invalid request body"))
		return
	}
	if errs := validation.Validate(
		validation.Required("buyerId", body.BuyerID),
		validation.Required("sellerId", body.SellerID),
		validation.ValidCurrency("currency", body.Currency),
	); len(errs) > 0 {
		writeError(c, ierr.Validationf("%s", errs.Error()))
		return
	}

	amount, err := resolveAmount(body.createFromProposalRequest)
	if err != nil {
		writeError(c, err)
		return
	}

	var jobIDPtr *string
	if body.JobID != "" {
		jobIDPtr = &body.JobID
	}
	in := CreateInput{
		BuyerID: body.BuyerID, SellerID: body.SellerID,
		Source:               SourceJobProposal,
		JobProposalID:        &proposalID,
		JobID:                jobIDPtr,
		Title:                body.Title,
		Currency:             body.Currency,
		AmountMinor:          amount,
		InspectionPeriodDays: body.InspectionPeriodDays,
		Terms:                body.Terms,
		Metadata:             body.Metadata,
	}
	h.create(c, in, nil)
}

type createFromCampaignBody struct {
	createFromProposalRequest
	SellerID   string           `json:"sellerId"`
	Milestones []MilestoneInput `json:"milestones"`
}

// CreateFromCampaign handles POST /escrow/from-campaign/:id. An optional
// milestone schedule installs atomically after the escrow is created.
func (h *Handler) CreateFromCampaign(c *gin.Context) {
	campaignID := c.Param("id")
	var body createFromCampaignBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, ierr.Validationf("invalid request body"))
		return
	}
	if errs := validation.Validate(
		validation.Required("sellerId", body.SellerID),
		validation.ValidCurrency("currency", body.Currency),
	); len(errs) > 0 {
		writeError(c, ierr.Validationf("%s", errs.Error()))
		return
	}

	amount, err := resolveAmount(body.createFromProposalRequest)
	if err != nil {
		writeError(c, err)
		return
	}

	in := CreateInput{
		BuyerID: actorFromContext(c).UserID, SellerID: body.SellerID,
		Source:               SourceCampaign,
		CampaignID:           &campaignID,
		Title:                body.Title,
		Currency:             body.Currency,
		AmountMinor:          amount,
		InspectionPeriodDays: body.InspectionPeriodDays,
		Terms:                body.Terms,
		Metadata:             body.Metadata,
	}
	h.create(c, in, body.Milestones)
}

type createFromServiceRequestBody struct {
	createFromProposalRequest
	SellerID string `json:"sellerId"`
}

func (h *Handler) CreateFromServiceRequest(c *gin.Context) {
	requestID := c.Param("id")
	var body createFromServiceRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, ierr.Validationf("invalid request body"))
		return
	}
	if errs := validation.Validate(
		validation.Required("sellerId", body.SellerID),
		validation.ValidCurrency("currency", body.Currency),
	); len(errs) > 0 {
		writeError(c, ierr.Validationf("%s", errs.Error()))
		return
	}

	amount, err := resolveAmount(body.createFromProposalRequest)
	if err != nil {
		writeError(c, err)
		return
	}

	in := CreateInput{
		BuyerID: actorFromContext(c).UserID, SellerID: body.SellerID,
		Source:               SourceServiceRequest,
		ServiceRequestID:     &requestID,
		Title:                body.Title,
		Currency:             body.Currency,
		AmountMinor:          amount,
		InspectionPeriodDays: body.InspectionPeriodDays,
		Terms:                body.Terms,
		Metadata:             body.Metadata,
	}
	h.create(c, in, nil)
}

func (h *Handler) create(c *gin.Context, in CreateInput, milestones []MilestoneInput) {
	if in.BuyerID == "" {
		in.BuyerID = actorFromContext(c).UserID
	}
	actor := actorFromContext(c)
	e, authURL, err := h.svc.Create(requestContext(c), actor, in)
	if err != nil {
		writeError(c, err)
		return
	}
	if len(milestones) > 0 {
		if _, err := h.svc.CreateMilestones(requestContext(c), e.ID, actor, milestones); err != nil {
			writeError(c, err)
			return
		}
	}
	writeOK(c, http.StatusCreated, gin.H{"escrow": e, "authorizationUrl": authURL})
}

func (h *Handler) VerifyPayment(c *gin.Context) {
	e, err := h.svc.VerifyPayment(requestContext(c), c.Param("id"), actorFromContext(c))
	if err != nil {
		writeError(c, err)
		return
	}
	writeOK(c, http.StatusOK, gin.H{"escrow": e})
}

func (h *Handler) Start(c *gin.Context) {
	e, err := h.svc.Start(requestContext(c), c.Param("id"), actorFromContext(c))
	if err != nil {
		writeError(c, err)
		return
	}
	writeOK(c, http.StatusOK, gin.H{"escrow": e})
}

type deliverRequest struct {
	DeliveryNote string `json:"deliveryNote"`
}

func (h *Handler) Deliver(c *gin.Context) {
	var body deliverRequest
	_ = c.ShouldBindJSON(&body)
	e, err := h.svc.Deliver(requestContext(c), c.Param("id"), actorFromContext(c), body.DeliveryNote)
	if err != nil {
		writeError(c, err)
		return
	}
	writeOK(c, http.StatusOK, gin.H{"escrow": e})
}

func (h *Handler) Release(c *gin.Context) {
	e, err := h.svc.Release(requestContext(c), c.Param("id"), actorFromContext(c))
	if err != nil {
		writeError(c, err)
		return
	}
	writeOK(c, http.StatusOK, gin.H{"escrow": e})
}

type disputeRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) Dispute(c *gin.Context) {
	var body disputeRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, ierr.Validationf("invalid request body"))
		return
	}
	if errs := validation.Validate(
		validation.MinLength("reason", body.Reason, validation.MinDisputeReasonLength),
	); len(errs) > 0 {
		writeError(c, ierr.Validationf("%s", errs.Error()))
		return
	}
	e, err := h.svc.Dispute(requestContext(c), c.Param("id"), actorFromContext(c), body.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	writeOK(c, http.StatusOK, gin.H{"escrow": e})
}

func (h *Handler) Refund(c *gin.Context) {
	e, err := h.svc.Refund(requestContext(c), c.Param("id"), actorFromContext(c))
	if err != nil {
		writeError(c, err)
		return
	}
	writeOK(c, http.StatusOK, gin.H{"escrow": e})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) Cancel(c *gin.Context) {
	var body cancelRequest
	_ = c.ShouldBindJSON(&body)
	e, err := h.svc.Cancel(requestContext(c), c.Param("id"), actorFromContext(c), body.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	writeOK(c, http.StatusOK, gin.H{"escrow": e})
}

type deliverMilestoneRequest struct {
	DeliveryNote string `json:"deliveryNote"`
}

func (h *Handler) DeliverMilestone(c *gin.Context) {
	var body deliverMilestoneRequest
	_ = c.ShouldBindJSON(&body)
	m, err := h.svc.DeliverMilestone(requestContext(c), c.Param("id"), c.Param("mid"), actorFromContext(c), body.DeliveryNote)
	if err != nil {
		writeError(c, err)
		return
	}
	writeOK(c, http.StatusOK, gin.H{"milestone": m})
}

func (h *Handler) ReleaseMilestone(c *gin.Context) {
	m, e, err := h.svc.ReleaseMilestone(requestContext(c), c.Param("id"), c.Param("mid"), actorFromContext(c))
	if err != nil {
		writeError(c, err)
		return
	}
	writeOK(c, http.StatusOK, gin.H{"milestone": m, "escrow": e})
}

type resolveDisputeRequest struct {
	Resolution   string `json:"resolution"`
	SplitPercent int    `json:"splitPercent"`
}

func (h *Handler) ResolveDispute(c *gin.Context) {
	var body resolveDisputeRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, ierr.Validationf("invalid request body"))
		return
	}
	e, err := h.svc.ResolveDispute(requestContext(c), c.Param("id"), actorFromContext(c),
		DisputeResolution(body.Resolution), body.SplitPercent)
	if err != nil {
		writeError(c, err)
		return
	}
	writeOK(c, http.StatusOK, gin.H{"escrow": e})
}

func (h *Handler) Get(c *gin.Context) {
	e, err := h.svc.Get(requestContext(c), c.Param("id"), actorFromContext(c))
	if err != nil {
		writeError(c, err)
		return
	}
	writeOK(c, http.StatusOK, gin.H{"escrow": e})
}

func (h *Handler) Events(c *gin.Context) {
	events, err := h.svc.Events(requestContext(c), c.Param("id"), actorFromContext(c))
	if err != nil {
		writeError(c, err)
		return
	}
	writeOK(c, http.StatusOK, gin.H{"events": eventsOrEmpty(events)})
}

func eventsOrEmpty(events []audit.Event) []audit.Event {
	if events == nil {
		return []audit.Event{}
	}
	return events
}

func parseListFilter(c *gin.Context) ListFilter {
	var f ListFilter
	f.Status = Status(c.Query("status"))
	switch c.Query("role") {
	case "buyer":
		f.BuyerID = c.Query("userId")
	case "seller":
		f.SellerID = c.Query("userId")
	}
	if p, err := parsePositiveInt(c.Query("page")); err == nil {
		f.Page = p
	}
	if l, err := parsePositiveInt(c.Query("limit")); err == nil {
		f.Limit = l
	}
	return f
}

func parsePositiveInt(s string) (int, error) {
	if s == "" {
		return 0, ierr.Validationf("empty")
	}
	var n int
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, ierr.Validationf("not a number")
		}
		n = n*10 + int(r-'0')
	}
	return n, nil
}

func (h *Handler) List(c *gin.Context) {
	escrows, err := h.svc.List(requestContext(c), parseListFilter(c), actorFromContext(c))
	if err != nil {
		writeError(c, err)
		return
	}
	writeOK(c, http.StatusOK, gin.H{"escrows": escrows})
}

func (h *Handler) Stats(c *gin.Context) {
	stats, err := h.svc.Stats(requestContext(c), parseListFilter(c), actorFromContext(c))
	if err != nil {
		writeError(c, err)
		return
	}
	writeOK(c, http.StatusOK, gin.H{"stats": stats})
}
