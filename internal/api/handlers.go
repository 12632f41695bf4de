package api

import (
	"context"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/newrelic/go-agent/v3/integrations/nrgin"
	"github.com/pkg/errors"

	"example.com/backstage/fulfillment/internal/billing"
	"example.com/backstage/fulfillment/internal/metrics"
	"example.com/backstage/fulfillment/internal/models"
	"example.com/backstage/fulfillment/internal/outbound"
	"example.com/backstage/fulfillment/internal/repositories"
	"example.com/backstage/fulfillment/internal/saga"
	"example.com/backstage/fulfillment/internal/tracing"
)

// respondError maps domain errors to status codes
func respondError(c *gin.Context, tracer tracing.Tracer, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, repositories.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, saga.ErrInvalidTransition),
		errors.Is(err, billing.ErrInvalidTransition),
		errors.Is(err, billing.ErrInvoiceClosed),
		errors.Is(err, outbound.ErrAlreadyReplayed),
		errors.Is(err, repositories.ErrVersionConflict):
		status = http.StatusConflict
	case errors.Is(err, billing.ErrInvalidAmount):
		status = http.StatusBadRequest
	}

	if status == http.StatusInternalServerError {
		tracer.RecordError(nrgin.Transaction(c), err)
	}
	_ = c.Error(err)
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	_ = c.Error(err)
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

// OpsHandler serves health and metrics
type OpsHandler struct {
	metrics        *metrics.Metrics
	tracer         tracing.Tracer
	metricsEnabled bool
}

func NewOpsHandler(m *metrics.Metrics, tracer tracing.Tracer, metricsEnabled bool) *OpsHandler {
	return &OpsHandler{metrics: m, tracer: tracer, metricsEnabled: metricsEnabled}
}

// HandleGetMetrics returns all metrics
func (h *OpsHandler) HandleGetMetrics(c *gin.Context) {
	h.metrics.SetGauge("goroutines", int64(runtime.NumGoroutine()))
	c.JSON(http.StatusOK, h.metrics.Snapshot())
}

// HandleGetHealthCheck returns 503 when any component reported unhealthy
func (h *OpsHandler) HandleGetHealthCheck(c *gin.Context) {
	healthy, details := h.metrics.Healthy()
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"status":  healthy,
		"details": details,
	})
}

func (h *OpsHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.HandleGetHealthCheck)
	if h.metricsEnabled {
		router.GET("/metrics", h.HandleGetMetrics)
	}
}

// OrderHandler handles order queries and operator actions
type OrderHandler struct {
	orders *saga.Service
	audit  AuditSearcher
	tracer tracing.Tracer
}

func NewOrderHandler(orders *saga.Service, searcher AuditSearcher, tracer tracing.Tracer) *OrderHandler {
	return &OrderHandler{orders: orders, audit: searcher, tracer: tracer}
}

type cancelRequest struct {
	Reason string `json:"reason" binding:"omitempty,max=128"`
}

func (h *OrderHandler) HandleGetOrder(c *gin.Context) {
	order, err := h.orders.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.tracer, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *OrderHandler) HandleCancelOrder(c *gin.Context) {
	var req cancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	order, err := h.orders.Cancel(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		respondError(c, h.tracer, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *OrderHandler) HandleShipOrder(c *gin.Context) {
	order, err := h.orders.Ship(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.tracer, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *OrderHandler) HandleGetOrderAudit(c *gin.Context) {
	handleAudit(c, h.audit, h.tracer, "order", c.Param("id"))
}

func (h *OrderHandler) RegisterRoutes(router *gin.Engine) {
	orders := router.Group("/orders")
	orders.GET("/:id", h.HandleGetOrder)
	orders.GET("/:id/audit", h.HandleGetOrderAudit)
	orders.POST("/:id/cancel", h.HandleCancelOrder)
	orders.POST("/:id/ship", h.HandleShipOrder)
}

// InvoiceHandler handles invoice queries, payments and presentation updates
type InvoiceHandler struct {
	invoices *billing.Manager
	audit    AuditSearcher
	tracer   tracing.Tracer
}

func NewInvoiceHandler(invoices *billing.Manager, searcher AuditSearcher, tracer tracing.Tracer) *InvoiceHandler {
	return &InvoiceHandler{invoices: invoices, audit: searcher, tracer: tracer}
}

// PaymentRequest is a manually recorded payment
type PaymentRequest struct {
	Amount        int64  `json:"amount" binding:"required,gt=0"`
	Method        string `json:"method" binding:"omitempty,max=32"`
	TransactionID string `json:"transactionId" binding:"omitempty,max=128"`
}

type invoiceResponse struct {
	Invoice   *models.Invoice         `json:"invoice"`
	Remaining int64                   `json:"remaining"`
	History   []models.InvoiceHistory `json:"history,omitempty"`
}

func invoiceID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, errors.Wrap(err, "invalid invoice id"))
		return uuid.Nil, false
	}
	return id, true
}

func (h *InvoiceHandler) HandleGetInvoice(c *gin.Context) {
	id, ok := invoiceID(c)
	if !ok {
		return
	}
	inv, history, err := h.invoices.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.tracer, err)
		return
	}
	c.JSON(http.StatusOK, invoiceResponse{Invoice: inv, Remaining: billing.Remaining(*inv), History: history})
}

func (h *InvoiceHandler) HandleRecordPayment(c *gin.Context) {
	id, ok := invoiceID(c)
	if !ok {
		return
	}
	var req PaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	txn := nrgin.Transaction(c)
	h.tracer.AddAttribute(txn, "invoice_id", id.String())
	h.tracer.AddAttribute(txn, "amount", req.Amount)

	inv, err := h.invoices.ApplyPayment(c.Request.Context(), id, req.Amount, req.Method, req.TransactionID)
	if err != nil {
		respondError(c, h.tracer, err)
		return
	}
	c.JSON(http.StatusOK, invoiceResponse{Invoice: inv, Remaining: billing.Remaining(*inv)})
}

func (h *InvoiceHandler) HandleMarkSent(c *gin.Context) {
	h.advance(c, h.invoices.MarkSent)
}

func (h *InvoiceHandler) HandleMarkViewed(c *gin.Context) {
	h.advance(c, h.invoices.MarkViewed)
}

func (h *InvoiceHandler) advance(c *gin.Context, fn func(ctx context.Context, id uuid.UUID) (*models.Invoice, error)) {
	id, ok := invoiceID(c)
	if !ok {
		return
	}
	inv, err := fn(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.tracer, err)
		return
	}
	c.JSON(http.StatusOK, invoiceResponse{Invoice: inv, Remaining: billing.Remaining(*inv)})
}

func (h *InvoiceHandler) HandleGetInvoiceAudit(c *gin.Context) {
	handleAudit(c, h.audit, h.tracer, "invoice", c.Param("id"))
}

func (h *InvoiceHandler) RegisterRoutes(router *gin.Engine) {
	invoices := router.Group("/invoices")
	invoices.GET("/:id", h.HandleGetInvoice)
	invoices.GET("/:id/audit", h.HandleGetInvoiceAudit)
	invoices.POST("/:id/payments", h.HandleRecordPayment)
	invoices.POST("/:id/send", h.HandleMarkSent)
	invoices.POST("/:id/view", h.HandleMarkViewed)
}

func handleAudit(c *gin.Context, searcher AuditSearcher, tracer tracing.Tracer, aggregate, id string) {
	if searcher == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "audit search is not configured"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	entries, err := searcher.Search(c.Request.Context(), aggregate, id, limit)
	if err != nil {
		respondError(c, tracer, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// DeadLetterHandler lists and replays dead letters
type DeadLetterHandler struct {
	store    repositories.Store
	replayer *outbound.Replayer
	tracer   tracing.Tracer
}

func NewDeadLetterHandler(store repositories.Store, replayer *outbound.Replayer, tracer tracing.Tracer) *DeadLetterHandler {
	return &DeadLetterHandler{store: store, replayer: replayer, tracer: tracer}
}

type deadLetterQuery struct {
	Stage           string `form:"stage" binding:"omitempty,oneof=ingest publish command"`
	Since           string `form:"since"`
	Limit           int    `form:"limit" binding:"omitempty,gte=1,lte=1000"`
	IncludeReplayed bool   `form:"include_replayed"`
}

func (h *DeadLetterHandler) HandleListDeadLetters(c *gin.Context) {
	var q deadLetterQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, err)
		return
	}
	filter := repositories.DeadLetterFilter{Stage: q.Stage, Limit: q.Limit, IncludeReplayed: q.IncludeReplayed}
	if filter.Limit == 0 {
		filter.Limit = 100
	}
	if q.Since != "" {
		since, err := time.Parse(time.RFC3339, q.Since)
		if err != nil {
			badRequest(c, errors.Wrap(err, "invalid since"))
			return
		}
		filter.Since = since
	}

	letters, err := h.store.DeadLetters().List(c.Request.Context(), filter)
	if err != nil {
		respondError(c, h.tracer, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dead_letters": letters})
}

func (h *DeadLetterHandler) HandleReplay(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, errors.Wrap(err, "invalid dead letter id"))
		return
	}
	if err := h.replayer.Replay(c.Request.Context(), id); err != nil {
		respondError(c, h.tracer, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"replayed": id})
}

func (h *DeadLetterHandler) RegisterRoutes(router *gin.Engine) {
	letters := router.Group("/dead-letters")
	letters.GET("", h.HandleListDeadLetters)
	letters.POST("/:id/replay", h.HandleReplay)
}
