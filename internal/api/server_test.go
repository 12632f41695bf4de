package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"example.com/backstage/fulfillment/config"
	"example.com/backstage/fulfillment/internal/audit"
	"example.com/backstage/fulfillment/internal/billing"
	"example.com/backstage/fulfillment/internal/metrics"
	"example.com/backstage/fulfillment/internal/models"
	"example.com/backstage/fulfillment/internal/outbound"
	"example.com/backstage/fulfillment/internal/repositories"
	"example.com/backstage/fulfillment/internal/retry"
	"example.com/backstage/fulfillment/internal/saga"
)

type stubSearcher struct {
	aggregate, id string
}

func (s *stubSearcher) Search(ctx context.Context, aggregate, aggregateID string, limit int) ([]audit.Entry, error) {
	s.aggregate, s.id = aggregate, aggregateID
	return []audit.Entry{{Aggregate: aggregate, AggregateID: aggregateID, Action: "created"}}, nil
}

type APISuite struct {
	suite.Suite
	store    *repositories.MemoryStore
	billing  *billing.Manager
	metrics  *metrics.Metrics
	searcher *stubSearcher
	handler  http.Handler
	ctx      context.Context
}

func TestAPISuite(t *testing.T) {
	suite.Run(t, new(APISuite))
}

func (s *APISuite) SetupTest() {
	s.ctx = context.Background()
	s.store = repositories.NewMemoryStore()
	s.metrics = metrics.NewMetrics()
	s.searcher = &stubSearcher{}
	policy := retry.Policy{MaxAttempts: 2, ConflictRetries: 2, BaseBackoff: time.Millisecond}
	s.billing = billing.NewManager(s.store, nil, billing.Options{DueDays: 30, Currency: "VND", Source: "test", Retry: policy}, zerolog.Nop())
	orders := saga.NewService(s.store, s.billing, nil, saga.Options{Source: "test", Retry: policy}, zerolog.Nop())

	srv := NewServer(config.ServerConfig{Address: ":0", MetricsEnabled: true}, Dependencies{
		Store:    s.store,
		Orders:   orders,
		Invoices: s.billing,
		Replayer: outbound.NewReplayer(s.store, nil, zerolog.Nop()),
		Audit:    s.searcher,
		Metrics:  s.metrics,
	}, zerolog.Nop())
	s.handler = srv.Handler()
}

func (s *APISuite) do(method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		s.Require().NoError(err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)

	var out map[string]interface{}
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &out)
	}
	return w, out
}

func (s *APISuite) seedOrder(id string, status models.OrderStatus) *models.Order {
	order := &models.Order{
		ID:                id,
		CustomerID:        "C1",
		Status:            status,
		PaymentStatus:     models.PaymentUnpaid,
		ReservationStatus: models.ReservationReserved,
		Subtotal:          500000,
		Tax:               50000,
		ShippingCost:      30000,
		Items: []models.OrderItem{
			{ProductID: "P1", Quantity: 2, UnitPrice: 200000},
			{ProductID: "P2", Quantity: 1, UnitPrice: 100000},
		},
	}
	s.Require().NoError(s.store.Orders().Create(s.ctx, order))
	return order
}

func (s *APISuite) seedInvoice(order *models.Order) *models.Invoice {
	var inv *models.Invoice
	err := s.store.WithTransaction(s.ctx, func(ctx context.Context, tx repositories.Store) error {
		var err error
		inv, err = s.billing.CreateForOrderTx(ctx, tx, order)
		return err
	})
	s.Require().NoError(err)
	return inv
}

func (s *APISuite) TestHealthAndMetrics() {
	w, body := s.do(http.MethodGet, "/health", nil)
	s.Equal(http.StatusOK, w.Code)
	s.Equal(true, body["status"])

	s.metrics.SetHealth("broker", false)
	w, _ = s.do(http.MethodGet, "/health", nil)
	s.Equal(http.StatusServiceUnavailable, w.Code)

	s.metrics.IncrementCounter(metrics.EventsReceived)
	w, _ = s.do(http.MethodGet, "/metrics", nil)
	s.Equal(http.StatusOK, w.Code)
	s.Contains(w.Body.String(), metrics.EventsReceived)
}

func (s *APISuite) TestGetOrder() {
	s.seedOrder("O1", models.OrderConfirmed)

	w, body := s.do(http.MethodGet, "/orders/O1", nil)
	s.Equal(http.StatusOK, w.Code)
	s.Equal("confirmed", body["status"])

	w, _ = s.do(http.MethodGet, "/orders/missing", nil)
	s.Equal(http.StatusNotFound, w.Code)
}

func (s *APISuite) TestCancelAndShip() {
	s.seedOrder("O1", models.OrderConfirmed)
	s.seedOrder("O2", models.OrderPaid)

	w, body := s.do(http.MethodPost, "/orders/O1/cancel", map[string]string{"reason": "customer_request"})
	s.Equal(http.StatusOK, w.Code)
	s.Equal("cancelled", body["status"])

	w, _ = s.do(http.MethodPost, "/orders/O1/cancel", nil)
	s.Equal(http.StatusConflict, w.Code)

	w, _ = s.do(http.MethodPost, "/orders/O1/ship", nil)
	s.Equal(http.StatusConflict, w.Code)

	w, body = s.do(http.MethodPost, "/orders/O2/ship", nil)
	s.Equal(http.StatusOK, w.Code)
	s.Equal("shipped", body["status"])
}

func (s *APISuite) TestInvoicePayments() {
	inv := s.seedInvoice(s.seedOrder("O1", models.OrderConfirmed))
	path := "/invoices/" + inv.ID.String()

	w, body := s.do(http.MethodGet, path, nil)
	s.Require().Equal(http.StatusOK, w.Code)
	s.Equal(float64(580000), body["remaining"])

	w, _ = s.do(http.MethodPost, path+"/payments", map[string]interface{}{"amount": 0})
	s.Equal(http.StatusBadRequest, w.Code)

	w, body = s.do(http.MethodPost, path+"/payments", map[string]interface{}{"amount": 200000, "method": "card", "transactionId": "T1"})
	s.Equal(http.StatusOK, w.Code)
	s.Equal(float64(380000), body["remaining"])

	w, body = s.do(http.MethodPost, path+"/payments", map[string]interface{}{"amount": 380000, "transactionId": "T2"})
	s.Equal(http.StatusOK, w.Code)
	s.Equal(float64(0), body["remaining"])

	w, _ = s.do(http.MethodPost, path+"/payments", map[string]interface{}{"amount": 1, "transactionId": "T3"})
	s.Equal(http.StatusConflict, w.Code)
}

func (s *APISuite) TestInvoicePresentation() {
	inv := s.seedInvoice(s.seedOrder("O1", models.OrderConfirmed))
	path := "/invoices/" + inv.ID.String()

	w, _ := s.do(http.MethodPost, path+"/send", nil)
	s.Equal(http.StatusOK, w.Code)
	w, _ = s.do(http.MethodPost, path+"/view", nil)
	s.Equal(http.StatusOK, w.Code)
	w, _ = s.do(http.MethodPost, path+"/send", nil)
	s.Equal(http.StatusConflict, w.Code)

	w, _ = s.do(http.MethodGet, "/invoices/not-a-uuid", nil)
	s.Equal(http.StatusBadRequest, w.Code)
	w, _ = s.do(http.MethodGet, "/invoices/"+uuid.NewString(), nil)
	s.Equal(http.StatusNotFound, w.Code)
}

func (s *APISuite) TestAudit() {
	w, body := s.do(http.MethodGet, "/orders/O7/audit", nil)
	s.Equal(http.StatusOK, w.Code)
	s.Equal("order", s.searcher.aggregate)
	s.Equal("O7", s.searcher.id)
	s.Len(body["entries"], 1)
}

func (s *APISuite) TestDeadLetters() {
	letter := &models.DeadLetter{
		Stage:        models.StagePublish,
		Kind:         models.OutboxEvent,
		Topic:        "order.updated",
		PartitionKey: "O1",
		Payload:      []byte(`{"eventId":"e1"}`),
		Error:        "broker unavailable",
	}
	s.Require().NoError(s.store.DeadLetters().Create(s.ctx, letter))

	w, body := s.do(http.MethodGet, "/dead-letters?stage=publish", nil)
	s.Equal(http.StatusOK, w.Code)
	s.Len(body["dead_letters"], 1)

	w, _ = s.do(http.MethodGet, "/dead-letters?stage=bogus", nil)
	s.Equal(http.StatusBadRequest, w.Code)

	w, _ = s.do(http.MethodPost, "/dead-letters/"+letter.ID.String()+"/replay", nil)
	s.Equal(http.StatusAccepted, w.Code)
	w, _ = s.do(http.MethodPost, "/dead-letters/"+letter.ID.String()+"/replay", nil)
	s.Equal(http.StatusConflict, w.Code)

	pending, err := s.store.Outbox().Pending(s.ctx, 10)
	s.Require().NoError(err)
	s.Require().Len(pending, 1)
	s.Equal("O1", pending[0].PartitionKey)

	w, body = s.do(http.MethodGet, "/dead-letters", nil)
	s.Equal(http.StatusOK, w.Code)
	s.Empty(body["dead_letters"])
}

func TestAuditNotConfigured(t *testing.T) {
	srv := NewServer(config.ServerConfig{}, Dependencies{Store: repositories.NewMemoryStore()}, zerolog.Nop())
	req := httptest.NewRequest(http.MethodGet, "/invoices/"+uuid.NewString()+"/audit", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotImplemented, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}
