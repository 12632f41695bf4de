package saga

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/backstage/fulfillment/internal/audit"
	"example.com/backstage/fulfillment/internal/billing"
	"example.com/backstage/fulfillment/internal/cache"
	"example.com/backstage/fulfillment/internal/events"
	"example.com/backstage/fulfillment/internal/ingress"
	"example.com/backstage/fulfillment/internal/metrics"
	"example.com/backstage/fulfillment/internal/models"
	"example.com/backstage/fulfillment/internal/repositories"
	"example.com/backstage/fulfillment/internal/retry"
	"example.com/backstage/fulfillment/internal/tracing"
)

func TestRedeliveredPaymentIsAppliedOnce(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	seen := cache.NewRedisCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Hour)

	store := repositories.NewMemoryStore()
	policy := retry.Policy{MaxAttempts: 2, ConflictRetries: 2, BaseBackoff: time.Millisecond}
	manager := billing.NewManager(store, nil, billing.Options{DueDays: 30, Currency: "VND", Source: "test", Retry: policy}, zerolog.Nop())
	svc := NewService(store, manager, nil, Options{Source: "test", ReservationTimeout: 15 * time.Minute, Retry: policy}, zerolog.Nop())
	in := ingress.New(store, svc.Routes(), seen, audit.NewLogRecorder(zerolog.Nop()), metrics.NewMetrics(), tracing.Disabled(),
		ingress.Options{Retry: policy, HandlerTimeout: time.Second}, zerolog.Nop())

	require.NoError(t, store.Orders().Create(ctx, &models.Order{
		ID:                "O1",
		CustomerID:        "C1",
		Status:            models.OrderConfirmed,
		PaymentStatus:     models.PaymentUnpaid,
		ReservationStatus: models.ReservationReserved,
		Subtotal:          500000,
		Tax:               50000,
		ShippingCost:      30000,
		Items: []models.OrderItem{
			{ProductID: "P1", Quantity: 2, UnitPrice: 200000},
			{ProductID: "P2", Quantity: 1, UnitPrice: 100000},
		},
	}))

	env, err := events.New(events.PaymentSuccess, "payment-svc", events.PaymentSuccessData{
		PaymentID: "PAY-1", OrderID: "O1", Amount: 580000, Method: "card", TransactionID: "TXN-1",
	})
	require.NoError(t, err)
	raw, err := env.Marshal()
	require.NoError(t, err)

	require.NoError(t, in.Ingest(ctx, raw))
	inv, err := store.Invoices().GetByOrderID(ctx, "O1")
	require.NoError(t, err)
	require.Equal(t, int64(580000), inv.PaidAmount)
	require.Equal(t, models.InvoicePaid, inv.Status)
	outbox := len(store.OutboxMessages())

	// the seen hint catches the first redelivery, the ledger the one after
	// the hint has expired
	require.NoError(t, in.Ingest(ctx, raw))
	mr.FlushAll()
	require.NoError(t, in.Ingest(ctx, raw))

	inv, err = store.Invoices().GetByOrderID(ctx, "O1")
	require.NoError(t, err)
	assert.Equal(t, int64(580000), inv.PaidAmount)
	assert.Equal(t, int64(0), inv.DueAmount)
	assert.Len(t, store.OutboxMessages(), outbox)

	o, err := store.Orders().GetByID(ctx, "O1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderPaid, o.Status)
	assert.Equal(t, models.PaymentPaid, o.PaymentStatus)
}
