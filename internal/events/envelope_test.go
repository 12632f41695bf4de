package events

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeRequiresIdTypeAndData(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `{"eventId":`},
		{"missing event id", `{"eventType":"payment.success","data":{"orderId":"O1"}}`},
		{"missing event type", `{"eventId":"e-1","data":{"orderId":"O1"}}`},
		{"missing data", `{"eventId":"e-1","eventType":"payment.success"}`},
		{"null data", `{"eventId":"e-1","eventType":"payment.success","data":null}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.raw))
			require.Error(t, err)
			require.ErrorIs(t, err, ErrMalformedEnvelope)
			require.True(t, IsMalformed(err))
		})
	}
}

func TestDecodeValidEnvelope(t *testing.T) {
	raw := `{"eventId":"e-1","eventType":"payment.success","timestamp":"2025-10-01T10:00:00Z",` +
		`"source":"payment-svc","version":"1.0","data":{"paymentId":"P1","orderId":"O1","amount":580000,"method":"card","transactionId":"TXN-1"}}`

	env, err := Decode([]byte(raw))
	require.NoError(t, err)
	require.Equal(t, "e-1", env.EventID)
	require.Equal(t, PaymentSuccess, env.EventType)
	require.Equal(t, "payment-svc", env.Source)
	require.Equal(t, "O1", env.PartitionKey())

	data, err := DecodeData[PaymentSuccessData](env)
	require.NoError(t, err)
	require.Equal(t, Amount(58000000), data.Amount)
	require.Equal(t, "TXN-1", data.TransactionID)
}

func TestDecodeDataRejectsInvalidPayload(t *testing.T) {
	env := Envelope{EventID: "e-2", EventType: PaymentSuccess, Data: []byte(`{"orderId":"O1","amount":0}`)}

	_, err := DecodeData[PaymentSuccessData](env)
	require.ErrorIs(t, err, ErrMalformedPayload)
	require.True(t, IsMalformed(err))
}

func TestIDAcceptsNumbersAndStrings(t *testing.T) {
	env := Envelope{EventID: "e-3", EventType: OrderCreated, Data: []byte(
		`{"orderId":"O9","customerId":42,"items":[{"productId":7,"quantity":2,"price":1000}],"totalAmount":2000}`)}

	data, err := DecodeData[OrderCreatedData](env)
	require.NoError(t, err)
	require.Equal(t, ID("42"), data.CustomerID)
	require.Equal(t, ID("7"), data.Items[0].ProductID)
}

func TestNewStampsIdentityAndVersion(t *testing.T) {
	env, err := New(OrderCancelled, "fulfillment-svc", OrderCancelledData{OrderID: "O3", Reason: ReasonOrderCancelled})
	require.NoError(t, err)
	require.NotEmpty(t, env.EventID)
	require.Equal(t, SchemaVersion, env.Version)
	require.NoError(t, env.Validate())
	require.Equal(t, "O3", env.PartitionKey())
}

func TestInventoryReservedLines(t *testing.T) {
	single := InventoryReservedData{OrderID: "O1", ProductID: "P1", Quantity: 2}
	require.Equal(t, []ReservedItem{{ProductID: "P1", Quantity: 2}}, single.Lines())

	multi := InventoryReservedData{OrderID: "O1", Items: []ReservedItem{{ProductID: "P1", Quantity: 1}, {ProductID: "P2", Quantity: 3}}}
	require.Len(t, multi.Lines(), 2)

	require.Empty(t, InventoryReservedData{OrderID: "O1"}.Lines())
}

func TestTopicRegistry(t *testing.T) {
	for _, topic := range []string{"product.stock.changed", "inventory.low_stock", "segment.changed", "payment.initiated"} {
		require.True(t, IsKnownTopic(topic), topic)
	}
	require.False(t, IsKnownTopic("order.shipped"))
	require.Len(t, Topics(), 29)
}
