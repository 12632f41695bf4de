package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in   string
		want Amount
	}{
		{"580000", 58000000},
		{"580000.50", 58000050},
		{"0.01", 1},
		{"0.005", 1},
		{"0.004", 0},
		{"-1.255", -126},
		{"5.8e5", 58000000},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAmount(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseAmount("ten")
	assert.Error(t, err)
	_, err = ParseAmount("1e30")
	assert.Error(t, err)
}

func TestAmountJSON(t *testing.T) {
	var v struct {
		A Amount `json:"a"`
		B Amount `json:"b"`
		C Amount `json:"c"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":580000.5,"b":"12.34","c":null}`), &v))
	assert.Equal(t, Amount(58000050), v.A)
	assert.Equal(t, Amount(1234), v.B)
	assert.Equal(t, Amount(0), v.C)

	out, err := json.Marshal(map[string]Amount{"x": 58000050, "y": 58000000, "z": -5})
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":580000.50,"y":580000,"z":-0.05}`, string(out))
}

func TestFractionalPaymentDecodes(t *testing.T) {
	env := Envelope{EventID: "e-4", EventType: PaymentSuccess, Data: []byte(
		`{"paymentId":"P1","orderId":"O1","amount":580000.50,"method":"card","transactionId":"TXN-1"}`)}

	data, err := DecodeData[PaymentSuccessData](env)
	require.NoError(t, err)
	assert.Equal(t, Amount(58000050), data.Amount)
}

func TestOrderCreatedRejectsOversizedDiscount(t *testing.T) {
	env := Envelope{EventID: "e-5", EventType: OrderCreated, Data: []byte(
		`{"orderId":"O1","customerId":"C1","items":[{"productId":"P1","quantity":1,"price":10}],"discount":50}`)}

	_, err := DecodeData[OrderCreatedData](env)
	require.ErrorIs(t, err, ErrMalformedPayload)
	assert.Contains(t, err.Error(), "Discount")

	env.Data = []byte(`{"orderId":"O1","customerId":"C1","items":[{"productId":"P1","quantity":1,"price":10}],` +
		`"tax":2,"shippingCost":3,"discount":15}`)
	data, err := DecodeData[OrderCreatedData](env)
	require.NoError(t, err)
	assert.Equal(t, Amount(1000), data.Subtotal())
}
