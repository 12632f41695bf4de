// Package inventory calls the inventory service's reservation API.
package inventory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"example.com/backstage/fulfillment/config"
	"example.com/backstage/fulfillment/internal/tracing"
)

// Outcome is the inventory service's answer to a reservation request
type Outcome string

const (
	OutcomeReserved Outcome = "reserved"
	OutcomeDenied   Outcome = "denied"
)

var (
	// ErrRejected is returned for requests the inventory service will never
	// accept, such as a malformed body
	ErrRejected = errors.New("inventory request rejected")
	// ErrUnavailable is returned for failures worth retrying
	ErrUnavailable = errors.New("inventory service unavailable")
)

// Client is the remote-call contract the outbound relay depends on
type Client interface {
	Reserve(ctx context.Context, productID string, quantity int, orderID, customerID string) (Outcome, error)
	Release(ctx context.Context, orderID, reason string) error
}

type reserveRequest struct {
	ProductID  string `json:"productId"`
	Quantity   int    `json:"quantity"`
	OrderID    string `json:"orderId"`
	CustomerID string `json:"customerId"`
}

type releaseRequest struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason"`
}

type reserveResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// HTTPClient talks to the inventory service over HTTP
type HTTPClient struct {
	baseURL string
	http    *http.Client
	log     zerolog.Logger
}

func NewHTTPClient(cfg config.InventoryConfig, log zerolog.Logger) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    tracing.HTTPClient(timeout),
		log:     log,
	}
}

// Reserve asks for quantity of productID on behalf of an order. A 409 or an
// explicit non-reserved status in the answer is a denial, not an error.
func (c *HTTPClient) Reserve(ctx context.Context, productID string, quantity int, orderID, customerID string) (Outcome, error) {
	status, body, err := c.post(ctx, "/inventory/reserve", reserveRequest{
		ProductID:  productID,
		Quantity:   quantity,
		OrderID:    orderID,
		CustomerID: customerID,
	})
	if err != nil {
		return "", err
	}

	switch {
	case status == http.StatusConflict:
		c.log.Info().Str("order_id", orderID).Str("product_id", productID).Msg("Reservation denied")
		return OutcomeDenied, nil
	case status >= 200 && status < 300:
		var resp reserveResponse
		if len(bytes.TrimSpace(body)) > 0 {
			if err := json.Unmarshal(body, &resp); err != nil {
				return "", errors.Wrap(ErrRejected, "invalid reserve response")
			}
		}
		if resp.Status != "" && Outcome(resp.Status) != OutcomeReserved {
			return OutcomeDenied, nil
		}
		return OutcomeReserved, nil
	}
	return "", statusError(status, body)
}

// Release gives back whatever the order holds. Releasing an order that holds
// nothing succeeds.
func (c *HTTPClient) Release(ctx context.Context, orderID, reason string) error {
	status, body, err := c.post(ctx, "/inventory/release", releaseRequest{OrderID: orderID, Reason: reason})
	if err != nil {
		return err
	}
	if status == http.StatusNotFound || (status >= 200 && status < 300) {
		return nil
	}
	return statusError(status, body)
}

func (c *HTTPClient) post(ctx context.Context, path string, payload interface{}) (int, []byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, errors.Wrap(err, "failed to marshal inventory request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return 0, nil, errors.Wrap(ErrRejected, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, errors.Wrap(ErrUnavailable, err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, errors.Wrap(ErrUnavailable, err.Error())
	}
	return resp.StatusCode, body, nil
}

func statusError(status int, body []byte) error {
	msg := fmt.Sprintf("status %d: %s", status, strings.TrimSpace(string(body)))
	if status >= 500 || status == http.StatusTooManyRequests || status == http.StatusRequestTimeout {
		return errors.Wrap(ErrUnavailable, msg)
	}
	return errors.Wrap(ErrRejected, msg)
}
