package tracing

import (
	"context"
	"net/http"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"example.com/backstage/fulfillment/config"
)

// Tracer defines the interface for tracing. Every method is safe to call on a
// disabled tracer and on nil transactions.
type Tracer interface {
	StartTransaction(name string) *newrelic.Transaction
	StartSegment(txn *newrelic.Transaction, name string) *newrelic.Segment
	EndTransaction(txn *newrelic.Transaction)
	RecordError(txn *newrelic.Transaction, err error)
	AddAttribute(txn *newrelic.Transaction, key string, value interface{})
	Application() *newrelic.Application
	Close()
}

// NewRelicTracer implements Tracer using New Relic
type NewRelicTracer struct {
	app     *newrelic.Application
	log     zerolog.Logger
	enabled bool
}

// NewTracer creates a tracer. Without a license key it returns a disabled one.
func NewTracer(cfg config.TracingConfig, log zerolog.Logger) (*NewRelicTracer, error) {
	if cfg.LicenseKey == "" {
		log.Warn().Msg("New Relic license key not provided, tracing will be disabled")
		return &NewRelicTracer{log: log}, nil
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(cfg.AppName),
		newrelic.ConfigLicense(cfg.LicenseKey),
		newrelic.ConfigDistributedTracerEnabled(cfg.DistribTracing),
		newrelic.ConfigAppLogForwardingEnabled(cfg.LogEnabled),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize New Relic")
	}

	return &NewRelicTracer{app: app, log: log, enabled: true}, nil
}

// Disabled returns a tracer that records nothing
func Disabled() *NewRelicTracer {
	return &NewRelicTracer{log: zerolog.Nop()}
}

func (t *NewRelicTracer) StartTransaction(name string) *newrelic.Transaction {
	if !t.enabled || t.app == nil {
		return nil
	}
	return t.app.StartTransaction(name)
}

// StartSegment starts a segment within txn. A nil segment is safe to End.
func (t *NewRelicTracer) StartSegment(txn *newrelic.Transaction, name string) *newrelic.Segment {
	if !t.enabled || txn == nil {
		return nil
	}
	return txn.StartSegment(name)
}

func (t *NewRelicTracer) EndTransaction(txn *newrelic.Transaction) {
	if !t.enabled || txn == nil {
		return
	}
	txn.End()
}

func (t *NewRelicTracer) RecordError(txn *newrelic.Transaction, err error) {
	if !t.enabled || txn == nil || err == nil {
		return
	}
	txn.NoticeError(err)
}

func (t *NewRelicTracer) AddAttribute(txn *newrelic.Transaction, key string, value interface{}) {
	if !t.enabled || txn == nil {
		return
	}
	txn.AddAttribute(key, value)
}

// Application returns the New Relic application, nil when disabled
func (t *NewRelicTracer) Application() *newrelic.Application {
	return t.app
}

// Close flushes pending data
func (t *NewRelicTracer) Close() {
	if !t.enabled || t.app == nil {
		return
	}
	t.app.Shutdown(10 * time.Second)
	t.log.Info().Msg("New Relic tracer shutdown")
}

// HTTPClient returns a client whose requests are recorded as external
// segments of the transaction found in the request context
func HTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: newrelic.NewRoundTripper(http.DefaultTransport),
	}
}

// WithTransaction attaches txn to ctx so downstream calls join it
func WithTransaction(ctx context.Context, txn *newrelic.Transaction) context.Context {
	if txn == nil {
		return ctx
	}
	return newrelic.NewContext(ctx, txn)
}
