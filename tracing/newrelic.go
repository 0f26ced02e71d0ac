package tracing

import (
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/TemporalDynamics/ecosign-sub001/config"
)

const shutdownTimeout = 10 * time.Second

// Tracer records background work (reconciliation passes, submissions) as
// New Relic transactions. HTTP requests are traced by nrgin through
// Application.
type Tracer interface {
	Begin(name string) *Operation
	// Application is nil when tracing is disabled
	Application() *newrelic.Application
	Close()
}

// Operation is one traced unit of work. A nil or disabled operation ignores
// every call, so callers never branch on whether tracing is on.
type Operation struct {
	txn *newrelic.Transaction
}

// Attr attaches a key/value to the operation
func (o *Operation) Attr(key string, value interface{}) *Operation {
	if o != nil && o.txn != nil {
		o.txn.AddAttribute(key, value)
	}
	return o
}

// Fail records err against the operation; nil errors are ignored.
func (o *Operation) Fail(err error) {
	if o == nil || o.txn == nil || err == nil {
		return
	}
	o.txn.NoticeError(err)
}

// Step times a named segment; call the returned func when it is done.
func (o *Operation) Step(name string) func() {
	if o == nil || o.txn == nil {
		return func() {}
	}
	seg := o.txn.StartSegment(name)
	return seg.End
}

// End closes the operation
func (o *Operation) End() {
	if o == nil || o.txn == nil {
		return
	}
	o.txn.End()
}

// NewRelicTracer implements Tracer using New Relic
type NewRelicTracer struct {
	app *newrelic.Application
}

// NewTracer creates a tracer; without a license key it records nothing.
func NewTracer(cfg config.TracingConfig) (Tracer, error) {
	if cfg.LicenseKey == "" {
		log.Warn().Msg("New Relic license key not provided, tracing will be disabled")
		return Disabled(), nil
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
	return &NewRelicTracer{app: app}, nil
}

// Disabled returns a tracer that records nothing
func Disabled() Tracer {
	return &NewRelicTracer{}
}

// Begin implements Tracer
func (t *NewRelicTracer) Begin(name string) *Operation {
	if t.app == nil {
		return &Operation{}
	}
	return &Operation{txn: t.app.StartTransaction(name)}
}

// Application implements Tracer
func (t *NewRelicTracer) Application() *newrelic.Application {
	return t.app
}

// Close flushes pending data to New Relic
func (t *NewRelicTracer) Close() {
	if t.app == nil {
		return
	}
	t.app.Shutdown(shutdownTimeout)
	log.Info().Msg("New Relic tracer shutdown")
}
