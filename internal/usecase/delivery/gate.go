package delivery

import (
	"context"
	"time"

	"feed-relay/internal/resilience/circuitbreaker"
)

// DeliveryResult is what the messaging adapter reports for a sent message.
type DeliveryResult struct {
	MessageID string
}

// Deliverer sends one message to the messaging API.
type Deliverer interface {
	Deliver(ctx context.Context, destination, content string) (DeliveryResult, error)
}

// MetricSink receives one record per outbound call. Implementations must
// not block the caller.
type MetricSink interface {
	RecordCall(service, metricType string, success bool, elapsed time.Duration, errorCode string)
}

// Gate bundles the trackers consulted before and updated after every call
// to the messaging API, shared by the direct path and the queue processor.
type Gate struct {
	Conn    *ConnectionManager
	Breaker *circuitbreaker.DomainBreaker
	// BreakerKey is the key of the messaging API on Breaker, e.g. "api.telegram.org".
	BreakerKey string
	// Sink is optional.
	Sink MetricSink
	// Service labels health metrics, e.g. "delivery".
	Service string
}

// Allow reports whether a call may be made now. It consults the connection
// manager before the breaker so a refused attempt never holds a HALF_OPEN
// probe slot.
func (g *Gate) Allow() bool {
	if g.Conn != nil && !g.Conn.CanAttempt() {
		return false
	}
	if g.Breaker != nil && !g.Breaker.CanExecute(g.BreakerKey) {
		return false
	}
	return true
}

// Cancel gives back the probe slot of an allowed call that was not made.
func (g *Gate) Cancel() {
	if g.Breaker != nil {
		g.Breaker.Release(g.BreakerKey)
	}
}

// Record applies the outcome of one call made under ctx and returns its
// class. A failure after ctx ended is ClassCanceled: the probe slot is
// given back and nothing is recorded.
func (g *Gate) Record(ctx context.Context, err error, elapsed time.Duration) ErrorClass {
	if err != nil && ctx.Err() != nil {
		g.Cancel()
		return ClassCanceled
	}
	class := Classify(err)

	switch class {
	case ClassNone:
		g.connSuccess()
		g.breakerSuccess()
	case ClassTransient:
		g.connFailure(err)
		if g.Breaker != nil {
			g.Breaker.RecordFailure(g.BreakerKey)
		}
	case ClassRateLimited:
		// the API answered; throttling says nothing about its health
		g.Cancel()
	case ClassAuth:
		g.connFailure(err)
		if g.Breaker != nil {
			g.Breaker.RecordAuthFailure(g.BreakerKey)
		}
	case ClassPermanent:
		// the API answered and rejected this one message
		g.connSuccess()
		g.breakerSuccess()
	}

	if g.Sink != nil {
		g.Sink.RecordCall(g.Service, "delivery", class == ClassNone, elapsed, errorCode(err))
	}
	return class
}

func (g *Gate) connSuccess() {
	if g.Conn != nil {
		g.Conn.RecordSuccess()
	}
}

func (g *Gate) connFailure(err error) {
	if g.Conn != nil {
		g.Conn.RecordFailure(err)
	}
}

func (g *Gate) breakerSuccess() {
	if g.Breaker != nil {
		g.Breaker.RecordSuccess(g.BreakerKey)
	}
}
