package mailer

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/vlasia/internal/circuitbreaker"
)

// ProtectedMailer fails fast while its breaker is open. Permanent failures
// are about one recipient, not the transport, and do not trip the breaker.
type ProtectedMailer struct {
	next    Mailer
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

func NewProtectedMailer(next Mailer, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *ProtectedMailer {
	return &ProtectedMailer{next: next, breaker: breaker, logger: logger}
}

func (p *ProtectedMailer) Send(ctx context.Context, msg Message) error {
	if !p.breaker.Allow() {
		p.logger.Warn("mail transport circuit open, failing fast",
			zap.String("breaker", p.breaker.Name()),
			zap.String("to", msg.To),
		)
		return &SendError{
			Transport: p.breaker.Name(),
			Cause:     fmt.Errorf("%w: %s unavailable", circuitbreaker.ErrCircuitOpen, p.breaker.Name()),
		}
	}

	err := p.next.Send(ctx, msg)
	switch {
	case err == nil:
		p.breaker.RecordSuccess()
	case IsPermanent(err):
		p.breaker.RecordSuccess()
	default:
		p.breaker.RecordFailure()
	}
	return err
}

// Breaker exposes the breaker for logging.
func (p *ProtectedMailer) Breaker() *circuitbreaker.CircuitBreaker {
	return p.breaker
}
