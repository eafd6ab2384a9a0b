package funding

import (
	"context"
	"time"
)

// PoolOption configures a Pool instance.
type PoolOption func(*Pool)

// OperationLogger records domain-level events emitted by Pool operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing pool operation.
type OperationLog struct {
	Operation     string
	ProjectID     ProjectID
	ReservationID ReservationID
	Amount        AmountCents
	Status        string
	Error         error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) PoolOption {
	return func(pool *Pool) {
		pool.logger = logger
	}
}

// WithLocker replaces the in-process project locks, e.g. with a cross-process lock.
func WithLocker(locker Locker) PoolOption {
	return func(pool *Pool) {
		if locker != nil {
			pool.locker = locker
		}
	}
}

// WithReservationTTL overrides DefaultReservationTTL.
func WithReservationTTL(ttl time.Duration) PoolOption {
	return func(pool *Pool) {
		if ttl >= time.Second {
			pool.reservationTTLSeconds = int64(ttl / time.Second)
		}
	}
}
