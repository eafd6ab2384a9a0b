package funding

import (
	"context"
	"errors"
	"fmt"
)

// Pool is the sole writer of a project's funded and reserved amounts.
type Pool struct {
	store                 Store
	nowFn                 func() int64
	locker                Locker
	logger                OperationLogger
	reservationTTLSeconds int64
}

// NewPool wires a Pool.
func NewPool(store Store, now func() int64, options ...PoolOption) (*Pool, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	pool := &Pool{
		store:                 store,
		nowFn:                 now,
		locker:                NewProjectLocks(),
		reservationTTLSeconds: int64(DefaultReservationTTL.Seconds()),
	}
	for _, option := range options {
		if option != nil {
			option(pool)
		}
	}
	return pool, nil
}

// ReservationTTLSeconds returns the configured reservation lifetime.
func (pool *Pool) ReservationTTLSeconds() int64 {
	return pool.reservationTTLSeconds
}

// Reserve holds amount against the project's remaining capacity.
func (pool *Pool) Reserve(ctx context.Context, projectID ProjectID, reservationID ReservationID, amount PositiveAmountCents) (ReservationToken, error) {
	var token ReservationToken
	operationError := pool.withProjectLock(ctx, projectID, func() error {
		return pool.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			project, err := transactionStore.GetProjectForUpdate(ctx, projectID)
			if err != nil {
				return err
			}
			if project.Status() != ProjectStatusActive {
				return fmt.Errorf("%w: status %s", ErrProjectNotAcceptingFunds, project.Status())
			}
			if amount < project.MinInvestment() {
				return fmt.Errorf("%w: minimum %d", ErrBelowMinimum, project.MinInvestment())
			}
			available := project.Available()
			if amount.ToAmountCents() > available {
				return &CapacityError{Available: available}
			}
			reservation, err := NewReservation(reservationID, projectID, amount, ReservationStatusActive, pool.nowFn()+pool.reservationTTLSeconds)
			if err != nil {
				return err
			}
			if err := transactionStore.CreateReservation(ctx, reservation); err != nil {
				return err
			}
			reserved := AmountCents(project.ReservedAmount().Int64() + amount.Int64())
			if err := transactionStore.SaveProjectFunding(ctx, projectID, project.FundedAmount(), reserved); err != nil {
				return err
			}
			token = reservation.Token()
			return nil
		})
	})
	pool.logOperation(ctx, OperationLog{
		Operation:     operationReserve,
		ProjectID:     projectID,
		ReservationID: reservationID,
		Amount:        amount.ToAmountCents(),
		Error:         operationError,
	})
	if operationError != nil {
		return ReservationToken{}, operationError
	}
	return token, nil
}

// Commit converts a live reservation into funded capacity.
// A reservation found past its deadline is expired in the same critical section and ErrTokenExpired is returned.
func (pool *Pool) Commit(ctx context.Context, token ReservationToken) (CommitResult, error) {
	var (
		result  CommitResult
		expired bool
	)
	operationError := pool.withProjectLock(ctx, token.ProjectID, func() error {
		return pool.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			reservation, err := loadReservation(ctx, transactionStore, token)
			if err != nil {
				return err
			}
			switch reservation.Status() {
			case ReservationStatusCommitted:
				return ErrAlreadyCommitted
			case ReservationStatusReleased:
				return ErrReservationClosed
			case ReservationStatusExpired:
				return ErrTokenExpired
			}
			project, err := transactionStore.GetProjectForUpdate(ctx, token.ProjectID)
			if err != nil {
				return err
			}
			if pool.nowFn() >= reservation.ExpiresAtUnixUTC() {
				expired = true
				return pool.closeActive(ctx, transactionStore, project, reservation, ReservationStatusExpired)
			}
			result, err = pool.commitActive(ctx, transactionStore, project, reservation)
			return err
		})
	})
	if operationError == nil && expired {
		operationError = ErrTokenExpired
	}
	pool.logOperation(ctx, OperationLog{
		Operation:     operationCommit,
		ProjectID:     token.ProjectID,
		ReservationID: token.ReservationID,
		Amount:        token.Amount.ToAmountCents(),
		Error:         operationError,
	})
	if operationError != nil {
		return CommitResult{}, operationError
	}
	return result, nil
}

// CommitLate commits a reservation regardless of its deadline. A reservation that was already
// expired is re-admitted only when the project still has room for it.
func (pool *Pool) CommitLate(ctx context.Context, token ReservationToken) (CommitResult, error) {
	var result CommitResult
	operationError := pool.withProjectLock(ctx, token.ProjectID, func() error {
		return pool.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			reservation, err := loadReservation(ctx, transactionStore, token)
			if err != nil {
				return err
			}
			project, err := transactionStore.GetProjectForUpdate(ctx, token.ProjectID)
			if err != nil {
				return err
			}
			switch reservation.Status() {
			case ReservationStatusCommitted:
				return ErrAlreadyCommitted
			case ReservationStatusReleased:
				return ErrReservationClosed
			case ReservationStatusActive:
				result, err = pool.commitActive(ctx, transactionStore, project, reservation)
				return err
			}
			if project.Status() != ProjectStatusActive {
				return fmt.Errorf("%w: project status %s", ErrTokenExpired, project.Status())
			}
			available := project.Available()
			if reservation.Amount().ToAmountCents() > available {
				return fmt.Errorf("%w: available %d", ErrTokenExpired, available)
			}
			if err := transactionStore.UpdateReservationStatus(ctx, reservation.ReservationID(), ReservationStatusExpired, ReservationStatusCommitted); err != nil {
				return err
			}
			funded := AmountCents(project.FundedAmount().Int64() + reservation.Amount().Int64())
			if err := transactionStore.SaveProjectFunding(ctx, project.ID(), funded, project.ReservedAmount()); err != nil {
				return err
			}
			result = newCommitResult(funded, project.TargetAmount())
			return nil
		})
	})
	pool.logOperation(ctx, OperationLog{
		Operation:     operationCommitLate,
		ProjectID:     token.ProjectID,
		ReservationID: token.ReservationID,
		Amount:        token.Amount.ToAmountCents(),
		Error:         operationError,
	})
	if operationError != nil {
		return CommitResult{}, operationError
	}
	return result, nil
}

// Release returns a reservation's amount to capacity. Closed reservations are left untouched.
func (pool *Pool) Release(ctx context.Context, token ReservationToken) error {
	_, err := pool.close(ctx, token, ReservationStatusReleased, operationRelease)
	return err
}

// Expire is Release for reservations abandoned past their deadline.
func (pool *Pool) Expire(ctx context.Context, token ReservationToken) error {
	_, err := pool.close(ctx, token, ReservationStatusExpired, operationExpire)
	return err
}

// SweepExpired expires active reservations whose deadline has passed and reports how many were closed.
func (pool *Pool) SweepExpired(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultSweepLimit
	}
	reservations, err := pool.store.ListExpiredReservations(ctx, pool.nowFn(), limit)
	if err != nil {
		return 0, WrapError(errorOperationPool, errorSubjectReserve, operationSweep, err)
	}
	swept := 0
	var sweepError error
	for _, reservation := range reservations {
		changed, err := pool.close(ctx, reservation.Token(), ReservationStatusExpired, operationExpire)
		if err != nil {
			if errors.Is(err, ErrAlreadyCommitted) {
				continue
			}
			sweepError = errors.Join(sweepError, err)
			continue
		}
		if changed {
			swept++
		}
	}
	pool.logOperation(ctx, OperationLog{
		Operation: operationSweep,
		Amount:    AmountCents(swept),
		Error:     sweepError,
	})
	return swept, sweepError
}

// Funding returns the current capacity view of a project.
func (pool *Pool) Funding(ctx context.Context, projectID ProjectID) (FundingSnapshot, error) {
	project, err := pool.store.GetProject(ctx, projectID)
	if err != nil {
		return FundingSnapshot{}, err
	}
	return project.Snapshot(), nil
}

func (pool *Pool) close(ctx context.Context, token ReservationToken, target ReservationStatus, operation string) (bool, error) {
	changed := false
	operationError := pool.withProjectLock(ctx, token.ProjectID, func() error {
		return pool.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			reservation, err := loadReservation(ctx, transactionStore, token)
			if err != nil {
				return err
			}
			switch reservation.Status() {
			case ReservationStatusCommitted:
				return ErrAlreadyCommitted
			case ReservationStatusReleased, ReservationStatusExpired:
				return nil
			}
			project, err := transactionStore.GetProjectForUpdate(ctx, token.ProjectID)
			if err != nil {
				return err
			}
			changed = true
			return pool.closeActive(ctx, transactionStore, project, reservation, target)
		})
	})
	if operationError != nil {
		changed = false
	}
	pool.logOperation(ctx, OperationLog{
		Operation:     operation,
		ProjectID:     token.ProjectID,
		ReservationID: token.ReservationID,
		Amount:        token.Amount.ToAmountCents(),
		Error:         operationError,
	})
	return changed, operationError
}

func (pool *Pool) commitActive(ctx context.Context, transactionStore Store, project Project, reservation Reservation) (CommitResult, error) {
	reserved, err := subtractReserved(project, reservation.Amount())
	if err != nil {
		return CommitResult{}, err
	}
	if err := transactionStore.UpdateReservationStatus(ctx, reservation.ReservationID(), ReservationStatusActive, ReservationStatusCommitted); err != nil {
		return CommitResult{}, err
	}
	funded := AmountCents(project.FundedAmount().Int64() + reservation.Amount().Int64())
	if err := transactionStore.SaveProjectFunding(ctx, project.ID(), funded, reserved); err != nil {
		return CommitResult{}, err
	}
	return newCommitResult(funded, project.TargetAmount()), nil
}

func (pool *Pool) closeActive(ctx context.Context, transactionStore Store, project Project, reservation Reservation, target ReservationStatus) error {
	reserved, err := subtractReserved(project, reservation.Amount())
	if err != nil {
		return err
	}
	if err := transactionStore.UpdateReservationStatus(ctx, reservation.ReservationID(), ReservationStatusActive, target); err != nil {
		return err
	}
	return transactionStore.SaveProjectFunding(ctx, project.ID(), project.FundedAmount(), reserved)
}

func (pool *Pool) withProjectLock(ctx context.Context, projectID ProjectID, fn func() error) error {
	if projectID.IsZero() {
		return fmt.Errorf("%w: empty value", ErrInvalidProjectID)
	}
	unlock, err := pool.locker.Lock(ctx, projectID)
	if err != nil {
		return WrapError(errorOperationPool, errorSubjectProject, errorCodeLock, err)
	}
	defer unlock()
	return fn()
}

func (pool *Pool) logOperation(ctx context.Context, entry OperationLog) {
	if pool.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	pool.logger.LogOperation(ctx, entry)
}

func loadReservation(ctx context.Context, transactionStore Store, token ReservationToken) (Reservation, error) {
	reservation, err := transactionStore.GetReservation(ctx, token.ReservationID)
	if err != nil {
		return Reservation{}, err
	}
	if reservation.ProjectID() != token.ProjectID {
		return Reservation{}, fmt.Errorf("%w: project mismatch", ErrUnknownReservation)
	}
	return reservation, nil
}

func subtractReserved(project Project, amount PositiveAmountCents) (AmountCents, error) {
	reserved, err := NewAmountCents(project.ReservedAmount().Int64() - amount.Int64())
	if err != nil {
		return 0, WrapError(errorOperationPool, errorSubjectProject, errorCodeNegativeSpare, ErrInvalidBalance)
	}
	return reserved, nil
}

func newCommitResult(funded AmountCents, target PositiveAmountCents) CommitResult {
	return CommitResult{
		FundedAmount:    funded,
		TargetAmount:    target,
		FullySubscribed: funded.Int64() >= target.Int64(),
	}
}
