package pgstore

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/fundpool/pkg/funding"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintReservationPrimary = "funding_reservations_pkey"
	pgUniqueViolationCode        = "23505"
	errorOperationStore          = "store"
	errorSubjectProject          = "project"
	errorSubjectReservation      = "reservation"
	errorSubjectTransaction      = "transaction"
	errorCodeBegin               = "begin"
	errorCodeCommit              = "commit"
	errorCodeCreate              = "create"
	errorCodeDuplicate           = "duplicate"
	errorCodeGet                 = "get"
	errorCodeInvalid             = "invalid"
	errorCodeList                = "list"
	errorCodeUpdate              = "update"
	errorCodeUpdateStatus        = "update_status"

	sqlSelectProject = `
		select project_id, target_cents, funded_cents, reserved_cents, min_investment_cents, status
		from projects
		where project_id = $1
	`

	sqlSelectProjectForUpdate = sqlSelectProject + ` for update`

	sqlUpdateProjectFunding = `
		update projects
		set funded_cents = $2, reserved_cents = $3, updated_at = now()
		where project_id = $1 and $2::bigint + $3::bigint <= target_cents
	`

	sqlInsertReservation = `
		insert into funding_reservations(reservation_id, project_id, amount_cents, status, expires_at, created_at, updated_at)
		values ($1, $2, $3, $4, to_timestamp($5), now(), now())
	`

	sqlSelectReservation = `
		select reservation_id, project_id, amount_cents, status, extract(epoch from expires_at)::bigint
		from funding_reservations
		where reservation_id = $1
		for update
	`

	sqlUpdateReservationStatus = `
		update funding_reservations
		set status = $3, updated_at = now()
		where reservation_id = $1 and status = $2
	`

	sqlListExpiredReservations = `
		select reservation_id, project_id, amount_cents, status, extract(epoch from expires_at)::bigint
		from funding_reservations
		where status = 'active' and expires_at <= to_timestamp($1)
		order by expires_at asc
		limit $2
	`
)

// querier is the subset of pgx shared by the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// Store implements funding.Store using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
	db   querier
}

// TxStore implements funding.Store for an active transaction.
type TxStore struct {
	tx pgx.Tx
	db querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore funding.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{tx: tx, db: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) GetProject(ctx context.Context, projectID funding.ProjectID) (funding.Project, error) {
	return selectProject(ctx, store.db, sqlSelectProject, projectID)
}

func (store *Store) GetProjectForUpdate(ctx context.Context, projectID funding.ProjectID) (funding.Project, error) {
	return selectProject(ctx, store.db, sqlSelectProjectForUpdate, projectID)
}

func (store *Store) SaveProjectFunding(ctx context.Context, projectID funding.ProjectID, funded funding.AmountCents, reserved funding.AmountCents) error {
	return updateProjectFunding(ctx, store.db, projectID, funded, reserved)
}

func (store *Store) CreateReservation(ctx context.Context, reservation funding.Reservation) error {
	return insertReservation(ctx, store.db, reservation)
}

func (store *Store) GetReservation(ctx context.Context, reservationID funding.ReservationID) (funding.Reservation, error) {
	return selectReservation(ctx, store.db, reservationID)
}

func (store *Store) UpdateReservationStatus(ctx context.Context, reservationID funding.ReservationID, from, to funding.ReservationStatus) error {
	return updateReservationStatus(ctx, store.db, reservationID, from, to)
}

func (store *Store) ListExpiredReservations(ctx context.Context, atUnixUTC int64, limit int) ([]funding.Reservation, error) {
	return listExpiredReservations(ctx, store.db, atUnixUTC, limit)
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore funding.Store) error) error {
	return fn(ctx, store)
}

func (store *TxStore) GetProject(ctx context.Context, projectID funding.ProjectID) (funding.Project, error) {
	return selectProject(ctx, store.db, sqlSelectProject, projectID)
}

func (store *TxStore) GetProjectForUpdate(ctx context.Context, projectID funding.ProjectID) (funding.Project, error) {
	return selectProject(ctx, store.db, sqlSelectProjectForUpdate, projectID)
}

func (store *TxStore) SaveProjectFunding(ctx context.Context, projectID funding.ProjectID, funded funding.AmountCents, reserved funding.AmountCents) error {
	return updateProjectFunding(ctx, store.db, projectID, funded, reserved)
}

func (store *TxStore) CreateReservation(ctx context.Context, reservation funding.Reservation) error {
	return insertReservation(ctx, store.db, reservation)
}

func (store *TxStore) GetReservation(ctx context.Context, reservationID funding.ReservationID) (funding.Reservation, error) {
	return selectReservation(ctx, store.db, reservationID)
}

func (store *TxStore) UpdateReservationStatus(ctx context.Context, reservationID funding.ReservationID, from, to funding.ReservationStatus) error {
	return updateReservationStatus(ctx, store.db, reservationID, from, to)
}

func (store *TxStore) ListExpiredReservations(ctx context.Context, atUnixUTC int64, limit int) ([]funding.Reservation, error) {
	return listExpiredReservations(ctx, store.db, atUnixUTC, limit)
}

func selectProject(ctx context.Context, db querier, query string, projectID funding.ProjectID) (funding.Project, error) {
	var (
		idValue       string
		targetValue   int64
		fundedValue   int64
		reservedValue int64
		minimumValue  int64
		statusValue   string
	)
	err := db.QueryRow(ctx, query, projectID.String()).Scan(
		&idValue,
		&targetValue,
		&fundedValue,
		&reservedValue,
		&minimumValue,
		&statusValue,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return funding.Project{}, wrapStoreError(errorSubjectProject, errorCodeGet, funding.ErrUnknownProject)
		}
		return funding.Project{}, wrapStoreError(errorSubjectProject, errorCodeGet, err)
	}
	project, err := parseProject(idValue, targetValue, fundedValue, reservedValue, minimumValue, statusValue)
	if err != nil {
		return funding.Project{}, wrapStoreError(errorSubjectProject, errorCodeInvalid, err)
	}
	return project, nil
}

func updateProjectFunding(ctx context.Context, db querier, projectID funding.ProjectID, funded funding.AmountCents, reserved funding.AmountCents) error {
	tag, err := db.Exec(ctx, sqlUpdateProjectFunding, projectID.String(), funded.Int64(), reserved.Int64())
	if err != nil {
		return wrapStoreError(errorSubjectProject, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := selectProject(ctx, db, sqlSelectProject, projectID); err != nil {
			return err
		}
		return wrapStoreError(errorSubjectProject, errorCodeUpdate, funding.ErrInvalidBalance)
	}
	return nil
}

func insertReservation(ctx context.Context, db querier, reservation funding.Reservation) error {
	_, err := db.Exec(ctx, sqlInsertReservation,
		reservation.ReservationID().String(),
		reservation.ProjectID().String(),
		reservation.Amount().Int64(),
		reservation.Status().String(),
		reservation.ExpiresAtUnixUTC(),
	)
	if isReservationConflict(err) {
		return wrapStoreError(errorSubjectReservation, errorCodeDuplicate, funding.ErrReservationExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeCreate, err)
	}
	return nil
}

func selectReservation(ctx context.Context, db querier, reservationID funding.ReservationID) (funding.Reservation, error) {
	reservation, err := scanReservation(db.QueryRow(ctx, sqlSelectReservation, reservationID.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return funding.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, funding.ErrUnknownReservation)
		}
		return funding.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, err)
	}
	return reservation, nil
}

func updateReservationStatus(ctx context.Context, db querier, reservationID funding.ReservationID, from, to funding.ReservationStatus) error {
	tag, err := db.Exec(ctx, sqlUpdateReservationStatus, reservationID.String(), from.String(), to.String())
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdateStatus, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdateStatus, funding.ErrReservationClosed)
	}
	return nil
}

func listExpiredReservations(ctx context.Context, db querier, atUnixUTC int64, limit int) ([]funding.Reservation, error) {
	rows, err := db.Query(ctx, sqlListExpiredReservations, atUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, err)
	}
	defer rows.Close()
	var reservations []funding.Reservation
	for rows.Next() {
		reservation, err := scanReservation(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
		}
		reservations = append(reservations, reservation)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, err)
	}
	return reservations, nil
}

func scanReservation(row pgx.Row) (funding.Reservation, error) {
	var (
		reservationValue string
		projectValue     string
		amountValue      int64
		statusValue      string
		expiresAtValue   int64
	)
	if err := row.Scan(&reservationValue, &projectValue, &amountValue, &statusValue, &expiresAtValue); err != nil {
		return funding.Reservation{}, err
	}
	reservationID, err := funding.NewReservationID(reservationValue)
	if err != nil {
		return funding.Reservation{}, err
	}
	projectID, err := funding.NewProjectID(projectValue)
	if err != nil {
		return funding.Reservation{}, err
	}
	amount, err := funding.NewPositiveAmountCents(amountValue)
	if err != nil {
		return funding.Reservation{}, err
	}
	status, err := funding.ParseReservationStatus(statusValue)
	if err != nil {
		return funding.Reservation{}, err
	}
	return funding.NewReservation(reservationID, projectID, amount, status, expiresAtValue)
}

func parseProject(idValue string, targetValue, fundedValue, reservedValue, minimumValue int64, statusValue string) (funding.Project, error) {
	projectID, err := funding.NewProjectID(idValue)
	if err != nil {
		return funding.Project{}, err
	}
	target, err := funding.NewPositiveAmountCents(targetValue)
	if err != nil {
		return funding.Project{}, err
	}
	funded, err := funding.NewAmountCents(fundedValue)
	if err != nil {
		return funding.Project{}, err
	}
	reserved, err := funding.NewAmountCents(reservedValue)
	if err != nil {
		return funding.Project{}, err
	}
	minimum, err := funding.NewPositiveAmountCents(minimumValue)
	if err != nil {
		return funding.Project{}, err
	}
	status, err := funding.ParseProjectStatus(statusValue)
	if err != nil {
		return funding.Project{}, err
	}
	return funding.NewProject(projectID, target, funded, reserved, minimum, status)
}

func wrapStoreError(subject string, code string, err error) error {
	return funding.WrapError(errorOperationStore, subject, code, err)
}

func isReservationConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintReservationPrimary
}
