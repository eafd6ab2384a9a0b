package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/fundpool/pkg/funding"
	"github.com/MarkoPoloResearchLab/fundpool/pkg/investment"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	pgUniqueViolationCode   = "23505"
	sqliteConstraintCode    = 19
	defaultTermsJSON        = "{}"
	errorOperationStore     = "store"
	errorSubjectProject     = "project"
	errorSubjectReservation = "reservation"
	errorSubjectInvestment  = "investment"
	errorCodeCreate         = "create"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeStats          = "stats"
	errorCodeUpdate         = "update"
	errorCodeUpdateStatus   = "update_status"
)

// Store implements funding.Store, investment.Store and investment.ProjectCatalog using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the schema.
func (store *Store) Migrate(ctx context.Context) error {
	return store.db.WithContext(ctx).AutoMigrate(Models()...)
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore funding.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// SeedProject inserts a project or refreshes its catalog fields. Funding counters of an existing row are kept.
func (store *Store) SeedProject(ctx context.Context, details investment.ProjectDetails) error {
	terms, err := json.Marshal(projectTerms{ROIPercent: details.ROIPercent, DurationMonths: details.DurationMonths})
	if err != nil {
		return wrapStoreError(errorSubjectProject, errorCodeInvalid, err)
	}
	project := details.Funding
	model := Project{
		ProjectID:          project.ID().String(),
		Name:               details.Name,
		TargetCents:        project.TargetAmount().Int64(),
		FundedCents:        project.FundedAmount().Int64(),
		ReservedCents:      project.ReservedAmount().Int64(),
		MinInvestmentCents: project.MinInvestment().Int64(),
		Status:             project.Status().String(),
		Terms:              datatypes.JSON(terms),
	}
	err = store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "project_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "min_investment_cents", "terms", "updated_at"}),
		}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectProject, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetProject(ctx context.Context, projectID funding.ProjectID) (funding.Project, error) {
	model, err := store.loadProject(store.db.WithContext(ctx), projectID)
	if err != nil {
		return funding.Project{}, err
	}
	return mapProject(model)
}

func (store *Store) GetProjectForUpdate(ctx context.Context, projectID funding.ProjectID) (funding.Project, error) {
	model, err := store.loadProject(store.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), projectID)
	if err != nil {
		return funding.Project{}, err
	}
	return mapProject(model)
}

// SaveProjectFunding refuses any write that would push funded+reserved past the target.
func (store *Store) SaveProjectFunding(ctx context.Context, projectID funding.ProjectID, funded funding.AmountCents, reserved funding.AmountCents) error {
	result := store.db.WithContext(ctx).
		Model(&Project{}).
		Where("project_id = ? AND target_cents >= ?", projectID.String(), funded.Int64()+reserved.Int64()).
		Updates(map[string]interface{}{
			"funded_cents":   funded.Int64(),
			"reserved_cents": reserved.Int64(),
			"updated_at":     time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectProject, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := store.loadProject(store.db.WithContext(ctx), projectID); err != nil {
			return err
		}
		return wrapStoreError(errorSubjectProject, errorCodeUpdate, funding.ErrInvalidBalance)
	}
	return nil
}

func (store *Store) CreateReservation(ctx context.Context, reservation funding.Reservation) error {
	model := Reservation{
		ReservationID: reservation.ReservationID().String(),
		ProjectID:     reservation.ProjectID().String(),
		AmountCents:   reservation.Amount().Int64(),
		Status:        reservation.Status().String(),
		ExpiresAt:     unixTime(reservation.ExpiresAtUnixUTC()),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectReservation, errorCodeDuplicate, funding.ErrReservationExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetReservation(ctx context.Context, reservationID funding.ReservationID) (funding.Reservation, error) {
	var model Reservation
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("reservation_id = ?", reservationID.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return funding.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, funding.ErrUnknownReservation)
		}
		return funding.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, err)
	}
	reservation, err := mapReservation(model)
	if err != nil {
		return funding.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	return reservation, nil
}

func (store *Store) UpdateReservationStatus(ctx context.Context, reservationID funding.ReservationID, from, to funding.ReservationStatus) error {
	result := store.db.WithContext(ctx).
		Model(&Reservation{}).
		Where("reservation_id = ? AND status = ?", reservationID.String(), from.String()).
		Updates(map[string]interface{}{
			"status":     to.String(),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdateStatus, funding.ErrReservationClosed)
	}
	return nil
}

func (store *Store) ListExpiredReservations(ctx context.Context, atUnixUTC int64, limit int) ([]funding.Reservation, error) {
	var rows []Reservation
	err := store.db.WithContext(ctx).
		Where("status = ? AND expires_at <= ?", funding.ReservationStatusActive.String(), unixTime(atUnixUTC)).
		Order("expires_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, err)
	}
	reservations := make([]funding.Reservation, 0, len(rows))
	for _, row := range rows {
		reservation, err := mapReservation(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
		}
		reservations = append(reservations, reservation)
	}
	return reservations, nil
}

func (store *Store) CreateInvestment(ctx context.Context, record investment.Investment) error {
	model := Investment{
		InvestmentID:         record.ID.String(),
		ProjectID:            record.ProjectID.String(),
		InvestorID:           record.InvestorID.String(),
		AmountCents:          record.Amount.Int64(),
		Currency:             record.Currency,
		PaymentMethod:        record.PaymentMethod.String(),
		Status:               record.Status.String(),
		FailureReason:        record.FailureReason.String(),
		PaymentIntentID:      optionalString(record.PaymentIntentID),
		ReservationExpiresAt: unixTime(record.ReservationExpiresAtUnixUTC),
		CreatedAt:            unixTime(record.CreatedUnixUTC),
		UpdatedAt:            unixTime(record.UpdatedUnixUTC),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectInvestment, errorCodeDuplicate, investment.ErrInvestmentExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectInvestment, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetInvestment(ctx context.Context, investmentID investment.InvestmentID) (investment.Investment, error) {
	return store.findInvestment(ctx, "investment_id = ?", investmentID.String())
}

func (store *Store) GetInvestmentByIntent(ctx context.Context, intentID string) (investment.Investment, error) {
	return store.findInvestment(ctx, "payment_intent_id = ?", intentID)
}

// TransitionInvestment updates the row only while its status still equals transition.From.
func (store *Store) TransitionInvestment(ctx context.Context, transition investment.Transition) (investment.Investment, error) {
	at := unixTime(transition.AtUnixUTC)
	updates := map[string]interface{}{
		"status":         transition.To.String(),
		"failure_reason": transition.FailureReason.String(),
		"updated_at":     at,
	}
	if transition.PaymentIntentID != "" {
		updates["payment_intent_id"] = transition.PaymentIntentID
	}
	if transition.To.IsTerminal() {
		updates["finalized_at"] = at
	}
	result := store.db.WithContext(ctx).
		Model(&Investment{}).
		Where("investment_id = ? AND status = ?", transition.InvestmentID.String(), transition.From.String()).
		Updates(updates)
	if result.Error != nil {
		return investment.Investment{}, wrapStoreError(errorSubjectInvestment, errorCodeUpdateStatus, result.Error)
	}
	current, err := store.GetInvestment(ctx, transition.InvestmentID)
	if err != nil {
		return investment.Investment{}, err
	}
	if result.RowsAffected == 0 {
		return investment.Investment{}, wrapStoreError(errorSubjectInvestment, errorCodeUpdateStatus, investment.ErrStaleTransition)
	}
	return current, nil
}

func (store *Store) ListStale(ctx context.Context, atUnixUTC int64, limit int) ([]investment.Investment, error) {
	var rows []Investment
	err := store.db.WithContext(ctx).
		Where("status IN ? AND reservation_expires_at <= ?",
			[]string{investment.StatusPendingReservation.String(), investment.StatusIntentCreated.String()},
			unixTime(atUnixUTC)).
		Order("reservation_expires_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectInvestment, errorCodeList, err)
	}
	investments := make([]investment.Investment, 0, len(rows))
	for _, row := range rows {
		record, err := mapInvestment(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectInvestment, errorCodeInvalid, err)
		}
		investments = append(investments, record)
	}
	return investments, nil
}

func (store *Store) Stats(ctx context.Context) (investment.Stats, error) {
	var total int64
	if err := store.db.WithContext(ctx).Model(&Investment{}).Count(&total).Error; err != nil {
		return investment.Stats{}, wrapStoreError(errorSubjectInvestment, errorCodeStats, err)
	}
	var confirmed confirmedAggregate
	err := store.db.WithContext(ctx).
		Model(&Investment{}).
		Select("COUNT(*) AS count, COALESCE(SUM(amount_cents), 0) AS total").
		Where("status = ?", investment.StatusConfirmed.String()).
		Scan(&confirmed).Error
	if err != nil {
		return investment.Stats{}, wrapStoreError(errorSubjectInvestment, errorCodeStats, err)
	}
	return investment.Stats{
		TotalInvestments:     total,
		ConfirmedInvestments: confirmed.Count,
		ConfirmedAmount:      funding.AmountCents(confirmed.Total),
	}, nil
}

func (store *Store) GetProjectDetails(ctx context.Context, projectID funding.ProjectID) (investment.ProjectDetails, error) {
	model, err := store.loadProject(store.db.WithContext(ctx), projectID)
	if err != nil {
		return investment.ProjectDetails{}, err
	}
	project, err := mapProject(model)
	if err != nil {
		return investment.ProjectDetails{}, err
	}
	var terms projectTerms
	raw := []byte(model.Terms)
	if len(raw) == 0 {
		raw = []byte(defaultTermsJSON)
	}
	if err := json.Unmarshal(raw, &terms); err != nil {
		return investment.ProjectDetails{}, wrapStoreError(errorSubjectProject, errorCodeInvalid, err)
	}
	return investment.ProjectDetails{
		Funding:        project,
		Name:           model.Name,
		ROIPercent:     terms.ROIPercent,
		DurationMonths: terms.DurationMonths,
	}, nil
}

// MarkFunded flips an active project to funded. Projects in any other status are left alone.
func (store *Store) MarkFunded(ctx context.Context, projectID funding.ProjectID) error {
	err := store.db.WithContext(ctx).
		Model(&Project{}).
		Where("project_id = ? AND status = ?", projectID.String(), funding.ProjectStatusActive.String()).
		Updates(map[string]interface{}{
			"status":     funding.ProjectStatusFunded.String(),
			"updated_at": time.Now().UTC(),
		}).Error
	if err != nil {
		return wrapStoreError(errorSubjectProject, errorCodeUpdateStatus, err)
	}
	return nil
}

type projectTerms struct {
	ROIPercent     decimal.Decimal `json:"roi_percent"`
	DurationMonths int             `json:"duration_months"`
}

type confirmedAggregate struct {
	Count int64
	Total int64
}

func (store *Store) loadProject(db *gorm.DB, projectID funding.ProjectID) (Project, error) {
	var model Project
	err := db.Where("project_id = ?", projectID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Project{}, wrapStoreError(errorSubjectProject, errorCodeGet, funding.ErrUnknownProject)
		}
		return Project{}, wrapStoreError(errorSubjectProject, errorCodeGet, err)
	}
	return model, nil
}

func (store *Store) findInvestment(ctx context.Context, query string, value string) (investment.Investment, error) {
	var model Investment
	err := store.db.WithContext(ctx).Where(query, value).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return investment.Investment{}, wrapStoreError(errorSubjectInvestment, errorCodeGet, investment.ErrUnknownInvestment)
		}
		return investment.Investment{}, wrapStoreError(errorSubjectInvestment, errorCodeGet, err)
	}
	record, err := mapInvestment(model)
	if err != nil {
		return investment.Investment{}, wrapStoreError(errorSubjectInvestment, errorCodeInvalid, err)
	}
	return record, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return funding.WrapError(errorOperationStore, subject, code, err)
}

func mapProject(model Project) (funding.Project, error) {
	projectID, err := funding.NewProjectID(model.ProjectID)
	if err != nil {
		return funding.Project{}, wrapStoreError(errorSubjectProject, errorCodeInvalid, err)
	}
	target, err := funding.NewPositiveAmountCents(model.TargetCents)
	if err != nil {
		return funding.Project{}, wrapStoreError(errorSubjectProject, errorCodeInvalid, err)
	}
	funded, err := funding.NewAmountCents(model.FundedCents)
	if err != nil {
		return funding.Project{}, wrapStoreError(errorSubjectProject, errorCodeInvalid, err)
	}
	reserved, err := funding.NewAmountCents(model.ReservedCents)
	if err != nil {
		return funding.Project{}, wrapStoreError(errorSubjectProject, errorCodeInvalid, err)
	}
	minimum, err := funding.NewPositiveAmountCents(model.MinInvestmentCents)
	if err != nil {
		return funding.Project{}, wrapStoreError(errorSubjectProject, errorCodeInvalid, err)
	}
	status, err := funding.ParseProjectStatus(model.Status)
	if err != nil {
		return funding.Project{}, wrapStoreError(errorSubjectProject, errorCodeInvalid, err)
	}
	project, err := funding.NewProject(projectID, target, funded, reserved, minimum, status)
	if err != nil {
		return funding.Project{}, wrapStoreError(errorSubjectProject, errorCodeInvalid, err)
	}
	return project, nil
}

func mapReservation(model Reservation) (funding.Reservation, error) {
	reservationID, err := funding.NewReservationID(model.ReservationID)
	if err != nil {
		return funding.Reservation{}, err
	}
	projectID, err := funding.NewProjectID(model.ProjectID)
	if err != nil {
		return funding.Reservation{}, err
	}
	amount, err := funding.NewPositiveAmountCents(model.AmountCents)
	if err != nil {
		return funding.Reservation{}, err
	}
	status, err := funding.ParseReservationStatus(model.Status)
	if err != nil {
		return funding.Reservation{}, err
	}
	return funding.NewReservation(reservationID, projectID, amount, status, model.ExpiresAt.Unix())
}

func mapInvestment(model Investment) (investment.Investment, error) {
	investmentID, err := investment.NewInvestmentID(model.InvestmentID)
	if err != nil {
		return investment.Investment{}, err
	}
	projectID, err := funding.NewProjectID(model.ProjectID)
	if err != nil {
		return investment.Investment{}, err
	}
	investorID, err := investment.NewInvestorID(model.InvestorID)
	if err != nil {
		return investment.Investment{}, err
	}
	amount, err := funding.NewPositiveAmountCents(model.AmountCents)
	if err != nil {
		return investment.Investment{}, err
	}
	method, err := investment.NewPaymentMethod(model.PaymentMethod)
	if err != nil {
		return investment.Investment{}, err
	}
	status, err := investment.ParseStatus(model.Status)
	if err != nil {
		return investment.Investment{}, err
	}
	record := investment.Investment{
		ID:                          investmentID,
		ProjectID:                   projectID,
		InvestorID:                  investorID,
		Amount:                      amount,
		Currency:                    model.Currency,
		PaymentMethod:               method,
		Status:                      status,
		FailureReason:               investment.FailureReason(model.FailureReason),
		ReservationExpiresAtUnixUTC: model.ReservationExpiresAt.Unix(),
		CreatedUnixUTC:              model.CreatedAt.Unix(),
		UpdatedUnixUTC:              model.UpdatedAt.Unix(),
	}
	if model.PaymentIntentID != nil {
		record.PaymentIntentID = *model.PaymentIntentID
	}
	if model.FinalizedAt != nil {
		record.FinalizedUnixUTC = model.FinalizedAt.Unix()
	}
	return record, nil
}

func unixTime(value int64) time.Time {
	return time.Unix(value, 0).UTC()
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
