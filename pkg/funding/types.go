package funding

import (
	"context"
	"fmt"
	"strings"
)

// AmountCents is a non-negative currency amount in minor units.
type AmountCents int64

// PositiveAmountCents is a strictly positive currency amount in minor units.
type PositiveAmountCents int64

// ProjectID identifies a funding campaign.
type ProjectID struct {
	value string
}

// ReservationID identifies a reservation. The investment id is used as the reservation id.
type ReservationID struct {
	value string
}

// ProjectStatus is the lifecycle status of a project.
type ProjectStatus string

const (
	ProjectStatusActive    ProjectStatus = "active"
	ProjectStatusFunded    ProjectStatus = "funded"
	ProjectStatusCompleted ProjectStatus = "completed"
	ProjectStatusClosed    ProjectStatus = "closed"
)

// ReservationStatus defines the reservation lifecycle.
type ReservationStatus string

const (
	ReservationStatusActive    ReservationStatus = "active"
	ReservationStatusCommitted ReservationStatus = "committed"
	ReservationStatusReleased  ReservationStatus = "released"
	ReservationStatusExpired   ReservationStatus = "expired"
)

// Project is the funding aggregate of a campaign.
type Project struct {
	projectID      ProjectID
	targetAmount   PositiveAmountCents
	fundedAmount   AmountCents
	reservedAmount AmountCents
	minInvestment  PositiveAmountCents
	status         ProjectStatus
}

// Reservation is a time-bounded hold on a project's remaining capacity.
type Reservation struct {
	reservationID    ReservationID
	projectID        ProjectID
	amount           PositiveAmountCents
	status           ReservationStatus
	expiresAtUnixUTC int64
}

// ReservationToken is handed to the caller of Reserve and presented again on Commit or Release.
type ReservationToken struct {
	ReservationID    ReservationID
	ProjectID        ProjectID
	Amount           PositiveAmountCents
	ExpiresAtUnixUTC int64
}

// CommitResult reports the project's funding after a commit.
type CommitResult struct {
	FundedAmount    AmountCents
	TargetAmount    PositiveAmountCents
	FullySubscribed bool
}

// FundingSnapshot is a read-only view of a project's capacity.
type FundingSnapshot struct {
	ProjectID      ProjectID
	TargetAmount   PositiveAmountCents
	FundedAmount   AmountCents
	ReservedAmount AmountCents
	Available      AmountCents
	MinInvestment  PositiveAmountCents
	Status         ProjectStatus
}

// Store is the persistence contract used by Pool.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetProject(ctx context.Context, projectID ProjectID) (Project, error)
	GetProjectForUpdate(ctx context.Context, projectID ProjectID) (Project, error)
	SaveProjectFunding(ctx context.Context, projectID ProjectID, funded AmountCents, reserved AmountCents) error
	CreateReservation(ctx context.Context, reservation Reservation) error
	GetReservation(ctx context.Context, reservationID ReservationID) (Reservation, error)
	UpdateReservationStatus(ctx context.Context, reservationID ReservationID, from, to ReservationStatus) error
	ListExpiredReservations(ctx context.Context, atUnixUTC int64, limit int) ([]Reservation, error)
}

// NewProjectID validates and normalizes a project id.
func NewProjectID(raw string) (ProjectID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ProjectID{}, fmt.Errorf("%w: empty value", ErrInvalidProjectID)
	}
	return ProjectID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ProjectID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id ProjectID) IsZero() bool {
	return id.value == ""
}

// NewReservationID validates and normalizes a reservation id.
func NewReservationID(raw string) (ReservationID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ReservationID{}, fmt.Errorf("%w: empty value", ErrInvalidReservationID)
	}
	return ReservationID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ReservationID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id ReservationID) IsZero() bool {
	return id.value == ""
}

// NewAmountCents validates a non-negative amount.
func NewAmountCents(raw int64) (AmountCents, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidAmountCents)
	}
	return AmountCents(raw), nil
}

// Int64 returns the raw value.
func (amount AmountCents) Int64() int64 {
	return int64(amount)
}

// NewPositiveAmountCents validates an amount and ensures it is strictly positive.
func NewPositiveAmountCents(raw int64) (PositiveAmountCents, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmountCents)
	}
	return PositiveAmountCents(raw), nil
}

// Int64 returns the raw value.
func (amount PositiveAmountCents) Int64() int64 {
	return int64(amount)
}

// ToAmountCents widens the positive amount.
func (amount PositiveAmountCents) ToAmountCents() AmountCents {
	return AmountCents(amount)
}

// ParseProjectStatus validates a stored project status.
func ParseProjectStatus(raw string) (ProjectStatus, error) {
	status := ProjectStatus(strings.TrimSpace(raw))
	switch status {
	case ProjectStatusActive, ProjectStatusFunded, ProjectStatusCompleted, ProjectStatusClosed:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidProjectStatus, raw)
	}
}

// String returns the raw status.
func (status ProjectStatus) String() string {
	return string(status)
}

// ParseReservationStatus validates a stored reservation status.
func ParseReservationStatus(raw string) (ReservationStatus, error) {
	status := ReservationStatus(strings.TrimSpace(raw))
	switch status {
	case ReservationStatusActive, ReservationStatusCommitted, ReservationStatusReleased, ReservationStatusExpired:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidReservationStatus, raw)
	}
}

// String returns the raw status.
func (status ReservationStatus) String() string {
	return string(status)
}

// NewProject validates a project aggregate. funded+reserved may never exceed the target.
func NewProject(projectID ProjectID, target PositiveAmountCents, funded AmountCents, reserved AmountCents, minInvestment PositiveAmountCents, status ProjectStatus) (Project, error) {
	if projectID.IsZero() {
		return Project{}, fmt.Errorf("%w: empty value", ErrInvalidProjectID)
	}
	if target <= 0 || minInvestment <= 0 {
		return Project{}, fmt.Errorf("%w: target and minimum must be positive", ErrInvalidAmountCents)
	}
	if funded < 0 || reserved < 0 {
		return Project{}, fmt.Errorf("%w: funded and reserved must not be negative", ErrInvalidAmountCents)
	}
	if funded.Int64()+reserved.Int64() > target.Int64() {
		return Project{}, fmt.Errorf("%w: funded %d + reserved %d exceeds target %d", ErrInvalidBalance, funded, reserved, target)
	}
	if _, err := ParseProjectStatus(status.String()); err != nil {
		return Project{}, err
	}
	return Project{
		projectID:      projectID,
		targetAmount:   target,
		fundedAmount:   funded,
		reservedAmount: reserved,
		minInvestment:  minInvestment,
		status:         status,
	}, nil
}

// ID returns the project id.
func (project Project) ID() ProjectID {
	return project.projectID
}

// TargetAmount returns the immutable funding target.
func (project Project) TargetAmount() PositiveAmountCents {
	return project.targetAmount
}

// FundedAmount returns the committed amount.
func (project Project) FundedAmount() AmountCents {
	return project.fundedAmount
}

// ReservedAmount returns the sum of outstanding reservations.
func (project Project) ReservedAmount() AmountCents {
	return project.reservedAmount
}

// MinInvestment returns the smallest admissible investment.
func (project Project) MinInvestment() PositiveAmountCents {
	return project.minInvestment
}

// Status returns the project status.
func (project Project) Status() ProjectStatus {
	return project.status
}

// Available returns target - funded - reserved.
func (project Project) Available() AmountCents {
	return AmountCents(project.targetAmount.Int64() - project.fundedAmount.Int64() - project.reservedAmount.Int64())
}

// Snapshot returns the read-only funding view.
func (project Project) Snapshot() FundingSnapshot {
	return FundingSnapshot{
		ProjectID:      project.projectID,
		TargetAmount:   project.targetAmount,
		FundedAmount:   project.fundedAmount,
		ReservedAmount: project.reservedAmount,
		Available:      project.Available(),
		MinInvestment:  project.minInvestment,
		Status:         project.status,
	}
}

// NewReservation validates a reservation record.
func NewReservation(reservationID ReservationID, projectID ProjectID, amount PositiveAmountCents, status ReservationStatus, expiresAtUnixUTC int64) (Reservation, error) {
	if reservationID.IsZero() {
		return Reservation{}, fmt.Errorf("%w: empty value", ErrInvalidReservationID)
	}
	if projectID.IsZero() {
		return Reservation{}, fmt.Errorf("%w: empty value", ErrInvalidProjectID)
	}
	if amount <= 0 {
		return Reservation{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmountCents)
	}
	if _, err := ParseReservationStatus(status.String()); err != nil {
		return Reservation{}, err
	}
	return Reservation{
		reservationID:    reservationID,
		projectID:        projectID,
		amount:           amount,
		status:           status,
		expiresAtUnixUTC: expiresAtUnixUTC,
	}, nil
}

// ReservationID returns the reservation id.
func (reservation Reservation) ReservationID() ReservationID {
	return reservation.reservationID
}

// ProjectID returns the project the reservation holds capacity on.
func (reservation Reservation) ProjectID() ProjectID {
	return reservation.projectID
}

// Amount returns the held amount.
func (reservation Reservation) Amount() PositiveAmountCents {
	return reservation.amount
}

// Status returns the reservation status.
func (reservation Reservation) Status() ReservationStatus {
	return reservation.status
}

// ExpiresAtUnixUTC returns the reservation deadline.
func (reservation Reservation) ExpiresAtUnixUTC() int64 {
	return reservation.expiresAtUnixUTC
}

// WithStatus returns a copy of the reservation in the given status.
func (reservation Reservation) WithStatus(status ReservationStatus) Reservation {
	reservation.status = status
	return reservation
}

// Token rebuilds the caller-facing token for this reservation.
func (reservation Reservation) Token() ReservationToken {
	return ReservationToken{
		ReservationID:    reservation.reservationID,
		ProjectID:        reservation.projectID,
		Amount:           reservation.amount,
		ExpiresAtUnixUTC: reservation.expiresAtUnixUTC,
	}
}
