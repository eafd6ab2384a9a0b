// Package memstore keeps projects, reservations and investments in process memory.
// It backs local runs without a database and the state machine tests.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/MarkoPoloResearchLab/fundpool/pkg/funding"
	"github.com/MarkoPoloResearchLab/fundpool/pkg/investment"
)

// Store implements funding.Store, investment.Store and investment.ProjectCatalog.
// A transaction works on a copy of the state that replaces the original only when fn succeeds.
type Store struct {
	mutex *sync.Mutex
	state *state
}

type state struct {
	projects     map[funding.ProjectID]investment.ProjectDetails
	reservations map[funding.ReservationID]funding.Reservation
	investments  map[investment.InvestmentID]investment.Investment
	intents      map[string]investment.InvestmentID
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		mutex: &sync.Mutex{},
		state: &state{
			projects:     make(map[funding.ProjectID]investment.ProjectDetails),
			reservations: make(map[funding.ReservationID]funding.Reservation),
			investments:  make(map[investment.InvestmentID]investment.Investment),
			intents:      make(map[string]investment.InvestmentID),
		},
	}
}

// SeedProject inserts or replaces a project.
func (store *Store) SeedProject(ctx context.Context, details investment.ProjectDetails) error {
	defer store.guard()()
	store.state.projects[details.Funding.ID()] = details
	return nil
}

// WithTx executes fn against a private copy of the state.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore funding.Store) error) error {
	if store.mutex == nil {
		return fn(ctx, store)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	txStore := &Store{state: store.state.clone()}
	if err := fn(ctx, txStore); err != nil {
		return err
	}
	store.state = txStore.state
	return nil
}

func (store *Store) GetProject(ctx context.Context, projectID funding.ProjectID) (funding.Project, error) {
	defer store.guard()()
	details, ok := store.state.projects[projectID]
	if !ok {
		return funding.Project{}, funding.ErrUnknownProject
	}
	return details.Funding, nil
}

func (store *Store) GetProjectForUpdate(ctx context.Context, projectID funding.ProjectID) (funding.Project, error) {
	return store.GetProject(ctx, projectID)
}

func (store *Store) SaveProjectFunding(ctx context.Context, projectID funding.ProjectID, funded funding.AmountCents, reserved funding.AmountCents) error {
	defer store.guard()()
	details, ok := store.state.projects[projectID]
	if !ok {
		return funding.ErrUnknownProject
	}
	project := details.Funding
	updated, err := funding.NewProject(projectID, project.TargetAmount(), funded, reserved, project.MinInvestment(), project.Status())
	if err != nil {
		return err
	}
	details.Funding = updated
	store.state.projects[projectID] = details
	return nil
}

func (store *Store) CreateReservation(ctx context.Context, reservation funding.Reservation) error {
	defer store.guard()()
	if _, exists := store.state.reservations[reservation.ReservationID()]; exists {
		return funding.ErrReservationExists
	}
	store.state.reservations[reservation.ReservationID()] = reservation
	return nil
}

func (store *Store) GetReservation(ctx context.Context, reservationID funding.ReservationID) (funding.Reservation, error) {
	defer store.guard()()
	reservation, ok := store.state.reservations[reservationID]
	if !ok {
		return funding.Reservation{}, funding.ErrUnknownReservation
	}
	return reservation, nil
}

func (store *Store) UpdateReservationStatus(ctx context.Context, reservationID funding.ReservationID, from, to funding.ReservationStatus) error {
	defer store.guard()()
	reservation, ok := store.state.reservations[reservationID]
	if !ok {
		return funding.ErrUnknownReservation
	}
	if reservation.Status() != from {
		return funding.ErrReservationClosed
	}
	store.state.reservations[reservationID] = reservation.WithStatus(to)
	return nil
}

func (store *Store) ListExpiredReservations(ctx context.Context, atUnixUTC int64, limit int) ([]funding.Reservation, error) {
	defer store.guard()()
	var expired []funding.Reservation
	for _, reservation := range store.state.reservations {
		if reservation.Status() == funding.ReservationStatusActive && reservation.ExpiresAtUnixUTC() <= atUnixUTC {
			expired = append(expired, reservation)
		}
	}
	sort.Slice(expired, func(left, right int) bool {
		return expired[left].ExpiresAtUnixUTC() < expired[right].ExpiresAtUnixUTC()
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

func (store *Store) CreateInvestment(ctx context.Context, record investment.Investment) error {
	defer store.guard()()
	if _, exists := store.state.investments[record.ID]; exists {
		return investment.ErrInvestmentExists
	}
	store.state.investments[record.ID] = record
	if record.PaymentIntentID != "" {
		store.state.intents[record.PaymentIntentID] = record.ID
	}
	return nil
}

func (store *Store) GetInvestment(ctx context.Context, investmentID investment.InvestmentID) (investment.Investment, error) {
	defer store.guard()()
	record, ok := store.state.investments[investmentID]
	if !ok {
		return investment.Investment{}, investment.ErrUnknownInvestment
	}
	return record, nil
}

func (store *Store) GetInvestmentByIntent(ctx context.Context, intentID string) (investment.Investment, error) {
	defer store.guard()()
	investmentID, ok := store.state.intents[intentID]
	if !ok {
		return investment.Investment{}, investment.ErrUnknownInvestment
	}
	return store.state.investments[investmentID], nil
}

// TransitionInvestment applies the transition only when the stored status still equals transition.From.
func (store *Store) TransitionInvestment(ctx context.Context, transition investment.Transition) (investment.Investment, error) {
	defer store.guard()()
	record, ok := store.state.investments[transition.InvestmentID]
	if !ok {
		return investment.Investment{}, investment.ErrUnknownInvestment
	}
	if record.Status != transition.From {
		return investment.Investment{}, investment.ErrStaleTransition
	}
	record.Status = transition.To
	record.FailureReason = transition.FailureReason
	record.UpdatedUnixUTC = transition.AtUnixUTC
	if transition.PaymentIntentID != "" {
		record.PaymentIntentID = transition.PaymentIntentID
		store.state.intents[transition.PaymentIntentID] = record.ID
	}
	if transition.To.IsTerminal() {
		record.FinalizedUnixUTC = transition.AtUnixUTC
	}
	store.state.investments[record.ID] = record
	return record, nil
}

func (store *Store) ListStale(ctx context.Context, atUnixUTC int64, limit int) ([]investment.Investment, error) {
	defer store.guard()()
	var stale []investment.Investment
	for _, record := range store.state.investments {
		if record.Status.IsTerminal() || record.ReservationExpiresAtUnixUTC > atUnixUTC {
			continue
		}
		stale = append(stale, record)
	}
	sort.Slice(stale, func(left, right int) bool {
		return stale[left].ReservationExpiresAtUnixUTC < stale[right].ReservationExpiresAtUnixUTC
	})
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func (store *Store) Stats(ctx context.Context) (investment.Stats, error) {
	defer store.guard()()
	var stats investment.Stats
	for _, record := range store.state.investments {
		stats.TotalInvestments++
		if record.Status == investment.StatusConfirmed {
			stats.ConfirmedInvestments++
			stats.ConfirmedAmount += record.Amount.ToAmountCents()
		}
	}
	return stats, nil
}

// GetProjectDetails implements investment.ProjectCatalog.
func (store *Store) GetProjectDetails(ctx context.Context, projectID funding.ProjectID) (investment.ProjectDetails, error) {
	defer store.guard()()
	details, ok := store.state.projects[projectID]
	if !ok {
		return investment.ProjectDetails{}, funding.ErrUnknownProject
	}
	return details, nil
}

// MarkFunded flips an active project to funded.
func (store *Store) MarkFunded(ctx context.Context, projectID funding.ProjectID) error {
	defer store.guard()()
	details, ok := store.state.projects[projectID]
	if !ok {
		return funding.ErrUnknownProject
	}
	project := details.Funding
	if project.Status() != funding.ProjectStatusActive {
		return nil
	}
	updated, err := funding.NewProject(projectID, project.TargetAmount(), project.FundedAmount(), project.ReservedAmount(), project.MinInvestment(), funding.ProjectStatusFunded)
	if err != nil {
		return err
	}
	details.Funding = updated
	store.state.projects[projectID] = details
	return nil
}

func (store *Store) guard() func() {
	if store.mutex == nil {
		return func() {}
	}
	store.mutex.Lock()
	return store.mutex.Unlock
}

func (current *state) clone() *state {
	next := &state{
		projects:     make(map[funding.ProjectID]investment.ProjectDetails, len(current.projects)),
		reservations: make(map[funding.ReservationID]funding.Reservation, len(current.reservations)),
		investments:  make(map[investment.InvestmentID]investment.Investment, len(current.investments)),
		intents:      make(map[string]investment.InvestmentID, len(current.intents)),
	}
	for key, value := range current.projects {
		next.projects[key] = value
	}
	for key, value := range current.reservations {
		next.reservations[key] = value
	}
	for key, value := range current.investments {
		next.investments[key] = value
	}
	for key, value := range current.intents {
		next.intents[key] = value
	}
	return next
}
