package gormstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/fundpool/pkg/funding"
	"github.com/MarkoPoloResearchLab/fundpool/pkg/investment"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const testNowUnixUTC = int64(1_700_000_000)

func TestPoolReserveCommitRoundTrip(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	projectID := seedProject(test, store, 1000, 900, 10)
	pool := mustPool(test, store)

	_, err := pool.Reserve(context.Background(), projectID, mustReservationID(test, "inv-1"), 150)
	if available, ok := funding.AvailableFromError(err); !ok || available != 100 {
		test.Fatalf("expected capacity error with available 100, got %v", err)
	}

	token, err := pool.Reserve(context.Background(), projectID, mustReservationID(test, "inv-2"), 100)
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	if _, err := pool.Reserve(context.Background(), projectID, mustReservationID(test, "inv-2"), 10); err == nil {
		test.Fatalf("expected refusal for a full project")
	}
	result, err := pool.Commit(context.Background(), token)
	if err != nil {
		test.Fatalf("commit: %v", err)
	}
	if !result.FullySubscribed || result.FundedAmount != 1000 {
		test.Fatalf("unexpected commit result %+v", result)
	}
	if _, err := pool.Commit(context.Background(), token); !errors.Is(err, funding.ErrAlreadyCommitted) {
		test.Fatalf("expected already committed, got %v", err)
	}
	snapshot, err := pool.Funding(context.Background(), projectID)
	if err != nil {
		test.Fatalf("funding: %v", err)
	}
	if snapshot.ReservedAmount != 0 || snapshot.Available != 0 {
		test.Fatalf("unexpected snapshot %+v", snapshot)
	}
}

func TestCreateReservationDuplicate(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	projectID := seedProject(test, store, 1000, 0, 10)
	reservation, err := funding.NewReservation(mustReservationID(test, "inv-1"), projectID, 100, funding.ReservationStatusActive, testNowUnixUTC+60)
	if err != nil {
		test.Fatalf("reservation: %v", err)
	}
	if err := store.CreateReservation(context.Background(), reservation); err != nil {
		test.Fatalf("create: %v", err)
	}
	if err := store.CreateReservation(context.Background(), reservation); !errors.Is(err, funding.ErrReservationExists) {
		test.Fatalf("expected reservation exists, got %v", err)
	}
	expired, err := store.ListExpiredReservations(context.Background(), testNowUnixUTC+60, 10)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(expired) != 1 || expired[0].ReservationID() != reservation.ReservationID() {
		test.Fatalf("expected the reservation to be listed at its deadline, got %+v", expired)
	}
	if err := store.UpdateReservationStatus(context.Background(), reservation.ReservationID(), funding.ReservationStatusActive, funding.ReservationStatusReleased); err != nil {
		test.Fatalf("update: %v", err)
	}
	err = store.UpdateReservationStatus(context.Background(), reservation.ReservationID(), funding.ReservationStatusActive, funding.ReservationStatusExpired)
	if !errors.Is(err, funding.ErrReservationClosed) {
		test.Fatalf("expected reservation closed, got %v", err)
	}
}

func TestSaveProjectFundingRejectsOverTarget(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	projectID := seedProject(test, store, 1000, 0, 10)

	err := store.SaveProjectFunding(context.Background(), projectID, 900, 200)
	if !errors.Is(err, funding.ErrInvalidBalance) {
		test.Fatalf("expected invalid balance, got %v", err)
	}
	unknown, _ := funding.NewProjectID("missing")
	if err := store.SaveProjectFunding(context.Background(), unknown, 0, 0); !errors.Is(err, funding.ErrUnknownProject) {
		test.Fatalf("expected unknown project, got %v", err)
	}
	var operationError funding.OperationError
	if !errors.As(err, &operationError) || operationError.Operation() != "store" {
		test.Fatalf("expected store operation error, got %v", err)
	}
}

func TestTransitionInvestmentCompareAndSet(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	projectID := seedProject(test, store, 1000, 0, 10)
	record := newInvestment(test, projectID, "inv-1", 250)
	if err := store.CreateInvestment(context.Background(), record); err != nil {
		test.Fatalf("create: %v", err)
	}
	if err := store.CreateInvestment(context.Background(), record); !errors.Is(err, investment.ErrInvestmentExists) {
		test.Fatalf("expected investment exists, got %v", err)
	}

	withIntent, err := store.TransitionInvestment(context.Background(), investment.Transition{
		InvestmentID:    record.ID,
		From:            investment.StatusPendingReservation,
		To:              investment.StatusIntentCreated,
		PaymentIntentID: "pi_1",
		AtUnixUTC:       testNowUnixUTC + 1,
	})
	if err != nil {
		test.Fatalf("transition: %v", err)
	}
	if withIntent.PaymentIntentID != "pi_1" || withIntent.FinalizedUnixUTC != 0 {
		test.Fatalf("unexpected investment %+v", withIntent)
	}
	byIntent, err := store.GetInvestmentByIntent(context.Background(), "pi_1")
	if err != nil || byIntent.ID != record.ID {
		test.Fatalf("lookup by intent: %v", err)
	}

	confirmed, err := store.TransitionInvestment(context.Background(), investment.Transition{
		InvestmentID: record.ID,
		From:         investment.StatusIntentCreated,
		To:           investment.StatusConfirmed,
		AtUnixUTC:    testNowUnixUTC + 2,
	})
	if err != nil {
		test.Fatalf("confirm: %v", err)
	}
	if confirmed.FinalizedUnixUTC != testNowUnixUTC+2 || confirmed.PaymentIntentID != "pi_1" {
		test.Fatalf("unexpected confirmed investment %+v", confirmed)
	}

	_, err = store.TransitionInvestment(context.Background(), investment.Transition{
		InvestmentID:  record.ID,
		From:          investment.StatusIntentCreated,
		To:            investment.StatusCancelled,
		FailureReason: investment.FailureNone,
		AtUnixUTC:     testNowUnixUTC + 3,
	})
	if !errors.Is(err, investment.ErrStaleTransition) {
		test.Fatalf("expected stale transition, got %v", err)
	}
	missing, _ := investment.NewInvestmentID("missing")
	_, err = store.TransitionInvestment(context.Background(), investment.Transition{
		InvestmentID: missing,
		From:         investment.StatusIntentCreated,
		To:           investment.StatusConfirmed,
	})
	if !errors.Is(err, investment.ErrUnknownInvestment) {
		test.Fatalf("expected unknown investment, got %v", err)
	}
}

func TestListStaleAndStats(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	projectID := seedProject(test, store, 10000, 0, 10)
	stale := newInvestment(test, projectID, "inv-stale", 100)
	fresh := newInvestment(test, projectID, "inv-fresh", 200)
	fresh.ReservationExpiresAtUnixUTC = testNowUnixUTC + 3600
	done := newInvestment(test, projectID, "inv-done", 300)
	for _, record := range []investment.Investment{stale, fresh, done} {
		if err := store.CreateInvestment(context.Background(), record); err != nil {
			test.Fatalf("create %s: %v", record.ID, err)
		}
	}
	if _, err := store.TransitionInvestment(context.Background(), investment.Transition{
		InvestmentID: done.ID,
		From:         investment.StatusPendingReservation,
		To:           investment.StatusConfirmed,
		AtUnixUTC:    testNowUnixUTC,
	}); err != nil {
		test.Fatalf("transition: %v", err)
	}

	listed, err := store.ListStale(context.Background(), testNowUnixUTC+60, 10)
	if err != nil {
		test.Fatalf("list stale: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != stale.ID {
		test.Fatalf("expected only the stale investment, got %+v", listed)
	}
	stats, err := store.Stats(context.Background())
	if err != nil {
		test.Fatalf("stats: %v", err)
	}
	if stats.TotalInvestments != 3 || stats.ConfirmedInvestments != 1 || stats.ConfirmedAmount != 300 {
		test.Fatalf("unexpected stats %+v", stats)
	}
}

func TestProjectDetailsAndMarkFunded(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	projectID := seedProject(test, store, 1000, 1000, 10)

	details, err := store.GetProjectDetails(context.Background(), projectID)
	if err != nil {
		test.Fatalf("details: %v", err)
	}
	if details.Name != "Solar Farm" || !details.ROIPercent.Equal(decimal.RequireFromString("12.5")) || details.DurationMonths != 24 {
		test.Fatalf("unexpected details %+v", details)
	}
	if err := store.MarkFunded(context.Background(), projectID); err != nil {
		test.Fatalf("mark funded: %v", err)
	}
	project, err := store.GetProject(context.Background(), projectID)
	if err != nil {
		test.Fatalf("project: %v", err)
	}
	if project.Status() != funding.ProjectStatusFunded {
		test.Fatalf("expected funded, got %s", project.Status())
	}

	// Reseeding refreshes catalog fields without resetting counters.
	seedProject(test, store, 1000, 0, 20)
	project, err = store.GetProject(context.Background(), projectID)
	if err != nil {
		test.Fatalf("project: %v", err)
	}
	if project.FundedAmount() != 1000 || project.MinInvestment() != 20 {
		test.Fatalf("unexpected reseeded project funded=%d min=%d", project.FundedAmount(), project.MinInvestment())
	}
}

func newTestStore(test *testing.T) *Store {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(test.TempDir(), "fundpool.db")), &gorm.Config{})
	if err != nil {
		test.Fatalf("sqlite open failed: %v", err)
	}
	store := New(db)
	if err := store.Migrate(context.Background()); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	return store
}

func seedProject(test *testing.T, store *Store, target, funded, minimum int64) funding.ProjectID {
	test.Helper()
	projectID, err := funding.NewProjectID("project-1")
	if err != nil {
		test.Fatalf("project id: %v", err)
	}
	project, err := funding.NewProject(projectID, funding.PositiveAmountCents(target), funding.AmountCents(funded), 0, funding.PositiveAmountCents(minimum), funding.ProjectStatusActive)
	if err != nil {
		test.Fatalf("project: %v", err)
	}
	err = store.SeedProject(context.Background(), investment.ProjectDetails{
		Funding:        project,
		Name:           "Solar Farm",
		ROIPercent:     decimal.RequireFromString("12.5"),
		DurationMonths: 24,
	})
	if err != nil {
		test.Fatalf("seed: %v", err)
	}
	return projectID
}

func mustPool(test *testing.T, store *Store) *funding.Pool {
	test.Helper()
	pool, err := funding.NewPool(store, func() int64 { return testNowUnixUTC }, funding.WithReservationTTL(15*time.Minute))
	if err != nil {
		test.Fatalf("pool: %v", err)
	}
	return pool
}

func mustReservationID(test *testing.T, raw string) funding.ReservationID {
	test.Helper()
	reservationID, err := funding.NewReservationID(raw)
	if err != nil {
		test.Fatalf("reservation id: %v", err)
	}
	return reservationID
}

func newInvestment(test *testing.T, projectID funding.ProjectID, id string, amount int64) investment.Investment {
	test.Helper()
	investmentID, err := investment.NewInvestmentID(id)
	if err != nil {
		test.Fatalf("investment id: %v", err)
	}
	investorID, err := investment.NewInvestorID("investor-1")
	if err != nil {
		test.Fatalf("investor id: %v", err)
	}
	return investment.Investment{
		ID:                          investmentID,
		ProjectID:                   projectID,
		InvestorID:                  investorID,
		Amount:                      funding.PositiveAmountCents(amount),
		Currency:                    investment.DefaultCurrency,
		PaymentMethod:               investment.PaymentMethod("card"),
		Status:                      investment.StatusPendingReservation,
		ReservationExpiresAtUnixUTC: testNowUnixUTC,
		CreatedUnixUTC:              testNowUnixUTC,
		UpdatedUnixUTC:              testNowUnixUTC,
	}
}
