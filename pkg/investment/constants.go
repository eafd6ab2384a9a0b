package investment

import "time"

const (
	operationCreate    = "create"
	operationConfirm   = "confirm"
	operationNotify    = "notify"
	operationCancel    = "cancel"
	operationReconcile = "reconcile"
	operationAlert     = "alert"
	operationPublish   = "publish"
	operationMarkFund  = "mark_funded"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	// DefaultGatewayTimeout bounds every round trip to a payment gateway.
	DefaultGatewayTimeout = 10 * time.Second
	// DefaultCurrency is used when no currency is configured.
	DefaultCurrency = "usd"

	defaultReconcileLimit = 100
	// finalizeTimeout bounds compensation and terminal writes that outlive the caller's context.
	finalizeTimeout = 5 * time.Second
)

// Lifecycle event types.
const (
	EventCreated   = "investment.created"
	EventConfirmed = "investment.confirmed"
	EventFailed    = "investment.failed"
	EventExpired   = "investment.expired"
	EventCancelled = "investment.cancelled"

	// AlertCapturedWithoutCommit is raised when a payment succeeded but its capacity could not be committed.
	AlertCapturedWithoutCommit = "investment.alert.captured_without_commit"
	// AlertInvalidTransition is raised when something tries to move a finalized investment.
	AlertInvalidTransition = "investment.alert.invalid_transition"
)
