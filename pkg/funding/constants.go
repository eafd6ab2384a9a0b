package funding

import "time"

const (
	operationReserve    = "reserve"
	operationCommit     = "commit"
	operationCommitLate = "commit_late"
	operationRelease    = "release"
	operationExpire     = "expire"
	operationSweep      = "sweep"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	errorOperationPool     = "pool"
	errorSubjectProject    = "project"
	errorSubjectReserve    = "reservation"
	errorCodeLock          = "lock"
	errorCodeNegativeSpare = "negative_available"

	// DefaultReservationTTL bounds how long capacity stays held for an unconfirmed payment.
	DefaultReservationTTL = 15 * time.Minute

	defaultSweepLimit = 100
)
