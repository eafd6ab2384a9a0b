package investment

import (
	"errors"

	"github.com/MarkoPoloResearchLab/fundpool/pkg/funding"
)

// Domain-level error values returned by the state machine.
var (
	ErrUnsupportedPaymentMethod = errors.New("unsupported payment method")
	ErrGatewayError             = errors.New("payment gateway error")
	ErrGatewayTimeout           = errors.New("payment gateway timeout")
	ErrInvalidStateTransition   = errors.New("invalid state transition")
	ErrStaleTransition          = errors.New("stale status transition")
	ErrUnknownInvestment        = errors.New("unknown investment")
	ErrInvestmentExists         = errors.New("investment already exists")
	ErrInvalidAmount            = errors.New("invalid amount")
	ErrInvalidInvestmentID      = errors.New("invalid investment id")
	ErrInvalidInvestorID        = errors.New("invalid investor id")
	ErrInvalidStatus            = errors.New("invalid investment status")
	ErrInvalidServiceConfig     = errors.New("invalid service config")
	ErrInvalidNotification      = errors.New("invalid gateway notification")
	ErrIgnoredNotification      = errors.New("gateway notification ignored")
)

// Capacity errors are owned by the funding pool and re-exported for callers of this package.
var (
	ErrBelowMinimum             = funding.ErrBelowMinimum
	ErrProjectNotAcceptingFunds = funding.ErrProjectNotAcceptingFunds
	ErrInsufficientCapacity     = funding.ErrInsufficientCapacity
	ErrUnknownProject           = funding.ErrUnknownProject
)
