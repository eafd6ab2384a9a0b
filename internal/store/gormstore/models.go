package gormstore

import (
	"time"

	"gorm.io/datatypes"
)

// Project mirrors the projects table. Target, funded and reserved are the funding ledger.
type Project struct {
	ProjectID          string         `gorm:"primaryKey"`
	Name               string         `gorm:"not null"`
	TargetCents        int64          `gorm:"not null"`
	FundedCents        int64          `gorm:"not null;default:0"`
	ReservedCents      int64          `gorm:"not null;default:0"`
	MinInvestmentCents int64          `gorm:"not null"`
	Status             string         `gorm:"not null;index"`
	Terms              datatypes.JSON `gorm:"not null"`
	CreatedAt          time.Time      `gorm:"not null"`
	UpdatedAt          time.Time      `gorm:"not null"`
}

func (Project) TableName() string { return "projects" }

// Reservation mirrors the funding_reservations table.
type Reservation struct {
	ReservationID string    `gorm:"primaryKey"`
	ProjectID     string    `gorm:"not null;index"`
	AmountCents   int64     `gorm:"not null"`
	Status        string    `gorm:"not null;index:idx_reservations_status_expires,priority:1"`
	ExpiresAt     time.Time `gorm:"not null;index:idx_reservations_status_expires,priority:2"`
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (Reservation) TableName() string { return "funding_reservations" }

// Investment mirrors the investments table.
type Investment struct {
	InvestmentID         string     `gorm:"primaryKey"`
	ProjectID            string     `gorm:"not null;index"`
	InvestorID           string     `gorm:"not null;index"`
	AmountCents          int64      `gorm:"not null"`
	Currency             string     `gorm:"not null"`
	PaymentMethod        string     `gorm:"not null"`
	Status               string     `gorm:"not null;index:idx_investments_status_expires,priority:1"`
	FailureReason        string     `gorm:"not null;default:''"`
	PaymentIntentID      *string    `gorm:"uniqueIndex"`
	ReservationExpiresAt time.Time  `gorm:"not null;index:idx_investments_status_expires,priority:2"`
	CreatedAt            time.Time  `gorm:"not null"`
	UpdatedAt            time.Time  `gorm:"not null"`
	FinalizedAt          *time.Time `gorm:""`
}

func (Investment) TableName() string { return "investments" }

// Models lists every table the store needs, in migration order.
func Models() []interface{} {
	return []interface{}{&Project{}, &Reservation{}, &Investment{}}
}
