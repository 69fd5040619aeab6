package till

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-pdv/internal/store"
)

const (
	KindStation = "station"
	KindBranch  = "branch"
	KindTill    = "till"
	KindEntry   = "till_entry"
)

// OpenTillConstraint allows one non-closed till per station.
const OpenTillConstraint = "till.station_open"

var (
	ErrTillAlreadyOpen     = errors.New("till: station already has an open till")
	ErrTillPendingReduce   = errors.New("till: previous day till must be closed first")
	ErrTillNotOpen         = errors.New("till: no open till")
	ErrTillAlreadyClosed   = errors.New("till: till already closed")
	ErrSeparateCashier     = errors.New("till: point of sale cannot open a till with a separate cashier")
	ErrZeroOrLessValue     = errors.New("till: value must be greater than zero")
	ErrNegativeCash        = errors.New("till: initial cash cannot be negative")
	ErrInsufficientBalance = errors.New("till: value exceeds till balance")
	ErrNoTill              = errors.New("till: station never opened a till")
)

func init() {
	store.Register(KindStation, func() store.Entity { return &Station{} })
	store.Register(KindBranch, func() store.Entity { return &Branch{} })
	store.Register(KindTill, func() store.Entity { return &Till{} })
	store.Register(KindEntry, func() store.Entity { return &Entry{} })
}

// Branch is the business unit owning stations.
type Branch struct {
	ID       uuid.UUID `json:"id"`
	Name     string    `json:"name"`
	Document string    `json:"document"`
}

func (*Branch) EntityKind() string     { return KindBranch }
func (b *Branch) EntityID() uuid.UUID { return b.ID }

// Station is a physical terminal.
type Station struct {
	ID       uuid.UUID `json:"id"`
	Name     string    `json:"name"`
	BranchID uuid.UUID `json:"branch_id"`
}

func (*Station) EntityKind() string     { return KindStation }
func (s *Station) EntityID() uuid.UUID { return s.ID }

// UniqueClaims keeps station names unique.
func (s *Station) UniqueClaims() []store.UniqueClaim {
	return []store.UniqueClaim{{Constraint: "station.name", Value: s.Name}}
}

// Status is the till lifecycle state.
type Status string

const (
	StatusOpen          Status = "OPEN"
	StatusClosed        Status = "CLOSED"
	StatusPendingReduce Status = "PENDING_REDUCE"
)

// Origin identifies the application asking for a till operation.
type Origin string

const (
	OriginPOS  Origin = "pos"
	OriginTill Origin = "till"
)

// Till is a cash register session.
type Till struct {
	ID                uuid.UUID       `json:"id"`
	StationID         uuid.UUID       `json:"station_id"`
	BranchID          uuid.UUID       `json:"branch_id"`
	Status            Status          `json:"status"`
	OpeningDate       time.Time       `json:"opening_date"`
	ClosingDate       *time.Time      `json:"closing_date"`
	InitialCashAmount decimal.Decimal `json:"initial_cash_amount"`
	FinalCashAmount   decimal.Decimal `json:"final_cash_amount"`
}

func (*Till) EntityKind() string     { return KindTill }
func (t *Till) EntityID() uuid.UUID { return t.ID }

// UniqueClaims reserves the station while the till is not closed.
func (t *Till) UniqueClaims() []store.UniqueClaim {
	if t.Status == StatusClosed {
		return nil
	}
	return []store.UniqueClaim{{Constraint: OpenTillConstraint, Value: t.StationID.String()}}
}

// Entry is an append-only signed cash line of a till.
type Entry struct {
	ID          uuid.UUID       `json:"id"`
	TillID      uuid.UUID       `json:"till_id"`
	BranchID    uuid.UUID       `json:"branch_id"`
	Sequence    int             `json:"sequence"`
	Value       decimal.Decimal `json:"value"`
	Description string          `json:"description"`
	PaymentID   *uuid.UUID      `json:"payment_id"`
	CreatedAt   time.Time       `json:"created_at"`
}

func (*Entry) EntityKind() string     { return KindEntry }
func (e *Entry) EntityID() uuid.UUID { return e.ID }

func businessDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// StationID derives the stable id of a station name.
func StationID(name string) uuid.UUID {
	return uuid.NewSHA1(uuid.Nil, []byte("till:station:"+name))
}

// BranchID derives the stable id of a branch name.
func BranchID(name string) uuid.UUID {
	return uuid.NewSHA1(uuid.Nil, []byte("till:branch:"+name))
}
