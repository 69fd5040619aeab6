package auth

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-pdv/internal/store"
)

// KindUser is the store kind of operator accounts.
const KindUser = "user"

func init() {
	store.Register(KindUser, func() store.Entity { return &User{} })
}

// User is an operator account. MaxDiscount is the percentage the user may
// authorise when overriding a sale discount.
type User struct {
	ID           uuid.UUID       `json:"id"`
	Username     string          `json:"username"`
	PasswordHash string          `json:"password_hash"`
	IsActive     bool            `json:"is_active"`
	MaxDiscount  decimal.Decimal `json:"max_discount"`
	CreatedAt    time.Time       `json:"created_at"`
}

func (*User) EntityKind() string     { return KindUser }
func (u *User) EntityID() uuid.UUID { return u.ID }

// UniqueClaims reserves the username.
func (u *User) UniqueClaims() []store.UniqueClaim {
	return []store.UniqueClaim{{Constraint: "user.username", Value: normalize(u.Username)}}
}

func normalize(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}
