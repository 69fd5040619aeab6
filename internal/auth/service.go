package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"github.com/odyssey-erp/odyssey-pdv/internal/shared"
	"github.com/odyssey-erp/odyssey-pdv/internal/store"
)

// Repository looks up operator accounts.
type Repository interface {
	FindByUsername(ctx context.Context, username string) (*User, error)
}

// StoreRepository reads users through short-lived stores.
type StoreRepository struct {
	stores *store.Manager
}

// NewRepository constructs a StoreRepository.
func NewRepository(stores *store.Manager) *StoreRepository {
	return &StoreRepository{stores: stores}
}

// FindByUsername returns the user or shared.ErrNotFound.
func (r *StoreRepository) FindByUsername(ctx context.Context, username string) (*User, error) {
	st, err := r.stores.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = st.Rollback(ctx, true) }()
	users, err := store.FindAll[*User](ctx, st, map[string]any{"is_active": true})
	if err != nil {
		return nil, err
	}
	want := normalize(username)
	for _, u := range users {
		if normalize(u.Username) == want {
			return u, nil
		}
	}
	return nil, shared.ErrNotFound
}

var _ Repository = (*StoreRepository)(nil)

// Service wraps authentication business rules.
type Service struct {
	repo   Repository
	logger *slog.Logger
}

// NewService constructs a new Service.
func NewService(repo Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger}
}

// Authenticate validates username/password credentials.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*User, error) {
	user, err := s.repo.FindByUsername(ctx, username)
	if err != nil {
		if !errors.Is(err, shared.ErrNotFound) {
			s.logger.Warn("user lookup failed", slog.String("username", username), slog.Any("error", err))
		}
		return nil, shared.ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, shared.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	return user, nil
}

// MaxDiscount returns the discount ceiling of a supervisor after checking the
// password. It lets a supervisor authorise discounts above the sale maximum.
func (s *Service) MaxDiscount(ctx context.Context, username, password string) (decimal.Decimal, error) {
	user, err := s.Authenticate(ctx, username, password)
	if err != nil {
		return decimal.Zero, err
	}
	return user.MaxDiscount, nil
}

// NewUser builds an active user with a bcrypt password hash.
func NewUser(username, password string, maxDiscount decimal.Decimal, now time.Time) (*User, error) {
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	return &User{
		ID:           uuid.New(),
		Username:     username,
		PasswordHash: hash,
		IsActive:     true,
		MaxDiscount:  maxDiscount,
		CreatedAt:    now,
	}, nil
}

// HashPassword hashes a password with the default bcrypt cost.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash password: %w", err)
	}
	return string(hash), nil
}
