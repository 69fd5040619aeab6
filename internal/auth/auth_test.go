package auth_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-pdv/internal/auth"
	"github.com/odyssey-erp/odyssey-pdv/internal/params"
	"github.com/odyssey-erp/odyssey-pdv/internal/shared"
	"github.com/odyssey-erp/odyssey-pdv/internal/store"
)

func newService(t *testing.T, users ...*auth.User) *auth.Service {
	t.Helper()
	ctx := context.Background()
	stores := store.NewManager(store.NewMemoryBackend(), nil)
	st, err := stores.Begin(ctx)
	require.NoError(t, err)
	for _, u := range users {
		require.NoError(t, st.Add(u))
	}
	require.NoError(t, st.Commit(ctx, true))
	return auth.NewService(auth.NewRepository(stores), nil)
}

func mustUser(t *testing.T, username, password, maxDiscount string) *auth.User {
	t.Helper()
	u, err := auth.NewUser(username, password, decimal.RequireFromString(maxDiscount), time.Now())
	require.NoError(t, err)
	return u
}

func TestAuthenticate(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, mustUser(t, "Ana", "segredo123", "15"))

	user, err := svc.Authenticate(ctx, "ana", "segredo123")
	require.NoError(t, err)
	require.Equal(t, "Ana", user.Username)

	_, err = svc.Authenticate(ctx, "ana", "errada")
	require.ErrorIs(t, err, shared.ErrInvalidCredentials)
	_, err = svc.Authenticate(ctx, "bruno", "segredo123")
	require.ErrorIs(t, err, shared.ErrInvalidCredentials)
}

func TestMaxDiscountChecksPassword(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, mustUser(t, "gerente", "segredo123", "20"))

	limit, err := svc.MaxDiscount(ctx, "gerente", "segredo123")
	require.NoError(t, err)
	require.Equal(t, "20", limit.String())

	_, err = svc.MaxDiscount(ctx, "gerente", "x")
	require.ErrorIs(t, err, shared.ErrInvalidCredentials)
}

func TestCookieFileRoundTrip(t *testing.T) {
	ctx := context.Background()
	user := mustUser(t, "ana", "segredo123", "5")
	svc := newService(t, user)
	cookie := auth.NewCookieFile(filepath.Join(t.TempDir(), "pdv", "cookie"))

	_, err := svc.AutoLogin(ctx, cookie)
	require.ErrorIs(t, err, auth.ErrNoCookie)

	require.NoError(t, cookie.Save(user))
	info, err := os.Stat(cookie.Path())
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	logged, err := svc.AutoLogin(ctx, cookie)
	require.NoError(t, err)
	require.Equal(t, user.ID, logged.ID)

	require.NoError(t, cookie.Clear())
	require.NoError(t, cookie.Clear())
	_, err = svc.AutoLogin(ctx, cookie)
	require.ErrorIs(t, err, auth.ErrNoCookie)
}

func TestCookieRejectedAfterPasswordChange(t *testing.T) {
	ctx := context.Background()
	user := mustUser(t, "ana", "segredo123", "5")
	svc := newService(t, user)
	cookie := auth.NewCookieFile(filepath.Join(t.TempDir(), "cookie"))

	stale := *user
	stale.PasswordHash = "outro"
	require.NoError(t, cookie.Save(&stale))
	_, err := svc.AutoLogin(ctx, cookie)
	require.ErrorIs(t, err, shared.ErrInvalidCredentials)
}

func TestIdleWatcherLogsOut(t *testing.T) {
	ctx := context.Background()
	values := params.Defaults()
	values.AutomaticLogout = 5
	now := time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)
	calls := 0
	w := auth.NewIdleWatcher(params.Static(values), func(context.Context) { calls++ }, nil)
	w.WithNow(func() time.Time { return now })

	require.False(t, w.Check(ctx))
	w.Login()
	now = now.Add(4 * time.Minute)
	require.False(t, w.Check(ctx))
	w.Touch()
	now = now.Add(5 * time.Minute)
	require.True(t, w.Check(ctx))
	require.False(t, w.LoggedIn())
	require.False(t, w.Check(ctx))
	require.Equal(t, 1, calls)
}

func TestIdleWatcherDisabled(t *testing.T) {
	now := time.Now()
	w := auth.NewIdleWatcher(params.Static(params.Defaults()), nil, nil)
	w.WithNow(func() time.Time { return now })
	w.Login()
	now = now.Add(24 * time.Hour)
	require.False(t, w.Check(context.Background()))
	require.True(t, w.LoggedIn())
}

func TestLoginHandler(t *testing.T) {
	svc := newService(t, mustUser(t, "ana", "segredo123", "5"))
	cookie := auth.NewCookieFile(filepath.Join(t.TempDir(), "cookie"))
	router := chi.NewRouter()
	auth.NewHandler(nil, svc, cookie, nil).MountRoutes(router)

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	rec := post(`{"username":"ana","password":"segredo123","remember":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"max_discount":"5.00"`)
	_, err := os.Stat(cookie.Path())
	require.NoError(t, err)

	require.Equal(t, http.StatusUnauthorized, post(`{"username":"ana","password":"nope"}`).Code)
	require.Equal(t, http.StatusBadRequest, post(`{"username":"ana"}`).Code)
}
