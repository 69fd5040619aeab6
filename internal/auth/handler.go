package auth

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-pdv/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-pdv/internal/shared"
)

// Handler wires the station login endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	cookie    *CookieFile
	idle      *IdleWatcher
	validator *validator.Validate
}

// NewHandler constructs a Handler. cookie and idle may be nil.
func NewHandler(logger *slog.Logger, service *Service, cookie *CookieFile, idle *IdleWatcher) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, cookie: cookie, idle: idle, validator: validator.New()}
}

// MountRoutes registers auth routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/login", h.handleLogin)
	r.Post("/logout", h.handleLogout)
}

type loginForm struct {
	Username string `json:"username" validate:"required,max=64"`
	Password string `json:"password" validate:"required"`
	Remember bool   `json:"remember"`
}

type loginResponse struct {
	Username    string `json:"username"`
	MaxDiscount string `json:"max_discount"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var form loginForm
	if err := httpx.DecodeJSON(r, &form); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validator.Struct(form); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	user, err := h.service.Authenticate(r.Context(), form.Username, form.Password)
	if err != nil {
		if errors.Is(err, shared.ErrInvalidCredentials) {
			httpx.RespondError(w, httpx.ErrUnauthorized)
			return
		}
		h.logger.Error("login failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if form.Remember && h.cookie != nil {
		if err := h.cookie.Save(user); err != nil {
			h.logger.Warn("login cookie not saved", slog.Any("error", err))
		}
	}
	if h.idle != nil {
		h.idle.Login()
	}
	h.logger.Info("operator logged in", slog.String("username", user.Username))
	httpx.JSON(w, http.StatusOK, loginResponse{Username: user.Username, MaxDiscount: user.MaxDiscount.StringFixed(2)})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if h.cookie != nil {
		if err := h.cookie.Clear(); err != nil {
			h.logger.Warn("login cookie not cleared", slog.Any("error", err))
		}
	}
	w.WriteHeader(http.StatusNoContent)
}
