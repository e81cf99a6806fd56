package user

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"livechat/internal/httpx"
	"livechat/internal/logging"
	myMiddleware "livechat/internal/middleware"
)

type Handler struct {
	Service *Service
}

func NewHandler(s *Service) *Handler {
	return &Handler{Service: s}
}

// Routes mounts the authenticated user endpoints. The caller is expected to
// have applied the auth middleware.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/api/auth/me", h.Me)
	r.Get("/api/users", h.ListUsers)
	r.Get("/api/users/search", h.SearchUsers)
	r.Patch("/api/users/profile", h.UpdateProfile)
	r.Get("/api/users/{userID}", h.GetUser)
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.Service.Register(r.Context(), &req)
	if err != nil {
		if errors.Is(err, ErrDuplicate) {
			httpx.Error(w, http.StatusBadRequest, err.Error())
			return
		}
		httpx.Error(w, http.StatusInternalServerError, "registration failed")
		return
	}

	httpx.JSON(w, http.StatusCreated, res)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.Service.Login(r.Context(), &req)
	if err != nil {
		httpx.Error(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	userID, _ := myMiddleware.UserID(r.Context())
	users, err := h.Service.SearchUsers(r.Context(), r.URL.Query().Get("q"), userID)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "search failed")
		return
	}
	httpx.JSON(w, http.StatusOK, users)
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	userID, _ := myMiddleware.UserID(r.Context())
	u, err := h.Service.Me(r.Context(), userID)
	if err != nil {
		h.fail(w, err, "Failed to load user")
		return
	}
	httpx.JSON(w, http.StatusOK, u)
}

func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.Service.GetUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.fail(w, err, "Failed to load user")
		return
	}
	httpx.JSON(w, http.StatusOK, u)
}

func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	userID, _ := myMiddleware.UserID(r.Context())
	users, err := h.Service.ListUsers(r.Context(), userID)
	if err != nil {
		h.fail(w, err, "Failed to list users")
		return
	}
	httpx.JSON(w, http.StatusOK, users)
}

func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req UpdateProfileRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	userID, _ := myMiddleware.UserID(r.Context())
	u, err := h.Service.UpdateProfile(r.Context(), userID, &req)
	if err != nil {
		h.fail(w, err, "Failed to update profile")
		return
	}
	httpx.JSON(w, http.StatusOK, u)
}

func (h *Handler) fail(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Error(w, http.StatusNotFound, "User not found")
	case errors.Is(err, ErrDuplicate):
		httpx.Error(w, http.StatusBadRequest, "Username already taken")
	default:
		logging.Error().Err(err).Msg(msg)
		httpx.Error(w, http.StatusInternalServerError, msg)
	}
}
