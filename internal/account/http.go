// Copyright (c) 2026 LabGate. All rights reserved.

// HTTP delivery layer for the account use cases.
//
// # Architecture
//
// Handlers act as the "gatekeepers" to the system. They are responsible for:
//   - JSON Request parsing and strict input validation.
//   - Mapping HTTP contexts to service layer method calls.
//   - Standardizing JSON response formats via the [respond] package.
//
// They contain NO business logic or database queries.
package account

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/labgate/labgate/internal/platform/apperr"
	"github.com/labgate/labgate/internal/platform/constants"
	"github.com/labgate/labgate/internal/platform/ctxutil"
	"github.com/labgate/labgate/internal/platform/middleware"
	"github.com/labgate/labgate/internal/platform/respond"
	"github.com/labgate/labgate/internal/platform/sec"
	"github.com/labgate/labgate/internal/platform/validate"
	"github.com/labgate/labgate/pkg/pagination"
)

// Handler implements membership-related HTTP endpoints.
//
// # Scope
//
// This handler manages the account lifecycle entry points (registration,
// login, profile) and the administrator approval console.
type Handler struct {
	accountService *Service
	sessionGuard   func(http.Handler) http.Handler
}

// NewHandler constructs a new [Handler] with its service dependency and the
// session-guard middleware protecting authenticated routes.
func NewHandler(service *Service, sessionGuard func(http.Handler) http.Handler) *Handler {
	return &Handler{
		accountService: service,
		sessionGuard:   sessionGuard,
	}
}

// Routes returns a [chi.Router] configured with member-facing routes.
//
// # Endpoints
//   - POST /register : Creates a new unapproved account.
//   - POST /login    : Authenticates and returns a device-bound session token.
//   - GET  /me       : Returns the caller's profile (session-guarded).
func (handler *Handler) Routes() chi.Router {
	router := chi.NewRouter()

	router.Post("/register", handler.register)
	router.Post("/login", handler.login)

	router.Group(func(protected chi.Router) {
		protected.Use(middleware.RequireAuth)
		protected.Use(handler.sessionGuard)
		protected.Get("/me", handler.me)
	})

	return router
}

// AdminRoutes returns a [chi.Router] with the approval console endpoints.
//
// # Endpoints
//   - GET  /accounts              : Lists accounts, filterable by approval state.
//   - POST /accounts/{id}/approve : Approves a pending account.
//
// Both require an admin role on top of the session guard.
func (handler *Handler) AdminRoutes() chi.Router {
	router := chi.NewRouter()

	router.Use(middleware.RequireAuth)
	router.Use(handler.sessionGuard)
	router.Use(middleware.RequireRole(sec.RoleAdmin))

	router.Get("/accounts", handler.listAccounts)
	router.Post("/accounts/{id}/approve", handler.approveAccount)

	return router
}

// registerRequest represents the JSON payload expected for account creation.
type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// register handles POST /api/v1/auth/register requests.
//
// # Returns
//   - Writes HTTP 201 Created on success with pending_approval=true and the
//     public user projection.
//   - Writes HTTP 400 Bad Request if validation rules fail.
//   - Writes HTTP 409 Conflict if the email is taken.
func (handler *Handler) register(writer http.ResponseWriter, request *http.Request) {
	// ── 1. Payload Extraction ─────────────────────────────────────────────

	var input registerRequest
	if err := json.NewDecoder(request.Body).Decode(&input); err != nil {
		respond.Error(writer, request, validate.ErrInvalidJSON)
		return
	}

	// ── 2. Application Execution ──────────────────────────────────────────

	// Field validation (format, lengths) lives in the service's validator
	// chain so every caller gets identical ErrorEnvelope shapes.
	acct, err := handler.accountService.Register(request.Context(), RegisterInput{
		Email:    input.Email,
		Password: input.Password,
	})
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	// ── 3. Presentation Output ────────────────────────────────────────────

	respond.Created(writer, map[string]any{
		"pending_approval": true,
		"user":             acct.Public(),
		"message":          "Registration received. An administrator must approve your account before you can sign in.",
	})
}

// loginRequest represents the JSON payload expected for authentication.
type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// login handles POST /api/v1/auth/login requests.
//
// # Device Binding
//
// The client's self-generated device identifier travels in the X-Device-Id
// header, not the body: it accompanies every subsequent request the same way,
// and the session it opens is valid only from that device.
//
// # Returns
//   - Writes HTTP 200 OK with a token for approved accounts.
//   - Writes HTTP 200 OK with pending_approval=true (no token) for
//     unapproved accounts presenting correct credentials.
//   - Writes HTTP 400 Bad Request when the device header is missing.
//   - Writes HTTP 401 Unauthorized for bad credentials.
func (handler *Handler) login(writer http.ResponseWriter, request *http.Request) {
	// ── 1. Payload Extraction ─────────────────────────────────────────────

	var input loginRequest
	if err := json.NewDecoder(request.Body).Decode(&input); err != nil {
		respond.Error(writer, request, validate.ErrInvalidJSON)
		return
	}

	deviceID := strings.TrimSpace(request.Header.Get(constants.HeaderXDeviceID))
	if deviceID == "" {
		respond.Error(writer, request, validate.RequiredError("device_id", "Missing device id"))
		return
	}

	// ── 2. Application Execution ──────────────────────────────────────────

	result, err := handler.accountService.Login(request.Context(), LoginInput{
		Email:    input.Email,
		Password: input.Password,
		DeviceID: deviceID,
	})
	if err != nil {
		// HTTP 401 without leaking the reason (wrong password vs unknown email).
		respond.Error(writer, request, err)
		return
	}

	// ── 3. Presentation Output ────────────────────────────────────────────

	if result.PendingApproval {
		respond.OK(writer, map[string]any{
			"pending_approval": true,
			"message":          result.Message,
		})
		return
	}

	respond.OK(writer, map[string]any{
		"token":      result.Token,
		"expires_at": result.ExpiresAt,
		"user":       result.Account.Public(),
	})
}

// me handles GET /api/v1/auth/me requests.
//
// The session guard has already re-validated the epoch and device, so
// reaching this handler means the caller holds the account's only live session.
func (handler *Handler) me(writer http.ResponseWriter, request *http.Request) {
	claims := ctxutil.GetAuthUser(request.Context())
	if claims == nil {
		respond.Error(writer, request, apperr.Unauthorized("Authentication required"))
		return
	}

	acct, err := handler.accountService.Profile(request.Context(), claims.UserID)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.OK(writer, acct)
}

// listAccounts handles GET /api/v1/admin/accounts requests.
//
// # Query Parameters
//   - approved: "true" or "false" to filter; absent means all accounts.
//   - page / limit: standard pagination.
func (handler *Handler) listAccounts(writer http.ResponseWriter, request *http.Request) {
	var approvedFilter *bool
	if raw := request.URL.Query().Get("approved"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			respond.Error(writer, request, validate.RequiredError("approved", "must be true or false"))
			return
		}
		approvedFilter = &parsed
	}

	page := pagination.FromRequest(request)

	accounts, meta, err := handler.accountService.List(request.Context(), approvedFilter, page)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.Paginated(writer, accounts, meta)
}

// approveAccount handles POST /api/v1/admin/accounts/{id}/approve requests.
//
// Repeated approvals of the same account succeed and leave the original
// approval record untouched.
func (handler *Handler) approveAccount(writer http.ResponseWriter, request *http.Request) {
	accountID := chi.URLParam(request, "id")

	claims := ctxutil.GetAuthUser(request.Context())
	if claims == nil {
		respond.Error(writer, request, apperr.Unauthorized("Authentication required"))
		return
	}

	acct, err := handler.accountService.Approve(request.Context(), accountID, claims.UserID)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.OK(writer, acct)
}
