// Copyright (c) 2026 LabGate. All rights reserved.

package link

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/labgate/labgate/internal/platform/constants"
	"github.com/labgate/labgate/internal/platform/respond"
	"github.com/labgate/labgate/internal/platform/validate"
)

// Handler implements the third-party login HTTP endpoints.
type Handler struct {
	linkService *Service
}

// NewHandler constructs a new [Handler] with its service dependency.
func NewHandler(service *Service) *Handler {
	return &Handler{linkService: service}
}

// Routes returns a [chi.Router] configured with the provider flow routes,
// mounted under /auth/wechat by the server.
//
// # Endpoints
//   - GET  /start    : Mints a state and returns the authorize URL.
//   - POST /callback : Completes the flow and signs the member in.
//
// Both are unauthenticated by nature: the caller has no session yet.
func (handler *Handler) Routes() chi.Router {
	router := chi.NewRouter()

	router.Get("/start", handler.start)
	router.Post("/callback", handler.callback)

	return router
}

// start handles GET /api/v1/auth/wechat/start requests.
//
// # Query Parameters
//   - redirect: optional SPA route to resume after login.
func (handler *Handler) start(writer http.ResponseWriter, request *http.Request) {
	redirectTo := request.URL.Query().Get("redirect")

	result, err := handler.linkService.Start(request.Context(), redirectTo)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.OK(writer, result)
}

// callbackRequest represents the JSON payload posted by the SPA after the
// provider redirected the browser back with code and state.
type callbackRequest struct {
	Code  string `json:"code"`
	State string `json:"state"`
}

// callback handles POST /api/v1/auth/wechat/callback requests.
//
// # Device Binding
//
// Like password login, the session opened here is bound to the device in
// the X-Device-Id header.
//
// # Returns
//   - Writes HTTP 200 OK with a token (and redirect target) on success.
//   - Writes HTTP 200 OK with pending_approval=true for unapproved accounts.
//   - Writes HTTP 400 Bad Request for a missing device header or an
//     invalid/reused state.
//   - Writes HTTP 502 Bad Gateway when the provider exchange fails.
func (handler *Handler) callback(writer http.ResponseWriter, request *http.Request) {
	// ── 1. Payload Extraction ─────────────────────────────────────────────

	var input callbackRequest
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

	result, err := handler.linkService.Callback(request.Context(), CallbackInput{
		Code:     input.Code,
		State:    input.State,
		DeviceID: deviceID,
	})
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	// ── 3. Presentation Output ────────────────────────────────────────────

	if result.PendingApproval {
		respond.OK(writer, map[string]any{
			"pending_approval": true,
			"message":          result.Message,
			"redirect_to":      result.RedirectTo,
		})
		return
	}

	respond.OK(writer, map[string]any{
		"token":       result.Token,
		"expires_at":  result.ExpiresAt,
		"user":        result.Account.Public(),
		"redirect_to": result.RedirectTo,
	})
}
