// Package handler is the thin HTTP layer over the resolution engine. It
// parses the wire shape and delegates; no business logic lives here.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"reconcile/internal/identity"
	"reconcile/internal/platform/middleware"
	dErrors "reconcile/pkg/domain-errors"
	"reconcile/pkg/platform/httputil"
)

// Service defines the resolution operation consumed by this handler.
type Service interface {
	Resolve(ctx context.Context, email, phone string) (*identity.ConsolidatedContact, error)
}

// Handler handles the /identify endpoint.
type Handler struct {
	logger  *slog.Logger
	service Service
}

// New creates the identify Handler.
func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{
		logger:  logger,
		service: service,
	}
}

// Register registers the identify route with the chi router.
func (h *Handler) Register(r chi.Router) {
	identifyRouter := chi.NewRouter()
	identifyRouter.Use(middleware.Recovery(h.logger))
	identifyRouter.Use(middleware.RequestID)
	identifyRouter.Use(middleware.Logger(h.logger))
	identifyRouter.Use(middleware.Timeout(30 * time.Second))
	identifyRouter.Use(middleware.ContentTypeJSON)
	identifyRouter.Post("/identify", h.handleIdentify)

	r.Mount("/", identifyRouter)
}

// identifyRequest is the wire shape. phoneNumber arrives as either a JSON
// number or a string; decoding keeps the distinction so numbers can be
// normalized to their canonical string form.
type identifyRequest struct {
	Email       string          `json:"email"`
	PhoneNumber json.RawMessage `json:"phoneNumber"`
}

type identifyResponse struct {
	Contact *identity.ConsolidatedContact `json:"contact"`
}

func (h *Handler) handleIdentify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	var req identifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.WarnContext(ctx, "invalid identify request",
			"request_id", requestID,
			"error", err.Error(),
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}

	phone, err := parsePhone(req.PhoneNumber)
	if err != nil {
		h.logger.WarnContext(ctx, "invalid phoneNumber field",
			"request_id", requestID,
			"error", err.Error(),
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "phoneNumber must be a string or a number"))
		return
	}

	view, err := h.service.Resolve(ctx, req.Email, phone)
	if err != nil {
		if dErrors.Is(err, dErrors.CodeInvalidInput) || dErrors.Is(err, dErrors.CodeBadRequest) {
			httputil.WriteError(w, err)
			return
		}
		h.logger.ErrorContext(ctx, "identity resolution failed",
			"request_id", requestID,
			"error", err.Error(),
		)
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, identifyResponse{Contact: view})
}

// parsePhone accepts a JSON string or number. A numeric value is reduced to
// its canonical integer string so `123456` and `"123456"` match the same
// contact.
func parsePhone(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString, nil
	}

	var asNumber json.Number
	if err := json.Unmarshal(raw, &asNumber); err != nil {
		return "", err
	}
	if n, err := asNumber.Int64(); err == nil {
		return strconv.FormatInt(n, 10), nil
	}
	return asNumber.String(), nil
}
