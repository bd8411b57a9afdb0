// Package handler is the HTTP layer for the enrollment protocol. It delegates
// to the protocol engine without embedding protocol logic so transport
// concerns remain isolated.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"fedhub/internal/federation/models"
	"fedhub/internal/platform/metrics"
	"fedhub/internal/platform/middleware"
	id "fedhub/pkg/domain"
	dErrors "fedhub/pkg/domain-errors"
	audit "fedhub/pkg/platform/audit"
	"fedhub/pkg/platform/httputil"
	authmw "fedhub/pkg/platform/middleware/auth"
	"fedhub/pkg/platform/middleware/metadata"
	request "fedhub/pkg/platform/middleware/request"
	"fedhub/pkg/platform/middleware/requesttime"
)

// Service defines the engine operations the HTTP layer needs.
type Service interface {
	ProcessEnrollment(ctx context.Context, req *models.EnrollmentRequest) (*models.EnrollmentResponse, error)
	GetStatus(ctx context.Context, enrollmentID id.EnrollmentID) (*models.StatusResponse, error)
	Get(ctx context.Context, enrollmentID id.EnrollmentID) (*models.Enrollment, error)
	ListPending(ctx context.Context) ([]*models.Enrollment, error)
	List(ctx context.Context, filter models.ListFilter) ([]*models.Enrollment, error)
	Statistics(ctx context.Context) (*models.Statistics, error)
	AuditTrail(ctx context.Context, enrollmentID id.EnrollmentID) ([]audit.Event, error)
	VerifyFingerprint(ctx context.Context, enrollmentID id.EnrollmentID, actor string) (*models.Enrollment, error)
	Approve(ctx context.Context, enrollmentID id.EnrollmentID, actor string) (*models.Enrollment, error)
	Reject(ctx context.Context, enrollmentID id.EnrollmentID, actor, reason string) (*models.Enrollment, error)
	Activate(ctx context.Context, enrollmentID id.EnrollmentID) (*models.Enrollment, error)
	Revoke(ctx context.Context, enrollmentID id.EnrollmentID, actor, reason string) (*models.Enrollment, error)
	StoreApproverCredentials(ctx context.Context, enrollmentID id.EnrollmentID, bundle *models.CredentialBundle, actor string) (*models.Enrollment, error)
	StoreRequesterCredentials(ctx context.Context, enrollmentID id.EnrollmentID, bundle *models.CredentialBundle, actor string) (*models.Enrollment, error)
}

// Handler handles federation enrollment endpoints.
type Handler struct {
	logger       *slog.Logger
	engine       Service
	metrics      *metrics.Metrics
	jwtValidator authmw.JWTValidator
}

// New creates a new federation Handler.
func New(
	engine Service,
	logger *slog.Logger,
	metrics *metrics.Metrics,
	jwtValidator authmw.JWTValidator) *Handler {
	return &Handler{
		logger:       logger,
		engine:       engine,
		metrics:      metrics,
		jwtValidator: jwtValidator,
	}
}

// Register mounts the public and operator routes on the chi router.
func (h *Handler) Register(r chi.Router) {
	public := chi.NewRouter()
	public.Use(middleware.Recovery(h.logger))
	public.Use(request.RequestID)
	public.Use(requesttime.Middleware)
	public.Use(metadata.ClientMetadata)
	public.Use(middleware.Logger(h.logger))
	public.Use(middleware.Timeout(30 * time.Second))
	public.Use(middleware.ContentTypeJSON)
	if h.metrics != nil {
		public.Use(middleware.Latency(h.metrics))
	}
	public.Post("/api/federation/enrollment", h.handleEnroll)
	public.Get("/api/federation/enrollment/{enrollmentID}/status", h.handleStatus)

	admin := chi.NewRouter()
	admin.Use(middleware.Recovery(h.logger))
	admin.Use(request.RequestID)
	admin.Use(requesttime.Middleware)
	admin.Use(metadata.ClientMetadata)
	admin.Use(middleware.Logger(h.logger))
	admin.Use(middleware.Timeout(30 * time.Second))
	admin.Use(middleware.ContentTypeJSON)
	if h.metrics != nil {
		admin.Use(middleware.Latency(h.metrics))
	}
	admin.Use(authmw.RequireAuth(h.jwtValidator, h.logger))
	admin.Get("/enrollments", h.handleList)
	admin.Get("/enrollments/pending", h.handleListPending)
	admin.Get("/enrollments/statistics", h.handleStatistics)
	admin.Get("/enrollments/{enrollmentID}", h.handleGet)
	admin.Get("/enrollments/{enrollmentID}/audit", h.handleAuditTrail)
	admin.Post("/enrollments/{enrollmentID}/verify-fingerprint", h.handleVerifyFingerprint)
	admin.Post("/enrollments/{enrollmentID}/approve", h.handleApprove)
	admin.Post("/enrollments/{enrollmentID}/reject", h.handleReject)
	admin.Post("/enrollments/{enrollmentID}/activate", h.handleActivate)
	admin.Post("/enrollments/{enrollmentID}/revoke", h.handleRevoke)
	admin.Put("/enrollments/{enrollmentID}/credentials/approver", h.handleApproverCredentials)
	admin.Put("/enrollments/{enrollmentID}/credentials/requester", h.handleRequesterCredentials)

	r.Mount("/", public)
	r.Mount("/admin/federation", admin)
}

// handleEnroll accepts a signed enrollment request from a remote instance.
func (h *Handler) handleEnroll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req models.EnrollmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.WarnContext(ctx, "invalid enrollment request body",
			"request_id", request.GetRequestID(ctx),
			"error", err.Error(),
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}

	res, err := h.engine.ProcessEnrollment(ctx, &req)
	if err != nil {
		h.logger.WarnContext(ctx, "enrollment refused",
			"request_id", request.GetRequestID(ctx),
			"instance_code", req.InstanceCode,
			"client_ip", metadata.ClientIPFromRequest(r),
			"error", err.Error(),
		)
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, res)
}

// handleStatus serves the polling projection. Knowing the enrollment ID is
// the only authorization; the response is scrubbed accordingly.
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	enrollmentID, err := parseEnrollmentID(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	res, err := h.engine.GetStatus(ctx, enrollmentID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func parseEnrollmentID(r *http.Request) (id.EnrollmentID, error) {
	raw := chi.URLParam(r, "enrollmentID")
	enrollmentID, err := id.ParseEnrollmentID(raw)
	if err != nil {
		return id.EnrollmentID{}, dErrors.Newf(dErrors.CodeInvalidInput, "invalid enrollment id %q", raw)
	}
	return enrollmentID, nil
}
