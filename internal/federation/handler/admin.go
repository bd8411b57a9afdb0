package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"fedhub/internal/federation/models"
	id "fedhub/pkg/domain"
	dErrors "fedhub/pkg/domain-errors"
	audit "fedhub/pkg/platform/audit"
	"fedhub/pkg/platform/httputil"
	request "fedhub/pkg/platform/middleware/request"
	"fedhub/pkg/requestcontext"
)

// decisionRequest carries the optional reason for reject and revoke.
type decisionRequest struct {
	Reason string `json:"reason"`
}

// credentialsRequest is the admin payload for either side of the exchange.
type credentialsRequest struct {
	ClientID  string `json:"client_id"`
	IssuerURL string `json:"issuer_url"`
	SecretRef string `json:"secret_ref"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var filter models.ListFilter
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, err := models.ParseStatus(raw)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		filter.Status = status
	}
	if raw := r.URL.Query().Get("requester"); raw != "" {
		code, err := id.ParseInstanceCode(raw)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		filter.RequesterCode = code
	}

	enrollments, err := h.engine.List(ctx, filter)
	if err != nil {
		h.writeEngineError(w, r, "list enrollments", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"enrollments": enrollments})
}

func (h *Handler) handleListPending(w http.ResponseWriter, r *http.Request) {
	enrollments, err := h.engine.ListPending(r.Context())
	if err != nil {
		h.writeEngineError(w, r, "list pending enrollments", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"enrollments": enrollments})
}

func (h *Handler) handleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.Statistics(r.Context())
	if err != nil {
		h.writeEngineError(w, r, "enrollment statistics", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	enrollmentID, err := parseEnrollmentID(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	enrollment, err := h.engine.Get(r.Context(), enrollmentID)
	if err != nil {
		h.writeEngineError(w, r, "get enrollment", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, enrollment)
}

func (h *Handler) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	enrollmentID, err := parseEnrollmentID(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	trail, err := h.engine.AuditTrail(r.Context(), enrollmentID)
	if err != nil {
		h.writeEngineError(w, r, "audit trail", err)
		return
	}
	if trail == nil {
		trail = []audit.Event{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"events": trail})
}

func (h *Handler) handleVerifyFingerprint(w http.ResponseWriter, r *http.Request) {
	h.applyTransition(w, r, func(enrollmentID id.EnrollmentID, actor string) (*models.Enrollment, error) {
		return h.engine.VerifyFingerprint(r.Context(), enrollmentID, actor)
	})
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	h.applyTransition(w, r, func(enrollmentID id.EnrollmentID, actor string) (*models.Enrollment, error) {
		return h.engine.Approve(r.Context(), enrollmentID, actor)
	})
}

func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	h.applyTransition(w, r, func(enrollmentID id.EnrollmentID, actor string) (*models.Enrollment, error) {
		return h.engine.Reject(r.Context(), enrollmentID, actor, req.Reason)
	})
}

func (h *Handler) handleActivate(w http.ResponseWriter, r *http.Request) {
	h.applyTransition(w, r, func(enrollmentID id.EnrollmentID, _ string) (*models.Enrollment, error) {
		return h.engine.Activate(r.Context(), enrollmentID)
	})
}

func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	h.applyTransition(w, r, func(enrollmentID id.EnrollmentID, actor string) (*models.Enrollment, error) {
		return h.engine.Revoke(r.Context(), enrollmentID, actor, req.Reason)
	})
}

func (h *Handler) handleApproverCredentials(w http.ResponseWriter, r *http.Request) {
	h.storeCredentials(w, r, h.engine.StoreApproverCredentials)
}

func (h *Handler) handleRequesterCredentials(w http.ResponseWriter, r *http.Request) {
	h.storeCredentials(w, r, h.engine.StoreRequesterCredentials)
}

func (h *Handler) storeCredentials(
	w http.ResponseWriter,
	r *http.Request,
	store func(ctx context.Context, enrollmentID id.EnrollmentID, bundle *models.CredentialBundle, actor string) (*models.Enrollment, error),
) {
	ctx := r.Context()

	enrollmentID, err := parseEnrollmentID(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}
	bundle := &models.CredentialBundle{
		ClientID:  req.ClientID,
		IssuerURL: req.IssuerURL,
		SecretRef: req.SecretRef,
	}

	enrollment, err := store(ctx, enrollmentID, bundle, requestcontext.Actor(ctx))
	if err != nil {
		h.writeEngineError(w, r, "store credentials", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, enrollment)
}

// applyTransition shares the parse/dispatch/respond shape of the decision
// endpoints.
func (h *Handler) applyTransition(
	w http.ResponseWriter,
	r *http.Request,
	apply func(enrollmentID id.EnrollmentID, actor string) (*models.Enrollment, error),
) {
	ctx := r.Context()

	enrollmentID, err := parseEnrollmentID(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	enrollment, err := apply(enrollmentID, requestcontext.Actor(ctx))
	if err != nil {
		h.writeEngineError(w, r, "apply transition", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, enrollment)
}

func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, op string, err error) {
	ctx := r.Context()
	if dErrors.CodeOf(err) == dErrors.CodeInternal {
		h.logger.ErrorContext(ctx, op,
			"request_id", request.GetRequestID(ctx),
			"error", err.Error(),
		)
	} else {
		h.logger.WarnContext(ctx, op,
			"request_id", request.GetRequestID(ctx),
			"error", err.Error(),
		)
	}
	httputil.WriteError(w, err)
}
