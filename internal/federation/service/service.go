// Package service implements the zero-trust federation enrollment protocol
// engine: signed-request validation, the enrollment state machine, credential
// exchange completion, and protocol event emission.
package service

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"fedhub/internal/federation/events"
	"fedhub/internal/federation/identity"
	fedmetrics "fedhub/internal/federation/metrics"
	"fedhub/internal/federation/models"
	"fedhub/internal/federation/replay"
	id "fedhub/pkg/domain"
	audit "fedhub/pkg/platform/audit"
)

// EnrollmentStore is the engine's single source of truth. UpdateStatus must be
// compare-and-swap on the expected status so concurrent transitions on one
// enrollment cannot both win silently.
type EnrollmentStore interface {
	Create(ctx context.Context, enrollment *models.Enrollment) error
	FindByEnrollmentID(ctx context.Context, enrollmentID id.EnrollmentID) (*models.Enrollment, error)
	FindActiveByRequester(ctx context.Context, code id.InstanceCode) (*models.Enrollment, error)
	UpdateStatus(ctx context.Context, enrollmentID id.EnrollmentID, expected, next models.Status, actor, reason string) (*models.Enrollment, error)
	SetApproverCredentials(ctx context.Context, enrollmentID id.EnrollmentID, bundle *models.CredentialBundle) (*models.Enrollment, error)
	SetRequesterCredentials(ctx context.Context, enrollmentID id.EnrollmentID, bundle *models.CredentialBundle) (*models.Enrollment, error)
	ListPending(ctx context.Context) ([]*models.Enrollment, error)
	List(ctx context.Context, filter models.ListFilter) ([]*models.Enrollment, error)
	CountByStatus(ctx context.Context) (map[models.Status]int, error)
}

// IdentityProvider performs this instance's certificate and signature math.
type IdentityProvider interface {
	VerifySignature(assertion identity.Assertion, signature, certPEM string) error
	ValidateCertificate(certPEM string, now time.Time) identity.CertValidation
	Fingerprint(certPEM string) (string, error)
	OwnIdentity() identity.Identity
}

// EventBus receives protocol events after each successful store write.
// Publishing must never block or fail the originating transition.
type EventBus interface {
	Publish(event events.Event)
}

// AuditPublisher records protocol actions for the audit pipeline.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Freshness and expiry defaults. The asymmetric window tolerates modest clock
// skew in either direction while staying strict enough to defeat replay.
const (
	DefaultMaxTimestampAge    = 5 * time.Minute
	DefaultMaxTimestampFuture = time.Minute
	DefaultPendingTTL         = 72 * time.Hour
)

// Engine drives the enrollment protocol. It is stateless across calls; all
// state lives in the store. Construct one per process with explicit
// dependencies; engines never share hidden globals, so tests can run many
// instances side by side.
type Engine struct {
	store   EnrollmentStore
	idp     IdentityProvider
	nonces  replay.Cache
	bus     EventBus
	logger  *slog.Logger
	metrics *fedmetrics.Metrics
	auditor AuditPublisher
	tracer  trace.Tracer

	maxTimestampAge    time.Duration
	maxTimestampFuture time.Duration
	pendingTTL         time.Duration
}

// Option configures optional Engine behavior.
type Option func(e *Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func WithMetrics(m *fedmetrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithAuditPublisher(auditor AuditPublisher) Option {
	return func(e *Engine) { e.auditor = auditor }
}

// WithFreshnessWindow overrides the accepted signature timestamp window.
func WithFreshnessWindow(maxAge, maxFuture time.Duration) Option {
	return func(e *Engine) {
		e.maxTimestampAge = maxAge
		e.maxTimestampFuture = maxFuture
	}
}

// WithPendingTTL overrides how long an enrollment may sit awaiting human
// action before the sweeper expires it.
func WithPendingTTL(ttl time.Duration) Option {
	return func(e *Engine) { e.pendingTTL = ttl }
}

// New constructs an Engine with injected collaborators.
func New(store EnrollmentStore, idp IdentityProvider, nonces replay.Cache, bus EventBus, opts ...Option) *Engine {
	e := &Engine{
		store:              store,
		idp:                idp,
		nonces:             nonces,
		bus:                bus,
		logger:             slog.Default(),
		tracer:             otel.Tracer("fedhub/federation"),
		maxTimestampAge:    DefaultMaxTimestampAge,
		maxTimestampFuture: DefaultMaxTimestampFuture,
		pendingTTL:         DefaultPendingTTL,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) publish(eventType events.Type, enrollment *models.Enrollment, actor, reason string, at time.Time) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.Event{
		Type:       eventType,
		Enrollment: enrollment,
		Actor:      actor,
		Reason:     reason,
		Timestamp:  at,
	})
}

func (e *Engine) emitAudit(ctx context.Context, action audit.AuditEvent, enrollment *models.Enrollment, actor, reason string) {
	if e.auditor == nil {
		return
	}
	event := audit.Event{
		Category:  action.Category(),
		Action:    string(action),
		Actor:     actor,
		Reason:    reason,
		Subject:   enrollment.RequesterInstanceCode.String(),
		Timestamp: enrollment.UpdatedAt,
	}
	event.EnrollmentID = enrollment.EnrollmentID.String()
	if err := e.auditor.Emit(ctx, event); err != nil {
		e.logger.ErrorContext(ctx, "emit audit event", "error", err, "action", string(action))
	}
}

func (e *Engine) incrementTransition(to models.Status) {
	if e.metrics != nil {
		e.metrics.IncrementTransition(string(to))
	}
}

func (e *Engine) incrementRejected(cause string) {
	if e.metrics != nil {
		e.metrics.IncrementRejected(cause)
	}
}
