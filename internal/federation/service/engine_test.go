package service

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"

	"fedhub/internal/federation/events"
	"fedhub/internal/federation/identity"
	fedmetrics "fedhub/internal/federation/metrics"
	"fedhub/internal/federation/models"
	"fedhub/internal/federation/replay"
	"fedhub/internal/federation/store"
	id "fedhub/pkg/domain"
	dErrors "fedhub/pkg/domain-errors"
	audit "fedhub/pkg/platform/audit"
	auditpublisher "fedhub/pkg/platform/audit/publisher"
	auditmemory "fedhub/pkg/platform/audit/store/memory"
	"fedhub/pkg/requestcontext"
	"fedhub/pkg/testutil"
)

// =============================================================================
// Enrollment Engine Test Suite
// =============================================================================
// The engine is exercised against real collaborators: in-memory store, real
// certificate math, real nonce cache. Requests are produced the way a remote
// instance would produce them, by signing the canonical assertion with the
// key matching the presented certificate.

type EngineSuite struct {
	suite.Suite
	engine *Engine
	store  *store.Memory
	bus    *events.Bus
	events <-chan events.Event
	audit  *auditmemory.InMemoryStore

	hub       *identity.Provider
	requester *identity.Provider
	reqCert   string

	now   time.Time
	ctx   context.Context
	nonce int
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

func (s *EngineSuite) SetupTest() {
	hubCert, hubKey := testutil.GenerateInstanceCert(s.T(), "hub.example.mil", testutil.CertOptions{})
	hub, err := identity.NewFromPEM(id.InstanceCode("HUB"), hubCert, hubKey)
	s.Require().NoError(err)

	reqCert, reqKey := testutil.GenerateInstanceCert(s.T(), "gbr.example.mil", testutil.CertOptions{})
	requester, err := identity.NewFromPEM(id.InstanceCode("GBR"), reqCert, reqKey)
	s.Require().NoError(err)

	s.hub = hub
	s.requester = requester
	s.reqCert = string(reqCert)

	s.store = store.NewMemory()
	s.bus = events.NewBus()
	sub, _ := s.bus.Subscribe(32)
	s.events = sub

	s.audit = auditmemory.NewInMemoryStore()
	s.engine = New(s.store, hub, replay.NewMemory(), s.bus,
		WithMetrics(fedmetrics.NewWith(prometheus.NewRegistry())),
		WithAuditPublisher(auditpublisher.NewPublisher(s.audit)),
	)

	// The generated certificates anchor their validity window to the wall
	// clock, so the suite clock must track it. Truncated so RFC3339
	// timestamps round-trip exactly.
	s.now = time.Now().UTC().Truncate(time.Second)
	s.ctx = requestcontext.WithTime(context.Background(), s.now)
	s.nonce = 0
}

// request builds a fully signed enrollment request for the given instance
// code using the suite's requester key.
func (s *EngineSuite) request(code string) *models.EnrollmentRequest {
	s.nonce++
	req := &models.EnrollmentRequest{
		InstanceCode:          code,
		InstanceName:          code + " Defence Instance",
		InstanceCertPEM:       s.reqCert,
		OIDCDiscoveryURL:      "https://" + code + ".example.mil/.well-known/openid-configuration",
		APIURL:                "https://" + code + ".example.mil/api",
		IdPURL:                "https://idp." + code + ".example.mil",
		RequestedCapabilities: []string{"search", "retrieve"},
		RequestedTrustLevel:   "bilateral",
		ContactEmail:          "federation@" + code + ".example.mil",
		SignatureTimestamp:    s.now.Format(time.RFC3339),
		SignatureNonce:        s.T().Name() + "-nonce-" + string(rune('a'+s.nonce)),
	}
	sig, err := s.requester.Sign(identity.Assertion{
		InstanceCode: req.InstanceCode,
		TargetURL:    req.APIURL,
		Timestamp:    req.SignatureTimestamp,
		Nonce:        req.SignatureNonce,
	})
	s.Require().NoError(err)
	req.EnrollmentSignature = sig
	return req
}

func (s *EngineSuite) enroll(code string) *models.EnrollmentResponse {
	res, err := s.engine.ProcessEnrollment(s.ctx, s.request(code))
	s.Require().NoError(err)
	return res
}

func (s *EngineSuite) drainEvents() []events.Event {
	var out []events.Event
	for {
		select {
		case e := <-s.events:
			out = append(out, e)
		default:
			return out
		}
	}
}

// =============================================================================
// ProcessEnrollment
// =============================================================================

func (s *EngineSuite) TestProcessEnrollment() {
	res := s.enroll("GBR")

	s.Equal(models.StatusPendingVerification, res.Status)
	s.NotEmpty(res.ChallengeNonce)
	s.Equal(id.InstanceCode("HUB"), res.VerifierInstanceCode)
	s.Equal(s.hub.OwnIdentity().Fingerprint, res.VerifierFingerprint)
	s.Contains(res.StatusPollingURL, res.EnrollmentID.String())

	stored, err := s.store.FindByEnrollmentID(s.ctx, res.EnrollmentID)
	s.Require().NoError(err)
	s.Equal(id.InstanceCode("GBR"), stored.RequesterInstanceCode)
	s.Equal(models.TrustLevelBilateral, stored.RequesterTrustLevel)
	s.NotEmpty(stored.RequesterFingerprint)
	s.Len(stored.StatusHistory, 1)

	published := s.drainEvents()
	s.Require().Len(published, 1)
	s.Equal(events.TypeRequested, published[0].Type)
}

func (s *EngineSuite) TestProcessEnrollmentRejections() {
	s.Run("structural validation failure", func() {
		req := s.request("GBR")
		req.ContactEmail = "not-an-email"
		_, err := s.engine.ProcessEnrollment(s.ctx, req)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("timestamp too old", func() {
		req := s.request("GBR")
		req.SignatureTimestamp = s.now.Add(-6 * time.Minute).Format(time.RFC3339)
		s.resign(req)

		_, err := s.engine.ProcessEnrollment(s.ctx, req)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
		s.Equal("signature timestamp is too old or in the future", err.Error())
	})

	s.Run("timestamp too far in the future", func() {
		req := s.request("GBR")
		req.SignatureTimestamp = s.now.Add(2 * time.Minute).Format(time.RFC3339)
		s.resign(req)

		_, err := s.engine.ProcessEnrollment(s.ctx, req)
		s.Require().Error(err)
		s.Equal("signature timestamp is too old or in the future", err.Error())
	})

	s.Run("boundary timestamps are accepted", func() {
		req := s.request("GB2")
		req.SignatureTimestamp = s.now.Add(-5 * time.Minute).Format(time.RFC3339)
		s.resign(req)
		_, err := s.engine.ProcessEnrollment(s.ctx, req)
		s.NoError(err)
	})

	s.Run("tampered payload fails signature verification", func() {
		req := s.request("FRA")
		req.APIURL = "https://attacker.example/api"
		_, err := s.engine.ProcessEnrollment(s.ctx, req)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
		s.Contains(err.Error(), "signature verification failed")
	})

	s.Run("expired certificate lists the violation", func() {
		expiredCert, expiredKey := testutil.GenerateInstanceCert(s.T(), "old.example.mil", testutil.CertOptions{
			NotBefore: s.now.Add(-48 * time.Hour),
			NotAfter:  s.now.Add(-24 * time.Hour),
		})
		expired, err := identity.NewFromPEM(id.InstanceCode("FRA"), expiredCert, expiredKey)
		s.Require().NoError(err)

		req := s.request("FRA")
		req.InstanceCertPEM = string(expiredCert)
		sig, err := expired.Sign(identity.Assertion{
			InstanceCode: req.InstanceCode,
			TargetURL:    req.APIURL,
			Timestamp:    req.SignatureTimestamp,
			Nonce:        req.SignatureNonce,
		})
		s.Require().NoError(err)
		req.EnrollmentSignature = sig

		_, err = s.engine.ProcessEnrollment(s.ctx, req)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
		s.Contains(err.Error(), "expired")
	})

	s.Run("no record is created for a rejected request", func() {
		counts, err := s.store.CountByStatus(s.ctx)
		s.Require().NoError(err)
		s.Equal(1, counts[models.StatusPendingVerification], "only the boundary-accepted GB2 enrollment exists")
	})
}

func (s *EngineSuite) TestNonceReplay() {
	req := s.request("GBR")
	_, err := s.engine.ProcessEnrollment(s.ctx, req)
	s.Require().NoError(err)

	// A second request from the same instance reusing the nonce. The nonce
	// check runs before duplicate suppression, so the replay wins.
	replayed := s.request("GBR")
	replayed.SignatureNonce = req.SignatureNonce
	s.resign(replayed)

	_, err = s.engine.ProcessEnrollment(s.ctx, replayed)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
	s.Contains(err.Error(), "nonce")
}

func (s *EngineSuite) TestDuplicateRequester() {
	first := s.enroll("FRA")

	_, err := s.engine.ProcessEnrollment(s.ctx, s.request("FRA"))
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	s.Contains(err.Error(), first.EnrollmentID.String())
	s.Contains(err.Error(), "pending_verification")

	s.Run("a terminal outcome frees the code", func() {
		_, err := s.engine.Reject(s.ctx, first.EnrollmentID, "admin1", "resubmission requested")
		s.Require().NoError(err)

		_, err = s.engine.ProcessEnrollment(s.ctx, s.request("FRA"))
		s.NoError(err)
	})
}

func (s *EngineSuite) resign(req *models.EnrollmentRequest) {
	sig, err := s.requester.Sign(identity.Assertion{
		InstanceCode: req.InstanceCode,
		TargetURL:    req.APIURL,
		Timestamp:    req.SignatureTimestamp,
		Nonce:        req.SignatureNonce,
	})
	s.Require().NoError(err)
	req.EnrollmentSignature = sig
}

// =============================================================================
// Lifecycle Transitions
// =============================================================================

func (s *EngineSuite) TestFullLifecycle() {
	res := s.enroll("GBR")
	enrollmentID := res.EnrollmentID
	s.drainEvents()

	verified, err := s.engine.VerifyFingerprint(s.ctx, enrollmentID, "admin1")
	s.Require().NoError(err)
	s.Equal(models.StatusFingerprintVerified, verified.Status)

	approved, err := s.engine.Approve(s.ctx, enrollmentID, "admin1")
	s.Require().NoError(err)
	s.Equal(models.StatusApproved, approved.Status)

	exchanged, err := s.engine.StoreApproverCredentials(s.ctx, enrollmentID,
		&models.CredentialBundle{ClientID: "client-gbr", IssuerURL: "https://hub.example.mil", SecretRef: "vault://gbr"}, "admin1")
	s.Require().NoError(err)
	s.Equal(models.StatusApproved, exchanged.Status, "one bundle does not complete the exchange")

	exchanged, err = s.engine.StoreRequesterCredentials(s.ctx, enrollmentID,
		&models.CredentialBundle{ClientID: "client-hub"}, "admin1")
	s.Require().NoError(err)
	s.Equal(models.StatusCredentialsExchanged, exchanged.Status, "both bundles auto-advance the record")

	var autoAdvance *models.StatusChange
	for i := range exchanged.StatusHistory {
		if exchanged.StatusHistory[i].Status == models.StatusCredentialsExchanged {
			autoAdvance = &exchanged.StatusHistory[i]
		}
	}
	s.Require().NotNil(autoAdvance)
	s.Equal(models.ActorSystem, autoAdvance.Actor, "the auto-advance is attributed to the system")

	active, err := s.engine.Activate(s.ctx, enrollmentID)
	s.Require().NoError(err)
	s.Equal(models.StatusActive, active.Status)
	s.Len(active.StatusHistory, 5)

	types := make([]events.Type, 0, 8)
	for _, e := range s.drainEvents() {
		types = append(types, e.Type)
	}
	s.Equal([]events.Type{
		events.TypeFingerprintVerified,
		events.TypeApproved,
		events.TypeCredentialsExchanged,
		events.TypeActivated,
	}, types)
}

func (s *EngineSuite) TestCredentialOrderDoesNotMatter() {
	res := s.enroll("GBR")
	enrollmentID := res.EnrollmentID
	_, err := s.engine.VerifyFingerprint(s.ctx, enrollmentID, "admin1")
	s.Require().NoError(err)
	_, err = s.engine.Approve(s.ctx, enrollmentID, "admin1")
	s.Require().NoError(err)

	after, err := s.engine.StoreRequesterCredentials(s.ctx, enrollmentID,
		&models.CredentialBundle{ClientID: "client-hub"}, "admin1")
	s.Require().NoError(err)
	s.Equal(models.StatusApproved, after.Status)

	after, err = s.engine.StoreApproverCredentials(s.ctx, enrollmentID,
		&models.CredentialBundle{ClientID: "client-gbr"}, "admin1")
	s.Require().NoError(err)
	s.Equal(models.StatusCredentialsExchanged, after.Status)
}

func (s *EngineSuite) TestCredentialPreconditions() {
	res := s.enroll("GBR")
	enrollmentID := res.EnrollmentID
	bundle := &models.CredentialBundle{ClientID: "client-early"}

	s.Run("credentials before approval are refused", func() {
		_, err := s.engine.StoreApproverCredentials(s.ctx, enrollmentID, bundle, "admin1")
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeInvariantViolation))
	})

	s.Run("empty bundle is refused", func() {
		_, err := s.engine.StoreApproverCredentials(s.ctx, enrollmentID, &models.CredentialBundle{}, "admin1")
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	_, err := s.engine.VerifyFingerprint(s.ctx, enrollmentID, "admin1")
	s.Require().NoError(err)
	_, err = s.engine.Approve(s.ctx, enrollmentID, "admin1")
	s.Require().NoError(err)
	approverBundle := &models.CredentialBundle{ClientID: "client-gbr", SecretRef: "vault://gbr"}
	_, err = s.engine.StoreApproverCredentials(s.ctx, enrollmentID, approverBundle, "admin1")
	s.Require().NoError(err)
	_, err = s.engine.StoreRequesterCredentials(s.ctx, enrollmentID, &models.CredentialBundle{ClientID: "client-hub"}, "admin1")
	s.Require().NoError(err)

	s.Run("re-storing the identical bundle after the exchange is a no-op", func() {
		got, err := s.engine.StoreApproverCredentials(s.ctx, enrollmentID, approverBundle, "admin1")
		s.Require().NoError(err)
		s.Equal(models.StatusCredentialsExchanged, got.Status)
	})

	s.Run("a different bundle after the exchange is refused", func() {
		_, err := s.engine.StoreApproverCredentials(s.ctx, enrollmentID,
			&models.CredentialBundle{ClientID: "client-other"}, "admin1")
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeInvariantViolation))
	})
}

func (s *EngineSuite) TestIllegalTransitions() {
	res := s.enroll("GBR")
	enrollmentID := res.EnrollmentID

	s.Run("approve before fingerprint verification", func() {
		_, err := s.engine.Approve(s.ctx, enrollmentID, "admin1")
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeInvariantViolation))
		s.Contains(err.Error(), "pending_verification -> approved")
	})

	s.Run("revoke before approval", func() {
		_, err := s.engine.Revoke(s.ctx, enrollmentID, "admin1", "early revoke")
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeInvariantViolation))
	})

	s.Run("activate before credential exchange", func() {
		_, err := s.engine.Activate(s.ctx, enrollmentID)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeInvariantViolation))
	})

	s.Run("terminal records refuse all transitions", func() {
		_, err := s.engine.Reject(s.ctx, enrollmentID, "admin1", "not this time")
		s.Require().NoError(err)

		_, err = s.engine.VerifyFingerprint(s.ctx, enrollmentID, "admin1")
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeInvariantViolation))
	})
}

func (s *EngineSuite) TestRejectAndRevokeRequireReasons() {
	res := s.enroll("GBR")

	_, err := s.engine.Reject(s.ctx, res.EnrollmentID, "admin1", "  ")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))

	_, err = s.engine.Revoke(s.ctx, res.EnrollmentID, "admin1", "")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}

func (s *EngineSuite) TestRevokeFromEveryEligibleState() {
	advanceTo := func(target models.Status) id.EnrollmentID {
		fresh := store.NewMemory()
		s.store = fresh
		s.engine = New(fresh, s.hub, replay.NewMemory(), s.bus)

		res := s.enroll("GBR")
		enrollmentID := res.EnrollmentID
		if target == models.StatusApproved || target == models.StatusCredentialsExchanged || target == models.StatusActive {
			_, err := s.engine.VerifyFingerprint(s.ctx, enrollmentID, "admin1")
			s.Require().NoError(err)
			_, err = s.engine.Approve(s.ctx, enrollmentID, "admin1")
			s.Require().NoError(err)
		}
		if target == models.StatusCredentialsExchanged || target == models.StatusActive {
			_, err := s.engine.StoreApproverCredentials(s.ctx, enrollmentID, &models.CredentialBundle{ClientID: "a"}, "admin1")
			s.Require().NoError(err)
			_, err = s.engine.StoreRequesterCredentials(s.ctx, enrollmentID, &models.CredentialBundle{ClientID: "b"}, "admin1")
			s.Require().NoError(err)
		}
		if target == models.StatusActive {
			_, err := s.engine.Activate(s.ctx, enrollmentID)
			s.Require().NoError(err)
		}
		return enrollmentID
	}

	for _, target := range []models.Status{models.StatusApproved, models.StatusCredentialsExchanged, models.StatusActive} {
		s.Run("revoke from "+string(target), func() {
			enrollmentID := advanceTo(target)
			revoked, err := s.engine.Revoke(s.ctx, enrollmentID, "admin1", "trust withdrawn")
			s.Require().NoError(err)
			s.Equal(models.StatusRevoked, revoked.Status)
		})
	}
}

func (s *EngineSuite) TestUnknownEnrollment() {
	missing := id.NewEnrollmentID()

	_, err := s.engine.GetStatus(s.ctx, missing)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))

	_, err = s.engine.Approve(s.ctx, missing, "admin1")
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))

	_, err = s.engine.StoreApproverCredentials(s.ctx, missing, &models.CredentialBundle{ClientID: "x"}, "admin1")
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

// =============================================================================
// Read Surface
// =============================================================================

func (s *EngineSuite) TestGetStatus() {
	res := s.enroll("GBR")
	enrollmentID := res.EnrollmentID

	status, err := s.engine.GetStatus(s.ctx, enrollmentID)
	s.Require().NoError(err)
	s.Equal(models.StatusPendingVerification, status.Status)
	s.False(status.CredentialsReady)
	s.Contains(status.Message, "fingerprint")

	_, err = s.engine.VerifyFingerprint(s.ctx, enrollmentID, "admin1")
	s.Require().NoError(err)
	_, err = s.engine.Approve(s.ctx, enrollmentID, "admin1")
	s.Require().NoError(err)
	_, err = s.engine.StoreApproverCredentials(s.ctx, enrollmentID, &models.CredentialBundle{ClientID: "c"}, "admin1")
	s.Require().NoError(err)

	status, err = s.engine.GetStatus(s.ctx, enrollmentID)
	s.Require().NoError(err)
	s.True(status.CredentialsReady, "requester can now collect its credentials")

	_, err = s.engine.StoreRequesterCredentials(s.ctx, enrollmentID, &models.CredentialBundle{ClientID: "d"}, "admin1")
	s.Require().NoError(err)

	status, err = s.engine.GetStatus(s.ctx, enrollmentID)
	s.Require().NoError(err)
	s.Equal(models.StatusCredentialsExchanged, status.Status)
	s.False(status.CredentialsReady, "flag drops once both sides have exchanged")

	_, err = s.engine.Activate(s.ctx, enrollmentID)
	s.Require().NoError(err)

	status, err = s.engine.GetStatus(s.ctx, enrollmentID)
	s.Require().NoError(err)
	s.Contains(status.Message, "Federation active")
	s.False(status.CredentialsReady)
}

func (s *EngineSuite) TestAuditTrail() {
	res := s.enroll("GBR")
	enrollmentID := res.EnrollmentID

	_, err := s.engine.VerifyFingerprint(s.ctx, enrollmentID, "admin1")
	s.Require().NoError(err)
	_, err = s.engine.Approve(s.ctx, enrollmentID, "admin2")
	s.Require().NoError(err)

	trail, err := s.engine.AuditTrail(s.ctx, enrollmentID)
	s.Require().NoError(err)
	s.Require().Len(trail, 3)
	s.Equal(string(audit.EventEnrollmentRequested), trail[0].Action)
	s.Equal(string(audit.EventFingerprintVerified), trail[1].Action)
	s.Equal(string(audit.EventEnrollmentApproved), trail[2].Action)
	s.Equal("admin2", trail[2].Actor)
	s.Equal(audit.CategoryCompliance, trail[2].Category)
	s.Equal("GBR", trail[2].Subject)

	_, err = s.engine.AuditTrail(s.ctx, id.NewEnrollmentID())
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *EngineSuite) TestStatistics() {
	first := s.enroll("GBR")
	s.enroll("FRA")
	_, err := s.engine.Reject(s.ctx, first.EnrollmentID, "admin1", "declined")
	s.Require().NoError(err)

	stats, err := s.engine.Statistics(s.ctx)
	s.Require().NoError(err)
	s.Equal(2, stats.Total)
	s.Equal(1, stats.ByStatus[models.StatusPendingVerification])
	s.Equal(1, stats.ByStatus[models.StatusRejected])
}
