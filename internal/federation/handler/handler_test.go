package handler_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/suite"

	"fedhub/internal/federation/events"
	"fedhub/internal/federation/handler"
	"fedhub/internal/federation/identity"
	"fedhub/internal/federation/models"
	"fedhub/internal/federation/replay"
	"fedhub/internal/federation/service"
	"fedhub/internal/federation/store"
	jwttoken "fedhub/internal/jwt_token"
	id "fedhub/pkg/domain"
	"fedhub/pkg/testutil"
)

// =============================================================================
// Handler Test Suite
// =============================================================================
// The handler is tested through the real router with the real engine behind
// it, so routing, middleware, JSON shapes, and status codes are all covered
// by the same requests a remote instance or operator console would send.

type HandlerSuite struct {
	suite.Suite
	router    chi.Router
	engine    *service.Engine
	store     *store.Memory
	requester *identity.Provider
	reqCert   string
	token     string
	nonce     int
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	hubCert, hubKey := testutil.GenerateInstanceCert(s.T(), "hub.example.mil", testutil.CertOptions{})
	hub, err := identity.NewFromPEM(id.InstanceCode("HUB"), hubCert, hubKey)
	s.Require().NoError(err)

	reqCert, reqKey := testutil.GenerateInstanceCert(s.T(), "remote.example.mil", testutil.CertOptions{})
	requester, err := identity.NewFromPEM(id.InstanceCode("GBR"), reqCert, reqKey)
	s.Require().NoError(err)
	s.requester = requester
	s.reqCert = string(reqCert)

	s.store = store.NewMemory()
	s.engine = service.New(s.store, hub, replay.NewMemory(), events.NewBus())

	jwtService := jwttoken.NewJWTService("handler-test-signing-key", "fedhub", "fedhub-admin")
	s.token, err = jwtService.GenerateOperatorToken("admin1", "admin", time.Hour)
	s.Require().NoError(err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := handler.New(s.engine, logger, nil, jwttoken.NewJWTServiceAdapter(jwtService))

	r := chi.NewRouter()
	h.Register(r)
	s.router = r
	s.nonce = 0
}

func (s *HandlerSuite) signedRequest(code string) *models.EnrollmentRequest {
	s.nonce++
	now := time.Now().UTC()
	req := &models.EnrollmentRequest{
		InstanceCode:          code,
		InstanceName:          code + " Defence Instance",
		InstanceCertPEM:       s.reqCert,
		OIDCDiscoveryURL:      "https://" + code + ".example.mil/.well-known/openid-configuration",
		APIURL:                "https://" + code + ".example.mil/api",
		IdPURL:                "https://idp." + code + ".example.mil",
		RequestedCapabilities: []string{"search", "retrieve"},
		RequestedTrustLevel:   "partner",
		ContactEmail:          "federation@" + code + ".example.mil",
		SignatureTimestamp:    now.Format(time.RFC3339),
		SignatureNonce:        s.T().Name() + "-" + code + "-" + string(rune('0'+s.nonce)),
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

// enroll seeds an enrollment through the engine directly; HTTP-level tests
// for the enroll endpoint live in TestEnroll.
func (s *HandlerSuite) enroll(code string) id.EnrollmentID {
	res, err := s.engine.ProcessEnrollment(context.Background(), s.signedRequest(code))
	s.Require().NoError(err)
	return res.EnrollmentID
}

func (s *HandlerSuite) admin(method, path string, body any) *http.Request {
	var req *http.Request
	if body != nil {
		req = testutil.NewJSONRequest(s.T(), method, path, body)
	} else {
		req = testutil.NewJSONRequest(s.T(), method, path, map[string]any{})
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	return req
}

// =============================================================================
// Public Surface
// =============================================================================

func (s *HandlerSuite) TestEnroll() {
	s.Run("valid signed request is accepted", func() {
		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/api/federation/enrollment", s.signedRequest("FRA"))
		rr := testutil.DoRequest(s.router, req)

		testutil.AssertStatus(s.T(), rr, http.StatusCreated)
		res := testutil.UnmarshalResponse[models.EnrollmentResponse](s.T(), rr)
		s.Equal(models.StatusPendingVerification, res.Status)
		s.NotEmpty(res.ChallengeNonce)
		s.Equal("/api/federation/enrollment/"+res.EnrollmentID.String()+"/status", res.StatusPollingURL)
	})

	s.Run("malformed body", func() {
		req := testutil.NewRequestWithBody(s.T(), http.MethodPost, "/api/federation/enrollment", "{not json")
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "bad_request")
	})

	s.Run("non-json content type", func() {
		req := testutil.NewRequestWithBody(s.T(), http.MethodPost, "/api/federation/enrollment", "x")
		req.Header.Set("Content-Type", "text/plain")
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatus(s.T(), rr, http.StatusUnsupportedMediaType)
	})

	s.Run("tampered signature", func() {
		payload := s.signedRequest("DEU")
		payload.APIURL = "https://attacker.example/api"
		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/api/federation/enrollment", payload)
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatusAndError(s.T(), rr, http.StatusUnauthorized, "unauthorized")
	})

	s.Run("duplicate requester", func() {
		req := testutil.NewJSONRequest(s.T(), http.MethodPost, "/api/federation/enrollment", s.signedRequest("FRA"))
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatusAndError(s.T(), rr, http.StatusConflict, "conflict")
	})
}

func (s *HandlerSuite) TestStatus() {
	enrollmentID := s.enroll("GBR")

	s.Run("known enrollment", func() {
		req := testutil.NewRequest(s.T(), http.MethodGet, "/api/federation/enrollment/"+enrollmentID.String()+"/status")
		rr := testutil.DoRequest(s.router, req)

		testutil.AssertStatusOK(s.T(), rr)
		res := testutil.UnmarshalResponse[models.StatusResponse](s.T(), rr)
		s.Equal(enrollmentID, res.EnrollmentID)
		s.Equal(models.StatusPendingVerification, res.Status)
		s.False(res.CredentialsReady)
		s.NotEmpty(res.Message)
	})

	s.Run("status response never carries certificates or credentials", func() {
		req := testutil.NewRequest(s.T(), http.MethodGet, "/api/federation/enrollment/"+enrollmentID.String()+"/status")
		rr := testutil.DoRequest(s.router, req)
		s.NotContains(rr.Body.String(), "CERTIFICATE")
		s.NotContains(rr.Body.String(), "client_id")
	})

	s.Run("malformed id", func() {
		req := testutil.NewRequest(s.T(), http.MethodGet, "/api/federation/enrollment/not-a-uuid/status")
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "invalid_input")
	})

	s.Run("unknown id", func() {
		req := testutil.NewRequest(s.T(), http.MethodGet, "/api/federation/enrollment/"+id.NewEnrollmentID().String()+"/status")
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatusAndError(s.T(), rr, http.StatusNotFound, "not_found")
	})
}

// =============================================================================
// Operator Authentication
// =============================================================================

func (s *HandlerSuite) TestAdminAuth() {
	s.Run("missing token", func() {
		req := testutil.NewRequest(s.T(), http.MethodGet, "/admin/federation/enrollments")
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatusAndError(s.T(), rr, http.StatusUnauthorized, "unauthorized")
	})

	s.Run("garbage token", func() {
		req := testutil.NewRequest(s.T(), http.MethodGet, "/admin/federation/enrollments")
		req.Header.Set("Authorization", "Bearer not-a-jwt")
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatus(s.T(), rr, http.StatusUnauthorized)
	})

	s.Run("valid token", func() {
		req := testutil.NewRequest(s.T(), http.MethodGet, "/admin/federation/enrollments")
		req.Header.Set("Authorization", "Bearer "+s.token)
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatusOK(s.T(), rr)
		testutil.AssertJSONHasKey(s.T(), rr, "enrollments")
	})
}

// =============================================================================
// Operator Surface
// =============================================================================

func (s *HandlerSuite) TestDecisionFlow() {
	enrollmentID := s.enroll("GBR")
	base := "/admin/federation/enrollments/" + enrollmentID.String()

	s.Run("approve before verification is refused", func() {
		rr := testutil.DoRequest(s.router, s.admin(http.MethodPost, base+"/approve", nil))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusConflict, "invariant_violation")
	})

	s.Run("verify fingerprint", func() {
		rr := testutil.DoRequest(s.router, s.admin(http.MethodPost, base+"/verify-fingerprint", nil))
		testutil.AssertStatusOK(s.T(), rr)
		e := testutil.UnmarshalResponse[models.Enrollment](s.T(), rr)
		s.Equal(models.StatusFingerprintVerified, e.Status)
		s.Equal("admin1", e.StatusHistory[len(e.StatusHistory)-1].Actor,
			"the transition is attributed to the token subject")
	})

	s.Run("approve", func() {
		rr := testutil.DoRequest(s.router, s.admin(http.MethodPost, base+"/approve", nil))
		testutil.AssertStatusOK(s.T(), rr)
	})

	s.Run("store both credential bundles", func() {
		rr := testutil.DoRequest(s.router, s.admin(http.MethodPut, base+"/credentials/approver",
			map[string]string{"client_id": "client-gbr", "issuer_url": "https://hub.example.mil", "secret_ref": "vault://gbr"}))
		testutil.AssertStatusOK(s.T(), rr)
		e := testutil.UnmarshalResponse[models.Enrollment](s.T(), rr)
		s.Equal(models.StatusApproved, e.Status)

		rr = testutil.DoRequest(s.router, s.admin(http.MethodPut, base+"/credentials/requester",
			map[string]string{"client_id": "client-hub"}))
		testutil.AssertStatusOK(s.T(), rr)
		e = testutil.UnmarshalResponse[models.Enrollment](s.T(), rr)
		s.Equal(models.StatusCredentialsExchanged, e.Status)
	})

	s.Run("activate", func() {
		rr := testutil.DoRequest(s.router, s.admin(http.MethodPost, base+"/activate", nil))
		testutil.AssertStatusOK(s.T(), rr)
		e := testutil.UnmarshalResponse[models.Enrollment](s.T(), rr)
		s.Equal(models.StatusActive, e.Status)
	})

	s.Run("revoke", func() {
		rr := testutil.DoRequest(s.router, s.admin(http.MethodPost, base+"/revoke",
			map[string]string{"reason": "trust withdrawn"}))
		testutil.AssertStatusOK(s.T(), rr)
		e := testutil.UnmarshalResponse[models.Enrollment](s.T(), rr)
		s.Equal(models.StatusRevoked, e.Status)
	})
}

func (s *HandlerSuite) TestReject() {
	enrollmentID := s.enroll("FRA")
	base := "/admin/federation/enrollments/" + enrollmentID.String()

	s.Run("missing reason", func() {
		rr := testutil.DoRequest(s.router, s.admin(http.MethodPost, base+"/reject", map[string]string{}))
		testutil.AssertStatusAndError(s.T(), rr, http.StatusBadRequest, "validation")
	})

	s.Run("with reason", func() {
		rr := testutil.DoRequest(s.router, s.admin(http.MethodPost, base+"/reject",
			map[string]string{"reason": "certificate fingerprint mismatch"}))
		testutil.AssertStatusOK(s.T(), rr)
		e := testutil.UnmarshalResponse[models.Enrollment](s.T(), rr)
		s.Equal(models.StatusRejected, e.Status)
		s.Equal("certificate fingerprint mismatch", e.RejectionReason)
	})
}

func (s *HandlerSuite) TestListing() {
	gbr := s.enroll("GBR")
	s.enroll("FRA")

	rr := testutil.DoRequest(s.router, s.admin(http.MethodPost,
		"/admin/federation/enrollments/"+gbr.String()+"/verify-fingerprint", nil))
	testutil.AssertStatusOK(s.T(), rr)

	s.Run("list all", func() {
		req := testutil.NewRequest(s.T(), http.MethodGet, "/admin/federation/enrollments")
		req.Header.Set("Authorization", "Bearer "+s.token)
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatusOK(s.T(), rr)
		res := testutil.UnmarshalResponse[struct {
			Enrollments []*models.Enrollment `json:"enrollments"`
		}](s.T(), rr)
		s.Len(res.Enrollments, 2)
	})

	s.Run("filter by status", func() {
		req := testutil.NewRequest(s.T(), http.MethodGet, "/admin/federation/enrollments?status=fingerprint_verified")
		req.Header.Set("Authorization", "Bearer "+s.token)
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatusOK(s.T(), rr)
		res := testutil.UnmarshalResponse[struct {
			Enrollments []*models.Enrollment `json:"enrollments"`
		}](s.T(), rr)
		s.Require().Len(res.Enrollments, 1)
		s.Equal(gbr, res.Enrollments[0].EnrollmentID)
	})

	s.Run("unknown status filter", func() {
		req := testutil.NewRequest(s.T(), http.MethodGet, "/admin/federation/enrollments?status=bogus")
		req.Header.Set("Authorization", "Bearer "+s.token)
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatus(s.T(), rr, http.StatusBadRequest)
	})

	s.Run("pending", func() {
		req := testutil.NewRequest(s.T(), http.MethodGet, "/admin/federation/enrollments/pending")
		req.Header.Set("Authorization", "Bearer "+s.token)
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatusOK(s.T(), rr)
		testutil.AssertJSONHasKey(s.T(), rr, "enrollments")
	})

	s.Run("statistics", func() {
		req := testutil.NewRequest(s.T(), http.MethodGet, "/admin/federation/enrollments/statistics")
		req.Header.Set("Authorization", "Bearer "+s.token)
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatusOK(s.T(), rr)
		testutil.AssertJSONContains(s.T(), rr, "total", float64(2))
	})

	s.Run("audit trail", func() {
		req := testutil.NewRequest(s.T(), http.MethodGet, "/admin/federation/enrollments/"+gbr.String()+"/audit")
		req.Header.Set("Authorization", "Bearer "+s.token)
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatusOK(s.T(), rr)
		testutil.AssertJSONHasKey(s.T(), rr, "events")
	})

	s.Run("get full record", func() {
		req := testutil.NewRequest(s.T(), http.MethodGet, "/admin/federation/enrollments/"+gbr.String())
		req.Header.Set("Authorization", "Bearer "+s.token)
		rr := testutil.DoRequest(s.router, req)
		testutil.AssertStatusOK(s.T(), rr)
		e := testutil.UnmarshalResponse[models.Enrollment](s.T(), rr)
		s.Equal(id.InstanceCode("GBR"), e.RequesterInstanceCode)
		s.NotEmpty(e.RequesterCertPEM)
	})
}
