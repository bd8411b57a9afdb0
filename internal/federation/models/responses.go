package models

import (
	"time"

	id "fedhub/pkg/domain"
)

// EnrollmentResponse is returned to the remote instance after a successful
// processEnrollment. VerifierFingerprint and VerifierInstanceCode give the
// human verifier what they need for the out-of-band comparison.
type EnrollmentResponse struct {
	EnrollmentID         id.EnrollmentID `json:"enrollmentId"`
	Status               Status          `json:"status"`
	ChallengeNonce       string          `json:"challengeNonce"`
	VerifierFingerprint  string          `json:"verifierFingerprint"`
	VerifierInstanceCode id.InstanceCode `json:"verifierInstanceCode"`
	Message              string          `json:"message"`
	StatusPollingURL     string          `json:"statusPollingUrl"`
}

// StatusResponse is the read-only projection served to status polling and the
// SSE stream. Knowing the enrollment ID is the only authorization required.
type StatusResponse struct {
	EnrollmentID     id.EnrollmentID `json:"enrollmentId"`
	Status           Status          `json:"status"`
	Message          string          `json:"message"`
	CredentialsReady bool            `json:"credentialsReady"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// ListFilter narrows administrative listings. Zero value lists everything.
type ListFilter struct {
	Status        Status          `json:"status,omitempty"`
	RequesterCode id.InstanceCode `json:"requesterCode,omitempty"`
}

// Statistics summarizes the enrollment population for the admin dashboard.
type Statistics struct {
	Total    int            `json:"total"`
	ByStatus map[Status]int `json:"byStatus"`
}
