package testutil

import (
	"net/http"
	"time"

	"fedhub/pkg/requestcontext"
)

// WithActor adds an operator identity to the request context. This simulates
// what the auth middleware would do for authenticated admin requests.
func WithActor(req *http.Request, actor string) *http.Request {
	ctx := requestcontext.WithActor(req.Context(), actor)
	return req.WithContext(ctx)
}

// WithRequestTime pins the request-scoped clock so handler tests control the
// freshness window deterministically.
func WithRequestTime(req *http.Request, t time.Time) *http.Request {
	ctx := requestcontext.WithTime(req.Context(), t)
	return req.WithContext(ctx)
}
