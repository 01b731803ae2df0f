package handler

import (
	"net"
	"net/http"

	"github.com/clearledger/ledgerd/internal/ledger"
	"github.com/clearledger/ledgerd/internal/transport/httpapi/middleware"
)

// requestContext builds the audit request context from the HTTP request.
// Anonymous callers are recorded as such by the audit writer.
func requestContext(r *http.Request) ledger.RequestContext {
	rc := ledger.RequestContext{}

	if actor, ok := middleware.GetActorFromContext(r.Context()); ok {
		rc.Actor = actor
	}

	if ip := clientIP(r); ip != "" {
		rc.IPAddress = &ip
	}
	if ua := r.UserAgent(); ua != "" {
		rc.UserAgent = &ua
	}

	return rc
}

// clientIP resolves the caller address, preferring X-Forwarded-For when the
// service sits behind a proxy.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
