package web

import (
	"context"
	"net"
	"net/http"

	"github.com/JonMunkholm/MiniETL/internal/core"
)

// WithRequestMetadata adds the client IP and run trigger to ctx for run logging.
func WithRequestMetadata(ctx context.Context, r *http.Request, trigger string) context.Context {
	ctx = core.ContextWithIPAddress(ctx, clientIP(r))
	return core.ContextWithTrigger(ctx, trigger)
}

// clientIP returns the host part of RemoteAddr, already processed by TrustedRealIP.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
