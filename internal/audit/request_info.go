package audit

import (
	"context"
	"net"
	"net/http"
	"strings"
)

// requestInfoKey is the context key for RequestInfo.
type requestInfoKey struct{}

// RequestInfo carries client details captured at a trusted boundary, such as
// the audit service's HTTP layer. Coordinator.Track stamps them onto events,
// replacing whatever the caller supplied.
type RequestInfo struct {
	IPAddress string
	UserAgent string
}

// WithRequestInfo attaches request details to ctx.
func WithRequestInfo(ctx context.Context, info RequestInfo) context.Context {
	return context.WithValue(ctx, requestInfoKey{}, info)
}

// RequestInfoFromContext extracts request details from ctx.
func RequestInfoFromContext(ctx context.Context) (RequestInfo, bool) {
	info, ok := ctx.Value(requestInfoKey{}).(RequestInfo)
	return info, ok
}

// applyTo overwrites the client fields of e.
func (info RequestInfo) applyTo(e *Event) {
	e.IPAddress = info.IPAddress
	e.UserAgent = info.UserAgent
}

// RequestInfoMiddleware records the caller's address and user agent in the
// request context. With trustForwarded set, the first X-Forwarded-For hop
// (or X-Real-IP) wins over the socket address; enable it only behind a proxy
// that sets those headers.
func RequestInfoMiddleware(trustForwarded bool, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := RequestInfo{
			IPAddress: clientIP(r, trustForwarded),
			UserAgent: r.UserAgent(),
		}
		next.ServeHTTP(w, r.WithContext(WithRequestInfo(r.Context(), info)))
	})
}

func clientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
		if xr := r.Header.Get("X-Real-IP"); xr != "" {
			return strings.TrimSpace(xr)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
