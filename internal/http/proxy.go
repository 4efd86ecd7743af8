package httpx

import (
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/driftlab/conduit/internal/domain"
	"github.com/driftlab/conduit/internal/repository"
)

const pendingURLPrefix = "http://pending-url.com/"

// hopHeaders are dropped when relaying, per RFC 7230 section 6.1.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// handleProxy relays a request to a deployment's workload endpoint. The
// caller authenticates with the record's own secret, not a user token, so
// deployment owners can hand the secret to whatever consumes the workload.
func (r *Router) handleProxy(w http.ResponseWriter, req *http.Request) {
	secret, err := bearerToken(req.Header.Get("Authorization"))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	recordID, rest, ok := splitProxyPath(req.URL.Path)
	if !ok {
		r.notFound(w)
		return
	}
	record, err := r.deploy.Get(req.Context(), recordID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			r.notFound(w)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if !endpointReady(record) {
		writeError(w, http.StatusServiceUnavailable, "deployment endpoint not ready")
		return
	}
	if record.APIKey == "" {
		r.logger.Error("deployment record missing api key", "deployment_id", record.ID)
		writeError(w, http.StatusInternalServerError, "deployment misconfigured")
		return
	}
	if len(secret) != len(record.APIKey) || subtle.ConstantTimeCompare([]byte(secret), []byte(record.APIKey)) != 1 {
		r.logger.Warn("proxy secret mismatch", "deployment_id", record.ID)
		writeError(w, http.StatusForbidden, "invalid deployment credential")
		return
	}

	target := strings.TrimSuffix(record.AppURL, "/") + "/" + rest
	if req.URL.RawQuery != "" {
		target += "?" + req.URL.RawQuery
	}
	upstream, err := http.NewRequestWithContext(req.Context(), req.Method, target, req.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid proxy request")
		return
	}
	copyProxyHeaders(upstream.Header, req.Header)

	resp, err := r.proxyClient.Do(upstream)
	if err != nil {
		r.logger.Warn("proxy upstream unreachable", "deployment_id", record.ID, "target", target, "error", err)
		writeError(w, http.StatusBadGateway, "upstream unreachable")
		return
	}
	defer resp.Body.Close()

	header := w.Header()
	for key, values := range resp.Header {
		for _, v := range values {
			header.Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// endpointReady reports whether the record points at a live workload. A
// record has no explicit ready state; readiness is a usable endpoint.
func endpointReady(record *domain.Deployment) bool {
	url := strings.TrimSpace(record.AppURL)
	if url == "" || strings.HasPrefix(url, pendingURLPrefix) {
		return false
	}
	return !domain.IsTerminal(record.Status)
}

// splitProxyPath extracts the record id and remaining path from
// /proxy-infer/{id}/{path...}.
func splitProxyPath(path string) (int64, string, bool) {
	trimmed := strings.TrimPrefix(path, "/proxy-infer/")
	if trimmed == path || trimmed == "" {
		return 0, "", false
	}
	rawID, rest, _ := strings.Cut(trimmed, "/")
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || id <= 0 {
		return 0, "", false
	}
	return id, rest, true
}

// copyProxyHeaders forwards client headers minus credentials and
// hop-by-hop fields. The inbound Authorization carried our secret and
// must never reach the workload.
func copyProxyHeaders(dst, src http.Header) {
	for key, values := range src {
		if strings.EqualFold(key, "Authorization") {
			continue
		}
		hop := false
		for _, h := range hopHeaders {
			if strings.EqualFold(key, h) {
				hop = true
				break
			}
		}
		if hop {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}
