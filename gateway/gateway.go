// Package gateway implements the actor gateway router (C4): it decides which
// actor a request or WebSocket upgrade targets, either from the URL path or
// from request headers / Sec-WebSocket-Protocol entries, then hands the
// request to the manager driver's Transport for proxying.
package gateway

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/rivetkit-go/rivetkit/driver"
)

const (
	headerTarget   = "X-Rivet-Target"
	headerActor    = "X-Rivet-Actor"
	headerEncoding = "X-Rivet-Encoding"

	protoTargetPrefix = "target."
	protoActorPrefix  = "actor."
	protoEncodingPfx  = "encoding."
	protoParamsPrefix = "conn_params."
)

// Config holds the dependencies needed to build the gateway router.
type Config struct {
	Driver    driver.Driver
	Namespace string
	// BasePath prefixes the path-based route, e.g. "" or "/rivet".
	BasePath string
	Logger   *zap.Logger
}

type gateway struct {
	drv       driver.Driver
	namespace string
	logger    *zap.Logger
}

// NewRouter builds the chi router implementing spec.md §6.2's path-based and
// header-based actor routing, path-based always winning on conflict.
func NewRouter(cfg Config) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &gateway{drv: cfg.Driver, namespace: cfg.Namespace, logger: logger.Named("gateway")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	r.HandleFunc(cfg.BasePath+"/gateway/{actorRef}", g.handlePathBased)
	r.HandleFunc(cfg.BasePath+"/gateway/{actorRef}/*", g.handlePathBased)
	r.NotFound(g.handleHeaderBased)

	return r
}

// handlePathBased parses `{actor_id}[@{token}]` from the URL. If the segment
// fails to percent-decode, routing falls through to header-based resolution
// rather than returning 400 — spec.md §4.4's "percent-decoding-failure
// fallthrough" rule.
func (g *gateway) handlePathBased(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "actorRef")
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		g.handleHeaderBased(w, r)
		return
	}

	actorID := decoded
	if idx := strings.IndexByte(decoded, '@'); idx >= 0 {
		actorID = decoded[:idx]
		// The token after '@' authenticates the request; verification is a
		// driver/transport concern (out of scope for routing itself).
	}
	if actorID == "" {
		g.handleHeaderBased(w, r)
		return
	}

	subpath := chi.URLParam(r, "*")
	g.proxy(w, r, actorID, "/"+subpath)
}

// handleHeaderBased resolves the actor from `X-Rivet-Target`/`X-Rivet-Actor`
// for plain HTTP, or from Sec-WebSocket-Protocol entries for WebSocket
// upgrades. If neither yields an actor id, responds MissingActorHeader.
func (g *gateway) handleHeaderBased(w http.ResponseWriter, r *http.Request) {
	if isWebSocketUpgrade(r) {
		actorID, encoding, params, ok := parseProtocolHeaders(r.Header["Sec-Websocket-Protocol"])
		if !ok {
			writeError(w, http.StatusBadRequest, "rivetkit", "missing_actor_header", "no actor target in Sec-WebSocket-Protocol")
			return
		}
		g.proxyWebSocket(w, r, actorID, encoding, params)
		return
	}

	if r.Header.Get(headerTarget) != "actor" {
		writeError(w, http.StatusBadRequest, "rivetkit", "missing_actor_header", "missing X-Rivet-Target: actor")
		return
	}
	actorID := r.Header.Get(headerActor)
	if actorID == "" {
		writeError(w, http.StatusBadRequest, "rivetkit", "missing_actor_header", "missing X-Rivet-Actor")
		return
	}

	r.Header.Del(headerTarget)
	r.Header.Del(headerActor)
	g.proxy(w, r, actorID, r.URL.Path)
}

func (g *gateway) proxy(w http.ResponseWriter, r *http.Request, actorID, subpath string) {
	if isWebSocketUpgrade(r) {
		encoding := r.Header.Get(headerEncoding)
		g.proxyWebSocket(w, r, actorID, encoding, nil)
		return
	}
	r2 := r.Clone(r.Context())
	r2.URL.Path = subpath
	if err := g.drv.ProxyRequest(r.Context(), w, r2, actorID); err != nil {
		g.logger.Warn("proxy request failed", zap.String("actor_id", actorID), zap.Error(err))
		writeError(w, http.StatusBadGateway, "rivetkit", "actor_error", err.Error())
	}
}

func (g *gateway) proxyWebSocket(w http.ResponseWriter, r *http.Request, actorID, encoding string, params map[string]string) {
	if encoding == "" {
		encoding = "text"
	}
	if err := g.drv.ProxyWebSocket(r.Context(), w, r, r.URL.Path, actorID, encoding, params); err != nil {
		g.logger.Warn("proxy websocket failed", zap.String("actor_id", actorID), zap.Error(err))
		writeError(w, http.StatusBadGateway, "rivetkit", "actor_error", err.Error())
	}
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Connection"), "upgrade") ||
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// parseProtocolHeaders extracts actor routing info from the reserved
// Sec-WebSocket-Protocol entries (spec.md §6.2 "Header-based (WebSocket)").
func parseProtocolHeaders(protocols []string) (actorID, encoding string, params map[string]string, ok bool) {
	var sawTarget bool
	for _, raw := range protocols {
		for _, entry := range strings.Split(raw, ",") {
			entry = strings.TrimSpace(entry)
			switch {
			case entry == protoTargetPrefix+"actor":
				sawTarget = true
			case strings.HasPrefix(entry, protoActorPrefix):
				actorID = strings.TrimPrefix(entry, protoActorPrefix)
			case strings.HasPrefix(entry, protoEncodingPfx):
				encoding = strings.TrimPrefix(entry, protoEncodingPfx)
			case strings.HasPrefix(entry, protoParamsPrefix):
				if decoded, err := url.QueryUnescape(strings.TrimPrefix(entry, protoParamsPrefix)); err == nil {
					params = decodeConnParams(decoded)
				}
			}
		}
	}
	if !sawTarget || actorID == "" {
		return "", "", nil, false
	}
	return actorID, encoding, params, true
}

func decodeConnParams(jsonParams string) map[string]string {
	out := make(map[string]string)
	// conn_params carries a flat JSON object of string values; a hand-rolled
	// split avoids pulling encoding/json into a hot routing path for what is
	// always a small, flat map.
	trimmed := strings.Trim(jsonParams, "{} ")
	if trimmed == "" {
		return out
	}
	for _, pair := range strings.Split(trimmed, ",") {
		kv := strings.SplitN(pair, ":", 2)
		if len(kv) != 2 {
			continue
		}
		k := strings.Trim(strings.TrimSpace(kv[0]), `"`)
		v := strings.Trim(strings.TrimSpace(kv[1]), `"`)
		out[k] = v
	}
	return out
}

func writeError(w http.ResponseWriter, status int, group, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":{"group":"` + group + `","code":"` + code + `","message":"` + jsonEscape(message) + `"}}`))
}

func jsonEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}
