package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harborloop/seatpool/internal/domain"
	"github.com/harborloop/seatpool/internal/remote"
	"github.com/harborloop/seatpool/internal/repository"
	"github.com/harborloop/seatpool/internal/service/accesskey"
	"github.com/harborloop/seatpool/internal/service/allocator"
	"github.com/harborloop/seatpool/internal/service/auth"
	"github.com/harborloop/seatpool/internal/service/autokick"
	"github.com/harborloop/seatpool/internal/service/roster"
	"github.com/harborloop/seatpool/internal/service/team"
	"github.com/harborloop/seatpool/internal/ws"
)

// Router wires HTTP endpoints to services.
type Router struct {
	mux       *http.ServeMux
	logger    *slog.Logger
	auth      auth.Service
	teams     team.Service
	keys      accesskey.Service
	allocator allocator.Service
	roster    roster.Service
	autokick  *autokick.Service
	hub       *ws.Hub
	upgrader  websocket.Upgrader
	limiter   RateLimiter
	dbHealth  func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	joinResults        *prometheus.CounterVec
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitJoin      = 10
	rateLimitLogin     = 12
	rateLimitAdmin     = 120
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
)

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, authSvc auth.Service, teamSvc team.Service, keySvc accesskey.Service, allocSvc allocator.Service, rosterSvc roster.Service, autokickSvc *autokick.Service, hub *ws.Hub, limiter RateLimiter, dbHealth func(context.Context) error) *Router {
	r := &Router{
		mux:       http.NewServeMux(),
		logger:    logger,
		auth:      authSvc,
		teams:     teamSvc,
		keys:      keySvc,
		allocator: allocSvc,
		roster:    rosterSvc,
		autokick:  autokickSvc,
		hub:       hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:  limiter,
		dbHealth: dbHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/join", r.audit("/join", r.withRateLimit(rateLimitJoin, rateWindowDefault, rateLimitKeyIP, r.handleJoin)))
	r.mux.HandleFunc("/auth/login", r.audit("/auth/login", r.withRateLimit(rateLimitLogin, rateWindowDefault, rateLimitKeyIP, r.handleLogin)))
	r.mux.HandleFunc("/admin/admins", r.audit("/admin/admins", r.handlerAuthRate(rateLimitAdmin, rateWindowDefault, r.handleAdmins)))
	r.mux.HandleFunc("/admin/teams", r.audit("/admin/teams", r.handlerAuthRate(rateLimitAdmin, rateWindowDefault, r.handleTeams)))
	r.mux.HandleFunc("/admin/teams/", r.audit("/admin/teams/", r.handlerAuthRate(rateLimitAdmin, rateWindowDefault, r.handleTeamSubroutes)))
	r.mux.HandleFunc("/admin/keys", r.audit("/admin/keys", r.handlerAuthRate(rateLimitAdmin, rateWindowDefault, r.handleKeys)))
	r.mux.HandleFunc("/admin/keys/", r.audit("/admin/keys/", r.handlerAuthRate(rateLimitAdmin, rateWindowDefault, r.handleKeyByCode)))
	r.mux.HandleFunc("/admin/invitations", r.audit("/admin/invitations", r.handlerAuthRate(rateLimitAdmin, rateWindowDefault, r.handleInvitations)))
	r.mux.HandleFunc("/admin/invitations/", r.audit("/admin/invitations/", r.handlerAuthRate(rateLimitAdmin, rateWindowDefault, r.handleInvitationSubroutes)))
	r.mux.HandleFunc("/admin/kicks", r.audit("/admin/kicks", r.handlerAuthRate(rateLimitAdmin, rateWindowDefault, r.handleKickLogs)))
	r.mux.HandleFunc("/admin/autokick", r.audit("/admin/autokick", r.handlerAuthRate(rateLimitAdmin, rateWindowDefault, r.handleAutoKickConfig)))
	r.mux.HandleFunc("/ws/kicks", r.audit("/ws/kicks", r.handlerAuthRate(rateLimitWebsocket, rateWindowRealtime, r.handleKicksWS)))
}

func (r *Router) handleJoin(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Key   string `json:"key"`
		Email string `json:"email"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(payload.Key) == "" || strings.TrimSpace(payload.Email) == "" {
		writeError(w, http.StatusBadRequest, "key and email are required")
		return
	}
	result, err := r.allocator.Join(req.Context(), payload.Key, payload.Email)
	if err != nil {
		r.writeJoinError(w, err)
		return
	}
	r.recordJoinOutcome("success")
	writeJSON(w, http.StatusOK, map[string]string{"team": result.TeamName})
}

// writeJoinError maps allocation failures onto statuses. Upstream error text
// is passed through verbatim so operators can tell credential expiry from
// transient failures.
func (r *Router) writeJoinError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, allocator.ErrInvalidKey):
		r.recordJoinOutcome("invalid_key")
		writeError(w, http.StatusNotFound, "access key not recognized")
	case errors.Is(err, allocator.ErrKeyAlreadyUsed):
		r.recordJoinOutcome("key_used")
		writeError(w, http.StatusConflict, "access key already used")
	case errors.Is(err, allocator.ErrNoAvailableTeams):
		r.recordJoinOutcome("no_capacity")
		writeError(w, http.StatusServiceUnavailable, "no seats available")
	default:
		r.recordJoinOutcome("error")
		var re *remote.Error
		if errors.As(err, &re) {
			writeError(w, http.StatusBadGateway, re.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (r *Router) handleLogin(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	token, ttl, err := r.auth.Login(req.Context(), payload.Email, payload.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_in": int(ttl.Seconds()),
	})
}

func (r *Router) handleAdmins(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	admin, err := r.auth.Register(req.Context(), payload.Email, payload.Password)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": admin.ID, "email": admin.Email})
}

func (r *Router) handleTeams(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		var payload struct {
			Name            string `json:"name"`
			RemoteAccountID string `json:"remote_account_id"`
			Credential      string `json:"credential"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		created, err := r.teams.Register(req.Context(), payload.Name, payload.RemoteAccountID, payload.Credential)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, teamView(created))
	case http.MethodGet:
		teams, err := r.teams.List(req.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		views := make([]map[string]any, 0, len(teams))
		for i := range teams {
			views = append(views, teamView(&teams[i]))
		}
		writeJSON(w, http.StatusOK, views)
	default:
		r.methodNotAllowed(w)
	}
}

// teamView omits the bearer credential from API responses.
func teamView(t *domain.Team) map[string]any {
	return map[string]any{
		"id":                t.ID,
		"name":              t.Name,
		"remote_account_id": t.RemoteAccountID,
		"token_status":      t.TokenStatus,
		"member_count":      t.MemberCount,
		"last_invite_at":    t.LastInviteAt,
		"created_at":        t.CreatedAt,
	}
}

func (r *Router) handleTeamSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/admin/teams/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || parts[0] == "" {
		r.notFound(w)
		return
	}
	teamID := parts[0]
	switch parts[1] {
	case "members":
		r.handleTeamMembers(w, req, teamID)
	case "invites":
		r.handleTeamInvite(w, req, teamID)
	case "kick":
		r.handleTeamKick(w, req, teamID)
	case "credential":
		r.handleTeamCredential(w, req, teamID)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleTeamMembers(w http.ResponseWriter, req *http.Request, teamID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	members, err := r.roster.Members(req.Context(), teamID)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, members)
}

func (r *Router) handleTeamInvite(w http.ResponseWriter, req *http.Request, teamID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(payload.Email) == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}
	if err := r.roster.DirectInvite(req.Context(), teamID, payload.Email); err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "invited"})
}

func (r *Router) handleTeamKick(w http.ResponseWriter, req *http.Request, teamID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(payload.Email) == "" {
		writeError(w, http.StatusBadRequest, "email is required")
		return
	}
	if err := r.roster.Kick(req.Context(), teamID, payload.Email); err != nil {
		if errors.Is(err, roster.ErrMemberNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "kicked"})
}

func (r *Router) handleTeamCredential(w http.ResponseWriter, req *http.Request, teamID string) {
	if req.Method != http.MethodPut {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Credential string `json:"credential"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := r.teams.RotateCredential(req.Context(), teamID, payload.Credential); err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rotated"})
}

func (r *Router) handleKeys(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		var payload struct {
			TeamID      *string `json:"team_id"`
			IsTemp      bool    `json:"is_temp"`
			IsUnlimited bool    `json:"is_unlimited"`
			TempHours   int     `json:"temp_hours"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		key, err := r.keys.Create(req.Context(), accesskey.CreateParams{
			TeamID:      payload.TeamID,
			IsTemp:      payload.IsTemp,
			IsUnlimited: payload.IsUnlimited,
			TempHours:   payload.TempHours,
		})
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, key)
	case http.MethodGet:
		keys, err := r.keys.List(req.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, keys)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleKeyByCode(w http.ResponseWriter, req *http.Request) {
	code := strings.TrimPrefix(req.URL.Path, "/admin/keys/")
	if code == "" || strings.Contains(code, "/") {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodDelete {
		r.methodNotAllowed(w)
		return
	}
	if err := r.keys.Delete(req.Context(), code); err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (r *Router) handleInvitations(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	invites, err := r.roster.Invitations(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, invites)
}

func (r *Router) handleInvitationSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/admin/invitations/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "confirm" {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Confirmed bool `json:"confirmed"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := r.roster.Confirm(req.Context(), parts[0], payload.Confirmed); err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (r *Router) handleKickLogs(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	entries, err := r.roster.KickLogs(req.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (r *Router) handleAutoKickConfig(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		cfg, err := r.autokick.Config(req.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, cfg)
	case http.MethodPut:
		var payload domain.AutoKickConfig
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if err := r.autokick.UpdateConfig(req.Context(), payload); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleKicksWS(w http.ResponseWriter, req *http.Request) {
	if _, ok := authInfoFromContext(req.Context()); !ok {
		r.logger.Error("auth context missing for kicks websocket", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	topic := req.URL.Query().Get("team_id")
	if topic == "" {
		topic = ws.TopicAll
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(topic, client)
	go func() {
		defer func() {
			r.hub.Unregister(topic, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

// writeServiceError maps shared error shapes onto statuses.
func (r *Router) writeServiceError(w http.ResponseWriter, err error) {
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	var re *remote.Error
	if errors.As(err, &re) {
		writeError(w, http.StatusBadGateway, re.Error())
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.recordRequest(req.Method, route, status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "admin"
			fields = append(fields, "admin_id", info.AdminID)
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (sr *statusRecorder) Push(target string, opts *http.PushOptions) error {
	if p, ok := sr.ResponseWriter.(http.Pusher); ok {
		return p.Push(target, opts)
	}
	return http.ErrNotSupported
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
