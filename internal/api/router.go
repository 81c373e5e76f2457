package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/soaringjerry/homophily/internal/logger"
	"github.com/soaringjerry/homophily/internal/metrics"
	"github.com/soaringjerry/homophily/internal/middleware"
	"github.com/soaringjerry/homophily/internal/models"
	"github.com/soaringjerry/homophily/internal/services"
	"github.com/soaringjerry/homophily/internal/utils"
)

// Options wires the router to its services.
type Options struct {
	Session *services.SessionService
	Relay   *services.RelayService
	Export  *services.ExportService
	Admin   *services.AdminAuth
	Auth    *middleware.Auth
	Limiter *middleware.ChatLimiter
	Log     *logger.Logger

	// Ping reports storage health for /health. Nil means always healthy.
	Ping      func(ctx context.Context) error
	Commit    string
	BuildTime string
}

type Router struct {
	session *services.SessionService
	relay   *services.RelayService
	export  *services.ExportService
	admin   *services.AdminAuth
	auth    *middleware.Auth
	limiter *middleware.ChatLimiter
	log     *logger.Logger
	ping    func(ctx context.Context) error
	commit  string
	build   string
}

func NewRouter(opts Options) *Router {
	log := opts.Log
	if log == nil {
		log = logger.Nop()
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = middleware.NewChatLimiter(0)
	}
	return &Router{
		session: opts.Session,
		relay:   opts.Relay,
		export:  opts.Export,
		admin:   opts.Admin,
		auth:    opts.Auth,
		limiter: limiter,
		log:     log,
		ping:    opts.Ping,
		commit:  opts.Commit,
		build:   opts.BuildTime,
	}
}

func (rt *Router) Register(mux *http.ServeMux) {
	participant := func(h http.HandlerFunc) http.Handler { return middleware.RequireParticipant(h) }
	chat := func(h http.HandlerFunc) http.Handler { return middleware.RequireParticipant(rt.limiter.Middleware(h)) }

	mux.HandleFunc("POST /api/start", rt.handleStart)
	mux.HandleFunc("GET /api/config", rt.handleConfig)
	mux.Handle("GET /api/status", participant(rt.handleStatus))
	mux.Handle("POST /api/advance", participant(rt.handleAdvance))
	mux.Handle("POST /api/profile", participant(rt.handleProfile))
	mux.Handle("POST /api/chat/stream", chat(rt.handleChatStream))
	mux.Handle("POST /api/chat", chat(rt.handleChat))
	mux.Handle("POST /api/rating", participant(rt.handleRating))
	mux.Handle("POST /api/preference", participant(rt.handlePreference))
	mux.Handle("POST /api/complete", participant(rt.handleComplete))

	mux.HandleFunc("GET /admin/data", rt.handleArchive)
	mux.HandleFunc("GET /admin/data/{file}", rt.handleExport)

	mux.HandleFunc("GET /health", rt.handleHealth)
	mux.HandleFunc("GET /version", rt.handleVersion)
	mux.Handle("GET /metrics", metrics.Handler())
}

// Handler wraps the router with the full middleware chain, outermost first:
// recover, request log, security headers, CORS, no-store, locale, session.
func (rt *Router) Handler(mux *http.ServeMux, allowedOrigins []string) http.Handler {
	var h http.Handler = mux
	h = rt.auth.WithAuth(h)
	h = middleware.LocaleMiddleware(h)
	h = middleware.NoStore(h)
	h = middleware.CORS(allowedOrigins)(h)
	h = middleware.SecureHeaders(h)
	h = middleware.RequestLogger(rt.log)(h)
	return middleware.Recover(rt.log)(h)
}

func participantID(r *http.Request) string {
	id, _ := middleware.ParticipantFromContext(r.Context())
	return id
}

// POST /api/start
func (rt *Router) handleStart(w http.ResponseWriter, r *http.Request) {
	p, err := rt.session.Start(r.Context())
	if err != nil {
		writeServiceError(w, r, rt.log, err)
		return
	}
	tok, err := rt.auth.SignToken(p.ID)
	if err != nil {
		writeServiceError(w, r, rt.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"participant_id": p.ID,
		"token":          tok,
		"phase":          p.Phase.String(),
	})
}

type publicItem struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type publicConfig struct {
	Scale            map[string]int `json:"scale"`
	Questionnaire    []publicItem   `json:"questionnaire"`
	RatingQuestions  []publicItem   `json:"rating_questions"`
	MaxOpenResponse  int            `json:"max_open_response"`
	MessagesRequired int            `json:"messages_required"`
	Topics           []models.Topic `json:"topics"`
	Phases           []string       `json:"phases"`
}

// GET /api/config
func (rt *Router) handleConfig(w http.ResponseWriter, r *http.Request) {
	st := rt.session.Study()
	out := publicConfig{
		Scale:            map[string]int{"min": st.Scale.Min, "max": st.Scale.Max},
		Questionnaire:    make([]publicItem, 0, len(st.Questionnaire.Items)),
		RatingQuestions:  make([]publicItem, 0, len(st.Rating.Questions)),
		MaxOpenResponse:  st.Rating.MaxOpenResponse,
		MessagesRequired: st.MessagesRequired,
		Topics:           st.Topics,
	}
	for _, it := range st.Questionnaire.Items {
		out.Questionnaire = append(out.Questionnaire, publicItem{ID: it.ID, Text: it.Text})
	}
	for _, q := range st.Rating.Questions {
		out.RatingQuestions = append(out.RatingQuestions, publicItem{ID: q.ID, Text: q.Text})
	}
	for p := models.PhaseWelcome; p <= models.PhaseComplete; p++ {
		out.Phases = append(out.Phases, p.String())
	}
	writeJSON(w, http.StatusOK, out)
}

// GET /api/status
func (rt *Router) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := rt.session.Status(r.Context(), participantID(r))
	if err != nil {
		writeServiceError(w, r, rt.log, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// phaseParam accepts a phase name ("chat1") or its ordinal.
type phaseParam struct {
	phase models.Phase
	set   bool
}

func (p *phaseParam) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int
		if err := json.Unmarshal(b, &n); err != nil {
			return errors.New("phase must be a name or number")
		}
		s = strconv.Itoa(n)
	}
	ph, ok := models.ParsePhase(strings.ToLower(strings.TrimSpace(s)))
	if !ok {
		return errors.New("unknown phase " + strconv.Quote(s))
	}
	p.phase, p.set = ph, true
	return nil
}

// POST /api/advance {phase}
func (rt *Router) handleAdvance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Phase phaseParam `json:"phase"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, rt.log, err)
		return
	}
	if !req.Phase.set {
		writeServiceError(w, r, rt.log, services.NewValidationError("phase required"))
		return
	}
	p, err := rt.session.Advance(r.Context(), participantID(r), req.Phase.phase)
	if err != nil {
		writeServiceError(w, r, rt.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"participant": p, "phase": p.Phase.String()})
}

// POST /api/profile {profile, demographics}
func (rt *Router) handleProfile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Profile      map[string]int      `json:"profile"`
		Demographics models.Demographics `json:"demographics"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, rt.log, err)
		return
	}
	res, err := rt.session.SubmitProfile(r.Context(), participantID(r), req.Profile, req.Demographics)
	if err != nil {
		writeServiceError(w, r, rt.log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type chatRequest struct {
	Phase   int    `json:"phase"`
	Message string `json:"message"`
}

// POST /api/chat/stream {phase, message}
func (rt *Router) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, rt.log, err)
		return
	}
	events, err := rt.relay.Relay(r.Context(), participantID(r), req.Phase, req.Message)
	if err != nil {
		writeServiceError(w, r, rt.log, err)
		return
	}
	sse := newSSEWriter(w)
	locale := middleware.LocaleFromContext(r.Context())
	var writeErr error
	for ev := range events {
		if writeErr != nil {
			continue // drain; the relay stops once the request context ends
		}
		switch ev.Type {
		case services.EventContent:
			writeErr = sse.send(sseContent{Content: ev.Content})
		case services.EventDone:
			writeErr = sse.send(sseDone{
				Done:             true,
				MessageCount:     ev.MessageCount,
				MessagesRequired: ev.MessagesRequired,
				PhaseComplete:    ev.PhaseComplete,
			})
		case services.EventError:
			writeErr = sse.send(sseError{
				Error:   utils.T(locale, "error."+string(ev.Code)),
				Code:    string(ev.Code),
				Message: ev.Message,
			})
		}
	}
	if writeErr != nil {
		rt.log.Debug("sse client gone", "participant_id", participantID(r), "error", writeErr)
	}
}

// POST /api/chat {phase, message}
func (rt *Router) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, rt.log, err)
		return
	}
	res, err := rt.relay.Complete(r.Context(), participantID(r), req.Phase, req.Message)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		writeServiceError(w, r, rt.log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// POST /api/rating {phase, rating, open_response}
func (rt *Router) handleRating(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Phase        int            `json:"phase"`
		Rating       map[string]int `json:"rating"`
		OpenResponse string         `json:"open_response"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, rt.log, err)
		return
	}
	rating, err := rt.session.SubmitRating(r.Context(), participantID(r), req.Phase, req.Rating, req.OpenResponse)
	if err != nil {
		if se, ok := services.AsServiceError(err); ok && se.Code == services.ErrorDuplicateRating && rating != nil {
			se.WithDetail("rating", rating)
		}
		writeServiceError(w, r, rt.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, rating)
}

// POST /api/preference {preferred_bot, reason}
func (rt *Router) handlePreference(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PreferredBot string `json:"preferred_bot"`
		Reason       string `json:"reason"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeServiceError(w, r, rt.log, err)
		return
	}
	pref, err := rt.session.SubmitPreference(r.Context(), participantID(r), req.PreferredBot, req.Reason)
	if err != nil {
		writeServiceError(w, r, rt.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, pref)
}

// POST /api/complete
func (rt *Router) handleComplete(w http.ResponseWriter, r *http.Request) {
	p, err := rt.session.Complete(r.Context(), participantID(r))
	if err != nil {
		writeServiceError(w, r, rt.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"participant": p, "phase": p.Phase.String()})
}

func (rt *Router) authorizeAdmin(w http.ResponseWriter, r *http.Request) bool {
	secret := r.Header.Get("X-Admin-Secret")
	if secret == "" {
		secret = r.URL.Query().Get("secret")
	}
	if err := rt.admin.Verify(secret); err != nil {
		rt.log.Warn("admin access denied", "path", r.URL.Path, "remote", r.RemoteAddr)
		writeServiceError(w, r, rt.log, err)
		return false
	}
	return true
}

func writeDownload(w http.ResponseWriter, res *services.ExportResult) {
	w.Header().Set("Content-Type", res.ContentType)
	w.Header().Set("Content-Disposition", "attachment; filename="+strconv.Quote(res.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Data)
}

// GET /admin/data?secret=
func (rt *Router) handleArchive(w http.ResponseWriter, r *http.Request) {
	if !rt.authorizeAdmin(w, r) {
		return
	}
	res, err := rt.export.Archive(r.Context())
	if err != nil {
		writeServiceError(w, r, rt.log, err)
		return
	}
	rt.log.Info("admin export", "file", res.Filename, "bytes", len(res.Data))
	writeDownload(w, res)
}

// GET /admin/data/{participants|messages|ratings}.csv?secret=
func (rt *Router) handleExport(w http.ResponseWriter, r *http.Request) {
	if !rt.authorizeAdmin(w, r) {
		return
	}
	res, err := rt.export.Export(r.Context(), r.PathValue("file"))
	if err != nil {
		writeServiceError(w, r, rt.log, err)
		return
	}
	writeDownload(w, res)
}

// GET /health
func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	locale := middleware.LocaleFromContext(r.Context())
	body := map[string]any{
		"ok":         true,
		"name":       "homophily",
		"msg":        utils.T(locale, "health.ok"),
		"commit":     rt.commit,
		"build_time": rt.build,
	}
	status := http.StatusOK
	if rt.ping != nil {
		if err := rt.ping(r.Context()); err != nil {
			rt.log.Warn("health check failed", "error", err)
			body["ok"] = false
			body["storage"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, body)
}

// GET /version
func (rt *Router) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"commit": rt.commit, "build_time": rt.build})
}
