package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"postrelay/internal/domain"
	"postrelay/internal/storage"
	logx "postrelay/pkg/logx"
)

const maxAuditLimit = 1000

func (s *Service) handler(ctx context.Context, cfg Config) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(cfg.Token, h) }

	mux.HandleFunc("GET /healthz", s.healthz)

	if s.deps.Gatherer != nil {
		mux.Handle("GET /metrics", withAuth(cfg.Token, promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}).ServeHTTP))
	}
	mux.HandleFunc("GET /debug/dispatch", wrap(s.debugDispatch))
	if s.deps.Bus != nil {
		mux.HandleFunc("GET /events", wrap(func(w http.ResponseWriter, r *http.Request) {
			s.events(ctx, w, r)
		}))
	}
	if s.deps.Records != nil {
		mux.HandleFunc("GET /api/audit", wrap(s.listAudit))
		mux.HandleFunc("GET /api/posts/{id}/messages", wrap(s.listMessages))
	}
	if s.deps.Admin != nil {
		mux.HandleFunc("POST /api/posts/{id}/publish", wrap(s.publish))
		mux.HandleFunc("POST /api/posts/{id}/unpublish", wrap(s.unpublish))
		mux.HandleFunc("DELETE /api/posts/{id}", wrap(s.deletePost))
		mux.HandleFunc("DELETE /api/messages/{id}", wrap(s.deleteMessage))
	}

	if cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", wrap(hpprof.Index))
		mux.HandleFunc("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
		mux.HandleFunc("/debug/pprof/profile", wrap(hpprof.Profile))
		mux.HandleFunc("/debug/pprof/symbol", wrap(hpprof.Symbol))
		mux.HandleFunc("/debug/pprof/trace", wrap(hpprof.Trace))
	}
	return mux
}

func (s *Service) healthz(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Health != nil {
		if err := s.deps.Health(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Service) debugDispatch(w http.ResponseWriter, _ *http.Request) {
	out := map[string]any{}
	if s.deps.Dispatch != nil {
		out["dispatch"] = s.deps.Dispatch()
	}
	if s.deps.Engine != nil {
		out["engine"] = s.deps.Engine()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) listAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f domain.AuditFilter
	var err error
	if f.PostID, err = optionalID(q.Get("post_id")); err != nil {
		badRequest(w, "post_id", err)
		return
	}
	if f.ChannelID, err = optionalID(q.Get("channel_id")); err != nil {
		badRequest(w, "channel_id", err)
		return
	}
	f.Operation = domain.Operation(strings.TrimSpace(q.Get("operation")))
	f.Limit = 100
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			badRequest(w, "limit", errors.New("must be a positive integer"))
			return
		}
		f.Limit = min(n, maxAuditLimit)
	}
	entries, err := s.deps.Records.ListAudit(r.Context(), f)
	if err != nil {
		s.fail(w, err)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Service) listMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	recs, err := s.deps.Records.ListMessagesForPost(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if recs == nil {
		recs = []domain.MessageRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Service) publish(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	silent, _ := strconv.ParseBool(r.URL.Query().Get("silent"))
	s.accepted(w, s.deps.Admin.Publish(r.Context(), id, silent))
}

func (s *Service) unpublish(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	s.accepted(w, s.deps.Admin.Unpublish(r.Context(), id))
}

func (s *Service) deletePost(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	s.accepted(w, s.deps.Admin.DeletePost(r.Context(), id))
}

func (s *Service) deleteMessage(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		badRequest(w, "id", errors.New("required"))
		return
	}
	s.accepted(w, s.deps.Admin.DeleteMessage(r.Context(), id))
}

// accepted answers 202: the remote work happens asynchronously and its
// outcome lands in the audit log.
func (s *Service) accepted(w http.ResponseWriter, err error) {
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Service) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	default:
		s.log.Error("admin request failed", logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(w, "id", errors.New("must be a positive integer"))
		return 0, false
	}
	return id, true
}

func optionalID(v string) (int64, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("must be a positive integer")
	}
	return id, nil
}

func badRequest(w http.ResponseWriter, field string, err error) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": field + ": " + err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		// Authorization: Bearer <token>, or ?token=<token> for browsers and
		// websocket clients.
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		if ah := r.Header.Get("Authorization"); ah != "" {
			const p = "Bearer "
			if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				h(w, r)
				return
			}
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}
