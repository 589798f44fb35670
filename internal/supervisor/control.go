package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/shurlinet/peerd/internal/keystore"
	"github.com/shurlinet/peerd/pkg/monorepo"
)

// SocketName is the control socket's file name under the node root.
const SocketName = "peerd.sock"

// SocketPath returns the control socket path for a node root.
func SocketPath(root string) string {
	return filepath.Join(root, SocketName)
}

// statusResponse is the GET /v1/status payload.
type statusResponse struct {
	Sealed    bool      `json:"sealed"`
	State     string    `json:"state"`
	Connected int       `json:"connected"`
	Since     time.Time `json:"since"`
	PeerID    string    `json:"peer_id,omitempty"`
	Version   string    `json:"version,omitempty"`
}

// errorResponse carries a categorical code plus a correlation id for
// internal errors; the detailed cause goes to the log, not the client.
type errorResponse struct {
	Error         string `json:"error"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// startControl serves the local management surface on a Unix socket.
// The returned closer removes the socket.
func (s *Supervisor) startControl(ctx context.Context, g *errgroup.Group) (io.Closer, error) {
	path := SocketPath(s.root)
	_ = os.Remove(path) // stale socket from a previous run

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("POST /v1/unseal", s.handleUnseal)
	mux.HandleFunc("POST /v1/seal", s.handleSeal)
	mux.HandleFunc("POST /v1/reset", s.handleReset)
	mux.HandleFunc("GET /v1/requests", s.handleRequests)

	srv := &http.Server{Handler: s.auditMiddleware(mux)}

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("supervisor: control server stopped", "err", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return nil
	})

	return closerFunc(func() error {
		return os.Remove(path)
	}), nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// statusRecorder captures the response code for the audit log.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Supervisor) auditMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.audit.ControlAccess(r.Method, r.URL.Path, rec.code)
	})
}

func (s *Supervisor) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Sealed:  s.Sealed(),
		State:   "stopped",
		Version: s.version,
	}
	if pc := s.current(); pc != nil {
		st := pc.sched.State()
		resp.State = st.Tag.String()
		resp.Connected = st.Connected()
		resp.Since = st.Since
		resp.PeerID = pc.overlay.Self().PeerID.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleUnseal loads (or creates) the peer key and unseals. The key
// never travels over the socket; the keystore is the only source.
func (s *Supervisor) handleUnseal(w http.ResponseWriter, r *http.Request) {
	if !s.Sealed() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "already unsealed"})
		return
	}
	key, err := s.ks.LoadOrCreate(keystore.PurposePeer)
	if err != nil {
		s.writeInternalError(w, "unseal", err)
		return
	}
	s.SetSecretKey(key)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "unsealing"})
}

func (s *Supervisor) handleSeal(w http.ResponseWriter, r *http.Request) {
	if s.Sealed() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "already sealed"})
		return
	}
	s.Seal()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sealing"})
}

func (s *Supervisor) handleReset(w http.ResponseWriter, r *http.Request) {
	s.Reset()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "resetting"})
}

func (s *Supervisor) handleRequests(w http.ResponseWriter, r *http.Request) {
	pc := s.current()
	if pc == nil {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "sealed"})
		return
	}
	urns := pc.room.List()
	out := make([]string, 0, len(urns))
	for _, u := range urns {
		out = append(out, u.String())
	}
	writeJSON(w, http.StatusOK, out)
}

// writeInternalError maps known error kinds to categorical codes; all
// others get a generic response with a correlation id and a detailed log
// line.
func (s *Supervisor) writeInternalError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrSealed):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "sealed"})
	case errors.Is(err, monorepo.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
	case errors.Is(err, monorepo.ErrAlreadyExists):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "already exists"})
	default:
		id := uuid.NewString()
		s.log.Error("supervisor: internal error", "op", op, "correlation_id", id, "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error", CorrelationID: id})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
