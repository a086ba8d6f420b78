package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/oklog/ulid/v2"

	"crate/internal/bucket"
	"crate/internal/logging"
	"crate/internal/membership"
	"crate/internal/metrics"
	"crate/internal/reqctx"
	"crate/internal/syncerr"
)

const (
	objectPath      = "/v1/object"
	listPath        = "/v1/list"
	healthPath      = "/v1/health"
	metricsPath     = "/metrics"
	correlationHdr  = "X-Correlation-ID"
	maxKeyLen       = 1024
	shutdownTimeout = 5 * time.Second
)

// Server is the HTTP write gate in front of a bucket.
type Server struct {
	backend  bucket.Bucket
	state    atomic.Pointer[membership.ChainState]
	reloadMu sync.Mutex
	// memberMu serializes membership writes from check through reload.
	memberMu  sync.Mutex
	replay    *ttlcache.Cache[string, string]
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
	tokenTTL  time.Duration
	window    time.Duration
	maxObject int64
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records proxied writes and serves /metrics.
func WithMetrics(m *metrics.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithClock overrides the clock used for token validation.
func WithClock(now func() time.Time) ServerOption {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTokenTTL sets the longest token lifetime the server accepts.
func WithTokenTTL(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.tokenTTL = d
		}
	}
}

// WithReplayWindow sets how long token ids are remembered at minimum.
func WithReplayWindow(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.window = d
		}
	}
}

// WithMaxObjectBytes caps request bodies.
func WithMaxObjectBytes(n int64) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxObject = n
		}
	}
}

// NewServer builds a proxy over backend gated by state.
func NewServer(backend bucket.Bucket, state membership.ChainState, opts ...ServerOption) *Server {
	s := &Server{
		backend:   backend,
		logger:    logging.NewNop(),
		now:       time.Now,
		tokenTTL:  5 * time.Minute,
		window:    10 * time.Minute,
		maxObject: 256 << 20,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.NewComponentLogger(s.logger, "proxy")
	s.replay = ttlcache.New[string, string](
		ttlcache.WithTTL[string, string](s.window),
		ttlcache.WithDisableTouchOnHit[string, string](),
	)
	s.setState(state)
	return s
}

// ChainState returns the active write gate.
func (s *Server) ChainState() membership.ChainState {
	return *s.state.Load()
}

func (s *Server) setState(state membership.ChainState) {
	s.state.Store(&state)
	s.metrics.SetChainState(state.Kind().String())
	if state.Kind() == membership.StateInvalid {
		logging.ErrorWithContext(s.logger, "membership chain invalid; refusing writes", "chain_invalid",
			logging.Error(state.Err()),
			logging.String(logging.FieldImpact, "every bucket write is rejected with 503"),
			logging.String(logging.FieldErrorHint, "inspect membership/ objects in the bucket"),
		)
	}
}

// ReloadChainState re-reads the membership chain from the backend.
func (s *Server) ReloadChainState(ctx context.Context) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()
	state, err := membership.LoadState(ctx, s.backend)
	if err != nil {
		return err
	}
	s.setState(state)
	return nil
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(objectPath, s.handleObject)
	mux.HandleFunc(listPath, s.handleList)
	mux.HandleFunc(healthPath, s.handleHealth)
	if s.metrics != nil {
		mux.Handle(metricsPath, s.metrics.Handler())
	}
	return s.withCorrelation(mux)
}

// Serve runs the proxy on ln until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go s.replay.Start()
	defer s.replay.Stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info("proxy listening",
		logging.String("address", ln.Addr().String()),
		logging.String("chain_state", s.ChainState().Kind().String()),
	)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("proxy serve: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("proxy shutdown: %w", err)
	}
	s.logger.Info("proxy stopped")
	return nil
}

func (s *Server) withCorrelation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := ulid.Make().String()
		w.Header().Set(correlationHdr, id)
		ctx := reqctx.WithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, r, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":      "ok",
		"chain_state": s.ChainState().Kind().String(),
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, r, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	prefix := r.URL.Query().Get("prefix")
	if _, err := s.authenticate(r, OpList, prefix, nil); err != nil {
		s.writeError(w, r, 0, err)
		return
	}
	keys, err := s.backend.List(r.Context(), prefix)
	if err != nil {
		s.writeError(w, r, 0, err)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	s.writeJSON(w, http.StatusOK, listResponse{Keys: keys})
}

func (s *Server) handleObject(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if err := checkKey(key); err != nil {
		s.writeError(w, r, 0, err)
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.handleGet(w, r, key)
	case http.MethodPut:
		s.handleWrite(w, r, OpPut, key)
	case http.MethodDelete:
		s.handleWrite(w, r, OpDelete, key)
	default:
		s.writeError(w, r, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, key string) {
	if _, err := s.authenticate(r, OpGet, key, nil); err != nil {
		s.writeError(w, r, 0, err)
		return
	}
	data, err := s.backend.Get(r.Context(), key)
	if err != nil {
		s.writeError(w, r, 0, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request, op, key string) {
	ctx := r.Context()
	state := s.ChainState()
	if state.Kind() == membership.StateInvalid {
		s.metrics.ObserveProxyWrite(op, "chain_invalid")
		s.writeError(w, r, 0, state.AuthorizeWrite(""))
		return
	}

	var body []byte
	if op == OpPut {
		var err error
		body, err = io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxObject))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				s.metrics.ObserveProxyWrite(op, "too_large")
				s.writeError(w, r, http.StatusRequestEntityTooLarge, fmt.Errorf("object exceeds %d bytes", s.maxObject))
				return
			}
			s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("read body: %w", err))
			return
		}
	}

	tok, err := s.authenticate(r, op, key, body)
	if err != nil {
		s.metrics.ObserveProxyWrite(op, "unauthenticated")
		s.writeError(w, r, 0, err)
		return
	}
	logger := s.logger.With(
		logging.String(logging.FieldCorrelationID, w.Header().Get(correlationHdr)),
		logging.String("author", tok.Author),
		logging.String("key", key),
	)
	isMembership := strings.HasPrefix(key, bucket.MembershipPrefix)
	if isMembership {
		s.memberMu.Lock()
		defer s.memberMu.Unlock()
		state = s.ChainState()
	}
	if err := state.AuthorizeWrite(tok.Author); err != nil {
		s.metrics.ObserveProxyWrite(op, "forbidden")
		logging.WarnWithContext(logger, "write refused", "proxy_write_refused", logging.Error(err))
		s.writeError(w, r, 0, err)
		return
	}

	if isMembership {
		if err := s.checkMembershipWrite(ctx, op, key, body, tok.Author); err != nil {
			s.metrics.ObserveProxyWrite(op, "forbidden")
			logging.WarnWithContext(logger, "membership write refused", "proxy_membership_refused", logging.Error(err))
			s.writeError(w, r, 0, err)
			return
		}
	}

	switch {
	case op == OpDelete:
		err = s.backend.Delete(ctx, key)
	case r.Header.Get("If-None-Match") == "*":
		var stored bool
		stored, err = bucket.PutIfAbsent(ctx, s.backend, key, body)
		if err == nil && !stored {
			s.metrics.ObserveProxyWrite(op, "exists")
			s.writeError(w, r, http.StatusPreconditionFailed, fmt.Errorf("%s already exists", key))
			return
		}
	default:
		err = s.backend.Put(ctx, key, body)
	}
	if err != nil {
		s.metrics.ObserveProxyWrite(op, "error")
		s.writeError(w, r, 0, err)
		return
	}
	s.metrics.ObserveProxyWrite(op, "ok")
	logger.Debug("write accepted", logging.String("op", op), logging.Int("bytes", len(body)))

	if isMembership {
		if err := s.ReloadChainState(ctx); err != nil {
			logging.WarnWithContext(logger, "chain reload failed", "chain_reload_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "write gate keeps the previous member set"),
			)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// checkMembershipWrite keeps the stored chain valid: entries are append-only,
// must be authored by the caller under its own key prefix, and must fold
// cleanly onto the existing chain.
func (s *Server) checkMembershipWrite(ctx context.Context, op, key string, body []byte, author string) error {
	if op == OpDelete {
		return syncerr.Wrap(syncerr.ErrMembership, "proxy", "membership write", "membership log is append-only", nil)
	}
	owner, _, err := bucket.SplitSeqKey(bucket.MembershipPrefix, key)
	if err != nil {
		return err
	}
	var entry membership.Entry
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&entry); err != nil {
		return syncerr.Wrap(syncerr.ErrProtocol, "proxy", "membership write", "decode entry", err)
	}
	if err := entry.Verify(); err != nil {
		return err
	}
	if entry.AuthorPubKey != author || owner != author {
		return syncerr.Wrap(syncerr.ErrMembership, "proxy", "membership write",
			"entries must be authored by the caller under its own prefix", nil)
	}
	existing, err := membership.LoadEntries(ctx, s.backend)
	if err != nil {
		return err
	}
	if _, err := membership.FromEntries(append(existing, entry)); err != nil {
		return syncerr.Wrap(syncerr.ErrMembership, "proxy", "membership write", "entry would invalidate the chain", err)
	}
	return nil
}

func (s *Server) authenticate(r *http.Request, op, key string, body []byte) (verifiedToken, error) {
	header := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return verifiedToken{}, syncerr.Wrap(syncerr.ErrCrypto, "proxy", "authenticate", "missing bearer token", nil)
	}
	tok, err := verifyRequest(strings.TrimSpace(raw), op, key, body, s.now, s.tokenTTL)
	if err != nil {
		return verifiedToken{}, err
	}
	ttl := tok.Expiry.Sub(s.now()) + tokenLeeway
	if ttl < s.window {
		ttl = s.window
	}
	if _, seen := s.replay.GetOrSet(tok.ID, tok.Author, ttlcache.WithTTL[string, string](ttl)); seen {
		return verifiedToken{}, syncerr.Wrap(syncerr.ErrCrypto, "proxy", "authenticate", "token already used", nil)
	}
	return tok, nil
}

func checkKey(key string) error {
	if key == "" || len(key) > maxKeyLen || strings.HasPrefix(key, "/") {
		return syncerr.Wrap(syncerr.ErrProtocol, "proxy", "check key", fmt.Sprintf("invalid object key %q", key), nil)
	}
	for _, segment := range strings.Split(key, "/") {
		if !bucket.ValidSegment(segment) {
			return syncerr.Wrap(syncerr.ErrProtocol, "proxy", "check key", fmt.Sprintf("invalid object key %q", key), nil)
		}
	}
	return nil
}

type listResponse struct {
	Keys []string `json:"keys"`
}

type errorResponse struct {
	Error         string `json:"error"`
	Kind          string `json:"kind"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func statusFor(err error) int {
	switch syncerr.Kind(err) {
	case "not_found":
		return http.StatusNotFound
	case "protocol", "configuration":
		return http.StatusBadRequest
	case "crypto", "expired":
		return http.StatusUnauthorized
	case "membership":
		return http.StatusForbidden
	case "chain_invalid":
		return http.StatusServiceUnavailable
	case "seq_collision":
		return http.StatusPreconditionFailed
	case "transport":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", logging.Error(err))
	}
}

// writeError maps err to a status unless status is already set.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status == 0 {
		status = statusFor(err)
	}
	kind := syncerr.Kind(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			logging.String(logging.FieldCorrelationID, w.Header().Get(correlationHdr)),
			logging.String("path", r.URL.Path),
			logging.Error(err),
		)
	}
	s.writeJSON(w, status, errorResponse{
		Error:         err.Error(),
		Kind:          kind,
		CorrelationID: w.Header().Get(correlationHdr),
	})
}
