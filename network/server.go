package network

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"flowkvm/crypto"
	"flowkvm/models"
	"flowkvm/registry"
	"flowkvm/storage"
)

const (
	defaultReadHeaderTimeout = 5 * time.Second
	defaultReadTimeout       = 15 * time.Second
	defaultWriteTimeout      = 15 * time.Second
	defaultIdleTimeout       = 60 * time.Second
	shutdownTimeout          = 5 * time.Second

	// DefaultClipboardMaxBytes caps a relayed clipboard payload.
	DefaultClipboardMaxBytes = 1 << 20
)

// ServerOptions configures a Sync API server.
type ServerOptions struct {
	Logger            *zap.Logger
	Registry          *registry.Registry
	Configuration     models.Configuration
	Tokens            TokenStore
	Pairing           *PairingManager
	OnLeaderChange    func(ctx context.Context, status models.DeviceStatus)
	Certificate       tls.Certificate
	ClipboardMaxBytes int64
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
}

func (o ServerOptions) withDefaults() ServerOptions {
	out := o
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.ClipboardMaxBytes <= 0 {
		out.ClipboardMaxBytes = DefaultClipboardMaxBytes
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = defaultReadTimeout
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = defaultWriteTimeout
	}
	if out.IdleTimeout <= 0 {
		out.IdleTimeout = defaultIdleTimeout
	}
	if out.OnLeaderChange == nil {
		out.OnLeaderChange = func(context.Context, models.DeviceStatus) {}
	}
	return out
}

// Server serves the Sync API.
type Server struct {
	opts ServerOptions
	log  *zap.Logger
	mux  *http.ServeMux

	clipboardMu   sync.Mutex
	clipboard     []byte
	clipboardType string
}

// NewServer builds the Sync API routes.
func NewServer(opts ServerOptions) (*Server, error) {
	opts = opts.withDefaults()
	if opts.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if opts.Tokens == nil {
		return nil, errors.New("token store is required")
	}
	if opts.Pairing == nil {
		return nil, errors.New("pairing manager is required")
	}

	s := &Server{
		opts: opts,
		log:  opts.Logger,
		mux:  http.NewServeMux(),
	}

	s.mux.HandleFunc("OPTIONS /pairing", s.handlePairingProbe)
	s.mux.HandleFunc("POST /pairing", s.handlePairingSubmit)
	s.mux.HandleFunc("GET /pairing/{session}", s.handlePairingStatus)

	s.mux.Handle("GET /configuration", s.requireAuth(http.HandlerFunc(s.handleConfiguration)))
	s.mux.Handle("GET /device", s.requireAuth(http.HandlerFunc(s.handleDeviceList)))
	s.mux.Handle("GET /device/{id}", s.requireAuth(http.HandlerFunc(s.handleDeviceGet)))
	s.mux.Handle("PUT /device/{id}", s.requireAuth(http.HandlerFunc(s.handleDevicePut)))
	s.mux.Handle("GET /clipboard", s.requireAuth(http.HandlerFunc(s.handleClipboardGet)))
	s.mux.Handle("PUT /clipboard", s.requireAuth(http.HandlerFunc(s.handleClipboardPut)))

	return s, nil
}

// Handler returns the root handler including protocol version negotiation.
func (s *Server) Handler() http.Handler {
	return s.withProtocol(s.mux)
}

// ListenAndServe listens on addr and serves until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %q: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves TLS on ln until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler: s.Handler(),
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{s.opts.Certificate},
			MinVersion:   tls.VersionTLS12,
		},
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		ReadTimeout:       s.opts.ReadTimeout,
		WriteTimeout:      s.opts.WriteTimeout,
		IdleTimeout:       s.opts.IdleTimeout,
		ErrorLog:          zap.NewStdLog(s.log),
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("sync api shutdown", zap.Error(err))
		}
	}()

	s.log.Info("sync api listening", zap.String("addr", ln.Addr().String()))
	err := srv.ServeTLS(ln, "", "")
	if errors.Is(err, http.ErrServerClosed) {
		<-stopped
		return nil
	}
	return fmt.Errorf("serve sync api: %w", err)
}

func (s *Server) withProtocol(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(ProtocolHeader, strconv.Itoa(ProtocolVersion))
		if raw := r.Header.Get(ProtocolHeader); raw != "" {
			if version, err := strconv.Atoi(raw); err != nil || version != ProtocolVersion {
				writeUnsupportedVersion(w)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		established, err := s.opts.Tokens.HasAuthTokens()
		if err != nil {
			s.log.Error("check auth tokens", zap.Error(err))
			writeError(w, http.StatusInternalServerError, errCodeInternal, "token store unavailable")
			return
		}
		if !established {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := bearerToken(r)
		if !ok {
			s.rejectAuth(w, r, "missing bearer token")
			return
		}
		record, err := s.opts.Tokens.FindAuthTokenByDigest(crypto.TokenDigest(token))
		if errors.Is(err, storage.ErrNotFound) {
			s.rejectAuth(w, r, "unknown bearer token")
			return
		}
		if err != nil {
			s.log.Error("look up auth token", zap.Error(err))
			writeError(w, http.StatusInternalServerError, errCodeInternal, "token store unavailable")
			return
		}

		if err := s.opts.Tokens.TouchAuthToken(record.Name, time.Now().UnixMilli()); err != nil {
			s.log.Warn("touch auth token", zap.String("name", record.Name), zap.Error(err))
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rejectAuth(w http.ResponseWriter, r *http.Request, reason string) {
	remote := r.RemoteAddr
	raw, _ := json.Marshal(map[string]string{"reason": reason, "path": r.URL.Path})
	if err := s.opts.Tokens.LogSecurityEvent(storage.SecurityEvent{
		EventType:  storage.SecurityEventAuthFailed,
		RemoteAddr: &remote,
		Details:    string(raw),
		Severity:   storage.SecuritySeverityWarning,
	}); err != nil {
		s.log.Warn("log security event failed", zap.Error(err))
	}
	s.log.Warn("request rejected", zap.String("remote_addr", remote), zap.String("reason", reason))

	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, errCodeUnauthorized, reason)
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func (s *Server) handlePairingProbe(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Allow", "OPTIONS, POST")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePairingSubmit(w http.ResponseWriter, r *http.Request) {
	var req PairingRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errCodeBadRequest, "invalid pairing request")
		return
	}
	if req.ProtocolVersion != ProtocolVersion {
		writeUnsupportedVersion(w)
		return
	}

	session, err := s.opts.Pairing.Submit(req.Name, req.PairingCode, r.RemoteAddr)
	if errors.Is(err, errPairingBacklog) {
		writeError(w, http.StatusServiceUnavailable, errCodeBusy, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, errCodeBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, session)
}

func (s *Server) handlePairingStatus(w http.ResponseWriter, r *http.Request) {
	session, err := s.opts.Pairing.Status(r.PathValue("session"))
	if errors.Is(err, ErrPairingNotFound) {
		writeError(w, http.StatusNotFound, errCodeNotFound, "unknown pairing session")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, errCodeInternal, err.Error())
		return
	}

	switch session.Status {
	case PairingAccepted:
		writeJSON(w, http.StatusOK, session)
	case PairingRejected:
		writeJSON(w, http.StatusUnauthorized, session)
	case PairingExpired:
		writeJSON(w, http.StatusGone, session)
	default:
		writeJSON(w, http.StatusAccepted, session)
	}
}

func (s *Server) handleConfiguration(w http.ResponseWriter, _ *http.Request) {
	resp := ConfigurationResponse{
		Leader:    string(s.opts.Configuration.Leader),
		Followers: make([]string, 0, len(s.opts.Configuration.Followers)),
	}
	for _, id := range s.opts.Configuration.Followers {
		resp.Followers = append(resp.Followers, string(id))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeviceList(w http.ResponseWriter, _ *http.Request) {
	snapshot := s.opts.Registry.Snapshot()
	out := make(map[string]int, len(snapshot))
	for id, host := range snapshot {
		out[string(id)] = int(host)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeviceGet(w http.ResponseWriter, r *http.Request) {
	host, ok := s.opts.Registry.Get(models.DeviceID(r.PathValue("id")))
	if !ok {
		writeError(w, http.StatusNotFound, errCodeNotFound, "device has no recorded host")
		return
	}
	writeHost(w, int(host))
}

func (s *Server) handleDevicePut(w http.ResponseWriter, r *http.Request) {
	id := models.DeviceID(r.PathValue("id"))

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxDeviceBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, errCodeBadRequest, "invalid host body")
		return
	}
	value, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	host := models.HostIndex(value)
	if err != nil || !host.Valid() {
		writeError(w, http.StatusBadRequest, errCodeBadRequest, "host must be a positive integer")
		return
	}

	changed, err := s.opts.Registry.Update(id, host)
	if errors.Is(err, registry.ErrUnknownDevice) {
		writeError(w, http.StatusNotFound, errCodeNotFound, "unknown device")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, errCodeInternal, err.Error())
		return
	}

	s.log.Debug("device host recorded",
		zap.String("device", string(id)),
		zap.Int("host", int(host)),
		zap.Bool("changed", changed),
	)
	if changed && s.opts.Configuration.IsLeader(id) {
		s.opts.OnLeaderChange(context.WithoutCancel(r.Context()), models.DeviceStatus{Device: id, Host: host})
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClipboardGet(w http.ResponseWriter, _ *http.Request) {
	s.clipboardMu.Lock()
	data := s.clipboard
	contentType := s.clipboardType
	s.clipboardMu.Unlock()

	if data == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleClipboardPut(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.ClipboardMaxBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, errCodeTooLarge, "clipboard payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, errCodeBadRequest, "read clipboard payload")
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	s.clipboardMu.Lock()
	s.clipboard = data
	s.clipboardType = contentType
	s.clipboardMu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

func writeUnsupportedVersion(w http.ResponseWriter) {
	writeJSON(w, http.StatusUpgradeRequired, ErrorResponse{
		Code:              errCodeUnsupported,
		Message:           fmt.Sprintf("protocol version %d required", ProtocolVersion),
		SupportedVersions: []int{ProtocolVersion},
	})
}
