// Package server wires configuration into the running gateway: policy store
// and evaluator, preflight token service, execution supervisor, audit sinks
// and the HTTP listeners.
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/scriptgate/scriptgate/internal/api"
	"github.com/scriptgate/scriptgate/internal/audit"
	"github.com/scriptgate/scriptgate/internal/auth"
	"github.com/scriptgate/scriptgate/internal/config"
	"github.com/scriptgate/scriptgate/internal/events"
	"github.com/scriptgate/scriptgate/internal/execsup"
	"github.com/scriptgate/scriptgate/internal/policy"
	"github.com/scriptgate/scriptgate/internal/preflight"
	"github.com/scriptgate/scriptgate/internal/store/sqlite"
	"github.com/scriptgate/scriptgate/pkg/types"
)

type Server struct {
	httpServer *http.Server
	httpLn     net.Listener

	unixServer *http.Server
	unixLn     net.Listener
	unixPath   string

	pprofLn     net.Listener
	pprofServer *http.Server

	policyStore *policy.Store
	policyWatch bool
	auditLog    *audit.Log
	index       *sqlite.Store
}

func New(cfg *config.Config) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if cfg.Policy.AllowedRoot == "" {
		return nil, fmt.Errorf("policy.allowed_root is required")
	}

	profiles := make(map[string]policy.Profile, len(cfg.Policy.Profiles))
	for name, p := range cfg.Policy.Profiles {
		profiles[name] = policy.Profile{Caps: p.Caps, FlagsAllowed: p.FlagsAllowed}
	}

	store, err := policy.NewStore(cfg.Policy.File, cfg.Policy.AllowedRoot, profiles)
	if err != nil {
		return nil, err
	}

	global, err := policy.NewGlobal(cfg.Policy.AllowedRoot, cfg.Policy.AllowedScripts,
		cfg.Policy.Flags, cfg.Policy.ValueFlags, defaultCaps(cfg))
	if err != nil {
		return nil, err
	}
	eval := &policy.Evaluator{Global: global, Store: store}

	secret, err := loadPreflightSecret(cfg)
	if err != nil {
		return nil, err
	}
	tokens, err := preflight.NewService(secret, config.Duration(cfg.Preflight.TokenTTL))
	if err != nil {
		return nil, err
	}
	var sessions *preflight.SessionCache
	if cfg.Preflight.SessionFallback {
		sessions = preflight.NewSessionCache(config.Duration(cfg.Preflight.SessionTTL))
	}

	auditLog, err := audit.New(cfg.Audit.Dir)
	if err != nil {
		return nil, err
	}

	index, err := sqlite.Open(cfg.Audit.SQLitePath)
	if err != nil {
		_ = auditLog.Close()
		return nil, err
	}

	sup := execsup.New(cfg.Policy.EnvAllowlist, cfg.Audit.OutputDir)
	broker := events.NewBroker()

	var apiKeyAuth *auth.APIKeyAuth
	if !cfg.Development.DisableAuth && cfg.Auth.Type == "api_key" {
		loaded, err := auth.LoadAPIKeys(cfg.Auth.APIKey.KeysFile, cfg.Auth.APIKey.HeaderName)
		if err != nil {
			_ = auditLog.Close()
			_ = index.Close()
			return nil, err
		}
		apiKeyAuth = loaded
	}

	app := api.NewApp(cfg, eval, store, tokens, sessions, sup, auditLog, index, broker, apiKeyAuth)
	handler := withRequestBodyLimit(app.Router(), maxRequestBytes(cfg))

	s := &http.Server{
		Addr:              cfg.Server.HTTP.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       config.Duration(cfg.Server.HTTP.ReadTimeout),
		WriteTimeout:      config.Duration(cfg.Server.HTTP.WriteTimeout),
	}

	srv := &Server{
		httpServer:  s,
		policyStore: store,
		policyWatch: cfg.Policy.Watch,
		auditLog:    auditLog,
		index:       index,
	}

	ln, err := listenHTTP(cfg)
	if err != nil {
		_ = srv.closeStores()
		return nil, err
	}
	srv.httpLn = ln

	if cfg.Server.UnixSocket.Enabled && cfg.Server.UnixSocket.Path != "" {
		if err := srv.setupUnixSocket(cfg, handler); err != nil {
			_ = srv.Close()
			return nil, err
		}
	}

	if cfg.Development.PProf.Enabled {
		ln, err := net.Listen("tcp", cfg.Development.PProf.Addr)
		if err != nil {
			_ = srv.Close()
			return nil, fmt.Errorf("pprof listen: %w", err)
		}
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		srv.pprofLn = ln
		srv.pprofServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}

	return srv, nil
}

func defaultCaps(cfg *config.Config) types.CapSet {
	return types.CapSet{
		MaxTimeoutMs:   int(config.Duration(cfg.Limits.MaxTimeout).Milliseconds()),
		MaxOutputBytes: cfg.Limits.MaxOutputBytes,
		MaxStdoutLines: cfg.Limits.MaxStdoutLines,
		Concurrency:    cfg.Limits.DefaultConcurrency,
	}
}

// loadPreflightSecret resolves the token-signing secret from the configured
// file or environment variable. With enforcement off and no secret present
// an ephemeral one is generated: tokens still work within the process
// lifetime, they just do not survive a restart.
func loadPreflightSecret(cfg *config.Config) ([]byte, error) {
	if cfg.Preflight.SecretFile != "" {
		b, err := os.ReadFile(cfg.Preflight.SecretFile)
		if err != nil {
			return nil, fmt.Errorf("read preflight secret file: %w", err)
		}
		return []byte(strings.TrimSpace(string(b))), nil
	}
	if cfg.Preflight.SecretEnv != "" {
		if v := os.Getenv(cfg.Preflight.SecretEnv); v != "" {
			return []byte(v), nil
		}
	}
	if cfg.Preflight.Enforce {
		return nil, fmt.Errorf("preflight.enforce is set but no secret found (set %s or preflight.secret_file)", cfg.Preflight.SecretEnv)
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate ephemeral preflight secret: %w", err)
	}
	slog.Warn("preflight: using ephemeral secret, tokens will not survive restart")
	return []byte(hex.EncodeToString(buf)), nil
}

func maxRequestBytes(cfg *config.Config) int64 {
	n, err := config.ParseByteSize(cfg.Server.HTTP.MaxRequestSize)
	if err != nil {
		return 1 << 20
	}
	return n
}

func withRequestBodyLimit(next http.Handler, maxBytes int64) http.Handler {
	if maxBytes <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func listenHTTP(cfg *config.Config) (net.Listener, error) {
	addr := cfg.Server.HTTP.Addr
	if cfg.Development.DisableAuth || strings.EqualFold(strings.TrimSpace(cfg.Auth.Type), "none") {
		if !isLoopbackListenAddr(addr) {
			return nil, fmt.Errorf("refusing to listen on %q with auth.type=none (use 127.0.0.1/localhost or enable auth)", addr)
		}
	}
	return net.Listen("tcp", addr)
}

func isLoopbackListenAddr(addr string) bool {
	a := strings.TrimSpace(addr)
	if a == "" {
		return false
	}
	// ":8080" binds on all interfaces.
	if strings.HasPrefix(a, ":") {
		return false
	}
	host, _, err := net.SplitHostPort(a)
	if err != nil {
		host = a
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	// Conservative: unknown hostnames could resolve non-loopback.
	return false
}

func (s *Server) setupUnixSocket(cfg *config.Config, handler http.Handler) error {
	unixPath := cfg.Server.UnixSocket.Path
	if err := os.MkdirAll(filepath.Dir(unixPath), 0o755); err != nil {
		return fmt.Errorf("unix socket mkdir: %w", err)
	}
	_ = os.Remove(unixPath)
	ln, err := net.Listen("unix", unixPath)
	if err != nil {
		return fmt.Errorf("unix socket listen: %w", err)
	}
	perms := os.FileMode(0o660)
	if p := cfg.Server.UnixSocket.Permissions; p != "" {
		u, perr := strconv.ParseUint(p, 0, 32)
		if perr != nil {
			_ = ln.Close()
			return fmt.Errorf("unix socket permissions %q: %w", p, perr)
		}
		perms = os.FileMode(u)
	}
	if err := os.Chmod(unixPath, perms); err != nil {
		_ = ln.Close()
		return fmt.Errorf("unix socket chmod: %w", err)
	}
	s.unixLn = ln
	s.unixPath = unixPath
	s.unixServer = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       s.httpServer.ReadTimeout,
		WriteTimeout:      s.httpServer.WriteTimeout,
	}
	return nil
}

func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if s.policyWatch {
		go func() {
			if err := s.policyStore.Watch(ctx); err != nil {
				slog.Warn("policy: watch stopped", "err", err)
			}
		}()
	}
	if s.pprofLn != nil && s.pprofServer != nil {
		go func() { _ = s.pprofServer.Serve(s.pprofLn) }()
	}

	errCh := make(chan error, 2)
	go func() {
		if err := s.httpServer.Serve(s.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	if s.unixServer != nil && s.unixLn != nil {
		go func() {
			if err := s.unixServer.Serve(s.unixLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if s.pprofServer != nil {
			_ = s.pprofServer.Shutdown(shutdownCtx)
		}
		if s.unixServer != nil {
			_ = s.unixServer.Shutdown(shutdownCtx)
		}
		err := s.httpServer.Shutdown(shutdownCtx)
		_ = s.closeStores()
		return err
	case err := <-errCh:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if s.pprofServer != nil {
			_ = s.pprofServer.Shutdown(shutdownCtx)
		}
		if s.unixServer != nil {
			_ = s.unixServer.Shutdown(shutdownCtx)
		}
		_ = s.closeStores()
		return fmt.Errorf("server: %w", err)
	}
}

func (s *Server) Close() error {
	if s.httpLn != nil {
		_ = s.httpLn.Close()
		s.httpLn = nil
	}
	if s.unixLn != nil {
		_ = s.unixLn.Close()
		s.unixLn = nil
	}
	if s.unixPath != "" {
		_ = os.Remove(s.unixPath)
		s.unixPath = ""
	}
	if s.pprofLn != nil {
		_ = s.pprofLn.Close()
		s.pprofLn = nil
	}
	return s.closeStores()
}

func (s *Server) closeStores() error {
	var first error
	if s.auditLog != nil {
		if err := s.auditLog.Close(); err != nil && first == nil {
			first = err
		}
		s.auditLog = nil
	}
	if s.index != nil {
		if err := s.index.Close(); err != nil && first == nil {
			first = err
		}
		s.index = nil
	}
	return first
}

// Addr returns the bound HTTP address, useful when the config asked for
// port 0.
func (s *Server) Addr() string {
	if s == nil || s.httpLn == nil {
		return ""
	}
	return s.httpLn.Addr().String()
}
