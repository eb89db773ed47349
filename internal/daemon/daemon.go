package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hostlane/hostlane/internal/auth"
	"github.com/hostlane/hostlane/internal/config"
	"github.com/hostlane/hostlane/internal/db"
	"github.com/hostlane/hostlane/internal/secrets"
)

const (
	shutdownTimeout = 5 * time.Second
	auditDrainLimit = 10 * time.Second
	socketPerms     = 0o660
	runDirPerms     = 0o750
)

// Service wires the lifecycle controller, its background loops and the
// control API listeners.
type Service struct {
	cfg        config.Config
	store      *db.Store
	ctrl       *Controller
	audit      *AuditWriter
	reconciler *Reconciler
	sweeper    *ExpirySweeper
	logger     *log.Logger

	unixListener    net.Listener
	apiListener     net.Listener
	metricsListener net.Listener
	unixServer      *http.Server
	apiServer       *http.Server
	metricsServer   *http.Server
}

// Run loads secrets, opens the registry, binds listeners, and serves until
// ctx is canceled.
func Run(ctx context.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	bundle, err := LoadSecrets(cfg)
	if err != nil {
		return err
	}
	store, err := db.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	service, err := NewService(cfg, bundle, store, log.Default())
	if err != nil {
		_ = store.Close()
		return err
	}
	return service.Serve(ctx)
}

// LoadSecrets checks the age identity permissions and decrypts the
// configured bundle.
func LoadSecrets(cfg config.Config) (secrets.Bundle, error) {
	store := secrets.Store{
		Dir:            cfg.SecretsDir,
		AgeKeyPath:     cfg.SecretsAgeKeyPath,
		AllowPlaintext: cfg.SecretsAllowPlaintext,
	}
	if !cfg.SecretsAllowPlaintext {
		if err := config.CheckKeyPermissions(cfg.SecretsAgeKeyPath); err != nil {
			return secrets.Bundle{}, err
		}
	}
	bundle, err := store.Load(cfg.SecretsBundle)
	if err != nil {
		return secrets.Bundle{}, fmt.Errorf("load secrets bundle %s: %w", cfg.SecretsBundle, err)
	}
	return bundle, nil
}

// NewService constructs a service with bound listeners. The store is owned
// by the service from here on and closed by Serve.
func NewService(cfg config.Config, bundle secrets.Bundle, store *db.Store, logger *log.Logger) (*Service, error) {
	if logger == nil {
		logger = log.Default()
	}
	tokens, err := auth.NewService(bundle.JWTSigningKey)
	if err != nil {
		return nil, fmt.Errorf("control api tokens: %w", err)
	}
	var metrics *Metrics
	if strings.TrimSpace(cfg.MetricsListen) != "" {
		metrics = NewMetrics()
	}
	gateways, err := buildGatewaySet(cfg, bundle, metrics)
	if err != nil {
		return nil, err
	}
	if len(gateways.Types()) == 0 {
		logger.Printf("hostlaned: no providers configured; provisioning is disabled")
	}

	redactor := newBundleRedactor(bundle)
	audit := NewAuditWriter(store, cfg.AuditBuffer, logger).WithMetrics(metrics).WithRedactor(redactor)
	reconciler := NewReconciler(store, gateways, logger).
		WithAuditWriter(audit).
		WithMetrics(metrics).
		WithSchedule(cfg.ReconcileInterval, cfg.ReconcileBatch, cfg.ReconcileConcurrency)
	sweeper := NewExpirySweeper(store, logger).
		WithAuditWriter(audit).
		WithMetrics(metrics).
		WithInterval(cfg.ExpirySweepInterval)
	ctrl := NewController(store, gateways, logger).
		WithAuditWriter(audit).
		WithReconciler(reconciler).
		WithMetrics(metrics).
		WithPricing(PriceTable(cfg.Pricing)).
		WithActionTimeout(cfg.ActionTimeout).
		WithInitialTerm(cfg.InitialTermMonths)

	controlAuth, err := NewControlAuth(tokens, cfg.APIAllowCIDRs)
	if err != nil {
		return nil, fmt.Errorf("api_allow_cidrs: %w", err)
	}
	limiter := NewClientRateLimiter(cfg.APIRatePerSecond, cfg.APIRateBurst)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler)
	NewControlAPI(ctrl, gateways, logger).
		WithMetricsEnabled(metrics != nil).
		WithRedactor(redactor).
		Register(mux)
	handler := controlAuth.Wrap(limiter.Wrap(mux))

	if err := ensureDir(cfg.RunDir, runDirPerms); err != nil {
		return nil, err
	}
	service := &Service{
		cfg:        cfg,
		store:      store,
		ctrl:       ctrl,
		audit:      audit,
		reconciler: reconciler,
		sweeper:    sweeper,
		logger:     logger,
		unixServer: newHTTPServer(handler),
	}
	service.unixListener, err = listenUnix(cfg.SocketPath)
	if err != nil {
		return nil, err
	}
	if listen := strings.TrimSpace(cfg.APIListen); listen != "" {
		service.apiListener, err = net.Listen("tcp", listen)
		if err != nil {
			service.closeListeners()
			return nil, fmt.Errorf("listen api %s: %w", listen, err)
		}
		service.apiServer = newHTTPServer(handler)
	}
	if listen := strings.TrimSpace(cfg.MetricsListen); listen != "" {
		service.metricsListener, err = net.Listen("tcp", listen)
		if err != nil {
			service.closeListeners()
			return nil, fmt.Errorf("listen metrics %s: %w", listen, err)
		}
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics.Handler())
		metricsMux.HandleFunc("/healthz", healthHandler)
		service.metricsServer = newHTTPServer(metricsMux)
	}
	return service, nil
}

func newHTTPServer(handler http.Handler) *http.Server {
	return &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
}

// Serve recovers stale claims, starts the background loops and blocks
// until shutdown or a listener error occurs.
func (s *Service) Serve(ctx context.Context) error {
	if recovered, err := s.ctrl.RecoverStaleClaims(ctx); err != nil {
		s.logger.Printf("hostlaned: recover stale claims: %v", err)
	} else if recovered > 0 {
		s.logger.Printf("hostlaned: released %d stale claims", recovered)
	}

	loopCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()
	s.reconciler.Start(loopCtx)
	s.sweeper.Start(loopCtx)

	type listener struct {
		name   string
		ln     net.Listener
		server *http.Server
	}
	listeners := []listener{{name: "unix=" + s.cfg.SocketPath, ln: s.unixListener, server: s.unixServer}}
	if s.apiListener != nil {
		listeners = append(listeners, listener{name: "api=" + s.apiListener.Addr().String(), ln: s.apiListener, server: s.apiServer})
	}
	if s.metricsListener != nil {
		listeners = append(listeners, listener{name: "metrics=" + s.metricsListener.Addr().String(), ln: s.metricsListener, server: s.metricsServer})
	}

	errCh := make(chan error, len(listeners))
	for _, l := range listeners {
		s.logger.Printf("hostlaned: listening on %s", l.name)
		go func(l listener) { errCh <- l.server.Serve(l.ln) }(l)
	}

	remaining := len(listeners)
	var serveErr error

	select {
	case <-ctx.Done():
		// graceful shutdown
	case err := <-errCh:
		remaining--
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	}

	stopLoops()
	s.shutdown()
	for i := 0; i < remaining; i++ {
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) && serveErr == nil {
			serveErr = err
		}
	}
	s.closeStore()

	_ = os.Remove(s.cfg.SocketPath)
	return serveErr
}

func (s *Service) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, server := range []*http.Server{s.unixServer, s.apiServer, s.metricsServer} {
		if server != nil {
			_ = server.Shutdown(ctx)
		}
	}
}

// closeStore drains the audit writer before the registry it writes to.
func (s *Service) closeStore() {
	ctx, cancel := context.WithTimeout(context.Background(), auditDrainLimit)
	defer cancel()
	if err := s.audit.Close(ctx); err != nil {
		s.logger.Printf("hostlaned: audit writer did not drain: %v", err)
	}
	if s.store != nil {
		_ = s.store.Close()
	}
}

func (s *Service) closeListeners() {
	for _, ln := range []net.Listener{s.unixListener, s.apiListener, s.metricsListener} {
		if ln != nil {
			_ = ln.Close()
		}
	}
}

func ensureDir(path string, perms os.FileMode) error {
	if path == "" {
		return errors.New("run_dir is required")
	}
	if err := os.MkdirAll(path, perms); err != nil {
		return fmt.Errorf("create dir %s: %w", path, err)
	}
	return nil
}

func listenUnix(socketPath string) (net.Listener, error) {
	if socketPath == "" {
		return nil, errors.New("socket_path is required")
	}
	if err := os.MkdirAll(filepath.Dir(socketPath), runDirPerms); err != nil {
		return nil, fmt.Errorf("create socket dir %s: %w", filepath.Dir(socketPath), err)
	}
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket %s: %w", socketPath, err)
	}
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, socketPerms); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket %s: %w", socketPath, err)
	}
	return listener, nil
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
