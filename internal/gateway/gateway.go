// ABOUTME: Gateway orchestrator that wires the coordinator to its HTTP and gRPC surfaces
// ABOUTME: Manages store, monitor, listeners and graceful shutdown lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-coordinator/internal/agent"
	"github.com/2389/coven-coordinator/internal/auth"
	"github.com/2389/coven-coordinator/internal/config"
	"github.com/2389/coven-coordinator/internal/coordinator"
	"github.com/2389/coven-coordinator/internal/discovery"
	"github.com/2389/coven-coordinator/internal/events"
	"github.com/2389/coven-coordinator/internal/metrics"
	"github.com/2389/coven-coordinator/internal/monitor"
	"github.com/2389/coven-coordinator/internal/store"
)

// Gateway orchestrates the coven-coordinator server components.
// It serves the coordination API over HTTP and the gRPC health service.
type Gateway struct {
	config       *config.Config
	coord        *coordinator.Coordinator
	store        store.Store
	broadcaster  *events.Broadcaster
	metrics      *metrics.Metrics
	registry     *prometheus.Registry
	monitor      *monitor.Monitor
	grpcServer   *grpc.Server
	healthServer *health.Server
	httpServer   *http.Server
	tsnetServer  *tsnet.Server
	logger       *slog.Logger

	// cancelBackground stops the monitor and health sync goroutines
	cancelBackground context.CancelFunc
	backgroundDone   chan struct{}
}

// initStore opens the configured persistence backend.
func initStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendMemory:
		return store.NewMemoryStore(), nil
	case config.BackendSQLite:
		if dir := filepath.Dir(cfg.Store.Path); dir != "" && cfg.Store.Path != ":memory:" {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("creating store directory: %w", err)
			}
		}
		return store.NewSQLiteStore(cfg.Store.Path)
	default:
		return store.NewFileStore(cfg.Store.Dir)
	}
}

// routingWeights overlays configured weights on the defaults.
func routingWeights(configured map[string]int) agent.Weights {
	w := agent.DefaultWeights()
	for category, weight := range configured {
		w[category] = weight
	}
	return w
}

// initAuth builds the token and SSH verifiers. Either may be nil when the
// corresponding setting is empty.
func initAuth(cfg *config.Config) (auth.TokenVerifier, *auth.SSHVerifier, error) {
	var tokens auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		tokens = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	}
	var sshVerifier *auth.SSHVerifier
	if cfg.Auth.AuthorizedKeys != "" {
		keys, err := auth.LoadAuthorizedKeys(cfg.Auth.AuthorizedKeys)
		if err != nil {
			return nil, nil, fmt.Errorf("loading authorized keys: %w", err)
		}
		sshVerifier = auth.NewSSHVerifier(keys)
	}
	return tokens, sshVerifier, nil
}

// initMonitor builds the health monitor with its process supervisor and
// optional discovery scanner.
func initMonitor(cfg *config.Config, coord *coordinator.Coordinator, m *metrics.Metrics, logger *slog.Logger) *monitor.Monitor {
	commands := make(map[string]monitor.Command, len(cfg.Agents.Launch))
	for name, lc := range cfg.Agents.Launch {
		commands[name] = monitor.Command{
			Path: lc.Command,
			Args: lc.Args,
			Dir:  lc.Dir,
			Env:  lc.Env,
		}
	}
	supervisor := monitor.NewExecSupervisor(commands, logger)

	var discoverer monitor.Discoverer
	discoveryInterval := time.Duration(0)
	if cfg.Discovery.Enabled {
		discoverer = discovery.New(discovery.Options{
			Roots:           cfg.Discovery.Roots,
			MarkdownFiles:   cfg.Discovery.MarkdownFiles,
			Markers:         cfg.Discovery.Markers,
			Extensions:      cfg.Discovery.Extensions,
			ExcludeDirs:     cfg.Discovery.ExcludeDirs,
			DefaultCategory: cfg.Discovery.DefaultCategory,
			Project:         cfg.Discovery.Project,
			MaxPerScan:      cfg.Discovery.MaxPerScan,
			DedupeTTL:       cfg.Discovery.DedupeTTL,
			Logger:          logger,
		})
		discoveryInterval = cfg.Monitor.DiscoveryInterval
	}

	return monitor.New(coord, supervisor, discoverer, m, monitor.Config{
		SweepInterval:     cfg.Monitor.SweepInterval,
		StaleAfter:        cfg.Monitor.StaleAfter,
		DiscoveryInterval: discoveryInterval,
		Essential:         cfg.Monitor.Essential,
	}, logger)
}

// createGRPCServer creates the gRPC server carrying the standard health service.
func createGRPCServer() (*grpc.Server, *health.Server) {
	srv := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	hs := health.NewServer()
	registerHealthService(srv, hs)
	return srv, hs
}

// New creates a new Gateway instance with the given configuration.
// State is restored from the configured store before New returns.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	tokens, sshVerifier, err := initAuth(cfg)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	m := metrics.MustNew(reg)
	broadcaster := events.NewBroadcaster(logger)

	coord, err := coordinator.New(context.Background(), coordinator.Options{
		Store:        s,
		Weights:      routingWeights(cfg.Agents.Weights),
		Notifier:     broadcaster,
		Observer:     m,
		Logger:       logger,
		HistoryLimit: cfg.Monitor.HistoryLimit,
	})
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("creating coordinator: %w", err)
	}
	reg.MustRegister(metrics.NewStateCollector(coord))

	gw := &Gateway{
		config:      cfg,
		coord:       coord,
		store:       s,
		broadcaster: broadcaster,
		metrics:     m,
		registry:    reg,
		logger:      logger,
	}
	gw.monitor = initMonitor(cfg, coord, m, logger)

	if cfg.Server.GRPCAddr != "" || cfg.Tailscale.Enabled {
		gw.grpcServer, gw.healthServer = createGRPCServer()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", gw.handleHealth)
	mux.HandleFunc("GET /health/ready", gw.handleReady)
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	}

	api := http.NewServeMux()
	gw.registerAPIRoutes(api)
	mux.Handle("/api/", gw.instrument(auth.Middleware(tokens, sshVerifier, logger)(api)))

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Coordinator returns the coordination core served by this gateway.
func (g *Gateway) Coordinator() *coordinator.Coordinator {
	return g.coord
}

// Handler returns the root HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// setupTCPListeners creates standard TCP listeners for HTTP and, when
// configured, gRPC.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting coordinator",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	if g.grpcServer != nil {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		if grpcLn != nil {
			_ = grpcLn.Close()
		}
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
			"grpc_addr", g.config.Server.GRPCAddr,
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts the servers in goroutines, returning the error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// startBackground runs the health monitor and the gRPC health sync until
// Shutdown cancels them.
func (g *Gateway) startBackground() {
	ctx, cancel := context.WithCancel(context.Background())
	g.cancelBackground = cancel
	g.backgroundDone = make(chan struct{})

	go func() {
		defer close(g.backgroundDone)
		if g.healthServer != nil {
			go g.syncHealth(ctx)
		}
		if err := g.monitor.Run(ctx); err != nil {
			g.logger.Error("health monitor failed", "error", err)
		}
	}()
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the servers and the health monitor and blocks until the
// context is canceled. Returns nil on graceful shutdown, or an error if a
// server fails.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	g.startBackground()
	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout,
// since the run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) string {
	if configured != "" {
		return configured
	}
	return filepath.Join(config.DataDir(), "tailscale")
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners creates a tsnet server and returns listeners for gRPC and HTTP.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir := resolveTailscaleStateDir(tsCfg.StateDir)
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	httpLn, err = g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	if g.grpcServer == nil {
		return
	}
	g.healthServer.Shutdown()

	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// stopBackground cancels the monitor and waits for it to exit.
func (g *Gateway) stopBackground(ctx context.Context) {
	if g.cancelBackground == nil {
		return
	}
	g.cancelBackground()
	select {
	case <-g.backgroundDone:
	case <-ctx.Done():
		g.logger.Warn("health monitor did not stop before shutdown deadline")
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the servers and the monitor, flushes coordinator state,
// and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down coordinator")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.shutdownGRPCServer(ctx)
	g.stopBackground(ctx)
	g.broadcaster.Close()

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "state flush", g.coord.Flush(ctx))
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if at least one agent is registered.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	agents := g.coord.Agents()
	if len(agents) == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents registered"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", len(agents))
}
