package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/teamsphere/internal/activity"
	"github.com/btouchard/teamsphere/internal/api"
	"github.com/btouchard/teamsphere/internal/auth"
	"github.com/btouchard/teamsphere/internal/cluster"
	"github.com/btouchard/teamsphere/internal/config"
	"github.com/btouchard/teamsphere/internal/dispatch"
	tsmcp "github.com/btouchard/teamsphere/internal/mcp"
	"github.com/btouchard/teamsphere/internal/notification"
	"github.com/btouchard/teamsphere/internal/notify"
	"github.com/btouchard/teamsphere/internal/presence"
	"github.com/btouchard/teamsphere/internal/relay"
	"github.com/btouchard/teamsphere/internal/store"
	"github.com/btouchard/teamsphere/internal/telemetry"
	"github.com/btouchard/teamsphere/internal/tunnel"
	"github.com/btouchard/teamsphere/internal/ws"
)

var version = "dev"

const mcpDebounce = 3 * time.Second

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "check":
		cmdCheck(os.Args[2:])
	case "token":
		cmdToken(os.Args[2:])
	case "rotate-secret":
		cmdRotateSecret(os.Args[2:])
	case "version":
		fmt.Printf("teamsphere %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: teamsphere <command> [flags]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  serve          Start the TeamSphere server\n")
	fmt.Fprintf(os.Stderr, "  check          Validate configuration\n")
	fmt.Fprintf(os.Stderr, "  token          Issue an access token\n")
	fmt.Fprintf(os.Stderr, "  rotate-secret  Replace the token signing key\n")
	fmt.Fprintf(os.Stderr, "  version        Print version\n")
}

func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	_ = fs.Parse(args) // ExitOnError handles errors

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	setupLogging(cfg)

	slog.Info("starting teamsphere",
		"version", version,
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"driver", cfg.Database.Driver)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func cmdCheck(args []string) {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	_ = fs.Parse(args) // ExitOnError handles errors

	_, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("configuration is valid")
}

func cmdToken(args []string) {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	email := fs.String("email", "", "identity the token is issued to")
	role := fs.String("role", auth.RoleEmployee, "role: admin, manager, employee or hr")
	ttl := fs.Duration("ttl", 0, "token lifetime (defaults to auth.access_token_ttl)")
	_ = fs.Parse(args) // ExitOnError handles errors

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	token, err := issueToken(cfg, auth.Identity{Email: presence.NormalizeIdentity(*email), Role: *role}, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}

func cmdRotateSecret(args []string) {
	fs := flag.NewFlagSet("rotate-secret", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	_ = fs.Parse(args) // ExitOnError handles errors

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.JWTSecret != "" {
		fmt.Fprintln(os.Stderr, "auth.jwt_secret is set in configuration; rotate it there")
		os.Exit(1)
	}

	if _, err := auth.RotateSecret(config.ExpandHome(cfg.Auth.SecretDir)); err != nil {
		fmt.Fprintf(os.Stderr, "rotate-secret: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("signing key rotated; previously issued tokens are no longer valid")
}

// issueToken signs a token for id with the configured key.
func issueToken(cfg *config.Config, id auth.Identity, ttl time.Duration) (string, error) {
	if id.Email == "" {
		return "", errors.New("email is required")
	}
	if !auth.ValidRole(id.Role) {
		return "", fmt.Errorf("unknown role %q", id.Role)
	}
	if ttl <= 0 {
		ttl = cfg.Auth.AccessTokenTTL
	}

	secret, err := auth.ResolveSecret(cfg.Auth.JWTSecret, config.ExpandHome(cfg.Auth.SecretDir))
	if err != nil {
		return "", fmt.Errorf("resolving signing key: %w", err)
	}
	return auth.NewIssuer(secret, cfg.Auth.Issuer, ttl).Issue(id)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch cfg.Server.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handlers := []slog.Handler{
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}),
	}

	if cfg.Server.LogFile != "" {
		f, err := os.OpenFile(config.ExpandHome(cfg.Server.LogFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			slog.Warn("failed to open log file, using stdout only", "path", cfg.Server.LogFile, "error", err)
		} else {
			handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level}))
		}
	}

	logger := slog.New(slog.NewMultiHandler(handlers...))
	slog.SetDefault(logger)
}

func run(ctx context.Context, cfg *config.Config) error {
	// --- Telemetry ---
	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry, version)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	// --- Store ---
	dbCfg := cfg.Database
	dbCfg.Path = config.ExpandHome(dbCfg.Path)
	db, err := store.Open(ctx, dbCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() { _ = db.Close() }()

	slog.Info("database opened", "driver", dbCfg.Driver)

	policy, err := notification.ParsePolicy(cfg.Notifications.StatusPolicy)
	if err != nil {
		return err
	}
	notes := notification.NewService(db, policy)
	slog.Info("notification service ready", "status_policy", notes.Policy())

	// --- Auth ---
	secret, err := auth.ResolveSecret(cfg.Auth.JWTSecret, config.ExpandHome(cfg.Auth.SecretDir))
	if err != nil {
		return fmt.Errorf("resolving signing key: %w", err)
	}
	verifier := auth.NewVerifier(secret, cfg.Auth.Issuer)

	// --- Presence, fan-out and edit relay ---
	reg := presence.NewRegistry()
	pm := presence.NewManager(reg)
	hub := ws.NewHub(cfg.Realtime, pm, verifier)
	dispatcher := dispatch.New(reg, hub)
	pm.SetBroadcaster(dispatcher)
	hub.SetRelay(relay.New(relay.NewRooms(), db, hub))

	// --- Cluster bridge ---
	if cfg.Cluster.Enabled {
		bridge, err := cluster.Connect(cfg.Cluster, dispatcher)
		if err != nil {
			return fmt.Errorf("cluster: %w", err)
		}
		defer func() { _ = bridge.Close() }()
		dispatcher.SetForwarder(bridge)
		slog.Info("cluster bridge joined", "instance", bridge.Instance(), "prefix", cfg.Cluster.SubjectPrefix)
	}

	// --- External notifiers ---
	mcpNotifier := notify.NewMCPNotifier(mcpDebounce)
	notifiers := []notify.Notifier{mcpNotifier}
	if cfg.Notifications.Email.Enabled {
		notifiers = append(notifiers, notify.NewEmailNotifier(cfg.Notifications.Email))
	}
	notifyHub := notify.NewHub(notifiers...)
	defer notifyHub.Wait()

	act := activity.New(db, notes, dispatcher, notifyHub)

	// --- MCP Server ---
	mcpServer := tsmcp.NewServer(&tsmcp.Deps{
		Notifications: notes,
		Sender:        act,
		Online:        reg,
		Sessions:      mcpNotifier,
		Version:       version,
	})
	mcpNotifier.SetSender(mcpServer)

	mcpHTTP := server.NewStreamableHTTPServer(mcpServer,
		server.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if id, ok := auth.IdentityFrom(r.Context()); ok {
				return auth.WithIdentity(ctx, id)
			}
			return ctx
		}),
	)

	// --- HTTP Router ---
	routes := (&api.Server{
		Verifier:      verifier,
		Notifications: notes,
		Activity:      act,
		Presence:      pm,
		Users:         db,
		Realtime:      hub,
		RealtimePath:  cfg.Realtime.Path,
		MCP:           mcpHTTP,
		CORS:          cfg.CORS,
	}).Routes()

	// --- HTTP Server ---
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      routes,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  2 * time.Minute,
	}

	// --- Public tunnel ---
	var tunnelLn net.Listener
	if cfg.Tunnel.Enabled {
		tun := tunnel.New(cfg.Tunnel)
		ln, err := tun.Open(ctx)
		if err != nil {
			return fmt.Errorf("tunnel: %w", err)
		}
		defer func() { _ = tun.Close() }()
		tunnelLn = ln
	}

	errCh := make(chan error, 2)
	go func() {
		slog.Info("teamsphere is ready", "addr", addr, "realtime", cfg.Realtime.Path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	if tunnelLn != nil {
		go func() {
			if err := srv.Serve(tunnelLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("tunnel: %w", err)
			}
		}()
	}

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down", "open_connections", pm.Tracked())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Hijacked websocket connections are not tracked by Shutdown.
	hub.Close(5 * time.Second)
	if n := pm.Tracked(); n > 0 {
		slog.Warn("connections still tracked after hub close", "count", n)
	}
	return srv.Shutdown(shutdownCtx)
}
