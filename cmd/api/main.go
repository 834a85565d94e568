package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"google.golang.org/grpc"

	"lostfound.org/authcore/internal/auth"
	"lostfound.org/authcore/internal/config"
	"lostfound.org/authcore/internal/directory"
	"lostfound.org/authcore/internal/httpapi"
	"lostfound.org/authcore/internal/obs"
	"lostfound.org/authcore/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := obs.NewLogger(cfg.Logging, version)
	obs.SetLogger(logger)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	store, err := pg.Open(cfg.Database)
	if err != nil {
		fatal(logger, "open store", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	if err := applyPersistedSettings(ctx, store, cfg); err != nil {
		cancel()
		fatal(logger, "apply persisted security settings", err)
	}
	cancel()

	svc, err := buildService(cfg, store, logger)
	if err != nil {
		fatal(logger, "build auth service", err)
	}

	ctx, cancel = context.WithTimeout(context.Background(), 15*time.Second)
	if err := svc.EnsureBuiltins(ctx); err != nil {
		cancel()
		fatal(logger, "ensure builtin permissions", err)
	}
	cancel()

	scheduler, err := scheduleDirectorySync(cfg.Directory, svc, logger)
	if err != nil {
		fatal(logger, "schedule directory sync", err)
	}
	if scheduler != nil {
		scheduler.Start()
	}

	probe := httpapi.ReadyProbe{Store: store}
	proxies, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		fatal(logger, "parse trusted proxies", err)
	}
	api := httpapi.New(svc, probe,
		httpapi.WithVersion(version),
		httpapi.WithLogger(logger),
		httpapi.WithTrustedProxies(proxies...),
	)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcServer := grpc.NewServer()
	httpapi.NewHealthServer(probe, svc).Register(grpcServer)
	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		fatal(logger, "listen grpc", err)
	}

	go func() {
		logger.Info("grpc health listening", "addr", cfg.GRPCAddr)
		if err := grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			fatal(logger, "serve grpc", err)
		}
	}()
	go func() {
		logger.Info("http listening", "addr", srv.Addr, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal(logger, "serve http", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logger.Info("shutting down")

	if scheduler != nil {
		<-scheduler.Stop().Done()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	grpcServer.GracefulStop()
	logger.Info("stopped")
}

// applyPersistedSettings merges the security_settings overrides into cfg.
// They are read once here and never per request.
func applyPersistedSettings(ctx context.Context, store *pg.Store, cfg *config.Config) error {
	overrides, err := store.LoadSecuritySettings(ctx)
	if err != nil {
		return err
	}
	if len(overrides) == 0 {
		return nil
	}
	if err := cfg.Security.ApplyOverrides(overrides); err != nil {
		return err
	}
	return cfg.Security.Validate()
}

func buildService(cfg *config.Config, store *pg.Store, logger *slog.Logger) (*auth.Service, error) {
	tokenOpts := []auth.TokenOption{
		auth.WithTokenIssuer(cfg.Tokens.Issuer),
		auth.WithAccessTTL(cfg.Tokens.AccessTTL),
	}
	if strings.EqualFold(cfg.Tokens.Algorithm, "RS256") {
		tokenOpts = append(tokenOpts, auth.WithRSAKeys(cfg.Tokens.PrivateKeyPEM, cfg.Tokens.PublicKeyPEM))
	} else {
		tokenOpts = append(tokenOpts, auth.WithHMACSecret(cfg.Tokens.Secret))
	}
	tokens, err := auth.NewTokenManager(tokenOpts...)
	if err != nil {
		return nil, err
	}

	opts := auth.SecurityOptions(cfg.Security, cfg.Tokens)
	opts = append(opts,
		auth.WithLogger(logger),
		auth.WithResetNotifier(auth.LogNotifier{Logger: logger.With("component", "reset")}),
	)
	if cfg.Directory.Enabled() {
		dir, err := directory.New(cfg.Directory, directory.WithLogger(logger.With("component", "directory")))
		if err != nil {
			return nil, err
		}
		opts = append(opts, auth.WithDirectory(dir))
	}
	return auth.NewService(store, tokens, opts...)
}

// scheduleDirectorySync registers the bulk sync job. It returns nil when the
// directory or the schedule is not configured.
func scheduleDirectorySync(cfg config.DirectoryConfig, svc *auth.Service, logger *slog.Logger) (*cron.Cron, error) {
	if !cfg.Enabled() || strings.TrimSpace(cfg.SyncSchedule) == "" {
		return nil, nil
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(cfg.SyncSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		if _, err := svc.SyncDirectory(ctx); err != nil {
			logger.Error("scheduled directory sync", "error", err)
		}
	})
	if err != nil {
		return nil, err
	}
	logger.Info("directory sync scheduled", "schedule", cfg.SyncSchedule)
	return c, nil
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}
