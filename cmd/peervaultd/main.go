package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"peervault/cmd/internal/passphrase"
	"peervault/config"
	"peervault/core"
	"peervault/crypto"
	"peervault/observability/logging"
	otelobs "peervault/observability/otel"
	"peervault/rpc"
	"peervault/storage"
)

const keystorePassEnv = "PEERVAULT_KEYSTORE_PASS"

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("PEERVAULT_ENV"))
	logger := logging.Setup("peervaultd", env)

	passSource := passphrase.NewSource(keystorePassEnv)

	cfg, err := config.Load(*configFile, config.WithKeystorePassphrase(passSource.Get))
	if err != nil {
		logger.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	if err := config.ValidateConfig(cfg); err != nil {
		logger.Error("invalid config", slog.Any("error", err))
		os.Exit(1)
	}

	if cfg.Logging.File != "" || cfg.Logging.Environment != "" || cfg.Logging.ServiceSuffix != "" {
		service := "peervaultd"
		if suffix := strings.TrimSpace(cfg.Logging.ServiceSuffix); suffix != "" {
			service = service + "-" + suffix
		}
		logEnv := strings.TrimSpace(cfg.Logging.Environment)
		if logEnv == "" {
			logEnv = env
		}
		logger = logging.SetupWithOptions(logging.Options{
			Service:    service,
			Env:        logEnv,
			File:       cfg.Logging.File,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
		})
	}

	otelShutdown := func(context.Context) error { return nil }
	if cfg.Telemetry.Enabled {
		shutdown, err := otelobs.Init(context.Background(), otelobs.Config{
			ServiceName: "peervaultd",
			Environment: env,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Headers:     otelobs.ParseHeaders(cfg.Telemetry.Headers),
			Metrics:     cfg.Telemetry.Metrics,
			Traces:      cfg.Telemetry.Traces,
		})
		if err != nil {
			logger.Error("failed to initialise telemetry", slog.Any("error", err))
			os.Exit(1)
		}
		otelShutdown = shutdown
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		logger.Error("failed to open database", slog.String("path", cfg.DataDir), slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	pass, err := passSource.Get()
	if err != nil {
		logger.Error("failed to resolve keystore passphrase", slog.Any("error", err))
		os.Exit(1)
	}
	key, err := crypto.LoadFromKeystore(cfg.KeystorePath, pass)
	if err != nil {
		logger.Error("failed to unlock operator keystore",
			slog.String("path", cfg.KeystorePath), slog.Any("error", err))
		os.Exit(1)
	}
	operator := key.PubKey().Address()

	genesis, err := cfg.CoreGenesis()
	if err != nil {
		logger.Error("failed to build genesis from config", slog.Any("error", err))
		os.Exit(1)
	}

	node, err := core.NewNode(db, genesis)
	if err != nil {
		logger.Error("failed to open node", slog.Any("error", err))
		os.Exit(1)
	}
	node.SetLogger(logger)
	defer node.Close()

	var jwtSecret []byte
	if envName := strings.TrimSpace(cfg.RPCJWTSecretEnv); envName != "" {
		secret := os.Getenv(envName)
		if strings.TrimSpace(secret) == "" {
			logger.Warn("JWT secret environment variable is empty, JWT auth disabled",
				slog.String("env", envName))
		} else {
			jwtSecret = []byte(secret)
		}
	}

	server := rpc.NewServer(node, rpc.Config{
		JWTSecret: jwtSecret,
		RateLimit: rate.Limit(cfg.RPCRateLimit),
		RateBurst: cfg.RPCRateBurst,
	})
	server.SetLogger(logger)

	rpcErrCh := make(chan error, 1)
	go func() {
		rpcErrCh <- server.Start(cfg.RPCAddress)
		close(rpcErrCh)
	}()

	if err := waitForRPCStartup(cfg.RPCAddress, rpcErrCh, 5*time.Second); err != nil {
		logger.Error("RPC server failed to start", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("settlement node initialised and running",
		slog.String("network", node.Network()),
		slog.String("operator", operator.String()),
		slog.String("rpc", cfg.RPCAddress))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case err, ok := <-rpcErrCh:
		if ok && err != nil {
			logger.Error("RPC server terminated", slog.Any("error", err))
			exitCode = 1
		}
	case sig := <-sigCh:
		logger.Info("shutting down", slog.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := otelShutdown(shutdownCtx); err != nil {
		logger.Error("telemetry shutdown failed", slog.Any("error", err))
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

// waitForRPCStartup probes the listen address until a TCP dial succeeds or the
// server goroutine reports an error.
func waitForRPCStartup(addr string, errCh <-chan error, timeout time.Duration) error {
	dialAddr := dialAddressFor(addr)
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case err, ok := <-errCh:
			if !ok || err == nil {
				return fmt.Errorf("RPC server exited before startup confirmation")
			}
			return err
		default:
		}

		conn, err := net.DialTimeout("tcp", dialAddr, 200*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}

		select {
		case err, ok := <-errCh:
			if !ok || err == nil {
				return fmt.Errorf("RPC server exited before startup confirmation")
			}
			return err
		case <-ticker.C:
		case <-deadline.C:
			return fmt.Errorf("timed out waiting for RPC server to start on %s", addr)
		}
	}
}

func dialAddressFor(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}
