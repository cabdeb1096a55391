package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/deckhand-sh/deckhand/pkg/config"
	"github.com/deckhand-sh/deckhand/pkg/devauth"
	"github.com/deckhand-sh/deckhand/pkg/server"
	"github.com/deckhand-sh/deckhand/pkg/storage"
)

// Version information - set via ldflags during build
var (
	version = "1.0.0-dev"
	commit  = "unknown"
)

func main() {
	var configPath string
	var bindAddr string
	var showVersion bool
	flag.StringVar(&configPath, "config", "", "path to config file")
	flag.StringVar(&bindAddr, "bind", "", "override server bind address")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("deckhand %s (%s)\n", version, commit)
		return
	}

	logger := log.New(os.Stdout, "[deckhand] ", log.LstdFlags)

	if err := run(configPath, bindAddr, logger); err != nil {
		logger.Fatalf("fatal: %v", err)
	}
}

func run(configPath, bindAddr string, logger *log.Logger) error {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFromPath(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if bindAddr != "" {
		cfg.Server.BindAddr = bindAddr
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	store, err := storage.New(cfg.ResolveDBPath())
	if err != nil {
		return fmt.Errorf("opening device store: %w", err)
	}
	defer store.Close()

	secret, err := resolveSigningSecret(cfg)
	if err != nil {
		return err
	}

	coordinator := devauth.NewCoordinator(store, secret,
		devauth.WithCodeTTL(cfg.CodeTTL()),
		devauth.WithTokenTTL(cfg.TokenTTL()),
		devauth.WithVerifyTimeout(cfg.VerifyTimeout()),
		devauth.WithLogger(logger),
	)

	projectRoot, err := os.Getwd()
	if err != nil {
		projectRoot = "."
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg, store, coordinator, projectRoot)
	return srv.Start(ctx)
}

// resolveSigningSecret returns the configured secret, or generates one and
// persists it next to the device database so tokens survive restarts.
func resolveSigningSecret(cfg *config.Config) (string, error) {
	secret, err := cfg.ResolveSecretKey()
	if err != nil {
		return "", err
	}
	if secret != "" {
		return secret, nil
	}

	secretPath := filepath.Join(filepath.Dir(cfg.ResolveDBPath()), "signing.key")
	if data, err := os.ReadFile(secretPath); err == nil && len(data) > 0 {
		return string(data), nil
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating signing secret: %w", err)
	}
	secret = hex.EncodeToString(buf)

	if err := os.MkdirAll(filepath.Dir(secretPath), 0o700); err != nil {
		return "", fmt.Errorf("creating data directory: %w", err)
	}
	if err := os.WriteFile(secretPath, []byte(secret), 0o600); err != nil {
		return "", fmt.Errorf("persisting signing secret: %w", err)
	}
	return secret, nil
}
