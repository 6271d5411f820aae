package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ridermw/ClawdBody/internal/auth"
	"github.com/ridermw/ClawdBody/internal/config"
	"github.com/ridermw/ClawdBody/internal/provider"
	"github.com/ridermw/ClawdBody/internal/remote"
	"github.com/ridermw/ClawdBody/internal/secret"
	"github.com/ridermw/ClawdBody/internal/setup"
	"github.com/ridermw/ClawdBody/internal/store"
)

var (
	version = "0.1.0"
)

func main() {
	var (
		configPath string
		listen     string
	)
	flag.StringVar(&configPath, "config", "clawd.yaml", "Path to configuration file")
	flag.StringVar(&listen, "listen", "", "Listen address override")
	flag.Parse()

	log.Printf("Starting Clawd Control Plane v%s", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if listen != "" {
		cfg.Listen = listen
	}

	box, err := buildSecretBox(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize credential sealing: %v", err)
	}
	tokens, err := buildTokenManager(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize token manager: %v", err)
	}

	providers, err := buildProviders(context.Background(), cfg)
	if err != nil {
		log.Fatalf("Failed to initialize providers: %v", err)
	}
	for kind := range providers {
		log.Printf("Provider available: %s", kind)
	}

	st := store.NewMemory()
	orch := setup.New(st, box, driverFactory(cfg, providers, box), log.Default())
	server := NewServer(cfg, providers, orch, st, tokens, box, log.Default())

	reaperCtx, stopReaper := context.WithCancel(context.Background())
	defer stopReaper()
	go server.startSessionReaper(reaperCtx)

	httpServer := &http.Server{
		Addr:    cfg.Listen,
		Handler: server.router,
	}

	go func() {
		log.Printf("HTTP server listening on %s", cfg.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start HTTP server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	stopReaper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
	log.Println("Shutdown complete")
}

func buildSecretBox(cfg *config.Config) (*secret.Box, error) {
	if cfg.SecretKeyHex != "" {
		return secret.NewBoxFromHex(cfg.SecretKeyHex)
	}
	key, err := secret.GenerateKey()
	if err != nil {
		return nil, err
	}
	log.Printf("No secret key configured; sealed credentials will not survive a restart (key %s...)", hex.EncodeToString(key[:4]))
	return secret.NewBox(key)
}

func buildTokenManager(cfg *config.Config) (*auth.TokenManager, error) {
	if cfg.JWTKeyPath != "" {
		pemKey, err := os.ReadFile(cfg.JWTKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read jwt key: %w", err)
		}
		return auth.NewTokenManagerFromKey(pemKey, cfg.Issuer)
	}
	log.Printf("No JWT key configured; issued tokens will not survive a restart")
	return auth.NewTokenManager(cfg.Issuer)
}

// buildProviders constructs every provider the config has credentials
// for. The local provider is always available.
func buildProviders(ctx context.Context, cfg *config.Config) (map[provider.Kind]provider.Provider, error) {
	providers := map[provider.Kind]provider.Provider{
		provider.KindLocal: provider.NewLocal(),
	}

	if cfg.AWS.Region != "" {
		aws, err := provider.NewAWS(ctx, cfg.AWS)
		if err != nil {
			return nil, fmt.Errorf("aws provider: %w", err)
		}
		providers[provider.KindAWS] = aws
	}
	if cfg.Hetzner.Token != "" {
		providers[provider.KindHetzner] = provider.NewHetzner(cfg.Hetzner)
	}
	if cfg.Kube.Kubeconfig != "" {
		kube, err := provider.NewKube(cfg.Kube)
		if err != nil {
			return nil, fmt.Errorf("kube provider: %w", err)
		}
		providers[provider.KindKube] = kube
	}

	if _, ok := providers[cfg.DefaultProvider]; !ok {
		return nil, fmt.Errorf("default provider %s has no credentials configured", cfg.DefaultProvider)
	}
	return providers, nil
}

// driverFactory maps each record's provider onto its pipeline driver.
func driverFactory(cfg *config.Config, providers map[provider.Kind]provider.Provider, box *secret.Box) setup.DriverFactory {
	return func(req setup.Request, rec *store.Record) (setup.Driver, error) {
		prov, ok := providers[rec.Provider]
		if !ok {
			return nil, fmt.Errorf("provider %s has no credentials configured", rec.Provider)
		}
		scripts := setup.DefaultScripts(rec.Provider)

		switch rec.Provider {
		case provider.KindKube, provider.KindFake:
			return setup.NewCommandDriver(prov, scripts), nil

		case provider.KindLocal:
			return setup.NewShellDriver(prov, scripts, func(*store.Record, string) *remote.Channel {
				return remote.NewLocalChannel()
			}), nil

		default:
			return setup.NewShellDriver(prov, scripts, sshChannelFactory(cfg, box)), nil
		}
	}
}

// sshChannelFactory dials instances over SSH, preferring the key sealed
// into the record, then the host key file, then a provider-generated
// root password from the create call.
func sshChannelFactory(cfg *config.Config, box *secret.Box) setup.ChannelFactory {
	return func(rec *store.Record, createSecret string) *remote.Channel {
		opts := remote.SSHOptions{
			Addr: rec.InstanceAddr + ":22",
			User: cfg.SSH.User,
		}
		if rec.SSHUser != "" {
			opts.User = rec.SSHUser
		}

		if len(rec.EncryptedSSHKey) > 0 {
			if key, err := box.Open(rec.EncryptedSSHKey); err == nil {
				opts.PrivateKey = key
			}
		}
		if len(opts.PrivateKey) == 0 && cfg.SSH.KeyPath != "" {
			if key, err := os.ReadFile(cfg.SSH.KeyPath); err == nil {
				opts.PrivateKey = key
			}
		}
		if len(opts.PrivateKey) == 0 {
			opts.Password = createSecret
		}
		return remote.NewSSHChannel(opts)
	}
}
