package cli

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Sdiabate1337/Djula-ai/internal/config"
	"github.com/Sdiabate1337/Djula-ai/internal/credstore"
	"github.com/Sdiabate1337/Djula-ai/internal/debughttp"
	"github.com/Sdiabate1337/Djula-ai/internal/domain"
	ilog "github.com/Sdiabate1337/Djula-ai/internal/log"
	"github.com/Sdiabate1337/Djula-ai/internal/registry"
	"github.com/Sdiabate1337/Djula-ai/internal/store/sqlite"
	"github.com/Sdiabate1337/Djula-ai/internal/supervisor"
	"github.com/Sdiabate1337/Djula-ai/internal/transport"
)

const shutdownTimeout = 10 * time.Second

// runService starts the connection service: it brings every active vendor
// under supervision and runs until the process is signaled.
func runService(ctx context.Context, args []string) int {
	cfg, err := config.ParseFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel)

	key := resolveCredentialKey(cfg.CredentialKey)
	if key == "" {
		fmt.Fprintln(os.Stderr, "config error: missing --credential-key (or DJULA_CREDENTIAL_KEY) and no machine id to derive one from")
		return 2
	}

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	creds, err := credstore.New(cfg.AuthDir, key)
	if err != nil {
		fmt.Fprintln(os.Stderr, "credential store error:", err)
		return 1
	}

	if err := debughttp.Start(ctx, os.Getenv("DJULA_PPROF_ADDR"), logger); err != nil {
		fmt.Fprintln(os.Stderr, "pprof error:", err)
		return 1
	}

	reg := registry.New(store, cfg.AuthDir, logger)
	dialer := &transport.GatewayDialer{
		URL:          cfg.GatewayURL,
		PingInterval: cfg.PingInterval,
		Log:          logger,
	}
	sup := supervisor.New(reg, creds, dialer, logger, supervisor.Options{
		RetryInterval:  cfg.RetryInterval,
		MaxRetries:     cfg.MaxRetries,
		ConnectTimeout: cfg.ConnectTimeout,
	})

	vendors, err := reg.Vendors(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "vendor listing error:", err)
		return 1
	}
	started := 0
	for _, v := range vendors {
		if v.Status != domain.VendorStatusActive {
			continue
		}
		if err := sup.Initialize(ctx, v.ID); err != nil {
			logger.Error("failed to initialize vendor", "vendor_id", v.ID, "err", err)
			continue
		}
		started++
	}
	logger.Info("service started", "gateway", cfg.GatewayURL, "vendors_total", len(vendors), "vendors_started", started)

	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	sup.DisconnectAll(shutdownCtx)
	return 0
}

// resolveCredentialKey prefers the configured secret and falls back to a
// stable key derived from the machine identity, so single-host deployments
// work without explicit key management.
func resolveCredentialKey(configured string) string {
	configured = strings.TrimSpace(configured)
	if configured != "" {
		return configured
	}
	machineID := detectMachineID()
	if machineID == "" {
		return ""
	}
	sum := sha256.Sum256([]byte("djula-key:" + machineID))
	return hex.EncodeToString(sum[:])
}

func detectMachineID() string {
	for _, p := range []string{
		"/etc/machine-id",
		"/var/lib/dbus/machine-id",
	} {
		if b, err := os.ReadFile(p); err == nil {
			if v := strings.TrimSpace(string(b)); v != "" {
				return v
			}
		}
	}
	return ""
}
