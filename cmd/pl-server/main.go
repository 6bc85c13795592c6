package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"peerlab/internal/server"
	"peerlab/internal/shared"
)

func main() {
	configPath := pflag.String("config", "", "path to YAML config file")
	address := pflag.String("address", "", "listen address (e.g. 0.0.0.0:8080)")
	databaseURL := pflag.String("database-url", "", "postgres:// URL or SQLite file path")
	prefixPoolFile := pflag.String("prefix-pool-file", "", "file with one /48 prefix per line")
	asnPoolStart := pflag.Int("asn-pool-start", 0, "ASN pool start (inclusive)")
	asnPoolEnd := pflag.Int("asn-pool-end", 0, "ASN pool end (inclusive)")
	jwksURI := pflag.String("jwks-uri", "", "identity provider JWKS URI")
	issuer := pflag.String("issuer", "", "identity provider token issuer")
	bypassJWT := pflag.Bool("bypass-jwt", false, "skip token verification (development only)")
	agentKey := pflag.String("agent-key", "", "shared key for the service API")
	managementAPI := pflag.String("management-api", "", "identity provider management API URL")
	m2mAppID := pflag.String("m2m-app-id", "", "M2M app id for the management API")
	m2mAppSecret := pflag.String("m2m-app-secret", "", "M2M app secret for the management API")
	cleanupInterval := pflag.String("cleanup-interval", "", "expired-lease sweep interval (e.g. 1h, 0 disables)")
	verbose := pflag.BoolP("verbose", "v", false, "debug logging")
	pflag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	cfg, err := shared.LoadServerConfig(*configPath)
	if err != nil {
		log.Error("config load failed", "path", *configPath, "err", err)
		os.Exit(1)
	}

	// flags override the file
	set := pflag.CommandLine.Changed
	if set("address") {
		cfg.Address = *address
	}
	if set("database-url") {
		cfg.DatabaseURL = *databaseURL
	}
	if set("prefix-pool-file") {
		cfg.PrefixPoolFile = *prefixPoolFile
	}
	if set("asn-pool-start") {
		cfg.AsnPoolStart = *asnPoolStart
	}
	if set("asn-pool-end") {
		cfg.AsnPoolEnd = *asnPoolEnd
	}
	if set("jwks-uri") {
		cfg.JwksURI = *jwksURI
	}
	if set("issuer") {
		cfg.Issuer = *issuer
	}
	if set("bypass-jwt") {
		cfg.BypassJWT = *bypassJWT
	}
	if set("agent-key") {
		cfg.AgentKey = *agentKey
	}
	if set("management-api") {
		cfg.ManagementAPI = *managementAPI
	}
	if set("m2m-app-id") {
		cfg.M2MAppID = *m2mAppID
	}
	if set("m2m-app-secret") {
		cfg.M2MAppSecret = *m2mAppSecret
	}
	if set("cleanup-interval") {
		cfg.CleanupInterval = *cleanupInterval
	}

	if cfg.AsnPoolStart > cfg.AsnPoolEnd {
		log.Error("invalid ASN pool range", "start", cfg.AsnPoolStart, "end", cfg.AsnPoolEnd)
		os.Exit(1)
	}

	asnPool := server.NewAsnPool(cfg.AsnPoolStart, cfg.AsnPoolEnd)
	log.Info("asn pool ready", "start", cfg.AsnPoolStart, "end", cfg.AsnPoolEnd, "size", asnPool.Size())

	prefixPool, err := server.LoadPrefixPool(cfg.PrefixPoolFile, log)
	if err != nil {
		log.Error("prefix pool load failed", "file", cfg.PrefixPoolFile, "err", err)
		os.Exit(1)
	}
	log.Info("prefix pool ready", "file", cfg.PrefixPoolFile, "size", prefixPool.Len())

	// for a SQLite path, make sure the directory exists
	if dir := filepath.Dir(cfg.DatabaseURL); !isPostgres(cfg.DatabaseURL) && dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			log.Error("db dir create failed", "dir", dir, "err", err)
			os.Exit(1)
		}
	}

	db, d, err := server.OpenDB(cfg.DatabaseURL)
	if err != nil {
		log.Error("db open failed", "url", cfg.DatabaseURL, "err", err)
		os.Exit(1)
	}
	defer db.Close()
	store := server.NewStore(db, d)

	if cfg.JwksURI == "" {
		log.Warn("JWKS URI is not set; end-user authentication will fail")
	}
	if cfg.Issuer == "" {
		log.Warn("token issuer is not set; end-user authentication will fail")
	}
	if cfg.BypassJWT {
		log.Warn("JWT validation bypass is enabled! all /api requests run as the development principal")
	}

	var keys *server.KeyCache
	if cfg.JwksURI != "" {
		keys = server.NewKeyCache(cfg.JwksURI)
	}

	var email server.EmailLookup
	if cfg.ManagementAPI != "" && cfg.M2MAppID != "" && cfg.M2MAppSecret != "" {
		email = server.NewLogtoEmailLookup(cfg.ManagementAPI, cfg.M2MAppID, cfg.M2MAppSecret)
		log.Info("email enrichment enabled", "management_api", cfg.ManagementAPI)
	} else {
		log.Warn("management API not fully configured; email enrichment disabled")
	}

	api := &server.API{
		Store:      store,
		AsnPool:    asnPool,
		PrefixPool: prefixPool,
		Users:      &server.TokenAuth{Keys: keys, Issuer: cfg.Issuer, Bypass: cfg.BypassJWT, Log: log},
		Agents:     &server.AgentAuth{Key: cfg.AgentKey},
		Email:      email,
		Log:        log,
	}

	if interval, err := cfg.Cleanup(); err != nil {
		log.Error("bad cleanup interval", "value", cfg.CleanupInterval, "err", err)
		os.Exit(1)
	} else if interval > 0 {
		log.Info("lease cleanup sweep enabled", "interval", interval)
		go func() {
			t := time.NewTicker(interval)
			defer t.Stop()
			for range t.C {
				n, err := store.CleanupExpiredLeases(context.Background())
				if err != nil {
					log.Warn("lease cleanup failed", "err", err)
				} else if n > 0 {
					log.Info("purged expired leases", "count", n)
				}
			}
		}()
	}

	srv := &http.Server{
		Addr:              cfg.Address,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Info("pl-server listening", "addr", cfg.Address)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("listen failed", "err", err)
		os.Exit(1)
	}
}

func isPostgres(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}
