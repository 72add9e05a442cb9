package main

import (
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"

	"github.com/agentworkforce/sourcinghub/internal/config"
	"github.com/agentworkforce/sourcinghub/internal/httpapi"
	"github.com/agentworkforce/sourcinghub/internal/sourcinghub"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	logger := buildLogger(cfg)
	slog.SetDefault(logger)

	stateBackend, err := sourcinghub.BuildStateBackendFromDSN(cfg.StateBackendDSN())
	if err != nil {
		log.Fatalf("failed to initialize state backend: %v", err)
	}
	deliveryQueue, err := sourcinghub.BuildDeliveryQueueFromDSN(cfg.DeliveryQueueDSN(), cfg.Delivery.QueueSize)
	if err != nil {
		log.Fatalf("failed to initialize delivery queue: %v", err)
	}
	routes, err := buildRoutes(cfg)
	if err != nil {
		log.Fatalf("failed to initialize delivery routes: %v", err)
	}

	store := sourcinghub.NewStoreWithOptions(sourcinghub.StoreOptions{
		StateBackend:        stateBackend,
		Remote:              buildRemoteSource(cfg, logger),
		Routes:              routes,
		SubmissionDir:       cfg.SubmissionDir(),
		PageSize:            cfg.Sync.PageSize,
		MaxPages:            cfg.Sync.MaxPages,
		MaxRecords:          cfg.Sync.MaxRecords,
		MaxDeliveryAttempts: cfg.Delivery.MaxAttempts,
		DeliveryRetryDelay:  cfg.Delivery.RetryDelay,
		DeliveryQueueSize:   cfg.Delivery.QueueSize,
		DeliveryQueue:       deliveryQueue,
		DeliveryWorkers:     cfg.Delivery.Workers,
		MaxAttachments:      cfg.Delivery.MaxAttachments,
		BackendProfile:      cfg.Storage.Profile,
		Logger:              logger,
	})
	server := httpapi.NewServerWithConfig(store, httpapi.ServerConfig{
		JWTSecret:          cfg.Server.JWTSecret,
		InternalHMACSecret: cfg.Server.InternalHMACSecret,
		RateLimitMax:       cfg.Server.RateLimitMax,
		RateLimitWindow:    cfg.Server.RateLimitWindow,
		MaxBodyBytes:       cfg.Server.MaxBodyBytes,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	logger.Info("sourcinghub listening",
		"addr", addr,
		"profile", cfg.Storage.Profile,
		"environment", cfg.Environment,
	)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func buildLogger(cfg config.Config) *slog.Logger {
	if cfg.IsLocalDevelopment() {
		return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

// buildRemoteSource returns nil when no Dataverse credentials are configured.
// The store then serves the submission pipeline and reports the missing
// remote on poll attempts instead of refusing to start.
func buildRemoteSource(cfg config.Config, logger *slog.Logger) sourcinghub.RemoteSource {
	if !cfg.DataverseConfigured() {
		logger.Warn("dataverse credentials are not configured, polling is disabled")
		return nil
	}
	source := &sourcinghub.StaticCredentialSource{
		ByTenant: map[string]sourcinghub.TenantCredentials{},
	}
	if cfg.Dataverse.Directory != "" && cfg.Dataverse.ClientID != "" && cfg.Dataverse.ClientSecret != "" && cfg.Dataverse.OrgURL != "" {
		source.Default = &sourcinghub.TenantCredentials{
			DirectoryTenant: cfg.Dataverse.Directory,
			ClientID:        cfg.Dataverse.ClientID,
			ClientSecret:    cfg.Dataverse.ClientSecret,
			OrgURL:          cfg.Dataverse.OrgURL,
		}
	}
	for tenantID, creds := range cfg.Dataverse.Tenants {
		source.ByTenant[tenantID] = sourcinghub.TenantCredentials{
			TenantID:        tenantID,
			DirectoryTenant: firstNonEmpty(creds.Directory, cfg.Dataverse.Directory),
			ClientID:        firstNonEmpty(creds.ClientID, cfg.Dataverse.ClientID),
			ClientSecret:    firstNonEmpty(creds.ClientSecret, cfg.Dataverse.ClientSecret),
			OrgURL:          firstNonEmpty(creds.OrgURL, cfg.Dataverse.OrgURL),
		}
	}
	return sourcinghub.NewDataverseClient(sourcinghub.DataverseClientOptions{
		Credentials:  source,
		LoginBaseURL: cfg.Dataverse.LoginBase,
		Timeout:      cfg.Dataverse.Timeout,
		MaxRetries:   cfg.Dataverse.MaxRetries,
		PageSize:     cfg.Dataverse.PageSize,
		Logger:       logger,
	})
}

// buildRoutes assembles the optional delivery routes. The local filesystem
// route is always present; the store seeds it from SubmissionDir.
func buildRoutes(cfg config.Config) ([]sourcinghub.RouteBackend, error) {
	var routes []sourcinghub.RouteBackend
	if cfg.EmailRouteConfigured() {
		routes = append(routes, sourcinghub.NewEmailRoute(sourcinghub.EmailRouteOptions{
			Host:     cfg.Email.Host,
			Port:     cfg.Email.Port,
			Username: cfg.Email.Username,
			Password: cfg.Email.Password,
			From:     cfg.Email.From,
			To:       cfg.Email.To,
		}))
	}
	if cfg.SFTPRouteConfigured() {
		var key []byte
		if cfg.SFTP.KeyFile != "" {
			data, err := os.ReadFile(cfg.SFTP.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("read sftp key file: %w", err)
			}
			key = data
		}
		routes = append(routes, sourcinghub.NewSFTPRoute(sourcinghub.SFTPRouteOptions{
			Host:       cfg.SFTP.Host,
			Port:       cfg.SFTP.Port,
			Username:   cfg.SFTP.Username,
			Password:   cfg.SFTP.Password,
			PrivateKey: key,
			BaseDir:    cfg.SFTP.BaseDir,
		}))
	}
	return routes, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
