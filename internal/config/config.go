package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Environment string
	Server      ServerConfig
	Storage     StorageConfig
	Dataverse   DataverseConfig
	Sync        SyncConfig
	Delivery    DeliveryConfig
	Email       EmailRouteConfig
	SFTP        SFTPRouteConfig
}

type ServerConfig struct {
	Port               int
	JWTSecret          string
	InternalHMACSecret string
	RateLimitMax       int
	RateLimitWindow    time.Duration
	MaxBodyBytes       int64
}

// StorageConfig selects where hub state and the delivery queue live. The
// profile fans out to DSNs; custom profiles supply DSNs directly.
type StorageConfig struct {
	Profile     string
	DataDir     string
	StateDSN    string
	QueueDSN    string
	PostgresDSN string
}

type DataverseConfig struct {
	LoginBase    string
	Directory    string
	ClientID     string
	ClientSecret string
	OrgURL       string
	Tenants      map[string]TenantCredentialConfig
	Timeout      time.Duration
	MaxRetries   int
	PageSize     int
}

// TenantCredentialConfig overrides the default Dataverse app registration for
// a single hub tenant.
type TenantCredentialConfig struct {
	Directory    string `json:"directory"`
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	OrgURL       string `json:"orgUrl"`
}

type SyncConfig struct {
	PageSize   int
	MaxPages   int
	MaxRecords int
}

type DeliveryConfig struct {
	MaxAttempts    int
	RetryDelay     time.Duration
	QueueSize      int
	Workers        int
	MaxAttachments int
}

type EmailRouteConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

type SFTPRouteConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	KeyFile  string
	BaseDir  string
}

const (
	ProfileMemory       = "memory"
	ProfileDurableLocal = "durable-local"
	ProfileProduction   = "production"
	ProfileCustom       = "custom"
)

func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("sourcinghub_env", "")
	v.SetDefault("app_env", "")
	v.SetDefault("go_env", "")
	v.SetDefault("sourcinghub_port", 8080)
	v.SetDefault("sourcinghub_jwt_secret", "")
	v.SetDefault("sourcinghub_internal_secret", "")
	v.SetDefault("sourcinghub_rate_limit_max", 0)
	v.SetDefault("sourcinghub_rate_limit_window", "1m")
	v.SetDefault("sourcinghub_max_body_bytes", 8<<20)

	v.SetDefault("sourcinghub_storage_profile", ProfileMemory)
	v.SetDefault("sourcinghub_data_dir", ".sourcinghub")
	v.SetDefault("sourcinghub_state_dsn", "")
	v.SetDefault("sourcinghub_queue_dsn", "")
	v.SetDefault("sourcinghub_postgres_dsn", "")

	v.SetDefault("sourcinghub_dv_login_base", "https://login.microsoftonline.com")
	v.SetDefault("sourcinghub_dv_directory", "")
	v.SetDefault("sourcinghub_dv_client_id", "")
	v.SetDefault("sourcinghub_dv_client_secret", "")
	v.SetDefault("sourcinghub_dv_org_url", "")
	v.SetDefault("sourcinghub_dv_tenants", "")
	v.SetDefault("sourcinghub_dv_timeout", "30s")
	v.SetDefault("sourcinghub_dv_max_retries", 3)
	v.SetDefault("sourcinghub_dv_page_size", 200)

	v.SetDefault("sourcinghub_sync_page_size", 200)
	v.SetDefault("sourcinghub_sync_max_pages", 0)
	v.SetDefault("sourcinghub_sync_max_records", 0)

	v.SetDefault("sourcinghub_delivery_max_attempts", 3)
	v.SetDefault("sourcinghub_delivery_retry_delay", "30s")
	v.SetDefault("sourcinghub_delivery_queue_size", 256)
	v.SetDefault("sourcinghub_delivery_workers", 1)
	v.SetDefault("sourcinghub_max_attachments", 20)

	v.SetDefault("sourcinghub_email_host", "")
	v.SetDefault("sourcinghub_email_port", 587)
	v.SetDefault("sourcinghub_email_username", "")
	v.SetDefault("sourcinghub_email_password", "")
	v.SetDefault("sourcinghub_email_from", "")
	v.SetDefault("sourcinghub_email_to", "")

	v.SetDefault("sourcinghub_sftp_host", "")
	v.SetDefault("sourcinghub_sftp_port", 22)
	v.SetDefault("sourcinghub_sftp_username", "")
	v.SetDefault("sourcinghub_sftp_password", "")
	v.SetDefault("sourcinghub_sftp_key_file", "")
	v.SetDefault("sourcinghub_sftp_base_dir", "/inbound")

	env := resolveEnvironment(v)

	port := v.GetInt("sourcinghub_port")
	if port <= 0 || port > 65535 {
		return Config{}, fmt.Errorf("invalid SOURCINGHUB_PORT: %d", port)
	}

	maxBodyBytes := v.GetInt64("sourcinghub_max_body_bytes")
	if maxBodyBytes <= 0 {
		maxBodyBytes = 8 << 20
	}

	rateWindow := v.GetDuration("sourcinghub_rate_limit_window")
	if rateWindow <= 0 {
		rateWindow = time.Minute
	}

	profile := strings.ToLower(strings.TrimSpace(v.GetString("sourcinghub_storage_profile")))
	switch profile {
	case "", ProfileMemory:
		profile = ProfileMemory
	case ProfileDurableLocal, ProfileProduction, ProfileCustom:
	default:
		return Config{}, fmt.Errorf("unknown SOURCINGHUB_STORAGE_PROFILE: %q", profile)
	}

	dataDir := strings.TrimSpace(v.GetString("sourcinghub_data_dir"))
	if dataDir == "" {
		dataDir = ".sourcinghub"
	}

	postgresDSN := strings.TrimSpace(v.GetString("sourcinghub_postgres_dsn"))
	if profile == ProfileProduction && postgresDSN == "" {
		return Config{}, fmt.Errorf("SOURCINGHUB_POSTGRES_DSN is required for the production storage profile")
	}

	tenants, err := parseTenantCredentials(v.GetString("sourcinghub_dv_tenants"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid SOURCINGHUB_DV_TENANTS: %w", err)
	}

	dvTimeout := v.GetDuration("sourcinghub_dv_timeout")
	if dvTimeout <= 0 {
		dvTimeout = 30 * time.Second
	}
	dvRetries := v.GetInt("sourcinghub_dv_max_retries")
	if dvRetries < 0 {
		dvRetries = 0
	}
	if dvRetries > 10 {
		dvRetries = 10
	}
	dvPageSize := clampInt(v.GetInt("sourcinghub_dv_page_size"), 200, 1, 5000)

	syncPageSize := clampInt(v.GetInt("sourcinghub_sync_page_size"), 200, 1, 5000)
	syncMaxPages := v.GetInt("sourcinghub_sync_max_pages")
	if syncMaxPages < 0 {
		syncMaxPages = 0
	}
	syncMaxRecords := v.GetInt("sourcinghub_sync_max_records")
	if syncMaxRecords < 0 {
		syncMaxRecords = 0
	}

	maxAttempts := clampInt(v.GetInt("sourcinghub_delivery_max_attempts"), 3, 1, 10)
	retryDelay := v.GetDuration("sourcinghub_delivery_retry_delay")
	if retryDelay <= 0 {
		retryDelay = 30 * time.Second
	}
	queueSize := clampInt(v.GetInt("sourcinghub_delivery_queue_size"), 256, 1, 65536)
	workers := clampInt(v.GetInt("sourcinghub_delivery_workers"), 1, 1, 32)
	maxAttachments := clampInt(v.GetInt("sourcinghub_max_attachments"), 20, 1, 200)

	cfg := Config{
		Environment: env,
		Server: ServerConfig{
			Port:               port,
			JWTSecret:          strings.TrimSpace(v.GetString("sourcinghub_jwt_secret")),
			InternalHMACSecret: strings.TrimSpace(v.GetString("sourcinghub_internal_secret")),
			RateLimitMax:       v.GetInt("sourcinghub_rate_limit_max"),
			RateLimitWindow:    rateWindow,
			MaxBodyBytes:       maxBodyBytes,
		},
		Storage: StorageConfig{
			Profile:     profile,
			DataDir:     dataDir,
			StateDSN:    strings.TrimSpace(v.GetString("sourcinghub_state_dsn")),
			QueueDSN:    strings.TrimSpace(v.GetString("sourcinghub_queue_dsn")),
			PostgresDSN: postgresDSN,
		},
		Dataverse: DataverseConfig{
			LoginBase:    strings.TrimSpace(v.GetString("sourcinghub_dv_login_base")),
			Directory:    strings.TrimSpace(v.GetString("sourcinghub_dv_directory")),
			ClientID:     strings.TrimSpace(v.GetString("sourcinghub_dv_client_id")),
			ClientSecret: strings.TrimSpace(v.GetString("sourcinghub_dv_client_secret")),
			OrgURL:       strings.TrimSpace(v.GetString("sourcinghub_dv_org_url")),
			Tenants:      tenants,
			Timeout:      dvTimeout,
			MaxRetries:   dvRetries,
			PageSize:     dvPageSize,
		},
		Sync: SyncConfig{
			PageSize:   syncPageSize,
			MaxPages:   syncMaxPages,
			MaxRecords: syncMaxRecords,
		},
		Delivery: DeliveryConfig{
			MaxAttempts:    maxAttempts,
			RetryDelay:     retryDelay,
			QueueSize:      queueSize,
			Workers:        workers,
			MaxAttachments: maxAttachments,
		},
		Email: EmailRouteConfig{
			Host:     strings.TrimSpace(v.GetString("sourcinghub_email_host")),
			Port:     v.GetInt("sourcinghub_email_port"),
			Username: strings.TrimSpace(v.GetString("sourcinghub_email_username")),
			Password: v.GetString("sourcinghub_email_password"),
			From:     strings.TrimSpace(v.GetString("sourcinghub_email_from")),
			To:       splitList(v.GetString("sourcinghub_email_to")),
		},
		SFTP: SFTPRouteConfig{
			Host:     strings.TrimSpace(v.GetString("sourcinghub_sftp_host")),
			Port:     v.GetInt("sourcinghub_sftp_port"),
			Username: strings.TrimSpace(v.GetString("sourcinghub_sftp_username")),
			Password: v.GetString("sourcinghub_sftp_password"),
			KeyFile:  strings.TrimSpace(v.GetString("sourcinghub_sftp_key_file")),
			BaseDir:  strings.TrimSpace(v.GetString("sourcinghub_sftp_base_dir")),
		},
	}

	if !cfg.IsLocalDevelopment() {
		if cfg.Server.JWTSecret == "" {
			return Config{}, fmt.Errorf("SOURCINGHUB_JWT_SECRET is required outside local/dev environments")
		}
		if cfg.Server.InternalHMACSecret == "" {
			return Config{}, fmt.Errorf("SOURCINGHUB_INTERNAL_SECRET is required outside local/dev environments")
		}
	}

	return cfg, nil
}

func (c Config) IsLocalDevelopment() bool {
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "", "local", "dev", "development", "test":
		return true
	default:
		return false
	}
}

// StateBackendDSN maps the storage profile onto a state backend DSN.
func (c Config) StateBackendDSN() string {
	switch c.Storage.Profile {
	case ProfileMemory:
		return "memory://"
	case ProfileDurableLocal:
		return "file://" + filepath.Join(c.Storage.DataDir, "state.json")
	case ProfileProduction:
		return c.Storage.PostgresDSN
	default:
		return c.Storage.StateDSN
	}
}

// DeliveryQueueDSN maps the storage profile onto a delivery queue DSN.
func (c Config) DeliveryQueueDSN() string {
	switch c.Storage.Profile {
	case ProfileMemory:
		return "memory://"
	case ProfileDurableLocal:
		return "file://" + filepath.Join(c.Storage.DataDir, "delivery-queue.json")
	case ProfileProduction:
		return c.Storage.PostgresDSN
	default:
		return c.Storage.QueueDSN
	}
}

func (c Config) SubmissionDir() string {
	return filepath.Join(c.Storage.DataDir, "submissions")
}

func (c Config) DataverseConfigured() bool {
	d := c.Dataverse
	if d.Directory != "" && d.ClientID != "" && d.ClientSecret != "" && d.OrgURL != "" {
		return true
	}
	return len(d.Tenants) > 0
}

func (c Config) EmailRouteConfigured() bool {
	return c.Email.Host != "" && c.Email.From != "" && len(c.Email.To) > 0
}

func (c Config) SFTPRouteConfigured() bool {
	return c.SFTP.Host != "" && c.SFTP.Username != ""
}

func parseTenantCredentials(raw string) (map[string]TenantCredentialConfig, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	out := map[string]TenantCredentialConfig{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	for tenantID := range out {
		if strings.TrimSpace(tenantID) == "" {
			return nil, fmt.Errorf("tenant id must not be empty")
		}
	}
	return out, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func clampInt(value, fallback, min, max int) int {
	if value == 0 {
		return fallback
	}
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

func resolveEnvironment(v *viper.Viper) string {
	for _, key := range []string{"sourcinghub_env", "app_env", "go_env"} {
		value := strings.TrimSpace(v.GetString(key))
		if value != "" {
			return strings.ToLower(value)
		}
	}
	return ""
}
