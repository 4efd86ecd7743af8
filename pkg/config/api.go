package config

import "time"

// APIConfig holds runtime configuration for the orchestrator API service.
type APIConfig struct {
	Environment          string
	Addr                 string
	PublicBaseURL        string
	MonitoringWebhookURL string
	DatabaseURL          string
	MigrationsDir        string
	JWTSecret            string
	AdminToken           string
	MaxDeployments       int
	RateLimitRedisAddr   string
	RateLimitRedisPass   string
	RateLimitRedisDB     int

	AkashRPCEndpoint   string
	AkashOperatorAddr  string
	AkashCertDir       string
	AkashTxTimeout     time.Duration
	AkashBidInterval   time.Duration
	AkashBidTimeout    time.Duration
	AkashReadyInterval time.Duration
	AkashReadyTimeout  time.Duration

	SpheronAPIURL       string
	SpheronAPIToken     string
	SpheronNetwork      string
	SpheronPollInterval time.Duration
	SpheronPollAttempts int
	SpheronReqTimeout   time.Duration
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:          GetString("APP_ENV", "development"),
		Addr:                 GetString("API_ADDR", ":3080"),
		PublicBaseURL:        GetString("PUBLIC_BASE_URL", "http://localhost:3080"),
		MonitoringWebhookURL: GetString("MONITORING_WEBHOOK_URL", "http://localhost:3080/monitoring/mem"),
		DatabaseURL:          GetString("DATABASE_URL", "postgres://conduit:conduit@db:5432/conduit?sslmode=disable"),
		MigrationsDir:        GetString("DB_MIGRATIONS_DIR", "./db/migrations"),
		JWTSecret:            GetString("JWT_SECRET", "supersecuresecret"),
		AdminToken:           GetString("ADMIN_TOKEN", ""),
		MaxDeployments:       GetInt("MAX_DEPLOYMENTS", 2),
		RateLimitRedisAddr:   GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass:   GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:     GetInt("RATE_LIMIT_REDIS_DB", 0),

		AkashRPCEndpoint:   GetString("AKASH_RPC_ENDPOINT", ""),
		AkashOperatorAddr:  GetString("AKASH_OPERATOR_ADDRESS", ""),
		AkashCertDir:       GetString("AKASH_CERT_DIR", "/var/lib/conduit/certs"),
		AkashTxTimeout:     time.Duration(GetInt("AKASH_TX_TIMEOUT_SECONDS", 30)) * time.Second,
		AkashBidInterval:   time.Duration(GetInt("AKASH_BID_INTERVAL_SECONDS", 5)) * time.Second,
		AkashBidTimeout:    time.Duration(GetInt("AKASH_BID_TIMEOUT_SECONDS", 300)) * time.Second,
		AkashReadyInterval: time.Duration(GetInt("AKASH_READY_INTERVAL_SECONDS", 3)) * time.Second,
		AkashReadyTimeout:  time.Duration(GetInt("AKASH_READY_TIMEOUT_SECONDS", 600)) * time.Second,

		SpheronAPIURL:       GetString("SPHERON_API_URL", ""),
		SpheronAPIToken:     GetString("SPHERON_API_TOKEN", ""),
		SpheronNetwork:      GetString("SPHERON_NETWORK", "mainnet"),
		SpheronPollInterval: time.Duration(GetInt("SPHERON_POLL_INTERVAL_SECONDS", 5)) * time.Second,
		SpheronPollAttempts: GetInt("SPHERON_POLL_ATTEMPTS", 12),
		SpheronReqTimeout:   time.Duration(GetInt("SPHERON_REQUEST_TIMEOUT_SECONDS", 30)) * time.Second,
	}
}
