package config

import "time"

// GatewayConfig holds runtime configuration for the deployment gateway.
type GatewayConfig struct {
	Environment string
	Addr        string
	LogLevel    string

	WebhookSecret      string
	GitLabWebhookToken string
	GitHubToken        string
	GitHubAPIURL       string
	GitHubWorkflow     string
	GitLabToken        string
	GitLabAPIURL       string
	ExternalTimeout    time.Duration

	DispatchMode string
	DockerHost   string
	RunnerImage  string

	MaxConcurrentDeployments int
	MaxDeploymentsPerPR      int
	DeploymentCooldown       time.Duration
	DuplicateWindow          time.Duration
	MaxHistorySize           int
	CleanupInterval          time.Duration
	DeploymentTimeout        time.Duration

	RateLimitWindow  time.Duration
	RateLimitMax     int
	EventDedupWindow time.Duration

	StateBackend  string
	StateFile     string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	DatabaseURL   string
	MigrationsDir string

	TriggerConfigPath string
	CommentTriggers   []string
	NATSURL           string
	NATSSubjectPrefix string

	AdminPasswordHash   string
	JWTSecret           string
	AdminTokenTTL       time.Duration
	CallbackToken       string
	SecretEncryptionKey string
	AllowedOrigin       string
}

// LoadGatewayConfig constructs a GatewayConfig from environment variables.
func LoadGatewayConfig() GatewayConfig {
	return GatewayConfig{
		Environment: GetString("APP_ENV", "development"),
		Addr:        ":" + GetString("PORT", "3000"),
		LogLevel:    GetString("LOG_LEVEL", "info"),

		WebhookSecret:      GetString("WEBHOOK_SECRET", ""),
		GitLabWebhookToken: GetString("GITLAB_WEBHOOK_TOKEN", ""),
		GitHubToken:        GetString("GITHUB_TOKEN", ""),
		GitHubAPIURL:       GetString("GITHUB_API_URL", "https://api.github.com"),
		GitHubWorkflow:     GetString("GITHUB_WORKFLOW", "preview.yml"),
		GitLabToken:        GetString("GITLAB_TOKEN", ""),
		GitLabAPIURL:       GetString("GITLAB_API_URL", "https://gitlab.com/api/v4"),
		ExternalTimeout:    GetDuration("EXTERNAL_TIMEOUT_SECONDS", 10, time.Second),

		DispatchMode: GetString("DISPATCH_MODE", "provider"),
		DockerHost:   GetString("DOCKER_HOST", ""),
		RunnerImage:  GetString("RUNNER_IMAGE", "deploygate/runner:latest"),

		MaxConcurrentDeployments: GetInt("MAX_CONCURRENT_DEPLOYMENTS", 3),
		MaxDeploymentsPerPR:      GetInt("MAX_DEPLOYMENTS_PER_PR", 1),
		DeploymentCooldown:       GetDuration("DEPLOYMENT_COOLDOWN_SECONDS", 30, time.Second),
		DuplicateWindow:          GetDuration("DUPLICATE_WINDOW_SECONDS", 300, time.Second),
		MaxHistorySize:           GetInt("MAX_HISTORY_SIZE", 100),
		CleanupInterval:          GetDuration("CLEANUP_INTERVAL_SECONDS", 60, time.Second),
		DeploymentTimeout:        GetDuration("DEPLOYMENT_TIMEOUT_MINUTES", 30, time.Minute),

		RateLimitWindow:  GetDuration("RATE_LIMIT_WINDOW_SECONDS", 60, time.Second),
		RateLimitMax:     GetInt("RATE_LIMIT_MAX", 10),
		EventDedupWindow: GetDuration("EVENT_DEDUP_WINDOW_SECONDS", 30, time.Second),

		StateBackend:  GetString("STATE_BACKEND", "file"),
		StateFile:     GetString("STATE_FILE", "data/deployment-state.json"),
		RedisAddr:     GetString("REDIS_ADDR", ""),
		RedisPassword: GetString("REDIS_PASSWORD", ""),
		RedisDB:       GetInt("REDIS_DB", 0),
		DatabaseURL:   GetString("DATABASE_URL", ""),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "db/migrations"),

		TriggerConfigPath: GetString("TRIGGER_CONFIG_PATH", ""),
		CommentTriggers:   GetList("COMMENT_TRIGGERS", []string{"/deploy", "/preview"}),
		NATSURL:           GetString("NATS_URL", ""),
		NATSSubjectPrefix: GetString("NATS_SUBJECT_PREFIX", "deployments"),

		AdminPasswordHash:   GetString("ADMIN_PASSWORD_HASH", ""),
		JWTSecret:           GetString("JWT_SECRET", ""),
		AdminTokenTTL:       GetDuration("ADMIN_TOKEN_TTL_MIN", 60, time.Minute),
		CallbackToken:       GetString("CALLBACK_TOKEN", ""),
		SecretEncryptionKey: GetString("SECRET_ENCRYPTION_KEY", ""),
		AllowedOrigin:       GetString("CORS_ALLOWED_ORIGIN", "*"),
	}
}
