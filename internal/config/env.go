package config

import (
	"context"
	"fmt"

	"github.com/sethvargo/go-envconfig"
)

// EnvConfig holds everything decoded directly from environment variables:
// connection secrets and endpoints that never belong in a checked-in YAML
// file, following the struct-tag-driven pattern the infinitetalk-api
// example uses in place of hand-rolled os.Getenv calls.
type EnvConfig struct {
	PodID string `env:"POD_ID, default=orchestrator"`

	DBHost     string `env:"DB_HOST, default=localhost"`
	DBPort     int    `env:"DB_PORT, default=5432" validate:"min=1,max=65535"`
	DBUser     string `env:"DB_USER, default=textloom"`
	DBPassword string `env:"DB_PASSWORD"`
	DBName     string `env:"DB_NAME, default=textloom"`
	DBSSLMode  string `env:"DB_SSLMODE, default=disable" validate:"oneof=disable require verify-ca verify-full"`

	AnthropicAPIKey  string `env:"ANTHROPIC_API_KEY"`
	ScriptGenBackend string `env:"SCRIPT_GEN_BACKEND, default=anthropic" validate:"oneof=anthropic langchain"`
	ScriptGenModel   string `env:"SCRIPT_GEN_MODEL"`

	VideoMergeBaseURL string `env:"VIDEO_MERGE_BASE_URL, required"`
	SubtitleBaseURL   string `env:"SUBTITLE_BASE_URL, required"`

	UploadBackend      string `env:"UPLOAD_BACKEND, default=local" validate:"oneof=local s3 obs"`
	UploadLocalDir     string `env:"UPLOAD_LOCAL_DIR, default=/var/lib/textloom/uploads"`
	UploadBucket       string `env:"UPLOAD_BUCKET"`
	UploadRegion       string `env:"UPLOAD_REGION"`
	UploadEndpoint     string `env:"UPLOAD_ENDPOINT"`
	UploadAccessKey    string `env:"UPLOAD_ACCESS_KEY_ID"`
	UploadSecretKey    string `env:"UPLOAD_SECRET_ACCESS_KEY"`
	UploadPublicBaseURL string `env:"UPLOAD_PUBLIC_BASE_URL"`

	SlackToken   string `env:"SLACK_BOT_TOKEN"`
	SlackChannel string `env:"SLACK_CHANNEL"`
	DashboardURL string `env:"DASHBOARD_URL, default=http://localhost:5173"`

	WorkspaceRoot string `env:"WORKSPACE_ROOT, default=/var/lib/textloom/workspaces"`

	HTTPPort  int    `env:"HTTP_PORT, default=8080" validate:"min=1,max=65535"`
	LogFormat string `env:"LOG_FORMAT, default=text" validate:"oneof=text json"`
	LogLevel  string `env:"LOG_LEVEL, default=info" validate:"oneof=debug info warn error"`
}

// loadEnv decodes EnvConfig from the process environment via go-envconfig.
// Callers load a .env file into the environment (godotenv) before calling
// this, mirroring the reference service's main.go ordering.
func loadEnv(ctx context.Context) (*EnvConfig, error) {
	cfg := &EnvConfig{}
	if err := envconfig.Process(ctx, cfg); err != nil {
		return nil, fmt.Errorf("decoding environment configuration: %w", err)
	}
	return cfg, nil
}
