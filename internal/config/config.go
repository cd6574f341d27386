package config

import (
	"time"

	"github.com/spf13/viper"
)

// The agent runs next to the workforce app on site hardware; everything it
// needs arrives as environment variables so the same binary works in the
// field, in CI, and against localstack on a laptop.

type Config struct {
	SQLitePath string `mapstructure:"SQLITE_PATH"`
	CompanyID  string `mapstructure:"COMPANY_ID"`

	DBHost     string `mapstructure:"DB_HOST"`
	DBPort     string `mapstructure:"DB_PORT"`
	DBUser     string `mapstructure:"DB_USER"`
	DBPassword string `mapstructure:"DB_PASSWORD"`
	DBName     string `mapstructure:"DB_NAME"`

	ServerPort string `mapstructure:"SERVER_PORT"`

	AWSRegion           string `mapstructure:"AWS_REGION"`
	AWSEndpoint         string `mapstructure:"AWS_ENDPOINT"`
	ScheduleSQSQueueURL string `mapstructure:"SCHEDULE_SQS_QUEUE_URL"`

	OTLPEndpoint string `mapstructure:"OTLP_ENDPOINT"`

	RemoteTimeout     time.Duration `mapstructure:"REMOTE_TIMEOUT"`
	ProbeInterval     time.Duration `mapstructure:"PROBE_INTERVAL"`
	ProbeTimeout      time.Duration `mapstructure:"PROBE_TIMEOUT"`
	HeartbeatInterval time.Duration `mapstructure:"HEARTBEAT_INTERVAL"`

	GeofenceRadiusMeters float64 `mapstructure:"GEOFENCE_RADIUS_METERS"`

	IsLocalDev bool `mapstructure:"IS_LOCAL_DEV"`
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (config Config, err error) {
	viper.SetDefault("SQLITE_PATH", "worksync.db")
	viper.SetDefault("COMPANY_ID", "")
	viper.SetDefault("DB_HOST", "db")
	viper.SetDefault("DB_PORT", "5432")
	viper.SetDefault("DB_USER", "user")
	viper.SetDefault("DB_PASSWORD", "password")
	viper.SetDefault("DB_NAME", "worksync_db")
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("AWS_REGION", "us-east-1")
	viper.SetDefault("AWS_ENDPOINT", "http://localstack:4566")
	viper.SetDefault("SCHEDULE_SQS_QUEUE_URL", "http://localstack:4566/000000000000/schedule-queue")
	viper.SetDefault("OTLP_ENDPOINT", "jaeger:4317")
	viper.SetDefault("REMOTE_TIMEOUT", "5s")
	viper.SetDefault("PROBE_INTERVAL", "30s")
	viper.SetDefault("PROBE_TIMEOUT", "3s")
	viper.SetDefault("HEARTBEAT_INTERVAL", "15m")
	viper.SetDefault("GEOFENCE_RADIUS_METERS", 150.0)
	viper.SetDefault("IS_LOCAL_DEV", false)

	// Read in environment variables that match the keys.
	viper.AutomaticEnv()

	err = viper.Unmarshal(&config)
	return
}
