package config

import (
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application configuration
type Config struct {
	DBURL         string
	RedisAddr     string
	MQTTBroker    string
	MQTTClientID  string
	HTTPAddr      string
	JWTSecret     string
	LogLevel      string
	MDNSLocalName string

	EngineInterval    time.Duration
	SchedulerInterval time.Duration

	CacheTTL      time.Duration
	CacheMaxSize  int
	HistoryMaxLen int64

	QueueStream        string
	QueueDLQStream     string
	QueueGroup         string
	QueueMaxLen        int64
	WorkerMaxRetries   int
	WorkerRetryDelay   time.Duration
	WorkerBlockTimeout time.Duration

	// CooldownByPriority maps rule priority (1-5) to the minimum re-trigger
	// interval. Priority 5 is the most urgent and cools down fastest.
	CooldownByPriority map[int]time.Duration
}

// LoadConfig reads configuration from .env and environment variables
func LoadConfig() (*Config, error) {
	// .env is optional in containerized deployments
	_ = godotenv.Load()

	viper.AutomaticEnv()

	viper.SetDefault("HTTP_ADDR", ":5069")
	viper.SetDefault("MQTT_CLIENT_ID", "greenhouse-backend")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("MDNS_LOCAL_NAME", "greenhouse.local")

	viper.SetDefault("ENGINE_INTERVAL", "30s")
	viper.SetDefault("SCHEDULER_INTERVAL", "60s")

	viper.SetDefault("CACHE_TTL", "30s")
	viper.SetDefault("CACHE_MAX_SIZE", 1000)
	viper.SetDefault("HISTORY_MAX_LEN", 500)

	viper.SetDefault("QUEUE_STREAM", "critical_actions")
	viper.SetDefault("QUEUE_DLQ_STREAM", "critical_actions_dlq")
	viper.SetDefault("QUEUE_GROUP", "action_workers")
	viper.SetDefault("QUEUE_MAX_LEN", 10000)
	viper.SetDefault("WORKER_MAX_RETRIES", 3)
	viper.SetDefault("WORKER_RETRY_DELAY", "5s")
	viper.SetDefault("WORKER_BLOCK_TIMEOUT", "5s")

	viper.SetDefault("ENGINE_COOLDOWN_P1_MIN", 60)
	viper.SetDefault("ENGINE_COOLDOWN_P2_MIN", 30)
	viper.SetDefault("ENGINE_COOLDOWN_P3_MIN", 15)
	viper.SetDefault("ENGINE_COOLDOWN_P4_MIN", 10)
	viper.SetDefault("ENGINE_COOLDOWN_P5_MIN", 5)

	cfg := &Config{
		DBURL:         viper.GetString("DB_URL"),
		RedisAddr:     viper.GetString("REDIS_ADDR"),
		MQTTBroker:    viper.GetString("MQTT_BROKER"),
		MQTTClientID:  viper.GetString("MQTT_CLIENT_ID"),
		HTTPAddr:      viper.GetString("HTTP_ADDR"),
		JWTSecret:     viper.GetString("JWT_SECRET"),
		LogLevel:      viper.GetString("LOG_LEVEL"),
		MDNSLocalName: viper.GetString("MDNS_LOCAL_NAME"),

		EngineInterval:    viper.GetDuration("ENGINE_INTERVAL"),
		SchedulerInterval: viper.GetDuration("SCHEDULER_INTERVAL"),

		CacheTTL:      viper.GetDuration("CACHE_TTL"),
		CacheMaxSize:  viper.GetInt("CACHE_MAX_SIZE"),
		HistoryMaxLen: viper.GetInt64("HISTORY_MAX_LEN"),

		QueueStream:        viper.GetString("QUEUE_STREAM"),
		QueueDLQStream:     viper.GetString("QUEUE_DLQ_STREAM"),
		QueueGroup:         viper.GetString("QUEUE_GROUP"),
		QueueMaxLen:        viper.GetInt64("QUEUE_MAX_LEN"),
		WorkerMaxRetries:   viper.GetInt("WORKER_MAX_RETRIES"),
		WorkerRetryDelay:   viper.GetDuration("WORKER_RETRY_DELAY"),
		WorkerBlockTimeout: viper.GetDuration("WORKER_BLOCK_TIMEOUT"),

		CooldownByPriority: map[int]time.Duration{
			1: time.Duration(viper.GetInt("ENGINE_COOLDOWN_P1_MIN")) * time.Minute,
			2: time.Duration(viper.GetInt("ENGINE_COOLDOWN_P2_MIN")) * time.Minute,
			3: time.Duration(viper.GetInt("ENGINE_COOLDOWN_P3_MIN")) * time.Minute,
			4: time.Duration(viper.GetInt("ENGINE_COOLDOWN_P4_MIN")) * time.Minute,
			5: time.Duration(viper.GetInt("ENGINE_COOLDOWN_P5_MIN")) * time.Minute,
		},
	}
	return cfg, nil
}
