package config

import (
	"os"
	"time"
)

// ServiceConfig holds the process-level configuration
type ServiceConfig struct {
	Env        string
	Port       string
	InstanceID string

	// PublicBaseURL is where telephony reaches this service (status callbacks, stream url)
	PublicBaseURL  string
	AllowedOrigins []string

	// Twilio configuration
	TwilioAccountSID         string
	TwilioAuthToken          string
	TwilioFromNumber         string
	TwilioValidateSignatures bool

	// Realtime voice engine configuration
	EngineURL    string
	EngineAPIKey string
	EngineModel  string
	EngineVoice  string

	// Redis session monitor
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	SessionTTL    time.Duration

	// Pub/Sub call outcome events
	PubSubEnabled   bool
	PubSubProjectID string
	PubSubTopicID   string

	// Archive of finished calls and queue items
	DatabaseEnabled bool

	// Transcript export; disabled when TranscriptStoragePath is empty
	TranscriptStorageType string
	TranscriptStoragePath string
	TranscriptPrefix      string

	IngressBufferSize  int
	SessionGracePeriod time.Duration
	PurgeInterval      time.Duration
	PurgeRetention     time.Duration

	// AutoStartGlobal starts the global scheduler scope with Scheduler settings on boot
	AutoStartGlobal bool
	Scheduler       Settings
	Bridge          BridgeConfig
}

// LoadServiceConfig loads configuration from environment variables.
// .env is loaded in main.go for local development using godotenv.Load()
func LoadServiceConfig() *ServiceConfig {
	cfg := &ServiceConfig{
		Env:        getEnvOrDefault("ENV", "development"),
		Port:       getEnvOrDefault("PORT", "8080"),
		InstanceID: getEnvOrDefault("INSTANCE_ID", hostnameOr("local")),

		PublicBaseURL:  getEnvOrDefault("PUBLIC_BASE_URL", "http://localhost:8080"),
		AllowedOrigins: splitAndTrim(getEnvOrDefault("CORS_ALLOWED_ORIGINS", "*"), ","),

		TwilioAccountSID:         getEnvOrDefault("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:          getEnvOrDefault("TWILIO_AUTH_TOKEN", ""),
		TwilioFromNumber:         getEnvOrDefault("TWILIO_FROM_NUMBER", ""),
		TwilioValidateSignatures: getEnvAsBoolOrDefault("TWILIO_VALIDATE_SIGNATURES", true),

		EngineURL:    getEnvOrDefault("VOICE_ENGINE_URL", "wss://api.openai.com/v1/realtime"),
		EngineAPIKey: getEnvOrDefault("OPENAI_API_KEY", ""),
		EngineModel:  getEnvOrDefault("VOICE_ENGINE_MODEL", "gpt-4o-realtime-preview"),
		EngineVoice:  getEnvOrDefault("VOICE_ENGINE_VOICE", "alloy"),

		RedisEnabled:  getEnvAsBoolOrDefault("REDIS_ENABLED", false),
		RedisAddr:     getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnvOrDefault("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsIntOrDefault("REDIS_DB", 0),
		SessionTTL:    getEnvAsDurationOrDefault("SESSION_TTL", 2*time.Hour),

		PubSubEnabled:   getEnvAsBoolOrDefault("PUBSUB_ENABLED", false),
		PubSubProjectID: getEnvOrDefault("GOOGLE_CLOUD_PROJECT", ""),
		PubSubTopicID:   getEnvOrDefault("PUBSUB_CALL_OUTCOME_TOPIC", "call-outcomes"),

		DatabaseEnabled: getEnvAsBoolOrDefault("DATABASE_ENABLED", false),

		TranscriptStorageType: getEnvOrDefault("TRANSCRIPT_STORAGE_TYPE", "gcs"),
		TranscriptStoragePath: getEnvOrDefault("TRANSCRIPT_STORAGE_PATH", ""),
		TranscriptPrefix:      getEnvOrDefault("TRANSCRIPT_PREFIX", "transcripts"),

		IngressBufferSize:  getEnvAsIntOrDefault("INGRESS_BUFFER_SIZE", 256),
		SessionGracePeriod: getEnvAsDurationOrDefault("SESSION_GRACE_PERIOD", 30*time.Second),
		PurgeInterval:      getEnvAsDurationOrDefault("QUEUE_PURGE_INTERVAL", 10*time.Minute),
		PurgeRetention:     getEnvAsDurationOrDefault("QUEUE_PURGE_RETENTION", time.Hour),

		AutoStartGlobal: getEnvAsBoolOrDefault("SCHEDULER_AUTOSTART", false),
		Scheduler:       LoadSettingsFromEnv(),
		Bridge:          LoadBridgeConfig(),
	}
	return cfg
}

func hostnameOr(fallback string) string {
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return fallback
}
