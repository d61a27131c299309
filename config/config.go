package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config holds the application configuration
type Config struct {
	// Server configuration
	ServerPort int
	APIPort    int
	OCPPPath   string

	// Database configuration
	DBDisabled bool
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// OCPP configuration
	HeartbeatInterval int // seconds, returned in BootNotification responses
	PendingRequestTTL time.Duration
	PricePerKwh       float64

	// Connection pool configuration
	MaxConnectionsPerPile int
	QueueSize             int
	BatchSize             int
	MaxSendRetries        int
	IdleTimeout           time.Duration
	ConnHeartbeatInterval time.Duration
	HealthCheckInterval   time.Duration

	// Reconnect configuration
	MaxReconnectAttempts   int
	ReconnectInitialDelay  time.Duration
	ReconnectMaxDelay      time.Duration
	ReconnectBackoffFactor float64

	// Pile supervision
	PileHeartbeatTimeout time.Duration

	// Logging
	LogLevel string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	serverPort, err := getEnvInt("SERVER_PORT", 8887)
	if err != nil {
		return nil, err
	}

	apiPort, err := getEnvInt("API_PORT", 8888)
	if err != nil {
		return nil, err
	}

	dbPort, err := getEnvInt("DB_PORT", 5432)
	if err != nil {
		return nil, err
	}

	heartbeatInterval, err := getEnvInt("HEARTBEAT_INTERVAL", 300)
	if err != nil {
		return nil, err
	}

	maxConns, err := getEnvInt("MAX_CONNECTIONS_PER_PILE", 3)
	if err != nil {
		return nil, err
	}

	queueSize, err := getEnvInt("QUEUE_SIZE", 1000)
	if err != nil {
		return nil, err
	}

	batchSize, err := getEnvInt("BATCH_SIZE", 10)
	if err != nil {
		return nil, err
	}

	maxSendRetries, err := getEnvInt("MAX_SEND_RETRIES", 3)
	if err != nil {
		return nil, err
	}

	maxReconnects, err := getEnvInt("MAX_RECONNECT_ATTEMPTS", 5)
	if err != nil {
		return nil, err
	}

	idleTimeout, err := getEnvSeconds("IDLE_TIMEOUT", 300)
	if err != nil {
		return nil, err
	}

	connHeartbeat, err := getEnvSeconds("CONNECTION_HEARTBEAT_INTERVAL", 30)
	if err != nil {
		return nil, err
	}

	healthCheck, err := getEnvSeconds("HEALTH_CHECK_INTERVAL", 60)
	if err != nil {
		return nil, err
	}

	reconnectInitial, err := getEnvSeconds("RECONNECT_INITIAL_DELAY", 1)
	if err != nil {
		return nil, err
	}

	reconnectMax, err := getEnvSeconds("RECONNECT_MAX_DELAY", 60)
	if err != nil {
		return nil, err
	}

	pileHeartbeatTimeout, err := getEnvSeconds("PILE_HEARTBEAT_TIMEOUT", 600)
	if err != nil {
		return nil, err
	}

	pendingTTL, err := getEnvSeconds("PENDING_REQUEST_TTL", 60)
	if err != nil {
		return nil, err
	}

	backoffFactor, err := getEnvFloat("RECONNECT_BACKOFF_FACTOR", 2.0)
	if err != nil {
		return nil, err
	}

	pricePerKwh, err := getEnvFloat("PRICE_PER_KWH", 1.5)
	if err != nil {
		return nil, err
	}

	return &Config{
		ServerPort: serverPort,
		APIPort:    apiPort,
		OCPPPath:   getEnv("OCPP_PATH", "/ws/pile"),

		DBDisabled: getEnv("DB_DISABLED", "false") == "true",
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     dbPort,
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "ocpp_gateway"),
		DBSSLMode:  getEnv("DB_SSL_MODE", "disable"),

		HeartbeatInterval: heartbeatInterval,
		PendingRequestTTL: pendingTTL,
		PricePerKwh:       pricePerKwh,

		MaxConnectionsPerPile: maxConns,
		QueueSize:             queueSize,
		BatchSize:             batchSize,
		MaxSendRetries:        maxSendRetries,
		IdleTimeout:           idleTimeout,
		ConnHeartbeatInterval: connHeartbeat,
		HealthCheckInterval:   healthCheck,

		MaxReconnectAttempts:   maxReconnects,
		ReconnectInitialDelay:  reconnectInitial,
		ReconnectMaxDelay:      reconnectMax,
		ReconnectBackoffFactor: backoffFactor,

		PileHeartbeatTimeout: pileHeartbeatTimeout,

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}, nil
}

// GetDSN returns the PostgreSQL connection string
func (c *Config) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode,
	)
}

// SetupLogger configures the global logger
func (c *Config) SetupLogger() {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
}

// Helper function to get environment variables with fallback
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %v", key, err)
	}
	return n, nil
}

func getEnvSeconds(key string, fallback int) (time.Duration, error) {
	n, err := getEnvInt(key, fallback)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %v", key, err)
	}
	return f, nil
}
