package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	MaxHeaderBytes    int

	// Store selection: Postgres when DatabaseURL is set, else SQLite when
	// SQLitePath is set, else the in-memory dev store.
	DatabaseURL   string
	DBMaxConns    int32
	DBMinConns    int32
	DBAutoMigrate bool
	DBSchema      string
	SQLitePath    string

	// If true:
	// - /readyz returns 503 unless a durable store is configured and reachable.
	ReadinessRequireDB bool

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	MetricsEnabled bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("COURIER_HTTP_ADDR", "0.0.0.0:5000"),
		LogLevel:  EnvString("COURIER_LOG_LEVEL", "info"),
		LogFormat: EnvString("COURIER_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("COURIER_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("COURIER_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("COURIER_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("COURIER_HTTP_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:   EnvDuration("COURIER_SHUTDOWN_TIMEOUT", 10*time.Second),

		MaxHeaderBytes: EnvInt("COURIER_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL:   EnvString("COURIER_DATABASE_URL", ""),
		DBMaxConns:    EnvInt32("COURIER_DB_MAX_CONNS", 10),
		DBMinConns:    EnvInt32("COURIER_DB_MIN_CONNS", 0),
		DBAutoMigrate: EnvBool("COURIER_DB_AUTO_MIGRATE", true),
		DBSchema:      EnvString("COURIER_DB_SCHEMA", "courier"),
		SQLitePath:    EnvString("COURIER_SQLITE_PATH", ""),

		ReadinessRequireDB: EnvBool("COURIER_READINESS_REQUIRE_DB", false),

		CORSAllowedOrigins:   EnvCSV("COURIER_CORS_ALLOWED_ORIGINS", []string{"*"}),
		CORSAllowCredentials: EnvBool("COURIER_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("COURIER_CORS_MAX_AGE", 600),

		MetricsEnabled: EnvBool("COURIER_METRICS_ENABLED", true),
	}
}
