package config

import "time"

// APIConfig holds runtime configuration for the seatpool service.
type APIConfig struct {
	Environment        string
	Addr               string
	DatabaseURL        string
	MigrationsDir      string
	JWTSecret          string
	AccessTokenTTL     time.Duration
	RemoteAPIBaseURL   string
	RemoteAPITimeout   time.Duration
	TeamCapacity       int
	TempGrantDefault   time.Duration
	AutoKickInterval   time.Duration
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
	KickStreamBuffer   int
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("API_ADDR", ":4000"),
		DatabaseURL:        GetString("DATABASE_URL", "postgres://seatpool:seatpool@db:5432/seatpool?sslmode=disable"),
		MigrationsDir:      GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		JWTSecret:          GetString("JWT_SECRET", "supersecuresecret"),
		AccessTokenTTL:     time.Duration(GetInt("ACCESS_TOKEN_TTL_MIN", 60)) * time.Minute,
		RemoteAPIBaseURL:   GetString("REMOTE_API_BASE_URL", ""),
		RemoteAPITimeout:   GetSeconds("REMOTE_API_TIMEOUT_SECONDS", 15),
		TeamCapacity:       GetInt("TEAM_CAPACITY", 4),
		TempGrantDefault:   time.Duration(GetInt("TEMP_GRANT_DEFAULT_HOURS", 24)) * time.Hour,
		AutoKickInterval:   GetSeconds("AUTOKICK_INTERVAL_SECONDS", 300),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
		KickStreamBuffer:   GetInt("WS_KICK_BUFFER", 100),
	}
}
