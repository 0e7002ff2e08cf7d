package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// Pairing code shape: fixed-width numeric, human-enterable.
const CodeLength = 6

// How many times code generation retries on an active-code collision
// before giving up. Collisions are rare at this code width.
const CodeGenerationAttempts = 10

// Rate limits for the unauthenticated endpoints.
const (
	RegisterRateLimitPerMin = 10
	ClaimRateLimitPerMin    = 15
)
