package httpapi

import "time"

// Config carries the runtime settings of the HTTP facade.
type Config struct {
	ListenAddr      string
	AllowedOrigins  []string
	JWTSecret       string
	TokenTTL        time.Duration
	HeartbeatWindow time.Duration
	VerifyBaseURL   string
}

// Normalized fills unset fields with defaults.
func (config Config) Normalized() Config {
	if config.ListenAddr == "" {
		config.ListenAddr = ":8080"
	}
	if len(config.AllowedOrigins) == 0 {
		config.AllowedOrigins = []string{"http://localhost:5173"}
	}
	if config.TokenTTL <= 0 {
		config.TokenTTL = 12 * time.Hour
	}
	if config.HeartbeatWindow <= 0 {
		config.HeartbeatWindow = 120 * time.Second
	}
	return config
}
