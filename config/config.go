package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server      ServerConfig
	Redis       RedisConfig
	JWT         JWTConfig
	WebRTC      WebRTCConfig
	Rooms       RoomsConfig
	Captions    CaptionsConfig
	Translation TranslationConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT signing and validation settings.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// WebRTCConfig holds STUN/TURN ICE server URLs for the media engine.
type WebRTCConfig struct {
	ICEUrls []string // e.g. stun:stun.l.google.com:19302 (comma-separated in env)
}

// RoomsConfig holds room allocation and lifecycle settings.
type RoomsConfig struct {
	TTL              time.Duration // room payload TTL in the shared store
	CodeLength       int
	AllocateAttempts int
	// AdminLeavePolicy: "suspend" keeps the room with admissions paused,
	// "close" tears it down, "promote" promotes the oldest active participant.
	AdminLeavePolicy string
	MutexTimeout     time.Duration // per-operation bound; 0 disables
}

// CaptionsConfig holds live-caption timer settings.
type CaptionsConfig struct {
	EndpointDelay time.Duration // silence before buffered text is flushed
	ClearDelay    time.Duration // silence before captions are blanked
}

// TranslationConfig holds the external translation API settings.
type TranslationConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration // ceiling for one translation round-trip
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	readTimeout, _ := strconv.Atoi(getEnv("READ_TIMEOUT_SEC", "30"))
	writeTimeout, _ := strconv.Atoi(getEnv("WRITE_TIMEOUT_SEC", "30"))
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	jwtExpire, _ := strconv.Atoi(getEnv("JWT_EXPIRE_HOURS", "24"))

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        readTimeout,
			WriteTimeout:       writeTimeout,
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: jwtExpire,
		},
		WebRTC: WebRTCConfig{
			ICEUrls: splitTrim(getEnv("WEBRTC_ICE_URLS", "stun:stun.l.google.com:19302"), ","),
		},
		Rooms: RoomsConfig{
			TTL:              time.Duration(getEnvInt("ROOM_TTL_SEC", 21600)) * time.Second,
			CodeLength:       getEnvInt("ROOM_CODE_LENGTH", 6),
			AllocateAttempts: getEnvInt("ROOM_ALLOCATE_ATTEMPTS", 10),
			AdminLeavePolicy: getEnv("ADMIN_LEAVE_POLICY", "suspend"),
			MutexTimeout:     time.Duration(getEnvInt("MUTEX_TIMEOUT_SEC", 10)) * time.Second,
		},
		Captions: CaptionsConfig{
			EndpointDelay: time.Duration(getEnvInt("CAPTION_ENDPOINT_MS", 2000)) * time.Millisecond,
			ClearDelay:    time.Duration(getEnvInt("CAPTION_CLEAR_MS", 8000)) * time.Millisecond,
		},
		Translation: TranslationConfig{
			BaseURL: getEnv("TRANSLATION_API_URL", ""),
			APIKey:  getEnv("TRANSLATION_API_KEY", ""),
			Timeout: time.Duration(getEnvInt("TRANSLATION_TIMEOUT_SEC", 300)) * time.Second,
		},
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}
