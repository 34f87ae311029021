package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix namespaces every setting read from the environment.
const EnvPrefix = "COURSE_APP_"

const DefaultSystemPrompt = "You are a course design assistant. Gather the course subject, learner level, " +
	"duration and module count, then generate a structured course for review."

// Settings is the process-level configuration of the course builder.
type Settings struct {
	Addr          string
	APIPrefix     string
	CORSOrigins   []string
	Workers       int
	MaxRejections int
	SystemPrompt  string

	StateBackend  string
	SQLitePath    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTTL      time.Duration

	LogDBPath   string
	AutoResume  string
	ConfigFile  string
	OTelEnabled bool
}

func DefaultSettings() Settings {
	return Settings{
		Addr:          "127.0.0.1:8000",
		APIPrefix:     "/api",
		CORSOrigins:   []string{"*"},
		Workers:       2,
		MaxRejections: 3,
		SystemPrompt:  DefaultSystemPrompt,
		StateBackend:  "sqlite",
		SQLitePath:    "./.course-builder/state.db",
		RedisAddr:     "127.0.0.1:6379",
		RedisTTL:      72 * time.Hour,
		LogDBPath:     "./.course-builder/interactions.db",
	}
}

// Load reads an optional .env file and then COURSE_APP_* variables.
// A missing .env file is not an error.
func Load(envFiles ...string) (Settings, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Settings{}, fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return FromEnv(), nil
}

func FromEnv() Settings {
	s := DefaultSettings()
	s.Addr = Getenv(EnvPrefix+"ADDR", s.Addr)
	s.APIPrefix = normalizePrefix(Getenv(EnvPrefix+"API_PREFIX", s.APIPrefix))
	if origins := ParseListEnv(EnvPrefix + "CORS_ORIGINS"); len(origins) > 0 {
		s.CORSOrigins = origins
	}
	s.Workers = ParseIntEnv(EnvPrefix+"WORKERS", s.Workers)
	s.MaxRejections = ParseIntEnv(EnvPrefix+"MAX_REJECTIONS", s.MaxRejections)
	s.SystemPrompt = Getenv(EnvPrefix+"SYSTEM_PROMPT", s.SystemPrompt)

	s.StateBackend = strings.ToLower(Getenv(EnvPrefix+"STATE_BACKEND", s.StateBackend))
	s.SQLitePath = Getenv(EnvPrefix+"SQLITE_PATH", s.SQLitePath)
	s.RedisAddr = Getenv(EnvPrefix+"REDIS_ADDR", s.RedisAddr)
	s.RedisPassword = Getenv(EnvPrefix+"REDIS_PASSWORD", "")
	s.RedisDB = ParseIntEnv(EnvPrefix+"REDIS_DB", s.RedisDB)
	s.RedisTTL = ParseDurationEnv(EnvPrefix+"REDIS_TTL", s.RedisTTL)

	s.LogDBPath = Getenv(EnvPrefix+"LOG_DB_PATH", s.LogDBPath)
	s.AutoResume = Getenv(EnvPrefix+"AUTO_RESUME", "")
	s.ConfigFile = Getenv(EnvPrefix+"CONFIG", "")
	s.OTelEnabled = ParseBoolString(Getenv(EnvPrefix+"OTEL", ""), false)

	if s.Workers <= 0 {
		s.Workers = 1
	}
	if s.MaxRejections < 0 {
		s.MaxRejections = 0
	}
	return s
}

func normalizePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" || prefix == "/" {
		return ""
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return strings.TrimRight(prefix, "/")
}
