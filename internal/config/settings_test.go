package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFromEnv_Defaults(t *testing.T) {
	s := FromEnv()
	if s.Workers != 2 || s.MaxRejections != 3 {
		t.Fatalf("unexpected defaults: %+v", s)
	}
	if s.APIPrefix != "/api" || s.StateBackend != "sqlite" {
		t.Fatalf("unexpected defaults: %+v", s)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("COURSE_APP_WORKERS", "4")
	t.Setenv("COURSE_APP_API_PREFIX", "v1/")
	t.Setenv("COURSE_APP_STATE_BACKEND", "Redis")
	t.Setenv("COURSE_APP_REDIS_TTL", "1h")
	t.Setenv("COURSE_APP_CORS_ORIGINS", "http://a.test, http://b.test")
	t.Setenv("COURSE_APP_MAX_REJECTIONS", "-2")

	s := FromEnv()
	if s.Workers != 4 {
		t.Fatalf("expected 4 workers, got %d", s.Workers)
	}
	if s.APIPrefix != "/v1" {
		t.Fatalf("expected normalized prefix, got %q", s.APIPrefix)
	}
	if s.StateBackend != "redis" {
		t.Fatalf("expected lowercased backend, got %q", s.StateBackend)
	}
	if s.RedisTTL != time.Hour {
		t.Fatalf("expected 1h ttl, got %s", s.RedisTTL)
	}
	if len(s.CORSOrigins) != 2 || s.CORSOrigins[1] != "http://b.test" {
		t.Fatalf("unexpected origins: %#v", s.CORSOrigins)
	}
	if s.MaxRejections != 0 {
		t.Fatalf("negative cap should clamp to 0, got %d", s.MaxRejections)
	}
}

func TestLoad_ReadsDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("COURSE_APP_WORKERS=7\n"), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("COURSE_APP_WORKERS", "")
	os.Unsetenv("COURSE_APP_WORKERS")

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.Workers != 7 {
		t.Fatalf("expected workers from .env, got %d", s.Workers)
	}
	os.Unsetenv("COURSE_APP_WORKERS")
}

func TestLoad_MissingDotEnvIsFine(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("missing .env should be ignored: %v", err)
	}
}

func TestParseBoolString(t *testing.T) {
	cases := map[string]bool{"yes": true, "off": false, "": true, "maybe": true}
	for raw, want := range cases {
		if got := ParseBoolString(raw, true); got != want {
			t.Errorf("ParseBoolString(%q) = %v, want %v", raw, got, want)
		}
	}
}
