package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DB_DRIVER", "")
	t.Setenv("QUOTE_TIMEOUT", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBDriver != "postgres" {
		t.Fatalf("driver: got %s", cfg.DBDriver)
	}
	if cfg.QuoteTimeout != 10*time.Second {
		t.Fatalf("quote timeout: got %s", cfg.QuoteTimeout)
	}
	if cfg.KafkaTopic != "price.crossings" {
		t.Fatalf("kafka topic: got %s", cfg.KafkaTopic)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("PAGE_SIZE", "250")
	t.Setenv("SEND_TIMEOUT", "3s")
	t.Setenv("DEFAULT_CONTACTS", "sms:+15550001, email:ops@example.com ,")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PageSize != 250 || cfg.SendTimeout != 3*time.Second {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if len(cfg.DefaultContacts) != 2 || cfg.DefaultContacts[1] != "email:ops@example.com" {
		t.Fatalf("contacts: %v", cfg.DefaultContacts)
	}
}

func TestLoad_RejectsUnknownDriver(t *testing.T) {
	t.Setenv("DB_DRIVER", "mongo")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestIsProductionEnv(t *testing.T) {
	cases := map[string]bool{
		"prod":       true,
		"PRODUCTION": true,
		" prod ":     true,
		"dev":        false,
		"staging":    false,
		"":           false,
	}
	for env, want := range cases {
		if got := IsProductionEnv(env); got != want {
			t.Errorf("IsProductionEnv(%q) = %v, want %v", env, got, want)
		}
	}
}
