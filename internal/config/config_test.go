package config

import "testing"

func validConfig() *Config {
	return &Config{
		Env:                "production",
		HTTPPort:           8080,
		DatabaseURL:        "postgres://localhost/sealbid",
		RedisURL:           "redis://localhost:6379",
		TokenSigningSecret: "01234567890123456789012345678901",
		TokenIssuer:        "sealbid",
		TokenAudience:      "sealbid-clients",
		SniperWindow:       60,
		CORSAllowedOrigin:  "https://sealbid.example",
	}
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	c := validConfig()
	c.SniperWindow = 60_000_000_000 // 60s in nanoseconds
	if err := c.validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRejectsShortSecret(t *testing.T) {
	c := validConfig()
	c.TokenSigningSecret = "short"
	if err := c.validate(); err == nil {
		t.Fatal("expected error for short secret")
	}
}

func TestValidateRejectsPlaceholderSecret(t *testing.T) {
	c := validConfig()
	c.TokenSigningSecret = "change-me"
	if err := c.validate(); err == nil {
		t.Fatal("expected error for placeholder secret")
	}
}

func TestValidateRejectsWildcardCORSInProduction(t *testing.T) {
	c := validConfig()
	c.CORSAllowedOrigin = "*"
	if err := c.validate(); err == nil {
		t.Fatal("expected error for wildcard CORS in production")
	}
}

func TestValidateAllowsWildcardCORSOutsideProduction(t *testing.T) {
	c := validConfig()
	c.Env = "dev"
	c.CORSAllowedOrigin = "*"
	if err := c.validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRejectsMissingRequiredFields(t *testing.T) {
	c := &Config{}
	if err := c.validate(); err == nil {
		t.Fatal("expected error for empty config")
	}
}
