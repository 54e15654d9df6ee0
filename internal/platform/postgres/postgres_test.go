package postgres

import "testing"

func TestConfigValidate(t *testing.T) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}
	if cfg.Table != "compiled_artifacts" {
		t.Fatalf("Table=%q, want compiled_artifacts", cfg.Table)
	}
}

func TestConfigValidateRejectsBadValues(t *testing.T) {
	base, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"table injection", func(c *Config) { c.Table = "artifacts; DROP TABLE x" }},
		{"table uppercase", func(c *Config) { c.Table = "Artifacts" }},
		{"idle above open", func(c *Config) { c.MaxIdleConns = c.MaxOpenConns + 1 }},
		{"no ping timeout", func(c *Config) { c.PingTimeout = 0 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("Validate() expected error")
			}
		})
	}
}

func TestConfigFromEnvParsesOverrides(t *testing.T) {
	t.Setenv("PROGCACHE_DATABASE_TABLE", "helios_programs")
	t.Setenv("PROGCACHE_DATABASE_MAX_OPEN_CONNS", "4")
	t.Setenv("PROGCACHE_DATABASE_MAX_IDLE_CONNS", "2")
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if cfg.Table != "helios_programs" || cfg.MaxOpenConns != 4 || cfg.MaxIdleConns != 2 {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	t.Setenv("PROGCACHE_DATABASE_MAX_OPEN_CONNS", "many")
	if _, err := ConfigFromEnv(); err == nil {
		t.Fatalf("expected parse error")
	}
}
