// Package config loads program cache service settings from an optional YAML
// file named by PROGCACHE_CONFIG, then applies PROGCACHE_* overrides.
//
// Connection settings for postgres, redis and minio stay with their platform
// packages and are read only when the selected backend or lock needs them.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/heliosforge/progcache/internal/platform/env"
	"gopkg.in/yaml.v3"
)

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendMinIO    = "minio"

	LockLocal = "local"
	LockRedis = "redis"

	AuditNone     = "none"
	AuditLog      = "log"
	AuditPostgres = "postgres"
)

type Config struct {
	Service        string    `yaml:"service"`
	LogLevel       string    `yaml:"log_level"`
	Backend        string    `yaml:"backend"`
	ConflictPolicy string    `yaml:"conflict_policy"`
	HTTP           HTTP      `yaml:"http"`
	Lock           Lock      `yaml:"lock"`
	Memory         Memory    `yaml:"memory"`
	SQLite         SQLite    `yaml:"sqlite"`
	Redis          Redis     `yaml:"redis"`
	Retention      Retention `yaml:"retention"`
	Compiler       Compiler  `yaml:"compiler"`
	Audit          Audit     `yaml:"audit"`
}

type HTTP struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
}

type Lock struct {
	Mode        string        `yaml:"mode"`
	WaitTimeout time.Duration `yaml:"wait_timeout"`
	Expiry      time.Duration `yaml:"expiry"`
	Tries       int           `yaml:"tries"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
}

type Memory struct {
	MaxEntries int `yaml:"max_entries"`
}

type SQLite struct {
	Path string `yaml:"path"`
}

type Redis struct {
	TTL time.Duration `yaml:"ttl"`
}

// Retention is disabled while Schedule is empty.
type Retention struct {
	Schedule string        `yaml:"schedule"`
	MaxAge   time.Duration `yaml:"max_age"`
}

// Audit selects where mint and denial events are journaled. The postgres
// sink uses the PROGCACHE_DATABASE_* connection.
type Audit struct {
	Sink  string `yaml:"sink"`
	Table string `yaml:"table"`
}

type Compiler struct {
	Command string        `yaml:"command"`
	Args    []string      `yaml:"args"`
	Timeout time.Duration `yaml:"timeout"`
	Output  string        `yaml:"output"`
	Dir     string        `yaml:"dir"`
}

func Default() Config {
	return Config{
		Service:        "program-cache",
		LogLevel:       "info",
		Backend:        BackendMemory,
		ConflictPolicy: "reject",
		HTTP: HTTP{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
			WriteTimeout:    5 * time.Minute,
		},
		Lock: Lock{
			Mode:        LockLocal,
			WaitTimeout: 2 * time.Minute,
			Expiry:      2 * time.Minute,
			Tries:       64,
			RetryDelay:  250 * time.Millisecond,
		},
		Memory: Memory{MaxEntries: 1024},
		SQLite: SQLite{Path: "progcache.db"},
		Retention: Retention{
			MaxAge: 30 * 24 * time.Hour,
		},
		Compiler: Compiler{
			Command: "helios",
			Args:    []string{"compile", "--stdin"},
			Timeout: 2 * time.Minute,
			Output:  "hex",
		},
		Audit: Audit{
			Sink:  AuditLog,
			Table: "artifact_audit_events",
		},
	}
}

// FromEnv loads the file named by PROGCACHE_CONFIG, if any, and the
// environment overrides.
func FromEnv() (Config, error) {
	cfg := Default()
	if path, ok := env.Lookup("PROGCACHE_CONFIG"); ok {
		blob, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decode(blob, &cfg); err != nil {
			return Config{}, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults without consulting the environment.
func Parse(blob []byte) (Config, error) {
	cfg := Default()
	if err := decode(blob, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(blob []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(blob))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.Service = env.String("PROGCACHE_SERVICE", cfg.Service)
	cfg.LogLevel = env.String("PROGCACHE_LOG_LEVEL", cfg.LogLevel)
	cfg.Backend = env.String("PROGCACHE_BACKEND", cfg.Backend)
	cfg.ConflictPolicy = env.String("PROGCACHE_CONFLICT_POLICY", cfg.ConflictPolicy)
	cfg.HTTP.Addr = env.String("PROGCACHE_HTTP_ADDR", cfg.HTTP.Addr)
	cfg.Lock.Mode = env.String("PROGCACHE_LOCK_MODE", cfg.Lock.Mode)
	cfg.SQLite.Path = env.String("PROGCACHE_SQLITE_PATH", cfg.SQLite.Path)
	cfg.Retention.Schedule = env.String("PROGCACHE_RETENTION_SCHEDULE", cfg.Retention.Schedule)
	cfg.Compiler.Command = env.String("PROGCACHE_COMPILER_COMMAND", cfg.Compiler.Command)
	cfg.Compiler.Args = env.Strings("PROGCACHE_COMPILER_ARGS", cfg.Compiler.Args)
	cfg.Compiler.Output = env.String("PROGCACHE_COMPILER_OUTPUT", cfg.Compiler.Output)
	cfg.Compiler.Dir = env.String("PROGCACHE_COMPILER_DIR", cfg.Compiler.Dir)
	cfg.Audit.Sink = env.String("PROGCACHE_AUDIT_SINK", cfg.Audit.Sink)
	cfg.Audit.Table = env.String("PROGCACHE_AUDIT_TABLE", cfg.Audit.Table)

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"PROGCACHE_HTTP_SHUTDOWN_TIMEOUT", &cfg.HTTP.ShutdownTimeout},
		{"PROGCACHE_HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout},
		{"PROGCACHE_LOCK_WAIT_TIMEOUT", &cfg.Lock.WaitTimeout},
		{"PROGCACHE_LOCK_EXPIRY", &cfg.Lock.Expiry},
		{"PROGCACHE_LOCK_RETRY_DELAY", &cfg.Lock.RetryDelay},
		{"PROGCACHE_REDIS_TTL", &cfg.Redis.TTL},
		{"PROGCACHE_RETENTION_MAX_AGE", &cfg.Retention.MaxAge},
		{"PROGCACHE_COMPILER_TIMEOUT", &cfg.Compiler.Timeout},
	}
	for _, d := range durations {
		v, err := env.Duration(d.key, *d.dst)
		if err != nil {
			return err
		}
		*d.dst = v
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"PROGCACHE_LOCK_TRIES", &cfg.Lock.Tries},
		{"PROGCACHE_MEMORY_MAX_ENTRIES", &cfg.Memory.MaxEntries},
	}
	for _, i := range ints {
		v, err := env.Int(i.key, *i.dst)
		if err != nil {
			return err
		}
		*i.dst = v
	}
	return nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Service) == "" {
		return errors.New("service is required")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q must be one of debug, info, warn, error", c.LogLevel)
	}
	switch c.Backend {
	case BackendMemory, BackendRedis, BackendPostgres, BackendSQLite, BackendMinIO:
	default:
		return fmt.Errorf("backend %q is not supported", c.Backend)
	}
	switch c.ConflictPolicy {
	case "reject", "overwrite":
	default:
		return fmt.Errorf("conflict_policy %q must be reject or overwrite", c.ConflictPolicy)
	}
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		return errors.New("http.addr is required")
	}
	switch c.Lock.Mode {
	case LockLocal, LockRedis:
	default:
		return fmt.Errorf("lock.mode %q must be local or redis", c.Lock.Mode)
	}
	if c.Lock.WaitTimeout < 0 {
		return errors.New("lock.wait_timeout must be >= 0")
	}
	if c.Lock.Mode == LockRedis && (c.Lock.Expiry <= 0 || c.Lock.Tries < 1 || c.Lock.RetryDelay <= 0) {
		return errors.New("lock.expiry, lock.tries and lock.retry_delay must be positive for redis locks")
	}
	if c.Backend == BackendMemory && c.Memory.MaxEntries < 1 {
		return errors.New("memory.max_entries must be >= 1")
	}
	if c.Backend == BackendSQLite && strings.TrimSpace(c.SQLite.Path) == "" {
		return errors.New("sqlite.path is required")
	}
	if c.Redis.TTL < 0 {
		return errors.New("redis.ttl must be >= 0")
	}
	if c.Retention.Schedule != "" && c.Retention.MaxAge <= 0 {
		return errors.New("retention.max_age must be positive when retention.schedule is set")
	}
	if strings.TrimSpace(c.Compiler.Command) == "" {
		return errors.New("compiler.command is required")
	}
	switch c.Audit.Sink {
	case AuditNone, AuditLog:
	case AuditPostgres:
		if strings.TrimSpace(c.Audit.Table) == "" {
			return errors.New("audit.table is required for the postgres sink")
		}
	default:
		return fmt.Errorf("audit.sink %q must be none, log or postgres", c.Audit.Sink)
	}
	return nil
}
