// Package config loads the configuration of a trustnode daemon from a YAML
// file and TRUSTNODE_* environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/GEO-Project/network-client/paths"
	"github.com/GEO-Project/network-client/payment"
	"github.com/GEO-Project/network-client/state"
	"github.com/GEO-Project/network-client/trustline"
	"github.com/stellar/go/keypair"
	"gopkg.in/yaml.v3"
)

const envPrefix = "TRUSTNODE_"

type Config struct {
	// Seed is the secret seed of the node identity.
	Seed       string   `yaml:"seed"`
	ListenAddr string   `yaml:"listen_addr"`
	HTTPAddr   string   `yaml:"http_addr"`
	Database   Database `yaml:"database"`

	// Peers maps node IDs of contractors to their listen addresses.
	Peers map[string]string `yaml:"peers"`
	// Routes are paths starting at this node that payments may take.
	Routes [][]string `yaml:"routes"`

	Timings Timings `yaml:"timings"`
	Log     Log     `yaml:"log"`
	Inbound Inbound `yaml:"inbound"`
}

type Database struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type Timings struct {
	MessageTimeout      time.Duration `yaml:"message_timeout"`
	ProlongationTimeout time.Duration `yaml:"prolongation_timeout"`
	MaxAttempts         int           `yaml:"max_attempts"`
	MaxDecisionAttempts int           `yaml:"max_decision_attempts"`
	LockRetryDelay      time.Duration `yaml:"lock_retry_delay"`
	MaxLockAttempts     int           `yaml:"max_lock_attempts"`
	AuditRetryDelay     time.Duration `yaml:"audit_retry_delay"`
	AuditSweepInterval  time.Duration `yaml:"audit_sweep_interval"`
	// CommandTimeout bounds how long an HTTP command waits for its outcome.
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Inbound limits the messages accepted from each contractor.
type Inbound struct {
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

func Default() Config {
	p := payment.DefaultTimings()
	t := trustline.DefaultTimings()
	return Config{
		ListenAddr: ":7400",
		HTTPAddr:   "127.0.0.1:7480",
		Database:   Database{Driver: "sqlite", DSN: "trustnode.db"},
		Timings: Timings{
			MessageTimeout:      p.MessageTimeout,
			ProlongationTimeout: p.ProlongationTimeout,
			MaxAttempts:         p.MaxAttempts,
			MaxDecisionAttempts: p.MaxDecisionAttempts,
			LockRetryDelay:      t.LockRetryDelay,
			MaxLockAttempts:     t.MaxLockAttempts,
			AuditRetryDelay:     5 * time.Second,
			AuditSweepInterval:  time.Minute,
			CommandTimeout:      2 * time.Minute,
		},
		Log:     Log{Level: "info", Format: "text"},
		Inbound: Inbound{Rate: 100, Burst: 200},
	}
}

// Load reads the file at path over the defaults, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("load config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return Config{}, fmt.Errorf("parse config %q: %w", path, err)
		}
	}
	if err := c.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"SEED":        &c.Seed,
		"LISTEN_ADDR": &c.ListenAddr,
		"HTTP_ADDR":   &c.HTTPAddr,
		"DB_DRIVER":   &c.Database.Driver,
		"DB_DSN":      &c.Database.DSN,
		"LOG_LEVEL":   &c.Log.Level,
		"LOG_FORMAT":  &c.Log.Format,
	}
	for name, field := range strs {
		if v, ok := lookup(envPrefix + name); ok {
			*field = v
		}
	}
	durations := map[string]*time.Duration{
		"MESSAGE_TIMEOUT":      &c.Timings.MessageTimeout,
		"PROLONGATION_TIMEOUT": &c.Timings.ProlongationTimeout,
		"COMMAND_TIMEOUT":      &c.Timings.CommandTimeout,
	}
	for name, field := range durations {
		v, ok := lookup(envPrefix + name)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse %s%s: %w", envPrefix, name, err)
		}
		*field = d
	}
	return nil
}

func (c Config) Validate() error {
	if c.Seed == "" {
		return fmt.Errorf("seed is required")
	}
	if _, err := keypair.ParseFull(c.Seed); err != nil {
		return fmt.Errorf("invalid seed: %w", err)
	}
	if c.Database.Driver == "" || c.Database.DSN == "" {
		return fmt.Errorf("database driver and dsn are required")
	}
	for id := range c.Peers {
		if _, err := keypair.ParseAddress(id); err != nil {
			return fmt.Errorf("invalid peer %q: %w", id, err)
		}
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

// Identity returns the node identity. The seed must be valid.
func (c Config) Identity() *keypair.Full {
	return keypair.MustParseFull(c.Seed)
}

func (c Config) LogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(c.Log.Level))); err != nil {
		return 0, fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	return l, nil
}

func (c Config) PeerAddrs() map[state.NodeID]string {
	peers := make(map[state.NodeID]string, len(c.Peers))
	for id, addr := range c.Peers {
		peers[state.NodeID(id)] = addr
	}
	return peers
}

// StaticRoutes returns the configured routes as a path finder.
func (c Config) StaticRoutes() *paths.Static {
	s := paths.NewStatic()
	for _, r := range c.Routes {
		p := make(paths.Path, len(r))
		for i, id := range r {
			p[i] = state.NodeID(id)
		}
		s.Add(p)
	}
	return s
}

func (c Config) PaymentTimings() payment.Timings {
	return payment.Timings{
		MessageTimeout:      c.Timings.MessageTimeout,
		MaxAttempts:         c.Timings.MaxAttempts,
		ProlongationTimeout: c.Timings.ProlongationTimeout,
		MaxDecisionAttempts: c.Timings.MaxDecisionAttempts,
	}
}

func (c Config) TrustLineTimings() trustline.Timings {
	return trustline.Timings{
		MessageTimeout:  c.Timings.MessageTimeout,
		MaxAttempts:     c.Timings.MaxAttempts,
		LockRetryDelay:  c.Timings.LockRetryDelay,
		MaxLockAttempts: c.Timings.MaxLockAttempts,
	}
}
