// Package config loads connector settings from YAML, JSON or TOML files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	connector "github.com/goliatone/go-connector"
	"github.com/goliatone/go-connector/manager"
	"github.com/goliatone/go-connector/runner"
)

const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendDynamoDB = "dynamodb"
)

// Config is the root of a connector configuration file.
type Config struct {
	ParticipantID string `json:"participant_id" yaml:"participant_id" toml:"participant_id"`
	// InstanceID tells instances of one participant apart. Defaults to the
	// host name.
	InstanceID string `json:"instance_id,omitempty" yaml:"instance_id,omitempty" toml:"instance_id,omitempty"`
	// Address is the protocol endpoint counter-parties call back.
	Address string `json:"address" yaml:"address" toml:"address"`
	Listen  string `json:"listen" yaml:"listen" toml:"listen"`

	Store       StoreConfig      `json:"store" yaml:"store" toml:"store"`
	Lease       LeaseConfig      `json:"lease" yaml:"lease" toml:"lease"`
	Negotiation ManagerConfig    `json:"negotiation" yaml:"negotiation" toml:"negotiation"`
	Transfer    ManagerConfig    `json:"transfer" yaml:"transfer" toml:"transfer"`
	Dispatcher  DispatcherConfig `json:"dispatcher" yaml:"dispatcher" toml:"dispatcher"`
	Policy      PolicyConfig     `json:"policy" yaml:"policy" toml:"policy"`
	Watchdog    WatchdogConfig   `json:"watchdog" yaml:"watchdog" toml:"watchdog"`
	Log         LogConfig        `json:"log" yaml:"log" toml:"log"`
}

type StoreConfig struct {
	Backend          string `json:"backend" yaml:"backend" toml:"backend"`
	DSN              string `json:"dsn,omitempty" yaml:"dsn,omitempty" toml:"dsn,omitempty"`
	NegotiationTable string `json:"negotiation_table" yaml:"negotiation_table" toml:"negotiation_table"`
	TransferTable    string `json:"transfer_table" yaml:"transfer_table" toml:"transfer_table"`
	Region           string `json:"region,omitempty" yaml:"region,omitempty" toml:"region,omitempty"`
	Endpoint         string `json:"endpoint,omitempty" yaml:"endpoint,omitempty" toml:"endpoint,omitempty"`
}

type LeaseConfig struct {
	Duration time.Duration `json:"duration" yaml:"duration" toml:"duration"`
}

// ManagerConfig tunes one process manager.
type ManagerConfig struct {
	Interval          time.Duration `json:"interval" yaml:"interval" toml:"interval"`
	BatchSize         int           `json:"batch_size" yaml:"batch_size" toml:"batch_size"`
	MaxRetries        int           `json:"max_retries" yaml:"max_retries" toml:"max_retries"`
	BackoffBase       time.Duration `json:"backoff_base" yaml:"backoff_base" toml:"backoff_base"`
	BackoffMax        time.Duration `json:"backoff_max" yaml:"backoff_max" toml:"backoff_max"`
	Concurrency       int           `json:"concurrency" yaml:"concurrency" toml:"concurrency"`
	TransitionTimeout time.Duration `json:"transition_timeout,omitempty" yaml:"transition_timeout,omitempty" toml:"transition_timeout,omitempty"`
	// Exhaustion is "keep" or "terminate".
	Exhaustion string `json:"exhaustion" yaml:"exhaustion" toml:"exhaustion"`
}

// Backoff is the retry strategy for failed transitions.
func (m ManagerConfig) Backoff() runner.RetryStrategy {
	return runner.ExponentialBackoffStrategy{Base: m.BackoffBase, Factor: 2, Max: m.BackoffMax}
}

func (m ManagerConfig) ExhaustionPolicy() manager.ExhaustionPolicy {
	return manager.ExhaustionPolicy(strings.ToLower(m.Exhaustion))
}

type DispatcherConfig struct {
	Timeout      time.Duration `json:"timeout" yaml:"timeout" toml:"timeout"`
	RetryMax     int           `json:"retry_max" yaml:"retry_max" toml:"retry_max"`
	RetryWaitMin time.Duration `json:"retry_wait_min" yaml:"retry_wait_min" toml:"retry_wait_min"`
	RetryWaitMax time.Duration `json:"retry_wait_max" yaml:"retry_wait_max" toml:"retry_wait_max"`
}

type PolicyConfig struct {
	File  string `json:"file,omitempty" yaml:"file,omitempty" toml:"file,omitempty"`
	Watch bool   `json:"watch" yaml:"watch" toml:"watch"`
}

type WatchdogConfig struct {
	Schedule string `json:"schedule" yaml:"schedule" toml:"schedule"`
	// Threshold is the StateCount from which an entity counts as stuck.
	// Zero means the count an entity reaches once its retries are exhausted.
	Threshold int `json:"threshold,omitempty" yaml:"threshold,omitempty" toml:"threshold,omitempty"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level" toml:"level"`
	Format string `json:"format" yaml:"format" toml:"format"`
}

func defaultManager() ManagerConfig {
	return ManagerConfig{
		Interval:    time.Second,
		BatchSize:   10,
		MaxRetries:  5,
		BackoffBase: time.Second,
		BackoffMax:  time.Minute,
		Concurrency: 1,
		Exhaustion:  string(manager.ExhaustionKeep),
	}
}

// Defaults returns a configuration that runs a single in-memory connector.
func Defaults() Config {
	return Config{
		ParticipantID: "connector",
		Address:       "http://localhost:8282/protocol",
		Listen:        ":8282",
		Store: StoreConfig{
			Backend:          BackendMemory,
			NegotiationTable: "contract_negotiations",
			TransferTable:    "transfer_processes",
		},
		Lease:       LeaseConfig{Duration: connector.DefaultLeaseDuration},
		Negotiation: defaultManager(),
		Transfer:    defaultManager(),
		Dispatcher: DispatcherConfig{
			Timeout:      30 * time.Second,
			RetryMax:     3,
			RetryWaitMin: 200 * time.Millisecond,
			RetryWaitMax: 2 * time.Second,
		},
		Watchdog: WatchdogConfig{Schedule: "@every 1m"},
		Log:      LogConfig{Level: "info", Format: "console"},
	}
}

// Load reads path over Defaults and validates the result. Files ending in
// .toml are decoded as TOML, everything else as YAML, which covers JSON.
func Load(path string) (Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := Parse(data, filepath.Ext(path), &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Parse decodes data into cfg. ext selects the format.
func Parse(data []byte, ext string, cfg *Config) error {
	if strings.EqualFold(ext, ".toml") {
		_, err := toml.Decode(string(data), cfg)
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs *multierror.Error
	if strings.TrimSpace(c.ParticipantID) == "" {
		errs = multierror.Append(errs, fmt.Errorf("participant_id is required"))
	}
	if strings.TrimSpace(c.Address) == "" {
		errs = multierror.Append(errs, fmt.Errorf("address is required"))
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendSQLite, BackendPostgres:
		if c.Store.DSN == "" {
			errs = multierror.Append(errs, fmt.Errorf("store.dsn is required for %s", c.Store.Backend))
		}
	case BackendDynamoDB:
		if c.Store.Region == "" && c.Store.Endpoint == "" {
			errs = multierror.Append(errs, fmt.Errorf("store.region or store.endpoint is required for dynamodb"))
		}
	default:
		errs = multierror.Append(errs, fmt.Errorf("unknown store.backend %q", c.Store.Backend))
	}
	if c.Store.NegotiationTable == "" || c.Store.TransferTable == "" {
		errs = multierror.Append(errs, fmt.Errorf("store tables must be named"))
	} else if c.Store.NegotiationTable == c.Store.TransferTable {
		errs = multierror.Append(errs, fmt.Errorf("negotiations and transfers need separate tables"))
	}

	if c.Lease.Duration <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("lease.duration must be positive"))
	}
	if err := c.Negotiation.validate("negotiation", c.Lease.Duration); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := c.Transfer.validate("transfer", c.Lease.Duration); err != nil {
		errs = multierror.Append(errs, err)
	}
	if c.Dispatcher.Timeout <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("dispatcher.timeout must be positive"))
	}
	if c.Dispatcher.RetryWaitMax < c.Dispatcher.RetryWaitMin {
		errs = multierror.Append(errs, fmt.Errorf("dispatcher.retry_wait_max is below retry_wait_min"))
	}
	if c.Policy.Watch && c.Policy.File == "" {
		errs = multierror.Append(errs, fmt.Errorf("policy.watch requires policy.file"))
	}
	if c.Watchdog.Threshold < 0 {
		errs = multierror.Append(errs, fmt.Errorf("watchdog.threshold cannot be negative"))
	}

	if err := errs.ErrorOrNil(); err != nil {
		return connector.NewError(connector.ErrValidation, "invalid configuration", err, nil)
	}
	return nil
}

func (m ManagerConfig) validate(name string, lease time.Duration) error {
	var errs *multierror.Error
	if m.Interval <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("%s.interval must be positive", name))
	}
	if m.BatchSize <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("%s.batch_size must be positive", name))
	}
	if m.MaxRetries < 0 {
		errs = multierror.Append(errs, fmt.Errorf("%s.max_retries cannot be negative", name))
	}
	if m.BackoffMax < m.BackoffBase {
		errs = multierror.Append(errs, fmt.Errorf("%s.backoff_max is below backoff_base", name))
	}
	if m.TransitionTimeout >= lease && lease > 0 {
		errs = multierror.Append(errs, fmt.Errorf("%s.transition_timeout must be shorter than the lease", name))
	}
	switch m.ExhaustionPolicy() {
	case manager.ExhaustionKeep, manager.ExhaustionTerminate:
	default:
		errs = multierror.Append(errs, fmt.Errorf("%s.exhaustion must be keep or terminate", name))
	}
	return errs.ErrorOrNil()
}

// StuckThreshold is the watchdog threshold for a manager.
func (c Config) StuckThreshold(m ManagerConfig) int {
	if c.Watchdog.Threshold > 0 {
		return c.Watchdog.Threshold
	}
	return m.MaxRetries + 2
}

// LeaseOwner is the owner identity the process managers claim with.
func (c Config) LeaseOwner() string {
	instance := strings.TrimSpace(c.InstanceID)
	if instance == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "local"
		}
		instance = host
	}
	return c.ParticipantID + "/" + instance
}
