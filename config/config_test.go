package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	apperrors "github.com/goliatone/go-errors"
	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	connector "github.com/goliatone/go-connector"
	"github.com/goliatone/go-connector/manager"
	"github.com/goliatone/go-connector/runner"
)

func write(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, BackendMemory, cfg.Store.Backend)
	assert.Equal(t, connector.DefaultLeaseDuration, cfg.Lease.Duration)
	assert.Equal(t, manager.ExhaustionKeep, cfg.Negotiation.ExhaustionPolicy())
	assert.Equal(t, 7, cfg.StuckThreshold(cfg.Negotiation))
	assert.Contains(t, cfg.LeaseOwner(), "connector/")

	cfg.InstanceID = "node-2"
	assert.Equal(t, "connector/node-2", cfg.LeaseOwner())
}

func TestLoadYAML(t *testing.T) {
	path := write(t, "connector.yaml", `
participant_id: provider-a
address: https://provider-a.example/protocol
store:
  backend: sqlite
  dsn: file:connector.db
lease:
  duration: 2m
negotiation:
  interval: 250ms
  max_retries: 3
  exhaustion: terminate
policy:
  file: rules.toml
  watch: true
watchdog:
  schedule: "*/5 * * * *"
  threshold: 9
log:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "provider-a", cfg.ParticipantID)
	assert.Equal(t, BackendSQLite, cfg.Store.Backend)
	assert.Equal(t, "contract_negotiations", cfg.Store.NegotiationTable, "defaults survive partial files")
	assert.Equal(t, 2*time.Minute, cfg.Lease.Duration)
	assert.Equal(t, 250*time.Millisecond, cfg.Negotiation.Interval)
	assert.Equal(t, 10, cfg.Negotiation.BatchSize)
	assert.Equal(t, manager.ExhaustionTerminate, cfg.Negotiation.ExhaustionPolicy())
	assert.Equal(t, time.Second, cfg.Transfer.Interval)
	assert.True(t, cfg.Policy.Watch)
	assert.Equal(t, 9, cfg.StuckThreshold(cfg.Transfer))
	assert.Equal(t, "json", cfg.Log.Format)

	backoff, ok := cfg.Negotiation.Backoff().(runner.ExponentialBackoffStrategy)
	require.True(t, ok)
	assert.Equal(t, time.Second, backoff.Base)
	assert.Equal(t, time.Minute, backoff.Max)
}

func TestLoadTOML(t *testing.T) {
	path := write(t, "connector.toml", `
participant_id = "consumer-b"
address = "https://consumer-b.example/protocol"

[store]
backend = "dynamodb"
endpoint = "http://localhost:8000"

[transfer]
interval = "5s"
batch_size = 50
concurrency = 4
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "consumer-b", cfg.ParticipantID)
	assert.Equal(t, BackendDynamoDB, cfg.Store.Backend)
	assert.Equal(t, 5*time.Second, cfg.Transfer.Interval)
	assert.Equal(t, 50, cfg.Transfer.BatchSize)
	assert.Equal(t, 4, cfg.Transfer.Concurrency)
}

func TestLoadJSON(t *testing.T) {
	path := write(t, "connector.json", `{"participant_id": "c-1", "listen": ":9000", "dispatcher": {"retry_max": 0}}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, 0, cfg.Dispatcher.RetryMax)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.ParticipantID = " "
	cfg.Store.Backend = BackendPostgres
	cfg.Negotiation.BatchSize = 0
	cfg.Transfer.Exhaustion = "forget"
	cfg.Transfer.TransitionTimeout = 2 * cfg.Lease.Duration
	cfg.Policy.Watch = true

	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, connector.IsValidation(err))

	var app *apperrors.Error
	require.True(t, errors.As(err, &app))
	merr, ok := app.Source.(*multierror.Error)
	require.True(t, ok)
	assert.Len(t, merr.Errors, 6)

	text := merr.Error()
	for _, want := range []string{
		"participant_id is required",
		"store.dsn is required for postgres",
		"negotiation.batch_size must be positive",
		"transfer.exhaustion must be keep or terminate",
		"transfer.transition_timeout must be shorter than the lease",
		"policy.watch requires policy.file",
	} {
		assert.Contains(t, text, want)
	}
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = Load(write(t, "bad.yaml", "store: [unclosed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")

	_, err = Load(write(t, "bad-backend.yaml", "store:\n  backend: cassandra\n"))
	require.Error(t, err)
	assert.True(t, connector.IsValidation(err))
}
