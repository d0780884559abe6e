// Command connector runs the connector control plane and inspects its stores.
package main

import (
	"io"
	"os"
	"strings"

	"github.com/alecthomas/kong"

	connector "github.com/goliatone/go-connector"
	"github.com/goliatone/go-connector/config"
)

// Globals are shared by every command.
type Globals struct {
	Config   string `help:"Configuration file (yaml, json or toml)." short:"c" type:"path" env:"CONNECTOR_CONFIG"`
	LogLevel string `help:"Override log.level." name:"log-level" env:"CONNECTOR_LOG_LEVEL"`

	Out io.Writer `kong:"-"`
}

func (g *Globals) load() (config.Config, error) {
	var cfg config.Config
	var err error
	if strings.TrimSpace(g.Config) == "" {
		cfg = config.Defaults()
		err = cfg.Validate()
	} else {
		cfg, err = config.Load(g.Config)
	}
	if err != nil {
		return cfg, err
	}
	if g.LogLevel != "" {
		cfg.Log.Level = g.LogLevel
	}
	return cfg, nil
}

func (g *Globals) logger(cfg config.Config) connector.Logger {
	return connector.WithLoggerFields(
		connector.NewDefaultGlog(os.Stderr, cfg.Log.Level, cfg.Log.Format),
		map[string]any{"participant": cfg.ParticipantID},
	)
}

func (g *Globals) out() io.Writer {
	if g.Out == nil {
		return os.Stdout
	}
	return g.Out
}

type CLI struct {
	Globals

	Run    RunCmd    `cmd:"" help:"Run process managers, watchdogs and the protocol endpoint until interrupted."`
	Status StatusCmd `cmd:"" help:"Show one negotiation or transfer."`
	List   ListCmd   `cmd:"" help:"Query negotiations or transfers."`
	Stuck  StuckCmd  `cmd:"" help:"List entities that exhausted their retries."`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("connector"),
		kong.Description("Dataspace connector control plane."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(&cli.Globals))
}
