package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	connector "github.com/goliatone/go-connector"
	"github.com/goliatone/go-connector/config"
	"github.com/goliatone/go-connector/cron"
	"github.com/goliatone/go-connector/fsm"
	"github.com/goliatone/go-connector/manager"
	"github.com/goliatone/go-connector/negotiation"
	"github.com/goliatone/go-connector/policy"
	"github.com/goliatone/go-connector/protocol"
	"github.com/goliatone/go-connector/query"
	"github.com/goliatone/go-connector/router"
	"github.com/goliatone/go-connector/transfer"
)

const (
	kindNegotiation = "negotiation"
	kindTransfer    = "transfer"
)

type RunCmd struct {
	ShutdownTimeout time.Duration `help:"Grace period for in-flight transitions on shutdown." default:"30s"`
}

func (c *RunCmd) Run(g *Globals) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	logger := g.logger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	engine, watcher, err := policyEngine(cfg.Policy, logger)
	if err != nil {
		return err
	}

	dispatcher := protocol.NewHTTPDispatcher(
		protocol.WithTimeout(cfg.Dispatcher.Timeout),
		protocol.WithRetry(cfg.Dispatcher.RetryMax, cfg.Dispatcher.RetryWaitMin, cfg.Dispatcher.RetryWaitMax),
		protocol.WithHTTPLogger(logger),
	)

	negotiations, err := negotiation.NewManager(a.negotiations.managed, &negotiation.Processor{
		ParticipantID: cfg.ParticipantID,
		Address:       cfg.Address,
		Dispatcher:    dispatcher,
		Policy:        engine,
		Logger:        logger,
	}, managerOptions[*negotiation.ContractNegotiation](cfg, cfg.Negotiation, logger)...)
	if err != nil {
		return err
	}
	transfers, err := transfer.NewManager(a.transfers.managed, &transfer.Processor{
		ParticipantID: cfg.ParticipantID,
		Address:       cfg.Address,
		Dispatcher:    dispatcher,
		Provisioner:   transfer.NoopProvisioner{},
		Policy:        engine,
		Agreements:    a.negotiationService,
		Logger:        logger,
	}, managerOptions[*transfer.TransferProcess](cfg, cfg.Transfer, logger)...)
	if err != nil {
		return err
	}

	scheduler := cron.NewScheduler(cron.WithLogger(logger))
	if err := a.scheduleWatchdogs(scheduler); err != nil {
		return err
	}

	mux := router.NewMux(router.WithLogger(logger))
	mux.Add("dspace:Contract*", a.negotiationService.HandleMessage)
	mux.Add("dspace:Transfer*", a.transferService.HandleMessage)

	httpMux := http.NewServeMux()
	httpMux.Handle("/protocol", protocol.NewHTTPHandler(mux.Handle, logger))
	httpMux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeHealth(w, negotiations.Health(), transfers.Health())
	})
	server := &http.Server{Addr: cfg.Listen, Handler: httpMux, ReadHeaderTimeout: 10 * time.Second}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return negotiations.Run(gctx) })
	group.Go(func() error { return transfers.Run(gctx) })
	group.Go(func() error { return scheduler.Start(gctx) })
	if watcher != nil {
		group.Go(func() error { return watcher.Run(gctx) })
	}
	group.Go(func() error {
		logger.Info("protocol endpoint listening on %s", cfg.Listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("protocol endpoint: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
		defer cancel()

		var errs *multierror.Error
		if err := server.Shutdown(shutdownCtx); err != nil {
			errs = multierror.Append(errs, err)
		}
		if err := scheduler.Stop(shutdownCtx); err != nil {
			errs = multierror.Append(errs, err)
		}
		if err := negotiations.Stop(shutdownCtx); err != nil {
			errs = multierror.Append(errs, err)
		}
		if err := transfers.Stop(shutdownCtx); err != nil {
			errs = multierror.Append(errs, err)
		}
		return errs.ErrorOrNil()
	})

	err = group.Wait()
	logger.Info("connector stopped")
	return err
}

func policyEngine(cfg config.PolicyConfig, logger connector.Logger) (policy.Engine, *policy.Watcher, error) {
	if cfg.File == "" {
		return policy.AllowAll, nil, nil
	}
	rules, err := policy.LoadRules(cfg.File)
	if err != nil {
		return nil, nil, err
	}
	engine, err := policy.NewRuleEngine(rules, logger)
	if err != nil {
		return nil, nil, err
	}
	if !cfg.Watch {
		return engine, nil, nil
	}
	return engine, policy.NewWatcher(cfg.File, engine, 250*time.Millisecond, logger), nil
}

func managerOptions[T connector.StatefulEntity](cfg config.Config, m config.ManagerConfig, logger connector.Logger) []manager.Option[T] {
	opts := []manager.Option[T]{
		manager.WithOwner[T](cfg.LeaseOwner()),
		manager.WithBatchSize[T](m.BatchSize),
		manager.WithInterval[T](m.Interval),
		manager.WithConcurrency[T](m.Concurrency),
		manager.WithRetry[T](m.Backoff(), m.MaxRetries),
		manager.WithExhaustionPolicy[T](m.ExhaustionPolicy()),
		manager.WithLogger[T](logger),
	}
	timeout := m.TransitionTimeout
	if timeout <= 0 {
		timeout = cfg.Lease.Duration / 2
	}
	return append(opts, manager.WithTransitionTimeout[T](timeout))
}

func (a *app) negotiationWatchdog() (*manager.Watchdog[*negotiation.ContractNegotiation], error) {
	return manager.NewWatchdog[*negotiation.ContractNegotiation]("negotiation-watchdog", a.negotiations.api,
		negotiation.Machine(), a.cfg.StuckThreshold(a.cfg.Negotiation), nil, a.logger)
}

func (a *app) transferWatchdog() (*manager.Watchdog[*transfer.TransferProcess], error) {
	return manager.NewWatchdog[*transfer.TransferProcess]("transfer-watchdog", a.transfers.api,
		transfer.Machine(), a.cfg.StuckThreshold(a.cfg.Transfer), nil, a.logger)
}

func (a *app) scheduleWatchdogs(scheduler *cron.Scheduler) error {
	nw, err := a.negotiationWatchdog()
	if err != nil {
		return err
	}
	if _, err := nw.Schedule(scheduler, a.cfg.Watchdog.Schedule); err != nil {
		return err
	}
	tw, err := a.transferWatchdog()
	if err != nil {
		return err
	}
	_, err = tw.Schedule(scheduler, a.cfg.Watchdog.Schedule)
	return err
}

func writeHealth(w http.ResponseWriter, reports ...manager.Health) {
	code := http.StatusOK
	for _, h := range reports {
		if !h.Healthy {
			code = http.StatusServiceUnavailable
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(reports)
}

type StatusCmd struct {
	Kind string `arg:"" enum:"negotiation,transfer" help:"negotiation or transfer."`
	ID   string `arg:"" help:"Entity id."`
}

func (c *StatusCmd) Run(g *Globals) error {
	return withApp(g, func(ctx context.Context, a *app) error {
		var entity any
		var err error
		if c.Kind == kindNegotiation {
			entity, err = a.negotiationService.Get(ctx, c.ID)
		} else {
			entity, err = a.transferService.Get(ctx, c.ID)
		}
		if err != nil {
			return err
		}
		enc := json.NewEncoder(g.out())
		enc.SetIndent("", "  ")
		return enc.Encode(entity)
	})
}

type ListCmd struct {
	Kind   string   `arg:"" enum:"negotiation,transfer" help:"negotiation or transfer."`
	Filter []string `help:"Criteria such as 'state=800' or 'counterPartyId in (a,b)'." short:"f"`
	Sort   string   `help:"Sort field." default:"updatedAt"`
	Desc   bool     `help:"Sort descending."`
	Offset int      `help:"Rows to skip."`
	Limit  int      `help:"Maximum rows, zero for all." default:"50"`
}

func (c *ListCmd) spec() (query.Spec, error) {
	criteria, err := query.ParseCriteria(c.Filter...)
	if err != nil {
		return query.Spec{}, err
	}
	spec := query.Spec{Filter: criteria, SortField: c.Sort, SortOrder: query.SortAsc, Offset: c.Offset, Limit: c.Limit}
	if c.Desc {
		spec.SortOrder = query.SortDesc
	}
	return spec, nil
}

func (c *ListCmd) Run(g *Globals) error {
	spec, err := c.spec()
	if err != nil {
		return err
	}
	return withApp(g, func(ctx context.Context, a *app) error {
		if c.Kind == kindNegotiation {
			items, err := a.negotiationService.List(ctx, spec)
			if err != nil {
				return err
			}
			return renderNegotiations(g.out(), items)
		}
		items, err := a.transferService.List(ctx, spec)
		if err != nil {
			return err
		}
		return renderTransfers(g.out(), items)
	})
}

type StuckCmd struct {
	Kind string `arg:"" enum:"negotiation,transfer" help:"negotiation or transfer."`
}

func (c *StuckCmd) Run(g *Globals) error {
	return withApp(g, func(ctx context.Context, a *app) error {
		if c.Kind == kindNegotiation {
			w, err := a.negotiationWatchdog()
			if err != nil {
				return err
			}
			stuck, err := w.Sweep(ctx)
			if err != nil {
				return err
			}
			return renderNegotiations(g.out(), stuck)
		}
		w, err := a.transferWatchdog()
		if err != nil {
			return err
		}
		stuck, err := w.Sweep(ctx)
		if err != nil {
			return err
		}
		return renderTransfers(g.out(), stuck)
	})
}

func withApp(g *Globals, fn func(context.Context, *app) error) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	ctx := context.Background()
	a, err := newApp(ctx, cfg, g.logger(cfg))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	errorStyle  = cellStyle.Foreground(lipgloss.Color("9"))
)

const errorColumn = 5

func renderNegotiations(w io.Writer, items []*negotiation.ContractNegotiation) error {
	rows := make([][]string, 0, len(items))
	for _, n := range items {
		rows = append(rows, row(negotiation.Machine(), &n.Entity, string(n.Role)))
	}
	return render(w, rows)
}

func renderTransfers(w io.Writer, items []*transfer.TransferProcess) error {
	rows := make([][]string, 0, len(items))
	for _, tp := range items {
		rows = append(rows, row(transfer.Machine(), &tp.Entity, string(tp.Role)))
	}
	return render(w, rows)
}

func row(m *fsm.Machine, e *connector.Entity, role string) []string {
	return []string{
		e.ID,
		role,
		m.Name(e.State),
		strconv.Itoa(e.StateCount),
		e.UpdatedAt.Format(time.RFC3339),
		e.ErrorDetail,
	}
}

func render(w io.Writer, rows [][]string) error {
	if len(rows) == 0 {
		_, err := fmt.Fprintln(w, "no entities")
		return err
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "ROLE", "STATE", "COUNT", "UPDATED", "ERROR").
		Rows(rows...).
		StyleFunc(func(r, col int) lipgloss.Style {
			switch {
			case r == table.HeaderRow:
				return headerStyle
			case col == errorColumn:
				return errorStyle
			default:
				return cellStyle
			}
		})
	_, err := fmt.Fprintln(w, t.String())
	return err
}
