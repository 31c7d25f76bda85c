// Command rwsim replays reader/writer scenarios against the writer priority
// lock and verifies what every reader observed.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"gitlab.com/slon/txrwlock/metrics"
	"gitlab.com/slon/txrwlock/rwlock"
	"gitlab.com/slon/txrwlock/sim"
)

type options struct {
	configPath  string
	scale       float64
	repeat      int
	logLevel    string
	metricsAddr string
}

func (o *options) bind(fs *pflag.FlagSet) {
	fs.StringVarP(&o.configPath, "config", "c", "", "path to a .yaml scenario; the writer priority scenario is used if empty")
	fs.Float64Var(&o.scale, "scale", 1, "multiplier applied to every start delay and hold")
	fs.IntVar(&o.repeat, "repeat", 1, "number of runs")
	fs.StringVar(&o.logLevel, "log-level", "info", "log level")
	fs.StringVar(&o.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
}

func (o *options) validate() error {
	if o.scale <= 0 {
		return fmt.Errorf("--scale must be positive, got %v", o.scale)
	}
	if o.repeat < 1 {
		return fmt.Errorf("--repeat must be at least 1, got %d", o.repeat)
	}
	return nil
}

func newRootCmd() *cobra.Command {
	var o options
	cmd := &cobra.Command{
		Use:           "rwsim",
		Short:         "Replay reader/writer workloads against the writer priority lock",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.validate(); err != nil {
				return err
			}
			return run(cmd.Context(), &o, cmd.OutOrStdout())
		},
	}
	o.bind(cmd.Flags())
	return cmd
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	return cfg.Build()
}

func run(ctx context.Context, o *options, out io.Writer) error {
	log, err := newLogger(o.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	sc := sim.DefaultScenario()
	if o.configPath != "" {
		if sc, err = sim.LoadScenario(o.configPath); err != nil {
			return err
		}
	}
	sc = sc.Scale(o.scale)

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		return err
	}
	if o.metricsAddr != "" {
		stop, err := serveMetrics(o.metricsAddr, reg, log)
		if err != nil {
			return err
		}
		defer stop()
	}

	lock := m.Wrap(rwlock.New(rwlock.WithLogger(log), rwlock.WithName("shared")), "shared")
	runner := sim.New(lock, sim.WithLogger(log))

	var failed int
	for i := 0; i < o.repeat; i++ {
		report, err := runner.Run(ctx, sc)
		if report != nil {
			printReport(out, report)
		}
		switch {
		case err == nil:
		case errors.Is(err, sim.ErrUnexpectedValue):
			failed++
			fmt.Fprintf(out, "FAIL %v\n", err)
		default:
			return err
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d runs observed unexpected values", failed, o.repeat)
	}
	return nil
}

func printReport(out io.Writer, report *sim.Report) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "run %s\t(%v)\n", report.RunID, report.Elapsed)
	fmt.Fprintln(w, "TASK\tROLE\tVALUE\tACQUIRED\tRELEASED")
	for _, obs := range report.Observations {
		fmt.Fprintf(w, "%s\t%s\t%d\t%v\t%v\n", obs.Task, obs.Role, obs.Value, obs.Acquired, obs.Released)
	}
	_ = w.Flush()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "rwsim:", err)
		stop()
		os.Exit(1)
	}
}
