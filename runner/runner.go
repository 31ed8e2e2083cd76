package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/pprof"
	"time"

	"github.com/alexeyco/simpletable"
	jsoniter "github.com/json-iterator/go"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/profiler"
	"github.com/rudderlabs/rudder-go-kit/stats"
	svcMetric "github.com/rudderlabs/rudder-go-kit/stats/metric"
	obskit "github.com/rudderlabs/rudder-observability-kit/go/labels"

	"github.com/rudderlabs/rudder-reconciler/internal/metadata"
	"github.com/rudderlabs/rudder-reconciler/reconciler"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const serviceName = "rudder-reconciler"

// ReleaseInfo holds the release information
type ReleaseInfo struct {
	Version   string
	Commit    string
	BuildDate string
	BuiltBy   string
}

// Runner is responsible for running the application
type Runner struct {
	releaseInfo ReleaseInfo
	conf        *config.Config
	log         logger.Logger
	logger      logger.Logger
	stdout      io.Writer

	gracefulShutdownTimeout time.Duration
}

// New creates and initializes a new Runner
func New(releaseInfo ReleaseInfo) *Runner {
	log := logger.NewLogger()
	return &Runner{
		releaseInfo:             releaseInfo,
		conf:                    config.Default,
		log:                     log,
		logger:                  log.Child("runner"),
		stdout:                  os.Stdout,
		gracefulShutdownTimeout: config.GetDuration("GracefulShutdownTimeout", 15, time.Second),
	}
}

// Run runs the command line application and returns the exit code
func (r *Runner) Run(ctx context.Context, args []string) int {
	app := &cli.App{
		Name:      serviceName,
		Usage:     "make a destination admin endpoint converge to a source one",
		Version:   r.releaseInfo.Version,
		Writer:    r.stdout,
		ErrWriter: r.stdout,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "source",
				Usage:   "source admin endpoint url, overrides Reconciler.sourceURL",
				EnvVars: []string{"RECONCILER_SOURCE_URL"},
			},
			&cli.StringFlag{
				Name:    "destination",
				Usage:   "destination admin endpoint url, overrides Reconciler.destinationURL",
				EnvVars: []string{"RECONCILER_DESTINATION_URL"},
			},
		},
		Before: func(c *cli.Context) error {
			if c.IsSet("source") {
				r.conf.Set("Reconciler.sourceURL", c.String("source"))
			}
			if c.IsSet("destination") {
				r.conf.Set("Reconciler.destinationURL", c.String("destination"))
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "reconcile the destination with the source",
				Action: r.runCommand,
			},
			{
				Name:   "types",
				Usage:  "print the migration types both endpoints support, in migration order",
				Action: r.typesCommand,
			},
			{
				Name:  "version",
				Usage: "print version information",
				Action: func(*cli.Context) error {
					return r.printVersion()
				},
			},
		},
		DefaultCommand: "run",
	}
	if err := app.RunContext(ctx, args); err != nil {
		r.logger.Errorn("Command failed", obskit.Error(err))
		return 1
	}
	return 0
}

func (r *Runner) runCommand(c *cli.Context) error {
	ctx := c.Context
	r.logConfigSource()

	statsOptions := []stats.Option{
		stats.WithServiceName(serviceName),
		stats.WithServiceVersion(r.releaseInfo.Version),
		stats.WithDefaultHistogramBuckets(defaultHistogramBuckets),
	}
	for histogramName, buckets := range customBuckets {
		statsOptions = append(statsOptions, stats.WithHistogramBuckets(histogramName, buckets))
	}
	stats.Default = stats.NewStats(r.conf, logger.Default, svcMetric.Instance, statsOptions...)
	if err := stats.Default.Start(ctx, stats.DefaultGoRoutineFactory); err != nil {
		return fmt.Errorf("starting stats: %w", err)
	}
	defer stats.Default.Stop()
	stats.Default.NewTaggedStat("reconciler_config", stats.GaugeType, stats.Tags{
		"version":   r.releaseInfo.Version,
		"commit":    r.releaseInfo.Commit,
		"buildDate": r.releaseInfo.BuildDate,
		"builtBy":   r.releaseInfo.BuiltBy,
	}).Gauge(1)

	rec, err := reconciler.New(r.conf, r.log, stats.Default)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	// the servers live as long as the reconciliation
	serveCtx, stopServing := context.WithCancel(gctx)
	if r.conf.GetBoolVar(true, "Reconciler.statusServer.enabled") {
		g.Go(func() error {
			if err := r.serveStatus(serveCtx, rec); err != nil {
				return fmt.Errorf("status server: %w", err)
			}
			return nil
		})
	}
	if r.conf.GetBoolVar(false, "Profiler.Enabled") {
		g.Go(func() error {
			return profiler.StartServer(serveCtx, r.conf.GetIntVar(7777, 1, "Profiler.Port"))
		})
	}
	g.Go(func() error {
		defer stopServing()
		return rec.Run(gctx)
	})

	done := make(chan error, 1)
	go func() {
		done <- g.Wait()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}
	r.logger.Infon("Attempting to shutdown gracefully")
	ctxDoneTime := time.Now()
	select {
	case err := <-done:
		r.logger.Infon("Graceful termination",
			logger.NewDurationField("duration", time.Since(ctxDoneTime)),
			logger.NewIntField("goroutines", int64(runtime.NumGoroutine())),
		)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	case <-time.After(r.gracefulShutdownTimeout):
		r.logger.Errorn("Graceful termination failed, goroutine dump follows",
			logger.NewDurationField("duration", time.Since(ctxDoneTime)))
		_, _ = fmt.Fprint(r.stdout, "\n\n")
		_ = pprof.Lookup("goroutine").WriteTo(r.stdout, 1)
		_, _ = fmt.Fprint(r.stdout, "\n\n")
		return fmt.Errorf("graceful termination timed out after %s", r.gracefulShutdownTimeout)
	}
}

func (r *Runner) typesCommand(c *cli.Context) error {
	rec, err := reconciler.New(r.conf, r.log, stats.NOP)
	if err != nil {
		return err
	}
	md, err := rec.Collect(c.Context)
	if err != nil {
		return err
	}

	table := simpletable.New()
	table.Header = &simpletable.Header{
		Cells: []*simpletable.Cell{
			{Align: simpletable.AlignCenter, Text: "#"},
			{Align: simpletable.AlignCenter, Text: "Type"},
			{Align: simpletable.AlignCenter, Text: "Source"},
			{Align: simpletable.AlignCenter, Text: "Destination"},
		},
	}
	for i, m := range md {
		table.Body.Cells = append(table.Body.Cells, []*simpletable.Cell{
			{Align: simpletable.AlignRight, Text: fmt.Sprintf("%d", i+1)},
			{Align: simpletable.AlignLeft, Text: string(m.Type)},
			{Align: simpletable.AlignLeft, Text: metadata.Describe(m.Source)},
			{Align: simpletable.AlignLeft, Text: metadata.Describe(m.Destination)},
		})
	}
	table.SetStyle(simpletable.StyleCompactLite)
	_, err = fmt.Fprintln(r.stdout, table.String())
	return err
}

func (r *Runner) logConfigSource() {
	path, err := r.conf.ConfigFileUsed()
	if err != nil {
		r.logger.Warnn("Config: Failed to parse config file, using default values",
			logger.NewStringField("path", path), obskit.Error(err))
	} else {
		r.logger.Infon("Config: Using config file", logger.NewStringField("path", path))
	}
	if err := r.conf.DotEnvLoaded(); err != nil {
		r.logger.Infon("Config: No .env file loaded", obskit.Error(err))
	}
}

func (r *Runner) versionInfo() map[string]interface{} {
	return map[string]interface{}{
		"Version":   r.releaseInfo.Version,
		"Commit":    r.releaseInfo.Commit,
		"BuildDate": r.releaseInfo.BuildDate,
		"BuiltBy":   r.releaseInfo.BuiltBy,
	}
}

func (r *Runner) printVersion() error {
	versionFormatted, err := json.MarshalIndent(r.versionInfo(), "", " ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(r.stdout, "Version Info %s\n", versionFormatted)
	return err
}
