// Package cli wires the server and the load generator into the prioserver
// command.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"prioserver/src/client"
	"prioserver/src/config"
	"prioserver/src/logging"
	"prioserver/src/model"
	"prioserver/src/server"
	"prioserver/src/server/transport"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Main is the entry point for the cli, called from package main.
func Main() {
	if err := app.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var app = &cobra.Command{
	Use:           "prioserver",
	Short:         "Prioritized request server with bounded admission and an expedited lane",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	serverCfg  = config.Default()
	configPath string

	clientOpts = client.Options{
		Addr:           "localhost:8000",
		Transport:      transport.TCP,
		Requests:       100,
		Concurrency:    8,
		ExpeditedRatio: 0.2,
		Paths:          []string{"/home.html"},
		Timeout:        30 * time.Second,
	}
	clientLogLevel int
)

var serverCmd = &cobra.Command{
	Use:   "server [port] [threads] [queue_size] [policy]",
	Short: "Run the server",
	Long: `Run the server until interrupted.

Positional arguments, when given, override the matching flags. The overload
policy is one of block, dh, dt, bf or random.`,
	Args: cobra.MaximumNArgs(4),
	RunE: runServer,
}

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Send a batch of requests and report per class latency",
	Args:  cobra.NoArgs,
	RunE:  runClient,
}

func init() {
	flags := serverCmd.Flags()
	flags.StringVar(&configPath, "config", "", "YAML config file; flags override its values")
	flags.StringVar(&serverCfg.Host, "host", serverCfg.Host, "address to listen on")
	flags.IntVar(&serverCfg.Port, "port", serverCfg.Port, "port to listen on")
	flags.StringVar(&serverCfg.Transport, "transport", serverCfg.Transport, "tcp or quic")
	flags.IntVar(&serverCfg.Threads, "threads", serverCfg.Threads, "number of standard worker threads")
	flags.IntVar(&serverCfg.QueueSize, "queue-size", serverCfg.QueueSize, "maximum number of requests held at once")
	flags.StringVar(&serverCfg.Policy, "policy", serverCfg.Policy, "overload policy: block, dh, dt, bf or random")
	flags.StringVar(&serverCfg.Root, "root", serverCfg.Root, "directory static files are served from")
	flags.DurationVar(&serverCfg.ClassifyTimeout, "classify-timeout", serverCfg.ClassifyTimeout,
		"how long to wait for a request header before treating it as standard")
	flags.StringVar(&serverCfg.MetricsAddr, "metrics-addr", serverCfg.MetricsAddr, "address of the Prometheus endpoint; empty disables it")
	flags.StringVar(&serverCfg.RequestLogPath, "request-log", serverCfg.RequestLogPath, "CSV file with one row per served request")
	flags.StringVar(&serverCfg.WorkConservingPath, "work-conserving-log", serverCfg.WorkConservingPath,
		"CSV file with busy and idle time while requests wait")
	flags.DurationVar(&serverCfg.SampleInterval, "sample-interval", serverCfg.SampleInterval, "work conserving window")
	flags.IntVarP(&serverCfg.LogLevel, "verbosity", "v", serverCfg.LogLevel, "log verbosity")
	flags.BoolVar(&serverCfg.Development, "development", serverCfg.Development, "human readable logs")

	flags = clientCmd.Flags()
	flags.StringVar(&clientOpts.Addr, "addr", clientOpts.Addr, "server address")
	flags.StringVar(&clientOpts.Transport, "transport", clientOpts.Transport, "tcp or quic")
	flags.IntVar(&clientOpts.Requests, "requests", clientOpts.Requests, "number of requests")
	flags.IntVar(&clientOpts.Concurrency, "concurrency", clientOpts.Concurrency, "requests in flight at once")
	flags.Float64Var(&clientOpts.ExpeditedRatio, "expedited-ratio", clientOpts.ExpeditedRatio, "fraction of expedited requests")
	flags.StringSliceVar(&clientOpts.Paths, "path", clientOpts.Paths, "paths to request, round-robin")
	flags.DurationVar(&clientOpts.Timeout, "timeout", clientOpts.Timeout, "per request timeout")
	flags.Int64Var(&clientOpts.Seed, "seed", time.Now().UnixNano(), "class selection seed")
	flags.StringVar(&clientOpts.StatsPath, "stats", "", "CSV file with one row per response")
	flags.StringVar(&clientOpts.SummaryPath, "summary", "", "CSV file with one row per class")
	flags.IntVarP(&clientLogLevel, "verbosity", "v", 0, "log verbosity")

	app.AddCommand(serverCmd, clientCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	if err := resolveServerConfig(cmd.Flags(), args); err != nil {
		return err
	}
	if err := serverCfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}

	logger, err := logging.NewLogger(serverCfg.LogLevel, serverCfg.Development)
	if err != nil {
		return err
	}
	logger.V(logging.VERBOSE).Info("Configuration", "config", serverCfg.String())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return server.NewServer(serverCfg, logger).Run(ctx)
}

// resolveServerConfig layers the config file, then flags, then positional
// arguments.
func resolveServerConfig(flags *pflag.FlagSet, args []string) error {
	if configPath != "" {
		changed := map[string]string{}
		flags.Visit(func(f *pflag.Flag) {
			changed[f.Name] = f.Value.String()
		})

		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		serverCfg = loaded
		for name, value := range changed {
			if err := flags.Set(name, value); err != nil {
				return errors.Wrapf(err, "flag --%s", name)
			}
		}
	}

	ints := []*int{&serverCfg.Port, &serverCfg.Threads, &serverCfg.QueueSize}
	names := []string{"port", "threads", "queue_size", "policy"}
	for i, arg := range args {
		if i == 3 {
			serverCfg.Policy = arg
			break
		}
		n, err := strconv.Atoi(arg)
		if err != nil {
			return errors.Errorf("%s must be an integer, got %q", names[i], arg)
		}
		*ints[i] = n
	}
	return nil
}

func runClient(cmd *cobra.Command, _ []string) error {
	logger, err := logging.NewLogger(clientLogLevel, true)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, err := client.NewClient(clientOpts, logger).Run(ctx)
	if summary != nil {
		printSummary(cmd, summary)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func printSummary(cmd *cobra.Command, summary *client.Summary) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "elapsed %s, avg throughput %.2f KB/s\n",
		summary.Elapsed.Round(time.Millisecond), summary.AvgThroughput/1024)
	for _, class := range []model.Class{model.EXPEDITED, model.STANDARD} {
		s := summary.Classes[class]
		fmt.Fprintf(out, "%-9s sent=%d ok=%d failed=%d mean=%s max=%s dispatch=%s\n",
			class, s.Sent, s.OK, s.Failed, s.MeanLatency, s.MaxLatency, s.MeanDispatch)
	}
}
