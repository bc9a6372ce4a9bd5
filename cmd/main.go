// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/absmach/cmdrelay/config"
	"github.com/absmach/cmdrelay/internal/wiring"
	"github.com/absmach/cmdrelay/otel"
	oteltrace "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const usage = `Usage: cmdrelay [flags] <command> [args]

Commands:
  query <path>                       run a read with failover and print the body
  submit <name> <version> <file|->   submit a command payload
  flush                              resubmit every queued command once
  status                             print the number of queued commands
  clear                              delete every queued command
  run                                flush the queue every replay.interval

Flags:
`

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	policyFile := flag.String("policy", "", "Path to dispatch policy file (overrides dispatch.policy_file)")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *policyFile != "" {
		cfg.Dispatch.PolicyFile = *policyFile
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	// stdout carries command output; logs go to stderr.
	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	policy, err := config.LoadDispatch(cfg.Dispatch.PolicyFile)
	if err != nil {
		slog.Error("Failed to load dispatch policy", "error", err)
		os.Exit(1)
	}
	slog.Debug("Dispatch policy loaded",
		"policy_file", cfg.Dispatch.PolicyFile,
		"server_urls", len(policy.ServerURLs),
		"submit_only_server_urls", len(policy.SubmitOnlyURLs),
		"command_broadcast", policy.CommandBroadcast,
		"min_successful_submissions", policy.MinSuccessfulSubmissions,
		"sticky_read_failover", policy.StickyReadFailover,
		"soft_write_failure", policy.SoftWriteFailure)

	var otelShutdown func(context.Context) error
	var metrics *otel.Metrics
	var tracer trace.Tracer

	if cfg.Telemetry.Enabled {
		shutdown, err := otel.InitProvider(cfg.Telemetry, otel.Identity{
			Producer:  cfg.Producer.Identity,
			SpoolType: cfg.Spool.Type,
		})
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		otelShutdown = shutdown

		if cfg.Telemetry.MetricsEnabled {
			m, err := otel.NewMetrics()
			if err != nil {
				slog.Error("Failed to create metrics", "error", err)
				os.Exit(1)
			}
			metrics = m
		}
		if cfg.Telemetry.TracesEnabled {
			tracer = oteltrace.Tracer("cmdrelay")
		}
		slog.Debug("OpenTelemetry initialized", "endpoint", cfg.Telemetry.Endpoint)
	}

	relay, err := wiring.Build(cfg, policy, wiring.Options{
		Logger:  logger,
		Metrics: metrics,
		Tracer:  tracer,
	})
	if err != nil {
		slog.Error("Failed to initialize relay", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	code := 0
	if err := runCommand(ctx, relay, cfg, flag.Args(), os.Stdin, os.Stdout); err != nil {
		slog.Error("Command failed", "command", flag.Arg(0), "error", err)
		code = 1
		var ue usageError
		if errors.As(err, &ue) {
			flag.Usage()
			code = 2
		}
	}
	cancel()

	if err := relay.Close(); err != nil {
		slog.Error("Error during shutdown", "error", err)
	}

	if otelShutdown != nil {
		otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := otelShutdown(otelShutdownCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		}
		otelCancel()
	}

	os.Exit(code)
}

type usageError string

func (e usageError) Error() string { return string(e) }

func runCommand(ctx context.Context, r *wiring.Relay, cfg *config.Config, args []string, stdin io.Reader, stdout io.Writer) error {
	switch args[0] {
	case "query":
		if len(args) != 2 {
			return usageError("query takes exactly one path")
		}
		resp, err := r.Client.Query(ctx, args[1])
		if err != nil {
			return err
		}
		_, err = stdout.Write(resp.Body)
		return err

	case "submit":
		if len(args) != 4 {
			return usageError("submit takes a command name, a version and a payload file")
		}
		version, err := strconv.Atoi(args[2])
		if err != nil || version < 0 {
			return usageError(fmt.Sprintf("invalid command version '%s'", args[2]))
		}
		payload, err := readPayload(args[3], stdin)
		if err != nil {
			return err
		}
		res, err := r.Client.Submit(ctx, args[1], version, payload)
		if err != nil {
			return err
		}
		if res.Queued {
			fmt.Fprintf(stdout, "queued %s\n", res.QueueID)
		} else {
			fmt.Fprintf(stdout, "submitted %s\n", res.UUID)
		}
		return nil

	case "flush":
		size, err := r.Queue.Size()
		if err != nil {
			return err
		}
		if size == 0 {
			fmt.Fprintln(stdout, "no queued commands to retry")
			return nil
		}
		res, err := r.Replayer.Flush(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "succeeded %d, failed %d, rejected %d, malformed %d\n",
			res.Succeeded, res.Failed, res.Rejected, res.Malformed)
		if res.Failed > 0 {
			return fmt.Errorf("%d queued commands left for retry", res.Failed)
		}
		return nil

	case "status":
		size, err := r.Queue.Size()
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%d of %d queued commands\n", size, r.Policy.MaxQueuedCommands)
		return nil

	case "clear":
		return r.Queue.Clear()

	case "run":
		slog.Info("Replaying command queue", "interval", cfg.Replay.Interval)
		return r.Replayer.Run(ctx, cfg.Replay.Interval)

	default:
		return usageError(fmt.Sprintf("unknown command '%s'", args[0]))
	}
}

func readPayload(name string, stdin io.Reader) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(name)
}
