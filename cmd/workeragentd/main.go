// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"

	"github.com/render-farm/worker-agent/internal/worker/apiclient"
	"github.com/render-farm/worker-agent/internal/worker/bootstrap"
	"github.com/render-farm/worker-agent/internal/worker/config"
	"github.com/render-farm/worker-agent/internal/worker/credentials"
	"github.com/render-farm/worker-agent/internal/worker/interpreter"
	"github.com/render-farm/worker-agent/internal/worker/metrics"
	"github.com/render-farm/worker-agent/internal/worker/scheduler"
	"github.com/render-farm/worker-agent/internal/worker/shutdownmonitor"
	"github.com/render-farm/worker-agent/internal/worker/wlog"
	"github.com/render-farm/worker-agent/internal/lifecycle"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configFile  = flag.String("config", "", "Path to worker agent YAML config file")
		farmID      = flag.String("farm-id", "", "Render farm ID")
		fleetID     = flag.String("fleet-id", "", "Fleet ID")
		region      = flag.String("region", "", "AWS region")
		baseURL     = flag.String("dispatch-base-url", "", "Dispatch service base URL")
		stateDir    = flag.String("state-dir", "", "Worker agent state directory")
		noShutdown  = flag.Bool("no-shutdown", false, "Disable the EC2 shutdown/spot-interruption monitor")
		healthAddr  = flag.String("health-addr", "127.0.0.1:8081", "Address for the health/metrics endpoint")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("workeragentd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := wlog.New(wlog.FromEnv())
	slog.SetDefault(logger)

	builder := config.NewBuilder()
	if _, err := builder.ApplyFile(*configFile); err != nil {
		logger.Error("failed to load config file", slog.Any("error", err))
		os.Exit(1)
	}
	builder.ApplyEnv()
	builder.Override(func(c *config.Config) {
		if *farmID != "" {
			c.FarmID = *farmID
		}
		if *fleetID != "" {
			c.FleetID = *fleetID
		}
		if *region != "" {
			c.Region = *region
		}
		if *baseURL != "" {
			c.DispatchBaseURL = *baseURL
		}
		if *stateDir != "" {
			c.WorkerStateDir = *stateDir
		}
		if *noShutdown {
			c.NoShutdown = true
		}
	})

	cfg, err := builder.Build()
	if err != nil {
		logger.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if err := run(ctx, cfg, logger, sigCh, *healthAddr); err != nil {
		logger.Error("worker agent exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger, sigCh chan os.Signal, healthAddr string) error {
	client, err := apiclient.New(ctx, apiclient.Config{
		BaseURL: cfg.DispatchBaseURL,
		Region:  cfg.Region,
		Service: "render-dispatch",
		Timeout: 30 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("building dispatch client: %w", err)
	}

	bootResult, err := bootstrap.Bootstrap(ctx, cfg.WorkerStateDir, cfg.FleetID,
		func(creds credentials.Credentials) *apiclient.Client {
			return apiclient.WithCredentials(client, aws.Credentials{
				AccessKeyID:     creds.AccessKeyID,
				SecretAccessKey: creds.SecretAccessKey,
				SessionToken:    creds.SessionToken,
				CanExpire:       true,
				Expires:         creds.Expiration,
			})
		},
		client,
		func(c *apiclient.Client, fleetID, workerID string) credentials.FleetCredentialSource {
			return func(ctx context.Context) (credentials.Credentials, error) {
				out, err := c.AssumeFleetRoleForWorker(ctx, apiclient.AssumeFleetRoleForWorkerInput{
					FleetID: fleetID, WorkerID: workerID,
				})
				if err != nil {
					return credentials.Credentials{}, err
				}
				return credentials.Credentials{
					AccessKeyID:     out.AccessKeyID,
					SecretAccessKey: out.SecretAccessKey,
					SessionToken:    out.SessionToken,
					Expiration:      time.Unix(out.ExpirationUnix, 0),
				}, nil
			}
		},
		logger,
	)
	if err != nil {
		return fmt.Errorf("bootstrap failed: %w", err)
	}

	fleetClient := apiclient.WithCredentials(client, aws.Credentials{
		AccessKeyID:     bootResult.FleetCredentials.AccessKeyID,
		SecretAccessKey: bootResult.FleetCredentials.SecretAccessKey,
		SessionToken:    bootResult.FleetCredentials.SessionToken,
		CanExpire:       true,
		Expires:         bootResult.FleetCredentials.Expiration,
	})

	queueMgr := credentials.NewQueueManager(cfg.WorkerStateDir, func(ctx context.Context, queueID string) (credentials.Credentials, error) {
		out, err := fleetClient.AssumeQueueRoleForWorker(ctx, apiclient.AssumeQueueRoleForWorkerInput{
			FleetID:  bootResult.Identity.FleetID,
			WorkerID: bootResult.Identity.WorkerID,
			QueueID:  queueID,
		})
		if err != nil {
			return credentials.Credentials{}, err
		}
		return credentials.Credentials{
			AccessKeyID:     out.AccessKeyID,
			SecretAccessKey: out.SecretAccessKey,
			SessionToken:    out.SessionToken,
			Expiration:      time.Unix(out.ExpirationUnix, 0),
		}, nil
	}, logger)

	metricsProvider, instruments, err := metrics.New("workeragentd")
	if err != nil {
		return fmt.Errorf("building metrics provider: %w", err)
	}
	queueMgr.OnRefreshFailure(func(err error) {
		instruments.CredentialRefreshFailures.Add(context.Background(), 1)
	})

	noInterpreter := func(queueID string) (interpreter.Interpreter, error) {
		return nil, fmt.Errorf("no interpreter configured for queue %s: this deployment must supply one", queueID)
	}

	sched := scheduler.New(scheduler.Config{
		FleetID:               bootResult.Identity.FleetID,
		WorkerID:              bootResult.Identity.WorkerID,
		PollInterval:          5 * time.Second,
		MaxConcurrentSessions: cfg.MaxConcurrentSessions,
		Metrics:               instruments,
	}, fleetClient, queueMgr, noInterpreter, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metricsProvider.Handler)
	healthServer := &http.Server{Addr: healthAddr, Handler: mux}
	go func() {
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("health server error", slog.Any("error", err))
		}
	}()

	checker := lifecycle.NewHealthChecker(fmt.Sprintf("http://%s/healthz", healthAddr))
	if err := checker.WaitUntilHealthy(5 * time.Second); err != nil {
		logger.Warn("initial health self-check did not succeed", slog.Any("error", err))
	}

	if !cfg.NoShutdown {
		monitor := shutdownmonitor.New(shutdownmonitor.Config{
			PollInterval: cfg.ShutdownPollInterval,
			Logger:       logger,
			OnDrain: func(drainCtx context.Context, reason string) {
				logger.Warn("initiating drain due to shutdown signal", slog.String("reason", reason))
				timeoutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
				defer cancel()
				if err := sched.Drain(timeoutCtx); err != nil {
					logger.Error("drain after shutdown signal failed", slog.Any("error", err))
				}
			},
		})
		go monitor.Run(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- sched.Run(ctx)
	}()

	select {
	case sig := <-sigCh:
		logger.Info("received signal, draining", slog.String("signal", sig.String()))
		drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := sched.Drain(drainCtx); err != nil {
			logger.Error("graceful drain failed", slog.Any("error", err))
		}
		sched.Stop()
		_ = healthServer.Shutdown(context.Background())
		return nil
	case err := <-errCh:
		_ = healthServer.Shutdown(context.Background())
		return err
	}
}
