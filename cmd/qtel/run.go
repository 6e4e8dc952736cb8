package main

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/kardianos/qtel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

const maxLineSize = 1 << 20

func newRunCmd(g *globalFlags) *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the agent and send each stdin line as an event",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), g, metricsAddr)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	return cmd
}

func run(ctx context.Context, g *globalFlags, metricsAddr string) error {
	cfg, log, err := g.load()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	agent, err := qtel.New(cfg, qtel.WithLogger(log), qtel.WithRegistry(reg))
	if err != nil {
		return err
	}
	defer agent.Close()

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}))
		srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server stopped", "addr", metricsAddr, "error", err)
			}
		}()
		defer srv.Close()
		log.Info("serving metrics", "addr", metricsAddr)
	}

	if err := agent.Start(ctx); err != nil {
		return err
	}

	lines := make(chan []byte)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		sc.Buffer(make([]byte, 64*1024), maxLineSize)
		for sc.Scan() {
			line := append([]byte(nil), sc.Bytes()...)
			if len(line) == 0 {
				continue
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil {
			log.Warn("reading stdin", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return agent.Close()
		case line, ok := <-lines:
			if !ok {
				log.Info("stdin closed, shutting down")
				return agent.Close()
			}
			agent.Send(line)
		}
	}
}
