// Command trustnode runs a node of the trust line network. It listens for
// contractors over TCP and serves the node's commands over HTTP.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/GEO-Project/network-client/agent"
	"github.com/GEO-Project/network-client/agent/agenthttp"
	"github.com/GEO-Project/network-client/config"
	"github.com/GEO-Project/network-client/store"
	"github.com/GEO-Project/network-client/transport"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

func main() {
	err := run()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	showHelp := false
	configPath := ""

	fs := flag.NewFlagSet("trustnode", flag.ContinueOnError)
	fs.BoolVar(&showHelp, "h", showHelp, "Show this help")
	fs.StringVar(&configPath, "config", configPath, "YAML config file, TRUSTNODE_* variables override it")
	err := fs.Parse(os.Args[1:])
	if err != nil {
		return err
	}
	if showHelp {
		fs.Usage()
		return nil
	}

	c, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(c)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := store.Open(ctx, c.Database.Driver, c.Database.DSN)
	if err != nil {
		return err
	}
	defer s.Close()

	reader := sdkmetric.NewManualReader()
	meters := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer meters.Shutdown(context.Background())

	events := make(chan agent.Event, 64)
	a, err := agent.New(ctx, agent.Config{
		Identity:           c.Identity(),
		Store:              s,
		Paths:              c.StaticRoutes(),
		Payment:            c.PaymentTimings(),
		TrustLine:          c.TrustLineTimings(),
		AuditRetryDelay:    c.Timings.AuditRetryDelay,
		AuditSweepInterval: c.Timings.AuditSweepInterval,
		Logger:             logger,
		MeterProvider:      meters,
		Events:             events,
	})
	if err != nil {
		return err
	}

	tcp := transport.NewTCP(transport.TCPConfig{
		ListenAddr:   c.ListenAddr,
		Peers:        c.PeerAddrs(),
		Handler:      a,
		InboundRate:  rate.Limit(c.Inbound.Rate),
		InboundBurst: c.Inbound.Burst,
		Logger:       logger,
	})
	a.SetTransport(tcp)
	if err := tcp.Listen(); err != nil {
		return err
	}
	defer tcp.Close()

	mux := http.NewServeMux()
	mux.Handle("/", agenthttp.New(a, c.Timings.CommandTimeout))
	mux.HandleFunc("GET /metrics", handleMetrics(reader))
	server := &http.Server{
		Addr:              c.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("starting node", slog.String("node", a.NodeID().String()), slog.String("http", c.HTTPAddr))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Run(ctx)
	})
	g.Go(func() error {
		err := tcp.Serve(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		logEvents(ctx, logger, events)
		return nil
	})
	return g.Wait()
}

func newLogger(c config.Config) (*slog.Logger, error) {
	level, err := c.LogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
}

func logEvents(ctx context.Context, logger *slog.Logger, events <-chan agent.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-events:
			switch e := e.(type) {
			case agent.ErrorEvent:
				logger.Error("transaction failed", slog.String("tx", e.TransactionID.String()), slog.Any("error", e.Err))
			case agent.PaymentSentEvent:
				logger.Info("payment sent", slog.String("tx", e.TransactionID.String()), slog.String("result", e.Result.String()))
			case agent.PaymentReceivedEvent:
				logger.Info("payment received", slog.String("tx", e.TransactionID.String()), slog.Int("lines", len(e.Lines)))
			case agent.PaymentRelayedEvent:
				logger.Info("payment relayed", slog.String("tx", e.TransactionID.String()))
			case agent.TrustLineSetEvent:
				logger.Info("trust line set", slog.String("tx", e.TransactionID.String()), slog.String("result", e.Result.String()))
			case agent.TrustLineAuditedEvent:
				logger.Debug("trust line audited", slog.String("tx", e.TransactionID.String()), slog.String("result", e.Result.String()))
			}
		}
	}
}

func handleMetrics(reader *sdkmetric.ManualReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var rm metricdata.ResourceMetrics
		if err := reader.Collect(r.Context(), &rm); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(rm.ScopeMetrics)
	}
}
