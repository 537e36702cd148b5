package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"

	"github.com/shaunagostinho/obdmon/internal/alert"
	"github.com/shaunagostinho/obdmon/internal/elm"
	"github.com/shaunagostinho/obdmon/internal/logger"
	"github.com/shaunagostinho/obdmon/internal/maintenance"
	"github.com/shaunagostinho/obdmon/internal/metrics"
	"github.com/shaunagostinho/obdmon/internal/monitor"
	"github.com/shaunagostinho/obdmon/internal/notify"
	"github.com/shaunagostinho/obdmon/internal/sensor"
	"github.com/shaunagostinho/obdmon/internal/server"
	"github.com/shaunagostinho/obdmon/internal/store"
)

type monitorOptions struct {
	demo       bool
	listenAddr string
	address    string
	noServer   bool
}

func (o *monitorOptions) bind(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&o.demo, "demo", false, "Run against a simulated adapter and ambient sensor")
	cmd.Flags().StringVar(&o.listenAddr, "listen", "", "Override listen address (e.g. :8080)")
	cmd.Flags().StringVar(&o.address, "address", "", "Override adapter address (serial device or host:port)")
	cmd.Flags().BoolVar(&o.noServer, "no-server", false, "Do not serve the HTTP API")
}

func (o monitorOptions) apply(cfg *server.Config) {
	if o.demo {
		cfg.Adapter.Transport = "demo"
		cfg.Ambient.Source = "demo"
	}
	if o.listenAddr != "" {
		cfg.Server.ListenAddr = o.listenAddr
	}
	if o.address != "" {
		cfg.Adapter.Address = o.address
	}
	if o.noServer {
		cfg.Server.Enabled = false
	}
}

// newTransport picks the adapter link and the identity to open it with.
func newTransport(cfg server.AdapterConfig) (elm.Transport, string, error) {
	switch cfg.Transport {
	case "serial", "":
		return elm.NewSerialTransport(elm.SerialConfig{BaudRate: cfg.BaudRate}), cfg.Address, nil
	case "tcp":
		return &elm.TCPTransport{DialTimeout: time.Duration(cfg.DialTimeoutMs) * time.Millisecond}, cfg.Address, nil
	case "demo":
		return elm.NewDemoTransport(), "demo", nil
	}
	return nil, "", fmt.Errorf("unknown adapter transport %q (want serial, tcp or demo)", cfg.Transport)
}

// newAmbient builds the ambient sensor and starts it if it polls. A sensor
// that cannot be set up is logged and replaced by none.
func newAmbient(ctx context.Context, cfg sensor.Config) sensor.Provider {
	p, err := sensor.New(cfg)
	if err != nil {
		log.Printf("[sensor] %v, continuing without ambient data", err)
		return sensor.None{}
	}
	if r, ok := p.(interface{ Run(context.Context) }); ok {
		go r.Run(ctx)
	}
	log.Printf("[sensor] ambient source: %s", p.Name())
	return p
}

func runMonitor(parent context.Context, cfg *server.Config, opts monitorOptions) error {
	opts.apply(cfg)
	log.Printf("[main] obdmon %s starting", Version)

	ctx, cancel := signalContext(parent)
	defer cancel()

	transport, identity, err := newTransport(cfg.Adapter)
	if err != nil {
		return err
	}

	db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	m := metrics.New()

	notifier := notify.New(cfg.Notify)
	defer notifier.Close()

	dispatcher := alert.NewDispatcher(db, notifier, cfg.AlertPolicy(), m)
	ambient := newAmbient(ctx, cfg.Ambient)

	csvLog := logger.New(cfg.Logging)
	defer csvLog.Close()
	sinks := []monitor.Sink{csvLog}

	if cfg.Archive.Enabled {
		archive, err := store.OpenArchive(ctx, cfg.Archive)
		if err != nil {
			log.Printf("[main] archive disabled: %v", err)
		} else {
			defer archive.Close()
			sinks = append(sinks, archive)
		}
	}

	channel := elm.NewChannel(transport, cfg.ChannelConfig(), m)
	mon := monitor.New(channel, db, dispatcher, ambient, m, cfg.MonitorConfig(), sinks...)

	serverDone := make(chan struct{})
	if cfg.Server.Enabled {
		analyzer := maintenance.NewAnalyzer(db, cfg.MaintenancePolicy())
		srv := server.New(cfg, db, analyzer, mon, ambient, m)
		srv.OnConfig(func(c *server.Config) {
			dispatcher.SetPolicy(c.AlertPolicy())
			analyzer.SetPolicy(c.MaintenancePolicy())
			mon.SetConfig(c.MonitorConfig())
			log.Printf("[main] applied updated alert, maintenance and polling settings")
		})
		dispatcher.OnAlert(srv.PublishAlert)
		mon.OnReading(srv.PublishReading)
		mon.OnState(srv.PublishState)
		go func() {
			defer close(serverDone)
			if err := srv.Run(ctx); err != nil {
				log.Printf("[main] server exited: %v", err)
				cancel()
			}
		}()
	} else {
		close(serverDone)
	}

	maxDelay := time.Duration(cfg.Polling.MaxRetryDelayS) * time.Second
	runWithRetry(ctx, mon, identity, time.Second, maxDelay)

	cancel()
	<-serverDone
	log.Printf("[main] stopped")
	return nil
}

// session is satisfied by monitor.Monitor.
type session interface {
	Run(ctx context.Context, identity string) error
}

// runWithRetry runs monitoring sessions until ctx is cancelled. After a
// failed or lost session it waits with exponential backoff: starts at
// minDelay and doubles up to maxDelay. A session that stayed up for longer
// than maxDelay resets the backoff.
func runWithRetry(ctx context.Context, s session, identity string, minDelay, maxDelay time.Duration) {
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	delay := minDelay
	attempt := 0

	for {
		started := time.Now()
		err := s.Run(ctx, identity)
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) > maxDelay {
			delay = minDelay
			attempt = 0
		}
		attempt++
		log.Printf("[monitor] session %d ended: %v (retry in %v)", attempt, err, delay)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
