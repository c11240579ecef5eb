package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/shaunagostinho/obd-dash/internal/metrics"
	"github.com/shaunagostinho/obd-dash/internal/obd"
	"github.com/shaunagostinho/obd-dash/internal/server"
	"github.com/shaunagostinho/obd-dash/web"
)

func main() {
	configPath := flag.StringP("config", "c", "/etc/obddash/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Use the simulated adapter instead of hardware")
	listenAddr := flag.StringP("listen", "l", "", "Override listen address (e.g. :8080)")
	flag.Parse()

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.Info("obddash starting")

	cfg := server.LoadConfig(*configPath)
	if *demo {
		cfg.Adapter.Type = "simulated"
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if lvl, err := log.ParseLevel(cfg.Logging.Level); err == nil {
		log.SetLevel(lvl)
	} else {
		log.WithField("level", cfg.Logging.Level).Warn("unknown log level, keeping info")
	}

	reg, err := cfg.Registry()
	if err != nil {
		log.WithField("err", err).Fatal("invalid command registry")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("shutting down")
		cancel()
	}()

	var adapter obd.Adapter
	switch cfg.Adapter.Type {
	case "elm327":
		adapter = obd.NewELM327(obd.ELM327Config{
			PortPath: cfg.Adapter.PortPath,
			BaudRate: cfg.Adapter.BaudRate,
			Timeout:  time.Duration(cfg.Adapter.TimeoutMs) * time.Millisecond,
		})
	case "simulated":
		adapter = obd.NewSimulator()
	case "none":
	default:
		log.WithField("type", cfg.Adapter.Type).Warn("unknown adapter type, running without adapter")
	}

	// One discovery attempt; missing hardware only means demo mode.
	handle := obd.NewHandle(adapter)
	log.WithField("adapter", handle.Name()).Info("connecting to OBD-II adapter")
	if handle.Connect() {
		log.WithField("adapter", handle.Name()).Info("connected to OBD-II adapter")
	} else {
		log.Warn("no OBD adapter detected, running in demo mode")
	}
	defer handle.Close()

	m := metrics.New()
	sampler := obd.NewSampler(reg, handle, m)

	srv := server.New(cfg, sampler, m, web.FS)
	if err := srv.Run(ctx); err != nil {
		log.WithField("err", err).Error("server exited")
	}
}
