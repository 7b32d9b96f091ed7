package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/basarevych/tunneld/internal/supervisor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	configPath     = flag.String("config", "/etc/tunneld/tunneld.conf", "path to the daemon configuration file")
	udpPort        = flag.Int("udp-port", 0, "UDP port for the shared reliable-transport socket (0 picks an ephemeral port)")
	verbose        = flag.Bool("v", false, "enable debug logging")
	metricsEnable  = flag.Bool("metrics-enable", false, "enable the prometheus metrics endpoint")
	metricsAddr    = flag.String("metrics-addr", "localhost:0", "address to listen on for prometheus metrics")
	versionFlag    = flag.Bool("version", false, "print build version and exit")

	version = "dev"
	commit  = "none"
)

func main() {
	flag.Parse()

	if *versionFlag {
		fmt.Printf("tunneld %s (%s)\n", version, commit)
		os.Exit(0)
	}

	opts := &slog.HandlerOptions{}
	if *verbose {
		opts.Level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, opts))
	slog.SetDefault(logger)

	if *metricsEnable {
		buildInfo := promauto.NewGaugeVec(
			prometheus.GaugeOpts{Name: "tunneld_build_info", Help: "Build information of tunneld"},
			[]string{"version", "commit"},
		)
		buildInfo.WithLabelValues(version, commit).Set(1)

		go func() {
			listener, err := net.Listen("tcp", *metricsAddr)
			if err != nil {
				logger.Error("failed to start metrics listener", "error", err)
				os.Exit(1)
			}
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Info("metrics server started", "address", listener.Addr().String())
			if err := http.Serve(listener, mux); err != nil {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup, err := supervisor.New(*configPath, *udpPort, logger)
	if err != nil {
		logger.Error("failed to start", "error", err)
		os.Exit(1)
	}

	if err := sup.Run(ctx); err != nil {
		logger.Error("runtime error", "error", err)
		os.Exit(1)
	}
}
