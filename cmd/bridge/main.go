// bridge is the server plane: it accepts local HTTP requests and relays
// them to a logged-in browser session over the control channel.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/browserbridge/browserbridge/internal/bridge"
	"github.com/browserbridge/browserbridge/internal/config"
	"github.com/browserbridge/browserbridge/internal/logging"
)

func main() {
	var (
		configPath  = flag.String("config", "", "optional YAML config file")
		httpAddr    = flag.String("http-addr", "", "HTTP listen address (default "+config.DefaultHTTPAddr+")")
		controlAddr = flag.String("control-addr", "", "control channel listen address (default "+config.DefaultControlAddr+")")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Setup("info")
		log.Fatal().Err(err).Msg("configuration failed")
	}
	if *httpAddr != "" {
		cfg.Server.HTTPAddr = *httpAddr
	}
	if *controlAddr != "" {
		cfg.Server.ControlAddr = *controlAddr
	}
	logging.Setup(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := bridge.NewServer(cfg.Server)
	if err := srv.Run(ctx); err != nil {
		log.Error().Err(err).Msg("server failed")
		os.Exit(1)
	}
	log.Info().Msg("bridge stopped")
}
