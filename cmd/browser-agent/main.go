// browser-agent is the browser plane: it holds the logged-in session's
// cookies, executes upstream calls inside that security context, and
// streams results back over the control channel.
package main

import (
	"context"
	"errors"
	"flag"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/browserbridge/browserbridge/internal/agent"
	"github.com/browserbridge/browserbridge/internal/config"
	"github.com/browserbridge/browserbridge/internal/logging"
	"github.com/browserbridge/browserbridge/internal/utils"
)

func main() {
	var (
		configPath = flag.String("config", "", "optional YAML config file")
		controlURL = flag.String("control-url", "", "control channel URL (default ws://"+config.DefaultControlAddr+")")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Setup("info")
		log.Fatal().Err(err).Msg("configuration failed")
	}
	if *controlURL != "" {
		cfg.Agent.ControlURL = *controlURL
	}
	logging.Setup(cfg.LogLevel)

	if cfg.Agent.Cookie == "" {
		log.Warn().Msg("no session cookie configured (BRIDGE_COOKIE); upstream calls will be unauthenticated")
	} else {
		log.Info().Str("cookie", utils.MaskSecret(cfg.Agent.Cookie)).Msg("session cookie loaded")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := agent.NewClient(cfg.Agent)
	if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("agent failed")
	}
	log.Info().Msg("agent stopped")
}
