package main

import (
	"flag"

	"github.com/danmuck/commlink/internal/admin"
	"github.com/danmuck/commlink/internal/comm"
	"github.com/danmuck/commlink/internal/config"
	"github.com/danmuck/commlink/internal/logging"
	"github.com/danmuck/commlink/internal/observability"
	"github.com/danmuck/commlink/internal/wire"
	"github.com/rs/zerolog/log"
)

type nodeHandler struct{}

func (nodeHandler) Deliver(msg wire.Message) {
	log.Info().
		Str("from", msg.Sender.String()).
		Uint32("key", msg.Key).
		Int("bytes", len(msg.Body)).
		Msg("message delivered")
}

func (nodeHandler) Idle() {
	log.Debug().Msg("idle")
}

func main() {
	logging.ConfigureRuntime()
	observability.InitLogger("linkctl")

	configPath := flag.String("config", "cmd/linkctl/config.toml", "node config path")
	flag.Parse()

	cfg, err := config.LoadNodeConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load node config")
	}
	log.Info().Str("path", *configPath).Msg("loaded node config")

	c, err := comm.New(cfg.UDPPort, nodeHandler{}, cfg.Protocol.Options())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start communicator")
	}

	server := admin.New(cfg.Name, cfg.AdminAddr, cfg.CorsOrigins, c)
	go func() {
		if err := server.Serve(); err != nil {
			log.Error().Err(err).Msg("admin server stopped")
		}
	}()

	log.Info().
		Str("node", cfg.Name).
		Str("addr", c.FullAddress()).
		Str("admin", cfg.AdminAddr).
		Msg("node started")
	c.Listen(0)
}
