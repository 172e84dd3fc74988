package main

import (
	"flag"
	"net"

	"github.com/danmuck/commlink/internal/comm"
	"github.com/danmuck/commlink/internal/logging"
	"github.com/danmuck/commlink/internal/observability"
	"github.com/danmuck/commlink/internal/wire"
	"github.com/rs/zerolog/log"
)

type silentHandler struct{}

func (silentHandler) Deliver(wire.Message) {}
func (silentHandler) Idle()                {}

func main() {
	logging.ConfigureRuntime()
	observability.InitLogger("sendctl")

	target := flag.String("target", "", "target communicator as ip:port")
	text := flag.String("text", "", "message body to send")
	ping := flag.Bool("ping", false, "send a liveness ping instead of a message")
	flag.Parse()

	if *target == "" {
		log.Fatal().Msg("-target is required")
	}
	udpAddr, err := net.ResolveUDPAddr("udp4", *target)
	if err != nil {
		log.Fatal().Err(err).Str("target", *target).Msg("invalid target")
	}
	addr := wire.Addr{IP: udpAddr.IP.To4(), Port: udpAddr.Port}

	c, err := comm.New(0, silentHandler{}, comm.DefaultOptions())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start communicator")
	}
	defer c.Close()

	if *ping {
		if !c.Ping(addr, wire.NoKey) {
			log.Fatal().Str("target", addr.String()).Msg("no ping response")
		}
		log.Info().Str("target", addr.String()).Msg("ping answered")
		return
	}

	if !c.Send(wire.NewPayload([]byte(*text)), addr) {
		log.Fatal().Str("target", addr.String()).Msg("send failed")
	}
	log.Info().Str("target", addr.String()).Int("bytes", len(*text)).Msg("message sent")
}
