// Command server runs the matching core behind the TCP transport.
package main

import (
	"context"
	netpkg "net"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"clobcore/internal/config"
	"clobcore/internal/engine"
	"clobcore/internal/net"
)

func main() {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("unable to load configuration")
	}

	registry := engine.NewRegistry(cfg)
	defer registry.Close()

	host, portStr, err := netpkg.SplitHostPort(cfg.ListenAddress)
	if err != nil {
		log.Fatal().Err(err).Str("listenAddress", cfg.ListenAddress).Msg("invalid listen address")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		log.Fatal().Err(err).Str("listenAddress", cfg.ListenAddress).Msg("invalid listen port")
	}

	srv := net.New(host, port, registry)

	go srv.Run(ctx)
	log.Info().Str("address", cfg.ListenAddress).Msg("clob server starting")
	<-ctx.Done()
}
