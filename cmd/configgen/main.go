package main

import (
	"flag"

	"github.com/danmuck/rangectl/internal/config"
	"github.com/danmuck/rangectl/internal/logging"
	"github.com/rs/zerolog/log"
)

const defaultPath = "cmd/rangectl/config.toml"

func main() {
	logging.ConfigureRuntime()

	output := flag.String("output", defaultPath, "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", defaultPath, "config path for validation")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		cfg, err := config.Load(*input)
		if err != nil {
			log.Fatal().Err(err).Msg("configgen.validate failed")
		}
		log.Info().
			Str("path", *input).
			Str("transport", cfg.Transport.Kind).
			Int("devices", len(cfg.Devices)).
			Msg("configgen.validated")
		return
	}

	if err := config.WriteTemplate(*output, *force); err != nil {
		log.Fatal().Err(err).Msg("configgen.write failed")
	}
	log.Info().Str("path", *output).Msg("configgen.wrote template")
}
