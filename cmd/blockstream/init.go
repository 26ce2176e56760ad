package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"
)

func initFlags(ko *koanf.Koanf) {
	f := flag.NewFlagSet("config", flag.ContinueOnError)
	f.Usage = func() {
		fmt.Println(f.FlagUsages())
		os.Exit(0)
	}

	f.StringSlice("config", nil, "path to one or more config files (will be merged in order)")
	f.Int("rows", 1000, "total rows the source generates per epoch")
	f.Int("block-rows", 64, "rows per generated block")
	f.Int64("limit", -1, "cap on rows flowing downstream (-1 disables the limit stage)")
	f.Int("splits", 2, "number of concurrent output readers")
	f.Bool("equal", true, "balance rows across splits to within one row")
	f.Int("epochs", 2, "number of full passes to run")
	f.Int("workers", 8, "size of the shared goroutine pool")
	f.Int("buffer", 4, "per-split output channel depth")
	f.Bool("debug", false, "human-readable debug logging")
	f.Bool("version", false, "show current version of the build")

	if err := f.Parse(os.Args[1:]); err != nil {
		log.Fatal().Msgf("error loading flags: %v", err)
	}

	configs, _ := f.GetStringSlice("config")
	for _, path := range configs {
		var parser koanf.Parser
		switch ext := path[strings.LastIndex(path, ".")+1:]; ext {
		case "yaml", "yml":
			parser = yaml.Parser()
		case "json":
			parser = json.Parser()
		default:
			log.Fatal().Msgf("unsupported config extension in %s", path)
		}
		log.Debug().Msgf("Reading config from %s", path)
		if err := ko.Load(file.Provider(path), parser); err != nil {
			log.Fatal().Msgf("error reading config: %v", err)
		}
	}

	if err := ko.Load(posflag.Provider(f, ".", ko), nil); err != nil {
		log.Fatal().Msgf("error reading flag config: %v", err)
	}
}
