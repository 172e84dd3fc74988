package main

import (
	"flag"
	"log"

	"github.com/danmuck/commlink/internal/config"
)

func main() {
	output := flag.String("output", "cmd/linkctl/config.toml", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to cmd/linkctl/config.toml)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		path := *input
		if path == "" {
			path = "cmd/linkctl/config.toml"
		}
		if _, err := config.LoadNodeConfig(path); err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated node config at %s", path)
		return
	}

	if err := config.WriteTemplate(*output, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote node config template to %s", *output)
}
