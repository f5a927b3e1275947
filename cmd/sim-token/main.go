package main

import (
	"flag"
	"os"
	"time"

	"github.com/louisbranch/princess.sim/internal/platform/config"
	"github.com/louisbranch/princess.sim/internal/tools/simtoken"
)

func main() {
	cfg, err := simtoken.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	if err := simtoken.Run(cfg, os.Stdout, nil, time.Now); err != nil {
		config.Exitf("issue token: %v", err)
	}
}
