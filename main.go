package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/spaghettifunk/prisma/engine"
	"github.com/spaghettifunk/prisma/engine/config"
	"github.com/spaghettifunk/prisma/engine/core"
)

func main() {
	configPath := flag.String("config", "prisma.toml", "path to the viewer configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		core.LogFatal(err.Error())
	}

	e, err := engine.New(cfg)
	if err != nil {
		core.LogFatal(err.Error())
	}
	if err := e.Initialize(); err != nil {
		core.LogFatal(err.Error())
	}

	// signal channel to capture system calls
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	go func() {
		<-sigCh
		_ = e.Shutdown()
		os.Exit(0)
	}()

	if err := e.Run(); err != nil {
		core.LogFatal(err.Error())
	}
	if err := e.Shutdown(); err != nil {
		core.LogError(err.Error())
	}
}
