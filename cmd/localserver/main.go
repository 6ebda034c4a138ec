// Command localserver runs the event-loop HTTP server: load a config
// file, bind its listeners, and run the reactor until SIGINT/SIGTERM.
package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/helouazizi/localserver/internal/config"
	"github.com/helouazizi/localserver/internal/reactor"
)

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("usage: %s <config-file>", os.Args[0])
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)

	cfg, err := config.Load(os.Args[1])
	if err != nil {
		logger.Printf("config error: %v", err)
		os.Exit(1)
	}

	re, err := reactor.New(cfg, logger)
	if err != nil {
		logger.Printf("reactor init error: %v", err)
		os.Exit(2)
	}
	if err := re.Bind(); err != nil {
		logger.Printf("bind error: %v", err)
		os.Exit(2)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigc
		logger.Printf("[main] shutdown signal received")
		re.Shutdown()
	}()

	if err := re.Run(); err != nil {
		logger.Printf("run error: %v", err)
		os.Exit(1)
	}
}
