package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"curio/internal/app"
	"curio/internal/config"
)

func main() {
	cfg, err := config.Load(os.Getenv("CURIO_CONFIG"))
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	appInstance, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("app init error: %v", err)
	}
	defer appInstance.Close()

	log.Printf("curiod serving on %s", cfg.HTTP.Addr)
	if err := appInstance.Serve(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
