package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/asaskevich/EventBus"
	"go.uber.org/zap"

	"github.com/talkincode/wagate/config"
	"github.com/talkincode/wagate/internal/app"
	"github.com/talkincode/wagate/internal/engine"
	"github.com/talkincode/wagate/internal/session"
	"github.com/talkincode/wagate/internal/webhook"
	"github.com/talkincode/wagate/internal/webserver"
)

var (
	h        = flag.Bool("h", false, "help usage")
	showVer  = flag.Bool("v", false, "show version")
	conffile = flag.String("c", "", "config yaml file")
	initdb   = flag.Bool("initdb", false, "drop and recreate database tables")
)

var (
	BuildVersion string
	ReleaseDate  string
)

func printVersion() {
	fmt.Printf("wagate version %s, release %s\n", BuildVersion, ReleaseDate)
}

func main() {
	flag.Parse()

	if *h {
		flag.Usage()
		os.Exit(0)
	}
	if *showVer {
		printVersion()
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*conffile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	application := app.NewApplication(cfg)
	application.Init()

	if *initdb {
		application.InitDb()
		zap.S().Info("database initialized")
		os.Exit(0)
	}

	bus := EventBus.New()

	dispatcher, err := webhook.NewDispatcher(cfg.Whatsapp.WebhookWorkers, bus, application.DB())
	if err != nil {
		zap.S().Fatalf("init webhook dispatcher: %v", err)
	}

	eng := engine.NewWhatsmeowEngine(cfg.Whatsapp.ClientName, cfg.Whatsapp.Platform)
	manager, err := session.NewManager(cfg, eng, dispatcher, bus, application.DB())
	if err != nil {
		zap.S().Fatalf("init session manager: %v", err)
	}

	application.SetSessionManager(manager)
	application.InitJobs()

	server := webserver.NewServer(cfg, manager)
	go func() {
		if err := server.Start(); err != nil {
			zap.S().Errorf("web server stopped: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	zap.S().Info("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		zap.S().Errorf("web server shutdown: %v", err)
	}
	manager.Shutdown(ctx)
	dispatcher.Release()
	application.Release()
}
