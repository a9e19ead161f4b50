package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"offline0/internal/offline0"
)

func main() {
	var (
		configPath string
		logLevel   string
		logJSON    bool
	)
	flag.StringVar(&configPath, "config", getenvDefault("OFFLINE0_CONFIG", "/offline0.yaml"), "path to offline0.yaml")
	flag.StringVar(&logLevel, "log-level", getenvDefault("OFFLINE0_LOG_LEVEL", "info"), "logrus level")
	flag.BoolVar(&logJSON, "log-json", os.Getenv("OFFLINE0_LOG_JSON") != "", "log as JSON")
	flag.Parse()

	lvl, err := log.ParseLevel(logLevel)
	if err != nil {
		log.Fatalf("log level: %v", err)
	}
	log.SetLevel(lvl)
	if logJSON {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true, TimestampFormat: "2006/01/02 15:04:05.000000"})
	}

	cfg, err := offline0.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	// Update checks re-read the config file.
	svc, err := offline0.NewService(cfg, offline0.WithGenerationSource(func() (offline0.Generations, error) {
		next, err := offline0.LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
		return next.Generations(), nil
	}))
	if err != nil {
		log.Fatalf("init service: %v", err)
	}
	defer svc.Close()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("listen %s: %v", addr, err)
	}

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc.Start(ctx)

	go func() {
		log.WithFields(log.Fields{"addr": addr, "origin": cfg.Server.Origin}).Info("offline0 listening")
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("server error: %v", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
