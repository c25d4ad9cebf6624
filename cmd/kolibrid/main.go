package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"example.com/kolibri/internal/blackbox"
	"example.com/kolibri/internal/common"
	"example.com/kolibri/internal/config"
	"example.com/kolibri/internal/report"
	"example.com/kolibri/internal/server"
	"example.com/kolibri/internal/session"
	"example.com/kolibri/internal/transport"
)

const reconnectDelay = 2 * time.Second

func setupLogging(cfg config.Config) error {
	if err := os.MkdirAll(cfg.Logs.Directory, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	logFile := filepath.Join(cfg.Logs.Directory, "kolibrid.log")
	rotator := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    cfg.Logs.MaxSizeMB,
		MaxAge:     cfg.Logs.MaxAgeDays,
		MaxBackups: cfg.Logs.MaxBackups,
		Compress:   cfg.Logs.Compress,
	}
	out := io.MultiWriter(os.Stdout, rotator)
	log.SetOutput(out)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	common.SetLogOutput(out)
	return nil
}

func newSession(cfg config.Config, traffic *common.TrafficLog) *session.Session {
	baud := cfg.Transport.Baud
	return session.New(session.Options{
		Open: func(address string) (transport.Port, error) {
			return transport.Open(address, transport.WithBaudRate(baud))
		},
		Retries:        cfg.Session.Retries,
		Timeout:        cfg.Session.Timeout(),
		PingInterval:   cfg.Session.PingInterval(),
		StatusInterval: cfg.Session.StatusInterval(),
		PollInterval:   cfg.Session.PollInterval(),
		Traffic:        traffic,
	})
}

// keepConnected dials address and redials whenever the link drops until ctx
// is done.
func keepConnected(ctx context.Context, s *session.Session, address string) {
	ticker := time.NewTicker(reconnectDelay)
	defer ticker.Stop()
	for {
		if !s.Connected() {
			cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := s.Connect(cctx, address); err != nil {
				log.Printf("connect %s: %v", address, err)
			}
			cancel()
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func langUsage() string {
	var codes []string
	for _, l := range report.Languages() {
		codes = append(codes, string(l))
	}
	return "report language (" + strings.Join(codes, ", ") + ")"
}

func main() {
	configPath := flag.String("config", config.DefaultConfigPath, "path to configuration file (.yaml or .toml)")
	addr := flag.String("addr", "", "listen address (overrides http.addr)")
	device := flag.String("device", "", "flight controller address (overrides transport.address)")
	lang := flag.String("lang", string(report.LangEnglish), langUsage())
	flag.Parse()

	cfg, found, err := config.LoadOrDefault(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *device != "" {
		cfg.Transport.Address = *device
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}
	language, err := report.ParseLanguage(*lang)
	if err != nil {
		log.Fatalf("lang: %v", err)
	}
	if err := os.MkdirAll(cfg.StorageDir, 0o755); err != nil {
		log.Fatalf("storage dir: %v", err)
	}
	if err := setupLogging(cfg); err != nil {
		log.Fatalf("setup logging: %v", err)
	}
	if !found {
		log.Printf("config %s not found, using defaults", *configPath)
	}

	var traffic *common.TrafficLog
	if cfg.TrafficLog != "" {
		traffic = common.NewTrafficLog(cfg.TrafficLog)
		defer traffic.Close()
	}
	sess := newSession(cfg, traffic)
	defer sess.Disconnect()

	srv, err := server.NewServer(server.Options{
		StorageDir: cfg.StorageDir,
		Session:    sess,
		Derive:     cfg.Blackbox.Derive,
		DeriveOptions: blackbox.DeriveOptions{
			IFalloff: cfg.Blackbox.IFalloff,
		},
		Lang: language,
	})
	if err != nil {
		common.Fatalf("server init: %v", err)
	}
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Run(ctx)
	}()
	if cfg.Transport.Address != "" {
		go keepConnected(ctx, sess, cfg.Transport.Address)
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      server.NewRouter(srv),
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutMs) * time.Millisecond,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutMs) * time.Millisecond,
	}

	log.Printf("kolibrid listening on %s", cfg.HTTP.Addr)
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			common.Fatalf("listen: %v", err)
		}
	}()

	<-shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	cancel()
	<-done
	log.Println("kolibrid stopped")
}
