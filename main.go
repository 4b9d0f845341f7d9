package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/cchopin/murmur/registry"
)

func main() {
	adminAddr := flag.String("admin-addr", "", "admin HTTP API listen address (empty to disable)")
	flag.Parse()

	configPath := "config.json"
	if flag.NArg() > 0 {
		configPath = flag.Arg(0)
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		log.Fatalf("[main] %v", err)
	}
	if *adminAddr != "" {
		cfg.AdminAddr = *adminAddr
	}

	users, err := registry.LoadUsers(cfg.UsersFile)
	if err != nil {
		log.Fatalf("[main] %v", err)
	}
	tokens, err := registry.LoadTokens(cfg.TokensFile)
	if err != nil {
		log.Fatalf("[main] %v", err)
	}

	tlsConfig, err := loadTLSConfig(cfg)
	if err != nil {
		log.Fatalf("[main] %v", err)
	}

	deps := &Deps{
		Clients:     NewClientManager(cfg.RateLimit),
		Rooms:       NewRoomManager(),
		Users:       users,
		Tokens:      tokens,
		MsgRouted:   &counter{},
		ParseErrors: &counter{},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("[main] shutting down...")
		cancel()
	}()

	go RunMetrics(ctx, deps, 30*time.Second)

	if cfg.AdminAddr != "" {
		admin := NewAdminAPI(deps)
		go admin.Run(ctx, cfg.AdminAddr)
		log.Printf("[main] admin API listening on %s", cfg.AdminAddr)
	}

	addr := ":" + itoa(cfg.Port)
	srv := NewServer(addr, tlsConfig, deps, cfg.MaxConnections)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("[main] %v", err)
	}
}
