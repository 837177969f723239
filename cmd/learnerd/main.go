package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/mind-engage/nihongo/internal/agent"
	"github.com/mind-engage/nihongo/internal/config"
)

func main() {
	// .env first so it can set NIHONGO_AGENT_CONFIG for the flag default
	loadDotEnv()

	var (
		cfgPath   = flag.String("config", defaultConfigPath(), "agent config file (TOML)")
		listen    = flag.String("listen", "", "override listen address")
		serverURL = flag.String("server", "", "override sync server URL")
		offline   = flag.Bool("offline", false, "start with the manual offline override set")
	)
	flag.Parse()

	cfg, err := config.LoadAgent(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *serverURL != "" {
		cfg.ServerURL = *serverURL
	}
	if tok := os.Getenv("NIHONGO_TOKEN"); tok != "" && cfg.Token == "" {
		cfg.Token = tok
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := agent.New(ctx, cfg, agent.Options{})
	if err != nil {
		log.Fatalf("agent: %v", err)
	}
	if *offline {
		a.Conn.SetManual(false)
	}

	runErr := a.Run(ctx)
	if err := a.Close(); err != nil {
		log.Printf("close store: %v", err)
	}
	if runErr != nil {
		log.Fatalf("agent: %v", runErr)
	}
}

func loadDotEnv() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("env: %v", err)
	}
}

func defaultConfigPath() string {
	return envOr("NIHONGO_AGENT_CONFIG", "~/.config/nihongo/agent.toml")
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
