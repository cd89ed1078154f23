package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"vibe/go-agent/internal/api"
	"vibe/go-agent/internal/composition/agentd"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	listenAddr := flag.String("listen", "", "local bridge listen address")
	configPath := flag.String("config", "", "Path to agent.yaml (optional)")
	dataDir := flag.String("data-dir", "", "Directory for agent local data (optional)")
	flag.Parse()
	if *showVersion {
		fmt.Printf("vibe-agentd version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := agentd.Build(*configPath, *dataDir)
	if err != nil {
		log.Fatalf("vibe-agentd failed to initialize: %v", err)
	}

	addr := *listenAddr
	if addr == "" {
		addr = rt.Config.Listen
	}
	srv := api.NewServer(addr, rt.Agent, api.NewPromptBridge(rt.Broker), rt.Logger)

	rt.Logger.Info("vibe-agentd starting")
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("vibe-agentd failed: %v", err)
	}
	rt.Socket.Close()
	rt.Logger.Info("vibe-agentd stopped")
}
