package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"

	"peerlab/internal/agent"
)

func main() {
	configPath := pflag.String("config", "./agent.yaml", "path to agent config yaml")
	user := pflag.String("user", "", "look up one mapping by raw external user id and exit")
	once := pflag.Bool("once", false, "sync one snapshot and exit")
	pflag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	a, err := agent.New(*configPath)
	if err != nil {
		log.Error("agent init failed", "err", err)
		os.Exit(1)
	}

	ctx := context.Background()

	if *user != "" {
		m, err := a.FetchUserMapping(ctx, *user)
		if err != nil {
			log.Error("lookup failed", "err", err)
			os.Exit(1)
		}
		fmt.Printf("user_hash=%s asn=%d prefixes=%v email=%s\n", m.UserHash, m.Asn, m.Prefixes, m.Email)
		return
	}

	sync := func() {
		mr, err := a.FetchMappings(ctx)
		if err != nil {
			log.Error("mappings fetch failed", "err", err)
			return
		}
		if err := a.WriteSnapshot(mr); err != nil {
			log.Error("snapshot write failed", "path", a.Cfg.OutputPath, "err", err)
			return
		}
		log.Info("snapshot written", "path", a.Cfg.OutputPath, "mappings", len(mr.Mappings))
	}

	sync()
	if *once {
		return
	}

	t := time.NewTicker(time.Duration(a.Cfg.PollSeconds) * time.Second)
	defer t.Stop()
	for range t.C {
		sync()
	}
}
