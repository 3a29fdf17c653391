package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"grokgate/internal/batch"
	"grokgate/internal/config"
	"grokgate/internal/pool"
	"grokgate/internal/server"
	"grokgate/internal/settings"
	"grokgate/internal/store"
	"grokgate/internal/upstream"
)

const serveUsage = `Usage:
  grokgate serve --config <path> [--port <port>]

Flags:
  --config string   Path to YAML configuration file (required)
  --port   int      Override server port from configuration`

func serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, serveUsage)
	}

	var cfgPath string
	var overridePort int
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.IntVar(&overridePort, "port", 0, "override server port")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse serve flags: %w", err)
	}

	if cfgPath == "" {
		return errors.New("serve command requires --config <path>")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	if overridePort != 0 {
		if overridePort <= 0 || overridePort > 65535 {
			return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
		}
		cfg.Server.Port = overridePort
	}

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	sections, err := db.FetchSettings(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	bundle := settings.FromStored(sections)

	var creds []pool.Credential
	if cfg.Credentials.File != "" {
		creds, err = pool.LoadFile(cfg.Credentials.File)
		if err != nil {
			return err
		}
	}
	credentialPool := pool.New(creds, bundle.Token.SuperModels)
	if credentialPool.Size() == 0 {
		slog.Warn("credential pool is empty; chat requests will fail until credentials are configured")
	}

	client, err := upstream.New(cfg.Upstream.BaseURL, cfg.Upstream.AssetBaseURL, cfg.Upstream.Proxy)
	if err != nil {
		return err
	}

	srv, err := server.New(cfg, server.Deps{
		Store:    db,
		Pool:     credentialPool,
		Upstream: client,
		Registry: batch.NewRegistry(),
	})
	if err != nil {
		return err
	}

	return srv.Run(ctx)
}
