// Copyright 2026 Genome Research Ltd.
// SPDX-License-Identifier: Apache-2.0

// ranger-server is the streaming genomic-data gateway. It serves
// catalogued alignment files over HTTP, composing external tools
// (samtools, a duplicate marker, a variant caller) into per-request
// pipelines whose output is streamed straight to the client, with the
// stream outcome reported in HTTP trailers.
//
// Configuration comes from a YAML file located via RANGER_CONFIG or
// --config. The catalog is seeded with --import, pointing at a JSONC
// manifest of file records.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/wtsi-npg/ranger/lib/binhash"
	"github.com/wtsi-npg/ranger/lib/catalog"
	"github.com/wtsi-npg/ranger/lib/config"
	"github.com/wtsi-npg/ranger/lib/controller"
	"github.com/wtsi-npg/ranger/lib/plan"
	"github.com/wtsi-npg/ranger/lib/process"
	"github.com/wtsi-npg/ranger/lib/processor"
	"github.com/wtsi-npg/ranger/lib/service"
	"github.com/wtsi-npg/ranger/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		importPath  string
		showVersion bool
	)

	flagSet := pflag.NewFlagSet("ranger-server", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to ranger.yaml (default: $RANGER_CONFIG)")
	flagSet.StringVar(&importPath, "import", "", "JSONC manifest to import into the catalog before serving")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	if showVersion {
		fmt.Printf("ranger-server %s\n", version.Info())
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := service.NewLogger()

	tools, err := resolveTools(cfg, logger)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Paths.Catalog), 0o755); err != nil {
		return fmt.Errorf("creating catalog directory: %w", err)
	}
	cat, err := catalog.Open(cfg.Paths.Catalog, logger)
	if err != nil {
		return err
	}
	defer cat.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if importPath != "" {
		count, err := cat.ImportFile(ctx, importPath)
		if err != nil {
			return err
		}
		logger.Info("catalog manifest imported", "path", importPath, "records", count)
	}

	proc := processor.New(processor.Config{
		Tools:    tools,
		TempBase: cfg.Paths.TempDir,
		Grace:    time.Duration(cfg.Timeout) * time.Second,
		Logger:   logger,
	})

	handler := controller.NewHandler(controller.Config{
		Catalog:    cat,
		Processor:  proc,
		Authorizer: controller.AllowAll{},
		Logger:     logger,
	})

	server := service.NewServer(service.ServerConfig{
		Address:    fmt.Sprintf(":%d", cfg.Listen.Port),
		SocketPath: cfg.Listen.Socket,
		Handler:    handler,
		Logger:     logger,
	})

	return server.Serve(ctx)
}

// loadConfig loads from the --config flag when given, otherwise from
// RANGER_CONFIG, otherwise falls back to the built-in defaults so a
// bare invocation still serves.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	if os.Getenv("RANGER_CONFIG") != "" {
		return config.Load()
	}
	return config.Default(), nil
}

// resolveTools resolves the configured tool names to absolute paths
// and logs each tool's content digest, so checksum discrepancies can
// later be traced to tool upgrades.
func resolveTools(cfg *config.Config, logger *slog.Logger) (plan.Tools, error) {
	resolve := func(name string) (string, error) {
		path, err := cfg.BinaryPath(name)
		if err != nil {
			return "", err
		}
		digest, err := binhash.HashFile(path)
		if err != nil {
			logger.Warn("hashing tool binary", "tool", path, "error", err)
			return path, nil
		}
		logger.Info("tool resolved", "tool", path, "blake3", binhash.FormatDigest(digest))
		return path, nil
	}

	samtools, err := resolve(cfg.Tools.Samtools)
	if err != nil {
		return plan.Tools{}, err
	}
	markDuplicates, err := resolve(cfg.Tools.MarkDuplicates)
	if err != nil {
		return plan.Tools{}, err
	}
	variantCaller, err := resolve(cfg.Tools.VariantCaller)
	if err != nil {
		return plan.Tools{}, err
	}

	return plan.Tools{
		Samtools:       samtools,
		MarkDuplicates: markDuplicates,
		VariantCaller:  variantCaller,
	}, nil
}
