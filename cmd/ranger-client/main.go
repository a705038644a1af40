// Copyright 2026 Genome Research Ltd.
// SPDX-License-Identifier: Apache-2.0

// ranger-client walks a GA4GH-style redirect manifest: it fetches the
// manifest URL, then fetches and concatenates every referenced URI in
// order (decoding inline data: URIs locally) to stdout or a file. A
// response carrying the data-truncated trailer aborts the walk with a
// non-zero exit, so partial streams are never mistaken for complete
// downloads.
//
//	ranger-client http://localhost:4567/ga4gh/sample/ABC123456
//	ranger-client --output sample.bam http://localhost:4567/ga4gh/sample/ABC123456
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/wtsi-npg/ranger/lib/manifest"
	"github.com/wtsi-npg/ranger/lib/process"
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
		outputPath  string
		timeout     time.Duration
		showVersion bool
	)

	flagSet := pflag.NewFlagSet("ranger-client", pflag.ContinueOnError)
	flagSet.StringVarP(&outputPath, "output", "o", "", "write the stream to this file instead of stdout")
	flagSet.DurationVar(&timeout, "timeout", 0, "overall walk deadline (default: none)")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	if showVersion {
		fmt.Printf("ranger-client %s\n", version.Info())
		return nil
	}

	if flagSet.NArg() != 1 {
		return fmt.Errorf("usage: ranger-client [--output FILE] MANIFEST_URL")
	}
	manifestURL := flagSet.Arg(0)

	logger := service.NewLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var out io.Writer = os.Stdout
	if outputPath != "" {
		file, err := os.Create(outputPath)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		defer file.Close()
		out = file
	}

	walker := &manifest.Walker{Logger: logger}
	if err := walker.Walk(ctx, manifestURL, out); err != nil {
		// A partially-written output file is worse than no file: the
		// truncation would be invisible to whatever reads it next.
		if outputPath != "" {
			os.Remove(outputPath)
		}
		return err
	}
	return nil
}
