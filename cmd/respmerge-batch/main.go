// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"log/slog"
	"os"
)

func main() {
	// Read a Request from stdin, write a Response to stdout
	level := slog.LevelWarn
	if os.Getenv("RESPMERGE_DEBUG") == "1" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := Run(os.Stdin, os.Stdout, logger); err != nil {
		fmt.Fprintln(os.Stderr, "respmerge-batch:", err)
		os.Exit(1)
	}
}
