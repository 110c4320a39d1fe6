// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command armada starts the Aleutian agent supervision service.
//
// # Usage
//
//	# Build
//	go build -o armada ./cmd/armada
//
//	# Run with defaults
//	./armada serve
//
//	# Run with a config file
//	./armada serve --config /etc/armada/armada.yaml
package main

import (
	"log"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "armada",
	Short: "Aleutian agent supervision service",
	Long: "Armada supervises fleets of in-process agents: lifecycle, health\n" +
		"probing, restart throttling, pooling, and metrics aggregation,\n" +
		"exposed over an HTTP control surface.",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to armada.yaml (optional)")
	rootCmd.AddCommand(serveCmd)
}
