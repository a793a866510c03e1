// Package main is the entry point for the mp4decrypt HTTP server.
package main

import (
	"log"
	"os"

	"mp4decrypt-go/internal/app"
)

func main() {
	application, err := app.New()
	if err != nil {
		log.Fatalf("failed to initialize application: %v", err)
	}

	// Ensure cleanup on exit
	defer application.Shutdown()

	if err := application.Run(); err != nil {
		log.Printf("server error: %v", err)
		os.Exit(1)
	}
}
