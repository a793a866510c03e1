// Package app provides the main application setup and dependency injection.
package app

import (
	"mp4decrypt-go/pkg/appctx"
	"mp4decrypt-go/pkg/config"
	"mp4decrypt-go/pkg/handlers/api"
	"mp4decrypt-go/pkg/httpclient"
	"mp4decrypt-go/pkg/logging"
	"mp4decrypt-go/pkg/server"
	"mp4decrypt-go/pkg/services"
)

// App is the main application container.
type App struct {
	Ctx        *appctx.Context
	Server     *server.Server
	HTTPClient *httpclient.Client
	Decrypt    *services.DecryptService
}

// New creates and initializes the application.
func New() (*App, error) {
	cfg := config.Load()

	log := logging.New(cfg.LogLevel, cfg.LogJSON, nil)
	log.WithSize("max_input_size", int(cfg.MaxInputSize)).Info("initializing mp4decrypt",
		"port", cfg.Port,
		"log_level", cfg.LogLevel,
		"workers", cfg.DecryptWorkers,
	)

	ctx := appctx.New(cfg, log)

	// Remote inputs for GET /decrypt
	httpClient := httpclient.New(cfg, log)
	ctx.WithFetcher(httpClient)

	decrypt := services.NewDecryptService(log, cfg.DecryptWorkers)
	ctx.WithDecrypter(decrypt)

	srv := server.New(cfg, log)

	handlers := api.NewHandlers(ctx)
	handlers.RegisterRoutes(srv.Router())

	return &App{
		Ctx:        ctx,
		Server:     srv,
		HTTPClient: httpClient,
		Decrypt:    decrypt,
	}, nil
}

// Run starts the application.
func (a *App) Run() error {
	a.Ctx.Log.Info("starting mp4decrypt server", "port", a.Ctx.Config.Port)
	return a.Server.Start()
}

// Shutdown logs the final worker pool counters.
func (a *App) Shutdown() {
	stats := a.Decrypt.Stats()
	a.Ctx.Log.Info("shutting down application",
		"completed", stats.Completed,
		"failed", stats.Failed,
	)
}
