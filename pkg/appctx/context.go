// Package appctx provides the application context that holds all runtime dependencies.
package appctx

import (
	"mp4decrypt-go/pkg/config"
	"mp4decrypt-go/pkg/interfaces"
	"mp4decrypt-go/pkg/logging"
)

// Context holds all application runtime dependencies.
// Pass this single struct to components instead of individual parameters.
type Context struct {
	Config    *config.Config
	Log       *logging.Logger
	Decrypter interfaces.Decrypter
	Fetcher   interfaces.Fetcher
	BaseURL   string
}

// New creates a new application context.
func New(cfg *config.Config, log *logging.Logger) *Context {
	return &Context{
		Config:  cfg,
		Log:     log,
		BaseURL: cfg.BaseURL,
	}
}

// WithDecrypter sets the decrypt service.
func (c *Context) WithDecrypter(d interfaces.Decrypter) *Context {
	c.Decrypter = d
	return c
}

// WithFetcher sets the client used to download remote inputs.
func (c *Context) WithFetcher(f interfaces.Fetcher) *Context {
	c.Fetcher = f
	return c
}
