package main

import (
	"net/http"

	"github.com/rs/cors"
)

// newCORS builds the process-wide cross-origin policy. Preflight requests are
// answered here and never reach the router.
func newCORS(cfg *Config) *cors.Cors {
	return cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   cfg.CORSAllowedMethods,
		AllowedHeaders:   cfg.CORSAllowedHeaders,
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: cfg.CORSAllowCredentials,
		MaxAge:           cfg.CORSMaxAge,
	})
}

func withCORS(cfg *Config, next http.Handler) http.Handler {
	return newCORS(cfg).Handler(next)
}
