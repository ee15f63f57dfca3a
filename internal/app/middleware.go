package app

import (
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/unrolled/secure"
)

// MiddlewareStack returns the shared middleware chain for the HTTP surface.
func MiddlewareStack(cfg *Config) []func(http.Handler) http.Handler {
	secureMW := secure.New(secure.Options{
		FrameDeny:          true,
		ContentTypeNosniff: true,
		BrowserXssFilter:   true,
		IsDevelopment:      !cfg.IsProduction(),
	})

	stack := []func(http.Handler) http.Handler{
		chimw.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		chimw.Timeout(cfg.AppRequestTimeout),
		secureMW.Handler,
	}
	if cfg.RateLimit > 0 {
		stack = append(stack, httprate.LimitByIP(cfg.RateLimit, cfg.RateLimitWindow))
	}
	return stack
}
