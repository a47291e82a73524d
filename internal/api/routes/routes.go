// Package routes binds every route group to the application mux.
package routes

import (
	"net/http"

	"github.com/vipyrsec/dragonfly-mainframe/internal/api/mux"
	"github.com/vipyrsec/dragonfly-mainframe/internal/api/routes/health"
	"github.com/vipyrsec/dragonfly-mainframe/internal/api/scanning"
	"github.com/vipyrsec/dragonfly-mainframe/pkg/web"
)

// Routes constructs an add value which provides the implementation of
// RouteAdder for specifying what routes to bind to this instance.
func Routes() add {
	return add{}
}

type add struct{}

// Add implements the RouteAdder interface.
func (add) Add(app *web.App, cfg mux.Config) {
	health.Routes(app, health.Config{
		Build: cfg.Build,
		Log:   cfg.Log,
	})

	scanning.Routes(app, scanning.Config{
		Build:         cfg.Build,
		Log:           cfg.Log,
		Auth:          cfg.Auth,
		ScanService:   cfg.ScanService,
		RulesService:  cfg.RulesService,
		ReportService: cfg.ReportService,
	})

	// Prometheus exposition ships its own encoder; mount it raw and
	// unauthenticated.
	app.RawHandler(http.MethodGet, "", "/metrics", cfg.Metrics.Handler())
}
