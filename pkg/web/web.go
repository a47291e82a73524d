// Package web contains a small web framework extension.
package web

import (
	"context"
	"net/http"
	"path"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/vipyrsec/dragonfly-mainframe/pkg/common/otel"
)

// HandlerFunc represents a function that handles a http request within our own
// little mini framework.
type HandlerFunc func(ctx context.Context, r *http.Request) Encoder

// Logger represents a function that will be called to add information
// to the logs.
type Logger func(ctx context.Context, msg string, args ...any)

// App is the entrypoint into our application and what configures our context
// object for each of our http handlers.
type App struct {
	log     Logger
	tracer  trace.Tracer
	mux     *http.ServeMux
	mw      []MidFunc
	origins []string
}

// NewApp creates an App value that handle a set of routes for the application.
func NewApp(log Logger, tracer trace.Tracer, mw ...MidFunc) *App {
	return &App{
		log:    log,
		tracer: tracer,
		mux:    http.NewServeMux(),
		mw:     mw,
	}
}

// ServeHTTP implements the http.Handler interface. It's the entry point for
// all http traffic.
func (a *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.mux.ServeHTTP(w, r)
}

// EnableCORS enables CORS preflight requests to work in the middleware. It
// prevents the MethodNotAllowedHandler from being called. This must be enabled
// for the CORS middleware to work.
func (a *App) EnableCORS(origins []string) {
	a.origins = origins

	handler := func(ctx context.Context, r *http.Request) Encoder {
		return nil
	}
	handler = wrapMiddleware([]MidFunc{a.corsHandler}, handler)

	a.handle("OPTIONS", "", "/", handler)
}

// HandlerFunc sets a handler function for a given HTTP method and path pair
// to the application server mux.
func (a *App) HandlerFunc(method string, group string, route string, handlerFunc HandlerFunc, mw ...MidFunc) {
	handlerFunc = wrapMiddleware(mw, handlerFunc)
	if a.origins != nil {
		handlerFunc = wrapMiddleware([]MidFunc{a.corsHandler}, handlerFunc)
	}
	handlerFunc = wrapMiddleware(a.mw, handlerFunc)

	a.handle(method, group, route, handlerFunc)
}

// HandlerFuncNoMid sets a handler function for a given HTTP method and path
// pair to the application server mux. Does not include the application
// middleware.
func (a *App) HandlerFuncNoMid(method string, group string, route string, handlerFunc HandlerFunc) {
	a.handle(method, group, route, handlerFunc)
}

// RawHandler attaches a standard library http.Handler for a given HTTP method
// and path pair. Used for endpoints like /metrics that bring their own
// encoding.
func (a *App) RawHandler(method string, group string, route string, handler http.Handler) {
	a.mux.Handle(buildPattern(method, group, route), handler)
}

func (a *App) handle(method string, group string, route string, handlerFunc HandlerFunc) {
	h := func(w http.ResponseWriter, r *http.Request) {
		v := Values{
			TraceID: otel.GetTraceID(r.Context()),
			Now:     time.Now(),
			Writer:  w,
		}
		ctx := setValues(r.Context(), &v)

		resp := handlerFunc(ctx, r)

		if err := Respond(ctx, w, resp); err != nil {
			a.log(ctx, "web-respond", "ERROR", err)
			return
		}
	}

	a.mux.HandleFunc(buildPattern(method, group, route), h)
}

func buildPattern(method string, group string, route string) string {
	finalPath := route
	if group != "" {
		finalPath = "/" + group + route
	}
	finalPath = path.Clean(finalPath)

	return method + " " + finalPath
}

// corsHandler provides cors support.
func (a *App) corsHandler(webHandler HandlerFunc) HandlerFunc {
	h := func(ctx context.Context, r *http.Request) Encoder {
		w := GetWriter(ctx)

		reqOrigin := r.Header.Get("Origin")
		for _, origin := range a.origins {
			if origin == "*" || origin == reqOrigin {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				break
			}
		}
		w.Header().Set("Access-Control-Allow-Methods", "POST, PUT, GET, OPTIONS, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		return webHandler(ctx, r)
	}

	return h
}
