package mid

import (
	"context"
	"net/http"
	"time"

	"github.com/vipyrsec/dragonfly-mainframe/pkg/common/logger"
	"github.com/vipyrsec/dragonfly-mainframe/pkg/web"
)

// Logger writes information about the request to the logs.
func Logger(log *logger.Logger) web.MidFunc {
	m := func(next web.HandlerFunc) web.HandlerFunc {
		h := func(ctx context.Context, r *http.Request) web.Encoder {
			now := time.Now()

			path := r.URL.Path
			if r.URL.RawQuery != "" {
				path = path + "?" + r.URL.RawQuery
			}

			log.Info(ctx, "request started", "method", r.Method, "path", path, "remoteaddr", r.RemoteAddr)

			resp := next(ctx, r)

			log.Info(ctx, "request completed", "method", r.Method, "path", path,
				"remoteaddr", r.RemoteAddr, "statuscode", web.StatusCode(resp), "since", time.Since(now).String())

			return resp
		}

		return h
	}

	return m
}
