package mid

import (
	"context"
	"net/http"

	"github.com/vipyrsec/dragonfly-mainframe/internal/api/errs"
	"github.com/vipyrsec/dragonfly-mainframe/pkg/common/logger"
	"github.com/vipyrsec/dragonfly-mainframe/pkg/web"
)

// Errors handles errors coming out of the call chain. It detects normal
// application errors which are used to respond to the client in a uniform way.
// Unexpected errors (status >= 500) are logged.
func Errors(log *logger.Logger) web.MidFunc {
	m := func(next web.HandlerFunc) web.HandlerFunc {
		h := func(ctx context.Context, r *http.Request) web.Encoder {
			resp := next(ctx, r)

			err, isError := resp.(error)
			if !isError {
				return resp
			}

			appErr, isAppErr := resp.(*errs.Error)
			if !isAppErr {
				appErr = errs.New(errs.Internal, err)
			}

			if appErr.HTTPStatus() >= http.StatusInternalServerError {
				log.Error(ctx, "handled error during request",
					"err", appErr.Message, "code", appErr.Code.String(),
					"method", r.Method, "path", r.URL.Path)

				// Don't leak internals to the client.
				appErr = errs.Newf(errs.Internal, "internal error")
			}

			return appErr
		}

		return h
	}

	return m
}
