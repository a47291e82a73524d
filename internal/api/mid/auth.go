package mid

import (
	"context"
	"net/http"

	"github.com/vipyrsec/dragonfly-mainframe/internal/api/auth"
	"github.com/vipyrsec/dragonfly-mainframe/internal/api/errs"
	"github.com/vipyrsec/dragonfly-mainframe/pkg/web"
)

// Bearer validates the request's bearer token and stores the caller identity
// in the context for handlers to stamp onto scan transitions.
func Bearer(validator *auth.Validator) web.MidFunc {
	m := func(next web.HandlerFunc) web.HandlerFunc {
		h := func(ctx context.Context, r *http.Request) web.Encoder {
			token, err := auth.BearerToken(r.Header.Get("Authorization"))
			if err != nil {
				return errs.New(errs.Unauthenticated, err)
			}

			claims, err := validator.ValidateToken(ctx, token)
			if err != nil {
				return errs.New(errs.Unauthenticated, err)
			}

			ctx = auth.SetClaims(ctx, claims)

			return next(ctx, r)
		}

		return h
	}

	return m
}
