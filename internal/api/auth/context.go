package auth

import "context"

type ctxKey int

const claimsKey ctxKey = 1

// SetClaims stores the validated claims in the context.
func SetClaims(ctx context.Context, claims Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

// GetClaims returns the validated claims from the context, if present.
func GetClaims(ctx context.Context) (Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(Claims)
	return claims, ok
}

// Subject returns the authenticated actor identity, or "" when the request
// was not authenticated.
func Subject(ctx context.Context) string {
	claims, _ := GetClaims(ctx)
	return claims.Subject
}
