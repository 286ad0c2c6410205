package api

import (
	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
)

// bearerClaims is the shape of an already-issued admin bearer token. Tokens are never minted
// here; this only verifies a token from an external identity provider and lifts its scopes
// claim into the request's scope set alongside (not instead of) the X-IAM-Scopes header.
type bearerClaims struct {
	Scopes []string `json:"scopes"`
	jwt.RegisteredClaims
}

func jwtScopeMiddleware(secret string) echo.MiddlewareFunc {
	if secret == "" {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	verify := echojwt.WithConfig(echojwt.Config{
		SigningKey:             []byte(secret),
		NewClaimsFunc:          func(c echo.Context) jwt.Claims { return new(bearerClaims) },
		ContinueOnIgnoredError: true,
		ErrorHandler: func(c echo.Context, err error) error {
			// No or invalid bearer token: fall back to header-delivered scopes alone.
			return nil
		},
	})
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return verify(func(c echo.Context) error {
			if tok, ok := c.Get("user").(*jwt.Token); ok && tok != nil {
				if claims, ok := tok.Claims.(*bearerClaims); ok && len(claims.Scopes) > 0 {
					c.Set(ctxKeyScopes, append(append([]string{}, callerScopes(c)...), claims.Scopes...))
				}
			}
			return next(c)
		})
	}
}
