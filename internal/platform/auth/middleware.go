package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// ErrInvalidClaims is returned when a verified token does not describe a usable
// principal.
var ErrInvalidClaims = errors.New("invalid principal claims")

// Claims are the JWT claims issued to hospital staff, patients and platform
// operators.
type Claims struct {
	jwt.RegisteredClaims
	PrincipalKind string `json:"principal_kind"`
	TenantID      string `json:"tenant_id,omitempty"`
	PatientID     string `json:"patient_id,omitempty"`
}

// JWTConfig configures token verification.
type JWTConfig struct {
	Issuer     string
	Audience   string
	SigningKey []byte
}

// ParseToken verifies tokenStr with the HMAC signing key and returns its claims.
func ParseToken(cfg JWTConfig, tokenStr string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
		return cfg.SigningKey, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	return claims, nil
}

// CallerFromClaims maps verified claims to a Caller. An unrecognized
// principal kind yields an unknown caller, which never resolves to a key.
func CallerFromClaims(c *Claims) (Caller, error) {
	switch ParseKind(c.PrincipalKind) {
	case KindPlatform:
		return Platform(), nil
	case KindHospital:
		if c.TenantID == "" {
			return Caller{}, fmt.Errorf("%w: hospital token without tenant_id", ErrInvalidClaims)
		}
		return Hospital(c.TenantID), nil
	case KindPatient:
		id := c.PatientID
		if id == "" {
			id = c.Subject
		}
		if id == "" {
			return Caller{}, fmt.Errorf("%w: patient token without patient_id", ErrInvalidClaims)
		}
		return Patient(id), nil
	default:
		return Caller{Kind: KindUnknown}, nil
	}
}

// CallerMiddleware verifies the bearer token and stores the Caller in the
// request context. Requests matched by skipper pass through unauthenticated.
func CallerMiddleware(cfg JWTConfig, skipper func(echo.Context) bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skipper != nil && skipper(c) {
				return next(c)
			}

			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims, err := ParseToken(cfg, parts[1])
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			caller, err := CallerFromClaims(claims)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			c.SetRequest(c.Request().WithContext(WithCaller(c.Request().Context(), caller)))
			c.Set("caller", caller)
			return next(c)
		}
	}
}

// RequireKind rejects requests whose caller is not one of kinds.
func RequireKind(kinds ...Kind) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			caller := CallerFromContext(c.Request().Context())
			for _, k := range kinds {
				if caller.Kind == k && k != KindUnknown {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden, "insufficient privileges")
		}
	}
}
