package middleware // middleware holds the HTTP middleware shared by the API routes

import (
    "net/http"
    "strconv"
    "strings"

    "github.com/golang-jwt/jwt/v5"
    "github.com/labstack/echo/v4"
    "github.com/sirupsen/logrus"

    "github.com/iliyamo/ticket-inventory/internal/log"
)

// JWTAuth returns an Echo middleware that validates a Bearer access token
// issued by the upstream auth service.  The subject becomes the holder id
// of every reservation made on the request; the role claim is kept for
// RequireRole.
func JWTAuth(secret string) echo.MiddlewareFunc {
    parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
    return func(next echo.HandlerFunc) echo.HandlerFunc {
        return func(c echo.Context) error {
            auth := c.Request().Header.Get("Authorization")
            if !strings.HasPrefix(auth, "Bearer ") {
                return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing bearer token"})
            }
            raw := strings.TrimPrefix(auth, "Bearer ")

            claims := jwt.MapClaims{}
            tok, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
                return []byte(secret), nil
            })
            if err != nil || !tok.Valid {
                return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid token"})
            }

            holder := subject(claims)
            if holder == "" {
                return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid claims"})
            }
            c.Set(holderKey, holder)
            if role, ok := claims["role"].(string); ok {
                c.Set(roleKey, role)
            }

            ctx := c.Request().Context()
            ctx = log.ToContext(ctx, log.FromContext(ctx).WithField("holder_id", holder))
            c.SetRequest(c.Request().WithContext(ctx))
            return next(c)
        }
    }
}

// subject accepts string and numeric sub claims; the auth service issues
// numeric user ids.
func subject(claims jwt.MapClaims) string {
    switch v := claims["sub"].(type) {
    case string:
        return v
    case float64:
        if v > 0 {
            return strconv.FormatUint(uint64(v), 10)
        }
    }
    logrus.WithField("sub", claims["sub"]).Debug("token without usable subject")
    return ""
}
