package middleware

import "github.com/labstack/echo/v4"

const (
    holderKey = "holder_id"
    roleKey   = "role"
)

// HolderID returns the holder id JWTAuth stored on c, or "" when the
// request is anonymous.
func HolderID(c echo.Context) string {
    if s, ok := c.Get(holderKey).(string); ok {
        return s
    }
    return ""
}

// Role returns the role claim of the token, or "".
func Role(c echo.Context) string {
    if s, ok := c.Get(roleKey).(string); ok {
        return s
    }
    return ""
}
