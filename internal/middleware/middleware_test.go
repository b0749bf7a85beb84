package middleware

import (
    "context"
    "errors"
    "net/http"
    "net/http/httptest"
    "testing"
    "time"

    "github.com/golang-jwt/jwt/v5"
    "github.com/labstack/echo/v4"
    "github.com/redis/go-redis/v9"
    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/iliyamo/ticket-inventory/internal/config"
    "github.com/iliyamo/ticket-inventory/internal/log"
)

const secret = "test-secret"

func sign(t *testing.T, method jwt.SigningMethod, key interface{}, claims jwt.MapClaims) string {
    t.Helper()
    s, err := jwt.NewWithClaims(method, claims).SignedString(key)
    require.NoError(t, err)
    return s
}

func echoHolder(c echo.Context) error {
    return c.JSON(http.StatusOK, echo.Map{"holder": HolderID(c), "role": Role(c)})
}

func serve(h echo.HandlerFunc, mw []echo.MiddlewareFunc, header http.Header) *httptest.ResponseRecorder {
    e := echo.New()
    e.GET("/", h, mw...)
    req := httptest.NewRequest(http.MethodGet, "/", nil)
    for k, v := range header {
        req.Header[k] = v
    }
    rec := httptest.NewRecorder()
    e.ServeHTTP(rec, req)
    return rec
}

func bearer(tok string) http.Header {
    return http.Header{"Authorization": []string{"Bearer " + tok}}
}

func TestJWTAuth(t *testing.T) {
    exp := time.Now().Add(time.Hour).Unix()
    tests := []struct {
        name   string
        header http.Header
        code   int
        holder string
    }{
        {
            name:   "string subject",
            header: bearer(sign(t, jwt.SigningMethodHS256, []byte(secret), jwt.MapClaims{"sub": "user-7", "role": "CUSTOMER", "exp": exp})),
            code:   http.StatusOK,
            holder: "user-7",
        },
        {
            name:   "numeric subject",
            header: bearer(sign(t, jwt.SigningMethodHS256, []byte(secret), jwt.MapClaims{"sub": 42, "exp": exp})),
            code:   http.StatusOK,
            holder: "42",
        },
        {name: "missing header", code: http.StatusUnauthorized},
        {
            name:   "wrong secret",
            header: bearer(sign(t, jwt.SigningMethodHS256, []byte("other"), jwt.MapClaims{"sub": "u", "exp": exp})),
            code:   http.StatusUnauthorized,
        },
        {
            name:   "wrong algorithm",
            header: bearer(sign(t, jwt.SigningMethodHS512, []byte(secret), jwt.MapClaims{"sub": "u", "exp": exp})),
            code:   http.StatusUnauthorized,
        },
        {
            name:   "expired",
            header: bearer(sign(t, jwt.SigningMethodHS256, []byte(secret), jwt.MapClaims{"sub": "u", "exp": time.Now().Add(-time.Minute).Unix()})),
            code:   http.StatusUnauthorized,
        },
        {
            name:   "no subject",
            header: bearer(sign(t, jwt.SigningMethodHS256, []byte(secret), jwt.MapClaims{"exp": exp})),
            code:   http.StatusUnauthorized,
        },
    }
    for _, tc := range tests {
        t.Run(tc.name, func(t *testing.T) {
            rec := serve(echoHolder, []echo.MiddlewareFunc{JWTAuth(secret)}, tc.header)
            assert.Equal(t, tc.code, rec.Code)
            if tc.holder != "" {
                assert.Contains(t, rec.Body.String(), `"holder":"`+tc.holder+`"`)
            }
        })
    }
}

func TestRequireRole(t *testing.T) {
    exp := time.Now().Add(time.Hour).Unix()
    mw := []echo.MiddlewareFunc{JWTAuth(secret), RequireRole("OPERATOR")}

    rec := serve(echoHolder, mw, bearer(sign(t, jwt.SigningMethodHS256, []byte(secret), jwt.MapClaims{"sub": "ops", "role": "OPERATOR", "exp": exp})))
    assert.Equal(t, http.StatusOK, rec.Code)

    rec = serve(echoHolder, mw, bearer(sign(t, jwt.SigningMethodHS256, []byte(secret), jwt.MapClaims{"sub": "u", "role": "CUSTOMER", "exp": exp})))
    assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRequestLoggerSetsCorrelationID(t *testing.T) {
    var seen string
    h := func(c echo.Context) error {
        seen = log.CorrelationIDFromContext(c.Request().Context())
        return c.NoContent(http.StatusNoContent)
    }

    rec := serve(h, []echo.MiddlewareFunc{RequestLogger()}, http.Header{CorrelationHeader: []string{"abc"}})
    assert.Equal(t, "abc", seen)
    assert.Equal(t, "abc", rec.Header().Get(CorrelationHeader))

    rec = serve(h, []echo.MiddlewareFunc{RequestLogger()}, nil)
    assert.NotEmpty(t, seen)
    assert.Equal(t, seen, rec.Header().Get(CorrelationHeader))
}

// fakeScripter answers every script call with the next scripted bucket
// reply.
type fakeScripter struct {
    replies [][]interface{}
    err     error
    keys    []string
}

func (f *fakeScripter) next(keys []string) *redis.Cmd {
    f.keys = append(f.keys, keys...)
    if f.err != nil {
        return redis.NewCmdResult(nil, f.err)
    }
    r := f.replies[0]
    f.replies = f.replies[1:]
    return redis.NewCmdResult(r, nil)
}

func (f *fakeScripter) Eval(_ context.Context, _ string, keys []string, _ ...interface{}) *redis.Cmd {
    return f.next(keys)
}

func (f *fakeScripter) EvalSha(_ context.Context, _ string, keys []string, _ ...interface{}) *redis.Cmd {
    return f.next(keys)
}

func (f *fakeScripter) EvalRO(ctx context.Context, s string, keys []string, args ...interface{}) *redis.Cmd {
    return f.Eval(ctx, s, keys, args...)
}

func (f *fakeScripter) EvalShaRO(ctx context.Context, s string, keys []string, args ...interface{}) *redis.Cmd {
    return f.EvalSha(ctx, s, keys, args...)
}

func (f *fakeScripter) ScriptExists(context.Context, ...string) *redis.BoolSliceCmd {
    return redis.NewBoolSliceResult([]bool{true}, nil)
}

func (f *fakeScripter) ScriptLoad(context.Context, string) *redis.StringCmd {
    return redis.NewStringResult("sha", nil)
}

func TestHoldLimiter(t *testing.T) {
    exp := time.Now().Add(time.Hour).Unix()
    auth := bearer(sign(t, jwt.SigningMethodHS256, []byte(secret), jwt.MapClaims{"sub": "user-1", "exp": exp}))
    cfg := config.HoldLimitConfig{Enabled: true, Capacity: 2, RefillInterval: time.Second, Prefix: "rl"}

    rdb := &fakeScripter{replies: [][]interface{}{
        {int64(1), int64(1), int64(0)},
        {int64(0), int64(0), int64(1500)},
    }}
    mw := []echo.MiddlewareFunc{JWTAuth(secret), HoldLimiter(cfg, rdb)}

    rec := serve(echoHolder, mw, auth)
    assert.Equal(t, http.StatusOK, rec.Code)
    assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Remaining"))

    rec = serve(echoHolder, mw, auth)
    assert.Equal(t, http.StatusTooManyRequests, rec.Code)
    assert.Equal(t, "2", rec.Header().Get("Retry-After"))
    assert.Equal(t, []string{"rl:holds:user-1", "rl:holds:user-1"}, rdb.keys)
}

func TestHoldLimiterFailsOpen(t *testing.T) {
    exp := time.Now().Add(time.Hour).Unix()
    auth := bearer(sign(t, jwt.SigningMethodHS256, []byte(secret), jwt.MapClaims{"sub": "user-1", "exp": exp}))
    cfg := config.HoldLimitConfig{Enabled: true, Capacity: 1, RefillInterval: time.Second, Prefix: "rl"}

    mw := []echo.MiddlewareFunc{JWTAuth(secret), HoldLimiter(cfg, &fakeScripter{err: errors.New("connection refused")})}
    rec := serve(echoHolder, mw, auth)
    assert.Equal(t, http.StatusOK, rec.Code)
}
