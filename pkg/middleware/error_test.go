package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"creator-earnings/pkg/errutil"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
	gin.SetMode(gin.TestMode)
}

func newRouter(err error) *gin.Engine {
	r := gin.New()
	r.Use(ActorFromHeaders(), Error())
	r.GET("/", func(c *gin.Context) {
		_ = c.Error(err)
	})
	return r
}

func TestErrorRendersBaseError(t *testing.T) {
	r := newRouter(errutil.InsufficientBalance("insufficient available balance"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	require.Contains(t, w.Body.String(), "insufficient_balance")
}

func TestErrorHidesUnknownErrors(t *testing.T) {
	r := newRouter(errors.New("pq: connection refused"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.NotContains(t, w.Body.String(), "connection refused")
}

func TestActorFromHeaders(t *testing.T) {
	r := gin.New()
	r.Use(ActorFromHeaders())

	var got Actor
	r.GET("/", func(c *gin.Context) {
		got, _ = GetActor(c.Request.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderActorID, "creator-1")
	req.Header.Set(HeaderActorRole, "admin")
	r.ServeHTTP(httptest.NewRecorder(), req)

	require.Equal(t, "creator-1", got.ID)
	require.True(t, got.IsAdmin())
}
