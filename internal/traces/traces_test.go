package traces

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestInit_DisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), "", slog.Default())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestStartSpan_NoopProvider(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "booking.Book", RideID("r1"), Seats(2))
	defer span.End()
	assert.NotNil(t, ctx)
	Fail(span, errors.New("boom"))
	Fail(span, nil)
}

func TestMiddleware_PropagatesContext(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())

	var sawSpan bool
	r.GET("/v1/rides/:id", func(c *gin.Context) {
		sawSpan = trace.SpanFromContext(c.Request.Context()) != nil
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest("GET", "/v1/rides/abc", nil)
	req.Header.Set("traceparent", "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, sawSpan)
}
