package validation

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bookingBody struct {
	RideID        string          `json:"rideId" binding:"required"`
	Seats         int             `json:"seats" binding:"required,min=1,max=8"`
	PaymentMethod string          `json:"paymentMethod" binding:"required,paymentmethod"`
	Phone         string          `json:"phone" binding:"omitempty,phone"`
	Tip           decimal.Decimal `json:"tip" binding:"omitempty,gte=0"`
}

func bindRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/bind", func(c *gin.Context) {
		var body bookingBody
		if !Bind(c, &body) {
			return
		}
		c.JSON(http.StatusOK, body)
	})
	return r
}

func post(r *gin.Engine, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/bind", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

type errorBody struct {
	Error   string           `json:"error"`
	Details ValidationErrors `json:"details"`
}

func TestBind_Valid(t *testing.T) {
	w := post(bindRouter(), `{"rideId":"r1","seats":2,"paymentMethod":"ONLINE","phone":"9876543210"}`)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestBind_FieldErrorsUseJSONNames(t *testing.T) {
	w := post(bindRouter(), `{"rideId":"r1","seats":0,"paymentMethod":"UPI"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "validation_error", resp.Error)

	fields := map[string]string{}
	for _, d := range resp.Details {
		fields[d.Field] = d.Message
	}
	assert.Equal(t, "is required", fields["seats"], "zero int fails required")
	assert.Equal(t, "must be CASH or ONLINE", fields["paymentMethod"])
}

func TestBind_BadPhone(t *testing.T) {
	w := post(bindRouter(), `{"rideId":"r1","seats":1,"paymentMethod":"CASH","phone":"12345"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "valid phone number")
}

func TestBind_MalformedJSON(t *testing.T) {
	w := post(bindRouter(), `{"rideId":`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid JSON body")
}

func TestBind_WrongType(t *testing.T) {
	w := post(bindRouter(), `{"rideId":"r1","seats":"two","paymentMethod":"CASH"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "must be of type int")
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(16))
	r.POST("/bind", func(c *gin.Context) {
		var body bookingBody
		if !Bind(c, &body) {
			return
		}
		c.Status(http.StatusOK)
	})

	w := post(r, `{"rideId":"`+strings.Repeat("x", 100)+`"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "abc", SanitizeString("  a\x00bc  ", 10))
	assert.Equal(t, "ab", SanitizeString("abcdef", 2))
}

func TestIsValidPhone(t *testing.T) {
	assert.True(t, IsValidPhone("+919876543210"))
	assert.True(t, IsValidPhone("9876543210"))
	assert.False(t, IsValidPhone("1234567890"))
	assert.False(t, IsValidPhone("+0123"))
}
