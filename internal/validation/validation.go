// Package validation binds and validates API request bodies.
package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxStringLength is the maximum length for free-text fields
const MaxStringLength = 2000

var (
	phoneRegex = regexp.MustCompile(`^(\+[1-9]\d{7,14}|[6-9]\d{9})$`)

	registerOnce sync.Once
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// Register installs the custom tags and types on gin's validator. It is
// idempotent and called by Bind.
func Register() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterTagNameFunc(jsonFieldName)
		v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
			if d, ok := field.Interface().(decimal.Decimal); ok {
				f, _ := d.Float64()
				return f
			}
			return nil
		}, decimal.Decimal{})
		_ = v.RegisterValidation("paymentmethod", func(fl validator.FieldLevel) bool {
			switch fl.Field().String() {
			case "CASH", "ONLINE":
				return true
			}
			return false
		})
		_ = v.RegisterValidation("phone", func(fl validator.FieldLevel) bool {
			return phoneRegex.MatchString(strings.TrimSpace(fl.Field().String()))
		})
	})
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Bind decodes the JSON body into obj and runs its binding tags. On failure
// it writes a 400 response and returns false.
func Bind(c *gin.Context, obj any) bool {
	Register()
	if err := c.ShouldBindJSON(obj); err != nil {
		Abort(c, FromError(err))
		return false
	}
	return true
}

// Abort writes a 400 validation_error response.
func Abort(c *gin.Context, errs ValidationErrors) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": errs.Error(),
		"details": errs,
	})
}

// FromError converts binding errors into field-level messages.
func FromError(err error) ValidationErrors {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		out := make(ValidationErrors, 0, len(verrs))
		for _, fe := range verrs {
			out = append(out, ValidationError{Field: fe.Field(), Message: message(fe)})
		}
		return out
	}

	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return ValidationErrors{{Field: typeErr.Field, Message: "must be of type " + typeErr.Type.String()}}
	}

	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return ValidationErrors{{Field: "body", Message: "request body too large"}}
	}

	return ValidationErrors{{Field: "body", Message: "invalid JSON body"}}
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte":
		return "must be at least " + fe.Param()
	case "oneof":
		return "must be one of: " + fe.Param()
	case "paymentmethod":
		return "must be CASH or ONLINE"
	case "phone":
		return "must be a valid phone number"
	case "url":
		return "must be a valid URL"
	case "hexadecimal":
		return "must be hex encoded"
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}

func jsonFieldName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	if name == "-" {
		return ""
	}
	if name == "" {
		return f.Name
	}
	return name
}

// SanitizeString trims whitespace, strips NUL bytes and limits length.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\x00", ""))
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// IsValidPhone reports whether s is an E.164 or 10-digit Indian mobile number.
func IsValidPhone(s string) bool {
	return phoneRegex.MatchString(strings.TrimSpace(s))
}
