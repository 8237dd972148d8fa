// Package validation checks request input before it reaches the refund
// engine. Rules collect field errors so a client sees every problem at once.
package validation

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize caps request bodies. Refund payloads are a few KB.
const MaxRequestSize = 1 << 20

// idPattern accepts prefixed UUIDs (rfd_…, wh_…) and storefront order IDs.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_\-]{0,127}$`)

// IsValidID reports whether id is safe to use as a path parameter or key.
func IsValidID(id string) bool {
	return idPattern.MatchString(id)
}

// FieldError describes one invalid field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors is every FieldError found in one request. It is an error only
// when non-empty.
type Errors []FieldError

func (e Errors) Error() string {
	switch len(e) {
	case 0:
		return "validation failed"
	case 1:
		return e[0].Field + " " + e[0].Message
	default:
		return e[0].Field + " " + e[0].Message + " (and " + strconv.Itoa(len(e)-1) + " more)"
	}
}

// Rule checks one field and returns nil when it is fine.
type Rule func() *FieldError

// Check runs every rule and collects the failures in order.
func Check(rules ...Rule) Errors {
	var errs Errors
	for _, rule := range rules {
		if fe := rule(); fe != nil {
			errs = append(errs, *fe)
		}
	}
	return errs
}

// Required fails on empty or whitespace-only values.
func Required(field, value string) Rule {
	return func() *FieldError {
		if strings.TrimSpace(value) == "" {
			return &FieldError{field, "is required"}
		}
		return nil
	}
}

// ID fails on a non-empty value that is not a well-formed identifier.
// Pair it with Required when the field is mandatory.
func ID(field, value string) Rule {
	return func() *FieldError {
		if value != "" && !IsValidID(value) {
			return &FieldError{field, "must be a valid identifier"}
		}
		return nil
	}
}

// MaxChars bounds the length of value in characters, not bytes, so
// accented text is measured the way the user typed it.
func MaxChars(field, value string, limit int) Rule {
	return func() *FieldError {
		if utf8.RuneCountInString(value) > limit {
			return &FieldError{field, "must be at most " + strconv.Itoa(limit) + " characters"}
		}
		return nil
	}
}

// OneOf requires value to be one of allowed.
func OneOf(field, value string, allowed ...string) Rule {
	return func() *FieldError {
		for _, a := range allowed {
			if value == a {
				return nil
			}
		}
		return &FieldError{field, "must be one of " + strings.Join(allowed, ", ")}
	}
}

// CleanText trims value, drops control characters other than newline and
// tab, and truncates to limit characters without splitting a rune.
func CleanText(value string, limit int) string {
	value = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' || !unicode.IsControl(r) {
			return r
		}
		return -1
	}, strings.TrimSpace(value))

	if utf8.RuneCountInString(value) <= limit {
		return value
	}
	n := 0
	for i := range value {
		if n == limit {
			return strings.TrimSpace(value[:i])
		}
		n++
	}
	return value
}

// RequestSizeMiddleware rejects bodies over limit. A declared length is
// refused up front; an undeclared one fails when the handler reads past it.
func RequestSizeMiddleware(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > limit {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":   "request_too_large",
				"message": "request body must be at most " + strconv.Itoa(int(limit)) + " bytes",
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	}
}

// IDParam rejects requests whose named path parameter is malformed, before
// any store lookup happens.
func IDParam(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if v := c.Param(name); v != "" && !IsValidID(v) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": name + " must be alphanumeric with dashes or underscores",
			})
			return
		}
		c.Next()
	}
}
