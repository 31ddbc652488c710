// Package errmodel defines the compact error taxonomy shared by the
// pipeline components. Producers never see raw storage or network
// failures; everything is normalized into one of these categories
// before it crosses a package boundary.
package errmodel

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// Category values for compact errors.
const (
	CategoryStorage    = "storage"
	CategoryDelivery   = "delivery"
	CategoryCache      = "cache"
	CategorySchema     = "schema"
	CategoryValidation = "validation"
	CategorySystem     = "system"
)

// Well-known codes within the categories above.
const (
	CodeUnavailable   = "unavailable"    // storage: store cannot open or write
	CodeNotFound      = "not_found"      // storage: record missing
	CodeFailed        = "failed"         // delivery: endpoint unreachable or non-2xx
	CodeOfflineMiss   = "offline_miss"   // cache: no cached data and network down
	CodeUpgradeFailed = "upgrade_failed" // schema: open-time migration failed
)

// Error is the compact error payload returned by the control API and
// used internally. It implements the error interface.
type Error struct {
	Category string         `json:"category"`
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Context  map[string]any `json:"context,omitempty"`
	Causes   []Error        `json:"causes,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// New constructs a new compact error.
func New(category, code, message string, ctx map[string]any, causes ...error) *Error {
	ce := &Error{Category: category, Code: code, Message: truncate(message, 512)}
	if len(ctx) > 0 {
		ce.Context = truncateContext(ctx)
	}
	for _, c := range causes {
		if c == nil {
			continue
		}
		ce.Causes = append(ce.Causes, *From(c))
	}
	return ce
}

// From converts any error into a compact Error. If err is already *Error,
// it is returned as-is.
func From(err error) *Error {
	var ce *Error
	if err == nil {
		return nil
	}
	if errors.As(err, &ce) {
		return ce
	}
	return &Error{Category: CategorySystem, Code: "internal", Message: truncate(err.Error(), 512)}
}

// Convenience constructors for the pipeline taxonomy.

func Storage(code, message string, ctx map[string]any, cause error) *Error {
	if cause != nil {
		return New(CategoryStorage, code, message, ctx, cause)
	}
	return New(CategoryStorage, code, message, ctx)
}

func Delivery(message string, ctx map[string]any, cause error) *Error {
	if cause != nil {
		return New(CategoryDelivery, CodeFailed, message, ctx, cause)
	}
	return New(CategoryDelivery, CodeFailed, message, ctx)
}

func Cache(code, message string, ctx map[string]any) *Error {
	return New(CategoryCache, code, message, ctx)
}

func Schema(message string, cause error) *Error {
	if cause != nil {
		return New(CategorySchema, CodeUpgradeFailed, message, nil, cause)
	}
	return New(CategorySchema, CodeUpgradeFailed, message, nil)
}

func Validation(code, message string, ctx map[string]any) *Error {
	return New(CategoryValidation, code, message, ctx)
}

// HTTPStatus maps category/code to HTTP status.
func HTTPStatus(e *Error) int {
	if e == nil {
		return http.StatusInternalServerError
	}
	switch e.Category {
	case CategoryValidation:
		switch e.Code {
		case CodeNotFound:
			return http.StatusNotFound
		case "conflict":
			return http.StatusConflict
		default:
			return http.StatusBadRequest
		}
	case CategoryStorage:
		if e.Code == CodeNotFound {
			return http.StatusNotFound
		}
		return http.StatusInternalServerError
	case CategoryDelivery:
		return http.StatusBadGateway
	case CategoryCache:
		return http.StatusServiceUnavailable
	case CategorySchema:
		fallthrough
	case CategorySystem:
		fallthrough
	default:
		return http.StatusInternalServerError
	}
}

// WriteHTTP writes a compact error envelope to the response writer.
// It attempts to include the trace_id if present in the request context.
func WriteHTTP(w http.ResponseWriter, r *http.Request, err error) {
	ce := From(err)
	if ce == nil {
		ce = &Error{Category: CategorySystem, Code: "internal", Message: "unknown error"}
	}
	status := HTTPStatus(ce)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	traceID := ""
	if r != nil {
		if span := trace.SpanFromContext(r.Context()); span != nil {
			sc := span.SpanContext()
			if sc.HasTraceID() {
				traceID = sc.TraceID().String()
			}
		}
	}
	// Envelope { error: Error, trace_id?: string }
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":    ce,
		"trace_id": traceID,
	})
}

// IsCategory checks if err belongs to a specific category.
func IsCategory(err error, category string) bool {
	ce := From(err)
	return ce != nil && strings.EqualFold(ce.Category, category)
}

// truncate trims a string to max characters.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

// truncateContext trims long string values in the context map.
func truncateContext(ctx map[string]any) map[string]any {
	out := make(map[string]any, len(ctx))
	for k, v := range ctx {
		switch t := v.(type) {
		case string:
			out[k] = truncate(t, 256)
		default:
			b, err := json.Marshal(t)
			if err == nil && len(b) > 0 {
				out[k] = truncate(string(b), 256)
			} else {
				out[k] = t
			}
		}
	}
	return out
}
