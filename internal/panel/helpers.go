package panel

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/rendis/stepflow/pkg/schema"
)

// errorBody is the JSON envelope of every error response.
type errorBody struct {
	Error *schema.FlowError `json:"error"`
}

// statusFor maps an error code to an HTTP status.
func statusFor(code string) int {
	switch code {
	case schema.ErrCodeWorkflowNotFound, schema.ErrCodeTemplateNotFound, schema.ErrCodeExecutionNotFound:
		return http.StatusNotFound
	case schema.ErrCodeWorkflowNotActive, schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		return http.StatusConflict
	case schema.ErrCodeInvalidDefinition, schema.ErrCodeValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// errorHandler renders FlowErrors and echo errors as errorBody.
func errorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var (
			status int
			body   *schema.FlowError
			fe     *schema.FlowError
			he     *echo.HTTPError
		)
		switch {
		case errors.As(err, &fe):
			status, body = statusFor(fe.Code), fe
		case errors.As(err, &he):
			status = he.Code
			body = schema.NewErrorf(httpCode(he.Code), "%v", he.Message)
		default:
			status = http.StatusInternalServerError
			body = schema.NewError(schema.ErrCodeStore, err.Error())
		}
		if status >= http.StatusInternalServerError {
			logger.ErrorContext(c.Request().Context(), "request failed", "path", c.Path(), "error", err.Error())
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, errorBody{Error: body})
		}
		if err != nil {
			logger.Error("write error response", "error", err.Error())
		}
	}
}

// httpCode names the error code used for plain HTTP errors.
func httpCode(status int) string {
	switch status {
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusMethodNotAllowed:
		return "METHOD_NOT_ALLOWED"
	case http.StatusBadRequest:
		return schema.ErrCodeValidation
	default:
		return "HTTP_" + strconv.Itoa(status)
	}
}

func badRequest(format string, args ...any) error {
	return schema.NewErrorf(schema.ErrCodeValidation, format, args...)
}

func notFound(code, kind, id string) error {
	return schema.NewErrorf(code, "%s %s not found", kind, id)
}

// queryInt extracts an integer query param with a default value.
func queryInt(c echo.Context, key string, def int) (int, error) {
	v := c.QueryParam(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, badRequest("query parameter %q must be an integer", key)
	}
	return n, nil
}

// bind decodes the request body into v.
func bind(c echo.Context, v any) error {
	if err := c.Bind(v); err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return badRequest("invalid request body: %v", he.Message)
		}
		return badRequest("invalid request body: %v", err)
	}
	return nil
}
