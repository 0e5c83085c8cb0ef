package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"tasklance/domain"
)

type errorResponse struct {
	Error    string `json:"error"`
	Kind     string `json:"kind"`
	Field    string `json:"field,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Resource string `json:"resource,omitempty"`
	ID       string `json:"id,omitempty"`
}

// Error kinds reported in response bodies.
const (
	KindValidation   = "validation"
	KindNotFound     = "not_found"
	KindUnauthorized = "unauthorized"
	KindInternal     = "internal"
)

// classify maps the domain error taxonomy to an HTTP status.
func classify(err error) (int, errorResponse) {
	var (
		ve *domain.ValidationError
		nf *domain.NotFoundError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest, errorResponse{Error: ve.Error(), Kind: KindValidation, Field: ve.Field, Reason: ve.Reason}
	case errors.As(err, &nf):
		return http.StatusNotFound, errorResponse{Error: nf.Error(), Kind: KindNotFound, Resource: nf.Kind, ID: nf.ID}
	case domain.IsUnauthorized(err):
		return http.StatusForbidden, errorResponse{Error: err.Error(), Kind: KindUnauthorized}
	default:
		return http.StatusInternalServerError, errorResponse{Error: "internal error", Kind: KindInternal}
	}
}

func writeError(c echo.Context, err error) (int, error) {
	status, body := classify(err)
	return status, c.JSON(status, body)
}
