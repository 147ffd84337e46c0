package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gpuradar/listings-engine/pkg/models"
)

// statusFor maps the stable error kinds to HTTP status codes. Library code
// never speaks HTTP; this is the only translation point.
func statusFor(kind models.Kind) int {
	switch kind {
	case models.KindSchema, models.KindUnknownPreset, models.KindUnsupportedSchema, models.KindConfig:
		return http.StatusBadRequest
	case models.KindValidation:
		return http.StatusUnprocessableEntity
	case models.KindDuplicateImport:
		return http.StatusConflict
	case models.KindStore, models.KindUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeError renders the structured error envelope. RowIndex appears only
// for row-scoped failures.
func writeError(c *gin.Context, err error) {
	se := models.AsError(err)
	body := gin.H{
		"kind":           string(se.Kind),
		"message":        se.Message,
		"schema_version": schemaVersionString,
	}
	if se.Details != "" {
		body["details"] = se.Details
	}
	if se.RowIndex >= 0 {
		body["row_index"] = se.RowIndex
	}
	c.JSON(statusFor(se.Kind), body)
}
