package controllers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"stocknity/fault"
)

// respondError maps an error class onto an HTTP status
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case fault.IsErrInvalid(err):
		status = http.StatusBadRequest
	case fault.IsErrNotFound(err):
		status = http.StatusNotFound
	case fault.IsErrProcess(err):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// rawJSON embeds a cached payload verbatim. Non-JSON payloads are sent as
// a string.
func rawJSON(payload []byte) interface{} {
	if json.Valid(payload) {
		return json.RawMessage(payload)
	}
	return string(payload)
}
