package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Envelope codes. 0 is success; the rest mirror the HTTP status with a
// two-digit suffix.
const (
	CodeOK              = 0
	CodeInvalidJSON     = 40001
	CodeInvalidQuery    = 40002
	CodeInvalidThreadID = 40003
	CodeNotFound        = 40400
	CodeMethodNotAllow  = 40500
	CodeRateLimited     = 42900
	CodeInternal        = 50000
	CodeUnavailable     = 50300
	CodeTimeout         = 50400
)

// Envelope wraps every JSON response.
type Envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Envelope{Code: CodeOK, Message: "ok", Data: data})
}

func accepted(c *gin.Context, data any) {
	c.JSON(http.StatusAccepted, Envelope{Code: CodeOK, Message: "accepted", Data: data})
}

func fail(c *gin.Context, httpStatus, code int, msg string, data any) {
	c.AbortWithStatusJSON(httpStatus, Envelope{Code: code, Message: msg, Data: data})
}
