package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/goodtune/tvbill/internal/errs"
	"github.com/rs/zerolog"
)

// responder holds what every view needs to decode requests and write errors.
type responder struct {
	logger   zerolog.Logger
	validate *validator.Validate
}

// fail writes the error body for err. Storage failures are logged and hidden.
func (r *responder) fail(ctx *gin.Context, err error) {
	status := errs.HTTPStatus(err)
	code := string(errs.CodeOf(err))
	message := err.Error()

	if status >= http.StatusInternalServerError {
		r.logger.Error().
			Err(err).
			Str("request_id", ctx.GetString(requestIDKey)).
			Str("path", ctx.FullPath()).
			Msg("Request failed")
		code = "server_error"
		message = "Internal server error"
	}

	ctx.JSON(status, gin.H{
		"error":   code,
		"message": message,
	})
}

// bind decodes the JSON body into req and runs its validate tags.
// An empty body is accepted when optional is true.
func (r *responder) bind(ctx *gin.Context, req any, optional bool) bool {
	if ctx.Request.ContentLength != 0 || !optional {
		if err := ctx.ShouldBindJSON(req); err != nil {
			r.fail(ctx, errs.Validation("Invalid request body: %v", err))
			return false
		}
	}
	if err := r.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			first := verrs[0]
			r.fail(ctx, errs.Validation("%s failed on the %s rule", first.Field(), first.Tag()))
			return false
		}
		r.fail(ctx, errs.Validation("%v", err))
		return false
	}
	return true
}

// idParam parses a positive integer path parameter.
func (r *responder) idParam(ctx *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(ctx.Param(name), 10, 64)
	if err != nil || id <= 0 {
		r.fail(ctx, errs.Validation("invalid %s %q", name, ctx.Param(name)))
		return 0, false
	}
	return id, true
}
