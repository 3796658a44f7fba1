// Package control exposes a running session to operators over HTTP and gRPC and
// notifies a callback when the session ends.
package control

import (
	"errors"
	"net/http"

	jsoniter "github.com/json-iterator/go"
	"google.golang.org/grpc/codes"

	"github.com/hcfes/stimtune/internal/bounds"
	"github.com/hcfes/stimtune/internal/session"
	"github.com/hcfes/stimtune/pkg/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Session is the part of a session controller the operator surface drives.
// *session.Controller implements it.
type Session interface {
	Status() session.Status
	Trials() []models.TrialRecord
	Abort()
	SubmitManual(v models.ParameterVector) (models.ParameterVector, error)
}

// classify maps a manual submission error to an HTTP status and a gRPC code
func classify(err error) (int, codes.Code) {
	var (
		bv *bounds.BoundViolationError
		um *bounds.UnknownMuscleError
	)
	switch {
	case errors.Is(err, session.ErrNotManual), errors.Is(err, session.ErrSourceClosed):
		return http.StatusConflict, codes.FailedPrecondition
	case errors.Is(err, session.ErrQueueFull):
		return http.StatusTooManyRequests, codes.ResourceExhausted
	case errors.As(err, &bv), errors.As(err, &um):
		return http.StatusUnprocessableEntity, codes.InvalidArgument
	default:
		return http.StatusBadRequest, codes.InvalidArgument
	}
}
