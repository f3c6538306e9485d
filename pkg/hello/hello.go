// Package hello is a smoke test function for the function URL deployment.
package hello

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"go.uber.org/zap"
)

const timeLayout = "1/2/2006, 3:04:05 PM"

// Handler greets the caller with the local time.
type Handler struct {
	now func() time.Time
	loc *time.Location
	log *zap.Logger
}

// NewHandler returns a Handler reporting time in loc. A nil loc is treated
// as UTC.
func NewHandler(loc *time.Location, log *zap.Logger) *Handler {
	if loc == nil {
		loc = time.UTC
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{now: time.Now, loc: loc, log: log}
}

// Handle deals with the incoming request.
func (h *Handler) Handle(ctx context.Context, request events.LambdaFunctionURLRequest) (events.LambdaFunctionURLResponse, error) {

	fields := []zap.Field{
		zap.String("method", request.RequestContext.HTTP.Method),
		zap.String("path", request.RawPath),
		zap.String("request_id", request.RequestContext.RequestID),
	}
	if lc, ok := lambdacontext.FromContext(ctx); ok {
		fields = append(fields, zap.String("aws_request_id", lc.AwsRequestID), zap.String("function_arn", lc.InvokedFunctionArn))
	}
	h.log.Debug("hello", fields...)

	body, err := json.Marshal(map[string]string{
		"message": "Hello world!\n" + h.now().In(h.loc).Format(timeLayout),
	})
	if err != nil {
		return events.LambdaFunctionURLResponse{
			StatusCode: http.StatusInternalServerError,
			Body:       err.Error(),
		}, nil
	}

	return events.LambdaFunctionURLResponse{
		StatusCode: http.StatusOK,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(body),
	}, nil
}
