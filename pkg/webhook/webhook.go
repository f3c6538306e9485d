// Package webhook receives offboarding requests from ServiceNow on a Lambda
// function URL and queues them in DynamoDB.
package webhook

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"github.com/atenni/offboarding-automation/pkg/queue"
)

// Enqueuer is the store call the webhook needs.
type Enqueuer interface {
	EnqueueItem(ctx context.Context, item queue.Item) (*queue.WriteResult, error)
}

// Handler is the webhook function.
type Handler struct {
	store Enqueuer
	log   *zap.Logger
}

// NewHandler returns a new Handler. A nil logger discards output.
func NewHandler(s Enqueuer, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{store: s, log: log}
}

type response struct {
	Message string             `json:"message"`
	Result  *queue.WriteResult `json:"result,omitempty"`
}

// Handle deals with the incoming request.
func (h *Handler) Handle(ctx context.Context, request events.LambdaFunctionURLRequest) (events.LambdaFunctionURLResponse, error) {

	log := h.log.With(zap.String("request_id", request.RequestContext.RequestID))

	if m := request.RequestContext.HTTP.Method; m != http.MethodPost {
		return reply(http.StatusMethodNotAllowed, response{Message: fmt.Sprintf("method %s not allowed", m)}), nil
	}

	body, err := requestBody(request)
	if err != nil {
		return reply(http.StatusBadRequest, response{Message: err.Error()}), nil
	}

	item, err := parseItem(body)
	if err != nil {
		log.Info("rejected payload", zap.Error(err))
		return reply(http.StatusBadRequest, response{Message: err.Error()}), nil
	}

	res, err := h.store.EnqueueItem(ctx, item)
	switch {
	case errors.Is(err, queue.ErrConflict):
		log.Warn("concurrent write to queue item", zap.String("email", item.Email), zap.Error(err))
		return reply(http.StatusConflict, response{Message: err.Error()}), nil
	case errors.Is(err, queue.ErrInvalidItem):
		return reply(http.StatusBadRequest, response{Message: err.Error()}), nil
	case err != nil:
		log.Error("could not queue item", zap.String("email", item.Email), zap.Error(err))
		return reply(http.StatusInternalServerError, response{Message: err.Error()}), nil
	}

	if res.StatusCode != http.StatusOK {
		log.Error("unexpected acknowledgment from db", zap.Int("status", res.StatusCode), zap.String("db_request_id", res.RequestID))
		return reply(res.StatusCode, response{Message: "Something went wrong", Result: res}), nil
	}

	log.Info("queued item",
		zap.String("email", item.Email),
		zap.String("offboarding_date", item.OffboardingDate),
		zap.String("snow_id", item.SnowID),
		zap.Int64("version", res.Item.Version))
	return reply(http.StatusOK, response{Message: "Successfully added item", Result: res}), nil
}

func requestBody(request events.LambdaFunctionURLRequest) (string, error) {
	if !request.IsBase64Encoded {
		return request.Body, nil
	}
	b, err := base64.StdEncoding.DecodeString(request.Body)
	if err != nil {
		return "", fmt.Errorf("could not decode body: %v", err)
	}
	return string(b), nil
}

func reply(code int, r response) events.LambdaFunctionURLResponse {
	out, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		code, out = http.StatusInternalServerError, []byte(`{"message":"could not encode response"}`)
	}
	return events.LambdaFunctionURLResponse{
		StatusCode: code,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(out),
	}
}
