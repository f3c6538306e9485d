package webhook

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/go-cmp/cmp"
	"github.com/tidwall/gjson"

	"github.com/atenni/offboarding-automation/internal/ddbtest"
	"github.com/atenni/offboarding-automation/pkg/queue"
)

type mockStore struct {
	upsert func(queue.Item) (*queue.WriteResult, error)
	got    []queue.Item
}

func (m *mockStore) EnqueueItem(_ context.Context, item queue.Item) (*queue.WriteResult, error) {
	m.got = append(m.got, item)
	return m.upsert(item)
}

func ack(code int) func(queue.Item) (*queue.WriteResult, error) {
	return func(item queue.Item) (*queue.WriteResult, error) {
		return &queue.WriteResult{StatusCode: code, RequestID: "REQ1", Item: item}, nil
	}
}

func fail(err error) func(queue.Item) (*queue.WriteResult, error) {
	return func(queue.Item) (*queue.WriteResult, error) {
		return nil, err
	}
}

func post(body string) events.LambdaFunctionURLRequest {
	var r events.LambdaFunctionURLRequest
	r.RequestContext.HTTP.Method = http.MethodPost
	r.RequestContext.RequestID = "abc-123"
	r.Body = body
	return r
}

const payload = `{"email":"jo@example.com","offboarding_date":"2024-03-01","snow_id":"RITM0012345"}`

func TestHandle(t *testing.T) {

	tt := []struct {
		name    string
		request events.LambdaFunctionURLRequest
		upsert  func(queue.Item) (*queue.WriteResult, error)
		status  int
		message string
		stored  bool
	}{
		{name: "happy", request: post(payload), upsert: ack(http.StatusOK), status: http.StatusOK, message: "Successfully added item", stored: true},
		{name: "extra properties", request: post(`{"email":"jo@example.com","offboarding_date":"2024-03-01","snow_id":"RITM0012345","manager":"sam"}`),
			upsert: ack(http.StatusOK), status: http.StatusOK, message: "Successfully added item", stored: true},
		{name: "base64 body", request: func() events.LambdaFunctionURLRequest {
			r := post(base64.StdEncoding.EncodeToString([]byte(payload)))
			r.IsBase64Encoded = true
			return r
		}(), upsert: ack(http.StatusOK), status: http.StatusOK, message: "Successfully added item", stored: true},
		{name: "missing email", request: post(`{"offboarding_date":"2024-03-01","snow_id":"RITM0012345"}`), status: http.StatusBadRequest, message: "email is a required property"},
		{name: "missing date", request: post(`{"email":"jo@example.com","snow_id":"RITM0012345"}`), status: http.StatusBadRequest, message: "offboarding_date is a required property"},
		{name: "missing snow id", request: post(`{"email":"jo@example.com","offboarding_date":"2024-03-01"}`), status: http.StatusBadRequest, message: "snow_id is a required property"},
		{name: "not json", request: post(`email=jo@example.com`), status: http.StatusBadRequest, message: "not a JSON object"},
		{name: "json array", request: post(`[1,2]`), status: http.StatusBadRequest, message: "not a JSON object"},
		{name: "empty body", request: post(``), status: http.StatusBadRequest, message: "not a JSON object"},
		{name: "bad date", request: post(`{"email":"jo@example.com","offboarding_date":"01/03/2024","snow_id":"RITM0012345"}`), status: http.StatusBadRequest, message: "is not YYYY-MM-DD"},
		{name: "numeric email", request: post(`{"email":123,"offboarding_date":"2024-03-01","snow_id":"RITM0012345"}`), status: http.StatusBadRequest, message: "email must be a string"},
		{name: "null snow id", request: post(`{"email":"jo@example.com","offboarding_date":"2024-03-01","snow_id":null}`), status: http.StatusBadRequest, message: "snow_id must be a string"},
		{name: "object date", request: post(`{"email":"jo@example.com","offboarding_date":{"d":1},"snow_id":"RITM0012345"}`), status: http.StatusBadRequest, message: "offboarding_date must be a string"},
		{name: "empty email", request: post(`{"email":"","offboarding_date":"2024-03-01","snow_id":"RITM0012345"}`), status: http.StatusBadRequest, message: "email cannot be empty"},
		{name: "wrong method", request: func() events.LambdaFunctionURLRequest {
			r := post(payload)
			r.RequestContext.HTTP.Method = http.MethodGet
			return r
		}(), status: http.StatusMethodNotAllowed, message: "method GET not allowed"},
		{name: "unexpected ack", request: post(payload), upsert: ack(http.StatusAccepted), status: http.StatusAccepted, message: "Something went wrong", stored: true},
		{name: "conflict", request: post(payload), upsert: fail(fmt.Errorf("%w: jo@example.com", queue.ErrConflict)), status: http.StatusConflict, message: "modified concurrently", stored: true},
		{name: "store down", request: post(payload), upsert: fail(errors.New("could not put to db: throttled")), status: http.StatusInternalServerError, message: "throttled", stored: true},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {

			m := &mockStore{upsert: tc.upsert}
			res, err := NewHandler(m, nil).Handle(context.Background(), tc.request)
			if err != nil {
				t.Fatalf("handler returned an error: %v", err)
			}

			if res.StatusCode != tc.status {
				t.Errorf("expected status %v, got %v", tc.status, res.StatusCode)
			}
			if msg := gjson.Get(res.Body, "message").String(); !strings.Contains(msg, tc.message) {
				t.Errorf("expected message %q, got: %q", tc.message, msg)
			}
			if ct := res.Headers["Content-Type"]; ct != "application/json" {
				t.Errorf("wrong content type: %v", ct)
			}

			if !tc.stored {
				if len(m.got) != 0 {
					t.Errorf("expected no store call, got %v", m.got)
				}
				return
			}
			want := []queue.Item{{Email: "jo@example.com", Status: queue.StatusQueued, OffboardingDate: "2024-03-01", SnowID: "RITM0012345"}}
			if diff := cmp.Diff(want, m.got); diff != "" {
				t.Errorf("stored item mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestHandleEchoesResult(t *testing.T) {

	m := &mockStore{upsert: ack(http.StatusOK)}
	res, err := NewHandler(m, nil).Handle(context.Background(), post(payload))
	if err != nil {
		t.Fatalf("handler returned an error: %v", err)
	}

	if got := gjson.Get(res.Body, "result.status_code").Int(); got != http.StatusOK {
		t.Errorf("expected result status 200, got %v", got)
	}
	if got := gjson.Get(res.Body, "result.request_id").String(); got != "REQ1" {
		t.Errorf("expected request id REQ1, got %v", got)
	}
	if got := gjson.Get(res.Body, "result.item.email").String(); got != "jo@example.com" {
		t.Errorf("expected email jo@example.com, got %v", got)
	}
}

func TestHandleQueuesItem(t *testing.T) {

	tbl := ddbtest.NewTable(queue.EmailAttr, map[string]ddbtest.Index{
		queue.StatusIndex: {HashKey: queue.StatusAttr, RangeKey: queue.OffboardingDateAttr},
	})
	now := func() time.Time { return time.Date(2024, 2, 29, 14, 0, 0, 0, time.UTC) }
	s := queue.New(tbl, "queue", queue.WithClock(now))
	h := NewHandler(s, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := h.Handle(ctx, post(payload))
		if err != nil {
			t.Fatalf("handler returned an error: %v", err)
		}
		if res.StatusCode != http.StatusOK {
			t.Fatalf("expected status 200, got %v: %v", res.StatusCode, res.Body)
		}
	}

	items, err := s.GetQueueForDate(ctx, "")
	if err != nil {
		t.Fatalf("could not read queue: %v", err)
	}
	if len(items) != 1 || items[0].Email != "jo@example.com" || items[0].Version != 1 {
		t.Errorf("expected one queued item at version 1, got %+v", items)
	}
}

func TestHandleRetryAfterClaim(t *testing.T) {

	tbl := ddbtest.NewTable(queue.EmailAttr, map[string]ddbtest.Index{
		queue.StatusIndex: {HashKey: queue.StatusAttr, RangeKey: queue.OffboardingDateAttr},
	})
	s := queue.New(tbl, "queue")
	h := NewHandler(s, nil)
	ctx := context.Background()

	if res, _ := h.Handle(ctx, post(payload)); res.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %v: %v", res.StatusCode, res.Body)
	}
	if _, err := s.ClaimForProcessing(ctx, "jo@example.com"); err != nil {
		t.Fatalf("could not claim item: %v", err)
	}

	res, err := h.Handle(ctx, post(payload))
	if err != nil {
		t.Fatalf("handler returned an error: %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %v: %v", res.StatusCode, res.Body)
	}
	if got := gjson.Get(res.Body, "result.item.status").String(); got != string(queue.StatusInProgress) {
		t.Errorf("expected status IN_PROGRESS in result, got %v", got)
	}

	queued, err := s.GetQueueForDate(ctx, "2024-03-01")
	if err != nil {
		t.Fatalf("could not read queue: %v", err)
	}
	if len(queued) != 0 {
		t.Errorf("expected claimed item to stay off the queue, got %+v", queued)
	}
}
