// Function webhook starts a DynamoDB client and hands over to package webhook.
package main

import (
	"context"
	"log"
	_ "time/tzdata"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"github.com/atenni/offboarding-automation/internal/awsclient"
	"github.com/atenni/offboarding-automation/internal/config"
	"github.com/atenni/offboarding-automation/internal/logger"
	"github.com/atenni/offboarding-automation/pkg/queue"
	"github.com/atenni/offboarding-automation/pkg/webhook"
)

var h *webhook.Handler

func init() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("could not load config: %v", err)
	}
	lg := logger.Must(cfg.Log.Level)

	ddb, err := awsclient.NewDynamoDB(context.Background(), cfg.AWS)
	if err != nil {
		lg.Fatal("could not create dynamodb client", zap.Error(err))
	}

	loc, err := queue.LoadLocation(cfg.Queue.TimeZone)
	if err != nil {
		lg.Fatal("could not load time zone", zap.String("zone", cfg.Queue.TimeZone), zap.Error(err))
	}

	s := queue.New(ddb, cfg.Queue.TableName, queue.WithLocation(loc), queue.WithLogger(lg))
	h = webhook.NewHandler(s, lg)
}

func handler(ctx context.Context, req events.LambdaFunctionURLRequest) (events.LambdaFunctionURLResponse, error) {
	return h.Handle(ctx, req)
}

func main() {
	lambda.Start(handler)
}
