package main

import (
	"log"
	_ "time/tzdata"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/atenni/offboarding-automation/internal/config"
	"github.com/atenni/offboarding-automation/internal/logger"
	"github.com/atenni/offboarding-automation/pkg/hello"
	"github.com/atenni/offboarding-automation/pkg/queue"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("could not load config: %v", err)
	}

	loc, err := queue.LoadLocation(cfg.Queue.TimeZone)
	if err != nil {
		log.Fatalf("could not load time zone %q: %v", cfg.Queue.TimeZone, err)
	}

	lambda.Start(hello.NewHandler(loc, logger.Must(cfg.Log.Level)).Handle)
}
