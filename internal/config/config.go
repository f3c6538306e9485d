// Package config loads settings for the Lambda functions and the operator
// CLI.
package config

import (
	"bytes"
	_ "embed"
	"fmt"

	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

// Config is the full set of settings.
type Config struct {
	Queue QueueConfig `mapstructure:"queue"`
	AWS   AWSConfig   `mapstructure:"aws"`
	Log   LogConfig   `mapstructure:"log"`
	Seed  SeedConfig  `mapstructure:"seed"`
}

// QueueConfig names the queue table and the calendar its dates are in.
type QueueConfig struct {
	TableName string `mapstructure:"table_name"`
	TimeZone  string `mapstructure:"time_zone"`
}

// AWSConfig selects the region and, for local development, the DynamoDB
// endpoint.
type AWSConfig struct {
	Region           string `mapstructure:"region"`
	DynamoDBEndpoint string `mapstructure:"dynamodb_endpoint"`
}

// LogConfig sets the log level: debug, info, warn or error.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// SeedConfig holds the defaults of offboardctl seed.
type SeedConfig struct {
	Count int `mapstructure:"count"`
	RPS   int `mapstructure:"rps"`
}

// env maps config keys to the variables the deployed functions are given.
var env = map[string]string{
	"queue.table_name":      "QUEUE_TABLE_NAME",
	"queue.time_zone":       "OFFBOARDING_TIME_ZONE",
	"aws.region":            "AWS_REGION",
	"aws.dynamodb_endpoint": "DYNAMODB_ENDPOINT",
	"log.level":             "LOG_LEVEL",
}

// Load reads embedded defaults, merges the YAML file at path if given, and
// applies environment overrides.
func Load(path string) (Config, error) {
	v := viper.New()

	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, fmt.Errorf("read defaults: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	for key, name := range env {
		if err := v.BindEnv(key, name); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Queue.TableName == "" {
		return Config{}, fmt.Errorf("queue table name is empty")
	}
	return cfg, nil
}
