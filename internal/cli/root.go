// Package cli implements offboardctl, the operator tool for the offboarding
// queue table.
package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/atenni/offboarding-automation/internal/awsclient"
	"github.com/atenni/offboarding-automation/internal/config"
	"github.com/atenni/offboarding-automation/internal/logger"
	"github.com/atenni/offboarding-automation/pkg/queue"
)

// StoreFunc opens the queue store described by cfg.
type StoreFunc func(ctx context.Context, cfg config.Config, log *zap.Logger) (*queue.Store, error)

// DynamoDBStore opens the store against the configured DynamoDB endpoint.
func DynamoDBStore(ctx context.Context, cfg config.Config, log *zap.Logger) (*queue.Store, error) {
	ddb, err := awsclient.NewDynamoDB(ctx, cfg.AWS)
	if err != nil {
		return nil, err
	}
	loc, err := queue.LoadLocation(cfg.Queue.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("load time zone %q: %w", cfg.Queue.TimeZone, err)
	}
	return queue.New(ddb, cfg.Queue.TableName, queue.WithLocation(loc), queue.WithLogger(log)), nil
}

// app carries what every subcommand needs once the root has run.
type app struct {
	cfgPath string
	table   string
	open    StoreFunc

	cfg   config.Config
	log   *zap.Logger
	store *queue.Store
}

// NewRootCmd builds the offboardctl command tree. open is called once per
// invocation, after configuration is loaded.
func NewRootCmd(open StoreFunc) *cobra.Command {
	a := &app{open: open}

	root := &cobra.Command{
		Use:           "offboardctl",
		Short:         "Inspect and maintain the offboarding queue",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.Context())
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}

	root.PersistentFlags().StringVar(&a.cfgPath, "config", "", "path to YAML config file")
	root.PersistentFlags().StringVar(&a.table, "table", "", "queue table name (overrides config)")

	root.AddCommand(
		newTableCmd(a),
		newQueueCmd(a),
		newGetCmd(a),
		newQueryCmd(a),
		newAddCmd(a),
		newUpsertCmd(a),
		newMoveCmd(a),
		newClaimCmd(a),
		newTransitionCmd(a),
		newSeedCmd(a),
		newPurgeCmd(a),
	)
	return root
}

func (a *app) setup(ctx context.Context) error {
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if a.table != "" {
		cfg.Queue.TableName = a.table
	}
	a.cfg = cfg

	a.log, err = logger.NewConsole(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	a.store, err = a.open(ctx, cfg, a.log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	return nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
