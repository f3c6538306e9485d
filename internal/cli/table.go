package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/atenni/offboarding-automation/pkg/queue"
)

func newTableCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "table",
		Short: "Create or check the queue table",
	}

	var opts queue.TableOptions
	create := &cobra.Command{
		Use:   "create",
		Short: "Create the queue table and its status index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.store.CreateTable(cmd.Context(), opts); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "table %s created\n", a.store.Table())
			return nil
		},
	}
	create.Flags().DurationVar(&opts.Wait, "wait", 2*time.Minute, "how long to wait for the table to become active (0 to return immediately)")
	create.Flags().BoolVar(&opts.PointInTimeRecovery, "pitr", true, "enable point in time recovery")

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Check the live table matches the expected schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.store.Validate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "table %s ok\n", a.store.Table())
			return nil
		},
	}

	cmd.AddCommand(create, validate)
	return cmd
}

func newPurgeCmd(a *app) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete every item in the queue table (development only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errors.New("refusing to purge without --yes")
			}
			n, err := a.store.DeleteAll(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d items from %s\n", n, a.store.Table())
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deleting all items")
	return cmd
}
