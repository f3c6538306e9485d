package cli

import (
	"github.com/spf13/cobra"

	"github.com/atenni/offboarding-automation/pkg/queue"
)

func newQueueCmd(a *app) *cobra.Command {
	var date string

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List items queued for a day (default today)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			items, err := a.store.GetQueueForDate(cmd.Context(), date)
			if err != nil {
				return err
			}
			return printJSON(cmd, items)
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "offboarding date, YYYY-MM-DD")
	return cmd
}

func newGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get EMAIL",
		Short: "Show one item by email",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			item, err := a.store.GetItem(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, item)
		},
	}
}

func newQueryCmd(a *app) *cobra.Command {
	var status, date, op string

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query the status index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := queue.ParseStatus(status)
			if err != nil {
				return err
			}
			c, err := queue.ParseComparison(op)
			if err != nil {
				return err
			}
			items, err := a.store.QueryByKey(cmd.Context(), queue.IndexLookup{Status: st, OffboardingDate: date, Comparison: c})
			if err != nil {
				return err
			}
			return printJSON(cmd, items)
		},
	}
	cmd.Flags().StringVar(&status, "status", string(queue.StatusQueued), "item status")
	cmd.Flags().StringVar(&date, "date", "", "offboarding date, YYYY-MM-DD")
	cmd.Flags().StringVar(&op, "op", "=", "sort key comparison: = < <= > >= begins_with")
	_ = cmd.MarkFlagRequired("date")
	return cmd
}

// itemFlags are the flags shared by the commands that write a whole item.
type itemFlags struct {
	email, date, snowID, status string
}

func (f *itemFlags) register(cmd *cobra.Command, emailRequired bool) {
	cmd.Flags().StringVar(&f.email, "email", "", "user email")
	cmd.Flags().StringVar(&f.date, "date", "", "offboarding date, YYYY-MM-DD")
	cmd.Flags().StringVar(&f.snowID, "snow-id", "", "ServiceNow request id")
	cmd.Flags().StringVar(&f.status, "status", string(queue.StatusQueued), "item status")
	if emailRequired {
		_ = cmd.MarkFlagRequired("email")
	}
	_ = cmd.MarkFlagRequired("date")
	_ = cmd.MarkFlagRequired("snow-id")
}

func (f *itemFlags) item() (queue.Item, error) {
	st, err := queue.ParseStatus(f.status)
	if err != nil {
		return queue.Item{}, err
	}
	return queue.Item{Email: f.email, Status: st, OffboardingDate: f.date, SnowID: f.snowID}, nil
}

func newAddCmd(a *app) *cobra.Command {
	var f itemFlags

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Write an item, replacing any item with the same email",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			item, err := f.item()
			if err != nil {
				return err
			}
			res, err := a.store.AddItem(cmd.Context(), item)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	f.register(cmd, true)
	return cmd
}

func newUpsertCmd(a *app) *cobra.Command {
	var f itemFlags

	cmd := &cobra.Command{
		Use:   "upsert",
		Short: "Create or update an item, keeping its history fields",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			item, err := f.item()
			if err != nil {
				return err
			}
			res, err := a.store.UpsertItem(cmd.Context(), item)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	f.register(cmd, true)
	return cmd
}

func newMoveCmd(a *app) *cobra.Command {
	var f itemFlags

	cmd := &cobra.Command{
		Use:   "move OLD_EMAIL",
		Short: "Re-key an item under a new email",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			item, err := f.item()
			if err != nil {
				return err
			}
			res, err := a.store.MoveItem(cmd.Context(), args[0], item)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	f.register(cmd, true)
	return cmd
}

func newClaimCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "claim EMAIL",
		Short: "Mark a queued item as in progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			item, err := a.store.ClaimForProcessing(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, item)
		},
	}
}

func newTransitionCmd(a *app) *cobra.Command {
	var from, to string

	cmd := &cobra.Command{
		Use:   "transition EMAIL",
		Short: "Move an item from one status to another",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := queue.ParseStatus(from)
			if err != nil {
				return err
			}
			t, err := queue.ParseStatus(to)
			if err != nil {
				return err
			}
			item, err := a.store.Transition(cmd.Context(), args[0], f, t)
			if err != nil {
				return err
			}
			return printJSON(cmd, item)
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "expected current status")
	cmd.Flags().StringVar(&to, "to", "", "new status")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}
