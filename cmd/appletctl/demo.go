package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"appletkit/app"
	"appletkit/config"
	sharederrors "appletkit/errors"
	"appletkit/logging"
	"appletkit/transaction"
)

type demoOptions struct {
	fail    string
	partial bool
	delay   time.Duration
	verbose bool
}

func newDemoCmd() *cobra.Command {
	var opts demoOptions
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a sample batch through the transaction manager",
		Long: `The demo command queues edits against an in-memory order table, collapses
them per entity, commits the batch and prints every lifecycle event. Use
--fail to make one entity's mutation fail and watch the batch roll back.

Configuration comes from APPLET_* environment variables.

Example:
  appletctl demo
  appletctl demo --fail order-2
  appletctl demo --fail order-2 --partial`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return runDemo(cmd.Context(), cmd.OutOrStdout(), cfg, opts)
		},
	}
	cmd.Flags().StringVar(&opts.fail, "fail", "", "Entity ID whose mutation fails")
	cmd.Flags().BoolVar(&opts.partial, "partial", false, "Keep successful operations when some fail")
	cmd.Flags().DurationVar(&opts.delay, "delay", 10*time.Millisecond, "Simulated latency per mutation")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log runtime diagnostics to stderr")
	return cmd
}

// orderTable 模拟远端 API 的存储
type orderTable struct {
	mu   sync.Mutex
	rows map[string]string
}

func (t *orderTable) put(id, v string) {
	t.mu.Lock()
	t.rows[id] = v
	t.mu.Unlock()
}

func (t *orderTable) remove(id string) {
	t.mu.Lock()
	delete(t.rows, id)
	t.mu.Unlock()
}

func (t *orderTable) snapshot() map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]string, len(t.rows))
	for k, v := range t.rows {
		out[k] = v
	}
	return out
}

func runDemo(ctx context.Context, out io.Writer, cfg config.Config, opts demoOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := logging.Logger(logging.NewNoopLogger())
	if opts.verbose {
		logger = cfg.Logger()
	}
	rt, err := app.New(ctx, cfg, app.WithLogger(logger))
	if err != nil {
		return err
	}
	if err := rt.Start(ctx); err != nil {
		return err
	}
	defer rt.Close(ctx)

	table := &orderTable{rows: map[string]string{"order-2": "pending", "order-3": "shipped"}}

	// 回滚直接写表，使用合并后保留的 OriginalData
	m, err := rt.Manager("orders", transaction.RollbackerFuncs{
		Create: func(ctx context.Context, op *transaction.Operation) error {
			table.remove(op.EntityID)
			return nil
		},
		Update: func(ctx context.Context, op *transaction.Operation) error {
			table.put(op.EntityID, op.OriginalData.(string))
			return nil
		},
		Delete: func(ctx context.Context, op *transaction.Operation) error {
			table.put(op.EntityID, op.OriginalData.(string))
			return nil
		},
	})
	if err != nil {
		return err
	}

	var mu sync.Mutex
	m.On(transaction.EventAll, func(ctx context.Context, evt transaction.Event) error {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case evt.Result != nil:
			fmt.Fprintf(out, "event %-22s %s %s ok=%t\n", evt.Name, evt.Result.Operation.Type, evt.Result.Operation.EntityID, evt.Result.Success)
		case evt.Operation != nil:
			fmt.Fprintf(out, "event %-22s %s %s\n", evt.Name, evt.Operation.Type, evt.Operation.EntityID)
		default:
			fmt.Fprintf(out, "event %s\n", evt.Name)
		}
		return nil
	})

	mutate := func(apply func()) transaction.MutationFunc {
		return func(ctx context.Context, op *transaction.Operation) (any, error) {
			select {
			case <-time.After(opts.delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if op.EntityID == opts.fail {
				return nil, fmt.Errorf("remote rejected %s", op.EntityID)
			}
			apply()
			return op.EntityID, nil
		}
	}

	edits := []transaction.Operation{
		{Type: transaction.OpCreate, Entity: "order", EntityID: "order-1", Label: "Create order-1", Data: "new",
			Mutation: mutate(func() { table.put("order-1", "new") })},
		{Type: transaction.OpUpdate, Entity: "order", EntityID: "order-2", Label: "Approve order-2", Data: "approved", OriginalData: "pending",
			Mutation: mutate(func() { table.put("order-2", "approved") })},
		{Type: transaction.OpUpdate, Entity: "order", EntityID: "order-2", Label: "Ship order-2", Data: "shipped", OriginalData: "approved",
			Mutation: mutate(func() { table.put("order-2", "shipped") })},
		{Type: transaction.OpDelete, Entity: "order", EntityID: "order-3", Label: "Archive order-3", OriginalData: "shipped",
			Mutation: mutate(func() { table.remove("order-3") })},
	}
	var txOpts []transaction.ConfigOption
	if opts.partial {
		txOpts = append(txOpts, transaction.WithPartialSuccess(true))
	}
	m.Begin(ctx, txOpts...)

	for _, op := range edits {
		if _, err := m.AddOperation(ctx, op); err != nil {
			return err
		}
	}

	summary := m.GetSummary()
	fmt.Fprintf(out, "queued %d operations (estimated %s)\n", summary.Total, m.EstimateDuration())

	results, commitErr := m.Commit(ctx, true)
	for _, r := range results {
		status := "ok"
		if !r.Success {
			status = fmt.Sprintf("failed (%s)", sharederrors.GetErrorCode(r.Err))
		}
		fmt.Fprintf(out, "result %-16s %s\n", r.Operation.Label, status)
	}
	if commitErr != nil {
		fmt.Fprintf(out, "commit error: %v\n", commitErr)
	}

	tx := m.Transaction()
	if tx != nil {
		fmt.Fprintf(out, "transaction %s status=%s pending=%d\n", tx.ID, tx.Status, len(tx.Operations))
	}
	fmt.Fprintf(out, "table %v\n", table.snapshot())
	return nil
}
