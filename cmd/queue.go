package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/adalundhe/flowsync/core/config"
	"github.com/adalundhe/flowsync/core/database"
	"github.com/adalundhe/flowsync/core/queue"
	"github.com/adalundhe/flowsync/core/storage"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the outbound action queue",
	Long:  `List pending actions, blocked actions, dead letters, and queue counters.`,
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending actions",
	RunE:  runQueueList,
}

var queueBlockedCmd = &cobra.Command{
	Use:   "blocked",
	Short: "List actions blocked on an uncompleted create",
	RunE:  runQueueBlocked,
}

var queueDeadLettersCmd = &cobra.Command{
	Use:   "dead-letters",
	Short: "List dead-lettered actions",
	RunE:  runQueueDeadLetters,
}

var queueRequeueCmd = &cobra.Command{
	Use:   "requeue <action-id>",
	Short: "Move a dead letter back onto the queue",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueRequeue,
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue counters",
	RunE:  runQueueStats,
}

var (
	queueProject   string
	queueClearDead bool
)

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueBlockedCmd)
	queueCmd.AddCommand(queueDeadLettersCmd)
	queueCmd.AddCommand(queueRequeueCmd)
	queueCmd.AddCommand(queueStatsCmd)

	queueListCmd.Flags().StringVarP(&queueProject, "project", "p", "", "Only actions for this project and its children")
	queueDeadLettersCmd.Flags().BoolVar(&queueClearDead, "clear", false, "Clear all dead letters")
}

// openQueue constructs the queue over the configured storage backend. The
// returned closer releases the queue and its database pool.
func openQueue(ctx context.Context, cfg *config.Config, dirs *storage.Dirs) (*queue.Queue, func(), error) {
	var (
		provider storage.Provider
		pool     *database.Pool
	)

	switch cfg.Storage.Backend {
	case "memory":
		provider = storage.NewMemoryProvider()
	default:
		manager := database.NewManager(dirs.DataDir())
		var err error
		pool, err = manager.Open(cfg.Storage.Database, database.DefaultPoolConfig())
		if err != nil {
			return nil, nil, fmt.Errorf("opening database: %w", err)
		}
		provider, err = storage.NewSQLiteProvider(pool, cfg.Storage.MaxBytes)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("opening storage provider: %w", err)
		}
	}

	q, err := queue.New(ctx, queue.Config{
		Provider:   provider,
		SoftCap:    cfg.Queue.SoftCap,
		MaxRetries: cfg.Queue.MaxRetries,
	})
	if err != nil {
		if pool != nil {
			pool.Close()
		}
		return nil, nil, fmt.Errorf("opening queue: %w", err)
	}

	closer := func() {
		q.Close()
		if pool != nil {
			pool.Close()
		}
	}
	return q, closer, nil
}

func runQueueList(cmd *cobra.Command, args []string) error {
	manager, dirs, err := loadConfig()
	if err != nil {
		return err
	}
	defer manager.Close()

	q, closeQueue, err := openQueue(cmd.Context(), manager.Get(), dirs)
	if err != nil {
		return err
	}
	defer closeQueue()

	actions := q.PendingActions()
	if queueProject != "" {
		actions = q.PendingActionsForProject(queueProject)
	}
	if len(actions) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "queue is empty")
		return nil
	}
	writeActions(cmd.OutOrStdout(), actions)
	return nil
}

func runQueueBlocked(cmd *cobra.Command, args []string) error {
	manager, dirs, err := loadConfig()
	if err != nil {
		return err
	}
	defer manager.Close()

	q, closeQueue, err := openQueue(cmd.Context(), manager.Get(), dirs)
	if err != nil {
		return err
	}
	defer closeQueue()

	blocked := q.BlockedActions()
	if len(blocked) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no blocked actions")
		return nil
	}
	writeActions(cmd.OutOrStdout(), blocked)
	return nil
}

func runQueueDeadLetters(cmd *cobra.Command, args []string) error {
	manager, dirs, err := loadConfig()
	if err != nil {
		return err
	}
	defer manager.Close()

	q, closeQueue, err := openQueue(cmd.Context(), manager.Get(), dirs)
	if err != nil {
		return err
	}
	defer closeQueue()

	if queueClearDead {
		if err := q.ClearDeadLetters(cmd.Context()); err != nil {
			return fmt.Errorf("clearing dead letters: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "dead letters cleared")
		return nil
	}

	items := q.DeadLetters()
	if len(items) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no dead letters")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tOP\tENTITY\tMOVED\tREASON")
	for _, item := range items {
		fmt.Fprintf(w, "%s\t%s\t%s/%s\t%s\t%s\n",
			item.Action.ID,
			item.Action.Op,
			item.Action.EntityType,
			item.Action.EntityID,
			item.MovedAt.Format(time.RFC3339),
			item.FailureReason,
		)
	}
	return w.Flush()
}

func runQueueRequeue(cmd *cobra.Command, args []string) error {
	manager, dirs, err := loadConfig()
	if err != nil {
		return err
	}
	defer manager.Close()

	q, closeQueue, err := openQueue(cmd.Context(), manager.Get(), dirs)
	if err != nil {
		return err
	}
	defer closeQueue()

	id, err := q.RequeueDeadLetter(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("requeueing %s: %w", args[0], err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "requeued as %s\n", id)
	return nil
}

func runQueueStats(cmd *cobra.Command, args []string) error {
	manager, dirs, err := loadConfig()
	if err != nil {
		return err
	}
	defer manager.Close()

	q, closeQueue, err := openQueue(cmd.Context(), manager.Get(), dirs)
	if err != nil {
		return err
	}
	defer closeQueue()

	stats := q.Stats()
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "pending\t%d\n", stats.Size)
	fmt.Fprintf(w, "blocked\t%d\n", stats.Blocked)
	fmt.Fprintf(w, "dead letters\t%d\n", stats.DeadLetters)
	fmt.Fprintf(w, "total enqueued\t%d\n", stats.TotalEnqueued)
	fmt.Fprintf(w, "total coalesced\t%d\n", stats.TotalCoalesced)
	fmt.Fprintf(w, "total dispatched\t%d\n", stats.TotalDispatched)
	fmt.Fprintf(w, "total retried\t%d\n", stats.TotalRetried)
	for priority, count := range stats.ByPriority {
		fmt.Fprintf(w, "priority %s\t%d\n", priority, count)
	}
	if stats.Degraded {
		fmt.Fprintf(w, "storage\tdegraded (in-memory fallback)\n")
	}
	return w.Flush()
}

func writeActions(out io.Writer, actions []queue.QueuedAction) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tOP\tENTITY\tPRIORITY\tENQUEUED\tRETRIES\tLAST ERROR")
	for _, action := range actions {
		lastError := action.LastError
		if lastError == "" {
			lastError = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s/%s\t%s\t%s\t%d\t%s\n",
			action.ID,
			action.Op,
			action.EntityType,
			action.EntityID,
			action.Priority,
			action.EnqueuedAt.Format(time.RFC3339),
			action.RetryCount,
			lastError,
		)
	}
	w.Flush()
}
