package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/adalundhe/flowsync/core/config"
	"github.com/adalundhe/flowsync/core/history"
	"github.com/adalundhe/flowsync/core/storage"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect the conflict audit trail",
	Long:  `List, search, and summarize recorded conflict episodes.`,
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conflict episodes for a project",
	RunE:  runHistoryList,
}

var historySearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Full-text search over conflict episodes",
	Long: `Search episodes by project, reason, resolution strategy, entity id,
or conflicted field name.

Examples:
  flowsync history search delete_vs_edit
  flowsync history search "reason:concurrent_edit"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runHistorySearch,
}

var historyStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Aggregate episode counts by reason and strategy",
	RunE:  runHistoryStats,
}

var (
	historyProject string
	historyUser    string
	historyLimit   int
)

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyListCmd)
	historyCmd.AddCommand(historySearchCmd)
	historyCmd.AddCommand(historyStatsCmd)

	historyListCmd.Flags().StringVarP(&historyProject, "project", "p", "", "Project id (required)")
	historyListCmd.MarkFlagRequired("project")
	historySearchCmd.Flags().IntVarP(&historyLimit, "limit", "l", 20, "Maximum number of results")
	historyStatsCmd.Flags().StringVarP(&historyUser, "user", "u", "", "Only episodes recorded for this user")
}

// openHistory constructs the conflict history store from configuration.
func openHistory(cfg *config.Config, dirs *storage.Dirs) (*history.Store, error) {
	store, err := history.NewStore(history.Config{
		DBPath:       dirs.DataDir("conflict_history.db"),
		MaxRecords:   cfg.History.MaxRecords,
		ArchiveAfter: cfg.History.ArchiveAge(),
	})
	if err != nil {
		return nil, fmt.Errorf("opening history store: %w", err)
	}
	return store, nil
}

func runHistoryList(cmd *cobra.Command, args []string) error {
	manager, dirs, err := loadConfig()
	if err != nil {
		return err
	}
	defer manager.Close()

	store, err := openHistory(manager.Get(), dirs)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.GetProjectHistory(historyProject)
	if err != nil {
		return fmt.Errorf("loading project history: %w", err)
	}
	if len(records) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no conflict episodes recorded")
		return nil
	}
	writeRecords(cmd.OutOrStdout(), records)
	return nil
}

func runHistorySearch(cmd *cobra.Command, args []string) error {
	manager, dirs, err := loadConfig()
	if err != nil {
		return err
	}
	defer manager.Close()

	store, err := openHistory(manager.Get(), dirs)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.Search(args[0], historyLimit)
	if err != nil {
		return fmt.Errorf("searching history: %w", err)
	}
	if len(records) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no matches")
		return nil
	}
	writeRecords(cmd.OutOrStdout(), records)
	return nil
}

func runHistoryStats(cmd *cobra.Command, args []string) error {
	manager, dirs, err := loadConfig()
	if err != nil {
		return err
	}
	defer manager.Close()

	store, err := openHistory(manager.Get(), dirs)
	if err != nil {
		return err
	}
	defer store.Close()

	stats, err := store.GetStats(historyUser)
	if err != nil {
		return fmt.Errorf("loading stats: %w", err)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "total\t%d\n", stats.Total)
	fmt.Fprintf(w, "resolved\t%d\n", stats.Resolved)
	fmt.Fprintf(w, "unresolved\t%d\n", stats.Unresolved)
	fmt.Fprintf(w, "archived\t%d\n", stats.Archived)
	for reason, count := range stats.ByReason {
		fmt.Fprintf(w, "reason %s\t%d\n", reason, count)
	}
	for strategy, count := range stats.ByStrategy {
		fmt.Fprintf(w, "strategy %s\t%d\n", strategy, count)
	}
	return w.Flush()
}

func writeRecords(out io.Writer, records []*history.ConflictHistoryRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPROJECT\tCONFLICTED\tREASON\tFIELDS\tRESOLVED")
	for _, record := range records {
		resolved := "-"
		if record.Resolved() {
			resolved = string(record.ResolutionStrategy)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			record.ID,
			record.ProjectID,
			record.ConflictedAt.Format(time.RFC3339),
			record.Reason,
			len(record.ConflictedFields),
			resolved,
		)
	}
	w.Flush()
}
