package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/zhouzirui/z-travel/backend/internal/outbox"
	"github.com/zhouzirui/z-travel/backend/internal/storage/sqlite"
)

var (
	dbPath     string
	jsonOutput bool
)

func main() {
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	defaultPath := os.Getenv("SQLITE_PATH")
	if defaultPath == "" {
		defaultPath = "./data/travel.db"
	}

	root := &cobra.Command{
		Use:   "outboxctl",
		Short: "Inspect and repair undelivered messages",
		Long: `Inspect and repair the persisted outbox of the travel backend.

Examples:
  outboxctl list <session>            # Entries of one session in enqueue order
  outboxctl list <session> --json     # Same, as JSON
  outboxctl retry <entry>             # Put a failed entry back in line
  outboxctl dismiss <entry>           # Drop a failed entry`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&dbPath, "db", defaultPath, "SQLite database path")
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	root.AddCommand(newListCmd(), newRetryCmd(), newDismissCmd())
	return root
}

func openStore() (*sqlite.DB, *sqlite.OutboxStore, error) {
	db, err := sqlite.Open(dbPath)
	if err != nil {
		return nil, nil, err
	}
	return db, db.Outbox(), nil
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <session>",
		Short: "List outbox entries of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, store, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			entries, err := store.List(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printEntries(cmd.OutOrStdout(), entries)
		},
	}
}

// entryAction 对单个失败条目执行操作。条目按所属会话加载，与引擎走同一套校验。
type entryAction func(ctx context.Context, box *outbox.Outbox, id string) (outbox.Entry, error)

func newRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <entry>",
		Short: "Reset a failed entry to pending with a fresh retry budget",
		Long: `Reset a failed entry to pending. The session delivers it on its next
reconnect or send.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEntryAction(cmd, args[0], "retried", func(ctx context.Context, box *outbox.Outbox, id string) (outbox.Entry, error) {
				return box.Retry(ctx, id)
			})
		},
	}
}

func newDismissCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dismiss <entry>",
		Short: "Remove a failed entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEntryAction(cmd, args[0], "dismissed", func(ctx context.Context, box *outbox.Outbox, id string) (outbox.Entry, error) {
				return box.Dismiss(ctx, id)
			})
		},
	}
}

func runEntryAction(cmd *cobra.Command, id, verb string, action entryAction) error {
	db, store, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := cmd.Context()
	entry, err := store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("entry %s: %w", id, err)
	}

	updated, err := action(ctx, outbox.New(entry.SessionID, store, 0), id)
	if err != nil {
		return fmt.Errorf("entry %s: %w", id, err)
	}

	if jsonOutput {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(updated)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s (session %s)\n", verb, updated.ID, updated.SessionID)
	return nil
}

func printEntries(w io.Writer, entries []outbox.Entry) error {
	if jsonOutput {
		if entries == nil {
			entries = []outbox.Entry{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	if len(entries) == 0 {
		fmt.Fprintln(w, "no undelivered messages")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ENTRY\tSTATUS\tRETRIES\tENQUEUED\tMESSAGE\tLAST ERROR")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			e.ID, e.Status, e.RetryCount, e.EnqueuedAt.Local().Format(time.DateTime), truncate(e.Payload.Body, 40), e.LastError)
	}
	return tw.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
