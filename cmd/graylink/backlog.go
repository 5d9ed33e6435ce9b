package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/graylink/internal/store"
)

// backlogOptions holds flags for the backlog subcommands.
type backlogOptions struct {
	*rootOptions
	key    string
	format string
}

// backlogEntry is one stored message as printed by backlog list.
type backlogEntry struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	Topic     string    `json:"topic"`
	QoS       byte      `json:"qos"`
	Retained  bool      `json:"retained"`
	Bytes     int       `json:"bytes"`
	ArrivedAt time.Time `json:"arrived_at"`
}

func newBacklogCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &backlogOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "backlog",
		Short: "Inspect or purge stored undelivered messages",
		Long: `Inspect or purge the messages held in the store.

Messages stay in the store until they are delivered (auto ack) or
acknowledged (manual ack). They are replayed on the next connect.

Examples:
  graylink backlog list
  graylink backlog list --key tcp://broker:1883:sensor-01:graylink --format json
  graylink backlog purge --key tcp://broker:1883:sensor-01:graylink`,
	}

	cmd.PersistentFlags().StringVar(&opts.key, "key", "", "limit to one connection key (default all)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List stored messages in arrival order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBacklogList(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}
	list.Flags().StringVar(&opts.format, "format", "text", "output format (json|text)")

	purge := &cobra.Command{
		Use:   "purge",
		Short: "Delete stored messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBacklogPurge(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	cmd.AddCommand(list, purge)
	return cmd
}

// openStore opens the configured message store.
func (o *backlogOptions) openStore() (*store.SQLiteStore, error) {
	cfg, _, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	st, err := store.Open(databaseConfig(cfg.Database))
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return st, nil
}

func runBacklogList(ctx context.Context, opts *backlogOptions, out io.Writer) error {
	if opts.format != "text" && opts.format != "json" {
		return fmt.Errorf("invalid format %q: must be json or text", opts.format)
	}

	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck // Read-only command

	msgs, err := st.AllFor(ctx, opts.key)
	if err != nil {
		return fmt.Errorf("listing backlog: %w", err)
	}

	entries := make([]backlogEntry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, backlogEntry{
			ID:        m.ID,
			Key:       m.ConnectionKey,
			Topic:     m.Topic,
			QoS:       m.QoS,
			Retained:  m.Retained,
			Bytes:     len(m.Payload),
			ArrivedAt: m.ArrivedAt.UTC(),
		})
	}

	if opts.format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKEY\tTOPIC\tQOS\tBYTES\tARRIVED")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
			e.ID, e.Key, e.Topic, e.QoS, e.Bytes, e.ArrivedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(tw, "\n%d message(s)\n", len(entries))
	return tw.Flush()
}

func runBacklogPurge(ctx context.Context, opts *backlogOptions, out io.Writer) error {
	st, err := opts.openStore()
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck // Store is closed on exit

	n, err := st.Clear(ctx, opts.key)
	if err != nil {
		return fmt.Errorf("purging backlog: %w", err)
	}

	scope := "all connections"
	if opts.key != "" {
		scope = opts.key
	}
	_, err = fmt.Fprintf(out, "purged %d message(s) for %s\n", n, scope)
	return err
}
