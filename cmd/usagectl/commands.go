package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"usage_ingest/internal/auth"
	"usage_ingest/internal/journal"
	"usage_ingest/internal/models"
	"usage_ingest/internal/pipeline"
	"usage_ingest/internal/queue"
	"usage_ingest/internal/storage"
	"usage_ingest/internal/utils"
)

// rangeFlags adds --from/--to/--since to a command.
type rangeFlags struct {
	from, to string
	since    time.Duration
}

func (r *rangeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&r.from, "from", "", "range start (RFC3339)")
	cmd.Flags().StringVar(&r.to, "to", "", "range end (RFC3339), defaults to now")
	cmd.Flags().DurationVar(&r.since, "since", 0, "range start relative to now, e.g. 6h")
}

func (r *rangeFlags) values() url.Values {
	q := url.Values{}
	if r.to != "" {
		q.Set("to", r.to)
	}
	switch {
	case r.from != "":
		q.Set("from", r.from)
	case r.since > 0:
		q.Set("from", time.Now().UTC().Add(-r.since).Format(time.RFC3339))
	}
	return q
}

func queryCmd(opts *options) *cobra.Command {
	var rng rangeFlags
	cmd := &cobra.Command{
		Use:   "query IDENTITY",
		Short: "Show aggregated usage for an identity",
		Example: `  usagectl query team-a --since 6h
  usagectl query team-a --from 2025-03-01T00:00:00Z --to 2025-03-02T00:00:00Z`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Buckets []models.UsageAggregate `json:"buckets"`
				Totals  map[string]int64        `json:"totals"`
			}
			raw, err := newClient(opts).do(cmd.Context(), http.MethodGet, "/v1/usage/"+url.PathEscape(args[0]), rng.values(), nil, &resp, false)
			if err != nil {
				return err
			}
			if opts.json {
				return printRaw(cmd.OutOrStdout(), raw)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "BUCKET\tCALLS\tPROMPT\tCOMPLETION\tTOTAL\tMISMATCH")
			for _, b := range resp.Buckets {
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\n", b.BucketStart.Format(time.RFC3339),
					b.CallCount, b.SumPromptTokens, b.SumCompletionTokens, b.SumTotalTokens, b.MismatchCount)
			}
			fmt.Fprintf(w, "TOTAL\t%d\t%d\t%d\t%d\t%d\n", resp.Totals["call_count"], resp.Totals["sum_prompt_tokens"],
				resp.Totals["sum_completion_tokens"], resp.Totals["sum_total_tokens"], resp.Totals["mismatch_count"])
			return w.Flush()
		},
	}
	rng.register(cmd)
	return cmd
}

func recordsCmd(opts *options) *cobra.Command {
	var (
		rng        rangeFlags
		limit      int
		includeRaw bool
	)
	cmd := &cobra.Command{
		Use:   "records IDENTITY",
		Short: "List stored usage records for an identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := rng.values()
			q.Set("limit", strconv.Itoa(limit))
			if includeRaw {
				q.Set("include_raw", "true")
			}
			var resp struct {
				Records []models.UsageRecord `json:"records"`
			}
			raw, err := newClient(opts).do(cmd.Context(), http.MethodGet, "/v1/usage/"+url.PathEscape(args[0])+"/records", q, nil, &resp, false)
			if err != nil {
				return err
			}
			if opts.json || includeRaw {
				return printRaw(cmd.OutOrStdout(), raw)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "EVENT TIME\tSTATUS\tMODEL\tPROMPT\tCOMPLETION\tTOTAL\tSOURCE")
			for _, r := range resp.Records {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n", r.EventTime.Format(time.RFC3339), r.StatusCode,
					orDash(models.StringValue(r.Model)), count(r.PromptTokens), count(r.CompletionTokens), count(r.TotalTokens), r.DedupKey)
			}
			return w.Flush()
		},
	}
	rng.register(cmd)
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of records")
	cmd.Flags().BoolVar(&includeRaw, "include-raw", false, "include raw request and response payloads (implies --json)")
	return cmd
}

func rebuildCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Recompute all aggregates from stored records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := newClient(opts).do(cmd.Context(), http.MethodPost, "/admin/aggregates/rebuild", nil, nil, nil, true); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Aggregates rebuilt")
			return nil
		},
	}
}

func replayCmd(opts *options) *cobra.Command {
	var (
		batchSize int
		dryRun    bool
	)
	cmd := &cobra.Command{
		Use:   "replay FILE...",
		Short: "Publish the events recorded in journal files again",
		Long: `Reads journal files written by ingestd and publishes their events through
POST /v1/events. Replayed events get new positions, so they are stored again
as new records.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient(opts)
			var (
				batch     []models.RawEvent
				published int
				read      int
			)
			flush := func() error {
				if len(batch) == 0 || dryRun {
					batch = batch[:0]
					return nil
				}
				if _, err := client.do(cmd.Context(), http.MethodPost, "/v1/events", nil, map[string]interface{}{"events": batch}, nil, false); err != nil {
					return fmt.Errorf("after %d published events: %w", published, err)
				}
				published += len(batch)
				batch = batch[:0]
				return nil
			}

			for _, path := range args {
				err := journal.ReadFile(path, func(e journal.Entry) error {
					read++
					batch = append(batch, e.Event)
					if len(batch) >= batchSize {
						return flush()
					}
					return nil
				})
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
			}
			if err := flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Read %d events, published %d\n", read, published)
			return nil
		},
	}
	cmd.Flags().IntVar(&batchSize, "batch", 100, "events per request")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "read and count without publishing")
	return cmd
}

func dlqCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "dlq",
		Aliases: []string{"dead-letters"},
		Short:   "Inspect and act on dead-lettered items",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List dead letters, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Items      []queue.DeadLetterItem `json:"items"`
				TotalCount int                    `json:"total_count"`
			}
			q := url.Values{"limit": {strconv.Itoa(limit)}}
			raw, err := newClient(opts).do(cmd.Context(), http.MethodGet, "/admin/dead-letters", q, nil, &resp, true)
			if err != nil {
				return err
			}
			if opts.json {
				return printRaw(cmd.OutOrStdout(), raw)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tREASON\tTIME\tERROR")
			for _, item := range resp.Items {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", item.ID, item.Reason, item.Timestamp.Format(time.RFC3339), item.Error)
			}
			fmt.Fprintf(w, "\n%d of %d shown\n", len(resp.Items), resp.TotalCount)
			return w.Flush()
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "maximum number of items")

	retry := &cobra.Command{
		Use:   "retry ID",
		Short: "Publish a dead-lettered event again, or resubmit an archive batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := newClient(opts).do(cmd.Context(), http.MethodPost, "/admin/dead-letters/"+url.PathEscape(args[0])+"/retry", nil, nil, nil, true)
			if err != nil {
				return err
			}
			return printRaw(cmd.OutOrStdout(), raw)
		},
	}

	remove := &cobra.Command{
		Use:     "remove ID",
		Aliases: []string{"rm"},
		Short:   "Drop a dead letter",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := newClient(opts).do(cmd.Context(), http.MethodDelete, "/admin/dead-letters/"+url.PathEscape(args[0]), nil, nil, nil, true); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(list, retry, remove)
	return cmd
}

func partitionsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "partitions",
		Short: "Show pipeline partition status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Partitions []pipeline.PartitionStatus `json:"partitions"`
			}
			raw, err := newClient(opts).do(cmd.Context(), http.MethodGet, "/admin/partitions", nil, nil, &resp, true)
			if err != nil {
				return err
			}
			if opts.json {
				return printRaw(cmd.OutOrStdout(), raw)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PARTITION\tSTATE\tCHECKPOINT\tSTORED\tDUPLICATES\tDEAD LETTERED\tHALT REASON")
			for _, p := range resp.Partitions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n", p.Partition, p.State, orDash(p.Checkpoint),
					p.Stored, p.Duplicates, p.DeadLettered, orDash(p.HaltReason))
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "resume PARTITION",
		Short: "Resume a halted partition from its checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := newClient(opts).do(cmd.Context(), http.MethodPost, "/admin/partitions/"+url.PathEscape(args[0])+"/resume", nil, nil, nil, true); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Resumed %s\n", args[0])
			return nil
		},
	})
	return cmd
}

func tokenCmd() *cobra.Command {
	var (
		subject string
		role    string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an admin JWT signed with the configured JWT_SECRET",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := auth.ParseRole(role)
			if err != nil {
				return err
			}
			token, err := mintToken(subject, r)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "usagectl", "token subject")
	cmd.Flags().StringVar(&role, "role", string(auth.RoleViewer), "admin or viewer")
	return cmd
}

func keygenCmd() *cobra.Command {
	var serviceToken bool
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a payload encryption key, or a service token and its hash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if !serviceToken {
				key, err := storage.GenerateKey(32)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "STORAGE_PAYLOAD_ENCRYPTION_KEY=%s\n", key)
				return nil
			}

			buf := make([]byte, 24)
			if _, err := rand.Read(buf); err != nil {
				return err
			}
			token := "ust_" + base64.RawURLEncoding.EncodeToString(buf)
			hash, err := utils.HashPasswordArgon2(token)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "service token (give to the caller): %s\n", token)
			fmt.Fprintf(out, "ADMIN_TOKEN_HASH=%s\n", hash)
			return nil
		},
	}
	cmd.Flags().BoolVar(&serviceToken, "service-token", false, "generate a service token for /admin/token instead")
	return cmd
}

func printRaw(w io.Writer, raw []byte) error {
	_, err := w.Write(raw)
	return err
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func count(v *int64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatInt(*v, 10)
}
