package cli

import (
	"fmt"
	"log/slog"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/roach88/carrier/internal/ir"
	"github.com/roach88/carrier/internal/store"
)

// QueueEntry is one pending request as shown by queue list.
type QueueEntry struct {
	RequestID   string    `json:"request_id"`
	Class       string    `json:"class"`
	Endpoint    string    `json:"endpoint"`
	Parameters  ir.Object `json:"parameters"`
	RequestDate int64     `json:"request_date"`
	Retries     int       `json:"retries"`
	RetryDelay  float64   `json:"retry_delay"`
	Attachment  int       `json:"attachment_bytes,omitempty"`
}

// QueueListing is the output of queue list.
type QueueListing struct {
	Path              string       `json:"path"`
	InstallDate       time.Time    `json:"install_date"`
	InstallMetricSent bool         `json:"install_metric_sent"`
	Entries           []QueueEntry `json:"entries"`
}

func (l QueueListing) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "store %s (installed %s, install metric sent: %t)\n",
		l.Path, humanize.Time(l.InstallDate), l.InstallMetricSent)
	if len(l.Entries) == 0 {
		b.WriteString("no pending requests")
		return b.String()
	}

	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "REQUEST ID\tCLASS\tENDPOINT\tAGE\tRETRIES\tNEXT DELAY\tATTACHMENT")
	for _, e := range l.Entries {
		attachment := "-"
		if e.Attachment > 0 {
			attachment = humanize.Bytes(uint64(e.Attachment))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%.2fs\t%s\n",
			e.RequestID, e.Class, e.Endpoint,
			humanize.Time(time.Unix(e.RequestDate, 0)),
			e.Retries, e.RetryDelay, attachment)
	}
	tw.Flush()
	fmt.Fprintf(&b, "%d pending", len(l.Entries))
	return b.String()
}

func listQueue(st *store.Store) QueueListing {
	listing := QueueListing{
		Path:              st.Path(),
		InstallDate:       st.InstallDate(),
		InstallMetricSent: st.InstallMetricSent(),
		Entries:           []QueueEntry{},
	}
	for _, entry := range st.Entries() {
		req := entry.Request()
		listing.Entries = append(listing.Entries, QueueEntry{
			RequestID:   req.RequestID,
			Class:       req.ServiceClass.String(),
			Endpoint:    req.Endpoint,
			Parameters:  req.Parameters,
			RequestDate: req.RequestDate,
			Retries:     entry.Retries(),
			RetryDelay:  req.RetryDelay,
			Attachment:  len(req.Attachment),
		})
	}
	return listing
}

// NewQueueCommand creates the queue command and its subcommands.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the pending-request store",
		Long: `Inspect or edit the local store without contacting the backend.

Opening the store applies the max_age limit, and an unreadable store file
is moved aside and replaced, exactly as when the engine starts.`,
	}
	cmd.AddCommand(newQueueListCommand(rootOpts))
	cmd.AddCommand(newQueueRemoveCommand(rootOpts))
	return cmd
}

func newQueueListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending requests",
		Example: `  carrier queue list --store-path carrier.db
  carrier queue list --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			st, err := openLocalStore(opts, cmd)
			if err != nil {
				return f.Fail(ExitCommandError, ErrCodeStore, "failed to open store", err)
			}
			defer st.Close()
			return f.Success(listQueue(st))
		},
	}
}

func newQueueRemoveCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "remove <request-id>...",
		Short:         "Remove pending requests without delivering them",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			st, err := openLocalStore(opts, cmd)
			if err != nil {
				return f.Fail(ExitCommandError, ErrCodeStore, "failed to open store", err)
			}
			defer st.Close()

			byID := make(map[string]*store.PendingEntry)
			for _, e := range st.Entries() {
				byID[e.ID()] = e
			}
			var missing []string
			removed := 0
			for _, id := range args {
				if st.Remove(byID[id]) {
					removed++
					f.VerboseLog("removed %s", id)
				} else {
					missing = append(missing, id)
				}
			}
			if len(missing) > 0 {
				return f.Fail(ExitFailure, ErrCodeStore,
					fmt.Sprintf("%d request(s) not pending: %s", len(missing), strings.Join(missing, ", ")), nil)
			}
			return f.Success(fmt.Sprintf("removed %d request(s)", removed))
		},
	}
}

// openLocalStore opens the configured store without validating backend
// credentials.
func openLocalStore(opts *RootOptions, cmd *cobra.Command) (*store.Store, error) {
	cfg, err := opts.mergeConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := opts.newLogger(cmd.ErrOrStderr(), cfg)
	return store.Open(cfg.StorePath,
		store.WithLogger(logger.With(slog.String("component", "queue"))),
		store.WithMaxAge(cfg.MaxAge))
}
