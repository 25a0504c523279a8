package main

import (
	"cmp"
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/foxzi/mailing/internal/repository"
)

var statsCmd = &cobra.Command{
	Use:   "stats [mailing-id]",
	Short: "Show broadcast and tracking statistics of a mailing",
	Args:  cobra.ExactArgs(1),
	RunE:  runStats,
}

var statsTop int

func init() {
	statsCmd.Flags().IntVar(&statsTop, "top", 10, "Number of entries per ranking")
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	e, err := setup(cmd, false)
	if err != nil {
		return err
	}
	defer e.Close()
	ctx := cmd.Context()

	m, err := findMailing(cmd, repository.NewMailingRepository(e.db), args[0])
	if err != nil {
		return err
	}
	broadcasts, err := repository.NewBroadcastRepository(e.db).ListByMailing(ctx, m.ID)
	if err != nil {
		return err
	}
	ids := make([]int64, 0, len(broadcasts))
	for _, b := range broadcasts {
		ids = append(ids, b.ID)
	}
	stats, err := repository.NewStatHitRepository(e.db).Stats(ctx, ids)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Mailing %d: %s\n", m.ID, m.Names.Lookup(e.cfg.Mailing.Languages...))
	for _, b := range broadcasts {
		ended := "running"
		if b.Ended != nil {
			ended = b.Ended.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(out, "  Broadcast %d: %s -> %s, %d emails\n", b.ID, b.Started.Format("2006-01-02 15:04"), ended, b.EmailSentCount)
	}
	fmt.Fprintf(out, "\nEmails sent: %d\n", stats.EmailsSent)
	fmt.Fprintf(out, "Opens: %d", stats.Opens)
	if stats.EmailsSent > 0 {
		fmt.Fprintf(out, " (%.1f%%)", float64(stats.Opens)*100/float64(stats.EmailsSent))
	}
	fmt.Fprintf(out, "\nHits: %d\n", stats.Hits)

	printRanking(out, "Clicks", stats.Clicks, statsTop)
	printRanking(out, "Browsers", stats.Browsers, statsTop)
	printRanking(out, "Operating systems", stats.OSes, statsTop)
	return nil
}

// printRanking writes the top n entries of counts, highest first
func printRanking(w io.Writer, title string, counts map[string]int, n int) {
	if len(counts) == 0 {
		return
	}
	keys := slices.SortedFunc(maps.Keys(counts), func(a, b string) int {
		if c := cmp.Compare(counts[b], counts[a]); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	if n > 0 && len(keys) > n {
		keys = keys[:n]
	}
	fmt.Fprintf(w, "\n%s:\n", title)
	for _, k := range keys {
		fmt.Fprintf(w, "  %6d  %s\n", counts[k], k)
	}
}
