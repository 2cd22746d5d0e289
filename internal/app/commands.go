package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"

	"github.com/chmdznr/batchsync/internal/ledger"
	"github.com/chmdznr/batchsync/internal/notify"
)

func signalContext(c *cli.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
}

func runAction(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signalContext(c)
	defer stop()
	if c.Bool("interactive") {
		var release func()
		ctx, release = cancelOnKeypress(ctx, c.App.ErrWriter)
		defer release()
	}

	summary, err := e.runOnce(ctx, runOptions{workers: c.Int("workers"), progress: c.Bool("progress")})
	if summary.RunID != "" {
		printSummary(c.App.Writer, summary)
	}
	if err != nil {
		return cli.Exit(fmt.Sprintf("run aborted: %v", err), 1)
	}
	if !summary.Succeeded() {
		return cli.Exit("run finished with failed batches", 1)
	}
	return nil
}

func statusAction(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.Close()

	l, err := e.openLedger()
	if err != nil {
		return err
	}
	defer l.Close()

	stats, err := l.Summary()
	if err != nil {
		return fmt.Errorf("failed to get stats: %v", err)
	}

	w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Ledger:\t%s (%s)\n", e.cfg.Ledger.Path, e.cfg.Ledger.Backend)
	fmt.Fprintf(w, "Transfers:\t%s (%s ok, %s)\n", humanize.Comma(int64(stats.TotalTransfers)),
		humanize.Comma(int64(stats.SuccessfulTransfers)), failedCount(stats.FailedTransfers))
	fmt.Fprintf(w, "Batches:\t%s\n", humanize.Comma(int64(stats.UniqueBatches)))
	fmt.Fprintf(w, "Transferred:\t%s\n", stats.HumanReadableSize)
	fmt.Fprintf(w, "Last transfer:\t%s\n", since(stats.LastTransfer))
	fmt.Fprintf(w, "Last cleanup:\t%s\n", since(stats.LastCleanup))

	history := notify.NewHistoryNotifier(e.cfg.Notifications.HistoryFile)
	runs, err := history.Load()
	if err != nil {
		log.WithError(err).Warn("Cannot read run history")
	}
	if len(runs) > 0 {
		last := runs[len(runs)-1]
		fmt.Fprintf(w, "Last run:\t%s %s, %s\n", verdict(last), humanize.Time(last.StartedAt), runCounts(last))
	}
	return w.Flush()
}

func pendingAction(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.Close()

	l, err := e.openLedger()
	if err != nil {
		return err
	}
	defer l.Close()

	batchID := c.String("batch")
	pending, err := l.PendingFailures(batchID)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		fmt.Fprintf(c.App.Writer, "No pending failures for batch %s\n", batchID)
		return nil
	}

	w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FILE\tFAILED\tDESTINATION\tERROR")
	for _, rec := range pending {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", rec.FilePath, humanize.Time(rec.Timestamp.Time), rec.DestFolder, rec.Error)
	}
	return w.Flush()
}

func markCompleteAction(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.Close()

	l, err := e.openLedger()
	if err != nil {
		return err
	}
	defer l.Close()

	batchID, file := c.String("batch"), c.String("file")
	if err := l.MarkComplete(batchID, file); err != nil {
		if errors.Is(err, ledger.ErrNoFailure) {
			return cli.Exit(fmt.Sprintf("no failed transfer of %s in batch %s", file, batchID), 1)
		}
		return err
	}
	fmt.Fprintf(c.App.Writer, "Marked %s in batch %s as complete\n", file, batchID)
	return nil
}

func pruneAction(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.Close()

	l, err := e.openLedger()
	if err != nil {
		return err
	}
	defer l.Close()

	days := c.Int("days")
	if days <= 0 {
		days = e.cfg.Ledger.RetentionDays
	}
	removed, ran, err := l.Prune(days)
	if err != nil {
		return err
	}
	if !ran {
		fmt.Fprintln(c.App.Writer, "Ledger cleanup already ran today")
		return nil
	}
	fmt.Fprintf(c.App.Writer, "Removed %s records older than %d days\n", humanize.Comma(int64(removed)), days)
	return nil
}

func manifestAction(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signalContext(c)
	defer stop()

	criteria := e.cfg.Excel.FilterCriteria
	records, err := e.manifestReader().ReadUnreleased(ctx, e.cfg.Paths.ExcelFile,
		criteria.InitialsColumn, criteria.InitialsValue, criteria.ReleaseStatusColumn)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintf(c.App.Writer, "No unreleased batches for %s\n", criteria.InitialsValue)
		return nil
	}

	l, err := e.openLedger()
	if err != nil {
		return err
	}
	defer l.Close()
	res := e.resolver()

	w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ROW\tBATCH\tSOURCE FOLDER\tLEDGER")
	for _, rec := range records {
		if !rec.HasID() {
			fmt.Fprintf(w, "%d\t%s\t\t\n", rec.Row, color.RedString(rec.ID))
			continue
		}
		folder := color.RedString("not found")
		if found, err := res.Resolve(rec.ID); err != nil {
			folder = color.RedString(err.Error())
		} else if found.Found {
			folder = found.Path
		}

		state := "new"
		if st, err := l.BatchStatus(rec.ID); err != nil {
			state = color.RedString(err.Error())
		} else if st.Complete() {
			state = color.GreenString("complete")
		} else if st.Pending > 0 {
			state = color.YellowString("%d pending", st.Pending)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", rec.Row, rec.ID, folder, state)
	}
	return w.Flush()
}

func vpnStatusAction(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.Close()

	g := e.guard()
	name := e.cfg.VPN.ConnectionName
	switch {
	case g.Bypassed():
		fmt.Fprintf(c.App.Writer, "VPN %q: %s\n", name, color.YellowString("check bypassed"))
	default:
		up, err := g.IsConnected(c.Context, name)
		if err != nil {
			return err
		}
		state := color.RedString("disconnected")
		if up {
			state = color.GreenString("connected")
		}
		fmt.Fprintf(c.App.Writer, "VPN %q: %s\n", name, state)
	}

	reachable, _ := afero.DirExists(e.fs, e.cfg.Paths.RemoteServer)
	share := color.RedString("unreachable")
	if reachable {
		share = color.GreenString("reachable")
	}
	fmt.Fprintf(c.App.Writer, "Remote share %s: %s\n", e.cfg.Paths.RemoteServer, share)
	return nil
}

func vpnConnectAction(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signalContext(c)
	defer stop()
	v := e.cfg.VPN
	if err := e.guard().EnsureConnected(ctx, v.ConnectionName, v.AttemptTimeoutDuration(), v.MaxRetries); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	fmt.Fprintf(c.App.Writer, "VPN %q connected\n", v.ConnectionName)
	return nil
}

func vpnDisconnectAction(c *cli.Context) error {
	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.Close()

	if err := e.guard().Disconnect(c.Context, e.cfg.VPN.ConnectionName); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "VPN %q disconnected\n", e.cfg.VPN.ConnectionName)
	return nil
}
