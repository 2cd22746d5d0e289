package app

import (
	"fmt"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

// scheduledJob wraps fn so that a run still in progress makes the next tick a
// no-op instead of an overlapping run.
func scheduledJob(fn func()) cron.Job {
	return cron.NewChain(cron.SkipIfStillRunning(cron.PrintfLogger(log.StandardLogger()))).Then(cron.FuncJob(fn))
}

func watchAction(c *cli.Context) error {
	expr := c.String("schedule")
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", expr, err)
	}

	e, err := setup(c)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, stop := signalContext(c)
	defer stop()

	opts := runOptions{workers: c.Int("workers"), progress: c.Bool("progress")}
	job := scheduledJob(func() {
		summary, err := e.runOnce(ctx, opts)
		if err != nil {
			log.WithError(err).Error("Scheduled run aborted")
			return
		}
		printSummary(c.App.Writer, summary)
		log.WithField("run", summary.RunID).Infof("Next run at %s", schedule.Next(e.clock.Now()).Format("2006-01-02 15:04"))
	})

	if c.Bool("now") {
		job.Run()
		if ctx.Err() != nil {
			return nil
		}
	}

	scheduler := cron.New()
	scheduler.Schedule(schedule, job)
	scheduler.Start()
	log.Infof("Watching on schedule %q, first run at %s", expr, schedule.Next(e.clock.Now()).Format("2006-01-02 15:04"))

	<-ctx.Done()
	log.Info("Stopping scheduler, waiting for the current run")
	<-scheduler.Stop().Done()
	return nil
}
