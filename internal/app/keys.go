package app

import (
	"context"
	"fmt"
	"io"

	"github.com/eiannone/keyboard"
	log "github.com/sirupsen/logrus"
)

// cancelOnKeypress cancels the returned context when q, Esc or Ctrl-C is
// pressed. Batches already running stop at their next file. Without a
// terminal the run continues and only signals stop it.
func cancelOnKeypress(ctx context.Context, w io.Writer) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	keys, err := keyboard.GetKeys(8)
	if err != nil {
		log.WithError(err).Warn("Keyboard unavailable, interactive stop disabled")
		return ctx, cancel
	}
	fmt.Fprintln(w, "Press q or Esc to stop the run")

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-keys:
				if !ok {
					return
				}
				if ev.Err != nil {
					log.WithError(ev.Err).Debug("Keyboard read failed")
					continue
				}
				if isStopKey(ev.Rune, ev.Key) {
					log.Warn("Stop requested, remaining batches will not be processed")
					cancel()
					return
				}
			}
		}
	}()

	return ctx, func() {
		cancel()
		if err := keyboard.Close(); err != nil {
			log.WithError(err).Debug("Keyboard close failed")
		}
	}
}

func isStopKey(r rune, key keyboard.Key) bool {
	return r == 'q' || r == 'Q' || key == keyboard.KeyEsc || key == keyboard.KeyCtrlC
}
