package registry

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"gpupool/pkg/types"
)

// Watcher rescans the model directory when its contents change and hands the
// new model list to OnChange. Bursts of events (a multi-GB copy) are coalesced
// with Debounce.
type Watcher struct {
	Dir      string
	Scanner  Scanner
	Debounce time.Duration
	OnChange func([]types.Model)
	Logger   zerolog.Logger
}

// Run watches until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(w.Dir); err != nil {
		return err
	}
	scanner := w.Scanner
	if scanner == nil {
		scanner = NewDirScanner()
	}
	debounce := w.Debounce
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename|fsnotify.Write) == 0 {
				continue
			}
			w.Logger.Debug().Str("path", ev.Name).Str("op", ev.Op.String()).Msg("model dir event")
			timer.Reset(debounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.Logger.Warn().Err(err).Msg("model dir watch error")
		case <-timer.C:
			models, err := scanner.Scan(w.Dir)
			if err != nil {
				w.Logger.Warn().Err(err).Str("dir", w.Dir).Msg("model rescan failed")
				continue
			}
			w.Logger.Info().Int("models", len(models)).Msg("model registry rescanned")
			if w.OnChange != nil {
				w.OnChange(models)
			}
		}
	}
}
