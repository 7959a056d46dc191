package main

import (
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/loomhq/loom/internal/stream"
	"github.com/loomhq/loom/internal/substrate"
)

func newServeCmd() *cobra.Command {
	var (
		addr      string
		watchFile string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the websocket event stream (and optionally watch-import a hive file)",
		RunE: func(cmd *cobra.Command, args []string) error {
			server := stream.NewServer(addr, sub.EventStore, log)
			if err := server.Start(); err != nil {
				return err
			}
			log.Info().Str("addr", addr).Msg("event stream listening")

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

			var watcher *fsnotify.Watcher
			if watchFile != "" {
				p, err := openProject()
				if err != nil {
					_ = server.Stop()
					return err
				}
				w, err := watchImports(cmd, p, watchFile)
				if err != nil {
					_ = server.Stop()
					return err
				}
				watcher = w
			}

			<-stop
			if watcher != nil {
				_ = watcher.Close()
			}
			return server.Stop()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:7338", "Listen address")
	cmd.Flags().StringVar(&watchFile, "watch", "", "JSONL file to import whenever it changes")
	return cmd
}

// watchImports re-imports the hive JSONL whenever the file is written.
// Watching the parent directory survives editors that replace the file.
func watchImports(cmd *cobra.Command, p *substrate.Project, path string) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	target := filepath.Clean(path)

	go func() {
		// Debounce: editors fire several events per save.
		var timer *time.Timer
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(250*time.Millisecond, func() {
					result, err := p.Hive.ImportJSONL(cmd.Context(), target)
					if err != nil {
						log.Warn().Err(err).Str("path", target).Msg("watch import failed")
						return
					}
					log.Info().
						Int("adopted", result.Adopted).
						Int("conflicts", result.Conflicts).
						Msg("watch import applied")
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("watcher error")
			}
		}
	}()
	return watcher, nil
}
