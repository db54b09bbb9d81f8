// Command panupload is a thin CLI front-end over package pool, kept
// deliberately small: the CLI itself is out of scope (spec.md §1's list of
// external collaborators), but the ambient stack still uses the corpus's
// usual flag library rather than hand-rolled os.Args parsing.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/panupload/panupload/config"
	"github.com/panupload/panupload/fs"
	"github.com/panupload/panupload/pool"
	"github.com/panupload/panupload/transport"
	"github.com/panupload/panupload/transport/httptransport"
	"github.com/panupload/panupload/uploader"
)

var (
	rootURL     string
	remoteDir   string
	poolSize    int
	speedLimit  fs.SizeSuffix
	onDup       string
	rapidUpload bool
	verbose     bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "panupload <local-file> [<local-file>...]",
		Short: "Upload local files through the chunked rapid-upload engine",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runUpload,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&rootURL, "url", "", "remote API root URL")
	flags.StringVar(&remoteDir, "remote-dir", "/", "remote directory to upload into")
	flags.IntVar(&poolSize, "pool-size", 5, "maximum concurrent uploads")
	flags.Var(&speedLimit, "bwlimit", "aggregate bandwidth cap (e.g. 10M), 0 or off = unlimited")
	flags.StringVar(&onDup, "on-duplicate", "overwrite", "overwrite|newcopy|skip")
	flags.BoolVar(&rapidUpload, "rapid-upload", true, "attempt rapid upload before chunked transfer")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	return root
}

func runUpload(cmd *cobra.Command, args []string) error {
	if verbose {
		fs.Level = fs.LogLevelDebug
	}
	cfg := config.New()
	cfg.PoolSize = poolSize
	cfg.TotalSpeedLimit = speedLimit
	cfg.OnDuplicate = transport.DuplicatePolicy(onDup)
	cfg.EnableRapidUpload = rapidUpload
	cfg.Validate()

	tr := httptransport.New(http.DefaultClient, rootURL)
	p := pool.New(tr, cfg.PoolSize)
	defer p.Dispose()
	p.SetSpeedLimit(int64(cfg.TotalSpeedLimit))

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer cancel()

	remaining := len(args)
	tasksDone := make(chan struct{})
	unsubscribe := p.Subscribe(func(ev pool.PoolEvent) {
		if ev.Task == nil {
			return
		}
		fs.Infof(ev.Task, "event: %v", ev.Kind)
		switch ev.Kind {
		case uploader.FinishedEvent, uploader.CancelledEvent, uploader.ErrorEvent:
			remaining--
			if remaining <= 0 {
				close(tasksDone)
			}
		}
	})
	defer unsubscribe()

	for _, local := range args {
		p.QueueTask(uploader.TrackedFile{LocalPath: local}, remoteDir+"/"+local, uploader.Options{
			OnDuplicate:       cfg.OnDuplicate,
			EnableRapidUpload: cfg.EnableRapidUpload,
		})
	}
	p.Start()

	select {
	case <-tasksDone:
	case <-ctx.Done():
	}
	return nil
}
