package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"swarm-dl/internal/config"
	"swarm-dl/internal/downloader"
	"swarm-dl/internal/history"
	"swarm-dl/internal/remote/blobremote"
	"swarm-dl/internal/remote/httpremote"
	"swarm-dl/internal/ui"
	"swarm-dl/internal/units"
)

type getOptions struct {
	output       string
	bucket       string
	tokenParam   string
	sessionsFile string
	anonymous    int
	chunkSize    string
	size         int64
	noTUI        bool
	keepPartial  bool
	doh          bool
	logFile      string
}

func newGetCmd() *cobra.Command {
	var o getOptions
	cmd := &cobra.Command{
		Use:   "get <url|object>",
		Short: "Download one file using every configured session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(cmd.Context(), args[0], o)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&o.output, "output", "o", "", "Output filename (default: last path element of the source)")
	f.StringVar(&o.bucket, "bucket", "", "Read the object from this bucket URL (s3://, file://, mem://) instead of HTTP")
	f.StringVar(&o.tokenParam, "token-param", "", "Bucket URL query parameter that carries each session token")
	f.StringVar(&o.sessionsFile, "sessions-file", "", "YAML file listing session credentials")
	f.IntVarP(&o.anonymous, "sessions", "n", 4, "Number of anonymous sessions when no credentials are configured")
	f.StringVar(&o.chunkSize, "chunk-size", "", "Chunk size, e.g. 512KiB or 1MiB")
	f.Int64Var(&o.size, "size", downloader.SizeUnknown, "Known file size in bytes (skips the metadata request)")
	f.BoolVar(&o.noTUI, "no-tui", false, "Print plain progress lines instead of the interactive view")
	f.BoolVar(&o.keepPartial, "keep-partial", false, "Keep the .part file when the download fails")
	f.BoolVarP(&o.doh, "doh", "s", false, "Resolve hosts with DNS over HTTPS")
	f.StringVar(&o.logFile, "log-file", "", "Write logs to this file")
	return cmd
}

func loadConfig(o getOptions) (config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.LoadFromFile(configPath); err != nil {
			return cfg, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return cfg, err
	}

	override := config.Config{
		KeepPartial: o.keepPartial,
		DoH:         o.doh,
		History:     historyPath,
	}
	if o.sessionsFile != "" {
		creds, err := config.LoadSessions(o.sessionsFile)
		if err != nil {
			return cfg, err
		}
		override.Sessions = creds
	}
	if o.chunkSize != "" {
		n, err := units.ParseBytes(o.chunkSize)
		if err != nil {
			return cfg, fmt.Errorf("--chunk-size: %w", err)
		}
		override.ChunkSize = n
	}
	cfg = cfg.Merge(override)

	if len(cfg.Sessions) == 0 {
		for i := range o.anonymous {
			cfg.Sessions = append(cfg.Sessions, downloader.Credential{ID: fmt.Sprintf("anonymous-%d", i+1)})
		}
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg config.Config, o getOptions) (*slog.Logger, func(), error) {
	if o.logFile != "" {
		f, err := os.OpenFile(o.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		return cfg.NewLogger(f), func() { f.Close() }, nil
	}
	if o.noTUI {
		return cfg.NewLogger(os.Stderr), func() {}, nil
	}
	// The TUI owns the terminal.
	return cfg.NewLogger(io.Discard), func() {}, nil
}

func newDialer(cfg config.Config, o getOptions, logger *slog.Logger) downloader.Dialer {
	if o.bucket != "" {
		return blobremote.NewDialer(blobremote.Options{
			BucketURL:    o.bucket,
			TokenParam:   o.tokenParam,
			Cooldown:     cfg.Retry.RateLimitWait,
			MaxChunkSize: cfg.MaxChunkSize,
			Logger:       logger,
		})
	}
	return httpremote.NewDialer(httpremote.Options{
		Timeout:           cfg.RequestTimeout,
		UseDoH:            cfg.DoH,
		RequestsPerSecond: cfg.RequestsPerSecond,
		MaxChunkSize:      cfg.MaxChunkSize,
		Logger:            logger,
	})
}

// outputName derives a filename from a URL or object key.
func outputName(source string) string {
	if u, err := url.Parse(source); err == nil && u.Scheme != "" {
		source = u.Path
	}
	name := path.Base(source)
	if name == "." || name == "/" || name == "" {
		return "download.bin"
	}
	return name
}

func runGet(ctx context.Context, source string, o getOptions) error {
	cfg, err := loadConfig(o)
	if err != nil {
		return err
	}
	logger, closeLog, err := newLogger(cfg, o)
	if err != nil {
		return err
	}
	defer closeLog()

	dest := o.output
	if dest == "" {
		dest = outputName(source)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	engCfg := downloader.Config{
		Job: downloader.Job{
			Handle:      downloader.Handle(source),
			TotalSize:   o.size,
			Destination: dest,
		},
		Credentials:      cfg.Sessions,
		Dialer:           newDialer(cfg, o, logger),
		ChunkSize:        cfg.ChunkSize,
		Retry:            cfg.Retry.Policy(),
		ProgressInterval: cfg.ProgressInterval,
		KeepPartial:      cfg.KeepPartial,
		Logger:           logger,
	}

	var p *tea.Program
	if o.noTUI {
		printer := ui.NewPrinter(os.Stdout)
		engCfg.OnProgress = printer.Progress
		engCfg.OnState = printer.State
	} else {
		p = tea.NewProgram(ui.NewModel(source, cancel))
		engCfg.OnProgress = func(s downloader.Snapshot) { p.Send(ui.ProgressMsg(s)) }
		engCfg.OnState = func(s downloader.State) { p.Send(ui.StateMsg(s)) }
	}

	eng := downloader.NewEngine(engCfg)
	started := time.Now()

	if p == nil {
		err = eng.Start(ctx)
	} else {
		errc := make(chan error, 1)
		go func() {
			err := eng.Start(ctx)
			p.Send(ui.DoneMsg{Err: err})
			errc <- err
		}()
		if _, uerr := p.Run(); uerr != nil {
			cancel()
			logger.Error("Terminal UI failed", "error", uerr)
		}
		err = <-errc
	}

	recordJob(cfg, eng, started, err, logger)
	if err != nil {
		return err
	}
	fmt.Printf("Saved %s (%s) as job %s\n", dest, units.FormatBytes(eng.Stats.Snapshot().Total), eng.JobID())
	return nil
}

func recordJob(cfg config.Config, eng *downloader.Engine, started time.Time, jobErr error, logger *slog.Logger) {
	dbPath := resolveHistoryPath(cfg.History)
	if dbPath == "" {
		return
	}
	store, err := history.Open(dbPath)
	if err != nil {
		logger.Warn("Opening history", "error", err)
		return
	}
	defer store.Close()

	snap := eng.Stats.Snapshot()
	rec := history.Record{
		ID:          eng.JobID(),
		Handle:      string(eng.Config.Job.Handle),
		Destination: eng.Config.Job.Destination,
		Size:        snap.Total,
		Bytes:       snap.Bytes,
		State:       eng.State().String(),
		Chunks:      len(eng.Tasks()),
		Sessions:    eng.Sessions(),
		Started:     started,
		Finished:    time.Now(),
	}
	if jobErr != nil {
		rec.Error = jobErr.Error()
	}
	if err := store.Put(rec); err != nil {
		logger.Warn("Recording job", "error", err)
	}
}
