// Package downloader fetches one remote file over several independent
// sessions at once.
//
// The file is split into fixed-size chunks by a Scheduler. Each Session in
// the Pool runs a worker that pulls chunks, fetches their byte range and
// writes it straight into a pre-sized ".part" file through a FileSink. A
// RetryPolicy decides what happens when a fetch fails: transient errors back
// off exponentially, rate-limit signals wait exactly as long as the remote
// asked without spending the retry budget, and fatal errors stop the job.
//
// The destination path only ever holds a complete file. A job that fails or
// is cancelled leaves nothing there, and removes its ".part" file unless
// Config.KeepPartial is set.
//
// Basic usage:
//
//	eng := downloader.NewEngine(downloader.Config{
//		Job: downloader.Job{
//			Handle:      "https://example.com/large.iso",
//			TotalSize:   downloader.SizeUnknown,
//			Destination: "large.iso",
//		},
//		Credentials: creds,
//		Dialer:      httpremote.NewDialer(httpremote.Options{}),
//	})
//	if err := eng.Start(ctx); err != nil {
//		return err
//	}
package downloader
