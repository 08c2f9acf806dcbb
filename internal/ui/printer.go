package ui

import (
	"fmt"
	"io"
	"sync"

	"swarm-dl/internal/downloader"
)

// Printer writes progress as plain lines, for terminals without a TUI and
// for redirected output.
type Printer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewPrinter returns a Printer writing to w.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

// Progress is suitable as downloader.Config.OnProgress.
func (p *Printer) Progress(s downloader.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, FormatSnapshot(s))
}

// State is suitable as downloader.Config.OnState.
func (p *Printer) State(s downloader.State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "[%s]\n", s)
}
