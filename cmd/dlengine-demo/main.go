// Command dlengine-demo wires the engine together as an in-process
// library with a stub catalog and a stdout event sink, replacing the
// teacher's Wails-based cmd/builder + root app.go/main.go (the host
// windowing/UI layer is out of scope per spec.md §1).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/tachyon-labs/dlengine/internal/catalog"
	"github.com/tachyon-labs/dlengine/internal/config"
	"github.com/tachyon-labs/dlengine/internal/engine"
	"github.com/tachyon-labs/dlengine/internal/events"
	"github.com/tachyon-labs/dlengine/internal/logger"
	"github.com/tachyon-labs/dlengine/internal/storage"
)

func main() {
	var (
		url          = flag.String("url", "", "URL to download")
		title        = flag.String("title", "", "file title (save name)")
		downloadPath = flag.String("dir", ".", "destination directory")
		dataDir      = flag.String("data-dir", defaultDataDir(), "engine data directory (db + logs)")
	)
	flag.Parse()

	if *url == "" || *title == "" {
		fmt.Fprintln(os.Stderr, "usage: dlengine-demo -url=... -title=... [-dir=.] [-data-dir=...]")
		os.Exit(2)
	}

	if err := run(*url, *title, *downloadPath, *dataDir); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func defaultDataDir() string {
	if ucd, err := os.UserConfigDir(); err == nil {
		return filepath.Join(ucd, "dlengine")
	}
	return "."
}

func run(url, title, downloadPath, dataDir string) error {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return err
	}

	log, err := logger.New(dataDir, os.Stdout)
	if err != nil {
		return err
	}

	store, err := storage.Open(filepath.Join(dataDir, "downloads.db"), log)
	if err != nil {
		return err
	}
	defer store.Close()

	cfg := config.Defaults()
	cfg.DataDir = dataDir

	cat := catalog.NewStaticReader()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	eng := engine.New(&cfg, store, cat, stdoutSink, log)
	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer eng.Shutdown()

	id := int64(1)
	cat.Files[id] = catalog.FileInfo{URL: url, Title: title}

	if err := eng.Submit(engine.SubmitRequest{
		ID:           id,
		Title:        title,
		DownloadPath: downloadPath,
		Priority:     1,
	}); err != nil {
		return err
	}

	<-ctx.Done()
	return nil
}

func stdoutSink(e events.Event) {
	fmt.Printf("[%s] id=%d %+v\n", e.Type, e.ID, e.Payload)
}
