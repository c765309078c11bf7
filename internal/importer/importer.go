// Package importer picks up workflow export files dropped into a directory
// and saves them to the workflow store.
//
// The directory holds one subdirectory per device:
//
//	<dir>/<device id>/<anything>.json
package importer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/codefionn/scrcpyhub/internal/clock"
	"github.com/codefionn/scrcpyhub/internal/logger"
	"github.com/codefionn/scrcpyhub/internal/workflow"
	"github.com/fsnotify/fsnotify"
)

// Importer watches an import directory. Each distinct file content is
// imported at most once per device for the lifetime of the importer.
type Importer struct {
	dir   string
	store workflow.Store
	clock clock.Clock
	log   *logger.Logger

	mu   sync.Mutex
	seen map[uint64]struct{}
}

// Option configures an Importer.
type Option func(*Importer)

// WithClock sets the clock used for import timestamps.
func WithClock(c clock.Clock) Option {
	return func(im *Importer) { im.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(im *Importer) { im.log = l }
}

// New creates an importer for dir.
func New(dir string, store workflow.Store, opts ...Option) *Importer {
	im := &Importer{
		dir:   dir,
		store: store,
		clock: clock.Real(),
		seen:  make(map[uint64]struct{}),
	}
	for _, opt := range opts {
		opt(im)
	}
	if im.log == nil {
		im.log = logger.Global().WithPrefix("importer")
	}
	return im
}

// Scan imports every pending file below the import directory and returns
// the number of workflows imported.
func (im *Importer) Scan(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(im.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read import directory: %w", err)
	}

	imported := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		imported += im.scanDevice(ctx, filepath.Join(im.dir, entry.Name()))
	}
	return imported, nil
}

func (im *Importer) scanDevice(ctx context.Context, deviceDir string) int {
	entries, err := os.ReadDir(deviceDir)
	if err != nil {
		im.log.Warn("failed to read %s: %v", deviceDir, err)
		return 0
	}

	imported := 0
	for _, entry := range entries {
		if entry.IsDir() || !isExportFile(entry.Name()) {
			continue
		}
		ok, err := im.ImportFile(ctx, filepath.Join(deviceDir, entry.Name()))
		if err != nil {
			im.log.Warn("%v", err)
			continue
		}
		if ok {
			imported++
		}
	}
	return imported
}

// ImportFile imports one export file. The device is the name of the
// directory containing the file. It reports false when the same content
// was already imported for that device.
func (im *Importer) ImportFile(ctx context.Context, path string) (bool, error) {
	deviceID := filepath.Base(filepath.Dir(path))
	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", path, err)
	}

	sum := contentHash(deviceID, data)
	im.mu.Lock()
	_, dup := im.seen[sum]
	im.mu.Unlock()
	if dup {
		return false, nil
	}

	wf, err := workflow.Import(ctx, im.store, deviceID, data, im.clock.Now())
	if err != nil {
		// Not marked as seen: a file still being written is retried on
		// its next write event.
		return false, fmt.Errorf("failed to import %s: %w", path, err)
	}

	im.mu.Lock()
	im.seen[sum] = struct{}{}
	im.mu.Unlock()

	im.log.Info("imported workflow %q (%s) for %s from %s", wf.Name, wf.ID, deviceID, filepath.Base(path))
	return true, nil
}

// Run scans the import directory, then imports files as they appear until
// ctx is done. A missing directory is created.
func (im *Importer) Run(ctx context.Context) error {
	if err := os.MkdirAll(im.dir, 0755); err != nil {
		return fmt.Errorf("failed to create import directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(im.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", im.dir, err)
	}
	entries, err := os.ReadDir(im.dir)
	if err != nil {
		return fmt.Errorf("failed to read import directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			im.watchDevice(watcher, filepath.Join(im.dir, entry.Name()))
		}
	}

	// Watches are in place before the scan so no file falls in between.
	n, err := im.Scan(ctx)
	if err != nil {
		return err
	}
	im.log.Info("watching %s, %d workflows imported at startup", im.dir, n)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			im.handleEvent(ctx, watcher, event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			im.log.Error("import watcher error: %v", err)
		}
	}
}

func (im *Importer) handleEvent(ctx context.Context, watcher *fsnotify.Watcher, event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}

	// A new device directory.
	if filepath.Dir(event.Name) == filepath.Clean(im.dir) {
		info, err := os.Stat(event.Name)
		if err != nil || !info.IsDir() {
			return
		}
		im.watchDevice(watcher, event.Name)
		// Files may have landed before the watch was added.
		im.scanDevice(ctx, event.Name)
		return
	}

	if !isExportFile(event.Name) {
		return
	}
	if _, err := im.ImportFile(ctx, event.Name); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return
		}
		im.log.Debug("%v", err)
	}
}

func (im *Importer) watchDevice(watcher *fsnotify.Watcher, deviceDir string) {
	if err := watcher.Add(deviceDir); err != nil {
		im.log.Warn("failed to watch %s: %v", deviceDir, err)
	}
}

func isExportFile(name string) bool {
	base := filepath.Base(name)
	return strings.HasSuffix(strings.ToLower(base), ".json") && !strings.HasPrefix(base, ".")
}

func contentHash(deviceID string, data []byte) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(deviceID)
	_, _ = d.Write([]byte{0})
	_, _ = d.Write(data)
	return d.Sum64()
}
