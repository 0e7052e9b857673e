// Package daemon watches the stowage data files for external changes.
//
// Another process (or a crash-recovery tool) may rewrite the preference
// file or the object store database while a serve session is running.
// The daemon watches the data directory with fsnotify, debounces bursts
// of write events, and publishes an external-change event on the bus so
// connected UIs can refresh.
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kestrelworks/stowage/internal/notify"
)

// Config holds configuration for the watcher daemon.
type Config struct {
	// DebounceInterval is how long to wait after the last write before
	// publishing, batching rapid updates together.
	DebounceInterval time.Duration

	// Logger for daemon activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 200 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon watches the data directory and publishes change events.
type Daemon struct {
	dataDir string
	files   map[string]bool
	bus     *notify.Bus
	config  *Config

	watcher *fsnotify.Watcher

	changeQueue   map[string]time.Time
	changeQueueMu sync.Mutex

	mu      sync.Mutex
	running bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Daemon that watches the given store files (all expected
// to live under dataDir) and publishes on bus.
func New(dataDir string, storeFiles []string, bus *notify.Bus, config *Config) (*Daemon, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("dataDir cannot be empty")
	}
	if bus == nil {
		return nil, fmt.Errorf("bus cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	// A non-positive interval would make flushLoop's ticker panic.
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = DefaultConfig().DebounceInterval
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	files := make(map[string]bool, len(storeFiles))
	for _, f := range storeFiles {
		files[filepath.Base(f)] = true
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		dataDir:     dataDir,
		files:       files,
		bus:         bus,
		config:      config,
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start begins watching the data directory. Returns an error if the
// daemon is already running or the directory cannot be watched.
func (d *Daemon) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return fmt.Errorf("daemon already running")
	}

	if err := d.watcher.Add(d.dataDir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", d.dataDir, err)
	}

	d.running = true
	d.wg.Add(2)
	go d.watchLoop()
	go d.flushLoop()

	d.config.Logger.Printf("watching %s", d.dataDir)
	return nil
}

// Stop stops the daemon and blocks until its goroutines exit.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	d.cancel()
	if err := d.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	d.wg.Wait()
	return nil
}

// IsRunning reports whether the daemon is currently watching.
func (d *Daemon) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// watchLoop converts fsnotify events into queued changes.
func (d *Daemon) watchLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			name, ok := d.storeFile(event)
			if !ok {
				continue
			}
			d.changeQueueMu.Lock()
			d.changeQueue[name] = time.Now()
			d.changeQueueMu.Unlock()

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("watch error: %v", err)
		}
	}
}

// storeFile maps an fsnotify event to the store file it affects.
// SQLite writes land in the -wal sidecar between checkpoints, so those
// count as changes to the database file itself.
func (d *Daemon) storeFile(event fsnotify.Event) (string, bool) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return "", false
	}

	name := filepath.Base(event.Name)
	if strings.HasSuffix(name, ".tmp") {
		return "", false
	}
	name = strings.TrimSuffix(strings.TrimSuffix(name, "-wal"), "-shm")
	if !d.files[name] {
		return "", false
	}
	return name, true
}

// flushLoop publishes one event per quiet file after the debounce
// interval elapses.
func (d *Daemon) flushLoop() {
	defer d.wg.Done()

	tick := d.config.DebounceInterval / 2
	if tick <= 0 {
		tick = d.config.DebounceInterval
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			now := time.Now()
			var ready []string

			d.changeQueueMu.Lock()
			for name, last := range d.changeQueue {
				if now.Sub(last) >= d.config.DebounceInterval {
					ready = append(ready, name)
					delete(d.changeQueue, name)
				}
			}
			d.changeQueueMu.Unlock()

			for _, name := range ready {
				d.config.Logger.Printf("external change: %s", name)
				d.bus.Publish(notify.Event{
					Type:    notify.EventExternalChange,
					Summary: "storage changed outside this process",
					Detail:  name,
				})
			}
		}
	}
}
