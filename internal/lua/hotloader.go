package lua

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"go.uber.org/zap"
)

// Reloader applies script file changes.
type Reloader interface {
	Reload(ctx context.Context, path string) error
	Remove(path string)
}

// HotLoader watches the script directory and reloads files that change.
// Symlinked scripts are followed: their target directory is watched too.
type HotLoader struct {
	logger   *zap.Logger
	dir      string
	watcher  *fsnotify.Watcher
	reloader Reloader
	clock    clock.Clock

	// symlink tracking
	symlinkTargets map[string]string // script path -> resolved target dir
	watchedDirs    map[string]int    // dir path -> reference count
	mu             sync.Mutex

	// debouncing
	pendingReloads map[string]time.Time
	debounceMu     sync.Mutex
	debounceDelay  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHotLoader creates a hot loader for dir. Pass nil for the wall clock.
func NewHotLoader(dir string, reloader Reloader, clk clock.Clock, logger *zap.Logger) (*HotLoader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Trace(err)
	}
	if clk == nil {
		clk = clock.WallClock
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &HotLoader{
		logger:         logger.Named("hotload"),
		dir:            filepath.Clean(dir),
		watcher:        watcher,
		reloader:       reloader,
		clock:          clk,
		symlinkTargets: make(map[string]string),
		watchedDirs:    make(map[string]int),
		pendingReloads: make(map[string]time.Time),
		debounceDelay:  100 * time.Millisecond,
		ctx:            ctx,
		cancel:         cancel,
	}, nil
}

// Start begins watching for file changes.
func (h *HotLoader) Start() error {
	if err := h.addWatch(h.dir); err != nil {
		return errors.Annotatef(err, "watching %s", h.dir)
	}
	if err := h.scanSymlinks(); err != nil {
		h.logger.Warn("scanning symlinks", zap.Error(err))
	}
	h.wg.Go(h.eventLoop)
	h.wg.Go(h.debounceLoop)
	h.logger.Info("watching for changes", zap.String("dir", h.dir))
	return nil
}

// Stop stops watching and waits for pending work.
func (h *HotLoader) Stop() error {
	h.cancel()
	err := h.watcher.Close()
	h.wg.Wait()
	return errors.Trace(err)
}

// Run starts the loader and stops it when ctx ends.
func (h *HotLoader) Run(ctx context.Context) error {
	if err := h.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return h.Stop()
}

// scanSymlinks watches the target directories of symlinked scripts.
func (h *HotLoader) scanSymlinks() error {
	entries, err := os.ReadDir(h.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".lua") {
			h.updateSymlinkWatch(filepath.Join(h.dir, entry.Name()))
		}
	}
	return nil
}

// updateSymlinkWatch checks if a file is a symlink and updates watches accordingly.
func (h *HotLoader) updateSymlinkWatch(filePath string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	info, err := os.Lstat(filePath)
	if err != nil {
		return
	}
	if oldTarget, ok := h.symlinkTargets[filePath]; ok {
		h.removeWatchLocked(oldTarget)
		delete(h.symlinkTargets, filePath)
	}
	if info.Mode()&os.ModeSymlink == 0 {
		return
	}
	target, err := filepath.EvalSymlinks(filePath)
	if err != nil {
		h.logger.Debug("cannot resolve symlink", zap.String("file", filePath), zap.Error(err))
		return
	}
	targetDir := filepath.Dir(target)
	h.symlinkTargets[filePath] = targetDir
	if err := h.addWatchLocked(targetDir); err != nil {
		h.logger.Warn("watching symlink target", zap.String("dir", targetDir), zap.Error(err))
	}
}

func (h *HotLoader) removeSymlinkWatch(filePath string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if targetDir, ok := h.symlinkTargets[filePath]; ok {
		h.removeWatchLocked(targetDir)
		delete(h.symlinkTargets, filePath)
	}
}

func (h *HotLoader) addWatch(dir string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.addWatchLocked(dir)
}

func (h *HotLoader) addWatchLocked(dir string) error {
	h.watchedDirs[dir]++
	if h.watchedDirs[dir] == 1 {
		if err := h.watcher.Add(dir); err != nil {
			h.watchedDirs[dir]--
			return err
		}
	}
	return nil
}

func (h *HotLoader) removeWatchLocked(dir string) {
	h.watchedDirs[dir]--
	if h.watchedDirs[dir] <= 0 {
		h.watcher.Remove(dir)
		delete(h.watchedDirs, dir)
	}
}

func (h *HotLoader) eventLoop() {
	for {
		select {
		case <-h.ctx.Done():
			return
		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			h.handleEvent(event)
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (h *HotLoader) handleEvent(event fsnotify.Event) {
	if !strings.HasSuffix(event.Name, ".lua") {
		return
	}
	h.logger.Debug("file event", zap.String("op", event.Op.String()), zap.String("file", event.Name))

	if filepath.Dir(event.Name) == h.dir {
		switch {
		case event.Has(fsnotify.Create):
			h.updateSymlinkWatch(event.Name)
		case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
			h.removeSymlinkWatch(event.Name)
		}
	}
	if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
		event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		h.queueReload(event.Name)
	}
}

func (h *HotLoader) queueReload(filePath string) {
	h.debounceMu.Lock()
	h.pendingReloads[filePath] = h.clock.Now()
	h.debounceMu.Unlock()
}

func (h *HotLoader) debounceLoop() {
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-h.clock.After(h.debounceDelay / 2):
			h.processPendingReloads()
		}
	}
}

// processPendingReloads handles files that have been quiet for debounceDelay.
func (h *HotLoader) processPendingReloads() {
	h.debounceMu.Lock()
	now := h.clock.Now()
	var ready []string
	for path, queuedAt := range h.pendingReloads {
		if now.Sub(queuedAt) >= h.debounceDelay {
			ready = append(ready, path)
			delete(h.pendingReloads, path)
		}
	}
	h.debounceMu.Unlock()

	for _, path := range ready {
		h.apply(path)
	}
}

// apply reloads the script behind a changed path, or removes it when the
// script is gone.
func (h *HotLoader) apply(changed string) {
	target := h.resolveReloadPath(changed)
	if target == "" {
		if filepath.Dir(changed) == h.dir {
			h.reloader.Remove(changed)
		}
		return
	}
	if err := h.reloader.Reload(h.ctx, target); err != nil {
		h.logger.Error("reloading script", zap.String("file", target), zap.Error(err))
	}
}

// resolveReloadPath maps a changed path to the script to reload.
func (h *HotLoader) resolveReloadPath(changedPath string) string {
	if filepath.Dir(changedPath) == h.dir {
		if _, err := os.Stat(changedPath); err != nil {
			return ""
		}
		return changedPath
	}

	// a change in a symlink target directory
	h.mu.Lock()
	defer h.mu.Unlock()
	changedDir := filepath.Dir(changedPath)
	changedBase := filepath.Base(changedPath)
	for scriptPath, targetDir := range h.symlinkTargets {
		if targetDir != changedDir {
			continue
		}
		target, err := filepath.EvalSymlinks(scriptPath)
		if err == nil && filepath.Base(target) == changedBase {
			return scriptPath
		}
	}
	return ""
}
