// Package outputs discovers the image files a render writes to its output
// folder.
package outputs

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Extensions lists the image formats treated as render output
var Extensions = []string{".png", ".jpg", ".jpeg", ".exr", ".tiff", ".tif", ".tga"}

// IsImage reports whether path has a render output extension
func IsImage(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// Watcher starts per-folder watch sessions
type Watcher struct {
	logger *zap.Logger
}

// New creates a Watcher
func New(logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{logger: logger.Named("outputs")}
}

// Watch records image files created or written under dir until the
// returned stop func is called. stop returns the files sorted by path. The
// folder is created if it does not exist yet.
func (w *Watcher) Watch(dir string) (func() []string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}

	s := &session{
		dir:     dir,
		since:   time.Now().Add(-time.Second),
		watcher: fw,
		files:   make(map[string]struct{}),
		done:    make(chan struct{}),
		logger:  w.logger,
	}
	go s.run()

	var once sync.Once
	var result []string
	return func() []string {
		once.Do(func() { result = s.stop() })
		return result
	}, nil
}

type session struct {
	dir     string
	since   time.Time
	watcher *fsnotify.Watcher
	logger  *zap.Logger

	mu    sync.Mutex
	files map[string]struct{}
	done  chan struct{}
}

func (s *session) run() {
	defer close(s.done)
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handleEvent(event)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("watching output folder", zap.String("folder", s.dir), zap.Error(err))
		}
	}
}

func (s *session) handleEvent(event fsnotify.Event) {
	// Only care about writes and creates
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := s.watcher.Add(event.Name); err != nil {
				s.logger.Warn("watching output subfolder", zap.String("folder", event.Name), zap.Error(err))
			}
			return
		}
	}
	if !IsImage(event.Name) {
		return
	}
	s.mu.Lock()
	s.files[event.Name] = struct{}{}
	s.mu.Unlock()
}

// stop ends the session. A final scan picks up files whose events were
// missed, such as those written before a subfolder watch was added.
func (s *session) stop() []string {
	s.watcher.Close()
	<-s.done

	_ = filepath.WalkDir(s.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !IsImage(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.ModTime().Before(s.since) {
			return nil
		}
		s.files[path] = struct{}{}
		return nil
	})

	files := make([]string, 0, len(s.files))
	for f := range s.files {
		if _, err := os.Stat(f); err == nil {
			files = append(files, f)
		}
	}
	sort.Strings(files)
	return files
}
