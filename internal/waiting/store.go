// Package waiting serves the pre-rendered filler phrases ("one moment...")
// played while a reply is being generated.
//
// [Store] loads the rendered μ-law clips from disk once and hands out their
// frames to any number of calls. [Catalogue] maps the language model's
// free-text waiting hint to one of the known phrases.
package waiting

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/callbridge/pkg/audio"
)

// ErrClipNotFound is returned by [Store.Get] for an unknown clip id.
var ErrClipNotFound = errors.New("waiting: clip not found")

// DefaultExtension is the file extension of rendered clips.
const DefaultExtension = ".ulaw"

// Clip is one pre-rendered phrase split into telephony frames. The last frame
// is padded with μ-law silence. Clips are shared between calls and must not
// be modified.
type Clip struct {
	ID     string
	Frames [][]byte
}

// Duration returns the playback length of the clip.
func (c Clip) Duration() time.Duration {
	return time.Duration(len(c.Frames)) * audio.FrameDuration
}

// StoreOption configures a [Store].
type StoreOption func(*Store)

// WithExtension sets the clip file extension (including the dot).
func WithExtension(ext string) StoreOption {
	return func(s *Store) {
		if ext != "" {
			s.ext = strings.ToLower(ext)
		}
	}
}

// WithLogger sets the logger used to report loading problems.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) {
		s.log = l
	}
}

// Store is the read-only clip registry. The directory is read on first
// access; afterwards all methods are safe for concurrent use.
type Store struct {
	dir string
	ext string
	log *slog.Logger

	once    sync.Once
	clips   map[string]Clip
	ids     []string
	loadErr error
}

// NewStore returns a store for the clips in dir. Nothing is read until the
// first call to any accessor or [Store.Load].
func NewStore(dir string, opts ...StoreOption) *Store {
	s := &Store{
		dir: dir,
		ext: DefaultExtension,
		log: slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Load reads the clip directory if it has not been read yet. A missing
// directory is not an error: the store is simply empty. Unreadable files are
// skipped and reported in the returned error; clips that did load stay
// available.
func (s *Store) Load() error {
	s.once.Do(s.load)
	return s.loadErr
}

func (s *Store) load() {
	s.clips = make(map[string]Clip)

	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		s.log.Warn("waiting: clip directory not found", "dir", s.dir)
		return
	}
	if err != nil {
		s.loadErr = fmt.Errorf("waiting: read dir %q: %w", s.dir, err)
		return
	}

	var errs []error
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.EqualFold(filepath.Ext(name), s.ext) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			errs = append(errs, fmt.Errorf("waiting: read %q: %w", name, err))
			continue
		}
		if len(data) == 0 {
			s.log.Warn("waiting: skipping empty clip", "file", name)
			continue
		}
		id := strings.TrimSuffix(name, filepath.Ext(name))
		s.clips[id] = Clip{ID: id, Frames: audio.Split(data)}
		s.ids = append(s.ids, id)
	}
	slices.Sort(s.ids)
	s.loadErr = errors.Join(errs...)

	s.log.Info("waiting: clips loaded", "count", len(s.clips), "dir", s.dir)
}

// IDs returns the sorted ids of all loaded clips.
func (s *Store) IDs() []string {
	s.once.Do(s.load)
	return slices.Clone(s.ids)
}

// Len returns the number of loaded clips.
func (s *Store) Len() int {
	s.once.Do(s.load)
	return len(s.clips)
}

// Has reports whether a clip with the given id is loaded.
func (s *Store) Has(id string) bool {
	s.once.Do(s.load)
	_, ok := s.clips[id]
	return ok
}

// Get returns the clip with the given id, or [ErrClipNotFound].
func (s *Store) Get(id string) (Clip, error) {
	s.once.Do(s.load)
	c, ok := s.clips[id]
	if !ok {
		return Clip{}, fmt.Errorf("%w: %q", ErrClipNotFound, id)
	}
	return c, nil
}

// Dir returns the directory the store reads from.
func (s *Store) Dir() string { return s.dir }
