// Package blobstore keeps sticker, thumbnail and illustration files on local
// disk behind a small read cache.
package blobstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/dgraph-io/ristretto"
)

const (
	stickerDir      = "subjects"
	thumbnailDir    = "thumbs"
	illustrationDir = "illustrations"
)

// ErrInvalidPath is returned for paths escaping the storage root.
var ErrInvalidPath = errors.New("invalid blob path")

// Store reads and writes blobs below a root directory. Paths are slash
// separated and relative to the root.
type Store struct {
	root  string
	cache *ristretto.Cache
}

// New opens a store rooted at dir, creating it if needed. cacheMB bounds the
// read cache; zero disables caching.
func New(dir string, cacheMB int) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage dir: %w", err)
	}

	s := &Store{root: dir}
	if cacheMB > 0 {
		maxCost := int64(cacheMB) << 20
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: maxCost / 1024, // ~10x the expected number of 10KB thumbnails
			MaxCost:     maxCost,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("creating blob cache: %w", err)
		}
		s.cache = cache
	}
	return s, nil
}

// Root returns the storage directory.
func (s *Store) Root() string {
	return s.root
}

// StickerPath is where the cut-out of a subject is stored.
func StickerPath(specID, subjectID string) string {
	return path.Join(specID, stickerDir, subjectID+".png")
}

// ThumbnailPath is where the small preview of a subject is stored.
func ThumbnailPath(specID, subjectID string) string {
	return path.Join(specID, thumbnailDir, subjectID+".png")
}

// Revision derives the path of a new version of a blob, so a replacement can
// be written without touching the blob it replaces.
func Revision(rel, rev string) string {
	ext := path.Ext(rel)
	return strings.TrimSuffix(rel, ext) + "-" + rev + ext
}

func (s *Store) resolve(rel string) (string, error) {
	local := filepath.FromSlash(rel)
	if rel == "" || !filepath.IsLocal(local) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, rel)
	}
	return filepath.Join(s.root, local), nil
}

// Put writes a blob atomically.
func (s *Store) Put(rel string, data []byte) error {
	full, err := s.resolve(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("creating blob dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".blob-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", rel, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", rel, err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return fmt.Errorf("renaming %s: %w", rel, err)
	}

	if s.cache != nil {
		s.cache.Del(rel)
	}
	return nil
}

// Get reads a blob, serving repeated reads from the cache.
// Missing blobs return an error matching fs.ErrNotExist.
func (s *Store) Get(rel string) ([]byte, error) {
	if s.cache != nil {
		if v, ok := s.cache.Get(rel); ok {
			if data, ok := v.([]byte); ok {
				return data, nil
			}
		}
	}

	full, err := s.resolve(rel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", rel, err)
	}

	if s.cache != nil {
		s.cache.Set(rel, data, int64(len(data)))
	}
	return data, nil
}

// Delete removes blobs; paths that do not exist are ignored.
func (s *Store) Delete(rels ...string) error {
	var errs []error
	for _, rel := range rels {
		if rel == "" {
			continue
		}
		if s.cache != nil {
			s.cache.Del(rel)
		}
		full, err := s.resolve(rel)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("removing %s: %w", rel, err))
		}
	}
	return errors.Join(errs...)
}

// Close releases the cache.
func (s *Store) Close() {
	if s.cache != nil {
		s.cache.Close()
	}
}

// StoryPagePath is where page n (1-based) of a story is stored.
func StoryPagePath(specID, storyID string, n int) string {
	return path.Join(specID, illustrationDir, fmt.Sprintf("%s-p%02d.png", storyID, n))
}
