package extraction

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kozaktomas/objectcamp/internal/constants"
)

// AssetLoader fetches the bytes of a source image by its asset ID.
type AssetLoader interface {
	Load(ctx context.Context, assetID string) ([]byte, error)
}

// DirLoader loads assets from a directory; asset IDs are slash separated
// paths relative to it.
type DirLoader struct {
	root string
}

// NewDirLoader creates a loader rooted at dir.
func NewDirLoader(dir string) *DirLoader {
	return &DirLoader{root: dir}
}

// Load reads one image file.
func (l *DirLoader) Load(ctx context.Context, assetID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	local := filepath.FromSlash(assetID)
	if !filepath.IsLocal(local) {
		return nil, fmt.Errorf("asset %q is outside %s", assetID, l.root)
	}
	data, err := os.ReadFile(filepath.Join(l.root, local))
	if err != nil {
		return nil, fmt.Errorf("reading asset %s: %w", assetID, err)
	}
	return data, nil
}

// List walks the directory and returns the IDs of all supported images in lexical order.
func (l *DirLoader) List() ([]string, error) {
	var ids []string
	err := filepath.WalkDir(l.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != l.root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !IsSupportedImage(p) {
			return nil
		}
		rel, err := filepath.Rel(l.root, p)
		if err != nil {
			return err
		}
		ids = append(ids, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", l.root, err)
	}
	sort.Strings(ids)
	return ids, nil
}

// IsSupportedImage reports whether the file name has a supported image extension.
func IsSupportedImage(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return false
	}
	for e := range strings.SplitSeq(constants.SupportedImageExtensions, ",") {
		if e == ext {
			return true
		}
	}
	return false
}

// MemoryLoader serves assets held in memory, e.g. from an upload.
type MemoryLoader map[string][]byte

// Load returns the stored bytes.
func (m MemoryLoader) Load(ctx context.Context, assetID string) ([]byte, error) {
	data, ok := m[assetID]
	if !ok {
		return nil, fmt.Errorf("asset %s not found", assetID)
	}
	return data, nil
}
