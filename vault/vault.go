package vault

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	ignore "github.com/sabhiram/go-gitignore"
)

// IgnoreFileName is an optional gitignore-style file at the vault root.
const IgnoreFileName = ".notegrepignore"

var markdownExtensions = map[string]bool{
	".md":       true,
	".markdown": true,
}

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".webp": true,
	".svg":  true,
	".bmp":  true,
	".tif":  true,
	".tiff": true,
}

// Source is a handle to one vault file. Path is vault-relative with
// forward slashes; it doubles as the index key.
type Source struct {
	Path      string
	AbsPath   string
	Extension string
	ModTime   time.Time
	Size      int64
}

// IsMarkdown reports whether the path has a note extension.
func IsMarkdown(path string) bool {
	return markdownExtensions[strings.ToLower(filepath.Ext(path))]
}

// IsImage reports whether the path has a supported image extension.
func IsImage(path string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(path))]
}

// Vault is the corpus host: it lists and reads sources under a root
// directory and streams change events.
type Vault struct {
	root    string
	matcher *ignoreMatcher

	watch *watchState
}

// ignoreMatcher combines config ignore patterns with an optional
// .notegrepignore file at the vault root.
type ignoreMatcher struct {
	patterns *ignore.GitIgnore
	file     *ignore.GitIgnore
}

func newIgnoreMatcher(root string, patterns []string) *ignoreMatcher {
	m := &ignoreMatcher{}
	if len(patterns) > 0 {
		m.patterns = ignore.CompileIgnoreLines(patterns...)
	}
	if fileMatcher, err := ignore.CompileIgnoreFile(filepath.Join(root, IgnoreFileName)); err == nil {
		m.file = fileMatcher
	}
	return m
}

func (m *ignoreMatcher) ignored(relPath string) bool {
	if m.patterns != nil && m.patterns.MatchesPath(relPath) {
		return true
	}
	if m.file != nil && m.file.MatchesPath(relPath) {
		return true
	}
	return false
}

// Open prepares a vault rooted at the given directory. Ignore patterns
// come from the config; a .notegrepignore file adds more.
func Open(root string, ignorePatterns []string) (*Vault, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to open vault root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("vault root %s is not a directory", root)
	}

	return &Vault{
		root:    root,
		matcher: newIgnoreMatcher(root, ignorePatterns),
	}, nil
}

// Root returns the vault root directory.
func (v *Vault) Root() string {
	return v.root
}

// ListSources walks the vault and returns every markdown and image source,
// sorted by path. Ignored directories are not descended into.
func (v *Vault) ListSources() ([]Source, error) {
	var sources []Source

	err := filepath.Walk(v.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}

		rel, err := filepath.Rel(v.root, path)
		if err != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if info.IsDir() {
			if strings.HasPrefix(info.Name(), ".") || v.matcher.ignored(rel) {
				return filepath.SkipDir
			}
			return nil
		}

		if strings.HasPrefix(info.Name(), ".") || v.matcher.ignored(rel) {
			return nil
		}
		if !IsMarkdown(rel) && !IsImage(rel) {
			return nil
		}

		sources = append(sources, Source{
			Path:      rel,
			AbsPath:   path,
			Extension: strings.ToLower(filepath.Ext(rel)),
			ModTime:   info.ModTime(),
			Size:      info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan vault: %w", err)
	}

	sort.Slice(sources, func(i, j int) bool {
		return sources[i].Path < sources[j].Path
	})
	return sources, nil
}

// ReadSource returns the raw bytes of a vault-relative source path.
func (v *Vault) ReadSource(relPath string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(v.root, filepath.FromSlash(relPath)))
	if err != nil {
		return nil, fmt.Errorf("failed to read source %s: %w", relPath, err)
	}
	return data, nil
}

// StatSource returns a handle for a vault-relative path.
func (v *Vault) StatSource(relPath string) (Source, error) {
	abs := filepath.Join(v.root, filepath.FromSlash(relPath))
	info, err := os.Stat(abs)
	if err != nil {
		return Source{}, fmt.Errorf("failed to stat source %s: %w", relPath, err)
	}
	return Source{
		Path:      relPath,
		AbsPath:   abs,
		Extension: strings.ToLower(filepath.Ext(relPath)),
		ModTime:   info.ModTime(),
		Size:      info.Size(),
	}, nil
}
