package artifact

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/klauspost/compress/zip"
)

// Index lists the names an artifact defines and gives access to their bytes
type Index interface {
	// Lookup returns the entry path defining name, if any
	Lookup(name string) (entry string, ok bool)

	// Names returns every defined name, sorted
	Names() []string

	// Open returns the contents of an entry
	Open(entry string) (io.ReadCloser, error)

	// Close releases any open archive handles
	Close() error
}

// Indexer builds an Index for an artifact
type Indexer interface {
	Index(a Artifact) (Index, error)
}

// IndexerFunc adapts a function to the Indexer interface
type IndexerFunc func(a Artifact) (Index, error)

// Index implements Indexer
func (f IndexerFunc) Index(a Artifact) (Index, error) {
	return f(a)
}

// archiveExtensions are opened as zip archives
var archiveExtensions = map[string]bool{
	".jar": true,
	".zip": true,
	".war": true,
}

// NameForEntry derives the name an entry path defines: the extension of the
// last element is dropped and path separators become dots, so
// "a/b/C.class" defines "a.b.C".
func NameForEntry(entry string) string {
	entry = strings.TrimPrefix(path.Clean(filepath.ToSlash(entry)), "/")
	if entry == "." || entry == "" {
		return ""
	}
	if ext := path.Ext(entry); ext != "" && ext != entry && !strings.HasSuffix(strings.TrimSuffix(entry, ext), "/") {
		entry = strings.TrimSuffix(entry, ext)
	}
	return strings.ReplaceAll(entry, "/", ".")
}

// FSIndexer indexes artifacts on the local filesystem. Directories are
// walked, .jar/.zip/.war files are listed as archives, and any other file
// is a single-entry artifact.
type FSIndexer struct{}

// Index implements Indexer
func (FSIndexer) Index(a Artifact) (Index, error) {
	info, err := os.Stat(a.Path)
	if err != nil {
		return nil, fmt.Errorf("stat artifact %s: %w", a.Identity(), err)
	}

	if info.IsDir() {
		return indexDirectory(a.Path)
	}

	if archiveExtensions[strings.ToLower(filepath.Ext(a.Path))] {
		return indexArchive(a.Path)
	}

	return indexFile(a.Path), nil
}

// entryTable maps names to entries; the first entry defining a name wins
type entryTable map[string]string

func (t entryTable) add(entry string) {
	name := NameForEntry(entry)
	if name == "" {
		return
	}
	if _, exists := t[name]; !exists {
		t[name] = entry
	}
}

func (t entryTable) lookup(name string) (string, bool) {
	entry, ok := t[name]
	return entry, ok
}

func (t entryTable) names() []string {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// dirIndex indexes an exploded directory
type dirIndex struct {
	root    string
	entries entryTable
}

func indexDirectory(root string) (*dirIndex, error) {
	idx := &dirIndex{root: root, entries: make(entryTable)}

	// WalkDir visits in lexical order, which keeps "first entry wins" stable.
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		idx.entries.add(filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}

	return idx, nil
}

func (d *dirIndex) Lookup(name string) (string, bool) { return d.entries.lookup(name) }
func (d *dirIndex) Names() []string                   { return d.entries.names() }
func (d *dirIndex) Close() error                      { return nil }

func (d *dirIndex) Open(entry string) (io.ReadCloser, error) {
	return os.Open(filepath.Join(d.root, filepath.FromSlash(entry)))
}

// zipIndex indexes a zip-format archive
type zipIndex struct {
	mu      sync.Mutex
	reader  *zip.ReadCloser
	files   map[string]*zip.File
	entries entryTable
}

func indexArchive(p string) (*zipIndex, error) {
	reader, err := zip.OpenReader(p)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", p, err)
	}

	idx := &zipIndex{
		reader:  reader,
		files:   make(map[string]*zip.File, len(reader.File)),
		entries: make(entryTable),
	}

	// Archive order is not guaranteed to be lexical; sort so shadowing
	// inside one archive is deterministic.
	paths := make([]string, 0, len(reader.File))
	for _, f := range reader.File {
		if f.FileInfo().IsDir() {
			continue
		}
		idx.files[f.Name] = f
		paths = append(paths, f.Name)
	}
	sort.Strings(paths)
	for _, entry := range paths {
		idx.entries.add(entry)
	}

	return idx, nil
}

func (z *zipIndex) Lookup(name string) (string, bool) { return z.entries.lookup(name) }
func (z *zipIndex) Names() []string                   { return z.entries.names() }

func (z *zipIndex) Open(entry string) (io.ReadCloser, error) {
	z.mu.Lock()
	defer z.mu.Unlock()

	if z.reader == nil {
		return nil, fmt.Errorf("archive closed")
	}
	f, ok := z.files[entry]
	if !ok {
		return nil, fmt.Errorf("entry %q: %w", entry, fs.ErrNotExist)
	}
	return f.Open()
}

func (z *zipIndex) Close() error {
	z.mu.Lock()
	defer z.mu.Unlock()

	if z.reader == nil {
		return nil
	}
	err := z.reader.Close()
	z.reader = nil
	return err
}

// fileIndex is a single non-archive file
type fileIndex struct {
	path    string
	entries entryTable
}

func indexFile(p string) *fileIndex {
	idx := &fileIndex{path: p, entries: make(entryTable)}
	idx.entries.add(filepath.Base(p))
	return idx
}

func (f *fileIndex) Lookup(name string) (string, bool) { return f.entries.lookup(name) }
func (f *fileIndex) Names() []string                   { return f.entries.names() }
func (f *fileIndex) Close() error                      { return nil }

func (f *fileIndex) Open(entry string) (io.ReadCloser, error) {
	if entry != filepath.Base(f.path) {
		return nil, fmt.Errorf("entry %q: %w", entry, fs.ErrNotExist)
	}
	return os.Open(f.path)
}

// StaticIndex is an in-memory index, used by tests and by hosts that
// register artifacts without files
type StaticIndex struct {
	contents map[string][]byte
	entries  entryTable
}

// NewStaticIndex creates an index from entry paths to their contents
func NewStaticIndex(contents map[string][]byte) *StaticIndex {
	idx := &StaticIndex{
		contents: make(map[string][]byte, len(contents)),
		entries:  make(entryTable),
	}

	paths := make([]string, 0, len(contents))
	for entry, data := range contents {
		idx.contents[entry] = data
		paths = append(paths, entry)
	}
	sort.Strings(paths)
	for _, entry := range paths {
		idx.entries.add(entry)
	}
	return idx
}

func (s *StaticIndex) Lookup(name string) (string, bool) { return s.entries.lookup(name) }
func (s *StaticIndex) Names() []string                   { return s.entries.names() }
func (s *StaticIndex) Close() error                      { return nil }

func (s *StaticIndex) Open(entry string) (io.ReadCloser, error) {
	data, ok := s.contents[entry]
	if !ok {
		return nil, fmt.Errorf("entry %q: %w", entry, fs.ErrNotExist)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// StaticIndexer serves prepared indexes keyed by artifact identity
type StaticIndexer map[Identity]Index

// Index implements Indexer
func (s StaticIndexer) Index(a Artifact) (Index, error) {
	idx, ok := s[a.Identity()]
	if !ok {
		return nil, fmt.Errorf("no index registered for artifact %s", a.Identity())
	}
	return idx, nil
}
