// Package vfs implements the in-memory, read-only file table backing the
// guest runtime's import machinery. Files are immutable byte buffers
// keyed by absolute path; directories are sentinel entries with no
// buffer. A recycled descriptor table satisfies the subset of file
// syscalls the guest issues at startup and when demand-loading script
// modules.
package vfs

import (
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
)

// Descriptors 0-2 mirror the conventional stdin/stdout/stderr slots.
// They are permanently reserved and never allocated to table files.
const reservedDescriptors = 3

var (
	// ErrNotFound is returned when a path has no table entry.
	ErrNotFound = errors.New("vfs: file not found")

	// ErrIsDirectory is returned when a regular-file operation targets a
	// directory entry.
	ErrIsDirectory = errors.New("vfs: is a directory")

	// ErrBadDescriptor is returned for descriptors that are reserved,
	// closed, or never allocated.
	ErrBadDescriptor = errors.New("vfs: bad file descriptor")
)

// file is a table entry. A nil data slice marks a directory; an empty
// non-nil slice is a regular, empty file. The distinction is load
// bearing: the guest's importer stats package directories before it
// opens module files.
type file struct {
	data  []byte
	isDir bool
}

type openFile struct {
	path   string
	cursor int
}

// Table is one orchestrator's virtual file table. It is not safe for
// concurrent use; the orchestrator serializes all access.
type Table struct {
	files map[string]*file
	fds   []*openFile
	log   *slog.Logger
}

// Option configures a Table.
type Option func(*Table)

// WithLogger sets the logger used for descriptor-level diagnostics.
func WithLogger(log *slog.Logger) Option {
	return func(t *Table) {
		t.log = log
	}
}

// NewTable returns an empty Table with the reserved descriptor slots in
// place.
func NewTable(opts ...Option) *Table {
	t := &Table{
		files: make(map[string]*file),
		fds:   make([]*openFile, reservedDescriptors),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.log == nil {
		t.log = slog.Default()
	}
	// Reserved slots hold placeholders so allocation can treat nil as
	// free without special-casing the low indices.
	for i := 0; i < reservedDescriptors; i++ {
		t.fds[i] = &openFile{path: fmt.Sprintf("<reserved:%d>", i)}
	}
	return t
}

// Normalize converts p to a clean absolute path beginning with "/".
func Normalize(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// Add inserts or overwrites a regular file. The buffer is copied; table
// entries are immutable after creation.
func (t *Table) Add(p string, data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)
	t.files[Normalize(p)] = &file{data: buf}
}

// AddDir inserts a directory sentinel.
func (t *Table) AddDir(p string) {
	t.files[Normalize(p)] = &file{isDir: true}
}

// Exists reports whether p has an entry of any kind.
func (t *Table) Exists(p string) bool {
	_, ok := t.files[Normalize(p)]
	return ok
}

// Stat describes a table entry for the guest's file-status record.
type Stat struct {
	Exists bool
	IsDir  bool
	Size   uint64
}

// Stat returns the status of p. A missing path yields the zero Stat with
// Exists false rather than an error, so syscall shims can fail closed.
func (t *Table) Stat(p string) Stat {
	f, ok := t.files[Normalize(p)]
	if !ok {
		return Stat{}
	}
	if f.isDir {
		return Stat{Exists: true, IsDir: true}
	}
	return Stat{Exists: true, Size: uint64(len(f.data))}
}

// Open allocates a descriptor for the regular file at p. The lowest free
// index >= 3 is always chosen, recycling slots freed by Close before the
// table grows.
func (t *Table) Open(p string) (int, error) {
	p = Normalize(p)
	f, ok := t.files[p]
	if !ok {
		return -1, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	if f.isDir {
		return -1, fmt.Errorf("%w: %s", ErrIsDirectory, p)
	}

	of := &openFile{path: p}
	for i := reservedDescriptors; i < len(t.fds); i++ {
		if t.fds[i] == nil {
			t.fds[i] = of
			return i, nil
		}
	}
	t.fds = append(t.fds, of)
	fd := len(t.fds) - 1
	t.log.Debug("vfs: open", "path", p, "fd", fd)
	return fd, nil
}

// Read returns up to max bytes from the descriptor's cursor, advancing
// it. A zero-length result signals end of file. Reading is the only
// operation that moves the cursor; the table has no write or seek
// support.
func (t *Table) Read(fd int, max uint32) ([]byte, error) {
	of, err := t.lookup(fd)
	if err != nil {
		return nil, err
	}
	f := t.files[of.path]
	if f == nil {
		// The table was discarded and rebuilt out from under an open
		// descriptor; treat as closed.
		return nil, fmt.Errorf("%w: %d", ErrBadDescriptor, fd)
	}
	remaining := len(f.data) - of.cursor
	if remaining <= 0 {
		return nil, nil
	}
	n := int(max)
	if n > remaining {
		n = remaining
	}
	out := f.data[of.cursor : of.cursor+n]
	of.cursor += n
	return out, nil
}

// PathOf returns the path behind a live descriptor. Reserved and free
// slots report false.
func (t *Table) PathOf(fd int) (string, bool) {
	of, err := t.lookup(fd)
	if err != nil {
		return "", false
	}
	return of.path, true
}

// Close frees the descriptor's slot, making its index reusable.
func (t *Table) Close(fd int) error {
	if _, err := t.lookup(fd); err != nil {
		return err
	}
	t.fds[fd] = nil
	return nil
}

// OpenCount returns the number of live descriptors, excluding the
// reserved slots.
func (t *Table) OpenCount() int {
	n := 0
	for i := reservedDescriptors; i < len(t.fds); i++ {
		if t.fds[i] != nil {
			n++
		}
	}
	return n
}

func (t *Table) lookup(fd int) (*openFile, error) {
	if fd < reservedDescriptors || fd >= len(t.fds) || t.fds[fd] == nil {
		return nil, fmt.Errorf("%w: %d", ErrBadDescriptor, fd)
	}
	return t.fds[fd], nil
}
