package audio

import (
	"bufio"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	ErrStorageUnavailable = errors.New("audio storage unavailable")
	ErrSinkClosed         = errors.New("audio sink already finalized")
)

// Store owns the artifact root directory and the public URL prefix it is served under.
type Store struct {
	root          string
	publicBaseURL string
}

func NewStore(root, publicBaseURL string) *Store {
	if strings.TrimSpace(root) == "" {
		root = filepath.Join("public", "audio")
	}
	return &Store{
		root:          root,
		publicBaseURL: strings.TrimRight(strings.TrimSpace(publicBaseURL), "/"),
	}
}

func (s *Store) Root() string { return s.root }

// Path is the on-disk location of an artifact.
func (s *Store) Path(category, taskID, format string) string {
	return filepath.Join(s.root, category, fileName(taskID, format))
}

// Reference is the external address of an artifact. It depends only on its arguments.
func (s *Store) Reference(category, taskID, format string) string {
	rel := url.PathEscape(category) + "/" + url.PathEscape(fileName(taskID, format))
	if s.publicBaseURL == "" {
		return "/audio/" + rel
	}
	return s.publicBaseURL + "/" + rel
}

// Open creates the category directory if needed and truncates the artifact file.
func (s *Store) Open(category, taskID, format string) (*Sink, error) {
	if err := validSegment(category); err != nil {
		return nil, fmt.Errorf("%w: category: %v", ErrStorageUnavailable, err)
	}
	if err := validSegment(taskID); err != nil {
		return nil, fmt.Errorf("%w: task id: %v", ErrStorageUnavailable, err)
	}

	dir := filepath.Join(s.root, category)
	// MkdirAll tolerates a concurrent creator.
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrStorageUnavailable, dir, err)
	}
	path := s.Path(category, taskID, format)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrStorageUnavailable, path, err)
	}
	return &Sink{
		file: f,
		w:    bufio.NewWriterSize(f, 32<<10),
		path: path,
		ref:  s.Reference(category, taskID, format),
	}, nil
}

// Sink is an append-only artifact writer for a single task.
type Sink struct {
	mu      sync.Mutex
	file    *os.File
	w       *bufio.Writer
	path    string
	ref     string
	written int64
	done    bool
}

func (k *Sink) Write(p []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.done {
		return ErrSinkClosed
	}
	n, err := k.w.Write(p)
	k.written += int64(n)
	if err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrStorageUnavailable, k.path, err)
	}
	return nil
}

// Close flushes the artifact and returns its reference.
func (k *Sink) Close() (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.done {
		return "", ErrSinkClosed
	}
	k.done = true
	flushErr := k.w.Flush()
	closeErr := k.file.Close()
	if err := errors.Join(flushErr, closeErr); err != nil {
		_ = os.Remove(k.path)
		return "", fmt.Errorf("%w: finalize %s: %v", ErrStorageUnavailable, k.path, err)
	}
	return k.ref, nil
}

// Abort closes the file and removes it so the reference never resolves.
func (k *Sink) Abort() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.done {
		return ErrSinkClosed
	}
	k.done = true
	_ = k.file.Close()
	if err := os.Remove(k.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove partial artifact %s: %w", k.path, err)
	}
	return nil
}

func (k *Sink) BytesWritten() int64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.written
}

func fileName(taskID, format string) string {
	format = strings.TrimPrefix(strings.TrimSpace(format), ".")
	if format == "" {
		return taskID
	}
	return taskID + "." + format
}

func validSegment(v string) error {
	switch {
	case strings.TrimSpace(v) == "":
		return errors.New("empty")
	case v == "." || v == "..":
		return fmt.Errorf("invalid segment %q", v)
	case strings.ContainsAny(v, `/\`):
		return fmt.Errorf("segment %q contains a path separator", v)
	}
	return nil
}
