// SPDX-License-Identifier: MIT

// Package artifact stores original and compressed blobs on the local
// filesystem under opaque IDs.
package artifact

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Store keeps originals under uploadDir and compressed outputs under
// outputDir. Every artifact gets a fresh ID, so writers never collide
// and no locking is needed.
type Store struct {
	uploadDir string
	outputDir string
}

// New creates both base directories if needed.
func New(uploadDir, outputDir string) (*Store, error) {
	for _, dir := range []string{uploadDir, outputDir} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("create artifact dir %s: %w", dir, err)
		}
	}
	return &Store{uploadDir: uploadDir, outputDir: outputDir}, nil
}

// PutOriginal streams an uploaded original to disk, preserving the
// source extension. The write goes to its final path in one step: the
// job record references the path only after this returns.
func (s *Store) PutOriginal(filename string, r io.Reader) (path string, size int64, err error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		ext = ".gif"
	}
	path = filepath.Join(s.uploadDir, uuid.NewString()+ext)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0640)
	if err != nil {
		return "", 0, fmt.Errorf("create original: %w", err)
	}
	size, err = io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return "", 0, fmt.Errorf("write original: %w", err)
	}
	return path, size, nil
}

// AllocateOutput reserves a fresh path for a compressed artifact. The
// external tool writes the file itself.
func (s *Store) AllocateOutput() string {
	return filepath.Join(s.outputDir, uuid.NewString()+".gif")
}

// Open returns a reader for an artifact. A missing file surfaces as
// fs.ErrNotExist for the download handlers to map to 404.
func (s *Store) Open(path string) (io.ReadCloser, error) {
	return os.Open(path)
}

// Size stats an artifact.
func (s *Store) Size(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// Delete removes an artifact. Missing files are not an error: the
// reaper and job deletion are both best-effort on disk.
func (s *Store) Delete(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
