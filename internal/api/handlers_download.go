// SPDX-License-Identifier: MIT

package api

import (
	"archive/zip"
	"compress/flate"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gifpress/gifpress/internal/jobs"
)

// zipCompressionLevel matches flate level 5: a reasonable middle
// ground for already-compressed GIF payloads.
const zipCompressionLevel = 5

// handleDownload streams the compressed artifact as an attachment.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	j, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if j == nil || j.Status != jobs.StatusCompleted || j.CompressedPath == "" {
		writeNotFound(w)
		return
	}

	f, err := s.artifacts.Open(j.CompressedPath)
	if err != nil {
		// Completed but reaped from disk.
		writeNotFound(w)
		return
	}
	defer func() { _ = f.Close() }()

	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", downloadName(j.OriginalFilename)))
	if j.CompressedSize != nil {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", *j.CompressedSize))
	}
	_, _ = io.Copy(w, f)
}

// handleDownloadOriginal streams the original artifact inline.
func (s *Server) handleDownloadOriginal(w http.ResponseWriter, r *http.Request) {
	j, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if j == nil || j.OriginalPath == "" {
		writeNotFound(w)
		return
	}

	f, err := s.artifacts.Open(j.OriginalPath)
	if err != nil {
		writeNotFound(w)
		return
	}
	defer func() { _ = f.Close() }()

	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", j.OriginalFilename))
	w.Header().Set("Content-Length", fmt.Sprintf("%d", j.OriginalSize))
	_, _ = io.Copy(w, f)
}

// handleDownloadZip streams a ZIP of the completed artifacts among the
// requested IDs. Duplicate entry names are disambiguated with -1, -2…
func (s *Server) handleDownloadZip(w http.ResponseWriter, r *http.Request) {
	rawIDs := r.URL.Query().Get("ids")
	if rawIDs == "" {
		writeError(w, http.StatusBadRequest, "ids parameter required")
		return
	}

	type entry struct {
		name string
		path string
	}
	var entries []entry
	seen := map[string]int{}

	for _, id := range strings.Split(rawIDs, ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		j, err := s.store.GetJob(r.Context(), id)
		if err != nil || j == nil || j.Status != jobs.StatusCompleted || j.CompressedPath == "" {
			continue
		}
		entries = append(entries, entry{name: dedupeName(seen, downloadName(j.OriginalFilename)), path: j.CompressedPath})
	}

	if len(entries) == 0 {
		writeNotFound(w)
		return
	}

	archiveName := fmt.Sprintf("compressed-gifs-%s.zip", time.Now().Format("2006-01-02"))
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", archiveName))

	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, zipCompressionLevel)
	})

	for _, e := range entries {
		f, err := s.artifacts.Open(e.path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			s.log.Warn().Err(err).Str("path", e.path).Msg("zip entry open failed")
			continue
		}
		ew, err := zw.Create(e.name)
		if err != nil {
			_ = f.Close()
			break
		}
		_, err = io.Copy(ew, f)
		_ = f.Close()
		if err != nil {
			break
		}
	}
	if err := zw.Close(); err != nil {
		s.log.Warn().Err(err).Msg("zip finalize failed")
	}
}

// downloadName derives "<basename>-compressed.gif" from the original
// filename.
func downloadName(original string) string {
	base := strings.TrimSuffix(filepath.Base(original), filepath.Ext(original))
	if base == "" {
		base = "animation"
	}
	return base + "-compressed.gif"
}

// dedupeName suffixes repeated archive entry names before the
// extension: X-compressed.gif, X-compressed-1.gif, X-compressed-2.gif.
func dedupeName(seen map[string]int, name string) string {
	n := seen[name]
	seen[name] = n + 1
	if n == 0 {
		return name
	}
	ext := filepath.Ext(name)
	return fmt.Sprintf("%s-%d%s", strings.TrimSuffix(name, ext), n, ext)
}
