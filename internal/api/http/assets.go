package http

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mind-engage/nihongo/internal/storage"
)

const importsPrefix = "imports/"

// archiveUpload keeps a copy of an uploaded word sheet so an import can be
// inspected or replayed later.
func archiveUpload(r *http.Request, bs storage.BlobStore, name string, body io.Reader) (string, error) {
	key := fmt.Sprintf("%s%s-%s", importsPrefix, time.Now().UTC().Format("20060102T150405Z"), filepath.Base(name))
	return bs.Put(r.Context(), key, body)
}

// MountImportArchive serves the archived upload sheets.
func MountImportArchive(r chi.Router, bs storage.BlobStore) {
	// GET /content/imports
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		list, err := bs.List(r.Context(), importsPrefix)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"imports": list})
	})

	// GET /content/imports/*   -> returns the blob at imports/<whatever follows>
	r.Get("/*", func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
		rc, err := bs.Get(r.Context(), importsPrefix+key)
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer rc.Close()
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(key)))
		_, _ = io.Copy(w, rc)
	})
}
