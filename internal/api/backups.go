package api

import (
	"errors"
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/reedfamily/reedwrap/internal/backup"
)

type BackupHandler struct {
	backups *backup.Service
}

func NewBackupHandler(backupSvc *backup.Service) *BackupHandler {
	return &BackupHandler{backups: backupSvc}
}

// List returns all backups, newest first.
func (h *BackupHandler) List(w http.ResponseWriter, r *http.Request) {
	backups, err := h.backups.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list backups")
		return
	}
	writeJSON(w, http.StatusOK, backups)
}

func (h *BackupHandler) Get(w http.ResponseWriter, r *http.Request) {
	b, err := h.backups.Get(r.Context(), chi.URLParam(r, "backupId"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// Download sends a backup file to the client.
func (h *BackupHandler) Download(w http.ResponseWriter, r *http.Request) {
	path, err := h.backups.FilePath(r.Context(), chi.URLParam(r, "backupId"))
	if err != nil {
		h.fail(w, err)
		return
	}

	w.Header().Set("Content-Disposition", "attachment; filename="+filepath.Base(path))
	w.Header().Set("Content-Type", "application/gzip")
	http.ServeFile(w, r, path)
}

// Delete removes a backup.
func (h *BackupHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "backupId")
	if err := h.backups.Delete(r.Context(), id); err != nil {
		h.fail(w, err)
		return
	}
	log.Infof("api: %s deleted backup %s", operatorName(r.Context()), id)
	writeJSON(w, http.StatusOK, map[string]string{"message": "backup deleted"})
}

func (h *BackupHandler) fail(w http.ResponseWriter, err error) {
	if errors.Is(err, backup.ErrNotFound) {
		writeError(w, http.StatusNotFound, "backup not found")
		return
	}
	log.Errorf("api: backups: %v", err)
	writeError(w, http.StatusInternalServerError, "backup operation failed")
}
