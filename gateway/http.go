package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"

	"shoal/auth"
	"shoal/datamodel/catalog"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	log "github.com/sirupsen/logrus"
)

type ownerKeyType struct{}

var ownerKey ownerKeyType

// API is the HTTP front of the gateway.
type API struct {
	gw   *Gateway
	auth auth.Authenticator
}

func NewAPI(gw *Gateway, authenticator auth.Authenticator) *API {
	return &API{gw: gw, auth: authenticator}
}

// Router builds the request mux. Every route requires basic auth; the
// authenticated username is the owner namespace for all catalog operations.
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(a.requireAuth)
	r.HandleFunc("/upload", a.handleUpload).Methods(http.MethodPost)
	r.HandleFunc("/file", a.handleDownload).Methods(http.MethodGet)
	r.HandleFunc("/file_size", a.handleStat).Methods(http.MethodGet)
	r.HandleFunc("/file", a.handleDelete).Methods(http.MethodDelete)
	return r
}

func (a *API) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		w.Header().Set("X-Request-Id", reqID)

		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="shoal"`)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		owner, err := a.auth.Authenticate(username, password)
		if err != nil {
			log.Warnf("gateway: rejected credentials for user %q (request %s)", username, reqID)
			w.Header().Set("WWW-Authenticate", `Basic realm="shoal"`)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		log.Debugf("gateway: %s %s owner=%s request=%s", r.Method, r.URL.Path, owner, reqID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ownerKey, owner)))
	})
}

func ownerFrom(r *http.Request) string {
	owner, _ := r.Context().Value(ownerKey).(string)
	return owner
}

type uploadResponse struct {
	Filename string              `json:"filename"`
	Record   *catalog.FileRecord `json:"record"`
	Warning  string              `json:"warning,omitempty"`
}

func (a *API) handleUpload(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("bad multipart form: %v", err))
		return
	}
	filePath := r.FormValue("file_path")
	if filePath == "" {
		writeError(w, http.StatusBadRequest, "file_path is required")
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	rec, err := a.gw.Upload(r.Context(), owner, filePath, file)
	switch {
	case errors.Is(err, catalog.ErrExists):
		writeError(w, http.StatusConflict, "file already exists")
		return
	case errors.Is(err, ErrPartialUpload):
		writeJSON(w, http.StatusCreated, &uploadResponse{
			Filename: rec.Path,
			Record:   rec,
			Warning:  "some chunks could not be stored; the file is incomplete",
		})
		return
	case err != nil:
		log.Errorf("gateway: upload of %s/%s failed: %v", owner, filePath, err)
		writeError(w, http.StatusInternalServerError, "upload failed")
		return
	}

	writeJSON(w, http.StatusCreated, &uploadResponse{Filename: rec.Path, Record: rec})
}

func (a *API) handleDownload(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r)
	filePath := r.URL.Query().Get("file_path")

	rec, body, err := a.gw.Download(r.Context(), owner, filePath)
	if errors.Is(err, catalog.ErrNotFound) {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	if err != nil {
		log.Errorf("gateway: download of %s/%s failed: %v", owner, filePath, err)
		writeError(w, http.StatusInternalServerError, "download failed")
		return
	}

	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": path.Base(rec.Path)})
	w.Header().Set("Content-Disposition", disposition)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", rec.Size))

	if _, err := io.Copy(w, body); err != nil {
		// Headers are gone; all we can do is cut the stream short.
		log.Errorf("gateway: streaming %s/%s failed: %v", owner, filePath, err)
	}
}

func (a *API) handleStat(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r)
	filePath := r.URL.Query().Get("file_path")

	rec, err := a.gw.Stat(owner, filePath)
	if errors.Is(err, catalog.ErrNotFound) {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stat failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"file_path": rec.Path,
		"file_size": rec.Size,
	})
}

func (a *API) handleDelete(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r)
	filePath := r.URL.Query().Get("file_path")

	err := a.gw.Delete(r.Context(), owner, filePath)
	if errors.Is(err, catalog.ErrNotFound) {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	if err != nil {
		log.Errorf("gateway: delete of %s/%s failed: %v", owner, filePath, err)
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("gateway: error encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
