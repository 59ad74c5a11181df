// Package upload receives signed build results from workers, verifies them
// against the worker's registered public key and publishes the contained
// artifacts into the download tree.
package upload

import (
	"archive/zip"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"

	"github.com/openwrt/update-server/pkg/api"
	"github.com/openwrt/update-server/pkg/config"
	"github.com/openwrt/update-server/pkg/metrics"
	"github.com/openwrt/update-server/pkg/sign"
	"github.com/openwrt/update-server/pkg/storage"
)

// maxUploadSize bounds the in-memory part of multipart parsing; larger
// bodies spill to disk.
const maxUploadSize = 64 << 20

// Server handles worker uploads.
type Server struct {
	log   *logrus.Entry
	cfg   config.Config
	store *storage.Store
}

// NewServer returns a Server backed by the given store.
func NewServer(cfg config.Config, store *storage.Store) *Server {
	return &Server{
		log:   logrus.WithField("component", "upload"),
		cfg:   cfg,
		store: store,
	}
}

// Register wires the upload route into the router.
func (s *Server) Register(router *httprouter.Router) {
	router.HandlerFunc(http.MethodPost, "/upload-image", s.handleUpload)
}

func (s *Server) reject(w http.ResponseWriter, outcome, message string) {
	metrics.UploadsTotal.WithLabelValues(outcome).Inc()
	s.log.WithField("reason", message).Info("rejecting upload")
	http.Error(w, message, http.StatusBadRequest)
}

// handleUpload validates a worker's multipart upload field by field, checks
// the archive signature and only then touches the download tree and the
// request status.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		s.reject(w, "bad_form", "malformed upload")
		return
	}

	requestHash := r.FormValue("request_hash")
	if requestHash == "" {
		s.reject(w, "missing_field", "no request_hash")
		return
	}
	status, found, err := s.store.RequestStatus(ctx, requestHash)
	if err != nil {
		s.fail(w, err)
		return
	}
	if !found || status != api.StatusCreated {
		s.reject(w, "bad_request_hash", "bad request id")
		return
	}

	workerField := r.FormValue("worker_id")
	if workerField == "" {
		s.reject(w, "missing_field", "no worker_id")
		return
	}
	workerID, err := strconv.ParseInt(workerField, 10, 64)
	if err != nil {
		s.reject(w, "bad_worker_id", "bad worker id")
		return
	}
	worker, err := s.store.GetWorker(ctx, workerID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if worker == nil {
		s.reject(w, "bad_worker_id", "bad worker id")
		return
	}

	archiveName := requestHash + ".zip"
	archivePath, ok := s.saveUpload(w, r, "archive", archiveName)
	if !ok {
		return
	}
	defer os.Remove(archivePath)
	signaturePath, ok := s.saveUpload(w, r, "signature", archiveName+".sig")
	if !ok {
		return
	}
	defer os.Remove(signaturePath)

	if err := sign.VerifyFile(archivePath, []byte(worker.PubKey)); err != nil {
		s.reject(w, "bad_signature", "bad signature")
		return
	}

	imagePath, err := s.store.ImagePath(ctx, requestHash)
	if err != nil {
		s.fail(w, err)
		return
	}
	destination := filepath.Join(s.cfg.DownloadDir, filepath.FromSlash(imagePath))
	if err := extractArchive(archivePath, destination); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.store.SetRequestStatus(ctx, requestHash, api.StatusReady); err != nil {
		s.fail(w, err)
		return
	}

	metrics.UploadsTotal.WithLabelValues("verified").Inc()
	if pending, err := s.store.PendingRequests(ctx); err == nil {
		metrics.QueueDepth.Set(float64(pending))
	}
	s.log.WithField("request", requestHash).WithField("worker", workerID).Info("image published")
	fmt.Fprintln(w, "all done")
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	metrics.UploadsTotal.WithLabelValues("error").Inc()
	s.log.WithError(err).Error("upload handling failed")
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

// saveUpload stores one file part in the scratch directory, enforcing the
// expected file name.
func (s *Server) saveUpload(w http.ResponseWriter, r *http.Request, field, expectedName string) (string, bool) {
	file, header, err := r.FormFile(field)
	if err != nil {
		s.reject(w, "missing_field", "no "+field)
		return "", false
	}
	defer file.Close()
	if header.Filename != expectedName {
		s.reject(w, "bad_filename", "bad "+field)
		return "", false
	}
	if err := os.MkdirAll(s.cfg.TempDir, 0755); err != nil {
		s.fail(w, err)
		return "", false
	}
	path := filepath.Join(s.cfg.TempDir, expectedName)
	if err := saveFile(file, path); err != nil {
		s.fail(w, err)
		return "", false
	}
	return path, true
}

func saveFile(src multipart.File, path string) error {
	dst, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

// extractArchive unpacks the verified archive into the download tree. Entry
// names must stay below the destination directory.
func extractArchive(archivePath, destination string) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return err
	}
	defer reader.Close()
	if err := os.MkdirAll(destination, 0755); err != nil {
		return err
	}
	for _, entry := range reader.File {
		target := filepath.Join(destination, entry.Name)
		if !strings.HasPrefix(target, filepath.Clean(destination)+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry %q escapes download tree", entry.Name)
		}
		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		src, err := entry.Open()
		if err != nil {
			return err
		}
		dst, err := os.Create(target)
		if err != nil {
			src.Close()
			return err
		}
		if _, err := io.Copy(dst, src); err != nil {
			src.Close()
			dst.Close()
			return err
		}
		src.Close()
		if err := dst.Close(); err != nil {
			return err
		}
	}
	return nil
}
