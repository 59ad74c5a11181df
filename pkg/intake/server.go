// Package intake implements the public JSON API: upgrade checks, image
// requests and the catalogue endpoints clients use to discover what can be
// built.
package intake

import (
	"encoding/json"
	"io/fs"
	"net/http"
	"path/filepath"
	"sort"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/sirupsen/logrus"

	"github.com/openwrt/update-server/pkg/api"
	"github.com/openwrt/update-server/pkg/config"
	"github.com/openwrt/update-server/pkg/storage"
)

// workerLivenessWindow is how recent a heartbeat must be for a worker to
// count as active in the stats endpoint.
const workerLivenessWindow = time.Minute

// Server serves the intake and catalogue endpoints.
type Server struct {
	log   *logrus.Entry
	cfg   config.Config
	store *storage.Store
}

// NewServer returns a Server backed by the given store.
func NewServer(cfg config.Config, store *storage.Store) *Server {
	return &Server{
		log:   logrus.WithField("component", "intake"),
		cfg:   cfg,
		store: store,
	}
}

// Register wires the API routes into the router. The unprefixed paths are
// kept for older clients.
func (s *Server) Register(router *httprouter.Router) {
	for _, path := range []string{"/api/upgrade-check", "/update-request"} {
		router.HandlerFunc(http.MethodPost, path, s.handleUpgradeCheck)
	}
	for _, path := range []string{"/api/upgrade-request", "/image-request", "/api/build-request", "/build-request"} {
		router.HandlerFunc(http.MethodPost, path, s.handleImageRequest)
	}
	router.HandlerFunc(http.MethodGet, "/api/distros", s.handleDistros)
	router.HandlerFunc(http.MethodGet, "/api/releases", s.handleReleases)
	router.HandlerFunc(http.MethodGet, "/api/models", s.handleModels)
	router.HandlerFunc(http.MethodGet, "/api/packages_image", s.handlePackagesImage)
	router.HandlerFunc(http.MethodGet, "/api/network_profiles", s.handleNetworkProfiles)
	router.HandlerFunc(http.MethodGet, "/api/stats", s.handleStats)
	router.GET("/api/image/:image_hash", s.handleImageInfo)
}

type imageInfo struct {
	ImageHash      string               `json:"image_hash"`
	Distro         string               `json:"distro"`
	Release        string               `json:"release"`
	Target         string               `json:"target"`
	Subtarget      string               `json:"subtarget"`
	Profile        string               `json:"profile"`
	ManifestHash   string               `json:"manifest_hash"`
	NetworkProfile string               `json:"network_profile,omitempty"`
	Checksum       string               `json:"checksum"`
	Filesize       int64                `json:"filesize"`
	Manifest       []api.PackageVersion `json:"manifest"`
}

// handleImageInfo exposes the metadata and package manifest of a built
// image.
func (s *Server) handleImageInfo(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	image, err := s.store.GetImage(r.Context(), params.ByName("image_hash"))
	if err != nil {
		s.log.WithError(err).Error("failed to look up image")
		s.writeEmptyList(w, http.StatusInternalServerError)
		return
	}
	if image == nil {
		s.writeEmptyList(w, http.StatusNotFound)
		return
	}
	manifest, err := s.store.GetManifest(r.Context(), image.ManifestHash)
	if err != nil {
		s.log.WithError(err).Error("failed to look up manifest")
		s.writeEmptyList(w, http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, imageInfo{
		ImageHash:      image.ImageHash,
		Distro:         image.Distro,
		Release:        image.Release,
		Target:         image.Target,
		Subtarget:      image.Subtarget,
		Profile:        image.Profile,
		ManifestHash:   image.ManifestHash,
		NetworkProfile: image.NetworkProfile,
		Checksum:       image.Checksum,
		Filesize:       image.Filesize,
		Manifest:       manifest,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.WithError(err).Error("failed to encode response")
	}
}

// writeEmptyList is the legacy "no data" response of the catalogue and
// intake endpoints.
func (s *Server) writeEmptyList(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write([]byte("[]")); err != nil {
		s.log.WithError(err).Error("failed to write response")
	}
}

func (s *Server) handleDistros(w http.ResponseWriter, r *http.Request) {
	distros, err := s.store.GetDistros(r.Context())
	if err != nil {
		s.log.WithError(err).Error("failed to list distributions")
		s.writeEmptyList(w, http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, distros)
}

func (s *Server) handleReleases(w http.ResponseWriter, r *http.Request) {
	releases, err := s.store.GetReleases(r.Context(), r.URL.Query().Get("distro"))
	if err != nil {
		s.log.WithError(err).Error("failed to list releases")
		s.writeEmptyList(w, http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, releases)
}

type modelEntry struct {
	Profile string `json:"profile"`
	Model   string `json:"model"`
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	distro, release, search := query.Get("distro"), query.Get("release"), query.Get("model_search")
	if distro == "" || release == "" || search == "" {
		s.writeEmptyList(w, http.StatusBadRequest)
		return
	}
	profiles, err := s.store.GetModels(r.Context(), distro, release, search)
	if err != nil {
		s.log.WithError(err).Error("failed to search models")
		s.writeEmptyList(w, http.StatusInternalServerError)
		return
	}
	entries := make([]modelEntry, 0, len(profiles))
	for _, profile := range profiles {
		entries = append(entries, modelEntry{Profile: profile.Name, Model: profile.Model})
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handlePackagesImage(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	key := api.SubtargetKey{
		Distro:    query.Get("distro"),
		Release:   query.Get("release"),
		Target:    query.Get("target"),
		Subtarget: query.Get("subtarget"),
	}
	profile := query.Get("profile")
	if key.Distro == "" || key.Release == "" || key.Target == "" || key.Subtarget == "" || profile == "" {
		s.writeEmptyList(w, http.StatusBadRequest)
		return
	}
	packages, err := s.store.ProfilePackages(r.Context(), key, profile)
	if err != nil {
		s.log.WithError(err).Error("failed to list image packages")
		s.writeEmptyList(w, http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, packages)
}

func (s *Server) handleNetworkProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := listNetworkProfiles(s.cfg.NetworkProfileDir)
	if err != nil {
		s.log.WithError(err).Error("failed to list network profiles")
		s.writeEmptyList(w, http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, profiles)
}

// listNetworkProfiles returns the overlay directories relative to the
// profile root. Leaf directories are the selectable profiles.
func listNetworkProfiles(root string) ([]string, error) {
	if root == "" {
		return []string{}, nil
	}
	profiles := []string{}
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.IsDir() || path == root {
			return nil
		}
		relative, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		profiles = append(profiles, filepath.ToSlash(relative))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(profiles)
	return profiles, nil
}

type stats struct {
	RequestsPending int `json:"requests_pending"`
	ImagesBuilt     int `json:"images_built"`
	WorkersActive   int `json:"workers_active"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var result stats
	var err error
	if result.RequestsPending, err = s.store.PendingRequests(r.Context()); err != nil {
		s.log.WithError(err).Error("failed to count pending requests")
		s.writeEmptyList(w, http.StatusInternalServerError)
		return
	}
	if result.ImagesBuilt, err = s.store.ImagesCount(r.Context()); err != nil {
		s.log.WithError(err).Error("failed to count images")
		s.writeEmptyList(w, http.StatusInternalServerError)
		return
	}
	if result.WorkersActive, err = s.store.ActiveWorkers(r.Context(), workerLivenessWindow); err != nil {
		s.log.WithError(err).Error("failed to count workers")
		s.writeEmptyList(w, http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}
