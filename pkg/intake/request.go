package intake

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"strings"

	goversion "github.com/hashicorp/go-version"

	"github.com/openwrt/update-server/pkg/api"
	"github.com/openwrt/update-server/pkg/config"
	"github.com/openwrt/update-server/pkg/metrics"
	"github.com/openwrt/update-server/pkg/storage"
)

type errorResponse struct {
	Error string `json:"error"`
}

// imageResponse is the envelope returned for image requests. Fields beyond
// status and request hash are populated once the image exists.
type imageResponse struct {
	Status      api.Status `json:"status"`
	RequestHash string     `json:"request_hash"`
	Sysupgrade  string     `json:"sysupgrade,omitempty"`
	ImageHash   string     `json:"image_hash,omitempty"`
	Checksum    string     `json:"checksum,omitempty"`
	Filesize    int64      `json:"filesize,omitempty"`
	Log         string     `json:"log,omitempty"`
}

type upgradeCheckResponse struct {
	Distro  string `json:"distro"`
	Version string `json:"version"`
	Latest  string `json:"latest"`
	Upgrade bool   `json:"upgrade"`
}

// checkedRequest is a request that survived validation: distro and release
// resolved, subtarget verified supported.
type checkedRequest struct {
	api.Request
	key api.SubtargetKey
}

// decode parses the request body; any malformed payload is answered with the
// legacy empty-list body.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, endpoint string) (*api.Request, bool) {
	var request api.Request
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		metrics.RequestsTotal.WithLabelValues(endpoint, "bad_json").Inc()
		s.writeEmptyList(w, http.StatusBadRequest)
		return nil, false
	}
	return &request, true
}

// check runs the shared validation steps: required fields, distribution and
// release resolution, subtarget existence and support. A nil result means a
// response has already been written.
func (s *Server) check(w http.ResponseWriter, r *http.Request, request *api.Request, endpoint string, needed []string) *checkedRequest {
	reject := func(outcome string, status int, message string) {
		metrics.RequestsTotal.WithLabelValues(endpoint, outcome).Inc()
		s.writeJSON(w, status, errorResponse{Error: message})
	}

	var missing []string
	for _, field := range needed {
		var value string
		switch field {
		case "target":
			value = request.Target
		case "subtarget":
			value = request.Subtarget
		case "profile":
			value = request.Profile
		}
		if value == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		reject("missing_fields", http.StatusBadRequest,
			fmt.Sprintf("missing parameters - need %s", strings.Join(missing, " ")))
		return nil
	}

	checked := checkedRequest{Request: *request}
	checked.Distro = strings.ToLower(request.Distro)
	if checked.Distro == "" {
		checked.Distro = config.DefaultDistro
	} else if _, ok := s.cfg.Distro(checked.Distro); !ok {
		reject("unknown_distro", http.StatusBadRequest,
			fmt.Sprintf("unknown distribution %s", checked.Distro))
		return nil
	}

	if request.Version == "" {
		latest, err := s.store.LatestRelease(r.Context(), checked.Distro)
		if err != nil {
			// Nothing synced yet; fall back to the configured release.
			latest = s.cfg.Distributions[checked.Distro].Latest
		}
		checked.Version = latest
	} else {
		checked.Version = strings.ToLower(request.Version)
		releases, err := s.store.GetReleases(r.Context(), checked.Distro)
		if err != nil {
			s.fail(w, endpoint, err)
			return nil
		}
		known := false
		for _, release := range releases {
			if release == checked.Version {
				known = true
				break
			}
		}
		if !known {
			reject("unknown_release", http.StatusBadRequest,
				fmt.Sprintf("unknown release %s", checked.Version))
			return nil
		}
	}

	checked.key = api.SubtargetKey{
		Distro:    checked.Distro,
		Release:   checked.Version,
		Target:    checked.Target,
		Subtarget: checked.Subtarget,
	}
	subtarget, err := s.store.GetSubtarget(r.Context(), checked.key)
	if err != nil {
		s.fail(w, endpoint, err)
		return nil
	}
	if subtarget == nil {
		reject("unknown_target", http.StatusBadRequest,
			fmt.Sprintf("unknown target %s/%s", checked.Target, checked.Subtarget))
		return nil
	}
	if subtarget.Supported != api.SupportSupported {
		reject("unsupported_target", http.StatusBadRequest,
			fmt.Sprintf("target currently not supported %s/%s", checked.Target, checked.Subtarget))
		return nil
	}
	return &checked
}

func (s *Server) fail(w http.ResponseWriter, endpoint string, err error) {
	metrics.RequestsTotal.WithLabelValues(endpoint, "error").Inc()
	s.log.WithError(err).Error("request handling failed")
	s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
}

// handleImageRequest implements the full intake sequence for upgrade and
// build requests, ending in the find-or-insert against the request queue.
func (s *Server) handleImageRequest(w http.ResponseWriter, r *http.Request) {
	const endpoint = "image-request"
	ctx := r.Context()

	request, ok := s.decode(w, r, endpoint)
	if !ok {
		return
	}
	checked := s.check(w, r, request, endpoint, []string{"target", "subtarget", "profile"})
	if checked == nil {
		return
	}

	available, err := s.store.AvailablePackages(ctx, checked.key)
	if err != nil {
		s.fail(w, endpoint, err)
		return
	}
	if len(available) > 0 {
		if unknown, found := unknownPackage(checked.Packages, available); found {
			metrics.RequestsTotal.WithLabelValues(endpoint, "unknown_package").Inc()
			s.log.WithField("subtarget", checked.key.String()).WithField("package", unknown).
				Warn("request for unknown package")
			s.writeJSON(w, http.StatusBadRequest, errorResponse{
				Error: fmt.Sprintf("could not find package '%s' for requested target", unknown),
			})
			return
		}
	}

	stale := len(available) == 0
	if !stale {
		if stale, err = s.store.PackageSyncStale(ctx, checked.key, s.cfg.PackageSyncMaxAge.Duration); err != nil {
			s.fail(w, endpoint, err)
			return
		}
	}
	if stale {
		status, err := s.store.EnsureImagebuilder(ctx, checked.key)
		if err != nil {
			s.fail(w, endpoint, err)
			return
		}
		if status != api.StatusReady {
			metrics.RequestsTotal.WithLabelValues(endpoint, "imagebuilder_queued").Inc()
			s.writeJSON(w, http.StatusCreated, imageResponse{Status: api.StatusImagebuilder})
			return
		}
	}

	profile, err := s.store.ResolveProfile(ctx, checked.key, checked.Profile)
	if err != nil {
		s.fail(w, endpoint, err)
		return
	}
	if profile == "" {
		metrics.RequestsTotal.WithLabelValues(endpoint, "unknown_profile").Inc()
		s.writeJSON(w, http.StatusBadRequest, errorResponse{
			Error: fmt.Sprintf("unknown profile %s", checked.Profile),
		})
		return
	}

	packagesHash := api.PackagesHash(checked.Packages)
	if err := s.store.EnsurePackagesHash(ctx, packagesHash, checked.Packages); err != nil {
		s.fail(w, endpoint, err)
		return
	}
	requestHash, err := api.RequestHash(checked.Distro, checked.Version, checked.Target,
		checked.Subtarget, profile, packagesHash, checked.NetworkProfile)
	if err != nil {
		s.fail(w, endpoint, err)
		return
	}
	status, err := s.store.FindOrInsertRequest(ctx, storage.RequestRow{
		RequestHash:    requestHash,
		SubtargetKey:   checked.key,
		Profile:        profile,
		PackagesHash:   packagesHash,
		NetworkProfile: checked.NetworkProfile,
	})
	if err != nil {
		s.fail(w, endpoint, err)
		return
	}
	if pending, err := s.store.PendingRequests(ctx); err == nil {
		metrics.QueueDepth.Set(float64(pending))
	}

	response := imageResponse{Status: status, RequestHash: requestHash}
	switch {
	case status == api.StatusReady || status == api.StatusCreated:
		image, err := s.store.LookupImageByRequest(ctx, requestHash)
		if err != nil || image == nil {
			s.fail(w, endpoint, fmt.Errorf("no image for finished request %s: %v", requestHash, err))
			return
		}
		imagePath, err := s.store.ImagePath(ctx, requestHash)
		if err != nil {
			s.fail(w, endpoint, err)
			return
		}
		response.Sysupgrade = s.cfg.ServerURL + path.Join("/download", imagePath, image.SysupgradeFileName())
		response.ImageHash = image.ImageHash
		response.Checksum = image.Checksum
		response.Filesize = image.Filesize
		httpStatus := http.StatusOK
		if status == api.StatusCreated {
			// Built but not published yet; the client keeps polling.
			httpStatus = http.StatusCreated
		}
		metrics.RequestsTotal.WithLabelValues(endpoint, string(status)).Inc()
		s.writeJSON(w, httpStatus, response)
	case status.Terminal():
		response.Log = s.cfg.ServerURL + path.Join("/download", "faillogs", requestHash+".log")
		metrics.RequestsTotal.WithLabelValues(endpoint, string(status)).Inc()
		s.writeJSON(w, http.StatusInternalServerError, response)
	default:
		metrics.RequestsTotal.WithLabelValues(endpoint, string(status)).Inc()
		s.writeJSON(w, http.StatusCreated, response)
	}
}

// handleUpgradeCheck reports whether a newer release exists for the
// submitted distribution and version.
func (s *Server) handleUpgradeCheck(w http.ResponseWriter, r *http.Request) {
	const endpoint = "upgrade-check"

	request, ok := s.decode(w, r, endpoint)
	if !ok {
		return
	}
	checked := s.check(w, r, request, endpoint, []string{"target", "subtarget"})
	if checked == nil {
		return
	}

	latest, err := s.store.LatestRelease(r.Context(), checked.Distro)
	if err != nil {
		latest = s.cfg.Distributions[checked.Distro].Latest
	}
	response := upgradeCheckResponse{
		Distro:  checked.Distro,
		Version: checked.Version,
		Latest:  latest,
		Upgrade: newerRelease(checked.Version, latest),
	}
	metrics.RequestsTotal.WithLabelValues(endpoint, "ok").Inc()
	s.writeJSON(w, http.StatusOK, response)
}

// newerRelease reports whether latest is strictly newer than current.
// Releases that do not parse as versions fall back to inequality.
func newerRelease(current, latest string) bool {
	currentVersion, currentErr := goversion.NewVersion(current)
	latestVersion, latestErr := goversion.NewVersion(latest)
	if currentErr != nil || latestErr != nil {
		return current != latest
	}
	return latestVersion.GreaterThan(currentVersion)
}

// unknownPackage returns the first requested package missing from the
// catalogue. The special names are always accepted: they are part of every
// image but not installable.
func unknownPackage(requested []string, available map[string]string) (string, bool) {
	for _, pkg := range requested {
		if isSpecial(pkg) {
			continue
		}
		if _, ok := available[pkg]; !ok {
			return pkg, true
		}
	}
	return "", false
}

func isSpecial(pkg string) bool {
	for _, special := range api.SpecialPackages {
		if pkg == special {
			return true
		}
	}
	return false
}
