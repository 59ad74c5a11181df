package worker

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/openwrt/update-server/pkg/api"
	"github.com/openwrt/update-server/pkg/imagebuilder"
	"github.com/openwrt/update-server/pkg/metrics"
)

// sysupgradePatterns is the priority-ordered list of artifact names that can
// serve as the sysupgrade image. No match means the build produced only a
// factory image because the sysupgrade one exceeded the flash size.
var sysupgradePatterns = []string{
	"*-squashfs-sysupgrade.bin",
	"*-squashfs-sysupgrade.tar",
	"*-squashfs.trx",
	"*-squashfs.chk",
	"*-squashfs.bin",
	"*-squashfs-sdcard.img.gz",
	"*-combined-squashfs*",
}

var manifestPattern = regexp.MustCompile(`(?m)^(.+?) - (.+?)\s*$`)

// build runs one claimed image request end to end: imagebuilder invocation,
// artifact bookkeeping, signing and the upload to the server. Every failure
// path ends in a terminal status so a request never strands in building or
// created.
func (w *Worker) build(ctx context.Context, job *api.BuildJob) error {
	ibPath, err := imagebuilder.Path(w.cfg, job.SubtargetKey)
	if err != nil {
		return w.fail(ctx, job, api.StatusBuildFail, nil, err)
	}

	profilePackages, err := w.store.ProfilePackages(ctx, job.SubtargetKey, job.Profile)
	if err != nil {
		return w.fail(ctx, job, api.StatusBuildFail, nil, err)
	}
	vanilla := sets.New(job.Packages...).Equal(sets.New(profilePackages...))

	buildDir, err := os.MkdirTemp(w.cfg.TempDir, "build-")
	if err != nil {
		return w.fail(ctx, job, api.StatusBuildFail, nil, err)
	}
	defer os.RemoveAll(buildDir)

	args, env, err := w.buildCommand(ctx, job, profilePackages, vanilla, buildDir)
	if err != nil {
		return w.fail(ctx, job, api.StatusBuildFail, nil, err)
	}

	buildCtx, cancel := context.WithTimeout(ctx, w.cfg.BuildTimeout.Duration)
	defer cancel()
	cmd := exec.CommandContext(buildCtx, args[0], args[1:]...)
	cmd.Dir = ibPath
	cmd.Env = env
	w.log.WithField("args", cmd.Args).WithField("dir", ibPath).Info("running build")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return w.fail(ctx, job, api.StatusBuildFail, output, err)
	}

	manifestHash, err := w.recordManifest(ctx, buildDir)
	if err != nil {
		return w.fail(ctx, job, api.StatusBuildFail, output, err)
	}
	imageHash, err := api.ImageHash(job.Distro, job.Release, job.Target, job.Subtarget,
		job.Profile, manifestHash, job.NetworkProfile)
	if err != nil {
		return w.fail(ctx, job, api.StatusBuildFail, output, err)
	}

	if err := renameArtifacts(buildDir, job, imagebuilder.Release(w.cfg, job.SubtargetKey), manifestHash); err != nil {
		return w.fail(ctx, job, api.StatusBuildFail, output, err)
	}
	sysupgrade, ok := scanSysupgrade(buildDir)
	if !ok {
		return w.fail(ctx, job, api.StatusImageSizeFail, output, errors.New("no sysupgrade image produced"))
	}

	subtargetInName, profileInName := nameFlags(filepath.Base(sysupgrade), job.Subtarget, job.Profile)
	image := api.Image{
		ImageHash:       imageHash,
		SubtargetKey:    job.SubtargetKey,
		Profile:         job.Profile,
		ManifestHash:    manifestHash,
		NetworkProfile:  job.NetworkProfile,
		BuildDate:       time.Now().UTC(),
		SubtargetInName: subtargetInName,
		ProfileInName:   profileInName,
		Vanilla:         vanilla,
	}
	image.SysupgradeSuffix = strings.TrimPrefix(filepath.Base(sysupgrade), image.Name()+"-")

	if w.cfg.SignImages {
		if err := w.signer.SignFile(sysupgrade); err != nil {
			return w.fail(ctx, job, api.StatusSigningFail, output, err)
		}
	}

	if image.Checksum, image.Filesize, err = fileChecksum(sysupgrade); err != nil {
		return w.fail(ctx, job, api.StatusBuildFail, output, err)
	}
	if _, err := w.store.AddImage(ctx, image); err != nil {
		return w.fail(ctx, job, api.StatusBuildFail, output, err)
	}
	if err := w.store.CompleteBuildJob(ctx, job.RequestHash, imageHash); err != nil {
		return w.fail(ctx, job, api.StatusBuildFail, output, err)
	}

	archive := filepath.Join(w.cfg.TempDir, job.RequestHash+".zip")
	defer os.Remove(archive)
	defer os.Remove(archive + ".sig")
	if err := zipArtifacts(buildDir, archive); err != nil {
		return w.fail(ctx, job, api.StatusBuildFail, output, err)
	}
	if err := w.signer.SignFile(archive); err != nil {
		return w.fail(ctx, job, api.StatusSigningFail, output, err)
	}
	// The client retries transient errors itself; an upload that still fails
	// must not leave the row in created.
	if err := w.upload(ctx, job, archive); err != nil {
		return w.fail(ctx, job, api.StatusBuildFail, output, err)
	}
	return nil
}

// buildCommand assembles the make invocation and its environment per the
// request: package negations against the profile defaults, the network
// profile overlay, and the extra image name carrying the request hash.
func (w *Worker) buildCommand(ctx context.Context, job *api.BuildJob, profilePackages []string, vanilla bool, buildDir string) ([]string, []string, error) {
	packages := append([]string(nil), job.Packages...)
	extraImageName := ""
	if !vanilla {
		extraImageName = job.RequestHash
		packages = diffPackages(packages, profilePackages)
	}

	args := []string{"make", "image", "-j", strconv.Itoa(runtime.NumCPU())}
	args = append(args, "PROFILE="+job.Profile)
	if job.NetworkProfile != "" {
		extraImageName += "-" + api.SanitizeNetworkProfile(job.NetworkProfile)
		overlay := filepath.Join(w.cfg.NetworkProfileDir, job.NetworkProfile)
		extra, err := networkProfilePackages(overlay)
		if err != nil {
			return nil, nil, err
		}
		packages = append(packages, extra...)
		args = append(args, "FILES="+overlay)
	}
	args = append(args,
		"EXTRA_IMAGE_NAME="+extraImageName,
		"PACKAGES="+strings.Join(packages, " "),
		"BIN_DIR="+buildDir,
	)

	env := os.Environ()
	stale, err := w.store.PackageSyncStale(ctx, job.SubtargetKey, w.cfg.PackageSyncMaxAge.Duration)
	if err != nil {
		return nil, nil, err
	}
	if !stale {
		// A fresh catalogue means the feeds on disk are current too.
		env = append(env, "NO_UPDATE=1")
	}
	return args, env, nil
}

// diffPackages keeps the requested packages and negates every profile
// default the request left out, so the imagebuilder removes it.
func diffPackages(requested, profilePackages []string) []string {
	keep := sets.New(requested...)
	packages := append([]string(nil), requested...)
	for _, pkg := range profilePackages {
		if !keep.Has(pkg) {
			packages = append(packages, "-"+pkg)
		}
	}
	return packages
}

// networkProfilePackages reads the optional PACKAGES file of an overlay.
func networkProfilePackages(overlay string) ([]string, error) {
	raw, err := os.ReadFile(filepath.Join(overlay, "PACKAGES"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return strings.Fields(string(raw)), nil
}

// recordManifest hashes the build manifest and persists its package list.
func (w *Worker) recordManifest(ctx context.Context, buildDir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(buildDir, "*.manifest"))
	if err != nil || len(matches) == 0 {
		return "", fmt.Errorf("no manifest in build output: %v", err)
	}
	raw, err := os.ReadFile(matches[0])
	if err != nil {
		return "", err
	}
	manifestHash, err := api.ManifestHash(raw)
	if err != nil {
		return "", err
	}
	if _, err := w.store.AddManifest(ctx, manifestHash); err != nil {
		return "", err
	}
	return manifestHash, w.store.AddManifestPackages(ctx, manifestHash, parseManifest(raw))
}

func parseManifest(raw []byte) []api.PackageVersion {
	var packages []api.PackageVersion
	for _, m := range manifestPattern.FindAllStringSubmatch(string(raw), -1) {
		packages = append(packages, api.PackageVersion{Name: m[1], Version: m[2]})
	}
	return packages
}

// renameArtifacts rewrites the toolchain's file names into public ones: the
// toolchain distro and release tokens become the requested ones, and the
// request hash becomes the manifest hash so identical builds share files.
func renameArtifacts(buildDir string, job *api.BuildJob, toolchainRelease, manifestHash string) error {
	entries, err := os.ReadDir(buildDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		renamed := publicArtifactName(entry.Name(), job, toolchainRelease, manifestHash)
		if renamed == entry.Name() {
			continue
		}
		if err := os.Rename(filepath.Join(buildDir, entry.Name()), filepath.Join(buildDir, renamed)); err != nil {
			return err
		}
	}
	return nil
}

func publicArtifactName(filename string, job *api.BuildJob, toolchainRelease, manifestHash string) string {
	renamed := strings.ReplaceAll(filename, imagebuilder.ToolchainDistro, job.Distro)
	renamed = strings.ReplaceAll(renamed, toolchainRelease, job.Release)
	return strings.ReplaceAll(renamed, job.RequestHash, manifestHash)
}

// scanSysupgrade returns the first artifact matching the sysupgrade priority
// list.
func scanSysupgrade(buildDir string) (string, bool) {
	for _, pattern := range sysupgradePatterns {
		if matches, _ := filepath.Glob(filepath.Join(buildDir, pattern)); len(matches) > 0 {
			return matches[0], true
		}
	}
	return "", false
}

// nameFlags reports whether the subtarget and profile tokens appear in the
// artifact name. Boards whose profile repeats the subtarget produce names
// with the token only once, which counts as the profile.
func nameFlags(artifact, subtarget, profile string) (subtargetInName, profileInName bool) {
	subtargetInName = strings.Contains(artifact, subtarget)
	profileInName = strings.Contains(artifact, profile)
	if profile == subtarget && !strings.Contains(artifact, subtarget+"-"+profile) {
		subtargetInName = false
	}
	return subtargetInName, profileInName
}

func fileChecksum(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	hash := md5.New()
	size, err := io.Copy(hash, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(hash.Sum(nil)), size, nil
}

// zipArtifacts packs every build output into a flat archive for upload.
func zipArtifacts(buildDir, dest string) error {
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer f.Close()
	archive := zip.NewWriter(f)
	entries, err := os.ReadDir(buildDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		dst, err := archive.Create(entry.Name())
		if err != nil {
			return err
		}
		src, err := os.Open(filepath.Join(buildDir, entry.Name()))
		if err != nil {
			return err
		}
		if _, err := io.Copy(dst, src); err != nil {
			src.Close()
			return err
		}
		src.Close()
	}
	return archive.Close()
}

// upload POSTs the signed archive to the server. The body is buffered so
// the retrying client can replay it.
func (w *Worker) upload(ctx context.Context, job *api.BuildJob, archive string) error {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if err := writer.WriteField("request_hash", job.RequestHash); err != nil {
		return err
	}
	if err := writer.WriteField("worker_id", strconv.FormatInt(w.id, 10)); err != nil {
		return err
	}
	for field, path := range map[string]string{
		"archive":   archive,
		"signature": archive + ".sig",
	} {
		part, err := writer.CreateFormFile(field, filepath.Base(path))
		if err != nil {
			return err
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if _, err := part.Write(raw); err != nil {
			return err
		}
	}
	if err := writer.Close(); err != nil {
		return err
	}

	req, err := retryablehttp.NewRequest(http.MethodPost, w.cfg.ServerURL+"/upload-image", body.Bytes())
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	resp, err := w.client.Do(req.WithContext(ctx))
	if err != nil {
		metrics.UploadsTotal.WithLabelValues("error").Inc()
		return errors.Wrap(err, "upload failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		metrics.UploadsTotal.WithLabelValues("rejected").Inc()
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("upload rejected: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	metrics.UploadsTotal.WithLabelValues("accepted").Inc()
	w.log.WithField("request", job.RequestHash).Info("upload accepted")
	return nil
}

// fail marks the request with a terminal failure status and publishes the
// merged build log under faillogs for the client to inspect.
func (w *Worker) fail(ctx context.Context, job *api.BuildJob, status api.Status, output []byte, cause error) error {
	if err := w.store.SetRequestStatus(ctx, job.RequestHash, status); err != nil {
		return err
	}
	logDir := filepath.Join(w.cfg.DownloadDir, "faillogs")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return err
	}
	summary, err := json.MarshalIndent(job, "", "    ")
	if err != nil {
		return err
	}
	content := append(summary, "\n\n"...)
	content = append(content, output...)
	if err := os.WriteFile(filepath.Join(logDir, job.RequestHash+".log"), content, 0644); err != nil {
		return err
	}
	return errors.Wrapf(cause, "build ended with status %s", status)
}
