package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/openwrt/update-server/pkg/api"
	"github.com/openwrt/update-server/pkg/config"
	"github.com/openwrt/update-server/pkg/sign"
	"github.com/openwrt/update-server/pkg/storage"
)

func testJob() *api.BuildJob {
	return &api.BuildJob{
		RequestHash: "f04680a3e9f3963",
		SubtargetKey: api.SubtargetKey{
			Distro:    "lede",
			Release:   "17.01.4",
			Target:    "ar71xx",
			Subtarget: "generic",
		},
		Profile: "tl-wdr4300",
	}
}

// buildFixture seeds a store with one claimed build job and installs a stub
// imagebuilder whose Makefile is under test control.
func buildFixture(t *testing.T, makefile string) (*Worker, *api.BuildJob) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Config{
		DownloadDir:       filepath.Join(dir, "downloads"),
		TempDir:           filepath.Join(dir, "tmp"),
		ImagebuilderDir:   filepath.Join(dir, "imagebuilders"),
		BuildTimeout:      config.Duration{Duration: time.Minute},
		PackageSyncMaxAge: config.Duration{Duration: 24 * time.Hour},
	}
	if err := os.MkdirAll(cfg.TempDir, 0755); err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	store, err := storage.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	key := api.SubtargetKey{Distro: "lede", Release: "17.01.4", Target: "ar71xx", Subtarget: "generic"}
	if err := store.InsertRelease(ctx, key.Distro, key.Release); err != nil {
		t.Fatalf("failed to insert release: %v", err)
	}
	if err := store.InsertSubtargets(ctx, key.Distro, key.Release, key.Target, []string{key.Subtarget}); err != nil {
		t.Fatalf("failed to insert subtarget: %v", err)
	}
	if err := store.InsertPackagesAvailable(ctx, key, []api.PackageVersion{{Name: "luci", Version: "1.0"}}); err != nil {
		t.Fatalf("failed to insert packages: %v", err)
	}
	if err := store.InsertProfiles(ctx, key, "uci", []api.Profile{
		{Name: "tl-wdr4300", Model: "TP-LINK TL-WDR3600/4300/4310", Packages: ""},
	}); err != nil {
		t.Fatalf("failed to insert profiles: %v", err)
	}

	packages := []string{"luci"}
	packagesHash := api.PackagesHash(packages)
	if err := store.EnsurePackagesHash(ctx, packagesHash, packages); err != nil {
		t.Fatalf("failed to ensure packages hash: %v", err)
	}
	requestHash, err := api.RequestHash(key.Distro, key.Release, key.Target, key.Subtarget,
		"tl-wdr4300", packagesHash, "")
	if err != nil {
		t.Fatalf("failed to compute request hash: %v", err)
	}
	if _, err := store.FindOrInsertRequest(ctx, storage.RequestRow{
		RequestHash:  requestHash,
		SubtargetKey: key,
		Profile:      "tl-wdr4300",
		PackagesHash: packagesHash,
	}); err != nil {
		t.Fatalf("failed to insert request: %v", err)
	}
	job, err := store.ClaimNextBuildJob(ctx, []api.SubtargetKey{key})
	if err != nil || job == nil {
		t.Fatalf("failed to claim job: %+v, err %v", job, err)
	}

	ibDir := filepath.Join(cfg.ImagebuilderDir, key.Distro, key.Release, key.Target, key.Subtarget,
		"lede-imagebuilder-17.01.4-ar71xx-generic.Linux-x86_64")
	if err := os.MkdirAll(ibDir, 0755); err != nil {
		t.Fatalf("failed to create imagebuilder dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(ibDir, "Makefile"), []byte(makefile), 0644); err != nil {
		t.Fatalf("failed to write Makefile: %v", err)
	}

	_, secretKey, err := sign.GenerateKeyPair("test worker")
	if err != nil {
		t.Fatalf("failed to generate keypair: %v", err)
	}
	signer, err := sign.NewSigner(secretKey)
	if err != nil {
		t.Fatalf("failed to load secret key: %v", err)
	}
	client := retryablehttp.NewClient()
	client.RetryMax = 0
	client.Logger = nil
	return &Worker{
		log:    logrus.WithField("component", "worker"),
		cfg:    cfg,
		store:  store,
		signer: signer,
		client: client,
		id:     1,
	}, job
}

func TestBuildFailsWithoutManifest(t *testing.T) {
	w, job := buildFixture(t, "image:\n\t@true\n")
	ctx := context.Background()

	if err := w.build(ctx, job); err == nil {
		t.Fatal("expected build to fail without a manifest")
	}
	status, _, err := w.store.RequestStatus(ctx, job.RequestHash)
	if err != nil {
		t.Fatalf("failed to read status: %v", err)
	}
	if status != api.StatusBuildFail {
		t.Errorf("expected terminal status build_fail, got %s", status)
	}
	if _, err := os.Stat(filepath.Join(w.cfg.DownloadDir, "faillogs", job.RequestHash+".log")); err != nil {
		t.Errorf("expected failure log, got %v", err)
	}
}

func TestBuildFailsWithoutSysupgradeImage(t *testing.T) {
	makefile := "image:\n" +
		"\t@echo \"base-files - 173.2-r3560\" > $(BIN_DIR)/lede-17.01.4-ar71xx-generic.manifest\n"
	w, job := buildFixture(t, makefile)
	ctx := context.Background()

	if err := w.build(ctx, job); err == nil {
		t.Fatal("expected build to fail without a sysupgrade artifact")
	}
	status, _, err := w.store.RequestStatus(ctx, job.RequestHash)
	if err != nil {
		t.Fatalf("failed to read status: %v", err)
	}
	if status != api.StatusImageSizeFail {
		t.Errorf("expected terminal status imagesize_fail, got %s", status)
	}
	raw, err := os.ReadFile(filepath.Join(w.cfg.DownloadDir, "faillogs", job.RequestHash+".log"))
	if err != nil {
		t.Fatalf("expected failure log, got %v", err)
	}
	if !strings.Contains(string(raw), job.RequestHash) {
		t.Errorf("expected failure log to describe the job, got %q", raw)
	}
}

func TestBuildDemotesRequestWhenUploadRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		http.Error(rw, "bad signature", http.StatusBadRequest)
	}))
	defer server.Close()

	makefile := "image:\n" +
		"\t@echo \"base-files - 173.2-r3560\" > $(BIN_DIR)/fake.manifest\n" +
		"\t@echo firmware > $(BIN_DIR)/lede-17.01.4-ar71xx-generic-tl-wdr4300-squashfs-sysupgrade.bin\n"
	w, job := buildFixture(t, makefile)
	w.cfg.ServerURL = server.URL
	ctx := context.Background()

	if err := w.build(ctx, job); err == nil {
		t.Fatal("expected build to surface the rejected upload")
	}
	status, _, err := w.store.RequestStatus(ctx, job.RequestHash)
	if err != nil {
		t.Fatalf("failed to read status: %v", err)
	}
	if status != api.StatusBuildFail {
		t.Errorf("expected rejected upload to end in build_fail, got %s", status)
	}
}

func TestDiffPackages(t *testing.T) {
	testCases := []struct {
		name            string
		requested       []string
		profilePackages []string
		expected        []string
	}{
		{
			name:            "request drops a default",
			requested:       []string{"uci", "dropbear"},
			profilePackages: []string{"uci", "dropbear", "ppp"},
			expected:        []string{"uci", "dropbear", "-ppp"},
		},
		{
			name:            "request adds a package",
			requested:       []string{"uci", "vim"},
			profilePackages: []string{"uci"},
			expected:        []string{"uci", "vim"},
		},
		{
			name:            "disjoint sets negate every default",
			requested:       []string{"vim"},
			profilePackages: []string{"ppp", "odhcpd"},
			expected:        []string{"vim", "-ppp", "-odhcpd"},
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if diff := cmp.Diff(testCase.expected, diffPackages(testCase.requested, testCase.profilePackages)); diff != "" {
				t.Errorf("packages differ from expected: %s", diff)
			}
		})
	}
}

func TestPublicArtifactName(t *testing.T) {
	job := testJob()
	testCases := []struct {
		name     string
		filename string
		expected string
	}{
		{
			name:     "distro and hash tokens replaced",
			filename: "lede-17.01.4-f04680a3e9f3963-ar71xx-generic-tl-wdr4300-squashfs-sysupgrade.bin",
			expected: "lede-17.01.4-a2838a1a33261a5-ar71xx-generic-tl-wdr4300-squashfs-sysupgrade.bin",
		},
		{
			name:     "untouched file keeps its name",
			filename: "sha256sums",
			expected: "sha256sums",
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			got := publicArtifactName(testCase.filename, job, "17.01.4", "a2838a1a33261a5")
			if got != testCase.expected {
				t.Errorf("expected %q, got %q", testCase.expected, got)
			}
		})
	}
}

func TestPublicArtifactNameRewritesToolchainRelease(t *testing.T) {
	job := testJob()
	job.Distro = "libremesh"
	job.Release = "17.06"
	got := publicArtifactName("lede-17.01.4-f04680a3e9f3963-ar71xx-generic-squashfs-sysupgrade.bin", job, "17.01.4", "a2838a1a33261a5")
	if expected := "libremesh-17.06-a2838a1a33261a5-ar71xx-generic-squashfs-sysupgrade.bin"; got != expected {
		t.Errorf("expected %q, got %q", expected, got)
	}
}

func TestScanSysupgradePriority(t *testing.T) {
	dir := t.TempDir()
	for _, filename := range []string{
		"lede-ar71xx-generic-squashfs.bin",
		"lede-ar71xx-generic-squashfs-sysupgrade.bin",
		"lede-ar71xx-generic.manifest",
	} {
		if err := os.WriteFile(filepath.Join(dir, filename), []byte("x"), 0644); err != nil {
			t.Fatalf("failed to write artifact: %v", err)
		}
	}
	found, ok := scanSysupgrade(dir)
	if !ok {
		t.Fatal("expected a sysupgrade artifact")
	}
	if expected := "lede-ar71xx-generic-squashfs-sysupgrade.bin"; filepath.Base(found) != expected {
		t.Errorf("expected %q to win, got %q", expected, filepath.Base(found))
	}
}

func TestScanSysupgradeNoMatch(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "lede-ar71xx-generic-squashfs-factory.bin"), []byte("x"), 0644); err != nil {
		t.Fatalf("failed to write artifact: %v", err)
	}
	if _, ok := scanSysupgrade(dir); ok {
		t.Error("expected no sysupgrade artifact for factory-only output")
	}
}

func TestNameFlags(t *testing.T) {
	testCases := []struct {
		name              string
		artifact          string
		subtarget         string
		profile           string
		expectedSubtarget bool
		expectedProfile   bool
	}{
		{
			name:              "both tokens present",
			artifact:          "lede-17.01.4-ar71xx-generic-tl-wdr4300-squashfs-sysupgrade.bin",
			subtarget:         "generic",
			profile:           "tl-wdr4300",
			expectedSubtarget: true,
			expectedProfile:   true,
		},
		{
			name:              "profile missing",
			artifact:          "lede-17.01.4-x86-64-combined-squashfs.img",
			subtarget:         "64",
			profile:           "Generic",
			expectedSubtarget: true,
			expectedProfile:   false,
		},
		{
			name:              "profile equals subtarget and appears once",
			artifact:          "lede-17.01.4-ath25-generic-squashfs-sysupgrade.bin",
			subtarget:         "generic",
			profile:           "generic",
			expectedSubtarget: false,
			expectedProfile:   true,
		},
		{
			name:              "profile equals subtarget and appears twice",
			artifact:          "lede-17.01.4-ath25-generic-generic-squashfs-sysupgrade.bin",
			subtarget:         "generic",
			profile:           "generic",
			expectedSubtarget: true,
			expectedProfile:   true,
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			subtargetInName, profileInName := nameFlags(testCase.artifact, testCase.subtarget, testCase.profile)
			if subtargetInName != testCase.expectedSubtarget {
				t.Errorf("expected subtargetInName=%t, got %t", testCase.expectedSubtarget, subtargetInName)
			}
			if profileInName != testCase.expectedProfile {
				t.Errorf("expected profileInName=%t, got %t", testCase.expectedProfile, profileInName)
			}
		})
	}
}

func TestParseManifest(t *testing.T) {
	raw := []byte(`base-files - 173.2-r3560
busybox - 1.25.1-4
kernel - 4.4.92-1-d90dfb4b9e45b2b5dd87d7a07a6cbe54
`)
	expected := []api.PackageVersion{
		{Name: "base-files", Version: "173.2-r3560"},
		{Name: "busybox", Version: "1.25.1-4"},
		{Name: "kernel", Version: "4.4.92-1-d90dfb4b9e45b2b5dd87d7a07a6cbe54"},
	}
	if diff := cmp.Diff(expected, parseManifest(raw)); diff != "" {
		t.Errorf("manifest packages differ from expected: %s", diff)
	}
}

func TestNetworkProfilePackages(t *testing.T) {
	overlay := t.TempDir()
	if err := os.WriteFile(filepath.Join(overlay, "PACKAGES"), []byte("tinc fastd\nbabeld\n"), 0644); err != nil {
		t.Fatalf("failed to write PACKAGES: %v", err)
	}
	packages, err := networkProfilePackages(overlay)
	if err != nil {
		t.Fatalf("failed to read overlay packages: %v", err)
	}
	if diff := cmp.Diff([]string{"tinc", "fastd", "babeld"}, packages); diff != "" {
		t.Errorf("packages differ from expected: %s", diff)
	}
}

func TestNetworkProfilePackagesMissingFile(t *testing.T) {
	packages, err := networkProfilePackages(t.TempDir())
	if err != nil {
		t.Fatalf("expected missing PACKAGES file to be ignored, got %v", err)
	}
	if packages != nil {
		t.Errorf("expected no packages, got %v", packages)
	}
}
