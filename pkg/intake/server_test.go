package intake

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/openwrt/update-server/pkg/api"
	"github.com/openwrt/update-server/pkg/config"
	"github.com/openwrt/update-server/pkg/storage"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	return config.Config{
		ServerURL: "http://updates.example.org",
		Distributions: map[string]config.Distribution{
			"lede": {ImagebuilderURL: "http://downloads.example.org/releases", Latest: "17.01.4"},
		},
		DownloadDir:       filepath.Join(dir, "downloads"),
		TempDir:           filepath.Join(dir, "tmp"),
		ImagebuilderDir:   filepath.Join(dir, "imagebuilders"),
		PackageSyncMaxAge: config.Duration{Duration: 24 * time.Hour},
	}
}

func testServer(t *testing.T) (*Server, *storage.Store) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewServer(testConfig(t), store), store
}

func seedSupportedSubtarget(t *testing.T, store *storage.Store) api.SubtargetKey {
	t.Helper()
	ctx := context.Background()
	key := api.SubtargetKey{Distro: "lede", Release: "17.01.4", Target: "ar71xx", Subtarget: "generic"}
	if err := store.InsertRelease(ctx, key.Distro, key.Release); err != nil {
		t.Fatalf("failed to insert release: %v", err)
	}
	if err := store.InsertSubtargets(ctx, key.Distro, key.Release, key.Target, []string{key.Subtarget}); err != nil {
		t.Fatalf("failed to insert subtarget: %v", err)
	}
	if err := store.SetSupported(ctx, key, api.SupportSupported); err != nil {
		t.Fatalf("failed to mark supported: %v", err)
	}
	if err := store.InsertPackagesAvailable(ctx, key, []api.PackageVersion{
		{Name: "luci", Version: "1.0"},
		{Name: "nano", Version: "2.7"},
		{Name: "uci", Version: "3.1"},
	}); err != nil {
		t.Fatalf("failed to insert packages: %v", err)
	}
	if err := store.InsertProfiles(ctx, key, "uci", []api.Profile{
		{Name: "tl-wdr4300-v1", Model: "TP-LINK TL-WDR4300 v1", Packages: "kmod-usb2"},
	}); err != nil {
		t.Fatalf("failed to insert profiles: %v", err)
	}
	return key
}

func postImageRequest(t *testing.T, server *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	router := httprouter.New()
	server.Register(router)
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/api/upgrade-request", bytes.NewBufferString(body))
	router.ServeHTTP(recorder, request)
	return recorder
}

func TestImageRequestMalformedBody(t *testing.T) {
	server, _ := testServer(t)
	recorder := postImageRequest(t, server, "{not json")
	if recorder.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", recorder.Code)
	}
	if body := strings.TrimSpace(recorder.Body.String()); body != "[]" {
		t.Errorf("expected empty list body, got %q", body)
	}
}

func TestImageRequestMissingFields(t *testing.T) {
	server, _ := testServer(t)
	recorder := postImageRequest(t, server, `{"target": "ar71xx"}`)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
	var response errorResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if expected := "missing parameters - need subtarget profile"; response.Error != expected {
		t.Errorf("expected error %q, got %q", expected, response.Error)
	}
}

func TestImageRequestValidationErrors(t *testing.T) {
	server, store := testServer(t)
	seedSupportedSubtarget(t, store)

	testCases := []struct {
		name          string
		body          string
		expectedError string
	}{
		{
			name:          "unknown distribution",
			body:          `{"distro": "gentoo", "target": "ar71xx", "subtarget": "generic", "profile": "x"}`,
			expectedError: "unknown distribution gentoo",
		},
		{
			name:          "unknown release",
			body:          `{"version": "99.99", "target": "ar71xx", "subtarget": "generic", "profile": "x"}`,
			expectedError: "unknown release 99.99",
		},
		{
			name:          "unknown target",
			body:          `{"target": "sunxi", "subtarget": "generic", "profile": "x"}`,
			expectedError: "unknown target sunxi/generic",
		},
		{
			name:          "unknown package",
			body:          `{"target": "ar71xx", "subtarget": "generic", "profile": "tl-wdr4300-v1", "packages": ["luci", "definitely-not-a-package"]}`,
			expectedError: "could not find package 'definitely-not-a-package' for requested target",
		},
		{
			name:          "unknown profile",
			body:          `{"target": "ar71xx", "subtarget": "generic", "profile": "nonexistent-board"}`,
			expectedError: "unknown profile nonexistent-board",
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			recorder := postImageRequest(t, server, testCase.body)
			if recorder.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", recorder.Code, recorder.Body.String())
			}
			var response errorResponse
			if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if response.Error != testCase.expectedError {
				t.Errorf("expected error %q, got %q", testCase.expectedError, response.Error)
			}
		})
	}
}

func TestImageRequestUnsupportedTarget(t *testing.T) {
	server, store := testServer(t)
	key := seedSupportedSubtarget(t, store)
	if err := store.SetSupported(context.Background(), key, api.SupportUnsupported); err != nil {
		t.Fatalf("failed to flip supported flag: %v", err)
	}
	recorder := postImageRequest(t, server, `{"target": "ar71xx", "subtarget": "generic", "profile": "x"}`)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "target currently not supported ar71xx/generic") {
		t.Errorf("unexpected body %q", recorder.Body.String())
	}
}

func TestImageRequestQueuesBuild(t *testing.T) {
	server, _ := testServer(t)
	seedSupportedSubtarget(t, server.store)

	body := `{"target": "ar71xx", "subtarget": "generic", "profile": "tl-wdr4300-v1", "packages": ["luci", "nano"]}`
	recorder := postImageRequest(t, server, body)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var first imageResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &first); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if first.Status != api.StatusRequested {
		t.Errorf("expected status requested, got %s", first.Status)
	}
	if len(first.RequestHash) != api.RequestHashLen {
		t.Errorf("expected %d char request hash, got %q", api.RequestHashLen, first.RequestHash)
	}

	// Resubmission with reordered packages must hit the same request row.
	recorder = postImageRequest(t, server, `{"target": "ar71xx", "subtarget": "generic", "profile": "tl-wdr4300-v1", "packages": ["nano", "luci"]}`)
	var second imageResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &second); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if second.RequestHash != first.RequestHash {
		t.Errorf("expected dedup to same hash, got %q and %q", first.RequestHash, second.RequestHash)
	}
}

func TestImageRequestStaleCatalogueQueuesImagebuilder(t *testing.T) {
	server, store := testServer(t)
	ctx := context.Background()
	key := api.SubtargetKey{Distro: "lede", Release: "17.01.4", Target: "ar71xx", Subtarget: "generic"}
	if err := store.InsertRelease(ctx, key.Distro, key.Release); err != nil {
		t.Fatalf("failed to insert release: %v", err)
	}
	if err := store.InsertSubtargets(ctx, key.Distro, key.Release, key.Target, []string{key.Subtarget}); err != nil {
		t.Fatalf("failed to insert subtarget: %v", err)
	}
	if err := store.SetSupported(ctx, key, api.SupportSupported); err != nil {
		t.Fatalf("failed to mark supported: %v", err)
	}

	recorder := postImageRequest(t, server, `{"target": "ar71xx", "subtarget": "generic", "profile": "tl-wdr4300-v1"}`)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var response imageResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.Status != api.StatusImagebuilder {
		t.Errorf("expected imagebuilder status, got %s", response.Status)
	}
	claimed, err := store.ClaimNextImagebuilderRequest(ctx)
	if err != nil {
		t.Fatalf("failed to claim imagebuilder request: %v", err)
	}
	if claimed == nil || *claimed != key {
		t.Errorf("expected imagebuilder request for %s, got %v", key, claimed)
	}
}

func TestImageRequestReadyEnvelope(t *testing.T) {
	server, store := testServer(t)
	key := seedSupportedSubtarget(t, store)
	ctx := context.Background()

	packages := []string{"luci", "nano"}
	packagesHash := api.PackagesHash(packages)
	if err := store.EnsurePackagesHash(ctx, packagesHash, packages); err != nil {
		t.Fatalf("failed to ensure packages hash: %v", err)
	}
	requestHash, err := api.RequestHash(key.Distro, key.Release, key.Target, key.Subtarget,
		"tl-wdr4300-v1", packagesHash, "")
	if err != nil {
		t.Fatalf("failed to compute request hash: %v", err)
	}
	imageHash, err := api.ImageHash(key.Distro, key.Release, key.Target, key.Subtarget,
		"tl-wdr4300-v1", "a2838a1a33261a5", "")
	if err != nil {
		t.Fatalf("failed to compute image hash: %v", err)
	}
	if _, err := store.FindOrInsertRequest(ctx, storage.RequestRow{
		RequestHash:  requestHash,
		SubtargetKey: key,
		Profile:      "tl-wdr4300-v1",
		PackagesHash: packagesHash,
	}); err != nil {
		t.Fatalf("failed to insert request: %v", err)
	}
	if _, err := store.AddImage(ctx, api.Image{
		ImageHash:        imageHash,
		SubtargetKey:     key,
		Profile:          "tl-wdr4300-v1",
		ManifestHash:     "a2838a1a33261a5",
		Checksum:         "d41d8cd98f00b204e9800998ecf8427e",
		Filesize:         4194304,
		BuildDate:        time.Now().UTC(),
		SysupgradeSuffix: "squashfs-sysupgrade.bin",
		SubtargetInName:  true,
		ProfileInName:    true,
	}); err != nil {
		t.Fatalf("failed to insert image: %v", err)
	}
	if err := store.CompleteBuildJob(ctx, requestHash, imageHash); err != nil {
		t.Fatalf("failed to complete job: %v", err)
	}
	if err := store.SetRequestStatus(ctx, requestHash, api.StatusReady); err != nil {
		t.Fatalf("failed to promote request: %v", err)
	}

	recorder := postImageRequest(t, server, `{"target": "ar71xx", "subtarget": "generic", "profile": "tl-wdr4300-v1", "packages": ["nano", "luci"]}`)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var response imageResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.Status != api.StatusReady {
		t.Errorf("expected ready, got %s", response.Status)
	}
	expectedURL := "http://updates.example.org/download/lede/17.01.4/ar71xx/generic/tl-wdr4300-v1/a2838a1a33261a5/lede-17.01.4-a2838a1a33261a5-ar71xx-generic-tl-wdr4300-v1-squashfs-sysupgrade.bin"
	if response.Sysupgrade != expectedURL {
		t.Errorf("expected sysupgrade URL %q, got %q", expectedURL, response.Sysupgrade)
	}
	if response.Checksum != "d41d8cd98f00b204e9800998ecf8427e" || response.Filesize != 4194304 {
		t.Errorf("unexpected image metadata: %+v", response)
	}
}

func TestUpgradeCheck(t *testing.T) {
	server, store := testServer(t)
	key := seedSupportedSubtarget(t, store)
	ctx := context.Background()
	if err := store.InsertRelease(ctx, key.Distro, "17.01.0"); err != nil {
		t.Fatalf("failed to insert release: %v", err)
	}
	if err := store.InsertSubtargets(ctx, key.Distro, "17.01.0", key.Target, []string{key.Subtarget}); err != nil {
		t.Fatalf("failed to insert subtarget: %v", err)
	}
	if err := store.SetSupported(ctx, api.SubtargetKey{Distro: key.Distro, Release: "17.01.0", Target: key.Target, Subtarget: key.Subtarget}, api.SupportSupported); err != nil {
		t.Fatalf("failed to mark supported: %v", err)
	}

	router := httprouter.New()
	server.Register(router)
	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPost, "/api/upgrade-check",
		bytes.NewBufferString(`{"version": "17.01.0", "target": "ar71xx", "subtarget": "generic"}`))
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var response upgradeCheckResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !response.Upgrade || response.Latest != "17.01.4" {
		t.Errorf("expected upgrade to 17.01.4, got %+v", response)
	}
}

func TestNewerRelease(t *testing.T) {
	testCases := []struct {
		current, latest string
		expected        bool
	}{
		{"17.01.0", "17.01.4", true},
		{"17.01.4", "17.01.4", false},
		{"18.06.0", "17.01.4", false},
		{"snapshot", "17.01.4", true},
	}
	for _, testCase := range testCases {
		if got := newerRelease(testCase.current, testCase.latest); got != testCase.expected {
			t.Errorf("newerRelease(%q, %q): expected %t, got %t",
				testCase.current, testCase.latest, testCase.expected, got)
		}
	}
}

func TestModelsRequiresParameters(t *testing.T) {
	server, _ := testServer(t)
	router := httprouter.New()
	server.Register(router)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/models?distro=lede", nil))
	if recorder.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", recorder.Code)
	}
	if body := strings.TrimSpace(recorder.Body.String()); body != "[]" {
		t.Errorf("expected empty list body, got %q", body)
	}
}

func TestImageInfo(t *testing.T) {
	server, store := testServer(t)
	key := seedSupportedSubtarget(t, store)
	ctx := context.Background()
	imageHash, err := api.ImageHash(key.Distro, key.Release, key.Target, key.Subtarget,
		"tl-wdr4300-v1", "a2838a1a33261a5", "")
	if err != nil {
		t.Fatalf("failed to compute image hash: %v", err)
	}
	if _, err := store.AddImage(ctx, api.Image{
		ImageHash:        imageHash,
		SubtargetKey:     key,
		Profile:          "tl-wdr4300-v1",
		ManifestHash:     "a2838a1a33261a5",
		Checksum:         "d41d8cd98f00b204e9800998ecf8427e",
		Filesize:         4194304,
		BuildDate:        time.Now().UTC(),
		SysupgradeSuffix: "squashfs-sysupgrade.bin",
	}); err != nil {
		t.Fatalf("failed to insert image: %v", err)
	}
	if _, err := store.AddManifest(ctx, "a2838a1a33261a5"); err != nil {
		t.Fatalf("failed to insert manifest: %v", err)
	}
	if err := store.AddManifestPackages(ctx, "a2838a1a33261a5", []api.PackageVersion{
		{Name: "busybox", Version: "1.25.1-4"},
		{Name: "luci", Version: "1.0"},
	}); err != nil {
		t.Fatalf("failed to insert manifest packages: %v", err)
	}

	router := httprouter.New()
	server.Register(router)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/image/"+imageHash, nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var info imageInfo
	if err := json.Unmarshal(recorder.Body.Bytes(), &info); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if info.ImageHash != imageHash || len(info.Manifest) != 2 {
		t.Errorf("unexpected image info: %+v", info)
	}

	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/image/fffffffffffffff", nil))
	if recorder.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown image, got %d", recorder.Code)
	}
}

func TestModelsSearch(t *testing.T) {
	server, store := testServer(t)
	seedSupportedSubtarget(t, store)
	router := httprouter.New()
	server.Register(router)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet,
		"/api/models?distro=lede&release=17.01.4&model_search=WDR4300", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var entries []modelEntry
	if err := json.Unmarshal(recorder.Body.Bytes(), &entries); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(entries) != 1 || entries[0].Profile != "tl-wdr4300-v1" {
		t.Errorf("unexpected search result: %+v", entries)
	}
}
