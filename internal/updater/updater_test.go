package updater

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func releasesServer(t *testing.T, status int, releases []Release) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if ua := r.Header.Get("User-Agent"); ua != UserAgent {
			t.Errorf("User-Agent = %q", ua)
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		json.NewEncoder(w).Encode(releases)
	}))
	t.Cleanup(server.Close)
	return server, &hits
}

func newTestChecker(version, url string) *Checker {
	c := NewChecker(version)
	c.releasesURL = url
	c.goos, c.goarch = "linux", "amd64"
	return c
}

var sampleReleases = []Release{
	{TagName: "v1.3.0-rc.1", Prerelease: true, HTMLURL: "https://example.com/rc"},
	{TagName: "sdk-v9.0.0", HTMLURL: "https://example.com/sdk"},
	{
		TagName: "v1.2.0",
		HTMLURL: "https://example.com/v1.2.0",
		Body:    "## What's New\n- Faster reads",
		Assets: []Asset{
			{Name: "nfc-wedge_1.2.0_linux_amd64.tar.gz", BrowserDownloadURL: "https://example.com/linux.tar.gz"},
			{Name: "nfc-wedge_1.2.0_linux_amd64.deb", BrowserDownloadURL: "https://example.com/linux.deb"},
			{Name: "nfc-wedge_1.2.0_windows_amd64.msi", BrowserDownloadURL: "https://example.com/win.msi"},
		},
	},
	{TagName: "v1.1.5", HTMLURL: "https://example.com/v1.1.5"},
}

func TestCheckFindsNewerRelease(t *testing.T) {
	server, _ := releasesServer(t, http.StatusOK, sampleReleases)
	info := newTestChecker("1.1.5", server.URL).Check(context.Background(), false)

	if info.Error != "" {
		t.Fatalf("unexpected error %q", info.Error)
	}
	if !info.Available {
		t.Error("1.2.0 should be offered to 1.1.5")
	}
	if info.LatestVersion != "v1.2.0" {
		t.Errorf("LatestVersion = %q, want v1.2.0 (prereleases and sdk tags skipped)", info.LatestVersion)
	}
	if info.DownloadURL != "https://example.com/linux.deb" {
		t.Errorf("DownloadURL = %q, want the .deb", info.DownloadURL)
	}
	if info.Platform != "linux/amd64" {
		t.Errorf("Platform = %q", info.Platform)
	}
	if info.PublishedAt == nil {
		t.Error("PublishedAt should be set")
	}
}

func TestCheckUpToDate(t *testing.T) {
	server, _ := releasesServer(t, http.StatusOK, sampleReleases)

	for _, version := range []string{"1.2.0", "v1.2.0", "1.4.0"} {
		info := newTestChecker(version, server.URL).Check(context.Background(), true)
		if info.Available {
			t.Errorf("%s: no update expected", version)
		}
	}
}

func TestCheckDevBuild(t *testing.T) {
	server, _ := releasesServer(t, http.StatusOK, sampleReleases)
	info := newTestChecker("dev-abc1234-dirty", server.URL).Check(context.Background(), false)

	if !info.IsDev {
		t.Error("dev build not detected")
	}
	if info.Available {
		t.Error("dev builds are never offered updates")
	}
	if info.LatestVersion != "v1.2.0" {
		t.Errorf("LatestVersion = %q", info.LatestVersion)
	}
}

func TestCheckErrors(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{http.StatusForbidden, "rate limited"},
		{http.StatusNotFound, "no releases found"},
		{http.StatusBadGateway, "status 502"},
	}
	for _, tt := range tests {
		server, _ := releasesServer(t, tt.status, nil)
		info := newTestChecker("1.0.0", server.URL).Check(context.Background(), false)
		if !strings.Contains(info.Error, tt.want) {
			t.Errorf("status %d: Error = %q, want it to contain %q", tt.status, info.Error, tt.want)
		}
		if info.Available {
			t.Errorf("status %d: Available should be false", tt.status)
		}
	}

	server, _ := releasesServer(t, http.StatusOK, []Release{{TagName: "nightly"}})
	info := newTestChecker("1.0.0", server.URL).Check(context.Background(), false)
	if info.Error != "no NFC Wedge releases found" {
		t.Errorf("Error = %q", info.Error)
	}
}

func TestCheckerCaching(t *testing.T) {
	server, hits := releasesServer(t, http.StatusOK, sampleReleases)
	checker := newTestChecker("1.0.0", server.URL)

	first := checker.Check(context.Background(), false)
	second := checker.Check(context.Background(), false)
	if hits.Load() != 1 {
		t.Errorf("second call should use the cache, got %d requests", hits.Load())
	}
	if !first.CheckedAt.Equal(second.CheckedAt) {
		t.Error("cached result should keep its CheckedAt")
	}

	second.LatestVersion = "mutated"
	if checker.Check(context.Background(), false).LatestVersion != "v1.2.0" {
		t.Error("callers must not be able to modify the cache")
	}

	checker.Check(context.Background(), true)
	if hits.Load() != 2 {
		t.Errorf("forceRefresh should bypass the cache, got %d requests", hits.Load())
	}

	checker.ClearCache()
	checker.Check(context.Background(), false)
	if hits.Load() != 3 {
		t.Errorf("ClearCache should drop the cached result, got %d requests", hits.Load())
	}
}

func TestCheckCancelled(t *testing.T) {
	server, _ := releasesServer(t, http.StatusOK, sampleReleases)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	info := newTestChecker("1.0.0", server.URL).Check(ctx, false)
	if !strings.Contains(info.Error, "failed to fetch") {
		t.Errorf("Error = %q", info.Error)
	}
}

func TestFindDownloadURL(t *testing.T) {
	assets := []Asset{
		{Name: "nfc-wedge-darwin-universal.zip", BrowserDownloadURL: "mac-zip"},
		{Name: "nfc-wedge-darwin-universal.dmg", BrowserDownloadURL: "mac-dmg"},
		{Name: "nfc-wedge-windows-x64.exe", BrowserDownloadURL: "win-exe"},
		{Name: "nfc-wedge-linux-aarch64.tar.gz", BrowserDownloadURL: "linux-arm"},
	}
	tests := []struct {
		goos, goarch, want string
	}{
		{"darwin", "arm64", "mac-dmg"},
		{"windows", "amd64", "win-exe"},
		{"linux", "arm64", "linux-arm"},
		{"linux", "amd64", ""},
		{"freebsd", "amd64", ""},
	}
	for _, tt := range tests {
		if got := findDownloadURL(assets, tt.goos, tt.goarch); got != tt.want {
			t.Errorf("%s/%s: got %q, want %q", tt.goos, tt.goarch, got, tt.want)
		}
	}
}

func TestIsDev(t *testing.T) {
	tests := map[string]bool{
		"1.2.3":        false,
		"v1.2.3":       false,
		"1.2.3-beta.1": false,
		"dev":          true,
		"dev-abc1234":  true,
		"":             true,
	}
	for in, want := range tests {
		if got := IsDev(in); got != want {
			t.Errorf("IsDev(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestTruncateReleaseNotes(t *testing.T) {
	if got := truncateReleaseNotes("  short  ", 10); got != "short" {
		t.Errorf("got %q", got)
	}
	if got := truncateReleaseNotes("äöüäöü", 3); got != "äöü..." {
		t.Errorf("got %q, want rune-safe cut", got)
	}
}

func TestCheckTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	checker := newTestChecker("1.0.0", server.URL)
	checker.httpClient.Timeout = 50 * time.Millisecond
	if info := checker.Check(context.Background(), false); info.Error == "" {
		t.Error("expected a timeout error")
	}
}
