// Package updater checks GitHub for newer NFC Wedge releases.
package updater

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/mod/semver"
)

const (
	// ReleasesURL lists the most recent releases.
	ReleasesURL = "https://api.github.com/repos/SimplyPrint/nfc-wedge/releases?per_page=20"
	// CacheDuration defines how long to cache update check results
	CacheDuration = 30 * time.Minute
	// RequestTimeout is the timeout for GitHub API requests
	RequestTimeout = 10 * time.Second
	// UserAgent identifies this client to GitHub
	UserAgent = "nfc-wedge-updater"
	// MaxReleaseNotesLength is the maximum length of release notes to return
	MaxReleaseNotesLength = 500
)

// Release is the subset of the GitHub release object we read.
type Release struct {
	TagName     string    `json:"tag_name"`
	Name        string    `json:"name"`
	Body        string    `json:"body"`
	HTMLURL     string    `json:"html_url"`
	Draft       bool      `json:"draft"`
	Prerelease  bool      `json:"prerelease"`
	PublishedAt time.Time `json:"published_at"`
	Assets      []Asset   `json:"assets"`
}

// Asset is a downloadable release file.
type Asset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
	Size               int64  `json:"size"`
}

// UpdateInfo is the result of one check.
type UpdateInfo struct {
	Available      bool       `json:"available"`
	CurrentVersion string     `json:"currentVersion"`
	LatestVersion  string     `json:"latestVersion,omitempty"`
	ReleaseURL     string     `json:"releaseUrl,omitempty"`
	ReleaseNotes   string     `json:"releaseNotes,omitempty"`
	PublishedAt    *time.Time `json:"publishedAt,omitempty"`
	DownloadURL    string     `json:"downloadUrl,omitempty"`
	Platform       string     `json:"platform"`
	CheckedAt      time.Time  `json:"checkedAt"`
	Error          string     `json:"error,omitempty"`
	IsDev          bool       `json:"isDev"`
}

// Checker handles update checking with caching
type Checker struct {
	currentVersion string
	releasesURL    string
	goos, goarch   string
	httpClient     *http.Client

	mu           sync.Mutex
	cachedResult *UpdateInfo
	cacheExpiry  time.Time
}

// NewChecker creates a new update checker
func NewChecker(currentVersion string) *Checker {
	return &Checker{
		currentVersion: currentVersion,
		releasesURL:    ReleasesURL,
		goos:           runtime.GOOS,
		goarch:         runtime.GOARCH,
		httpClient:     &http.Client{Timeout: RequestTimeout},
	}
}

// canonical turns "1.2.3" and "v1.2.3" into "v1.2.3". Anything that is not
// a semantic version, such as "dev-abc1234", comes back empty.
func canonical(version string) string {
	v := strings.TrimSpace(version)
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return ""
	}
	return semver.Canonical(v)
}

// IsDev reports whether version is a development build.
func IsDev(version string) bool {
	return canonical(version) == ""
}

// Check returns the cached result unless it expired or forceRefresh is set.
// Failures are reported in UpdateInfo.Error and cached like successes so a
// rate-limited client does not retry on every call.
func (c *Checker) Check(ctx context.Context, forceRefresh bool) *UpdateInfo {
	c.mu.Lock()
	if !forceRefresh && c.cachedResult != nil && time.Now().Before(c.cacheExpiry) {
		result := *c.cachedResult
		c.mu.Unlock()
		return &result
	}
	c.mu.Unlock()

	result := c.check(ctx)

	c.mu.Lock()
	c.cachedResult = result
	c.cacheExpiry = time.Now().Add(CacheDuration)
	c.mu.Unlock()

	copied := *result
	return &copied
}

// ClearCache clears the cached update info
func (c *Checker) ClearCache() {
	c.mu.Lock()
	c.cachedResult = nil
	c.cacheExpiry = time.Time{}
	c.mu.Unlock()
}

func (c *Checker) check(ctx context.Context) *UpdateInfo {
	info := &UpdateInfo{
		CurrentVersion: c.currentVersion,
		Platform:       c.goos + "/" + c.goarch,
		CheckedAt:      time.Now(),
		IsDev:          IsDev(c.currentVersion),
	}

	releases, err := c.fetch(ctx)
	if err != nil {
		info.Error = err.Error()
		return info
	}

	release := latestStable(releases)
	if release == nil {
		info.Error = "no NFC Wedge releases found"
		return info
	}

	info.LatestVersion = release.TagName
	info.ReleaseURL = release.HTMLURL
	info.ReleaseNotes = truncateReleaseNotes(release.Body, MaxReleaseNotesLength)
	published := release.PublishedAt
	info.PublishedAt = &published
	info.DownloadURL = findDownloadURL(release.Assets, c.goos, c.goarch)

	// Dev builds are usually ahead of the last release.
	if !info.IsDev {
		info.Available = semver.Compare(canonical(c.currentVersion), canonical(release.TagName)) < 0
	}
	return info
}

func (c *Checker) fetch(ctx context.Context) ([]Release, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.releasesURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "application/vnd.github.v3+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch release info: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusForbidden, http.StatusTooManyRequests:
		return nil, fmt.Errorf("rate limited by GitHub API, try again later")
	case http.StatusNotFound:
		return nil, fmt.Errorf("no releases found")
	default:
		return nil, fmt.Errorf("GitHub API returned status %d", resp.StatusCode)
	}

	var releases []Release
	if err := json.NewDecoder(resp.Body).Decode(&releases); err != nil {
		return nil, fmt.Errorf("failed to parse release info: %w", err)
	}
	return releases, nil
}

// latestStable returns the highest published, non-prerelease version tag.
// Tags with other prefixes (sdk-v1.0.0) are skipped.
func latestStable(releases []Release) *Release {
	var best *Release
	for i := range releases {
		r := &releases[i]
		if r.Draft || r.Prerelease || !strings.HasPrefix(r.TagName, "v") {
			continue
		}
		v := canonical(r.TagName)
		if v == "" || semver.Prerelease(v) != "" {
			continue
		}
		if best == nil || semver.Compare(v, canonical(best.TagName)) > 0 {
			best = r
		}
	}
	return best
}

var (
	archAliases = map[string][]string{
		"amd64": {"amd64", "x86_64", "x64"},
		"arm64": {"arm64", "aarch64"},
		"386":   {"386", "i386", "x86"},
	}
	osAliases = map[string][]string{
		"darwin":  {"darwin", "macos", "mac"},
		"windows": {"windows", "win"},
		"linux":   {"linux"},
	}
	// Earlier entries are preferred.
	packageExtensions = map[string][]string{
		"darwin":  {".dmg", ".pkg", ".tar.gz", ".zip"},
		"windows": {".msi", ".exe", ".zip"},
		"linux":   {".deb", ".rpm", ".tar.gz", ".zip"},
	}
)

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// findDownloadURL picks the asset for goos/goarch, preferring native
// installer formats. macOS universal builds match any architecture.
func findDownloadURL(assets []Asset, goos, goarch string) string {
	arches := archAliases[goarch]
	if arches == nil {
		arches = []string{goarch}
	}
	exts := packageExtensions[goos]
	if exts == nil {
		exts = []string{".tar.gz", ".zip"}
	}

	bestURL, bestRank := "", len(exts)+1
	for _, asset := range assets {
		name := strings.ToLower(asset.Name)
		if !containsAny(name, osAliases[goos]) {
			continue
		}
		if !containsAny(name, arches) && !(goos == "darwin" && strings.Contains(name, "universal")) {
			continue
		}
		rank := len(exts)
		for i, ext := range exts {
			if strings.HasSuffix(name, ext) {
				rank = i
				break
			}
		}
		if rank < bestRank {
			bestURL, bestRank = asset.BrowserDownloadURL, rank
		}
	}
	return bestURL
}

// truncateReleaseNotes cuts notes to maxLen runes.
func truncateReleaseNotes(notes string, maxLen int) string {
	notes = strings.TrimSpace(notes)
	r := []rune(notes)
	if len(r) <= maxLen {
		return notes
	}
	return string(r[:maxLen]) + "..."
}
