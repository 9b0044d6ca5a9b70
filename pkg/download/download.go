// pkg/download/download.go - resumable, verified artifact fetching.

package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/windowsadmins/winebridge/pkg/logging"
	"github.com/windowsadmins/winebridge/pkg/progress"
	"github.com/windowsadmins/winebridge/pkg/utils"
	"github.com/windowsadmins/winebridge/pkg/version"
)

var (
	// ErrNetwork covers metadata probe and streaming failures.
	ErrNetwork = errors.New("network failure")
	// ErrVerification covers size and checksum mismatches.
	ErrVerification = errors.New("verification failure")
)

const (
	minChunkSize        = 100 * 1024
	maxChunkSize        = 2 * 1024 * 1024
	defaultPollInterval = 100 * time.Millisecond
)

// Metadata is what a probe learned about a URL.
type Metadata struct {
	Length       int64 // -1 when the server did not advertise one
	Checksum     utils.Checksum
	AcceptRanges bool
}

// Target is one artifact being materialised at Path.
type Target struct {
	Name         string
	URL          string
	Path         string
	ExpectedSize int64 // <= 0 means unknown
	Checksum     utils.Checksum
	AcceptRanges bool
}

// LocalSize is the number of bytes currently on disk for the target.
func (t *Target) LocalSize() int64 {
	info, err := os.Stat(t.Path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// ChunkSize is the streaming buffer for a transfer of total bytes: total/50 clamped to
// [100 KB, 2 MB].
func ChunkSize(total int64) int64 {
	return min(max(total/50, minChunkSize), maxChunkSize)
}

// Manager is the fetcher. At most one fetch and one verify worker run per target name.
type Manager struct {
	client       *http.Client
	sink         progress.Sink
	searchDirs   []string
	pollInterval time.Duration

	probes singleflight.Group

	mu      sync.Mutex
	workers map[string]*worker
}

// Option configures a Manager.
type Option func(*Manager)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.client = c }
}

// WithSink forwards download percentages to the front end.
func WithSink(s progress.Sink) Option {
	return func(m *Manager) { m.sink = s }
}

// WithSearchDirs sets the ordered directories searched for an already-correct copy.
func WithSearchDirs(dirs ...string) Option {
	return func(m *Manager) { m.searchDirs = dirs }
}

// WithPollInterval sets how often the orchestration loop checks worker liveness.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) { m.pollInterval = d }
}

// New creates a Manager.
func New(opts ...Option) *Manager {
	m := &Manager{
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: 30 * time.Second,
				DisableCompression:    true,
			},
		},
		pollInterval: defaultPollInterval,
		workers:      make(map[string]*worker),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetSearchDirs replaces the local-copy search order.
func (m *Manager) SetSearchDirs(dirs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.searchDirs = dirs
}

func (m *Manager) currentSink() progress.Sink {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sink
}

// Acquire makes fileName inside destDir a verified copy of url. A verified copy found in
// one of the search directories is reused. A verification failure removes the bad file so
// the next call restarts; a network failure keeps the partial file so the next call resumes.
func (m *Manager) Acquire(ctx context.Context, url, destDir, fileName string) error {
	meta, err := m.Probe(ctx, url)
	if err != nil {
		return err
	}

	target := &Target{
		Name:         fileName,
		URL:          url,
		Path:         filepath.Join(destDir, fileName),
		ExpectedSize: meta.Length,
		Checksum:     meta.Checksum,
		AcceptRanges: meta.AcceptRanges,
	}

	if m.reuseLocalCopy(target) {
		return nil
	}

	if err := m.runExclusive(ctx, target.Name, kindFetch, func() error { return m.Fetch(ctx, target) }); err != nil {
		logging.LogDownloadFailed(target.Name, url, err)
		return err
	}
	if err := m.runExclusive(ctx, target.Name, kindVerify, func() error { return Verify(target) }); err != nil {
		logging.LogDownloadFailed(target.Name, url, err)
		if errors.Is(err, ErrVerification) {
			os.Remove(target.Path)
		}
		return err
	}
	return nil
}

func (m *Manager) reuseLocalCopy(target *Target) bool {
	m.mu.Lock()
	dirs := append([]string(nil), m.searchDirs...)
	m.mu.Unlock()

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, target.Name)
		if !utils.FileExists(candidate) {
			continue
		}
		local := *target
		local.Path = candidate
		if err := Verify(&local); err != nil {
			logging.Debug("Local copy does not verify", "path", candidate, "error", err)
			continue
		}
		if filepath.Clean(candidate) != filepath.Clean(target.Path) {
			if err := utils.CopyFile(candidate, target.Path); err != nil {
				logging.Warn("Failed to copy verified local copy", "from", candidate, "to", target.Path, "error", err)
				continue
			}
		}
		logging.Info("Reusing verified local copy", "name", target.Name, "source", candidate)
		return true
	}
	return false
}

// Probe issues a HEAD request for url and reports advertised length, range support and a
// checksum hint. Concurrent probes of the same URL share one request.
func (m *Manager) Probe(ctx context.Context, url string) (Metadata, error) {
	v, err, _ := m.probes.Do(url, func() (interface{}, error) {
		return m.probe(ctx, url)
	})
	if err != nil {
		return Metadata{}, err
	}
	return v.(Metadata), nil
}

func (m *Manager) probe(ctx context.Context, url string) (Metadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: creating probe for %s: %v", ErrNetwork, url, err)
	}
	req.Header.Set("Accept-Encoding", "identity")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := m.client.Do(req)
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: probing %s: %v", ErrNetwork, url, err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Metadata{}, fmt.Errorf("%w: probing %s: unexpected HTTP status %d", ErrNetwork, url, resp.StatusCode)
	}

	meta := Metadata{
		Length:       resp.ContentLength,
		Checksum:     checksumFromHeaders(resp.Header),
		AcceptRanges: strings.EqualFold(strings.TrimSpace(resp.Header.Get("Accept-Ranges")), "bytes"),
	}
	logging.Debug("Probed artifact", "url", url, "length", meta.Length, "ranges", meta.AcceptRanges, "checksum", meta.Checksum.String())
	return meta, nil
}

// checksumFromHeaders prefers explicit digest headers and falls back to the ETag when the
// hosting headers say it is a plain MD5 of the object.
func checksumFromHeaders(h http.Header) utils.Checksum {
	if v := h.Get("Content-MD5"); v != "" {
		if sum, err := utils.DecodeSum("md5", v); err == nil {
			return sum
		}
	}
	for _, v := range h.Values("X-Goog-Hash") {
		for _, part := range strings.Split(v, ",") {
			algo, value, ok := strings.Cut(strings.TrimSpace(part), "=")
			if ok && algo == "md5" {
				if sum, err := utils.DecodeSum("md5", value); err == nil {
					return sum
				}
			}
		}
	}
	if v := h.Get("Digest"); v != "" {
		for _, part := range strings.Split(v, ",") {
			algo, value, ok := strings.Cut(strings.TrimSpace(part), "=")
			if ok && strings.EqualFold(algo, "sha-256") {
				if sum, err := utils.DecodeSum("sha256", value); err == nil {
					return sum
				}
			}
		}
	}
	if v := h.Get("X-Checksum-Sha256"); v != "" {
		if sum, err := utils.DecodeSum("sha256", v); err == nil {
			return sum
		}
	}
	// Multipart uploads carry a "-N" suffix and are not a digest of the object.
	if etag := h.Get("ETag"); etag != "" && !strings.Contains(etag, "-") && etagIsMD5(h) {
		if sum, err := utils.DecodeSum("md5", strings.TrimPrefix(etag, "W/")); err == nil {
			return sum
		}
	}
	return utils.Checksum{}
}

func etagIsMD5(h http.Header) bool {
	server := strings.ToLower(h.Get("Server"))
	return h.Get("X-Goog-Generation") != "" ||
		h.Get("X-Amz-Request-Id") != "" ||
		strings.Contains(server, "amazons3") ||
		strings.Contains(server, "uploadserver")
}

// Fetch streams the target's URL to its path, resuming from the bytes already on disk when
// the server supports ranges and starting over otherwise.
func (m *Manager) Fetch(ctx context.Context, target *Target) error {
	if err := os.MkdirAll(filepath.Dir(target.Path), 0755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(target.Path), err)
	}

	offset := target.LocalSize()
	total := target.ExpectedSize
	if total > 0 && offset == total {
		logging.Debug("Artifact already complete on disk", "name", target.Name)
		return nil
	}
	if offset > 0 && (!target.AcceptRanges || (total > 0 && offset > total)) {
		offset = 0
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.URL, nil)
	if err != nil {
		return fmt.Errorf("%w: creating request for %s: %v", ErrNetwork, target.URL, err)
	}
	req.Header.Set("Accept-Encoding", "identity")
	req.Header.Set("User-Agent", version.UserAgent())
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	logging.LogDownloadStart(target.Name, target.URL, offset)
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: requesting %s: %v", ErrNetwork, target.URL, err)
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	switch {
	case offset > 0 && resp.StatusCode == http.StatusPartialContent:
		flags |= os.O_APPEND
	case resp.StatusCode == http.StatusOK:
		offset = 0
		flags |= os.O_TRUNC
	default:
		return fmt.Errorf("%w: fetching %s: unexpected HTTP status %d", ErrNetwork, target.URL, resp.StatusCode)
	}
	if total <= 0 && resp.ContentLength > 0 {
		total = offset + resp.ContentLength
	}

	out, err := os.OpenFile(target.Path, flags, 0644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", target.Path, err)
	}
	defer out.Close()

	tracker := progress.NewDownload(target.Name, offset, total, m.currentSink())
	buf := make([]byte, ChunkSize(total))
	for {
		n, rerr := io.ReadFull(resp.Body, buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return fmt.Errorf("writing %s: %w", target.Path, werr)
			}
			tracker.Add(int64(n))
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("%w: streaming %s: %v", ErrNetwork, target.URL, rerr)
		}
	}

	logging.LogDownloadComplete(target.Name, target.Path, tracker.Written(), tracker.Elapsed())
	return nil
}

// Verify checks size first and stops on a mismatch, then the checksum. A missing
// advertised length or checksum passes that check.
func Verify(target *Target) error {
	if target.ExpectedSize > 0 {
		if size := target.LocalSize(); size != target.ExpectedSize {
			return fmt.Errorf("%w: %s is %d bytes, expected %d", ErrVerification, target.Name, size, target.ExpectedSize)
		}
	}
	if target.Checksum.IsZero() {
		return nil
	}
	ok, err := utils.Verify(target.Path, target.Checksum)
	if err != nil {
		return fmt.Errorf("%w: hashing %s: %v", ErrVerification, target.Name, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s does not match %s", ErrVerification, target.Name, target.Checksum)
	}
	return nil
}

// Get reads a small document such as a release feed into memory, refusing more than limit bytes.
func (m *Manager) Get(ctx context.Context, url string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: creating request for %s: %v", ErrNetwork, url, err)
	}
	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set("Accept", "application/json, application/xml;q=0.9, */*;q=0.5")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: requesting %s: %v", ErrNetwork, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: fetching %s: unexpected HTTP status %d", ErrNetwork, url, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrNetwork, url, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: %s is larger than %d bytes", ErrNetwork, url, limit)
	}
	return data, nil
}
