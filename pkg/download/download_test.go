package download

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windowsadmins/winebridge/pkg/retry"
	"github.com/windowsadmins/winebridge/pkg/utils"
)

func payload(size int) []byte {
	data := make([]byte, size)
	rand.New(rand.NewSource(42)).Read(data)
	return data
}

func md5Header(data []byte) string {
	sum := md5.Sum(data)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// rangeServer serves content with range support and records each GET's Range header.
func rangeServer(t *testing.T, content []byte, headers map[string]string) (*httptest.Server, *[]string) {
	t.Helper()
	var mu sync.Mutex
	ranges := []string{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for k, v := range headers {
			w.Header().Set(k, v)
		}
		if r.Method == http.MethodGet {
			mu.Lock()
			ranges = append(ranges, r.Header.Get("Range"))
			mu.Unlock()
		}
		http.ServeContent(w, r, "artifact.bin", time.Time{}, bytes.NewReader(content))
	}))
	t.Cleanup(srv.Close)
	return srv, &ranges
}

func TestChunkSize(t *testing.T) {
	assert.Equal(t, int64(100*1024), ChunkSize(-1))
	assert.Equal(t, int64(100*1024), ChunkSize(1024*1024))
	assert.Equal(t, int64(1000*1024), ChunkSize(50*1000*1024))
	assert.Equal(t, int64(2*1024*1024), ChunkSize(1<<40))
}

func TestAcquireDownloadsAndVerifies(t *testing.T) {
	content := payload(300 * 1024)
	srv, _ := rangeServer(t, content, map[string]string{"Content-MD5": md5Header(content)})

	dir := t.TempDir()
	m := New(WithHTTPClient(srv.Client()))
	require.NoError(t, m.Acquire(context.Background(), srv.URL+"/artifact.bin", dir, "artifact.bin"))

	got, err := os.ReadFile(filepath.Join(dir, "artifact.bin"))
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestAcquireResumesPartialFile(t *testing.T) {
	content := payload(250 * 1024)
	const already = 100000
	srv, ranges := rangeServer(t, content, nil)

	dir := t.TempDir()
	dest := filepath.Join(dir, "artifact.bin")
	require.NoError(t, os.WriteFile(dest, content[:already], 0644))

	m := New()
	require.NoError(t, m.Acquire(context.Background(), srv.URL+"/artifact.bin", dir, "artifact.bin"))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Len(t, got, len(content))
	assert.Equal(t, content, got)
	assert.Equal(t, []string{"bytes=100000-"}, *ranges)
}

func TestAcquireRestartsWithoutRangeSupport(t *testing.T) {
	content := payload(64 * 1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "65536")
		if r.Method == http.MethodHead {
			return
		}
		w.Write(content)
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "artifact.bin")
	require.NoError(t, os.WriteFile(dest, []byte("stale partial data"), 0644))

	m := New()
	require.NoError(t, m.Acquire(context.Background(), srv.URL, dir, "artifact.bin"))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestAcquireReusesVerifiedLocalCopy(t *testing.T) {
	content := payload(4096)
	srv, ranges := rangeServer(t, content, map[string]string{"Content-MD5": md5Header(content)})

	cache := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(cache, "artifact.bin"), content, 0644))

	dest := t.TempDir()
	m := New(WithSearchDirs("", cache))
	require.NoError(t, m.Acquire(context.Background(), srv.URL, dest, "artifact.bin"))

	assert.Empty(t, *ranges, "no GET expected when a verified copy exists")
	got, err := os.ReadFile(filepath.Join(dest, "artifact.bin"))
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestAcquireIgnoresCorruptLocalCopy(t *testing.T) {
	content := payload(4096)
	srv, ranges := rangeServer(t, content, map[string]string{"Content-MD5": md5Header(content)})

	cache := t.TempDir()
	corrupt := append([]byte(nil), content...)
	corrupt[0] ^= 0xff
	require.NoError(t, os.WriteFile(filepath.Join(cache, "artifact.bin"), corrupt, 0644))

	dest := t.TempDir()
	m := New(WithSearchDirs(cache))
	require.NoError(t, m.Acquire(context.Background(), srv.URL, dest, "artifact.bin"))
	assert.Len(t, *ranges, 1)
}

func TestAcquireRemovesFileOnChecksumMismatch(t *testing.T) {
	content := payload(8192)
	srv, _ := rangeServer(t, content, map[string]string{"Content-MD5": md5Header([]byte("something else"))})

	dir := t.TempDir()
	m := New()
	err := m.Acquire(context.Background(), srv.URL, dir, "artifact.bin")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrVerification))
	assert.False(t, utils.FileExists(filepath.Join(dir, "artifact.bin")))
}

func TestAcquireProbeFailureIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	m := New()
	err := m.Acquire(context.Background(), srv.URL, t.TempDir(), "artifact.bin")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNetwork))

	srv.Close()
	err = m.Acquire(context.Background(), srv.URL, t.TempDir(), "artifact.bin")
	assert.True(t, errors.Is(err, ErrNetwork))
}

func TestVerifySizeMismatchFailsDespiteMatchingChecksum(t *testing.T) {
	content := []byte("hello world")
	path := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(path, content, 0644))
	sum := md5.Sum(content)

	target := &Target{Name: "file", Path: path, ExpectedSize: int64(len(content)) + 1, Checksum: utils.Checksum{Algorithm: "md5", Sum: sum[:]}}
	err := Verify(target)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrVerification))
	assert.Contains(t, err.Error(), "bytes")
}

func TestVerifyChecksum(t *testing.T) {
	content := []byte("hello world")
	path := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(path, content, 0644))
	sum := md5.Sum(content)

	good := &Target{Name: "file", Path: path, ExpectedSize: int64(len(content)), Checksum: utils.Checksum{Algorithm: "md5", Sum: sum[:]}}
	assert.NoError(t, Verify(good))

	bad := *good
	bad.Checksum = utils.Checksum{Algorithm: "md5", Sum: make([]byte, md5.Size)}
	assert.ErrorIs(t, Verify(&bad), ErrVerification)

	unknown := &Target{Name: "file", Path: path, ExpectedSize: -1}
	assert.NoError(t, Verify(unknown))
}

func TestChecksumFromHeaders(t *testing.T) {
	content := []byte("hello")
	sum := md5.Sum(content)
	hexSum := hex.EncodeToString(sum[:])

	tests := []struct {
		name   string
		header http.Header
		want   string
	}{
		{"content-md5", http.Header{"Content-Md5": {md5Header(content)}}, "md5:" + hexSum},
		{"goog hash", http.Header{"X-Goog-Hash": {"crc32c=n03x6A==, md5=" + md5Header(content)}}, "md5:" + hexSum},
		{"s3 etag", http.Header{"Etag": {`"` + hexSum + `"`}, "Server": {"AmazonS3"}}, "md5:" + hexSum},
		{"gcs etag", http.Header{"Etag": {`"` + hexSum + `"`}, "X-Goog-Generation": {"1"}}, "md5:" + hexSum},
		{"multipart etag", http.Header{"Etag": {`"` + hexSum + `-3"`}, "Server": {"AmazonS3"}}, ""},
		{"plain etag", http.Header{"Etag": {`"` + hexSum + `"`}}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := checksumFromHeaders(tt.header)
			if tt.want == "" {
				assert.True(t, got.IsZero())
				return
			}
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestEnsureRestartsAfterVerificationFailure(t *testing.T) {
	content := payload(2048)
	var gets atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-MD5", md5Header(content))
		body := content
		if r.Method == http.MethodGet && gets.Add(1) == 1 {
			body = payload(2048)
			body[10] ^= 0xff
		}
		http.ServeContent(w, r, "a", time.Time{}, bytes.NewReader(body))
	}))
	defer srv.Close()

	dir := t.TempDir()
	m := New()
	cfg := retry.RetryConfig{MaxRetries: 3, InitialInterval: time.Millisecond, Multiplier: 1}
	require.NoError(t, m.Ensure(context.Background(), cfg, srv.URL, dir, "a"))
	assert.Equal(t, int32(2), gets.Load())
}

func TestEnsureReturnsNetworkFailureImmediately(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m := New()
	cfg := retry.RetryConfig{MaxRetries: 3, InitialInterval: time.Millisecond, Multiplier: 1}
	err := m.Ensure(context.Background(), cfg, srv.URL, t.TempDir(), "a")
	assert.ErrorIs(t, err, ErrNetwork)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRunExclusiveAllowsOneWorkerPerKind(t *testing.T) {
	m := New(WithPollInterval(time.Millisecond))
	var active, peak atomic.Int32

	work := func() error {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		active.Add(-1)
		return nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.runExclusive(context.Background(), "same", kindFetch, work))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), peak.Load())
	assert.False(t, m.Alive("same", kindFetch))
}

func TestGetRefusesOversizedDocuments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte("x"), 100))
	}))
	defer srv.Close()

	m := New()
	data, err := m.Get(context.Background(), srv.URL, 100)
	require.NoError(t, err)
	assert.Len(t, data, 100)

	_, err = m.Get(context.Background(), srv.URL, 99)
	assert.ErrorIs(t, err, ErrNetwork)
}
