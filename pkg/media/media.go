// Package media resolves speech-audio references from the chat service and
// materializes compressed payloads into locally playable files.
package media

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Resolver turns audio references from the wire into absolute addresses
// and, for compressed payloads, into decompressed temp files.
type Resolver struct {
	base       *url.URL
	httpClient *http.Client
	logger     *slog.Logger
	tmpDir     string
}

// NewResolver builds a Resolver rooted at the service base URL. tmpDir may
// be empty, in which case the OS temp directory is used.
func NewResolver(baseURL string, httpClient *http.Client, logger *slog.Logger) (*Resolver, error) {
	base, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("parse media base URL %q: %w", baseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("media base URL %q must use http(s)", baseURL)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{base: base, httpClient: httpClient, logger: logger}, nil
}

// SetTempDir overrides where decompressed audio files are written.
func (r *Resolver) SetTempDir(dir string) { r.tmpDir = dir }

// Resolve maps a raw audio reference to an absolute URL. Absolute
// references pass through; relative ones resolve against the base.
func (r *Resolver) Resolve(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("empty audio reference")
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse audio reference %q: %w", ref, err)
	}
	if parsed.IsAbs() {
		return parsed.String(), nil
	}
	return r.base.ResolveReference(parsed).String(), nil
}

// IsCompressed reports whether a reference needs decompression before
// playback, either from the frame's explicit flag or a recognizable
// suffix.
func IsCompressed(ref string, explicitFlag bool) bool {
	if explicitFlag {
		return true
	}
	lower := strings.ToLower(strings.TrimSpace(ref))
	// Strip query before suffix checks.
	if i := strings.IndexByte(lower, '?'); i >= 0 {
		lower = lower[:i]
	}
	return strings.HasSuffix(lower, ".gz") ||
		strings.HasSuffix(lower, ".gzip") ||
		strings.HasSuffix(lower, ".zst")
}

// Filename returns the final path component of a reference, used as part
// of the chunk dedup identifier.
func Filename(ref string) string {
	ref = strings.TrimSpace(ref)
	if parsed, err := url.Parse(ref); err == nil && parsed.Path != "" {
		return path.Base(parsed.Path)
	}
	return path.Base(ref)
}

// FetchDecompressed downloads the resolved audio URL, decompresses it, and
// writes the result to a temp file. The returned path is a locally
// playable resource. The caller owns cleanup of the file.
func (r *Resolver) FetchDecompressed(ctx context.Context, resolvedURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resolvedURL, nil)
	if err != nil {
		return "", fmt.Errorf("build audio request: %w", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch audio %q: %w", resolvedURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch audio %q: status %d", resolvedURL, resp.StatusCode)
	}

	reader, closeReader, err := decompressingReader(resp.Body, resolvedURL)
	if err != nil {
		return "", err
	}
	defer closeReader()

	out, err := os.CreateTemp(r.tmpDir, "vakta-audio-*"+playableSuffix(resolvedURL))
	if err != nil {
		return "", fmt.Errorf("create audio temp file: %w", err)
	}
	if _, err := io.Copy(out, reader); err != nil {
		out.Close()
		os.Remove(out.Name())
		return "", fmt.Errorf("decompress audio %q: %w", resolvedURL, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		return "", fmt.Errorf("close audio temp file: %w", err)
	}
	return out.Name(), nil
}

func decompressingReader(body io.Reader, ref string) (io.Reader, func(), error) {
	lower := strings.ToLower(ref)
	if i := strings.IndexByte(lower, '?'); i >= 0 {
		lower = lower[:i]
	}
	switch {
	case strings.HasSuffix(lower, ".zst"):
		dec, err := zstd.NewReader(body)
		if err != nil {
			return nil, nil, fmt.Errorf("open zstd stream: %w", err)
		}
		return dec.IOReadCloser(), func() { dec.Close() }, nil
	default:
		// gzip is the service's default compression.
		gz, err := gzip.NewReader(body)
		if err != nil {
			return nil, nil, fmt.Errorf("open gzip stream: %w", err)
		}
		return gz, func() { gz.Close() }, nil
	}
}

// playableSuffix strips the compression extension so the temp file carries
// the real media extension (player implementations key off it).
func playableSuffix(ref string) string {
	name := Filename(ref)
	for _, ext := range []string{".gz", ".gzip", ".zst"} {
		name = strings.TrimSuffix(name, ext)
	}
	if ext := path.Ext(name); ext != "" {
		return ext
	}
	return ".mp3"
}
