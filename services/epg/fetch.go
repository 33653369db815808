package epg

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/afero"

	"guidecast/config"
)

// FeedSource describes where the guide document comes from: a direct
// URL, or xtream portal credentials expanded to its xmltv endpoint.
type FeedSource struct {
	URL            string
	XtreamHost     string
	XtreamUsername string
	XtreamPassword string
}

func (s FeedSource) resolveURL() (string, error) {
	if strings.TrimSpace(s.URL) != "" {
		return strings.TrimSpace(s.URL), nil
	}
	host := strings.TrimRight(strings.TrimSpace(s.XtreamHost), "/")
	if host == "" {
		return "", fmt.Errorf("no feed url or xtream host configured")
	}
	return fmt.Sprintf("%s/xmltv.php?username=%s&password=%s",
		host, url.QueryEscape(s.XtreamUsername), url.QueryEscape(s.XtreamPassword)), nil
}

// Tag names the source for stored records and logs without carrying
// credentials along.
func (s FeedSource) Tag() string {
	raw := s.URL
	if strings.TrimSpace(raw) == "" {
		raw = s.XtreamHost
	}
	if parsed, err := url.Parse(strings.TrimSpace(raw)); err == nil && parsed.Host != "" {
		return parsed.Host
	}
	return "feed"
}

// Fetcher downloads a guide document to a scratch file, validates it and
// hands back a reader over the decoded XML. Transient failures inside
// one download are retried; a failed fetch as a whole is never retried
// automatically.
type Fetcher struct {
	client     *http.Client
	fs         afero.Fs
	scratchDir string
	maxSize    int64
	retries    uint
}

func NewFetcher(fs afero.Fs, scratchDir string, cfg config.EPGSettings) *Fetcher {
	timeout := time.Duration(cfg.FetchTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	maxSize := int64(cfg.MaxFeedSizeMB) * 1024 * 1024
	if maxSize <= 0 {
		maxSize = 100 * 1024 * 1024
	}
	retries := uint(3)
	if cfg.FetchRetries > 0 {
		retries = uint(cfg.FetchRetries)
	}
	return &Fetcher{
		client:     &http.Client{Timeout: timeout},
		fs:         fs,
		scratchDir: scratchDir,
		maxSize:    maxSize,
		retries:    retries,
	}
}

// Fetch downloads the feed and returns a reader over the XML document.
// Closing the reader removes the scratch file.
func (f *Fetcher) Fetch(ctx context.Context, src FeedSource) (io.ReadCloser, error) {
	feedURL, err := src.resolveURL()
	if err != nil {
		return nil, err
	}
	if err := f.fs.MkdirAll(f.scratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch directory: %w", err)
	}

	var path string
	err = retry.Do(
		func() error {
			p, derr := f.download(ctx, feedURL)
			if derr != nil {
				return derr
			}
			path = p
			return nil
		},
		retry.Attempts(f.retries),
		retry.Context(ctx),
		retry.Delay(time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Printf("[epg] feed download attempt %d failed: %v", n+1, err)
		}),
	)
	if err != nil {
		return nil, err
	}
	return f.open(path)
}

func (f *Fetcher) download(ctx context.Context, feedURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("User-Agent", "guidecast/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download feed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("feed server returned status %d", resp.StatusCode)
	}

	tmp, err := afero.TempFile(f.fs, f.scratchDir, "epg-*.feed")
	if err != nil {
		return "", fmt.Errorf("create scratch file: %w", err)
	}
	written, err := io.Copy(tmp, io.LimitReader(resp.Body, f.maxSize+1))
	if cerr := tmp.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		f.fs.Remove(tmp.Name())
		return "", fmt.Errorf("write scratch file: %w", err)
	}
	if written == 0 {
		f.fs.Remove(tmp.Name())
		return "", fmt.Errorf("feed body is empty")
	}
	if written > f.maxSize {
		f.fs.Remove(tmp.Name())
		return "", fmt.Errorf("feed exceeds size limit of %d bytes", f.maxSize)
	}
	return tmp.Name(), nil
}

// open sniffs the scratch file, transparently gunzips it and rejects
// anything that is not an XML document.
func (f *Fetcher) open(path string) (io.ReadCloser, error) {
	file, err := f.fs.Open(path)
	if err != nil {
		f.fs.Remove(path)
		return nil, fmt.Errorf("open scratch file: %w", err)
	}

	header := make([]byte, 512)
	n, err := file.Read(header)
	if err != nil && err != io.EOF {
		file.Close()
		f.fs.Remove(path)
		return nil, fmt.Errorf("read feed header: %w", err)
	}
	header = header[:n]
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		file.Close()
		f.fs.Remove(path)
		return nil, fmt.Errorf("rewind scratch file: %w", err)
	}

	body := &feedBody{file: file, fs: f.fs, path: path}
	mtype := mimetype.Detect(header)
	switch {
	case mtype.Is("application/gzip"):
		gz, err := gzip.NewReader(file)
		if err != nil {
			body.Close()
			return nil, fmt.Errorf("decompress feed: %w", err)
		}
		body.gz = gz
		body.reader = gz
	case looksLikeXMLTV(mtype, header):
		body.reader = file
	default:
		body.Close()
		return nil, fmt.Errorf("feed content type %s is not an xmltv document", mtype.String())
	}
	return body, nil
}

func looksLikeXMLTV(mtype *mimetype.MIME, header []byte) bool {
	if mtype.Is("text/xml") || mtype.Is("application/xml") {
		return true
	}
	head := strings.ToLower(string(header))
	return strings.Contains(head, "<?xml") || strings.Contains(head, "<tv")
}

// feedBody reads the sniffed scratch file and deletes it on close.
type feedBody struct {
	reader io.Reader
	gz     *gzip.Reader
	file   afero.File
	fs     afero.Fs
	path   string
}

func (b *feedBody) Read(p []byte) (int, error) {
	return b.reader.Read(p)
}

func (b *feedBody) Close() error {
	if b.gz != nil {
		b.gz.Close()
	}
	err := b.file.Close()
	if rerr := b.fs.Remove(b.path); rerr != nil && err == nil {
		err = rerr
	}
	return err
}
