package extractor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/cwygoda/gdownloader/internal/config"
	"github.com/cwygoda/gdownloader/internal/domain"
)

var httpErrorPattern = regexp.MustCompile(`(?i)http error (\d{3})`)

// permanentMarkers are yt-dlp messages retrying cannot fix.
var permanentMarkers = []string{
	"unsupported url",
	"private video",
	"video unavailable",
	"is not available",
	"has been removed",
	"account has been terminated",
	"confirm your age",
	"login required",
	"requested format is not available",
	"no video formats found",
}

// YtDlpExtractor resolves media through the external yt-dlp tool and
// streams it over HTTP.
type YtDlpExtractor struct {
	name      string
	command   string
	args      []string
	format    string
	platforms map[domain.Platform]bool
	timeout   time.Duration
	fetcher   *Fetcher
}

// NewYtDlpExtractor creates an extractor from config. A nil fetcher gets
// the default HTTP client.
func NewYtDlpExtractor(ec config.ExtractorConfig, fetcher *Fetcher) (*YtDlpExtractor, error) {
	if ec.Command == "" {
		return nil, errors.New("extractor command is required")
	}
	defaults := config.DefaultExtractor()
	if len(ec.Args) == 0 {
		ec.Args = defaults.Args
	}
	if ec.Format == "" {
		ec.Format = defaults.Format
	}
	if len(ec.Platforms) == 0 {
		ec.Platforms = defaults.Platforms
	}
	if ec.Name == "" {
		ec.Name = ec.Command
	}
	if fetcher == nil {
		fetcher = NewFetcher(nil)
	}

	platforms := make(map[domain.Platform]bool)
	for _, name := range ec.Platforms {
		p := domain.ParsePlatform(name)
		if p == domain.PlatformUnknown {
			return nil, fmt.Errorf("unknown platform %q", name)
		}
		platforms[p] = true
	}

	return &YtDlpExtractor{
		name:      ec.Name,
		command:   ec.Command,
		args:      ec.Args,
		format:    ec.Format,
		platforms: platforms,
		timeout:   ec.Timeout,
		fetcher:   fetcher,
	}, nil
}

func (e *YtDlpExtractor) Name() string {
	return e.name
}

func (e *YtDlpExtractor) CanHandle(p domain.Platform) bool {
	return e.platforms[p]
}

// Extract runs yt-dlp to resolve the media URL and metadata, then opens
// the media stream.
func (e *YtDlpExtractor) Extract(ctx context.Context, normalizedURL string) (domain.MediaStream, domain.Metadata, error) {
	info, err := e.probe(ctx, normalizedURL)
	if err != nil {
		return nil, domain.Metadata{}, err
	}

	mediaURL := info.Get("url").String()
	if mediaURL == "" {
		mediaURL = info.Get("requested_downloads.0.url").String()
	}
	if mediaURL == "" {
		if info.Get("requested_formats").Exists() {
			return nil, domain.Metadata{}, domain.NewPermanent("format needs merging, configure a single-file format", nil)
		}
		return nil, domain.Metadata{}, domain.NewPermanent("yt-dlp returned no media url", nil)
	}

	headers := make(map[string]string)
	info.Get("http_headers").ForEach(func(k, v gjson.Result) bool {
		headers[k.String()] = v.String()
		return true
	})

	meta := domain.Metadata{
		Title:        info.Get("title").String(),
		Extension:    info.Get("ext").String(),
		ExpectedSize: info.Get("filesize").Int(),
	}
	if meta.Title == "" {
		meta.Title = info.Get("id").String()
	}

	stream, size, err := e.fetcher.Open(ctx, mediaURL, headers)
	if err != nil {
		return nil, domain.Metadata{}, err
	}
	if meta.ExpectedSize <= 0 {
		meta.ExpectedSize = size
	}
	return stream, meta, nil
}

// probe runs yt-dlp and returns its parsed JSON output.
func (e *YtDlpExtractor) probe(ctx context.Context, url string) (gjson.Result, error) {
	runCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	args := make([]string, len(e.args))
	for i, arg := range e.args {
		arg = strings.ReplaceAll(arg, "{url}", url)
		args[i] = strings.ReplaceAll(arg, "{format}", e.format)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, e.command, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Children holding the pipes must not block Wait after a kill.
	cmd.WaitDelay = 5 * time.Second

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return gjson.Result{}, ctx.Err()
		}
		if runCtx.Err() != nil {
			return gjson.Result{}, domain.NewTransient(fmt.Sprintf("%s timed out after %s", e.command, e.timeout), runCtx.Err())
		}
		if errors.Is(err, exec.ErrNotFound) {
			return gjson.Result{}, domain.NewPermanent(e.command+" not installed", err)
		}
		return gjson.Result{}, ClassifyOutput(stderr.String(), err)
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if !gjson.ValidBytes(out) {
		return gjson.Result{}, domain.NewTransient("decode "+e.command+" output", nil)
	}
	info := gjson.ParseBytes(out)
	if info.Get("_type").String() == "playlist" {
		first := info.Get("entries.0")
		if !first.Exists() {
			return gjson.Result{}, domain.NewPermanent("playlist has no entries", nil)
		}
		info = first
	}
	return info, nil
}

// ClassifyOutput turns a failed yt-dlp run into a typed extractor error
// based on what it reported on stderr.
func ClassifyOutput(stderr string, cause error) *domain.ExtractorError {
	msg := lastErrorLine(stderr)
	lower := strings.ToLower(stderr)

	if m := httpErrorPattern.FindStringSubmatch(stderr); m != nil {
		code, _ := strconv.Atoi(m[1])
		e := domain.HTTPStatusError(code, msg)
		e.Err = cause
		return e
	}
	if strings.Contains(lower, "too many requests") || strings.Contains(lower, "rate-limit") || strings.Contains(lower, "not a bot") {
		return &domain.ExtractorError{Kind: domain.Transient, StatusCode: 429, Message: msg, Err: cause}
	}
	for _, marker := range permanentMarkers {
		if strings.Contains(lower, marker) {
			return domain.NewPermanent(msg, cause)
		}
	}
	return domain.NewTransient(msg, cause)
}

func lastErrorLine(stderr string) string {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); strings.HasPrefix(line, "ERROR:") {
			return strings.TrimSpace(strings.TrimPrefix(line, "ERROR:"))
		}
	}
	if last := strings.TrimSpace(lines[len(lines)-1]); last != "" {
		return last
	}
	return "extractor failed"
}
