// ABOUTME: Scanner walks configured roots and markdown files for outstanding work
// ABOUTME: and returns deduplicated task requests tagged as discovered

package discovery

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/2389/coven-coordinator/internal/dedupe"
	"github.com/2389/coven-coordinator/internal/task"
)

// Defaults applied by New when the corresponding option is zero.
const (
	DefaultCategory    = "generic"
	DefaultMaxFileSize = 1 << 20
	DefaultMaxPerScan  = 50
	DefaultDedupeTTL   = 24 * time.Hour
	dedupeCapacity     = 10000
)

// DefaultMarkers maps comment markers to task categories.
func DefaultMarkers() map[string]string {
	return map[string]string{
		"TODO":  "codegen",
		"FIXME": "debug",
		"BUG":   "debug",
		"HACK":  "review",
		"XXX":   "review",
	}
}

// DefaultExtensions are the source file types scanned for markers.
func DefaultExtensions() []string {
	return []string{".go", ".py", ".js", ".ts", ".tsx", ".rs", ".java", ".rb", ".sh", ".c", ".h", ".cpp"}
}

// DefaultExcludeDirs are directory names never descended into.
func DefaultExcludeDirs() []string {
	return []string{".git", "node_modules", "vendor", "dist", "build", ".venv"}
}

// Options configures a Scanner.
type Options struct {
	Roots           []string
	MarkdownFiles   []string
	Markers         map[string]string
	Extensions      []string
	ExcludeDirs     []string
	DefaultCategory string
	Project         string
	MaxFileSize     int64
	MaxPerScan      int
	DedupeTTL       time.Duration
	Logger          *slog.Logger
	Clock           func() time.Time
}

// Finding is one piece of outstanding work located in a file.
type Finding struct {
	Path     string
	Line     int
	Marker   string
	Text     string
	Category string
}

// Scanner discovers work items. It is safe for concurrent use.
type Scanner struct {
	opts    Options
	markers *markerMatcher
	seen    *dedupe.Cache
	logger  *slog.Logger
}

// New creates a Scanner, filling unset options with defaults.
func New(opts Options) *Scanner {
	if len(opts.Markers) == 0 {
		opts.Markers = DefaultMarkers()
	}
	if len(opts.Extensions) == 0 {
		opts.Extensions = DefaultExtensions()
	}
	if opts.ExcludeDirs == nil {
		opts.ExcludeDirs = DefaultExcludeDirs()
	}
	if opts.DefaultCategory == "" {
		opts.DefaultCategory = DefaultCategory
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	if opts.MaxPerScan <= 0 {
		opts.MaxPerScan = DefaultMaxPerScan
	}
	if opts.DedupeTTL <= 0 {
		opts.DedupeTTL = DefaultDedupeTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Scanner{
		opts:    opts,
		markers: newMarkerMatcher(opts.Markers),
		seen:    dedupe.NewWithClock(opts.DedupeTTL, dedupeCapacity, opts.Clock),
		logger:  logger.With("component", "discovery"),
	}
}

// Discover scans every root and markdown file and returns requests for
// findings not offered within the dedupe window, at most MaxPerScan of them.
// Unreadable roots are reported in the returned error alongside whatever
// was found elsewhere.
func (s *Scanner) Discover(ctx context.Context) ([]task.Request, error) {
	findings, scanErr := s.Scan(ctx)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var reqs []task.Request
	for _, f := range findings {
		if len(reqs) >= s.opts.MaxPerScan {
			break
		}
		req := s.request(f)
		if s.seen.CheckAndMark(Fingerprint(req)) {
			continue
		}
		reqs = append(reqs, req)
	}

	s.logger.Debug("discovery scan finished", "findings", len(findings), "new", len(reqs))
	return reqs, scanErr
}

// Release forgets a request returned by Discover so the next scan offers it
// again. Used when the request could not be routed.
func (s *Scanner) Release(req task.Request) {
	s.seen.Forget(Fingerprint(req))
}

// Scan returns every finding without deduplication, in walk order.
func (s *Scanner) Scan(ctx context.Context) ([]Finding, error) {
	var findings []Finding
	var errs []error

	for _, root := range s.opts.Roots {
		found, err := s.scanRoot(ctx, root)
		findings = append(findings, found...)
		if err != nil {
			if ctx.Err() != nil {
				return findings, ctx.Err()
			}
			errs = append(errs, fmt.Errorf("scan %s: %w", root, err))
		}
	}

	for _, path := range s.opts.MarkdownFiles {
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			s.logger.Debug("markdown task file missing", "path", path)
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("read %s: %w", path, err))
			continue
		}
		findings = append(findings, parseTaskList(path, data, s.opts.DefaultCategory)...)
	}

	return findings, errors.Join(errs...)
}

func (s *Scanner) scanRoot(ctx context.Context, root string) ([]Finding, error) {
	var findings []Finding
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			s.logger.Debug("skipping unreadable path", "path", path, "error", err)
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			if path != root && slices.Contains(s.opts.ExcludeDirs, d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !slices.Contains(s.opts.Extensions, strings.ToLower(filepath.Ext(path))) {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > s.opts.MaxFileSize {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Debug("skipping unreadable file", "path", path, "error", err)
			return nil
		}
		findings = append(findings, s.markers.scan(path, data)...)
		return nil
	})
	return findings, err
}

func (s *Scanner) request(f Finding) task.Request {
	desc := fmt.Sprintf("%s (%s:%d): %s", f.Marker, f.Path, f.Line, f.Text)
	return task.Request{
		Category:    f.Category,
		Description: desc,
		Priority:    markerPriority(f.Marker),
		Project:     s.opts.Project,
		FilePath:    f.Path,
		Source:      task.SourceDiscovery,
	}
}

// Fingerprint identifies a discovered request across scans.
func Fingerprint(req task.Request) string {
	return req.FilePath + "\x00" + req.Description
}

func markerPriority(marker string) int {
	switch marker {
	case "FIXME", "BUG":
		return 2
	default:
		return 1
	}
}
