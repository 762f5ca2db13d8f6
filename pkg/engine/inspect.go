package engine

import (
	"context"
	"net/url"
	"path"
	"strings"

	"github.com/ValerySidorin/ferry/pkg/job"
	"github.com/pkg/errors"
)

var ErrInspectUnsupported = errors.New("engine cannot inspect sources")

// Entry is a single downloadable item of a source.
type Entry struct {
	Source    string  `json:"source"`
	Title     string  `json:"title"`
	Duration  float64 `json:"duration,omitempty"`
	Thumbnail string  `json:"thumbnail,omitempty"`
	Uploader  string  `json:"uploader,omitempty"`
}

// Info describes a source without downloading it. A single video has
// exactly one entry.
type Info struct {
	Title      string  `json:"title"`
	IsPlaylist bool    `json:"is_playlist"`
	Thumbnail  string  `json:"thumbnail,omitempty"`
	Entries    []Entry `json:"entries"`
}

// Inspector is implemented by engines able to list what a source contains.
// limit caps the number of playlist entries, 0 means all of them.
type Inspector interface {
	Inspect(ctx context.Context, source string, limit int) (*Info, error)
}

// Inspect asks eng to describe source, if it knows how.
func Inspect(ctx context.Context, eng Engine, source string, limit int) (*Info, error) {
	p, ok := eng.(Inspector)
	if !ok {
		return nil, errors.Wrap(ErrInspectUnsupported, eng.Name())
	}

	return p.Inspect(ctx, source, limit)
}

func (r *Router) Inspect(ctx context.Context, source string, limit int) (*Info, error) {
	if IsDirect(source) {
		return directInfo(source), nil
	}

	return Inspect(ctx, r.Extractor, source, limit)
}

func directInfo(source string) *Info {
	title := TitleFromURL(source)
	return &Info{
		Title:   title,
		Entries: []Entry{{Source: source, Title: title}},
	}
}

// TitleFromURL names a direct download after the last path element of its
// URL, without extension.
func TitleFromURL(source string) string {
	u, err := url.Parse(source)
	if err != nil {
		return ""
	}

	base := path.Base(u.Path)
	if base == "/" || base == "." {
		return ""
	}
	if unescaped, err := url.PathUnescape(base); err == nil {
		base = unescaped
	}

	return strings.TrimSuffix(base, path.Ext(base))
}

// LogLines forwards the WARNING and ERROR lines of engine diagnostics.
func LogLines(output string, fn LogFunc) {
	if fn == nil {
		return
	}

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "WARNING:"):
			fn(job.LogWarn, strings.TrimSpace(strings.TrimPrefix(line, "WARNING:")))
		case strings.HasPrefix(line, "ERROR:"):
			fn(job.LogError, strings.TrimSpace(strings.TrimPrefix(line, "ERROR:")))
		}
	}
}
