package engine

import (
	"context"
	"net/url"
	"path"
	"strings"

	"github.com/samber/lo"
)

var directExtensions = []string{
	".mp4", ".m4v", ".mkv", ".webm", ".mov", ".avi",
	".mp3", ".m4a", ".aac", ".ogg", ".opus", ".wav", ".flac",
}

// IsDirect reports whether the source points straight at a media file.
func IsDirect(source string) bool {
	u, err := url.Parse(source)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return false
	}

	return lo.Contains(directExtensions, strings.ToLower(path.Ext(u.Path)))
}

// Router sends direct media links to the plain HTTP engine and everything
// else to the extractor engine.
type Router struct {
	Extractor Engine
	Direct    Engine
}

func (r *Router) Name() string {
	return "auto(" + r.Extractor.Name() + "," + r.Direct.Name() + ")"
}

func (r *Router) Download(ctx context.Context, opts Options, progress ProgressFunc) (*Outcome, error) {
	if IsDirect(opts.Source) && !opts.AudioOnly {
		return r.Direct.Download(ctx, opts, progress)
	}

	return r.Extractor.Download(ctx, opts, progress)
}
