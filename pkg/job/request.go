package job

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

const (
	FormatBest  = "best"
	FormatWorst = "worst"

	DefaultVideoContainer = "mp4"
	DefaultAudioContainer = "mp3"
)

var (
	Formats         = []string{FormatBest, FormatWorst, "2160p", "1440p", "1080p", "720p", "480p", "360p", "240p", "144p"}
	VideoContainers = []string{"mp4", "mkv", "webm"}
	AudioContainers = []string{"mp3", "m4a", "opus", "wav", "flac"}
)

type Request struct {
	Source    string `json:"source"`
	Format    string `json:"format"`
	Container string `json:"container"`
	AudioOnly bool   `json:"audio_only"`
	// Playlist expands a playlist source into one child job per entry.
	Playlist bool `json:"playlist"`
}

// Normalize fills defaults and validates the request. Only malformed
// parameters are rejected here: whether the source can actually be
// downloaded is decided by the engine.
func (r Request) Normalize() (Request, error) {
	r.Source = strings.TrimSpace(r.Source)
	r.Format = strings.ToLower(strings.TrimSpace(r.Format))
	r.Container = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(r.Container), "."))

	if r.Source == "" {
		return r, errors.Wrap(ErrInvalidRequest, "source is empty")
	}

	if r.Format == "" {
		r.Format = FormatBest
	}
	if !lo.Contains(Formats, r.Format) {
		return r, errors.Wrapf(ErrInvalidRequest, "unknown format %q", r.Format)
	}

	containers, def := VideoContainers, DefaultVideoContainer
	if r.AudioOnly {
		containers, def = AudioContainers, DefaultAudioContainer
	}
	if r.Container == "" {
		r.Container = def
	}
	if !lo.Contains(containers, r.Container) {
		return r, errors.Wrapf(ErrInvalidRequest, "unsupported container %q (audio_only=%t)", r.Container, r.AudioOnly)
	}

	return r, nil
}

// Height returns the maximum video height encoded in the format, or 0 when
// the format is not height bound.
func (r Request) Height() int {
	h := 0
	for _, c := range strings.TrimSuffix(r.Format, "p") {
		if c < '0' || c > '9' {
			return 0
		}
		h = h*10 + int(c-'0')
	}

	return h
}
