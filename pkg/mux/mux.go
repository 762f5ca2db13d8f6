package mux

import (
	"bytes"
	"context"
	"flag"
	"os"
	"os/exec"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

type Config struct {
	FFmpegPath string `yaml:"ffmpeg_path"`
}

func (c *Config) RegisterFlags(flagPrefix string, f *flag.FlagSet) {
	f.StringVar(&c.FFmpegPath, flagPrefix+"ffmpeg-path", "ffmpeg", `ffmpeg binary used to merge separate video and audio streams.`)
}

// Muxer joins a video and an audio stream into one container.
type Muxer interface {
	Merge(ctx context.Context, video, audio, out string) error
	Available() bool
}

type FFmpeg struct {
	cfg Config
	log log.Logger
}

func New(cfg Config, logger log.Logger) *FFmpeg {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}

	return &FFmpeg{
		cfg: cfg,
		log: log.With(logger, "component", "mux"),
	}
}

func (m *FFmpeg) Available() bool {
	_, err := exec.LookPath(m.cfg.FFmpegPath)
	return err == nil
}

// Merge copies the first video stream of video and the first audio stream
// of audio into out without re-encoding. A partial out is removed when the
// merge fails or ctx is cancelled.
func (m *FFmpeg) Merge(ctx context.Context, video, audio, out string) error {
	for _, in := range []string{video, audio} {
		if _, err := os.Stat(in); err != nil {
			return errors.Wrap(err, "mux input")
		}
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, m.cfg.FFmpegPath, Args(video, audio, out)...)
	cmd.Stderr = &stderr

	_ = level.Debug(m.log).Log("msg", "merging streams", "out", out)
	if err := cmd.Run(); err != nil {
		_ = os.Remove(out)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		return errors.Wrap(err, "ffmpeg: "+lastLine(stderr.String()))
	}

	return nil
}

func Args(video, audio, out string) []string {
	return []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-i", video,
		"-i", audio,
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-c", "copy",
		out,
	}
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
