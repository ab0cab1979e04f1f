// Package media wraps the ffmpeg and ffprobe binaries for the delivery
// pipeline: probing provider output and normalizing it into a Telegram
// friendly mp4.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
)

// FFmpegError carries the failing command line and captured stderr so the
// orchestrator can log a useful failure reason.
type FFmpegError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *FFmpegError) Error() string {
	return fmt.Sprintf("ffmpeg %s: %v: %s", strings.Join(e.Args, " "), e.Err, e.Stderr)
}

func (e *FFmpegError) Unwrap() error {
	return e.Err
}

// ProbeInfo is the subset of stream metadata the pipeline cares about.
type ProbeInfo struct {
	Width    int
	Height   int
	Duration float64
}

// Processor shells out to ffmpeg and ffprobe.
type Processor struct {
	ffmpegPath  string
	ffprobePath string
	crf         int
	preset      string
	logCmd      bool
	logger      *slog.Logger
}

func NewProcessor(ffmpegPath, ffprobePath string, crf int, preset string, logCmd bool, logger *slog.Logger) *Processor {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Processor{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		crf:         crf,
		preset:      preset,
		logCmd:      logCmd,
		logger:      logger,
	}
}

type ffprobeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Probe reads the first video stream's dimensions and the container duration.
func (p *Processor) Probe(ctx context.Context, path string) (ProbeInfo, error) {
	args := []string{
		"-v", "error",
		"-show_streams",
		"-show_format",
		"-of", "json",
		path,
	}
	out, err := p.run(ctx, p.ffprobePath, args)
	if err != nil {
		return ProbeInfo{}, err
	}

	var probed ffprobeOutput
	if err := json.Unmarshal(out, &probed); err != nil {
		return ProbeInfo{}, fmt.Errorf("decode ffprobe output: %w", err)
	}

	var info ProbeInfo
	for _, s := range probed.Streams {
		if s.CodecType == "video" {
			info.Width = s.Width
			info.Height = s.Height
			break
		}
	}
	if info.Width == 0 || info.Height == 0 {
		return ProbeInfo{}, fmt.Errorf("no video stream in %s", path)
	}
	if probed.Format.Duration != "" {
		if d, err := strconv.ParseFloat(probed.Format.Duration, 64); err == nil {
			info.Duration = d
		}
	}
	return info, nil
}

// Normalize re-encodes src into an H.264 yuv420p mp4 at the exact target
// dimensions for the aspect ratio and resolution. The source is probed first,
// so a truncated or non-video download fails before transcoding starts. The
// input is scaled down to fit and padded with black bars, never cropped. The
// faststart flag moves the moov atom up front so Telegram can stream the file.
func (p *Processor) Normalize(ctx context.Context, src, dest, aspectRatio, resolution string) error {
	info, err := p.Probe(ctx, src)
	if err != nil {
		return fmt.Errorf("probe source: %w", err)
	}

	width, height, err := TargetDimensions(aspectRatio, resolution)
	if err != nil {
		return err
	}
	if p.logCmd {
		p.logger.Info("normalize",
			slog.Int("src_width", info.Width),
			slog.Int("src_height", info.Height),
			slog.Int("width", width),
			slog.Int("height", height))
	}

	filter := fmt.Sprintf(
		"scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,format=yuv420p",
		width, height, width, height)

	args := []string{
		"-y",
		"-i", src,
		"-vf", filter,
		"-c:v", "libx264",
		"-preset", p.preset,
		"-crf", strconv.Itoa(p.crf),
		"-c:a", "aac",
		"-b:a", "128k",
		"-movflags", "+faststart",
		dest,
	}
	if _, err := p.run(ctx, p.ffmpegPath, args); err != nil {
		return err
	}
	return nil
}

func (p *Processor) run(ctx context.Context, bin string, args []string) ([]byte, error) {
	if p.logCmd {
		p.logger.Info("exec", slog.String("cmd", bin+" "+strings.Join(args, " ")))
	}

	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, &FFmpegError{
			Args:   args,
			Stderr: strings.TrimSpace(stderr.String()),
			Err:    err,
		}
	}
	return stdout.Bytes(), nil
}

// TargetDimensions maps an aspect ratio and resolution label onto output
// dimensions. Vertical video is capped at 720p regardless of the requested
// resolution since the vendors do not render vertical 1080p.
func TargetDimensions(aspectRatio, resolution string) (int, int, error) {
	switch aspectRatio {
	case "9:16":
		return 720, 1280, nil
	case "16:9", "":
		if resolution == "1080p" {
			return 1920, 1080, nil
		}
		return 1280, 720, nil
	default:
		return 0, 0, fmt.Errorf("unsupported aspect ratio %q", aspectRatio)
	}
}
