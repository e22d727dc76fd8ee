// Package ffmpeg wraps the ffmpeg and ffprobe executables behind the
// Transcoder interface. Every operation is best-effort: callers are
// expected to carry on without the result when an error is returned.
package ffmpeg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/floostack/transcoder"
	"github.com/floostack/transcoder/ffmpeg"
	"github.com/hbomb79/Crate/pkg/logger"
)

var (
	log = logger.Get("FFmpeg")

	// ErrUnavailable indicates the required executable could not be
	// found on the host, as opposed to it running and failing.
	ErrUnavailable = errors.New("transcoding utility unavailable")

	errorMessageMatcher = regexp.MustCompile(`(?s)message: ({.*})`)
)

const (
	ConvertFormat = "mp4"
	previewFormat = "mp4"
)

type (
	Transcoder interface {
		// Available returns an error wrapping ErrUnavailable if the
		// executables required are missing.
		Available() error
		// Convert re-encodes the input in to the mp4 container.
		Convert(ctx context.Context, inputPath, outputPath string) error
		// RenderPreview produces a reduced resolution copy of the input.
		RenderPreview(ctx context.Context, inputPath, outputPath string) error
		// ProbeDuration returns the duration of the media in whole seconds.
		ProbeDuration(ctx context.Context, path string) (int, error)
	}

	Config struct {
		FfmpegBinaryPath  string `yaml:"ffmpeg_binary_path" env:"FFMPEG_BINARY_PATH" env-default:"/usr/bin/ffmpeg"`
		FfprobeBinaryPath string `yaml:"ffprobe_binary_path" env:"FFPROBE_BINARY_PATH" env-default:"/usr/bin/ffprobe"`
		VideoCodec        string `yaml:"video_codec" env:"FFMPEG_VIDEO_CODEC" env-default:"libx264"`
		AudioCodec        string `yaml:"audio_codec" env:"FFMPEG_AUDIO_CODEC" env-default:"aac"`
		Preset            string `yaml:"preset" env:"FFMPEG_PRESET" env-default:"veryfast"`
		PreviewHeight     int    `yaml:"preview_height" env:"FFMPEG_PREVIEW_HEIGHT" env-default:"360"`
	}

	// Runner is the Transcoder backed by the host's ffmpeg installation.
	Runner struct {
		config Config
	}
)

func New(config Config) *Runner {
	if config.PreviewHeight <= 0 {
		config.PreviewHeight = 360
	}
	return &Runner{config: config}
}

func (runner *Runner) Available() error {
	for _, bin := range []string{runner.config.FfmpegBinaryPath, runner.config.FfprobeBinaryPath} {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrUnavailable, bin, err)
		}
	}

	return nil
}

func (runner *Runner) Convert(ctx context.Context, inputPath, outputPath string) error {
	if err := runner.Available(); err != nil {
		return err
	}

	format, overwrite := ConvertFormat, true
	opts := &ffmpeg.Options{
		OutputFormat: &format,
		Overwrite:    &overwrite,
		VideoCodec:   &runner.config.VideoCodec,
		AudioCodec:   &runner.config.AudioCodec,
		Preset:       &runner.config.Preset,
	}

	log.Emit(logger.DEBUG, "Converting %s -> %s\n", inputPath, outputPath)
	return runner.run(ctx, inputPath, outputPath, opts)
}

func (runner *Runner) RenderPreview(ctx context.Context, inputPath, outputPath string) error {
	if err := runner.Available(); err != nil {
		return err
	}

	format, overwrite := previewFormat, true
	filter := fmt.Sprintf("scale=-2:%d", runner.config.PreviewHeight)
	opts := &ffmpeg.Options{
		OutputFormat: &format,
		Overwrite:    &overwrite,
		VideoCodec:   &runner.config.VideoCodec,
		AudioCodec:   &runner.config.AudioCodec,
		Preset:       &runner.config.Preset,
		VideoFilter:  &filter,
	}

	log.Emit(logger.DEBUG, "Rendering %dp preview of %s -> %s\n", runner.config.PreviewHeight, inputPath, outputPath)
	return runner.run(ctx, inputPath, outputPath, opts)
}

func (runner *Runner) ProbeDuration(ctx context.Context, path string) (int, error) {
	if err := runner.Available(); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	metadata, err := ffmpeg.New(runner.transcoderConfig(false)).Input(path).GetMetadata()
	if err != nil {
		return 0, fmt.Errorf("failed to extract file metadata information using ffprobe: %w", parseFfmpegError(err))
	}

	return durationSeconds(metadata)
}

func (runner *Runner) transcoderConfig(progress bool) *ffmpeg.Config {
	return &ffmpeg.Config{
		ProgressEnabled: progress,
		FfmpegBinPath:   runner.config.FfmpegBinaryPath,
		FfprobeBinPath:  runner.config.FfprobeBinaryPath,
	}
}

// run starts ffmpeg and waits for the progress stream to close. The
// underlying command's exit status is not surfaced by the transcoder, so
// success is judged by the presence of the output file.
func (runner *Runner) run(ctx context.Context, inputPath, outputPath string, opts transcoder.Options) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), os.ModePerm); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	cmdContext, cancel := context.WithCancel(ctx)
	defer cancel()

	progress, err := ffmpeg.
		New(runner.transcoderConfig(true)).
		Input(inputPath).
		Output(outputPath).
		WithContext(&cmdContext).
		Start(opts)
	if err != nil {
		return fmt.Errorf("ffmpeg failed for %s: %w", filepath.Base(inputPath), parseFfmpegError(err))
	}

	for prog := range progress {
		log.Verbosef("%s: %.2f%% (%s)\n", filepath.Base(inputPath), prog.GetProgress(), prog.GetCurrentTime())
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	info, err := os.Stat(outputPath)
	if err != nil || info.Size() == 0 {
		return fmt.Errorf("ffmpeg produced no output for %s", filepath.Base(inputPath))
	}

	return nil
}

func durationSeconds(metadata transcoder.Metadata) (int, error) {
	if metadata == nil || metadata.GetFormat() == nil {
		return 0, errors.New("ffprobe returned no format information")
	}

	raw := metadata.GetFormat().GetDuration()
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe returned malformed duration %q: %w", raw, err)
	}
	if seconds <= 0 {
		return 0, fmt.Errorf("ffprobe returned non-positive duration %q", raw)
	}

	return int(math.Round(seconds)), nil
}

// parseFfmpegError picks the relevant message out of the (very verbose)
// error returned by the transcoder, falling back to the raw error.
func parseFfmpegError(err error) error {
	groups := errorMessageMatcher.FindStringSubmatch(err.Error())
	if len(groups) < 2 {
		return err
	}

	var out map[string]any
	if jsonErr := json.Unmarshal([]byte(groups[1]), &out); jsonErr != nil {
		return errors.New(groups[1])
	}

	if exception, ok := out["error"].(map[string]any); ok {
		if msg, ok := exception["string"].(string); ok {
			return errors.New(msg)
		}
	}

	return errors.New(groups[1])
}
