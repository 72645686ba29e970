package extractor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	ffmpeg "github.com/u2takey/ffmpeg-go"
)

const (
	// PlaylistName is the HLS playlist written into the stream directory
	PlaylistName = "stream.m3u8"
	// SegmentPattern names the rolling HLS segments
	SegmentPattern = "segment%d.ts"

	maxStderrCapture = 4096
)

// ErrNoOutput is returned when ffmpeg exits cleanly without writing the frame
var ErrNoOutput = errors.New("ffmpeg exited without writing an output file")

// ExitError carries the exit code and the tail of stderr of a failed extraction
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("ffmpeg exited with code %d: %s", e.Code, e.Stderr)
}

// TranscodeArgs builds the RTSP -> HLS argument list for the long-running transcoder
func TranscodeArgs(sourceURL, streamDir string) []string {
	return ffmpeg.Input(sourceURL, ffmpeg.KwArgs{
		"rtsp_transport": "tcp",
		"fflags":         "nobuffer",
		"flags":          "low_delay",
	}).Output(filepath.Join(streamDir, PlaylistName), ffmpeg.KwArgs{
		"c:v":                  "libx264",
		"preset":               "ultrafast",
		"tune":                 "zerolatency",
		"g":                    "30",
		"keyint_min":           "30",
		"sc_threshold":         "0",
		"force_key_frames":     "expr:gte(t,n_forced*0.5)",
		"max_delay":            "0",
		"c:a":                  "aac",
		"b:a":                  "128k",
		"f":                    "hls",
		"hls_time":             "0.5",
		"hls_list_size":        "6",
		"hls_flags":            "delete_segments+append_list+omit_endlist",
		"hls_allow_cache":      "0",
		"hls_segment_filename": filepath.Join(streamDir, SegmentPattern),
	}).GetArgs()
}

// SnapshotArgs builds the argument list that grabs exactly one JPEG from the source
func SnapshotArgs(sourceURL, outputPath string) []string {
	return ffmpeg.Input(sourceURL, ffmpeg.KwArgs{
		"rtsp_transport": "tcp",
	}).Output(outputPath, ffmpeg.KwArgs{
		"frames:v": "1",
		"q:v":      "2",
	}).OverWriteOutput().GetArgs()
}

// EnsureDir creates dir if it doesn't exist
func EnsureDir(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory '%s': %v", dir, err)
		}
	}
	return nil
}

// CaptureFrame runs a one-shot extraction of a single frame into outputPath.
// Success requires both a zero exit code and the file being present on disk.
func CaptureFrame(ctx context.Context, launcher Launcher, sourceURL, outputPath string) error {
	if err := EnsureDir(filepath.Dir(outputPath)); err != nil {
		return err
	}

	proc, err := launcher.Launch(ctx, SnapshotArgs(sourceURL, outputPath))
	if err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	// Drain stderr before Wait, keeping only the head for error reporting
	var stderr bytes.Buffer
	_, _ = io.Copy(&limitedWriter{buf: &stderr, max: maxStderrCapture}, proc.Stderr())

	if code := ExitCode(proc.Wait()); code != 0 {
		return &ExitError{Code: code, Stderr: truncate(stderr.String(), 500)}
	}

	if _, err := os.Stat(outputPath); err != nil {
		return ErrNoOutput
	}
	return nil
}

type limitedWriter struct {
	buf *bytes.Buffer
	max int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	if room := w.max - w.buf.Len(); room > 0 {
		if len(p) > room {
			w.buf.Write(p[:room])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
