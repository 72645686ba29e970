package extractor_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdougie/lobbycam/internal/extractor"
	"github.com/bdougie/lobbycam/internal/extractor/extractortest"
)

func indexOf(args []string, v string) int {
	for i, a := range args {
		if a == v {
			return i
		}
	}
	return -1
}

func assertFlag(t *testing.T, args []string, flag, value string) {
	t.Helper()
	i := indexOf(args, flag)
	require.GreaterOrEqual(t, i, 0, "missing flag %s in %v", flag, args)
	require.Less(t, i+1, len(args))
	assert.Equal(t, value, args[i+1], "value of %s", flag)
}

func TestTranscodeArgs(t *testing.T) {
	args := extractor.TranscodeArgs("rtsp://cam/live", "/srv/stream")

	input := indexOf(args, "-i")
	require.GreaterOrEqual(t, input, 0)
	assert.Equal(t, "rtsp://cam/live", args[input+1])
	assert.Less(t, indexOf(args, "-rtsp_transport"), input, "transport must be an input option")

	assertFlag(t, args, "-rtsp_transport", "tcp")
	assertFlag(t, args, "-tune", "zerolatency")
	assertFlag(t, args, "-c:v", "libx264")
	assertFlag(t, args, "-c:a", "aac")
	assertFlag(t, args, "-f", "hls")
	assertFlag(t, args, "-hls_list_size", "6")
	assertFlag(t, args, "-hls_flags", "delete_segments+append_list+omit_endlist")
	assertFlag(t, args, "-hls_segment_filename", filepath.Join("/srv/stream", "segment%d.ts"))
	assert.Equal(t, filepath.Join("/srv/stream", "stream.m3u8"), args[len(args)-1])
}

func TestSnapshotArgs(t *testing.T) {
	args := extractor.SnapshotArgs("rtsp://cam/live", "/tmp/frame_1.jpg")

	assertFlag(t, args, "-rtsp_transport", "tcp")
	assertFlag(t, args, "-i", "rtsp://cam/live")
	assertFlag(t, args, "-frames:v", "1")
	assertFlag(t, args, "-q:v", "2")
	assert.GreaterOrEqual(t, indexOf(args, "-y"), 0)
	assert.GreaterOrEqual(t, indexOf(args, "/tmp/frame_1.jpg"), 0)
}

func TestCaptureFrame(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		hook    func(out string) func(p *extractortest.Process) error
		wantErr func(t *testing.T, err error)
	}{
		{
			name: "exit zero with file",
			hook: func(out string) func(p *extractortest.Process) error {
				return func(p *extractortest.Process) error {
					require.NoError(t, os.WriteFile(out, []byte("jpeg"), 0644))
					p.Exit(0)
					return nil
				}
			},
			wantErr: func(t *testing.T, err error) { assert.NoError(t, err) },
		},
		{
			name: "exit zero without file",
			hook: func(string) func(p *extractortest.Process) error {
				return func(p *extractortest.Process) error {
					p.Exit(0)
					return nil
				}
			},
			wantErr: func(t *testing.T, err error) { assert.ErrorIs(t, err, extractor.ErrNoOutput) },
		},
		{
			name: "non-zero exit",
			hook: func(out string) func(p *extractortest.Process) error {
				return func(p *extractortest.Process) error {
					require.NoError(t, os.WriteFile(out, []byte("partial"), 0644))
					go func() {
						p.WriteStderr("rtsp://cam/live: Connection refused")
						p.Exit(1)
					}()
					return nil
				}
			},
			wantErr: func(t *testing.T, err error) {
				var exitErr *extractor.ExitError
				require.True(t, errors.As(err, &exitErr))
				assert.Equal(t, 1, exitErr.Code)
				assert.Contains(t, exitErr.Stderr, "Connection refused")
			},
		},
		{
			name: "spawn failure",
			hook: func(string) func(p *extractortest.Process) error {
				return func(*extractortest.Process) error { return errors.New("executable file not found") }
			},
			wantErr: func(t *testing.T, err error) { assert.ErrorContains(t, err, "failed to start ffmpeg") },
		},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := filepath.Join(dir, "frames", "frame_"+string(rune('a'+i))+".jpg")
			launcher := &extractortest.Launcher{OnLaunch: tt.hook(out)}

			err := extractor.CaptureFrame(context.Background(), launcher, "rtsp://cam/live", out)
			tt.wantErr(t, err)
		})
	}
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, extractor.ExitCode(nil))
	assert.Equal(t, 3, extractor.ExitCode(extractortest.ExitStatus(3)))
	assert.Equal(t, -1, extractor.ExitCode(errors.New("broken pipe")))
}
