// Package media wraps the ffmpeg toolchain behind two pure operations:
// last-frame extraction and final concatenation/re-render.
package media

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"videoloop/internal/apperrors"
)

// Toolchain performs the CPU-bound media operations of the pipeline.
type Toolchain interface {
	// ExtractLastFrame returns a PNG of the final decodable frame.
	// Deterministic: identical input bytes produce identical output bytes.
	ExtractLastFrame(ctx context.Context, video []byte) ([]byte, error)

	// ConcatenateAndRender joins segments in order, normalizes frame rate and
	// pixel format, and produces one streamable MP4. Fails loudly if any
	// segment is unreadable; it never silently truncates.
	ConcatenateAndRender(ctx context.Context, segments [][]byte) ([]byte, error)
}

// FFmpeg runs the ffmpeg binary in a scratch directory per invocation.
type FFmpeg struct {
	Binary string // path to ffmpeg, default "ffmpeg"
}

// NewFFmpeg creates a toolchain using the given ffmpeg binary ("" for PATH lookup).
func NewFFmpeg(binary string) *FFmpeg {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &FFmpeg{Binary: binary}
}

// ExtractLastFrame returns a PNG of the final decodable frame.
func (f *FFmpeg) ExtractLastFrame(ctx context.Context, video []byte) ([]byte, error) {
	tmp, err := os.MkdirTemp("", "extract-*")
	if err != nil {
		return nil, apperrors.Internal("ffmpeg.extractLastFrame", err)
	}
	defer os.RemoveAll(tmp)

	inPath := filepath.Join(tmp, "chunk.mp4")
	outPath := filepath.Join(tmp, "last.png")
	if err := os.WriteFile(inPath, video, 0600); err != nil {
		return nil, apperrors.Internal("ffmpeg.extractLastFrame", err)
	}

	// Seek to one second before EOF and emit a single frame.
	args := []string{"-y", "-sseof", "-1", "-i", inPath, "-frames:v", "1", outPath}
	if err := f.run(ctx, args); err != nil {
		return nil, apperrors.Internal("ffmpeg.extractLastFrame", err)
	}

	frame, err := os.ReadFile(outPath)
	if err != nil {
		return nil, apperrors.Internal("ffmpeg.extractLastFrame", err)
	}
	return frame, nil
}

// ConcatenateAndRender joins segments in order and re-renders the result.
func (f *FFmpeg) ConcatenateAndRender(ctx context.Context, segments [][]byte) ([]byte, error) {
	if len(segments) == 0 {
		return nil, apperrors.Validation("segments", "no segments to concatenate")
	}

	tmp, err := os.MkdirTemp("", "stitch-*")
	if err != nil {
		return nil, apperrors.Internal("ffmpeg.concatenate", err)
	}
	defer os.RemoveAll(tmp)

	paths := make([]string, len(segments))
	for i, seg := range segments {
		paths[i] = filepath.Join(tmp, fmt.Sprintf("chunk_%d.mp4", i))
		if err := os.WriteFile(paths[i], seg, 0600); err != nil {
			return nil, apperrors.Internal("ffmpeg.concatenate", err)
		}
	}

	listPath := filepath.Join(tmp, "list.txt")
	if err := os.WriteFile(listPath, []byte(concatList(paths)), 0600); err != nil {
		return nil, apperrors.Internal("ffmpeg.concatenate", err)
	}

	// Stage 1: lossless concat of the segments.
	concatPath := filepath.Join(tmp, "concat.mp4")
	if err := f.run(ctx, []string{"-y", "-f", "concat", "-safe", "0", "-i", listPath, "-c", "copy", concatPath}); err != nil {
		return nil, apperrors.Internal("ffmpeg.concatenate", err)
	}

	// Stage 2: re-render into one uniform, streamable container.
	finalPath := filepath.Join(tmp, "final.mp4")
	if err := f.run(ctx, []string{
		"-y",
		"-i", concatPath,
		"-vf", "fps=30",
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		finalPath,
	}); err != nil {
		return nil, apperrors.Internal("ffmpeg.render", err)
	}

	final, err := os.ReadFile(finalPath)
	if err != nil {
		return nil, apperrors.Internal("ffmpeg.render", err)
	}
	return final, nil
}

// run executes ffmpeg, folding trimmed stderr into the error.
func (f *FFmpeg) run(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, f.Binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 512 {
			msg = msg[len(msg)-512:]
		}
		if msg != "" {
			return fmt.Errorf("%s %s: %w: %s", f.Binary, args[len(args)-1], err, msg)
		}
		return fmt.Errorf("%s %s: %w", f.Binary, args[len(args)-1], err)
	}
	return nil
}

// concatList renders the ffmpeg concat demuxer input file.
func concatList(paths []string) string {
	var b strings.Builder
	for _, p := range paths {
		fmt.Fprintf(&b, "file '%s'\n", p)
	}
	return b.String()
}

var _ Toolchain = (*FFmpeg)(nil)
