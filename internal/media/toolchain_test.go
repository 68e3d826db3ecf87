package media

import (
	"context"
	"errors"
	"strings"
	"testing"

	"videoloop/internal/apperrors"
)

func TestConcatList(t *testing.T) {
	t.Parallel()
	got := concatList([]string{"/tmp/a/chunk_0.mp4", "/tmp/a/chunk_1.mp4"})
	want := "file '/tmp/a/chunk_0.mp4'\nfile '/tmp/a/chunk_1.mp4'\n"
	if got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

func TestNewFFmpeg_DefaultBinary(t *testing.T) {
	t.Parallel()
	if f := NewFFmpeg(""); f.Binary != "ffmpeg" {
		t.Errorf("Expected default binary ffmpeg, got %s", f.Binary)
	}
	if f := NewFFmpeg("/opt/ffmpeg"); f.Binary != "/opt/ffmpeg" {
		t.Errorf("Expected /opt/ffmpeg, got %s", f.Binary)
	}
}

func TestConcatenateAndRender_NoSegments(t *testing.T) {
	t.Parallel()
	f := NewFFmpeg("")

	_, err := f.ConcatenateAndRender(context.Background(), nil)
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("Expected validation error for empty input, got %v", err)
	}
}

func TestExtractLastFrame_MissingBinary(t *testing.T) {
	t.Parallel()
	f := NewFFmpeg("/nonexistent/ffmpeg")

	_, err := f.ExtractLastFrame(context.Background(), []byte("not-a-video"))
	if !errors.Is(err, apperrors.ErrInternal) {
		t.Errorf("Expected internal error, got %v", err)
	}
	if err != nil && !strings.Contains(err.Error(), "ffmpeg.extractLastFrame") {
		t.Errorf("Expected op in error, got %v", err)
	}
}

func TestConcatenateAndRender_MissingBinary(t *testing.T) {
	t.Parallel()
	f := NewFFmpeg("/nonexistent/ffmpeg")

	_, err := f.ConcatenateAndRender(context.Background(), [][]byte{[]byte("a"), []byte("b")})
	if !errors.Is(err, apperrors.ErrInternal) {
		t.Errorf("Expected internal error, got %v", err)
	}
}
