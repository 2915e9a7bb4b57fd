package upload

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

// FFmpegThumbnailer shells out to ffmpeg to extract a representative frame
// from a video payload as JPEG.
type FFmpegThumbnailer struct {
	Bin string // ffmpeg binary, defaults to "ffmpeg"
}

// Thumbnail implements Thumbnailer.
func (f *FFmpegThumbnailer) Thumbnail(ctx context.Context, video []byte) ([]byte, error) {
	bin := f.Bin
	if bin == "" {
		bin = "ffmpeg"
	}

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, bin,
		"-i", "pipe:0",
		"-vf", "thumbnail,scale=320:-1",
		"-frames:v", "1",
		"-f", "mjpeg",
		"pipe:1",
	)
	cmd.Stdin = bytes.NewReader(video)
	cmd.Stdout = &out

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg: %w", err)
	}
	if out.Len() == 0 {
		return nil, fmt.Errorf("ffmpeg produced no frame")
	}
	return out.Bytes(), nil
}
