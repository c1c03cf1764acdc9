package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	ffmpeg "github.com/u2takey/ffmpeg-go"
	"go.uber.org/zap"

	"vision-stream-server/media"
)

const (
	// DefaultProbeTimeout bounds how long Open waits for the first frame.
	DefaultProbeTimeout = 10 * time.Second

	stderrTailLines = 8
)

// FFmpegOpener decodes sources with an ffmpeg subprocess emitting raw
// bgr24 frames on stdout.
type FFmpegOpener struct {
	// Path is the ffmpeg binary, "ffmpeg" when empty.
	Path string
	// ProbeTimeout bounds the wait for the first decoded frame.
	ProbeTimeout time.Duration
	Logger       *zap.SugaredLogger
}

// Open starts ffmpeg and waits for the first frame. A source that cannot
// deliver one within the probe timeout is reported as unreachable.
func (o *FFmpegOpener) Open(ctx context.Context, target Target) (Capture, error) {
	if target.Width <= 0 || target.Height <= 0 {
		return nil, fmt.Errorf("invalid frame geometry %dx%d", target.Width, target.Height)
	}

	args, err := ffmpegArgs(target)
	if err != nil {
		return nil, err
	}

	path := o.Path
	if path == "" {
		path = "ffmpeg"
	}
	logger := o.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	cmd := exec.Command(path, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	c := &ffmpegCapture{
		cmd:        cmd,
		stdout:     stdout,
		width:      target.Width,
		height:     target.Height,
		stderrDone: make(chan struct{}),
	}
	if target.URL != target.Redacted && target.URL != "" {
		c.scrub = strings.NewReplacer(target.URL, target.Redacted)
	}
	go c.drainStderr(stderr, logger.With("source", target.Redacted))

	probe := o.ProbeTimeout
	if probe <= 0 {
		probe = DefaultProbeTimeout
	}
	timer := time.AfterFunc(probe, c.kill)
	stop := context.AfterFunc(ctx, c.kill)
	first, err := c.readFrame()
	timer.Stop()
	stop()

	if err != nil {
		c.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if tail := c.stderrTail(); tail != "" {
			return nil, fmt.Errorf("no frame from ffmpeg: %w: %s", err, tail)
		}
		return nil, fmt.Errorf("no frame from ffmpeg: %w", err)
	}
	c.pending = &first
	return c, nil
}

func ffmpegArgs(t Target) ([]string, error) {
	in := ffmpeg.KwArgs{
		"fflags": "nobuffer",
		"flags":  "low_delay",
	}

	var input string
	switch t.Kind {
	case KindDevice:
		switch runtime.GOOS {
		case "linux":
			in["format"] = "v4l2"
			input = "/dev/video" + strconv.Itoa(t.Device)
		case "darwin":
			in["format"] = "avfoundation"
			input = strconv.Itoa(t.Device)
		default:
			return nil, fmt.Errorf("device capture is not supported on %s", runtime.GOOS)
		}
		if t.FPS > 0 {
			in["framerate"] = strconv.Itoa(t.FPS)
		}
	case KindRTSP:
		in["rtsp_transport"] = "tcp"
		input = t.URL
	case KindHTTP:
		input = t.URL
	default:
		return nil, fmt.Errorf("%w: unsupported source kind %q", ErrInvalidConfiguration, t.Kind)
	}

	out := ffmpeg.KwArgs{
		"format":  "rawvideo",
		"pix_fmt": media.PixelFormatBGR24.String(),
		"vf":      fmt.Sprintf("scale=%d:%d", t.Width, t.Height),
	}

	return ffmpeg.Input(input, in).
		Output("pipe:", out).
		GlobalArgs("-loglevel", "error").
		GetArgs(), nil
}

// ffmpegCapture reads fixed-size raw frames from one ffmpeg process.
type ffmpegCapture struct {
	cmd    *exec.Cmd
	stdout io.Reader
	width  int
	height int

	// pending holds the probe frame until the first Read.
	pending *media.Image

	killOnce  sync.Once
	closeOnce sync.Once

	stderrDone chan struct{}

	// scrub strips credentials ffmpeg echoes back in its errors.
	scrub  *strings.Replacer
	tailMu sync.Mutex
	tail   []string
}

func (c *ffmpegCapture) Read() (media.Image, error) {
	if c.pending != nil {
		img := *c.pending
		c.pending = nil
		return img, nil
	}
	return c.readFrame()
}

func (c *ffmpegCapture) readFrame() (media.Image, error) {
	// Fresh buffer per frame, ownership passes to the caller.
	pix := make([]byte, c.width*c.height*3)
	if _, err := io.ReadFull(c.stdout, pix); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return media.Image{}, fmt.Errorf("ffmpeg stream ended: %w", err)
		}
		return media.Image{}, err
	}
	return media.Image{
		Pix:    pix,
		Width:  c.width,
		Height: c.height,
		Format: media.PixelFormatBGR24,
	}, nil
}

func (c *ffmpegCapture) Close() error {
	c.closeOnce.Do(func() {
		c.kill()
		<-c.stderrDone
		// Exit status after kill is expected and not interesting.
		_ = c.cmd.Wait()
	})
	return nil
}

func (c *ffmpegCapture) kill() {
	c.killOnce.Do(func() {
		if c.cmd.Process != nil {
			_ = c.cmd.Process.Kill()
		}
	})
}

func (c *ffmpegCapture) drainStderr(r io.Reader, logger *zap.SugaredLogger) {
	defer close(c.stderrDone)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if c.scrub != nil {
			line = c.scrub.Replace(line)
		}
		logger.Debugw("ffmpeg", "line", line)

		c.tailMu.Lock()
		c.tail = append(c.tail, line)
		if len(c.tail) > stderrTailLines {
			c.tail = c.tail[len(c.tail)-stderrTailLines:]
		}
		c.tailMu.Unlock()
	}
}

func (c *ffmpegCapture) stderrTail() string {
	c.tailMu.Lock()
	defer c.tailMu.Unlock()
	return strings.Join(c.tail, "; ")
}
