// Package pipeline runs the broadcaster's two-stage video pipeline: Pipeline
// A downloads/reads the source and muxes it to MPEG-TS, Pipeline B fans that
// stream out to the multicast senders and a local end-of-playback sink.
// Process management follows the supervisor idiom of running each external
// command in its own process group and tearing it down with a signal to the
// negated pgid; the tee/throttle/fan-out that the original shell pipeline
// expressed with `tee`, `pv` and `mbuffer` is done in-process instead, since
// none of it actually requires an external tool once Go owns both ends of
// the stream.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/dasl-/piwallgo/mcast"
	"github.com/dasl-/piwallgo/probe"
)

// EndOfVideoSentinel is appended as the final multicast video datagram's
// content so receivers can recognize the stream boundary without relying on
// socket closure, which multicast UDP has no equivalent of. It lives in
// mcast since both the sender here and the receiver's detector need it.
var EndOfVideoSentinel = mcast.EndOfVideoSentinel

// Dimensions is the probed source resolution, delivered before Pipeline B
// starts so the caller can send INIT_VIDEO and let receivers size their
// crops ahead of the first frame.
type Dimensions = probe.Dimensions

// videoSender is the subset of *mcast.Conn that Pipeline B needs; accepting
// it as an interface keeps the chunking/throttling logic testable without a
// real multicast socket.
type videoSender interface {
	Send(payload []byte) error
}

const (
	defaultThrottleBytesPerSec = 4 * 1024 * 1024
	defaultChunkSize           = mcast.MaxDatagramSize
	maxPipelineAAttempts       = 2
)

// Config configures one broadcast run.
type Config struct {
	// VideoURL is a remote URL (downloaded via YtDlpPath) or, if IsFile is
	// set, a path to a local file read by CatPath and piped into FfmpegPath.
	VideoURL string
	IsFile   bool

	YtDlpPath  string
	FfmpegPath string
	CatPath    string

	// ThrottleBytesPerSec caps Pipeline B's read rate off of Pipeline A's
	// output, so a local file source can't saturate the LAN and starve the
	// control channel. Zero uses a 4 MiB/s default.
	ThrottleBytesPerSec int

	// UpdateDownloader is invoked once if Pipeline A fails, before the
	// single retry attempt; it stands in for running `yt-dlp -U`.
	UpdateDownloader func(ctx context.Context) error

	Conn   videoSender
	Prober *probe.Prober
	Log    *slog.Logger
}

// Broadcaster drives one video through Pipeline A/Pipeline B.
type Broadcaster struct {
	cfg Config
	log *slog.Logger
}

// New builds a Broadcaster from cfg, filling in path/rate defaults.
func New(cfg Config) *Broadcaster {
	if cfg.YtDlpPath == "" {
		cfg.YtDlpPath = "yt-dlp"
	}
	if cfg.FfmpegPath == "" {
		cfg.FfmpegPath = "ffmpeg"
	}
	if cfg.CatPath == "" {
		cfg.CatPath = "cat"
	}
	if cfg.ThrottleBytesPerSec <= 0 {
		cfg.ThrottleBytesPerSec = defaultThrottleBytesPerSec
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Broadcaster{cfg: cfg, log: log.With("component", "pipeline")}
}

// Run executes one full broadcast: it starts Pipeline A, waits for the
// source dimensions, invokes onDimensions (expected to send INIT_VIDEO and
// sleep to let receivers warm up), starts Pipeline B, and blocks until the
// whole stream has been sent and the end-of-video sentinel flushed.
func (b *Broadcaster) Run(ctx context.Context, onDimensions func(context.Context, Dimensions) error) error {
	var lastErr error
	for attempt := 1; attempt <= maxPipelineAAttempts; attempt++ {
		if attempt > 1 {
			b.log.Warn("pipeline A failed, retrying after downloader update", "attempt", attempt, "cause", lastErr)
			if b.cfg.UpdateDownloader != nil {
				if err := b.cfg.UpdateDownloader(ctx); err != nil {
					b.log.Warn("update downloader step failed, retrying anyway", "error", err)
				}
			}
		}

		err := b.runOnce(ctx, onDimensions)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("pipeline: pipeline A failed after %d attempts: %w", maxPipelineAAttempts, lastErr)
}

func (b *Broadcaster) runOnce(ctx context.Context, onDimensions func(context.Context, Dimensions) error) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	chain, err := b.buildPipelineA(runCtx)
	if err != nil {
		return fmt.Errorf("pipeline: build pipeline A: %w", err)
	}
	defer chain.killAll(syscall.SIGTERM)

	tee := newTeeBuffer()
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		_, copyErr := io.Copy(tee, chain.stdout)
		tee.CloseWithError(copyErr)
	}()

	// Pipeline B's reader is attached before probing starts, so the bytes the
	// probe reads are still buffered for Pipeline B rather than trimmed.
	reader := tee.NewReader()

	dims, err := b.probeDimensions(runCtx, tee)
	if err != nil {
		reader.Close()
		_ = chain.killAll(syscall.SIGTERM)
		<-pumpDone
		_ = chain.wait()
		return fmt.Errorf("pipeline: probe dimensions: %w", err)
	}

	if onDimensions != nil {
		if err := onDimensions(runCtx, dims); err != nil {
			reader.Close()
			_ = chain.killAll(syscall.SIGTERM)
			<-pumpDone
			_ = chain.wait()
			return fmt.Errorf("pipeline: onDimensions hook: %w", err)
		}
	}

	sendErr := b.runPipelineB(runCtx, reader)

	waitErr := chain.wait()
	<-pumpDone

	if sendErr != nil {
		return fmt.Errorf("pipeline: pipeline B: %w", sendErr)
	}
	if waitErr != nil && !selfTerminated(waitErr, syscall.SIGTERM) {
		if chain.muxStderr != nil && chain.muxStderr.Len() > 0 {
			b.log.Error("ffmpeg mux stderr", "output", chain.muxStderr.String())
		}
		return fmt.Errorf("pipeline: pipeline A: %w", waitErr)
	}
	return nil
}

// probeDimensions reads just enough of Pipeline A's output (via its own tee
// reader, detached afterward) to discover the source resolution.
func (b *Broadcaster) probeDimensions(ctx context.Context, tee *teeBuffer) (Dimensions, error) {
	r := tee.NewReader()
	defer r.Close()
	return b.cfg.Prober.Probe(ctx, r)
}

// runPipelineB fans reader's bytes out to the rate-limited local
// end-of-playback detector and the multicast video sender, simultaneously.
func (b *Broadcaster) runPipelineB(ctx context.Context, reader *teeReader) error {
	defer reader.Close()

	limited := &rateLimitedReader{r: reader, bytesPerSec: b.cfg.ThrottleBytesPerSec}

	var sinkDone sync.WaitGroup
	sinkDone.Add(1)
	var sinkErr error
	sinkR, sinkW := io.Pipe()
	go func() {
		defer sinkDone.Done()
		sinkErr = drainLocalSink(sinkR)
	}()

	senderErr := b.sendChunked(ctx, io.TeeReader(limited, sinkW))
	sinkW.CloseWithError(io.EOF)
	sinkDone.Wait()

	if senderErr != nil {
		return senderErr
	}
	if sinkErr != nil && !errors.Is(sinkErr, io.EOF) {
		return fmt.Errorf("local end-of-playback sink: %w", sinkErr)
	}
	return nil
}

// drainLocalSink stands in for the original's rate-paced mbuffer+ffmpeg
// local sink, whose only job is detecting end-of-playback; here that's just
// draining to nowhere; arrival of io.EOF on the pipe is detection enough.
func drainLocalSink(r io.Reader) error {
	_, err := io.Copy(io.Discard, r)
	if err != nil && errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return err
}

// sendChunked reads r to completion, fragmenting it into multicast datagrams
// and finally sending EndOfVideoSentinel as the closing datagram.
func (b *Broadcaster) sendChunked(ctx context.Context, r io.Reader) error {
	buf := make([]byte, defaultChunkSize)
	var sent int64
	lastLog := time.Now()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := r.Read(buf)
		if n > 0 {
			if sendErr := b.cfg.Conn.Send(buf[:n]); sendErr != nil {
				return fmt.Errorf("send video datagram: %w", sendErr)
			}
			sent += int64(n)
			if time.Since(lastLog) > 5*time.Second {
				b.log.Info("broadcasting", "bytes_sent", sent)
				lastLog = time.Now()
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("read pipeline B stream: %w", err)
		}
	}
	if err := b.cfg.Conn.Send(EndOfVideoSentinel); err != nil {
		return fmt.Errorf("send end-of-video sentinel: %w", err)
	}
	b.log.Info("broadcast finished", "bytes_sent", sent)
	return nil
}

// rateLimitedReader caps read throughput to bytesPerSec using a simple
// per-chunk sleep, substituting for the original's external `pv` throttle.
type rateLimitedReader struct {
	r           io.Reader
	bytesPerSec int
}

func (rl *rateLimitedReader) Read(p []byte) (int, error) {
	if len(p) > rl.bytesPerSec/4 {
		p = p[:rl.bytesPerSec/4]
	}
	start := time.Now()
	n, err := rl.r.Read(p)
	if n > 0 && rl.bytesPerSec > 0 {
		want := time.Duration(n) * time.Second / time.Duration(rl.bytesPerSec)
		if elapsed := time.Since(start); want > elapsed {
			time.Sleep(want - elapsed)
		}
	}
	return n, err
}

// cmdChain is a sequence of subprocesses wired stdout-to-stdin, each in its
// own process group, with a single stdout to read the final output from.
type cmdChain struct {
	cmds      []*exec.Cmd
	stdout    io.ReadCloser
	muxStderr *bytes.Buffer
}

func (c *cmdChain) killAll(sig syscall.Signal) error {
	var first error
	for _, cmd := range c.cmds {
		if err := killGroup(cmd, sig); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (c *cmdChain) wait() error {
	var last error
	for _, cmd := range c.cmds {
		if err := cmd.Wait(); err != nil {
			last = err
		}
	}
	return last
}

// buildPipelineA wires the downloader (or `cat`, for local files) into the
// ffmpeg mux stage, returning a chain whose combined stdout is MPEG-TS.
func (b *Broadcaster) buildPipelineA(ctx context.Context) (*cmdChain, error) {
	var src *exec.Cmd
	if b.cfg.IsFile {
		src = exec.CommandContext(ctx, b.cfg.CatPath, b.cfg.VideoURL)
	} else {
		src = exec.CommandContext(ctx, b.cfg.YtDlpPath,
			"-f", "bestvideo+bestaudio/best",
			"-o", "-",
			b.cfg.VideoURL,
		)
	}

	mux := exec.CommandContext(ctx, b.cfg.FfmpegPath,
		"-i", "pipe:0",
		"-c:v", "copy",
		"-c:a", "mp2", "-b:a", "192k",
		"-f", "mpegts", "pipe:1",
	)

	srcStdout, err := src.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("source stdout pipe: %w", err)
	}
	mux.Stdin = srcStdout

	var muxStderr bytes.Buffer
	mux.Stderr = &muxStderr

	muxStdout, err := mux.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("mux stdout pipe: %w", err)
	}

	if err := startInGroup(src); err != nil {
		return nil, fmt.Errorf("start source: %w", err)
	}
	if err := startInGroup(mux); err != nil {
		_ = killGroup(src, syscall.SIGTERM)
		return nil, fmt.Errorf("start mux: %w", err)
	}

	return &cmdChain{cmds: []*exec.Cmd{src, mux}, stdout: muxStdout, muxStderr: &muxStderr}, nil
}
