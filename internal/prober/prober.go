// Package prober wraps the external ffprobe/ffmpeg binaries (C3): it
// invokes them as explicit subprocess commands with an argv array and a
// context deadline, never a shell string, per the design note on subprocess
// orchestration. It is the Health Classifier's deep-path data source.
package prober

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"github.com/relayfleet/controlplane/internal/errs"
)

// StreamKind distinguishes a probed elementary stream's media type.
type StreamKind string

const (
	KindVideo StreamKind = "video"
	KindAudio StreamKind = "audio"
)

// ProbedStream is one elementary stream ffprobe reported.
type ProbedStream struct {
	Kind          StreamKind
	Codec         string
	Width         int
	Height        int
	FrameRate     float64 // r_frame_rate, parsed
	AvgFrameRate  float64 // avg_frame_rate, parsed
	Bitrate       *float64
}

// ProbeResult is the Media Prober's output contract.
type ProbeResult struct {
	OK      bool
	Streams []ProbedStream
	Issues  []string
}

// Prober runs ffprobe/ffmpeg against a media URL.
type Prober interface {
	Probe(ctx context.Context, mediaURL, protocol string) (*ProbeResult, error)
	DetectBlackScreen(ctx context.Context, mediaURL string) (bool, error)
	DetectFreeze(ctx context.Context, mediaURL string) (bool, error)
	DetectAudioSilence(ctx context.Context, mediaURL string) (bool, error)
}

type execProber struct {
	ffprobeBin string
	ffmpegBin  string
	spawns     *rate.Limiter
}

// maxSpawnsPerSecond caps how fast this process forks probe subprocesses, so
// a wide deep-health fan-out can't exhaust file descriptors in one burst.
const maxSpawnsPerSecond = 10

// New builds a Prober that shells out to the named ffprobe/ffmpeg binaries
// via os/exec.CommandContext — never through a shell, so no input here is
// ever interpreted by /bin/sh.
func New(ffprobeBin, ffmpegBin string) Prober {
	if ffprobeBin == "" {
		ffprobeBin = "ffprobe"
	}
	if ffmpegBin == "" {
		ffmpegBin = "ffmpeg"
	}
	return &execProber{
		ffprobeBin: ffprobeBin,
		ffmpegBin:  ffmpegBin,
		spawns:     rate.NewLimiter(rate.Limit(maxSpawnsPerSecond), maxSpawnsPerSecond),
	}
}

type ffprobeStream struct {
	CodecType    string `json:"codec_type"`
	CodecName    string `json:"codec_name"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	RFrameRate   string `json:"r_frame_rate"`
	AvgFrameRate string `json:"avg_frame_rate"`
	BitRate      string `json:"bit_rate"`
}

type ffprobeOutput struct {
	Streams []ffprobeStream `json:"streams"`
}

// Probe runs ffprobe against mediaURL, forcing TCP transport for rtsp:// URLs
// per spec.md §4.2, and classifies the result into ProbeResult.
func (p *execProber) Probe(ctx context.Context, mediaURL, protocol string) (*ProbeResult, error) {
	argv := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_streams",
		"-analyzeduration", "5000000",
		"-probesize", "5000000",
	}
	if strings.HasPrefix(mediaURL, "rtsp://") {
		argv = append(argv, "-rtsp_transport", "tcp")
	}
	argv = append(argv, mediaURL)

	if err := p.spawns.Wait(ctx); err != nil {
		return nil, errs.Cancelled("prober.probe", err)
	}
	cmd := exec.CommandContext(ctx, p.ffprobeBin, argv...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return nil, errs.Cancelled("prober.probe", ctx.Err())
	}
	if err != nil && stdout.Len() == 0 {
		return nil, errs.Probe("prober.probe", "ffprobe failed", errorFromStderr(stderr.String()))
	}

	var out ffprobeOutput
	if stdout.Len() > 0 {
		if jsonErr := json.Unmarshal(stdout.Bytes(), &out); jsonErr != nil {
			return nil, errs.Probe("prober.probe", "unparseable ffprobe output", jsonErr)
		}
	}

	return analyze(out), nil
}

func errorFromStderr(s string) error {
	if s == "" {
		return nil
	}
	return &stderrError{s}
}

type stderrError struct{ s string }

func (e *stderrError) Error() string { return e.s }

// ParseFrameRate parses ffprobe's "num/den" or decimal frame-rate strings.
// "x/0" is treated as unknown (returns 0, false), per spec.md §4.2.
func ParseFrameRate(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	if strings.Contains(s, "/") {
		parts := strings.SplitN(s, "/", 2)
		num, err1 := strconv.ParseFloat(parts[0], 64)
		den, err2 := strconv.ParseFloat(parts[1], 64)
		if err1 != nil || err2 != nil || den == 0 {
			return 0, false
		}
		return num / den, true
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func analyze(out ffprobeOutput) *ProbeResult {
	result := &ProbeResult{OK: true}
	for _, s := range out.Streams {
		var kind StreamKind
		switch s.CodecType {
		case "video":
			kind = KindVideo
		case "audio":
			kind = KindAudio
		default:
			continue
		}
		fps, _ := ParseFrameRate(s.RFrameRate)
		avgFps, _ := ParseFrameRate(s.AvgFrameRate)
		ps := ProbedStream{
			Kind:         kind,
			Codec:        s.CodecName,
			Width:        s.Width,
			Height:       s.Height,
			FrameRate:    fps,
			AvgFrameRate: avgFps,
		}
		if s.BitRate != "" {
			if br, err := strconv.ParseFloat(s.BitRate, 64); err == nil {
				ps.Bitrate = &br
			}
		}
		result.Streams = append(result.Streams, ps)
	}
	if len(result.Streams) == 0 {
		result.OK = false
		result.Issues = append(result.Issues, "no streams found")
	}
	return result
}

func (p *execProber) runFilterProbe(ctx context.Context, mediaURL, filterFlag, filterValue string, marker string) (bool, error) {
	argv := []string{
		"-i", mediaURL,
		filterFlag, filterValue,
		"-f", "null", "-",
	}
	if err := p.spawns.Wait(ctx); err != nil {
		return false, errs.Cancelled("prober.filter", err)
	}
	cmd := exec.CommandContext(ctx, p.ffmpegBin, argv...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return false, errs.Cancelled("prober.filter", ctx.Err())
	}
	// ffmpeg's null muxer run exits non-zero for reasons unrelated to filter
	// detection (short timeouts, trailing EOF); the presence of the marker in
	// stderr is the signal, not the exit code.
	_ = err
	return strings.Contains(stderr.String(), marker), nil
}

// DetectBlackScreen runs a bounded ffmpeg blackdetect pass.
func (p *execProber) DetectBlackScreen(ctx context.Context, mediaURL string) (bool, error) {
	return p.runFilterProbe(ctx, mediaURL, "-vf", "blackdetect=d=0.5:pix_th=0.10", "black_start")
}

// DetectFreeze runs a bounded ffmpeg freezedetect pass.
func (p *execProber) DetectFreeze(ctx context.Context, mediaURL string) (bool, error) {
	return p.runFilterProbe(ctx, mediaURL, "-vf", "freezedetect=n=0.003:d=5", "freeze_start")
}

// DetectAudioSilence runs a bounded ffmpeg silencedetect pass.
func (p *execProber) DetectAudioSilence(ctx context.Context, mediaURL string) (bool, error) {
	return p.runFilterProbe(ctx, mediaURL, "-af", "silencedetect=n=-50dB:d=2", "silence_start")
}
