// Package audioprobe implements the audio-probing collaborator spec
// §4.B step 5 describes at its interface boundary: probe(path) ->
// {duration, sampleRate, channels, bitrate} or CORRUPT_FILE. The
// teacher shells out to ffmpeg/ffprobe for video-to-audio extraction
// but never probes an uploaded audio file directly; the WAV path here
// decodes the RIFF header in-process and the other formats fall back
// to ffprobe, grounded on the teacher's exec.Command("ffmpeg", ...)
// pattern for UploadVideo.
package audioprobe

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"transcribeengine/internal/apierr"
	"transcribeengine/pkg/binaries"

	"github.com/go-audio/wav"
)

// Result is the probed audio metadata the Intake component persists as
// AudioMeta.
type Result struct {
	Duration   float64
	SampleRate int
	Channels   int
	Bitrate    int
}

// Probe inspects the file at path and reports its audio characteristics.
// A file that cannot be decoded (corrupt header, zero frames, ffprobe
// failure) is reported as apierr.CorruptFile.
func Probe(ctx context.Context, path, mimeType string) (Result, error) {
	if mimeType == "audio/wav" {
		res, err := probeWav(path)
		if err == nil {
			return res, nil
		}
		// Fall through to ffprobe for a WAV that isn't a plain PCM
		// RIFF file (e.g. compressed codecs inside a .wav container).
	}
	return probeFfprobe(ctx, path)
}

func probeWav(path string) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, apierr.Wrap(apierr.CorruptFile, "open wav file", err)
	}
	defer f.Close()

	decoder := wav.NewDecoder(f)
	decoder.ReadInfo()
	if !decoder.IsValidFile() {
		return Result{}, apierr.New(apierr.CorruptFile, "not a valid wav file")
	}

	duration, err := decoder.Duration()
	if err != nil {
		return Result{}, apierr.Wrap(apierr.CorruptFile, "read wav duration", err)
	}
	if duration <= 0 {
		return Result{}, apierr.New(apierr.CorruptFile, "wav file has no audio frames")
	}

	return Result{
		Duration:   duration.Seconds(),
		SampleRate: int(decoder.SampleRate),
		Channels:   int(decoder.NumChans),
		Bitrate:    int(decoder.SampleRate) * int(decoder.NumChans) * int(decoder.BitDepth),
	}, nil
}

// ffprobeFormat is the subset of `ffprobe -print_format json` output
// this package reads.
type ffprobeFormat struct {
	Streams []struct {
		CodecType    string `json:"codec_type"`
		SampleRate   string `json:"sample_rate"`
		Channels     int    `json:"channels"`
		BitRate      string `json:"bit_rate"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
		BitRate  string `json:"bit_rate"`
	} `json:"format"`
}

func probeFfprobe(ctx context.Context, path string) (Result, error) {
	cmd := exec.CommandContext(ctx, binaries.FFprobe(),
		"-v", "error",
		"-print_format", "json",
		"-show_format", "-show_streams",
		"-select_streams", "a:0",
		path)

	out, err := cmd.Output()
	if err != nil {
		return Result{}, apierr.Wrap(apierr.CorruptFile, "ffprobe failed", err)
	}

	var parsed ffprobeFormat
	if err := json.Unmarshal(out, &parsed); err != nil {
		return Result{}, apierr.Wrap(apierr.CorruptFile, "parse ffprobe output", err)
	}
	if len(parsed.Streams) == 0 {
		return Result{}, apierr.New(apierr.CorruptFile, "no audio stream found")
	}

	stream := parsed.Streams[0]
	duration := parseFloat(parsed.Format.Duration)
	if duration == 0 {
		return Result{}, apierr.New(apierr.CorruptFile, "no duration reported")
	}

	bitrate := int(parseFloat(firstNonEmpty(stream.BitRate, parsed.Format.BitRate)))

	return Result{
		Duration:   duration,
		SampleRate: int(parseFloat(stream.SampleRate)),
		Channels:   stream.Channels,
		Bitrate:    bitrate,
	}, nil
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
