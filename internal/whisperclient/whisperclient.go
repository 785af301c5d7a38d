// Package whisperclient is the WhisperClient adapter (spec §4.C): a
// thin, pure wrapper around an in-process whisper.cpp model instance.
// Grounded on hnrqer-transcriber-pro/server/transcription.go
// (TranscriptionEngine: lazy whisper.New(modelPath), NewContext,
// Process, NextSegment loop, ffmpeg-to-PCM conversion via exec.Command)
// for the whisper.cpp binding usage, and on the teacher pack's
// singleflight-guarded lazy load (internal/transcription/adapters/base_adapter.go)
// for spec's "loading is serialized; concurrent first-callers wait".
package whisperclient

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"transcribeengine/internal/apierr"
	"transcribeengine/pkg/binaries"
	"transcribeengine/pkg/downloader"

	"github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"golang.org/x/sync/singleflight"
)

// Segment is one recognized span of the transcript.
type Segment struct {
	Start time.Duration
	End   time.Duration
	Text  string
}

// Result is WhisperClient.Transcribe's success value.
type Result struct {
	Text       string
	Segments   []Segment
	Language   string
	Confidence float64
	ModelID    string
}

// Client lazily loads one model instance per process and serializes
// concurrent first-callers onto a single load via singleflight; once
// loaded, the model handle is reused by every subsequent call. Inference
// is serialized by inferMu: at most one transcription runs at a time per
// Client, and further callers wait their turn.
type Client struct {
	modelPath  string
	modelID    string
	modelURL   string
	loadGroup  singleflight.Group
	mu         sync.Mutex
	inferMu    sync.Mutex
	model      whisper.Model
	loadFailed bool
}

// New constructs a Client for the given model identifier. modelPath is
// where the model file lives (or will be downloaded to) on disk;
// modelURL, if set, is used to fetch it on first use when absent.
func New(modelID, modelPath, modelURL string) *Client {
	return &Client{modelID: modelID, modelPath: modelPath, modelURL: modelURL}
}

func (c *Client) ensureLoaded(ctx context.Context) error {
	c.mu.Lock()
	if c.loadFailed {
		c.mu.Unlock()
		return apierr.New(apierr.WhisperLoadFailed, "whisper model previously failed to load")
	}
	if c.model != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	_, err, _ := c.loadGroup.Do("load", func() (any, error) {
		c.mu.Lock()
		if c.model != nil {
			c.mu.Unlock()
			return nil, nil
		}
		c.mu.Unlock()

		if _, statErr := os.Stat(c.modelPath); os.IsNotExist(statErr) {
			if c.modelURL == "" {
				return nil, apierr.New(apierr.WhisperLoadFailed, "model file missing and no download URL configured")
			}
			if derr := downloader.DownloadFile(ctx, c.modelURL, c.modelPath); derr != nil {
				return nil, apierr.Wrap(apierr.WhisperLoadFailed, "download whisper model", derr)
			}
		}

		model, merr := whisper.New(c.modelPath)
		if merr != nil {
			return nil, apierr.Wrap(apierr.WhisperLoadFailed, "load whisper model", merr)
		}

		c.mu.Lock()
		c.model = model
		c.mu.Unlock()
		return nil, nil
	})
	if err != nil {
		c.mu.Lock()
		c.loadFailed = true
		c.mu.Unlock()
		return err
	}
	return nil
}

// Transcribe runs the Whisper model over the audio file at audioPath
// and returns its recognized text, segments, and a fixed placeholder
// confidence.
// language may be empty to request auto-detection. timeout bounds the
// whole call (conversion + inference); on expiry it returns
// apierr.WhisperTimeout.
func (c *Client) Transcribe(ctx context.Context, audioPath, language string, timeout time.Duration) (Result, error) {
	if err := c.ensureLoaded(ctx); err != nil {
		return Result{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		res, err := c.transcribeOnce(callCtx, audioPath, language)
		done <- outcome{res, err}
	}()

	select {
	case out := <-done:
		return out.res, out.err
	case <-callCtx.Done():
		return Result{}, apierr.New(apierr.WhisperTimeout, "whisper transcription timed out")
	}
}

func (c *Client) transcribeOnce(ctx context.Context, audioPath, language string) (Result, error) {
	c.inferMu.Lock()
	defer c.inferMu.Unlock()

	samples, err := decodeToPCM(ctx, audioPath)
	if err != nil {
		return Result{}, apierr.Retry(apierr.WhisperInference, "decode audio to pcm", err)
	}

	c.mu.Lock()
	model := c.model
	c.mu.Unlock()

	whisperCtx, err := model.NewContext()
	if err != nil {
		return Result{}, apierr.Retry(apierr.WhisperInference, "create whisper context", err)
	}
	setLang := language
	if setLang == "" {
		setLang = "auto"
	}
	if err := whisperCtx.SetLanguage(setLang); err != nil {
		return Result{}, apierr.Retry(apierr.WhisperInference, "set language", err)
	}

	if err := whisperCtx.Process(samples, nil, nil, nil); err != nil {
		return Result{}, apierr.Retry(apierr.WhisperInference, "whisper inference", err)
	}

	var text string
	var segments []Segment
	for {
		seg, err := whisperCtx.NextSegment()
		if err != nil {
			break
		}
		segments = append(segments, Segment{Start: seg.Start, End: seg.End, Text: seg.Text})
		text += seg.Text
	}

	return Result{
		Text:     text,
		Segments: segments,
		Language: setLang,
		// Confidence is passed through opaquely per the spec's open
		// question on LLM-stage confidence: whisper.cpp's Go binding
		// does not report a per-utterance confidence, so a fixed
		// placeholder stands in rather than inventing semantics.
		Confidence: 0.9,
		ModelID:    c.modelID,
	}, nil
}

// decodeToPCM converts audioPath to mono 16 kHz float32 PCM via ffmpeg,
// the same invocation the teacher's loadAudioFile uses.
func decodeToPCM(ctx context.Context, audioPath string) ([]float32, error) {
	wavPath := audioPath + ".pcm.wav"
	defer os.Remove(wavPath)

	cmd := exec.CommandContext(ctx, binaries.FFmpeg(),
		"-i", audioPath,
		"-ar", "16000",
		"-ac", "1",
		"-c:a", "pcm_f32le",
		"-f", "wav",
		"-y",
		wavPath)
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg conversion failed: %w", err)
	}

	file, err := os.Open(wavPath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return nil, err
	}

	const wavHeaderSize = 44
	dataSize := stat.Size() - wavHeaderSize
	if dataSize <= 0 {
		return nil, fmt.Errorf("decoded pcm file %s is empty", filepath.Base(wavPath))
	}

	if _, err := file.Seek(wavHeaderSize, 0); err != nil {
		return nil, err
	}

	samples := make([]float32, dataSize/4)
	if err := binary.Read(file, binary.LittleEndian, &samples); err != nil {
		return nil, err
	}
	return samples, nil
}
