package intake

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"transcribeengine/internal/apierr"
	"transcribeengine/internal/database"
	"transcribeengine/internal/models"
	"transcribeengine/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildMinimalWAV assembles a valid PCM WAV file the go-audio/wav
// decoder accepts: a RIFF header, a 16-byte fmt subchunk, and a data
// subchunk of numFrames silent 16-bit samples.
func buildMinimalWAV(sampleRate, numChannels, bitDepth, numFrames int) []byte {
	bytesPerSample := bitDepth / 8
	dataSize := numFrames * numChannels * bytesPerSample
	byteRate := sampleRate * numChannels * bytesPerSample
	blockAlign := numChannels * bytesPerSample

	buf := &bytes.Buffer{}
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+dataSize))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(buf, binary.LittleEndian, uint16(numChannels))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(buf, binary.LittleEndian, uint16(bitDepth))

	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(dataSize))
	buf.Write(make([]byte, dataSize))

	return buf.Bytes()
}

func newTestService(t *testing.T, maxFileSize int64) *Service {
	t.Helper()
	dbPath := t.TempDir() + "/test.db"
	db, err := database.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close(db) })
	st := store.New(db)
	return New(st, t.TempDir(), maxFileSize)
}

func TestAcceptValidWavCreatesJob(t *testing.T) {
	svc := newTestService(t, 50*1024*1024)
	wav := buildMinimalWAV(16000, 1, 16, 16000) // 1 second

	job, err := svc.Accept(context.Background(), bytes.NewReader(wav), "meeting.wav", int64(len(wav)), models.UsageMeeting)
	require.NoError(t, err)
	assert.Equal(t, "audio/wav", job.MimeType)
	assert.Equal(t, models.StatusUploaded, job.Status)
	assert.NotEmpty(t, job.ContentHash)
	require.NotNil(t, job.AudioMeta)
	assert.InDelta(t, 1.0, job.AudioMeta.Duration, 0.05)
}

func TestAcceptRejectsEmptyFile(t *testing.T) {
	svc := newTestService(t, 50*1024*1024)
	_, err := svc.Accept(context.Background(), bytes.NewReader(nil), "meeting.wav", 0, models.UsageMeeting)
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.EmptyFile, apiErr.Code)
}

func TestAcceptRejectsOversizeFile(t *testing.T) {
	svc := newTestService(t, 100)
	wav := buildMinimalWAV(16000, 1, 16, 16000)
	require.Greater(t, len(wav), 100)

	_, err := svc.Accept(context.Background(), bytes.NewReader(wav), "meeting.wav", int64(len(wav)), models.UsageMeeting)
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.FileTooLarge, apiErr.Code)
}

func TestAcceptRejectsUnsupportedExtension(t *testing.T) {
	svc := newTestService(t, 50*1024*1024)
	_, err := svc.Accept(context.Background(), bytes.NewReader([]byte("not audio")), "notes.txt", 9, models.UsageMeeting)
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.InvalidFormat, apiErr.Code)
}

func TestAcceptRejectsExtensionMimeMismatch(t *testing.T) {
	svc := newTestService(t, 50*1024*1024)
	wav := buildMinimalWAV(16000, 1, 16, 16000)

	// A real WAV file uploaded with a ".mp3" extension: the sniffed
	// MIME maps to the wav logical format, not mp3, so this must be
	// rejected rather than silently accepted under the wrong extension.
	_, err := svc.Accept(context.Background(), bytes.NewReader(wav), "meeting.mp3", int64(len(wav)), models.UsageMeeting)
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.InvalidFormat, apiErr.Code)
}

func TestAcceptDedupsActiveJobByContentHashAndUsageType(t *testing.T) {
	svc := newTestService(t, 50*1024*1024)
	wav := buildMinimalWAV(16000, 1, 16, 16000)

	first, err := svc.Accept(context.Background(), bytes.NewReader(wav), "meeting.wav", int64(len(wav)), models.UsageMeeting)
	require.NoError(t, err)

	second, err := svc.Accept(context.Background(), bytes.NewReader(wav), "meeting-again.wav", int64(len(wav)), models.UsageMeeting)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "duplicate upload while first job is still active returns the same job")
}
