// Package intake is the Audio Intake component (spec §4.B): validate,
// MIME-normalize, hash, and persist an upload, then insert its Job and
// AudioMeta row in one transaction. Grounded on the teacher's
// internal/service/file_service.go (SaveUpload, temp-file-then-rename)
// and internal/api/handlers.go's UploadAudio handler for the
// validate-then-persist-then-insert shape; MIME sniffing and
// content-addressed storage are new, since the teacher trusts the
// upload extension and names files by a random UUID.
package intake

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"transcribeengine/internal/apierr"
	"transcribeengine/internal/audioprobe"
	"transcribeengine/internal/models"
	"transcribeengine/internal/store"

	"github.com/gabriel-vasile/mimetype"
)

// sniffLen is the number of leading bytes mimetype needs to sniff
// reliably for the formats this service accepts.
const sniffLen = 3072

// logicalFormat groups an extension or a normalized MIME type into the
// family spec §4.B's validation step 2 compares them by.
type logicalFormat string

const (
	formatM4A     logicalFormat = "m4a"
	formatWav     logicalFormat = "wav"
	formatMP3     logicalFormat = "mp3"
	formatUnknown logicalFormat = ""
)

var extToFormat = map[string]logicalFormat{
	".m4a": formatM4A,
	".mp4": formatM4A,
	".wav": formatWav,
	".mp3": formatMP3,
}

// mimeNormalization is the exact table spec §4.B specifies. Any sniffed
// MIME not covered here, and not already one of the three normalized
// forms, is rejected as INVALID_FORMAT.
var mimeNormalization = map[string]string{
	"audio/x-m4a":  "audio/m4a",
	"audio/mp4":    "audio/m4a",
	"audio/m4a":    "audio/m4a",
	"audio/wave":   "audio/wav",
	"audio/x-wav":  "audio/wav",
	"audio/wav":    "audio/wav",
	"audio/mpeg":   "audio/mp3",
	"audio/mp3":    "audio/mp3",
}

var normalizedToFormat = map[string]logicalFormat{
	"audio/m4a": formatM4A,
	"audio/wav": formatWav,
	"audio/mp3": formatMP3,
}

// Service implements accept(originalName, bytes, usageType) -> Job |
// RejectionError against a configured upload directory and byte-size
// ceiling.
type Service struct {
	store       *store.Store
	uploadDir   string
	maxFileSize int64
}

func New(st *store.Store, uploadDir string, maxFileSize int64) *Service {
	return &Service{store: st, uploadDir: uploadDir, maxFileSize: maxFileSize}
}

// Accept validates, hashes, persists, and records one upload. declaredSize
// is the size reported by the caller (e.g. a multipart.FileHeader); it
// is used for the fast-path size rejection but the actual byte count
// written to disk is what gets recorded and is what the size ceiling is
// enforced against, since a caller-declared size cannot be trusted.
//
// On any validation failure, nothing is persisted: no file is left on
// disk and no Job row is created.
func (s *Service) Accept(ctx context.Context, r io.Reader, originalName string, declaredSize int64, usageType models.UsageType) (*models.Job, error) {
	if declaredSize == 0 {
		return nil, apierr.New(apierr.EmptyFile, "upload is empty")
	}
	if declaredSize > s.maxFileSize {
		return nil, apierr.New(apierr.FileTooLarge, "upload exceeds maximum file size")
	}

	ext := strings.ToLower(filepath.Ext(originalName))
	extFormat, ok := extToFormat[ext]
	if !ok {
		return nil, apierr.New(apierr.InvalidFormat, fmt.Sprintf("unsupported file extension %q", ext))
	}

	tmp, err := os.CreateTemp(s.uploadDir, "upload-*.tmp")
	if err != nil {
		return nil, apierr.Wrap(apierr.StoreError, "create temp upload file", err)
	}
	tmpPath := tmp.Name()
	removeTemp := true
	defer func() {
		tmp.Close()
		if removeTemp {
			os.Remove(tmpPath)
		}
	}()

	hasher := sha256.New()
	header := make([]byte, 0, sniffLen)
	limited := &limitedCountingReader{r: r, limit: s.maxFileSize + 1}

	multi := io.TeeReader(limited, hasher)
	buf := make([]byte, 32*1024)
	for {
		n, readErr := multi.Read(buf)
		if n > 0 {
			if len(header) < sniffLen {
				take := sniffLen - len(header)
				if take > n {
					take = n
				}
				header = append(header, buf[:take]...)
			}
			if _, werr := tmp.Write(buf[:n]); werr != nil {
				return nil, apierr.Wrap(apierr.StoreError, "write upload to disk", werr)
			}
		}
		if readErr == io.EOF {
			break
		}
		if errors.Is(readErr, errUploadTooLarge) {
			return nil, apierr.New(apierr.FileTooLarge, "upload exceeds maximum file size")
		}
		if readErr != nil {
			return nil, apierr.Wrap(apierr.StoreError, "read upload body", readErr)
		}
	}
	if limited.n > s.maxFileSize {
		return nil, apierr.New(apierr.FileTooLarge, "upload exceeds maximum file size")
	}
	if limited.n == 0 {
		return nil, apierr.New(apierr.EmptyFile, "upload is empty")
	}

	sniffed := mimetype.Detect(header)
	normalized, ok := mimeNormalization[sniffed.String()]
	if !ok {
		return nil, apierr.New(apierr.InvalidFormat, fmt.Sprintf("unrecognized content type %q", sniffed.String()))
	}
	if normalizedToFormat[normalized] != extFormat {
		return nil, apierr.New(apierr.InvalidFormat, "file extension does not match detected content type")
	}

	contentHash := hex.EncodeToString(hasher.Sum(nil))

	if existing, derr := s.store.FindActiveDuplicate(ctx, contentHash, usageType); derr != nil {
		return nil, derr
	} else if existing != nil {
		return existing, nil
	}

	finalPath := contentAddressedPath(s.uploadDir, contentHash, ext)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
		return nil, apierr.Wrap(apierr.StoreError, "create content-addressed directory", err)
	}
	tmp.Close()
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return nil, apierr.Wrap(apierr.StoreError, "persist upload", err)
	}
	removeTemp = false

	probed, err := audioprobe.Probe(ctx, finalPath, normalized)
	if err != nil {
		os.Remove(finalPath)
		return nil, err
	}

	job := &models.Job{
		OriginalFilename: originalName,
		StoredFilename:   filepath.Base(finalPath),
		ByteSize:         limited.n,
		ContentHash:      contentHash,
		MimeType:         normalized,
		UsageType:        usageType,
	}
	audioMeta := &models.AudioMeta{
		Path:       finalPath,
		Duration:   probed.Duration,
		SampleRate: probed.SampleRate,
		Channels:   probed.Channels,
		Bitrate:    probed.Bitrate,
	}

	if err := s.store.CreateJob(ctx, job, audioMeta); err != nil {
		os.Remove(finalPath)
		return nil, err
	}
	job.AudioMeta = audioMeta
	return job, nil
}

// contentAddressedPath lays the file out as
// {uploadDir}/{sha256[:2]}/{sha256}.{ext} per spec §6.
func contentAddressedPath(uploadDir, hash, ext string) string {
	return filepath.Join(uploadDir, hash[:2], hash+ext)
}

// limitedCountingReader counts the bytes read from r so the caller can
// tell "exactly at the limit" apart from "over it" without trusting a
// declared Content-Length. A single Read is not capped, so the count can
// pass limit by up to one buffer; once it has, every further Read fails
// with errUploadTooLarge.
type limitedCountingReader struct {
	r     io.Reader
	limit int64
	n     int64
}

var errUploadTooLarge = errors.New("upload exceeds maximum file size")

func (l *limitedCountingReader) Read(p []byte) (int, error) {
	if l.n > l.limit {
		return 0, errUploadTooLarge
	}
	n, err := l.r.Read(p)
	l.n += int64(n)
	return n, err
}
