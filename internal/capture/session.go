package capture

import (
	"context"
	"errors"
	"mime"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/example/face-restore/internal/apiclient"
)

// Session lifecycle errors surfaced to the caller.
var (
	ErrNotStreaming = errors.New("camera stream is not active")
	ErrBusy         = errors.New("an analysis is already in progress")
)

// State describes what a session is doing right now. It is derived from the
// session's fields rather than stored, so it can never drift from them.
type State string

const (
	StateIdle      State = "idle"
	StateStreaming State = "streaming"
	StateAnalyzing State = "analyzing"
	StateResult    State = "result"
	StateError     State = "error"
)

// Camera is one open video source delivering encoded JPEG frames.
type Camera interface {
	ReadJPEG() ([]byte, error)
	Close() error
}

// CameraOpener acquires a camera device.
type CameraOpener func(device int) (Camera, error)

// Uploader submits a captured frame for analysis.
type Uploader interface {
	Reconstruct(ctx context.Context, upload apiclient.UploadRequest) (*apiclient.ReconstructResponse, error)
}

// Session owns a capture source and drives the capture-upload-result loop.
// One analysis runs at a time; a capture attempted while busy is rejected,
// never queued.
type Session struct {
	mu     sync.Mutex
	open   CameraOpener
	upload Uploader
	logger *zap.Logger

	camera  Camera
	busy    bool
	lastErr error
	result  *apiclient.ReconstructResponse
}

// NewSession constructs a session. The opener is only invoked by StartStream.
func NewSession(open CameraOpener, uploader Uploader, logger *zap.Logger) *Session {
	return &Session{
		open:   open,
		upload: uploader,
		logger: logger.Named("capture_session"),
	}
}

// State reports the session's current phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Session) stateLocked() State {
	switch {
	case s.busy:
		return StateAnalyzing
	case s.lastErr != nil:
		return StateError
	case s.result != nil:
		return StateResult
	case s.camera != nil:
		return StateStreaming
	default:
		return StateIdle
	}
}

// Result returns the most recent successful analysis, if any.
func (s *Session) Result() *apiclient.ReconstructResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// Err returns the most recent failure, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// StartStream acquires the camera. An already-open stream is stopped first;
// the device is never shared between two acquisitions.
func (s *Session) StartStream(device int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.camera != nil {
		if err := s.camera.Close(); err != nil {
			s.logger.Warn("failed to stop previous stream", zap.Error(err))
		}
		s.camera = nil
	}

	camera, err := s.open(device)
	if err != nil {
		s.lastErr = err
		s.logger.Error("camera acquisition failed", zap.Int("device", device), zap.Error(err))
		return err
	}

	s.camera = camera
	s.lastErr = nil
	s.logger.Info("camera stream started", zap.Int("device", device))
	return nil
}

// StopStream releases the camera if one is open.
func (s *Session) StopStream() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopStreamLocked()
}

func (s *Session) stopStreamLocked() error {
	if s.camera == nil {
		return nil
	}
	err := s.camera.Close()
	s.camera = nil
	if err != nil {
		s.logger.Warn("failed to stop camera stream", zap.Error(err))
		return err
	}
	s.logger.Info("camera stream stopped")
	return nil
}

// CaptureAndAnalyze grabs one frame from the live stream and submits it. It
// refuses to run without a stream or while a prior analysis is in flight.
func (s *Session) CaptureAndAnalyze(ctx context.Context) (*apiclient.ReconstructResponse, error) {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	if s.camera == nil {
		s.mu.Unlock()
		return nil, ErrNotStreaming
	}

	// Entering the analyzing phase invalidates whatever the previous attempt
	// left behind.
	s.busy = true
	s.lastErr = nil
	s.result = nil

	frame, err := s.camera.ReadJPEG()
	if err != nil {
		s.busy = false
		s.lastErr = err
		s.mu.Unlock()
		s.logger.Error("frame capture failed", zap.Error(err))
		return nil, err
	}
	s.mu.Unlock()

	s.logger.Info("frame captured", zap.Int("bytes", len(frame)))
	return s.submit(ctx, apiclient.UploadRequest{
		Data:     frame,
		Filename: "capture.jpg",
		MIME:     "image/jpeg",
	})
}

// AnalyzeFile submits an image from disk instead of the live stream. The
// busy gate still applies; the camera does not.
func (s *Session) AnalyzeFile(ctx context.Context, path string) (*apiclient.ReconstructResponse, error) {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	s.busy = true
	s.lastErr = nil
	s.result = nil
	s.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		s.mu.Lock()
		s.busy = false
		s.lastErr = err
		s.mu.Unlock()
		s.logger.Error("failed to read image file", zap.String("path", path), zap.Error(err))
		return nil, err
	}

	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return s.submit(ctx, apiclient.UploadRequest{
		Data:     data,
		Filename: filepath.Base(path),
		MIME:     mimeType,
	})
}

func (s *Session) submit(ctx context.Context, upload apiclient.UploadRequest) (*apiclient.ReconstructResponse, error) {
	response, err := s.upload.Reconstruct(ctx, upload)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = false
	if err != nil {
		s.lastErr = err
		s.logger.Warn("analysis failed", zap.Error(err))
		return nil, err
	}
	s.result = response
	s.logger.Info("analysis completed", zap.Bool("reconstructed", response.HasReconstruction()))
	return response, nil
}

// Close releases the camera unconditionally, whatever phase the session is
// in. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopStreamLocked()
}
