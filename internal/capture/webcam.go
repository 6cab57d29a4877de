package capture

import (
	"errors"
	"fmt"

	"gocv.io/x/gocv"
)

const (
	frameWidth  = 640
	frameHeight = 480
	jpegQuality = 90
)

// Webcam is a gocv-backed camera. Frames are requested at 640x480 and
// encoded as JPEG; the device may deliver a different geometry, which is
// passed through untouched.
type Webcam struct {
	capture *gocv.VideoCapture
	mat     gocv.Mat
}

// OpenWebcam acquires the video device with the given index.
func OpenWebcam(device int) (Camera, error) {
	capture, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, fmt.Errorf("open camera %d: %w", device, err)
	}

	capture.Set(gocv.VideoCaptureFrameWidth, frameWidth)
	capture.Set(gocv.VideoCaptureFrameHeight, frameHeight)

	return &Webcam{capture: capture, mat: gocv.NewMat()}, nil
}

// ReadJPEG grabs the next frame and returns it JPEG-encoded.
func (w *Webcam) ReadJPEG() ([]byte, error) {
	if ok := w.capture.Read(&w.mat); !ok || w.mat.Empty() {
		return nil, errors.New("no frame available from camera")
	}

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, w.mat, []int{gocv.IMWriteJpegQuality, jpegQuality})
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	defer buf.Close()

	// The buffer's backing memory is released on Close.
	data := make([]byte, buf.Len())
	copy(data, buf.GetBytes())
	return data, nil
}

// Close releases the device and the frame buffer.
func (w *Webcam) Close() error {
	if err := w.mat.Close(); err != nil {
		return err
	}
	return w.capture.Close()
}
