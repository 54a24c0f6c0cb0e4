package capability

import "context"

const (
	MaxImageSizeBytes     = 20 * 1024 * 1024
	DefaultJPEGQuality     = 85
	DefaultMaxDimension    = 2048
)

// CameraFacing selects which device camera to use.
type CameraFacing int

const (
	FacingBack CameraFacing = iota
	FacingFront
)

// CaptureConfig bounds a photo-capture request the same way the mobile
// client's CaptureConfig::validated clamps quality and dimension.
type CaptureConfig struct {
	Facing       CameraFacing
	JPEGQuality  uint8
	MaxDimension uint32
}

// DefaultCaptureConfig returns the client's default capture settings.
func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{Facing: FacingBack, JPEGQuality: DefaultJPEGQuality, MaxDimension: DefaultMaxDimension}
}

// Validated clamps quality to [1,100] and dimension to a sane floor.
func (c CaptureConfig) Validated() CaptureConfig {
	if c.JPEGQuality == 0 {
		c.JPEGQuality = DefaultJPEGQuality
	}
	if c.JPEGQuality > 100 {
		c.JPEGQuality = 100
	}
	if c.MaxDimension == 0 {
		c.MaxDimension = DefaultMaxDimension
	}
	return c
}

// CapturedPhoto is the result of a successful capture or gallery pick.
type CapturedPhoto struct {
	Data   []byte
	Width  uint32
	Height uint32
}

// CameraErrorCode enumerates the CameraError taxon.
type CameraErrorCode int

const (
	ErrCameraNotAvailable CameraErrorCode = iota
	ErrCameraPermissionDenied
	ErrCameraCancelled
	ErrCameraCaptureFailed
	ErrCameraImageTooLarge
)

// CameraError is the single error type CameraPort operations return.
type CameraError struct {
	Code    CameraErrorCode
	Message string
}

func (e *CameraError) Error() string { return e.Message }

// CameraPort is the capability the reducer calls through to request a
// photo for a CreateCase intent with has_photo set.
type CameraPort interface {
	CheckPermission(ctx context.Context) (PermissionState, error)
	RequestPermission(ctx context.Context) (PermissionState, error)
	CapturePhoto(ctx context.Context, cfg CaptureConfig) (*CapturedPhoto, error)
}
