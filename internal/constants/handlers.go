package constants

// Handler pagination constants
const (
	// DefaultHandlerPageSize is the page size for paginated handler endpoints
	DefaultHandlerPageSize = 100

	// MaxHandlerPageSize bounds the page size a client may request
	MaxHandlerPageSize = 1000

	// MaxBatchIDs is the maximum number of IDs accepted by one mutation request
	MaxBatchIDs = 500
)

// Event channel constants
const (
	// EventChannelBuffer is the buffer size for event channels
	EventChannelBuffer = 100
)

// File upload constants
const (
	// MaxUploadSize is the maximum accepted size of an uploaded image (32 MB)
	MaxUploadSize = 32 << 20

	// MaxUploadFiles is the maximum number of images in one process request
	MaxUploadFiles = 200
)
