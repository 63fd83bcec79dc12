// Package constants provides shared constants used across the codebase.
// Centralizing these values ensures consistency and makes them easier to modify.
package constants

// Extraction constants
const (
	// MaxImageSize is the maximum dimension (width or height) of an image sent
	// to the segmentation service
	MaxImageSize = 1920

	// MaxSubjectsPerImage caps how many detections of one image are kept
	MaxSubjectsPerImage = 20

	// SupportedImageExtensions lists the file extensions picked up by directory extraction
	SupportedImageExtensions = ".jpg,.jpeg,.png,.webp"

	// NearDuplicateDistance is the largest perceptual hash distance at which
	// two assets of a run are reported as the same picture
	NearDuplicateDistance = 10
)

// Suggestion constants
const (
	// DefaultSuggestionLimit is the default number of entity suggestions to return
	DefaultSuggestionLimit = 5
)

// Illustration constants
const (
	// MaxReferenceImages is the maximum number of sticker images sent along with
	// an illustration prompt
	MaxReferenceImages = 3

	// ReferenceImageSize is the maximum dimension of a reference sticker
	ReferenceImageSize = 1024

	// MaxStoryPages caps the number of illustrated pages of one story
	MaxStoryPages = 12
)
