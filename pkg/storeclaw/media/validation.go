package media

import (
	"fmt"
	"slices"

	"github.com/jholhewres/storeclaw/pkg/storeclaw/channels"
)

// AllowedMimeTypes defines permitted MIME types for each media category.
// Types absent from the map accept any MIME type.
var AllowedMimeTypes = map[channels.MessageType][]string{
	channels.MessageImage: {
		"image/jpeg",
		"image/png",
		"image/gif",
		"image/webp",
	},
	channels.MessageAudio: {
		"audio/mpeg",
		"audio/ogg",
		"audio/mp4",
		"video/ogg",
	},
	channels.MessageVideo: {
		"video/mp4",
		"video/3gpp",
	},
}

// ValidateMimeType reports whether mimeType may be sent as t.
func ValidateMimeType(t channels.MessageType, mimeType string) error {
	allowed, ok := AllowedMimeTypes[t]
	if !ok {
		return nil
	}
	if slices.Contains(allowed, mimeType) {
		return nil
	}
	return fmt.Errorf("%w: %s for %s", ErrMimeNotAllowed, mimeType, t)
}
