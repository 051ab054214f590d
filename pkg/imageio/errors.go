package imageio

import "errors"

// Fatal failure kinds shared by the renderer and the compressor. Callers match them
// with errors.Is and fall back to showing the unmodified source image.
var (
	ErrImageLoad     = errors.New("image load failed")
	ErrImageNotReady = errors.New("image dimensions not available")
	ErrRenderContext = errors.New("drawing context unavailable")
	ErrEncoding      = errors.New("image encoding failed")
)
