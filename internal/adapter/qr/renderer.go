// Package qr renders activation payloads as QR code PNGs.
package qr

import (
	"fmt"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/neomorfeo/esimflow/internal/domain"
)

// DefaultSize is the PNG edge length in pixels.
const DefaultSize = 256

// Compile-time check: Renderer implements domain.ArtifactRenderer.
var _ domain.ArtifactRenderer = Renderer{}

// Renderer encodes payloads at medium error correction, which survives a
// phone camera pointed at a screen.
type Renderer struct {
	Size int
}

// Render returns the payload as a PNG image.
func (r Renderer) Render(payload string) ([]byte, error) {
	size := r.Size
	if size <= 0 {
		size = DefaultSize
	}
	png, err := qrcode.Encode(payload, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("encoding qr code: %w", err)
	}
	return png, nil
}
