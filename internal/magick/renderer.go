package magick

import (
	"context"
	"fmt"

	"gopkg.in/gographics/imagick.v3/imagick"

	"deghost/internal/composite"
)

// Renderer produces previews and saved images from NV21 composites.
type Renderer struct{}

func NewRenderer() *Renderer { return &Renderer{} }

func constitute(nv21 []byte, size composite.Size) (*imagick.MagickWand, error) {
	if len(nv21) < size.NV21Len() {
		return nil, fmt.Errorf("composite is %d bytes, want %d", len(nv21), size.NV21Len())
	}
	rgb := NV21ToRGB(nv21, size.W, size.H)
	mw := imagick.NewMagickWand()
	if err := mw.ConstituteImage(uint(size.W), uint(size.H), "RGB", imagick.PIXEL_CHAR, rgb); err != nil {
		mw.Destroy()
		return nil, fmt.Errorf("constitute image: %w", err)
	}
	return mw, nil
}

func cropTo(mw *imagick.MagickWand, r composite.Rect, full composite.Size) error {
	if r.X == 0 && r.Y == 0 && r.W == full.W && r.H == full.H {
		return nil
	}
	if err := mw.CropImage(uint(r.W), uint(r.H), r.X, r.Y); err != nil {
		return fmt.Errorf("crop: %w", err)
	}
	return mw.SetImagePage(uint(r.W), uint(r.H), 0, 0)
}

// Preview converts, crops, scales and rotates the composite into RGBA.
func (r *Renderer) Preview(ctx context.Context, req composite.PreviewRequest) (composite.PreviewArtifact, error) {
	mw, err := constitute(req.NV21, req.Input)
	if err != nil {
		return composite.PreviewArtifact{}, err
	}
	defer mw.Destroy()

	if err := cropTo(mw, req.Region, req.Input); err != nil {
		return composite.PreviewArtifact{}, err
	}
	if err := mw.ScaleImage(uint(req.Preview.W), uint(req.Preview.H)); err != nil {
		return composite.PreviewArtifact{}, fmt.Errorf("scale: %w", err)
	}
	if req.Angle != 0 {
		bg := imagick.NewPixelWand()
		defer bg.Destroy()
		bg.SetColor("black")
		if err := mw.RotateImage(bg, float64(req.Angle)); err != nil {
			return composite.PreviewArtifact{}, fmt.Errorf("rotate: %w", err)
		}
	}

	out := composite.RotatedSize(req.Preview, req.Angle)
	pix, err := exportPixels(mw, out.W, out.H, "RGBA")
	if err != nil {
		return composite.PreviewArtifact{}, fmt.Errorf("export preview: %w", err)
	}
	return composite.PreviewArtifact{Width: out.W, Height: out.H, Pix: pix}, nil
}

// Encode crops the composite and writes it as JPEG.
func (r *Renderer) Encode(ctx context.Context, req composite.EncodeRequest) ([]byte, error) {
	mw, err := constitute(req.NV21, req.Input)
	if err != nil {
		return nil, err
	}
	defer mw.Destroy()

	if err := cropTo(mw, req.Crop, req.Input); err != nil {
		return nil, err
	}
	if err := mw.SetImageFormat("JPEG"); err != nil {
		return nil, fmt.Errorf("set format: %w", err)
	}
	if err := mw.SetImageCompressionQuality(uint(req.Quality)); err != nil {
		return nil, fmt.Errorf("set quality: %w", err)
	}
	return mw.GetImageBlob()
}

// EncodePNG writes a preview bitmap as PNG for transport.
func (r *Renderer) EncodePNG(art composite.PreviewArtifact) ([]byte, error) {
	if art.Empty() {
		return nil, nil
	}
	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ConstituteImage(uint(art.Width), uint(art.Height), "RGBA", imagick.PIXEL_CHAR, art.Pix); err != nil {
		return nil, fmt.Errorf("constitute preview: %w", err)
	}
	if err := mw.SetImageFormat("PNG"); err != nil {
		return nil, fmt.Errorf("set format: %w", err)
	}
	return mw.GetImageBlob()
}
