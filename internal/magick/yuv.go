package magick

import (
	"image/color"

	"deghost/internal/composite"
)

// NV21 is a full-resolution luma plane followed by one interleaved V/U pair
// per 2x2 block. Odd edges round up to a whole block, so a chroma row is
// composite.Size.ChromaStride bytes wide.

// NV21ToRGB expands an NV21 buffer into packed 8-bit RGB.
func NV21ToRGB(nv21 []byte, w, h int) []byte {
	rgb := make([]byte, w*h*3)
	ySize := w * h
	stride := composite.Size{W: w, H: h}.ChromaStride()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			luma := nv21[y*w+x]
			cr, cb := uint8(128), uint8(128)
			if i := ySize + (y/2)*stride + (x &^ 1); i+1 < len(nv21) {
				cr, cb = nv21[i], nv21[i+1]
			}
			r, g, b := color.YCbCrToRGB(luma, cb, cr)
			o := (y*w + x) * 3
			rgb[o], rgb[o+1], rgb[o+2] = r, g, b
		}
	}
	return rgb
}

// RGBToNV21 writes packed RGB into dst as NV21. Chroma is the mean of each
// 2x2 block.
func RGBToNV21(rgb []byte, w, h int, dst []byte) {
	ySize := w * h
	stride := composite.Size{W: w, H: h}.ChromaStride()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			o := (y*w + x) * 3
			luma, _, _ := color.RGBToYCbCr(rgb[o], rgb[o+1], rgb[o+2])
			dst[y*w+x] = luma
		}
	}
	for y := 0; y < h; y += 2 {
		for x := 0; x < w; x += 2 {
			var sumCb, sumCr, n int
			for dy := 0; dy < 2 && y+dy < h; dy++ {
				for dx := 0; dx < 2 && x+dx < w; dx++ {
					o := ((y+dy)*w + x + dx) * 3
					_, cb, cr := color.RGBToYCbCr(rgb[o], rgb[o+1], rgb[o+2])
					sumCb += int(cb)
					sumCr += int(cr)
					n++
				}
			}
			if i := ySize + (y/2)*stride + x; i+1 < len(dst) {
				dst[i] = uint8(sumCr / n)
				dst[i+1] = uint8(sumCb / n)
			}
		}
	}
}
