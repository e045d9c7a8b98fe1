// Package magick is the ImageMagick-backed merge routine and renderer used
// by composite sessions.
package magick

import (
	"sync"

	"gopkg.in/gographics/imagick.v3/imagick"
)

var (
	envMu   sync.Mutex
	envRefs int
)

// Start initializes the MagickWand environment and returns the matching
// stop function. Calls nest; the environment is torn down by the last stop.
func Start() (stop func()) {
	envMu.Lock()
	if envRefs == 0 {
		imagick.Initialize()
	}
	envRefs++
	envMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			envMu.Lock()
			defer envMu.Unlock()
			envRefs--
			if envRefs == 0 {
				imagick.Terminate()
			}
		})
	}
}

func exportRGB(mw *imagick.MagickWand, w, h int) ([]byte, error) {
	return exportPixels(mw, w, h, "RGB")
}

func exportPixels(mw *imagick.MagickWand, w, h int, channels string) ([]byte, error) {
	pixels, err := mw.ExportImagePixels(0, 0, uint(w), uint(h), channels, imagick.PIXEL_CHAR)
	if err != nil {
		return nil, err
	}
	b, ok := pixels.([]byte)
	if !ok {
		return nil, errUnexpectedPixels
	}
	return b, nil
}

// Version reports the linked ImageMagick release.
func Version() string {
	v, _ := imagick.GetVersion()
	return v
}
