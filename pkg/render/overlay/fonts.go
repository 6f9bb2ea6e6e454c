package overlay

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/flopp/go-findfont"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/goregular"
)

// fontCache resolves template font families to parsed faces. System fonts
// are located through the platform font directories; a family that cannot
// be found falls back to the embedded Go fonts so rendering never fails on
// a missing font, it just degrades.
type fontCache struct {
	mu    sync.Mutex
	fonts map[string]*truetype.Font // family|weight → parsed font
	faces map[string]font.Face      // family|weight|size → sized face
}

func newFontCache() *fontCache {
	return &fontCache{
		fonts: make(map[string]*truetype.Font),
		faces: make(map[string]font.Face),
	}
}

func bold(weight string) bool {
	w := strings.ToLower(strings.TrimSpace(weight))
	return w == "bold" || w == "700" || w == "800" || w == "900"
}

// face returns a font face for the family and weight at the given pixel
// size. Faces are cached; truetype face construction is not cheap.
func (fc *fontCache) face(family, weight string, sizePx float64) (font.Face, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	faceKey := fmt.Sprintf("%s|%s|%.2f", family, weight, sizePx)
	if f, ok := fc.faces[faceKey]; ok {
		return f, nil
	}

	fnt, err := fc.fontLocked(family, weight)
	if err != nil {
		return nil, err
	}
	f := truetype.NewFace(fnt, &truetype.Options{Size: sizePx, DPI: 72})
	fc.faces[faceKey] = f
	return f, nil
}

func (fc *fontCache) fontLocked(family, weight string) (*truetype.Font, error) {
	fontKey := family + "|" + weight
	if f, ok := fc.fonts[fontKey]; ok {
		return f, nil
	}

	data := fc.locate(family, weight)
	if data == nil {
		if bold(weight) {
			data = gobold.TTF
		} else {
			data = goregular.TTF
		}
	}
	fnt, err := truetype.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse font %q: %w", family, err)
	}
	fc.fonts[fontKey] = fnt
	return fnt, nil
}

// locate searches the system font directories for the family, trying the
// weighted variant first. Returns nil when nothing matches.
func (fc *fontCache) locate(family, weight string) []byte {
	if family == "" {
		return nil
	}
	candidates := []string{family}
	if bold(weight) {
		candidates = []string{family + " Bold", family + "-Bold", family}
	}
	for _, name := range candidates {
		path, err := findfont.Find(name + ".ttf")
		if err != nil {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		return data
	}
	return nil
}
