package dataset

import (
	"bytes"
	"errors"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
)

const featureGrid = 16

// ImageFeatureSize is the length of the vector extracted from an image.
const ImageFeatureSize = featureGrid * featureGrid

// extractFeatures samples a featureGrid x featureGrid intensity grid.
func extractFeatures(raw []byte) ([]float64, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	if width == 0 || height == 0 {
		return nil, errors.New("empty image")
	}
	features := make([]float64, ImageFeatureSize)
	stepX := float64(width) / float64(featureGrid)
	stepY := float64(height) / float64(featureGrid)
	for gy := 0; gy < featureGrid; gy++ {
		for gx := 0; gx < featureGrid; gx++ {
			px := bounds.Min.X + int(math.Min(float64(width-1), float64(gx)*stepX))
			py := bounds.Min.Y + int(math.Min(float64(height-1), float64(gy)*stepY))
			r, g, b, _ := img.At(px, py).RGBA()
			features[gy*featureGrid+gx] = (float64(r) + float64(g) + float64(b)) / (3 * 65535.0)
		}
	}
	return features, nil
}
