// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package attentionmaps exports switch diagnostics to files: false-colour images of attention maps,
// the input images they were computed for, and bar charts of how often each transform is selected.
//
// Tensors are read on the host, and can be of any float dtype (including Float16).
package attentionmaps

import (
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/switchedsr/pkg/support/xtensors"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette/moreland"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"
)

// Magnification is the factor by which attention maps are enlarged (nearest neighbour), so
// individual locations are visible.
var Magnification = 4

// SaveAttention writes one false-colour PNG per transform of attention, shaped
// `[batch, T, height, width]`, with the examples of the batch tiled horizontally. Weight 0 maps to
// blue and 1 to red.
//
// pattern is the file name, relative to dir, with a "%d" verb replaced by the transform index
// (e.g. "amap_200_a0_%d.png"). dir is created if it doesn't exist.
//
// It returns the paths of the files written.
func SaveAttention(dir string, attention *tensors.Tensor, pattern string) ([]string, error) {
	shape := attention.Shape()
	if shape.Rank() != 4 {
		return nil, errors.Errorf("attention must be shaped [batch, transforms, height, width], got %s", shape)
	}
	if !strings.Contains(pattern, "%d") {
		return nil, errors.Errorf("attention file pattern %q must contain a %%d verb for the transform index", pattern)
	}
	values, err := xtensors.ToFloat64s(attention)
	if err != nil {
		return nil, errors.WithMessagef(err, "reading attention")
	}
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating attention maps directory %q", dir)
	}
	colors := moreland.SmoothBlueRed()
	colors.SetMin(0)
	colors.SetMax(1)

	batchSize, numTransforms, height, width := shape.Dimensions[0], shape.Dimensions[1], shape.Dimensions[2], shape.Dimensions[3]
	paths := make([]string, 0, numTransforms)
	for transform := range numTransforms {
		img := image.NewNRGBA(image.Rect(0, 0, batchSize*width, height))
		for example := range batchSize {
			offset := (example*numTransforms + transform) * height * width
			for row := range height {
				for col := range width {
					v := min(max(values[offset+row*width+col], 0), 1)
					c, err := colors.At(v)
					if err != nil {
						return nil, errors.Wrapf(err, "mapping attention weight %g to a colour", v)
					}
					img.Set(example*width+col, row, c)
				}
			}
		}
		path := filepath.Join(dir, fmt.Sprintf(pattern, transform))
		if err = save(path, img); err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	klog.V(1).Infof("attentionmaps: saved %d attention maps to %q", len(paths), dir)
	return paths, nil
}

// SaveImage writes the batch of channels-first images, shaped `[batch, channels, height, width]` with
// values in [0, 1], as one PNG with the images tiled horizontally. Images with 1 channel are saved in
// gray scale, otherwise the first 3 channels are used as RGB.
//
// Images are enlarged by Magnification, like the attention maps, so both can be compared.
func SaveImage(path string, images *tensors.Tensor) error {
	shape := images.Shape()
	if shape.Rank() != 4 {
		return errors.Errorf("images must be shaped [batch, channels, height, width], got %s", shape)
	}
	values, err := xtensors.ToFloat64s(images)
	if err != nil {
		return errors.WithMessagef(err, "reading images")
	}
	batchSize, channels, height, width := shape.Dimensions[0], shape.Dimensions[1], shape.Dimensions[2], shape.Dimensions[3]
	toByte := func(v float64) uint8 {
		return uint8(min(max(v, 0), 1)*255 + 0.5)
	}
	img := image.NewNRGBA(image.Rect(0, 0, batchSize*width, height))
	for example := range batchSize {
		at := func(channel, row, col int) uint8 {
			return toByte(values[((example*channels+channel)*height+row)*width+col])
		}
		for row := range height {
			for col := range width {
				var c color.NRGBA
				if channels < 3 {
					gray := at(0, row, col)
					c = color.NRGBA{R: gray, G: gray, B: gray, A: 255}
				} else {
					c = color.NRGBA{R: at(0, row, col), G: at(1, row, col), B: at(2, row, col), A: 255}
				}
				img.SetNRGBA(example*width+col, row, c)
			}
		}
	}
	if err = os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "creating directory for %q", path)
	}
	return save(path, img)
}

// SaveHistogramPlot writes a bar chart of the selection counts of each transform (as returned by
// switched.AttentionSpecificity) to path. The format is given by the path extension.
func SaveHistogramPlot(path, title string, histogram *tensors.Tensor) error {
	counts, err := xtensors.ToFloat64s(histogram)
	if err != nil {
		return errors.WithMessagef(err, "reading histogram")
	}
	if len(counts) == 0 {
		return errors.Errorf("histogram for %q is empty", title)
	}
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "transform"
	p.Y.Label.Text = "locations selected"
	bars, err := plotter.NewBarChart(plotter.Values(counts), vg.Points(16))
	if err != nil {
		return errors.Wrapf(err, "creating bar chart for %q", title)
	}
	p.Add(bars)
	names := make([]string, len(counts))
	for ii := range names {
		names[ii] = fmt.Sprint(ii)
	}
	p.NominalX(names...)
	if err = os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "creating directory for %q", path)
	}
	if err = p.Save(6*vg.Inch, 4*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "saving histogram plot %q", path)
	}
	return nil
}

func save(path string, img image.Image) error {
	if Magnification > 1 {
		bounds := img.Bounds()
		img = imaging.Resize(img, bounds.Dx()*Magnification, bounds.Dy()*Magnification, imaging.NearestNeighbor)
	}
	if err := imaging.Save(img, path); err != nil {
		return errors.Wrapf(err, "saving image %q", path)
	}
	return nil
}
