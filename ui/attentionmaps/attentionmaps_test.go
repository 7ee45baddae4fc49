// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package attentionmaps

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/compute/dtypes/float16"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/require"
)

func TestSaveAttention(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "attention_maps")
	// batch=2, T=3, 2x2: transform 1 takes all the attention.
	flat := make([]float32, 2*3*2*2)
	for example := range 2 {
		for loc := range 4 {
			flat[(example*3+1)*4+loc] = 1
		}
	}
	attention := tensors.FromFlatDataAndDimensions(flat, 2, 3, 2, 2)
	paths, err := SaveAttention(dir, attention, "amap_200_a0_%d.png")
	require.NoError(t, err)
	require.Len(t, paths, 3)
	for ii, path := range paths {
		require.Equal(t, filepath.Join(dir, []string{"amap_200_a0_0.png", "amap_200_a0_1.png", "amap_200_a0_2.png"}[ii]), path)
		img, err := imaging.Open(path)
		require.NoError(t, err)
		require.Equal(t, 2*2*Magnification, img.Bounds().Dx())
		require.Equal(t, 2*Magnification, img.Bounds().Dy())
	}

	// Transform 1 is red, transform 0 is blue.
	hot, err := imaging.Open(paths[1])
	require.NoError(t, err)
	r, _, b, _ := hot.At(0, 0).RGBA()
	require.Greater(t, r, b)
	cold, err := imaging.Open(paths[0])
	require.NoError(t, err)
	r, _, b, _ = cold.At(0, 0).RGBA()
	require.Less(t, r, b)

	_, err = SaveAttention(dir, attention, "amap.png")
	require.Error(t, err)
	_, err = SaveAttention(dir, tensors.FromFlatDataAndDimensions(flat, 6, 2, 2), "amap_%d.png")
	require.Error(t, err)
}

func TestSaveImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "base", "amap_200_base_image.png")
	values := make([]float16.Float16, 1*3*2*3)
	for ii := range values {
		values[ii] = float16.FromFloat32(float32(ii%4) / 3)
	}
	require.NoError(t, SaveImage(path, tensors.FromFlatDataAndDimensions(values, 1, 3, 2, 3)))
	img, err := imaging.Open(path)
	require.NoError(t, err)
	require.Equal(t, 3*Magnification, img.Bounds().Dx())
	require.Equal(t, 2*Magnification, img.Bounds().Dy())

	gray := filepath.Join(t.TempDir(), "gray.png")
	require.NoError(t, SaveImage(gray, tensors.FromFlatDataAndDimensions([]float32{0, 0.5, 1, 2}, 2, 1, 1, 2)))
	_, err = os.Stat(gray)
	require.NoError(t, err)
}

func TestSaveHistogramPlot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "histogram.png")
	require.NoError(t, SaveHistogramPlot(path, "switch_0", tensors.FromFlatDataAndDimensions([]float32{3, 0, 12, 1}, 4)))
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Positive(t, info.Size())

	require.Error(t, SaveHistogramPlot(path, "ints", tensors.FromFlatDataAndDimensions([]int32{1, 2}, 2)))
}
