// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// ssg_attention runs the structured switched generator on synthetic images for a number of steps,
// following the temperature annealing schedule, and exports the attention maps of its switches
// every attention_export_period steps.
//
// The generator is not trained: this is meant to inspect the routing of freshly initialized
// switches, and how it sharpens as the temperature is annealed.
//
// Usage:
//
//	go run ./cmd/ssg_attention --steps=1000 --set="filters=64;transforms=4;attention_export_period=250"
package main

import (
	"flag"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/switchedsr/models/ssg"
	"github.com/google/uuid"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagOutput    = flag.String("output", "", "Directory where attention maps are written. Defaults to a new directory under the system temporary directory.")
	flagSteps     = flag.Int("steps", 1000, "Number of steps to run: the temperature schedule is applied at each step.")
	flagBatchSize = flag.Int("batch", 2, "Number of images per step.")
	flagSize      = flag.Int("size", 32, "Height and width of the low resolution images, a multiple of 8.")
	flagRefScale  = flag.Int("ref_scale", 2, "Size of the reference images relative to the low resolution images.")
	flagSeed      = flag.Uint64("seed", 42, "Seed of the synthetic images.")
)

var tableStyle = lipgloss.NewStyle().
	Border(lipgloss.NormalBorder()).
	Padding(0, 2)

func main() {
	ctx := ssg.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))
	klog.V(1).Infof("Hyperparameters set: %v", paramsSet)

	outputDir := *flagOutput
	if outputDir == "" {
		outputDir = filepath.Join(os.TempDir(), "ssg_attention_"+uuid.NewString())
	}
	must.M(os.MkdirAll(outputDir, 0o755))

	backend := backends.MustNew()
	model, err := ssg.NewModel(backend, ctx)
	if err != nil {
		klog.Exitf("Failed to create model: %+v", err)
	}
	if err = run(model, outputDir); err != nil {
		klog.Exitf("Failed: %+v", err)
	}
}

func run(model *ssg.Model, outputDir string) error {
	cfg := model.Config()
	rng := rand.New(rand.NewPCG(*flagSeed, *flagSeed+1))
	lr, ref, centers, err := syntheticBatch(rng, cfg.InChannels, *flagBatchSize, *flagSize, *flagRefScale)
	if err != nil {
		return err
	}
	fmt.Printf("Inputs: lr %s (%s), reference %s (%s)\n",
		lr.Shape(), humanize.Bytes(uint64(lr.Shape().Memory())),
		ref.Shape(), humanize.Bytes(uint64(ref.Shape().Memory())))

	pBar := progressbar.NewOptions(*flagSteps,
		progressbar.OptionSetDescription("Steps"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
	)
	var result *ssg.Result
	for step := range *flagSteps {
		exporting := step%cfg.AttentionExportPeriod == 0 || step == *flagSteps-1
		if exporting {
			// The temperature of the step must be set before running it.
			if err = model.SetTemperature(cfg.AnnealedTemperature(step)); err != nil {
				return err
			}
			if result, err = model.Forward(lr, ref, centers); err != nil {
				return err
			}
		}
		if err = model.UpdateForStep(step, outputDir, result); err != nil {
			return err
		}
		_ = pBar.Add(1)
	}
	_ = pBar.Finish()
	fmt.Println()

	ctx := model.Context()
	fmt.Printf("Generator: %s parameters, %s\n",
		humanize.Comma(int64(ctx.NumParameters())), humanize.Bytes(uint64(ctx.Memory())))
	values, err := model.DebugValues(result)
	if err != nil {
		return err
	}
	fmt.Println(tableStyle.Render(formatDebugValues(values)))
	fmt.Printf("Attention maps written to %q\n", outputDir)
	return nil
}

// formatDebugValues returns one "name: value" line per debug value, sorted by name.
func formatDebugValues(values map[string]any) string {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	slices.Sort(names)
	lines := make([]string, len(names))
	for ii, name := range names {
		switch v := values[name].(type) {
		case float64:
			lines[ii] = fmt.Sprintf("%-36s %.4f", name, v)
		default:
			lines[ii] = fmt.Sprintf("%-36s %v", name, v)
		}
	}
	return strings.Join(lines, "\n")
}

// syntheticBatch returns low resolution images with random frequency sine patterns, reference images
// containing them at a random location (marked in the 4th channel), and their centers.
func syntheticBatch(rng *rand.Rand, channels, batchSize, size, refScale int) (lr, ref, centers *tensors.Tensor, err error) {
	if size%8 != 0 || refScale < 1 {
		return nil, nil, nil, errors.Errorf("size must be a multiple of 8 and ref_scale >= 1, got %d and %d", size, refScale)
	}
	refSize := size * refScale
	lr = tensors.FromShape(shapes.Make(dtypes.Float32, batchSize, channels, size, size))
	ref = tensors.FromShape(shapes.Make(dtypes.Float32, batchSize, ssg.ReferenceChannels, refSize, refSize))
	centerValues := make([][]int32, batchSize)
	tensors.MustMutableFlatData(lr, func(lrFlat []float32) {
		tensors.MustMutableFlatData(ref, func(refFlat []float32) {
			for example := range batchSize {
				top, left := rng.IntN(refSize-size+1), rng.IntN(refSize-size+1)
				centerValues[example] = []int32{int32(top + size/2), int32(left + size/2)}
				for channel := range channels {
					freqRow, freqCol := 0.1+rng.Float64(), 0.1+rng.Float64()
					for row := range size {
						for col := range size {
							v := float32(0.5 + 0.5*math.Sin(freqRow*float64(row)+freqCol*float64(col)))
							lrFlat[((example*channels+channel)*size+row)*size+col] = v
							if channel < 3 {
								refIdx := ((example*ssg.ReferenceChannels+channel)*refSize+top+row)*refSize + left + col
								refFlat[refIdx] = v
							}
						}
					}
				}
				for row := range size {
					for col := range size {
						maskIdx := ((example*ssg.ReferenceChannels+3)*refSize+top+row)*refSize + left + col
						refFlat[maskIdx] = 1
					}
				}
			}
		})
	})
	centers = tensors.FromValue(centerValues)
	return
}
