package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/gptoss/internal/gguf"
	"github.com/samcharles93/gptoss/internal/model"
)

func inspectCmd() *cli.Command {
	var (
		path         string
		showMetadata bool
		showTensors  bool
		showAll      bool
		tensorLimit  int64
		tensorFilter string
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Inspect the contents of a .gguf model file",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "path to .gguf file",
				Destination: &path,
				Required:    true,
			},
			&cli.BoolFlag{Name: "all", Usage: "show metadata and full tensor listing", Destination: &showAll},
			&cli.BoolFlag{Name: "metadata", Usage: "dump metadata key/values", Destination: &showMetadata},
			&cli.BoolFlag{Name: "tensors", Usage: "list tensor index", Destination: &showTensors},
			&cli.Int64Flag{Name: "tensors-limit", Usage: "limit tensor listing (0 = no limit)", Value: 50, Destination: &tensorLimit},
			&cli.StringFlag{Name: "tensor-filter", Usage: "substring filter for tensor listing", Destination: &tensorFilter},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			_ = ctx

			if showAll {
				showMetadata = true
				showTensors = true
				if tensorLimit == 50 {
					tensorLimit = 0
				}
			}

			stat, err := os.Stat(path)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: stat model path %q: %v", path, err), 1)
			}

			f, err := gguf.Open(path)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open gguf: %v", err), 1)
			}
			defer func() { _ = f.Close() }()

			fmt.Printf("GGUF Inspect: %s\n", path)
			fmt.Printf("File: %s (%s)\n", filepath.Base(path), humanize.IBytes(uint64(stat.Size())))
			fmt.Printf("GGUF Header: v%d tensors=%d kv=%d alignment=%d data_offset=%d\n",
				f.Header.Version, f.Header.TensorCount, f.Header.KVCount, f.Alignment, f.DataOffset)

			printModelSummary(f)
			printTensorSummary(f)

			if showMetadata {
				printMetadata(f.KV)
			}
			if showTensors {
				printTensorIndex(f, tensorFilter, int(tensorLimit))
			}

			return nil
		},
	}
}

func printModelSummary(f *gguf.File) {
	section("Parameters")
	if arch, ok := gguf.GetString(f.KV, "general.architecture"); ok {
		row("architecture", arch)
	}
	if name, ok := gguf.GetString(f.KV, "general.name"); ok {
		row("name", name)
	}

	cfg, err := model.DeriveConfig(f.KV)
	if err != nil {
		fmt.Printf("(config: %v)\n", err)
		return
	}
	rowInt("layers", cfg.BlockCount)
	rowInt("embedding_length", cfg.EmbeddingLength)
	rowInt("feed_forward_length", cfg.FeedForwardLength)
	rowInt("heads", cfg.HeadCount)
	rowInt("kv_heads", cfg.HeadCountKV)
	rowInt("context_length", cfg.ContextLength)
	rowInt("sliding_window", cfg.SlidingWindow)
	rowInt("experts", cfg.ExpertCount)
	rowInt("experts_per_token", cfg.ExpertsPerToken)
	rowInt("rope_dims", cfg.RopeDimensionCount)
	rowFloat("rope_theta", cfg.RopeTheta)
	if cfg.RopeScalingFactor != 1 {
		row("rope_scaling", fmt.Sprintf("factor=%g orig_ctx=%d", cfg.RopeScalingFactor, cfg.RopeScalingOrigCtx))
	}
	rowFloat("rms_eps", float64(cfg.RMSEpsilon))
}

func printTensorSummary(f *gguf.File) {
	section("Tensor Summary")
	rowInt("tensors", len(f.Tensors))

	typeCounts := map[gguf.TensorType]int{}
	typeBytes := map[gguf.TensorType]uint64{}
	var total uint64
	for _, t := range f.Tensors {
		size, err := t.ByteSize()
		if err != nil {
			continue
		}
		typeCounts[t.Type]++
		typeBytes[t.Type] += uint64(size)
		total += uint64(size)
	}
	row("data_size", humanize.IBytes(total))

	keys := make([]gguf.TensorType, 0, len(typeCounts))
	for k := range typeCounts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		row("type_"+k.String(), fmt.Sprintf("%d (%s)", typeCounts[k], humanize.IBytes(typeBytes[k])))
	}
}

func printMetadata(kv map[string]gguf.Value) {
	section("Metadata")
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := kv[k]
		if arr, ok := v.Value.(gguf.ArrayValue); ok {
			fmt.Printf("%-48s [%s x %s]\n", k, arr.ElemType, humanize.Comma(int64(len(arr.Values))))
			continue
		}
		fmt.Printf("%-48s %v\n", k, v.Value)
	}
}

func printTensorIndex(f *gguf.File, filter string, limit int) {
	section("Tensor Index")
	printed := 0
	for _, t := range f.Tensors {
		if filter != "" && !strings.Contains(t.Name, filter) {
			continue
		}
		size, _ := t.ByteSize()
		fmt.Printf("%s  type=%s dims=%v size=%s\n", t.Name, t.Type, t.Dims, humanize.IBytes(uint64(size)))
		printed++
		if limit > 0 && printed >= limit {
			break
		}
	}
	if limit > 0 && printed < len(f.Tensors) {
		fmt.Printf("... (%d shown of %d)\n", printed, len(f.Tensors))
	}
}

func section(title string) {
	line := strings.Repeat("-", len(title)+8)
	fmt.Printf("\n%s\n--- %s ---\n%s\n", line, title, line)
}

func row(label, value string) {
	if value == "" {
		return
	}
	fmt.Printf("%-24s %s\n", label+":", value)
}

func rowInt(label string, v int) {
	if v == 0 {
		return
	}
	row(label, fmt.Sprintf("%d", v))
}

func rowFloat(label string, v float64) {
	if v == 0 {
		return
	}
	row(label, fmt.Sprintf("%g", v))
}
