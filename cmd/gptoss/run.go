package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/gptoss/internal/inference"
	"github.com/samcharles93/gptoss/internal/logits"
)

func runCmd() *cli.Command {
	var (
		prompt        string
		steps         int64
		temp          float64
		topK          int64
		topP          float64
		minP          float64
		repeatPenalty float64
		repeatLastN   int64
		seed          int64
		layerLimit    int64
		telemetryTopK int64
		moeFallback   bool
		noHarmony     bool
		showStats     bool
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Generate text from a prompt",
		Flags: append(append(commonModelFlags(), loggingFlags()...),
			&cli.StringFlag{
				Name:        "prompt",
				Aliases:     []string{"p"},
				Usage:       "prompt text",
				Destination: &prompt,
			},
			&cli.Int64Flag{
				Name:        "steps",
				Aliases:     []string{"n", "num-tokens"},
				Usage:       "number of tokens to generate",
				Value:       256,
				Destination: &steps,
			},
			&cli.Float64Flag{
				Name:        "temp",
				Aliases:     []string{"temperature", "t"},
				Usage:       "sampling temperature (0 = greedy)",
				Value:       0.8,
				Destination: &temp,
			},
			&cli.Int64Flag{
				Name:        "top-k",
				Aliases:     []string{"top_k", "topk"},
				Usage:       "top-k sampling parameter",
				Value:       40,
				Destination: &topK,
			},
			&cli.Float64Flag{
				Name:        "top-p",
				Aliases:     []string{"top_p", "topp"},
				Usage:       "top-p sampling parameter",
				Value:       0.95,
				Destination: &topP,
			},
			&cli.Float64Flag{
				Name:        "min-p",
				Aliases:     []string{"min_p", "minp"},
				Usage:       "min-p sampling parameter (0.0 = disabled)",
				Value:       0.0,
				Destination: &minP,
			},
			&cli.Float64Flag{
				Name:        "repeat-penalty",
				Aliases:     []string{"repeat_penalty"},
				Usage:       "repetition penalty (1.0 = disabled)",
				Value:       1.1,
				Destination: &repeatPenalty,
			},
			&cli.Int64Flag{
				Name:        "repeat-last-n",
				Aliases:     []string{"repeat_last_n"},
				Usage:       "last n tokens to penalize",
				Value:       64,
				Destination: &repeatLastN,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "sampling RNG seed (0 = random)",
				Destination: &seed,
			},
			&cli.Int64Flag{
				Name:        "layer-limit",
				Usage:       "cap active transformer layers (0 = all)",
				Destination: &layerLimit,
			},
			&cli.Int64Flag{
				Name:        "telemetry-top-k",
				Usage:       "report top-k candidates per token (0 = off)",
				Destination: &telemetryTopK,
			},
			&cli.BoolFlag{
				Name:        "moe-fallback",
				Usage:       "route every token through expert 0",
				Destination: &moeFallback,
			},
			&cli.BoolFlag{
				Name:        "no-harmony",
				Usage:       "disable the harmony prompt template",
				Destination: &noHarmony,
			},
			&cli.BoolFlag{
				Name:        "stats",
				Usage:       "print generation stats after completion",
				Destination: &showStats,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyRunConfig(cmd, LoadConfig(), &temp, &topK, &topP, &minP, &repeatPenalty, &steps, &seed)

			if prompt == "" {
				return fmt.Errorf("prompt is required")
			}
			path, err := resolveModel()
			if err != nil {
				return err
			}

			log := newLogger()
			engine, me, err := inference.LoadEngine(path, log)
			if err != nil {
				return err
			}
			defer me.Close()

			cfg := inference.EngineConfig{
				Generation: logits.SamplerConfig{
					Seed:          seed,
					Temperature:   float32(temp),
					TopK:          int(topK),
					TopP:          float32(topP),
					MinP:          float32(minP),
					RepeatPenalty: float32(repeatPenalty),
					RepeatLastN:   int(repeatLastN),
				},
				LayerLimit:       int(layerLimit),
				MaxKV:            int(maxContext),
				MaxNewTokens:     int(steps),
				TelemetryTopK:    int(telemetryTopK),
				MoEFallback:      moeFallback,
				UseHarmonyPrompt: !noHarmony,
			}

			result, err := engine.GenerateWithCallback(prompt, &cfg, func(ev *inference.TokenEvent) error {
				_, werr := fmt.Fprint(os.Stdout, ev.TokenText)
				return werr
			}, nil)
			if err != nil {
				return err
			}
			fmt.Println()

			if showStats {
				log.Info("generation finished",
					"finish_reason", result.FinishReason,
					"prompt_tokens", result.PromptTokens,
					"completion_tokens", result.CompletionTokens,
				)
			}
			return nil
		},
	}
}

// resolveModel picks the model file from --model or a single .gguf in
// --models-path.
func resolveModel() (string, error) {
	if modelPath != "" {
		return filepath.Clean(modelPath), nil
	}
	dir := modelsPath
	if dir == "" {
		dir = os.Getenv("GPTOSS_MODELS_DIR")
	}
	if dir == "" {
		return "", fmt.Errorf("model is required (use --model or --models-path)")
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var models []string
	for _, e := range ents {
		if !e.IsDir() && strings.HasSuffix(strings.ToLower(e.Name()), ".gguf") {
			models = append(models, filepath.Join(dir, e.Name()))
		}
	}
	switch len(models) {
	case 1:
		return models[0], nil
	case 0:
		return "", fmt.Errorf("no .gguf models found in %s", dir)
	default:
		return "", fmt.Errorf("multiple models found in %s; specify --model", dir)
	}
}
