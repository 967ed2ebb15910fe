// Command gretacore runs prefill/decode generation over a weight file
// and a prompt (spec §6.3). Exit code 0 on success, 1 on
// initialization/IO failure.
package main

import (
	"fmt"
	"os"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/gretacore/gretacore/buffer"
	"github.com/gretacore/gretacore/compute"
	"github.com/gretacore/gretacore/config"
	"github.com/gretacore/gretacore/dtype"
	"github.com/gretacore/gretacore/generate"
	"github.com/gretacore/gretacore/gpu"
	"github.com/gretacore/gretacore/internal/refkernel"
	"github.com/gretacore/gretacore/internal/texttok"
	"github.com/gretacore/gretacore/scheduler"
	"github.com/gretacore/gretacore/util/signalx"
	"github.com/gretacore/gretacore/weights"
)

var log = logrus.WithField("component", "runtime")

func init() {
	// Host memory (weight staging, KV cache on devices without a
	// dedicated allocator) should respect a cgroup ceiling when run
	// inside a container rather than relying on the OS OOM killer.
	if _, err := memlimit.SetGoMemLimitWithOpts(
		memlimit.WithRatio(0.9),
		memlimit.WithProvider(memlimit.ApplyFallback(
			memlimit.FromCgroup,
			memlimit.FromSystem,
		)),
	); err != nil {
		logrus.WithError(err).Debug("automemlimit: no cgroup memory limit detected")
	}
}

var (
	configFile  string
	modelPath   string
	prompt      string
	batchSize   int
	maxTokens   int
	temperature float32
	topK        int
	topP        float32
	greedy      bool
	logLevel    string
)

func main() {
	root := &cobra.Command{
		Use:   "gretacore",
		Short: "Run prefill/decode generation over a local GGUF-style weight file",
		RunE:  run,
	}

	root.Flags().StringVar(&configFile, "config", "", "Optional YAML config file")
	root.Flags().StringVar(&modelPath, "model", "", "Path to the weight file")
	root.Flags().StringVar(&prompt, "prompt", "", "Prompt text")
	root.Flags().IntVar(&batchSize, "batch-size", 0, "Batch size (0 keeps the config default)")
	root.Flags().IntVar(&maxTokens, "max-tokens", 0, "Maximum tokens to generate (0 keeps the config default)")
	root.Flags().Float32Var(&temperature, "temperature", 0, "Sampling temperature (0 keeps the config default)")
	root.Flags().IntVar(&topK, "top-k", 0, "Top-k truncation (0 disables)")
	root.Flags().Float32Var(&topP, "top-p", 0, "Top-p nucleus truncation (0 disables)")
	root.Flags().BoolVar(&greedy, "greedy", false, "Greedy (argmax) decoding")
	root.Flags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if logLevel == "" {
			return nil
		}
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", logLevel, err)
		}
		logrus.SetLevel(level)
		return nil
	}

	if err := root.ExecuteContext(signalx.Handler()); err != nil {
		log.WithError(err).Error("gretacore run failed")
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	applyFlagOverrides(&cfg)

	if cfg.ModelPath == "" {
		return fmt.Errorf("--model is required")
	}
	if cfg.Prompt == "" {
		return fmt.Errorf("--prompt is required")
	}

	loader, err := weights.CreateWeightLoader(cfg.ModelPath)
	if err != nil {
		return fmt.Errorf("opening weight file: %w", err)
	}
	defer func() {
		if c, ok := loader.(*weights.Container); ok {
			_ = c.Close()
		}
	}()

	modelCfg := loader.GetConfig()
	log.WithFields(logrus.Fields{
		"vocab_size": modelCfg.VocabSize,
		"dim":        modelCfg.Dim,
		"num_layers": modelCfg.NumLayers,
	}).Info("loaded model config")

	alloc := refkernel.Allocator{}
	sched := scheduler.New(alloc, refkernel.CopyToDevice, refKernelDispatchers(modelCfg), dtype.F32)
	sched.Init(modelCfg)

	gpuStream := gpu.NewStream(1, nil)
	defer gpuStream.Destroy()

	if err := sched.AllocateWeights(); err != nil {
		return fmt.Errorf("allocating weights: %w", err)
	}
	if err := sched.AllocateActivations(uint32(cfg.BatchSize), modelCfg.MaxSeqLen); err != nil {
		return fmt.Errorf("allocating activations: %w", err)
	}
	if err := sched.LoadWeights(loader, gpuStream); err != nil {
		return fmt.Errorf("loading weights: %w", err)
	}
	gpuStream.Flush()

	tok := texttok.New(modelCfg.VocabSize)
	trace := generate.FlagsFromEnv()

	gen := generate.New(sched, generate.Dependencies{
		Alloc:  alloc,
		Embed:  refkernel.EmbedKernel,
		Argmax: refkernel.ArgmaxKernel,
	}, tok, trace, func(line string) { log.Debug(line) })

	promptTokens, err := tok.Encode(cfg.Prompt)
	if err != nil {
		return fmt.Errorf("tokenizing prompt: %w", err)
	}

	params := generate.SampleParams{
		Temperature: cfg.Temperature,
		TopK:        cfg.TopK,
		TopP:        cfg.TopP,
		MaxTokens:   cfg.MaxTokens,
		Seed:        cfg.Seed,
		Greedy:      cfg.Greedy,
	}

	u32Tokens := make([]uint32, len(promptTokens))
	for i, id := range promptTokens {
		u32Tokens[i] = uint32(id)
	}

	ids, stats, err := gen.GenerateTokens(cmd.Context(), gpuStream, u32Tokens, params, func(id int) {
		fmt.Print(" ", id)
	})
	if err != nil {
		return fmt.Errorf("generation failed: %w", err)
	}

	text, err := tok.Decode(ids)
	if err != nil {
		return err
	}
	fmt.Println()
	fmt.Println(text)
	log.WithFields(logrus.Fields{
		"prompt_tokens":     stats.PromptTokens,
		"generated_tokens":  stats.GeneratedTokens,
		"total_ms":          stats.TotalMS,
		"time_to_first_ms":  stats.TimeToFirstTokenMS,
		"tokens_per_second": stats.TokensPerSecond,
	}).Info("generation complete")
	return nil
}

// refKernelDispatchers wires the scheduler's compute hooks to the
// software reference device (internal/refkernel), composing the GEMM,
// RMSNorm and attention_decode kernels through the compute façade the
// way a real backend's kernel launcher would.
func refKernelDispatchers(modelCfg scheduler.Config) scheduler.Dispatchers {
	return scheduler.Dispatchers{
		GEMM: func(stream *gpu.Stream, a, b, c *buffer.Buffer, m, n, k uint32, tA, tB bool, accum dtype.ElementType) error {
			return compute.GEMM(refkernel.GEMMKernel, stream, a, b, c, m, n, k, tA, tB, accum)
		},
		RMSNorm: func(stream *gpu.Stream, input, weight, output *buffer.Buffer, dim uint32, eps float32) error {
			return compute.RMSNorm(refkernel.RMSNormKernel, stream, input, weight, output, dim, eps)
		},
		AttentionDecode: func(stream *gpu.Stream, q, kCache, vCache, dPos, o *buffer.Buffer, numHeads, numHeadsKV, headDim, seqLen, maxSeqLen uint32, scale, ropeBase float32) error {
			return compute.AttentionDecode(refkernel.AttentionDecodeKernel, stream, q, kCache, vCache, dPos, o, numHeads, numHeadsKV, headDim, seqLen, maxSeqLen, scale, ropeBase)
		},
		RoPE:        refkernel.RoPEKernel,
		KVAppend:    refkernel.KVAppendKernel(modelCfg.MaxSeqLen, modelCfg.NumHeadsKV, modelCfg.HeadDim),
		ResidualAdd: refkernel.ResidualAddKernel,
		SiLUMul:     refkernel.SiLUMulKernel,
	}
}

func applyFlagOverrides(cfg *config.RuntimeConfig) {
	if modelPath != "" {
		cfg.ModelPath = modelPath
	}
	if prompt != "" {
		cfg.Prompt = prompt
	}
	if batchSize != 0 {
		cfg.BatchSize = batchSize
	}
	if maxTokens != 0 {
		cfg.MaxTokens = maxTokens
	}
	if temperature != 0 {
		cfg.Temperature = temperature
	}
	if topK != 0 {
		cfg.TopK = topK
	}
	if topP != 0 {
		cfg.TopP = topP
	}
	if greedy {
		cfg.Greedy = true
	}
}
