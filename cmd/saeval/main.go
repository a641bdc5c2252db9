package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"runtime/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/bmac3/jacobian-saes/internal/device"
	"github.com/bmac3/jacobian-saes/internal/evals"
	"github.com/bmac3/jacobian-saes/internal/model"
	"github.com/bmac3/jacobian-saes/internal/output"
	"github.com/bmac3/jacobian-saes/internal/sae"
	"github.com/bmac3/jacobian-saes/internal/store"
)

var (
	// Data
	tokensPath = flag.String("tokens", "", "Arrow IPC token file (empty: tokenize -text or synthesize)")
	textPath   = flag.String("text", "", "Plain text file to tokenize into the evaluation stream")
	dataset    = flag.String("dataset", "synthetic", "Dataset label recorded in results")
	ctxLen     = flag.Int("ctx", 64, "Context length (tokens per prompt)")

	// SAE pair
	saePath     = flag.String("sae", "", "CBOR checkpoint of the SAE pair (empty: random pair)")
	saeID       = flag.String("sae-id", "", "SAE id recorded in results (default: site name)")
	hookLayer   = flag.Int("layer", 0, "Layer whose MLP the pair is attached to")
	dSae        = flag.Int("dsae", 1024, "Feature count for a random pair")
	topK        = flag.Int("k", 32, "Sparsity budget for a random pair")
	useJacobian = flag.Bool("jacobian", true, "Pair was trained with the Jacobian objective")

	// Model shape (random weights; evaluation exercises the pipeline)
	vocabSize    = flag.Int("vocab-size", 4096, "Model vocabulary size")
	hiddenSize   = flag.Int("hidden", 128, "Model hidden size")
	numLayers    = flag.Int("model-layers", 4, "Model layer count")
	numHeads     = flag.Int("heads", 4, "Attention head count")
	intermediate = flag.Int("intermediate", 512, "MLP intermediate size")
	seed         = flag.Int64("seed", 42, "Weight initialization seed")

	// Evaluation
	batchSize       = flag.Int("batch-size", 16, "Prompts per evaluation batch")
	reconBatches    = flag.Int("recon-batches", 10, "Reconstruction metric batches")
	sparsityBatches = flag.Int("sparsity-batches", 1, "Sparsity/variance metric batches")
	computeAll      = flag.Bool("all", false, "Enable every metric family")
	computeKL       = flag.Bool("compute-kl", false, "Compute KL divergence metrics")
	computeCE       = flag.Bool("compute-ce-loss", false, "Compute CE loss metrics")
	computeL2       = flag.Bool("compute-l2-norms", false, "Compute L2 norm metrics")
	computeSparsity = flag.Bool("compute-sparsity-metrics", false, "Compute sparsity metrics")
	computeVariance = flag.Bool("compute-variance-metrics", false, "Compute variance metrics")
	computeDensity  = flag.Bool("compute-featurewise-density", false, "Compute featurewise density statistics")
	computeWeights  = flag.Bool("compute-featurewise-weights", false, "Compute featurewise weight-based metrics")
	ignoreTokens    = flag.String("ignore-tokens", "", "Comma-separated token ids to exclude from aggregates")
	normalize       = flag.String("normalize", "", "Activation normalization: '' or 'expected_average_only_in'")
	scalingFactor   = flag.Float64("scaling-factor", 0, "Scaling factor for expected_average_only_in")

	// Output and observability
	outputDir  = flag.String("output-dir", "eval_results", "Directory for result files")
	listenAddr = flag.String("listen", "", "Address for the Prometheus metrics endpoint (e.g. :8080)")
	enableOTel = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	cpuProfile = flag.String("cpuprofile", "", "Write cpu profile to file")
)

var tracer = otel.Tracer("saeval")

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer func() { _ = shutdown(context.Background()) }()
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	if *listenAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			log.Info().Str("addr", *listenAddr).Msg("Serving Prometheus metrics")
			if err := http.ListenAndServe(*listenAddr, mux); err != nil {
				log.Warn().Err(err).Msg("Metrics server stopped")
			}
		}()
	}

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Evaluation failed")
	}
}

func run() error {
	backend := device.NewCPUBackend()
	log.Info().Str("backend", backend.Name()).Msg("Initialized compute backend")

	src, err := buildSource()
	if err != nil {
		return err
	}
	st, err := store.NewStore(src, store.Normalization(*normalize), float32(*scalingFactor))
	if err != nil {
		return err
	}

	pair, err := buildPair(backend)
	if err != nil {
		return err
	}

	mdl := model.New(model.Config{
		VocabSize:        *vocabSize,
		HiddenSize:       *hiddenSize,
		NumLayers:        *numLayers,
		NumHeads:         *numHeads,
		IntermediateSize: *intermediate,
		ContextSize:      *ctxLen,
	}, backend, *seed)
	if pair.Config.HookLayer >= mdl.Config.NumLayers {
		return fmt.Errorf("pair hooks layer %d but the model has %d layers", pair.Config.HookLayer, mdl.Config.NumLayers)
	}

	ignore, err := parseIgnoreTokens(*ignoreTokens)
	if err != nil {
		return err
	}

	runner := &evals.Runner{
		Model:        mdl,
		Pair:         pair,
		Store:        st,
		Config:       buildEvalConfig(),
		IgnoreTokens: ignore,
	}

	_, span := tracer.Start(context.Background(), "evaluate")
	start := time.Now()
	results, err := runner.Run()
	span.End()
	if err != nil {
		return err
	}
	log.Info().Dur("elapsed", time.Since(start)).Msg("Evaluation finished")

	id := *saeID
	if id == "" {
		id = model.MLPInSite(pair.Config.HookLayer)
	}
	report := &output.Report{
		UniqueID: id,
		SaeSet:   *dataset,
		SaeID:    id,
		Cfg: output.RunConfig{
			ContextSize:                  *ctxLen,
			Dataset:                      *dataset,
			BatchSizePrompts:             *batchSize,
			NEvalReconstructionBatches:   *reconBatches,
			NEvalSparsityVarianceBatches: *sparsityBatches,
		},
		Results: results,
	}

	combined, err := output.WriteReports(*outputDir, []*output.Report{report})
	if err != nil {
		return err
	}
	log.Info().Str("combined", combined).Msg("Results written")
	return nil
}

// buildSource picks the token stream: an Arrow file, a tokenized text
// file, or a synthetic cycle over the vocabulary.
func buildSource() (store.Source, error) {
	if *tokensPath != "" {
		return store.OpenArrowSource(*tokensPath, *ctxLen)
	}
	if *textPath != "" {
		data, err := os.ReadFile(*textPath)
		if err != nil {
			return nil, fmt.Errorf("read text file: %w", err)
		}
		tok := store.NewGrowingTokenizer(*vocabSize)
		ids := tok.Encode(string(data))
		log.Info().Int("tokens", len(ids)).Int("vocab", tok.VocabSize()).Msg("Tokenized input text")
		return store.NewMemorySource(ids, *ctxLen)
	}

	tokens := make([]int, *ctxLen**batchSize*64)
	for i := range tokens {
		tokens[i] = (i*31 + 7) % *vocabSize
	}
	log.Info().Int("tokens", len(tokens)).Msg("Using synthetic token stream")
	return store.NewMemorySource(tokens, *ctxLen)
}

func buildPair(backend device.Backend) (*sae.Pair, error) {
	if *saePath != "" {
		pair, err := sae.Load(*saePath, backend)
		if err != nil {
			return nil, err
		}
		if pair.Config.DModel != *hiddenSize {
			return nil, fmt.Errorf("checkpoint d_model %d does not match model hidden size %d",
				pair.Config.DModel, *hiddenSize)
		}
		log.Info().
			Int("d_sae", pair.Config.DSae).
			Int("k", pair.Config.K).
			Int("layer", pair.Config.HookLayer).
			Bool("jacobian", pair.Config.UseJacobian).
			Msg("Loaded SAE pair")
		return pair, nil
	}

	log.Warn().Msg("No checkpoint given, evaluating a randomly initialized pair")
	return sae.NewRandom(sae.Config{
		DModel:      *hiddenSize,
		DSae:        *dSae,
		K:           *topK,
		HookLayer:   *hookLayer,
		UseJacobian: *useJacobian,
	}, backend, *seed+1)
}

func buildEvalConfig() evals.EvalConfig {
	if *computeAll {
		return evals.EverythingConfig(*batchSize, *reconBatches, *sparsityBatches)
	}
	return evals.EvalConfig{
		BatchSizePrompts:                     *batchSize,
		NEvalReconstructionBatches:           *reconBatches,
		ComputeKL:                            *computeKL,
		ComputeCELoss:                        *computeCE,
		NEvalSparsityVarianceBatches:         *sparsityBatches,
		ComputeL2Norms:                       *computeL2,
		ComputeSparsityMetrics:               *computeSparsity,
		ComputeVarianceMetrics:               *computeVariance,
		ComputeFeaturewiseDensityStatistics:  *computeDensity,
		ComputeFeaturewiseWeightBasedMetrics: *computeWeights,
	}
}

func parseIgnoreTokens(s string) (map[int]bool, error) {
	if s == "" {
		return nil, nil
	}
	out := make(map[int]bool)
	for _, part := range strings.Split(s, ",") {
		id, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("bad ignore token %q: %w", part, err)
		}
		out[id] = true
	}
	return out, nil
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("saeval"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
