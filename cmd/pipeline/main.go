package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gpuradar/listings-engine/internal/normalize"
	"github.com/gpuradar/listings-engine/internal/pipeline"
	"github.com/gpuradar/listings-engine/internal/registry"
	"github.com/gpuradar/listings-engine/internal/report"
	"github.com/gpuradar/listings-engine/internal/score"
	"github.com/gpuradar/listings-engine/pkg/models"
)

// Exit codes: 0 success, 2 configuration error, 3 input validation failure,
// 4 I/O error, 5 internal error.
const (
	exitOK         = 0
	exitConfig     = 2
	exitValidation = 3
	exitIO         = 4
	exitInternal   = 5
)

var (
	flagInput    string
	flagOutput   string
	flagDebug    bool
	flagUseML    bool
	flagQuantize bool
	flagPreset   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Normalize, enrich and score a GPU listings batch",
		Long: `pipeline reads a raw listings file (CSV or JSON), resolves every title
to a canonical GPU model, joins hardware specs, applies enabled heuristics
and writes the scored batch as CSV.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}

	rootCmd.Flags().StringVar(&flagInput, "input", "", "input batch file (.csv or .json)")
	rootCmd.Flags().StringVar(&flagOutput, "output", "", "output scored CSV path")
	rootCmd.Flags().BoolVar(&flagDebug, "debug", false, "print per-row match provenance to stderr")
	rootCmd.Flags().BoolVar(&flagUseML, "use-ml", false, "annotate rows with the baseline GPU classifier")
	rootCmd.Flags().BoolVar(&flagQuantize, "quantize-capacity", false, "compute LLM quantization capacity per listing")
	rootCmd.Flags().StringVar(&flagPreset, "preset", score.DefaultPreset, "scoring weight preset")
	_ = rootCmd.MarkFlagRequired("input")
	_ = rootCmd.MarkFlagRequired("output")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "pipeline: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

func run() error {
	reg, err := registry.Load()
	if err != nil {
		return err
	}

	opts := pipeline.Options{}
	if flagUseML {
		opts.Classifier = normalize.KeywordClassifier{}
	}
	if flagQuantize {
		opts.Strategies = append(opts.Strategies, "quantization_capacity")
	}
	pl, err := pipeline.New(reg, opts)
	if err != nil {
		return err
	}

	in, err := os.Open(flagInput)
	if err != nil {
		return &ioError{err}
	}
	defer in.Close()

	sourceType := "csv"
	if strings.EqualFold(filepath.Ext(flagInput), ".json") {
		sourceType = "json"
	}

	scored, warnings, err := pl.RunSource(context.Background(), sourceType, in, flagPreset)
	if err != nil {
		return err
	}
	for _, w := range warnings {
		log.Printf("[Pipeline] warning %s: %s", w.Code, w.Detail)
	}

	if flagDebug {
		for i, row := range scored {
			fmt.Fprintf(os.Stderr, "row %d: %s %s (%.2f) %s\n",
				i, row.CanonicalModel, row.MatchType, row.MatchScore, row.MatchNotes)
		}
	}

	out, err := os.Create(flagOutput)
	if err != nil {
		return &ioError{err}
	}
	defer out.Close()

	if err := pipeline.WriteScoredCSV(out, scored); err != nil {
		return &ioError{err}
	}

	return report.TextReporter{}.Write(os.Stdout, scored)
}

// ioError tags file-system failures so they map to the I/O exit code.
type ioError struct{ err error }

func (e *ioError) Error() string { return e.err.Error() }
func (e *ioError) Unwrap() error { return e.err }

func exitCodeFor(err error) int {
	if _, ok := err.(*ioError); ok {
		return exitIO
	}
	// cobra flag errors (missing/unknown flags) are usage problems.
	msg := err.Error()
	if strings.HasPrefix(msg, "required flag") || strings.HasPrefix(msg, "unknown flag") ||
		strings.HasPrefix(msg, "invalid argument") {
		return exitConfig
	}
	switch models.KindOf(err) {
	case models.KindConfig, models.KindUnknownPreset:
		return exitConfig
	case models.KindSchema, models.KindValidation:
		return exitValidation
	case models.KindStore, models.KindUnavailable, models.KindInternal,
		models.KindDuplicateImport, models.KindUnsupportedSchema:
		return exitInternal
	}
	return exitInternal
}
