package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"fileshield/internal/engine"
	"fileshield/internal/signatures"
)

var (
	version = "0.1.0"
	verbose bool
)

// errThreshold is returned when a scanned file reaches --fail-on
var errThreshold = errors.New("threat score threshold reached")

func main() {
	rootCmd := &cobra.Command{
		Use:           "fileshield",
		Short:         "FileShield - file threat scoring without infrastructure",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := zerolog.WarnLevel
			if verbose {
				level = zerolog.DebugLevel
			}
			zerolog.SetGlobalLevel(level)
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	rootCmd.AddCommand(scanCmd())
	rootCmd.AddCommand(signaturesCmd())

	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errThreshold) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

// scanCmd creates the scan command
func scanCmd() *cobra.Command {
	var (
		asJSON  bool
		sigFile string
		workers int
		maxSize int64
		failOn  float64
	)

	cmd := &cobra.Command{
		Use:   "scan <path...>",
		Short: "Score local files and directories",
		Long: `Recursively scores the given files and directories with the built-in
feature extractor and weighted threat scorer. Nothing is persisted.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sigs, err := loadSignatures(sigFile)
			if err != nil {
				return err
			}

			paths, files, err := collectFiles(args, maxSize)
			if err != nil {
				return err
			}
			log.Debug().Int("files", len(files)).Msg("Collected files")

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			eng := engine.New(engine.Options{Signatures: sigs, Workers: workers})
			scans, err := eng.ScanBatch(ctx, files)
			if err != nil {
				return fmt.Errorf("scan interrupted: %w", err)
			}

			results := make([]result, len(files))
			for i := range files {
				results[i] = result{Path: paths[i], Scan: scans[i]}
			}

			out := cmd.OutOrStdout()
			if asJSON {
				err = writeJSON(out, results)
			} else {
				writeText(out, results)
			}
			if err != nil {
				return err
			}

			if failOn > 0 && maxScore(results) >= failOn {
				return errThreshold
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print results as JSON")
	cmd.Flags().StringVar(&sigFile, "signatures", "", "YAML signature file replacing the built-in patterns")
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "Number of scan workers (default: CPU count)")
	cmd.Flags().Int64Var(&maxSize, "max-size", 512*1024*1024, "Skip files larger than this many bytes")
	cmd.Flags().Float64Var(&failOn, "fail-on", 0, "Exit non-zero when any file scores at least this")

	return cmd
}

// signaturesCmd lists the active malicious pattern set
func signaturesCmd() *cobra.Command {
	var sigFile string

	cmd := &cobra.Command{
		Use:   "signatures",
		Short: "List malicious content signatures",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sigs, err := loadSignatures(sigFile)
			if err != nil {
				return err
			}
			writeSignatures(cmd.OutOrStdout(), sigs)
			return nil
		},
	}

	cmd.Flags().StringVar(&sigFile, "signatures", "", "YAML signature file replacing the built-in patterns")
	return cmd
}

func loadSignatures(path string) (*signatures.Set, error) {
	if path == "" {
		return signatures.Default(), nil
	}
	return signatures.Load(path)
}
