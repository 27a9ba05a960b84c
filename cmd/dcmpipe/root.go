package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/dcmpipe/dcmpipe/internal/engine"
)

var (
	flagConfigPath  string
	flagOutdir      string
	flagHeuristic   string
	flagGrouping    string
	flagConverter   string
	flagBIDS        string
	flagOverwrite   bool
	flagMinMeta     bool
	flagRandomSeed  int64
	flagAnonCmd     string
	flagQueue       string
	flagQueueArgs   string
	flagInteractive bool
)

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "dcmpipe",
		Short:         "Convert DICOM acquisitions into a BIDS dataset",
		Long:          "dcmpipe reads DICOM files, groups them into series, runs a heuristic to decide BIDS placement, and emits a BIDS-compliant dataset with provenance for resumable re-runs.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "TOML configuration file (overlaid with these flags)")
	cmd.PersistentFlags().StringVarP(&flagOutdir, "outdir", "o", ".", "output directory for the BIDS dataset")
	cmd.PersistentFlags().StringVarP(&flagHeuristic, "heuristic", "f", "convertall", "name of a bundled heuristic or path to a heuristic file")
	cmd.PersistentFlags().StringVarP(&flagGrouping, "grouping", "g", "", "how to group dicoms: accession_number, studyUID, all, custom")
	cmd.PersistentFlags().StringVarP(&flagConverter, "converter", "c", "", "conversion tool: dcm2niix or none")
	cmd.PersistentFlags().StringVarP(&flagBIDS, "bids", "b", "", `BIDS mode: "" for off, "full", or "notop"`)
	cmd.PersistentFlags().BoolVar(&flagOverwrite, "overwrite", false, "overwrite existing converted files")
	cmd.PersistentFlags().BoolVar(&flagMinMeta, "minmeta", false, "exclude dcmstack meta information from sidecar jsons")
	cmd.PersistentFlags().Int64Var(&flagRandomSeed, "random-seed", 0, "random seed to initialize RNG (0 means unset)")
	cmd.PersistentFlags().StringVar(&flagAnonCmd, "anon-cmd", "", "command to translate a subject id into an anonymized id")
	cmd.PersistentFlags().StringVarP(&flagQueue, "queue", "q", "", "batch system to submit jobs through")
	cmd.PersistentFlags().StringVar(&flagQueueArgs, "queue-args", "", "additional queue arguments as space-separated Key=Value pairs")
	cmd.PersistentFlags().BoolVarP(&flagInteractive, "interactive", "i", false, "pick heuristic/grouping/BIDS mode from an interactive form before running")

	cmd.AddCommand(runCmd())
	cmd.AddCommand(lsCmd())
	cmd.AddCommand(populateTemplatesCmd())
	cmd.AddCommand(sanitizeJSONsCmd())
	return cmd
}

// resolveConfig builds the engine configuration from --config, the
// persistent flags (which always win over the file, matching
// engine.LoadConfigFile's documented precedence), and the environment.
func resolveConfig() (engine.Config, error) {
	cfg, err := engine.LoadConfigFile(flagConfigPath)
	if err != nil {
		return engine.Config{}, err
	}
	if flagGrouping != "" {
		mode, err := engine.ParseGroupingMode(flagGrouping)
		if err != nil {
			return engine.Config{}, err
		}
		cfg.Grouping = mode
	}
	if flagConverter != "" {
		conv, err := engine.ParseConverter(flagConverter)
		if err != nil {
			return engine.Config{}, err
		}
		cfg.Converter = conv
	}
	if flagBIDS != "" {
		cfg.Bids = engine.BIDSMode(flagBIDS)
	}
	if flagOverwrite {
		cfg.Overwrite = true
	}
	if flagMinMeta {
		cfg.MinMeta = true
	}
	if flagRandomSeed != 0 {
		cfg.RandomSeed = flagRandomSeed
	}
	if flagAnonCmd != "" {
		cfg.AnonCmd = flagAnonCmd
	}
	if flagQueue != "" {
		cfg.Queue = flagQueue
	}
	if flagQueueArgs != "" {
		cfg.QueueArgs = flagQueueArgs
	}
	cfg.OutputRoot = flagOutdir
	cfg = engine.ApplyEnv(cfg)
	return cfg, nil
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}
