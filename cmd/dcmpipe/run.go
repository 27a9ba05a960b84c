package main

import (
	"context"
	"fmt"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/dcmpipe/dcmpipe/internal/convert"
	"github.com/dcmpipe/dcmpipe/internal/discover"
	"github.com/dcmpipe/dcmpipe/internal/engine"
	"github.com/dcmpipe/dcmpipe/internal/runtime"
)

func runCmd() *cobra.Command {
	var dicomDirTemplate string
	var subjects []string
	var session string

	cmd := &cobra.Command{
		Use:   "run [files...]",
		Short: "Convert one or more subjects into the BIDS dataset",
		Long: "run discovers each subject's input (either expanded from " +
			"--dicom-dir-template or given directly as files/directories), " +
			"groups it into series, runs the configured heuristic, and " +
			"converts the resulting decisions into the output dataset.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagInteractive {
				choice, err := runWizard()
				if err != nil {
					return err
				}
				flagHeuristic = choice.Heuristic
				flagGrouping = choice.Grouping
				flagBIDS = choice.BIDS
			}

			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			locatorGroups, err := buildLocatorGroups(dicomDirTemplate, subjects, session, args)
			if err != nil {
				return err
			}

			transcoders := transcodersFor(cfg)
			rt := runtime.New(cfg, flagHeuristic, transcoders, newLogger())
			ctx := context.Background()

			// Each rt.Run call takes the dataset lock itself around its own
			// top-level file updates (internal/toplevel.WithLock), so two
			// subjects in this loop, or two separate dcmpipe processes
			// pointed at the same --outdir, serialize correctly without
			// this loop holding a lock of its own across the whole batch.
			var result *multierror.Error
			for _, lg := range locatorGroups {
				subject, err := engine.AnonymizeSubject(ctx, cfg, lg.subject)
				if err != nil {
					result = multierror.Append(result, fmt.Errorf("subject %s: %w", lg.subject, err))
					continue
				}
				report, err := rt.Run(ctx, subject, session, lg.locators)
				if err != nil {
					fmt.Fprintf(os.Stderr, "subject %s: %v\n", subject, err)
					result = multierror.Append(result, fmt.Errorf("subject %s: %w", subject, err))
					continue
				}
				fmt.Printf("subject %s: %d produced, %d skipped\n", subject, len(report.Produced), len(report.Skipped))
				for _, e := range report.Errors {
					fmt.Fprintf(os.Stderr, "subject %s: %v\n", subject, e)
					result = multierror.Append(result, fmt.Errorf("subject %s: %w", subject, e))
				}
			}
			return result.ErrorOrNil()
		},
	}

	cmd.Flags().StringVarP(&dicomDirTemplate, "dicom-dir-template", "d", "", "input location template containing {subject} and {session}")
	cmd.Flags().StringSliceVarP(&subjects, "subjects", "s", nil, "subject ids, required when using --dicom-dir-template")
	cmd.Flags().StringVarP(&session, "ses", "", "", "session label for longitudinal input")
	return cmd
}

// subjectLocators is one subject's input, resolved either from a template
// expansion or from literal file/directory arguments.
type subjectLocators struct {
	subject  string
	locators []discover.Locator
}

// buildLocatorGroups mirrors run.py's mutually-exclusive --dicom_dir_template
// / --files modes: a template requires an explicit subject list (one
// locator set per subject), while literal files/directories are processed
// as a single batch labelled with the first --subjects value; --subjects is
// required in both modes.
func buildLocatorGroups(dicomDirTemplate string, subjects []string, session string, files []string) ([]subjectLocators, error) {
	if dicomDirTemplate != "" {
		if len(subjects) == 0 {
			return nil, &engine.UsageError{Msg: "--subjects is required when using --dicom-dir-template"}
		}
		groups := make([]subjectLocators, 0, len(subjects))
		for _, subj := range subjects {
			groups = append(groups, subjectLocators{
				subject:  subj,
				locators: []discover.Locator{{Template: dicomDirTemplate, Subject: subj, Session: session}},
			})
		}
		return groups, nil
	}

	if len(files) == 0 {
		return nil, &engine.UsageError{Msg: "provide --dicom-dir-template with --subjects, or one or more files/directories"}
	}
	if len(subjects) == 0 {
		return nil, &engine.UsageError{Msg: "--subjects is required to label literal files/directories"}
	}
	var locators []discover.Locator
	for _, f := range files {
		locators = append(locators, discover.Locator{Template: f, Subject: subjects[0]})
	}
	return []subjectLocators{{subject: subjects[0], locators: locators}}, nil
}

func transcodersFor(cfg engine.Config) map[string]convert.Transcoder {
	transcoders := map[string]convert.Transcoder{"dicom": convert.DicomCopy{}}
	switch cfg.Converter {
	case engine.ConverterNone:
		transcoders["nii.gz"] = convert.NullTranscoder{}
	default:
		transcoders["nii.gz"] = convert.Dcm2niix{}
	}
	return transcoders
}
