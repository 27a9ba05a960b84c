package main

import (
	"fmt"

	"github.com/charmbracelet/huh"

	"github.com/dcmpipe/dcmpipe/internal/heuristic"
)

// wizardChoice is the subset of engine configuration an interactive run
// picks before the conversion loop starts.
type wizardChoice struct {
	Heuristic string
	Grouping  string
	BIDS      string
}

// runWizard prompts for heuristic, grouping mode, and BIDS mode in a single
// form, for --interactive runs that would rather pick these than memorize
// flag values. Unlike the dataset generator's multi-screen wizard, there is
// only one decision to make per axis, so one group is enough.
func runWizard() (wizardChoice, error) {
	choice := wizardChoice{
		Heuristic: flagHeuristic,
		Grouping:  flagGrouping,
		BIDS:      flagBIDS,
	}

	heuristicOptions := make([]huh.Option[string], 0, len(heuristic.BundledNames())+1)
	for _, name := range heuristic.BundledNames() {
		heuristicOptions = append(heuristicOptions, huh.NewOption(name, name))
	}
	var customPath string
	useCustom := choice.Heuristic != "" && len(heuristicOptions) > 0 && !containsOption(heuristicOptions, choice.Heuristic)
	if useCustom {
		customPath = choice.Heuristic
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Key("heuristic").
				Title("Heuristic").
				Description("bundled heuristic to decide where each series goes").
				Options(heuristicOptions...).
				Value(&choice.Heuristic),

			huh.NewInput().
				Key("heuristic_path").
				Title("Or a path to a heuristic file").
				Placeholder("leave empty to use the selection above").
				Value(&customPath),

			huh.NewSelect[string]().
				Key("grouping").
				Title("Grouping mode").
				Description("how input DICOMs are partitioned into study sessions").
				Options(
					huh.NewOption("accession number", "accession_number"),
					huh.NewOption("study instance UID", "studyUID"),
					huh.NewOption("all files as one session", "all"),
					huh.NewOption("custom heuristic grouper", "custom"),
				).
				Value(&choice.Grouping),

			huh.NewSelect[string]().
				Key("bids").
				Title("BIDS mode").
				Description("whether to emit BIDS dataset-wide files alongside the conversion").
				Options(
					huh.NewOption("off", ""),
					huh.NewOption("full", "full"),
					huh.NewOption("notop (defer dataset-wide files)", "notop"),
				).
				Value(&choice.BIDS),
		),
	).WithShowHelp(false).WithShowErrors(true)

	if err := form.Run(); err != nil {
		return wizardChoice{}, fmt.Errorf("running interactive form: %w", err)
	}

	if customPath != "" {
		choice.Heuristic = customPath
	}
	return choice, nil
}

func containsOption(options []huh.Option[string], value string) bool {
	for _, o := range options {
		if o.Value == value {
			return true
		}
	}
	return false
}
