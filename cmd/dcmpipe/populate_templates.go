package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dcmpipe/dcmpipe/internal/toplevel"
)

func populateTemplatesCmd() *cobra.Command {
	var license string
	var authors []string
	var acknowledgements string

	cmd := &cobra.Command{
		Use:   "populate-templates [dataset-dirs...]",
		Short: "Write the top-level BIDS template files without converting anything",
		Long: "populate-templates writes dataset_description.json, CHANGES, " +
			"README, and the other dataset-wide files run normally writes " +
			"after a subject's first conversion, without touching anything " +
			"that already exists. Useful after a series of --bids notop runs.",
		RunE: func(cmd *cobra.Command, args []string) error {
			dirs := args
			if len(dirs) == 0 {
				dirs = []string{flagOutdir}
			}
			defaults := toplevel.DatasetDefaults{
				License:          license,
				Authors:          authors,
				Acknowledgements: acknowledgements,
			}
			for _, dir := range dirs {
				if err := toplevel.PopulateTemplates(dir, defaults); err != nil {
					return fmt.Errorf("populating templates in %s: %w", dir, err)
				}
				if err := toplevel.PopulateAggregatedJSONs(dir); err != nil {
					return fmt.Errorf("aggregating task jsons in %s: %w", dir, err)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&license, "license", "", "dataset_description.json License value")
	cmd.Flags().StringSliceVar(&authors, "authors", nil, "dataset_description.json Authors value")
	cmd.Flags().StringVar(&acknowledgements, "acknowledgements", "", "dataset_description.json Acknowledgements value")
	return cmd
}
