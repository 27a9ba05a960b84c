package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dcmpipe/dcmpipe/internal/discover"
	"github.com/dcmpipe/dcmpipe/internal/runtime"
)

func lsCmd() *cobra.Command {
	var subject string
	var session string

	cmd := &cobra.Command{
		Use:   "ls <files...>",
		Short: "List the study sessions and sequences a locator would convert, without converting",
		Long:  "ls discovers and groups each argument's input exactly as run would, printing the sequence count per study session -- useful while developing a heuristic.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}

			var locators []discover.Locator
			for _, f := range args {
				locators = append(locators, discover.Locator{Template: f, Subject: subject, Session: session})
			}

			rt := runtime.New(cfg, flagHeuristic, nil, newLogger())
			groups, discoveryErrs, err := rt.ListGroups(context.Background(), locators)
			if err != nil {
				return err
			}
			for _, e := range discoveryErrs {
				fmt.Printf("warning: %v\n", e)
			}
			for _, f := range args {
				fmt.Println(f)
			}
			for _, group := range groups {
				fmt.Printf("\t%s: %d sequences\n", group.Key, len(group.Series))
				for _, series := range group.Series {
					fmt.Printf("\t\t%s\t%s\n", series.SeqInfo.SeriesID, series.SeqInfo.ProtocolName)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&subject, "subject", "s", "unknown", "subject id to label this locator with")
	cmd.Flags().StringVar(&session, "ses", "", "session label for longitudinal input")
	return cmd
}
