package main

import (
	"github.com/spf13/cobra"

	"github.com/dcmpipe/dcmpipe/internal/toplevel"
)

func sanitizeJSONsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sanitize-jsons <sidecar.json...>",
		Short: "Strip date/time fields from sidecar JSONs and stamp the engine version",
		Long: "sanitize-jsons is a standalone maintenance pass over already-" +
			"emitted sidecar JSONs: it removes scanner-stamped acquisition " +
			"timestamps, refuses to leave any sidecar with a leftover date " +
			"field, stamps HeudiconvVersion, and reconciles fieldmap " +
			"EchoTime1/EchoTime2 from their magnitude siblings.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return toplevel.SanitizeJSONFiles(args, version)
		},
	}
	return cmd
}
