package cmd

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// NewRootCmd assembles the facerestore command tree.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "facerestore",
		Short: "Webcam capture client and face reconstruction API server",
		Long: `Facerestore bridges camera captures to an external face-analysis engine.

The serve subcommand runs the HTTP orchestrator: it accepts image uploads,
stages each one to a temporary file, and hands the file to the engine, one
subprocess per request. The capture subcommand is the matching client: it
grabs a webcam frame (or reads an image file) and submits it for
reconstruction.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Load .env file if present (ignore errors)
			_ = godotenv.Load()
		},
	}

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newCaptureCmd())

	return cmd
}
