package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "appletctl",
		Short: "Inspect applet navigation hashes and exercise the transaction manager",
		Long: `appletctl decodes and encodes applet URL hashes against a parameter
schema, and runs a sample batch through the transaction manager using the
APPLET_* environment configuration.`,
		Version:       "0.1.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().Bool("json", false, "Output in JSON format")

	root.AddCommand(newDecodeCmd(), newEncodeCmd(), newDemoCmd())
	return root
}

func execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func jsonOutput(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
