package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"speakerd/assets"
)

// promptsCmd groups commands about the bundled prompts
var promptsCmd = &cobra.Command{
	Use:   "prompts",
	Short: "Bundled prompt commands",
}

// promptsListCmd prints the prompt table
var promptsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List bundled prompts",
	Long:  "List every bundled mode prompt with its identifier, format and length.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return listPrompts(cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(promptsCmd)
	promptsCmd.AddCommand(promptsListCmd)
}

func listPrompts(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PROMPT\tURI\tRATE\tCHANNELS\tLENGTH")
	for _, t := range assets.Tones() {
		info, err := assets.Info(t)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", t, info.URI, info.Format.SampleRate, info.Format.NumChannels, info.Duration)
	}
	return tw.Flush()
}
