package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/MSA-I/RE-TOUR-sub007/internal/phase"
)

var phasesVersion int

var phasesCmd = &cobra.Command{
	Use:   "phases",
	Short: "Print a phase registry",
	Long:  `Print the step table of a phase registry version: each step's service and its entry, running and review phases.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		set := phase.Default()
		reg := set.Latest()
		if phasesVersion != 0 {
			var err error
			if reg, err = set.Get(phasesVersion); err != nil {
				return err
			}
		}
		return printRegistry(cmd.OutOrStdout(), reg)
	},
}

func init() {
	phasesCmd.Flags().IntVar(&phasesVersion, "version", 0, "Registry version (defaults to the latest)")
	rootCmd.AddCommand(phasesCmd)
}

func printRegistry(w io.Writer, reg *phase.Registry) error {
	fmt.Fprintf(w, "registry version %d\n\n", reg.Version())
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tNAME\tSERVICE\tENTRY\tRUNNING\tREVIEW")
	for _, s := range reg.Steps() {
		if s.Terminal() {
			fmt.Fprintf(tw, "%d\t%s\t-\t%s\t-\t-\n", s.Number, s.Name, s.Entry)
			continue
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", s.Number, s.Name, s.Service, s.Entry, s.Running, s.Review)
	}
	return tw.Flush()
}
