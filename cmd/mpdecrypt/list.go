package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/mohaanymo/mpdecrypt"
)

func newListCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list URL",
		Short: "List the representations of a manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			reps, err := mpdecrypt.ListRepresentations(cmd.Context(), args[0], mpdecrypt.WithConfig(cfg))
			if err != nil {
				return err
			}
			if len(reps) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No representations")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), representationTable(reps))
			return nil
		},
	}
}

func representationTable(reps []mpdecrypt.Representation) string {
	rows := make([][]string, 0, len(reps))
	for _, r := range reps {
		detail := r.Resolution()
		if r.IsAudio() {
			detail = r.Language()
		}
		kid := "-"
		if r.IsEncrypted() {
			kid = r.DefaultKID()
		}
		usable := "yes"
		if !r.Selectable() {
			usable = "no"
		}
		rows = append(rows, []string{
			r.ID(),
			r.Type().String(),
			detail,
			r.Codec(),
			humanize.SI(float64(r.Bandwidth()), "bps"),
			kid,
			usable,
		})
	}
	return renderTable(
		[]string{"ID", "Type", "Detail", "Codecs", "Bandwidth", "Default KID", "Selectable"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
	)
}
