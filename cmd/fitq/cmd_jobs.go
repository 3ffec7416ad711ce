package main

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/corvohq/fitq/internal/molecule"
	"github.com/corvohq/fitq/internal/store"
	"github.com/corvohq/fitq/pkg/workerclient"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show job counts by state",
	RunE: func(cmd *cobra.Command, args []string) error {
		counts, err := newClient().Status(cmd.Context())
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(counts)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "STATE\tJOBS")
		for _, st := range store.Statuses {
			fmt.Fprintf(w, "%s\t%d\n", st, counts[st])
		}
		return w.Flush()
	},
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List models with stored calculations",
	RunE: func(cmd *cobra.Command, args []string) error {
		models, err := newClient().Models(cmd.Context())
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(models)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "METHOD\tBASIS\tCP")
		for _, m := range models {
			fmt.Fprintf(w, "%s\t%s\t%t\n", m.Method, m.Basis, m.CP)
		}
		return w.Flush()
	},
}

var resetTags []string

var resetCmd = &cobra.Command{
	Use:   "reset <all|dispatched|failed>",
	Short: "Move jobs back to pending",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := newClient().Reset(cmd.Context(), store.ResetScope(args[0]), resetTags)
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(map[string]int64{"reset": n})
		}
		fmt.Printf("%d jobs reset to pending\n", n)
		return nil
	},
}

var optimized bool

var submitCmd = &cobra.Command{
	Use:   "submit <molecules.json|->",
	Short: "Queue every sub-calculation of a JSON array of molecules",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readInput(args[0])
		if err != nil {
			return err
		}
		var mols []*molecule.Molecule
		if err := json.Unmarshal(data, &mols); err != nil {
			return fmt.Errorf("decode molecules: %w", err)
		}
		n, err := newClient().Submit(cmd.Context(), workerclient.Submission{
			Molecules: mols,
			Model:     selectedModel(),
			Tags:      tags,
			Optimized: optimized,
		})
		if err != nil {
			return err
		}
		fmt.Printf("%d molecules submitted at %s\n", n, selectedModel())
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import <entries.json|->",
	Short: "Store molecules with precomputed energies",
	Long:  `Reads a JSON array of {"molecule": ..., "energies": [...]} entries. Null energies stay pending.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readInput(args[0])
		if err != nil {
			return err
		}
		var entries []struct {
			Molecule *molecule.Molecule `json:"molecule"`
			Energies []*float64         `json:"energies"`
		}
		if err := json.Unmarshal(data, &entries); err != nil {
			return fmt.Errorf("decode entries: %w", err)
		}
		req := store.ImportRequest{Model: selectedModel(), Tags: tags}
		for _, e := range entries {
			energies := make([]float64, len(e.Energies))
			for i, v := range e.Energies {
				energies[i] = math.NaN()
				if v != nil {
					energies[i] = *v
				}
			}
			req.Calculations = append(req.Calculations, store.ImportedCalculation{
				Molecule:  e.Molecule,
				Energies:  energies,
				Optimized: optimized,
			})
		}
		n, err := newClient().Import(cmd.Context(), req)
		if err != nil {
			return err
		}
		fmt.Printf("%d molecules imported at %s\n", n, selectedModel())
		return nil
	},
}

var tagCmd = &cobra.Command{
	Use:   "tag <hash>",
	Short: "Add tags to a stored calculation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().AddTags(cmd.Context(), args[0], selectedModel(), tags); err != nil {
			return err
		}
		fmt.Printf("tagged %s\n", args[0])
		return nil
	},
}

func init() {
	resetCmd.Flags().StringSliceVar(&resetTags, "tags", nil, "Only reset jobs carrying one of these tags")
	submitCmd.Flags().BoolVar(&optimized, "optimized", false, "Molecules are optimized geometries (reference candidates)")
	importCmd.Flags().BoolVar(&optimized, "optimized", false, "Molecules are optimized geometries (reference candidates)")

	addClientFlags(statusCmd, modelsCmd, resetCmd, submitCmd, importCmd, tagCmd)
	addModelFlags(submitCmd, importCmd, tagCmd)
	rootCmd.AddCommand(statusCmd, modelsCmd, resetCmd, submitCmd, importCmd, tagCmd)
}
