package cli

import (
	"encoding/json"
	"io"
	"sort"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/anstrom/netsentry/internal/checks"
)

var checksSelection []string

// checksCmd lists the vulnerability check catalogue.
var checksCmd = &cobra.Command{
	Use:   "checks",
	Short: "List the available vulnerability checks",
	Long: `List every registered check with its family. Families and IDs are
the values accepted by --checks and checks.check_selection.`,
	Example: `  netsentry checks
  netsentry checks --checks tls --format json`,
	Args: cobra.NoArgs,
	PreRunE: func(_ *cobra.Command, _ []string) error {
		return validateFormat(outputFormat)
	},
	RunE: func(cmd *cobra.Command, _ []string) error {
		return listChecks(cmd.OutOrStdout(), outputFormat, checksSelection)
	},
}

func init() {
	checksCmd.Flags().StringSliceVar(&checksSelection, "checks", nil, "only list these check IDs or families")
	addOutputFlags(checksCmd.Flags())
	rootCmd.AddCommand(checksCmd)
}

type checkInfo struct {
	ID     string `json:"id" yaml:"id"`
	Family string `json:"family" yaml:"family"`
}

func listChecks(w io.Writer, format string, selection []string) error {
	selected, err := checks.Select(checks.Default(&checks.Env{}), selection)
	if err != nil {
		return err
	}
	infos := make([]checkInfo, 0, len(selected))
	for _, c := range selected {
		infos = append(infos, checkInfo{ID: c.ID(), Family: c.Family()})
	}
	sort.SliceStable(infos, func(i, j int) bool {
		if infos[i].Family != infos[j].Family {
			return infos[i].Family < infos[j].Family
		}
		return infos[i].ID < infos[j].ID
	})

	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(infos)
	case formatYAML:
		return yaml.NewEncoder(w).Encode(infos)
	}

	table := tablewriter.NewWriter(w)
	table.Header("Family", "ID")
	for _, c := range infos {
		_ = table.Append([]string{c.Family, c.ID})
	}
	return table.Render()
}
