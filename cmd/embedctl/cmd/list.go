package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jrepp/prism-embed/pkg/launcher"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List launch manifests in the manifests directory",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	registry := launcher.NewRegistry(cfg.Manifests.Dir, logger)
	if err := registry.Discover(); err != nil {
		uiInstance.Error(err.Error())
		return err
	}

	table := uiInstance.NewTable("NAME", "IMPLEMENTATION", "ARTIFACTS", "PORTS", "MODE")
	for _, m := range registry.List() {
		mode := "in-process"
		if m.Process != nil {
			mode = "process"
		}
		if m.Skip {
			mode = "skip"
		}
		table.AddRow(
			m.Name,
			m.Implementation,
			strconv.Itoa(len(m.Artifacts)),
			fmt.Sprintf("%d,%d", m.Port, m.SSLPort),
			mode,
		)
	}
	table.Render()

	return nil
}
