package cmd

import (
	"sort"

	"github.com/spf13/cobra"

	"github.com/jrepp/prism-embed/pkg/launcher"
)

var configCmd = &cobra.Command{
	Use:   "config <manifest>",
	Short: "Print the properties a launch would pass to its server",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, args []string) error {
	manifest, err := findManifest(args[0])
	if err != nil {
		return err
	}

	service, err := launcher.NewBuilder().
		WithManifest(manifest).
		WithLogger(logger).
		Build()
	if err != nil {
		return err
	}

	resolved, err := service.ResolveSettings()
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(resolved))
	for k := range resolved {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	uiInstance.Header(manifest.Name)
	table := uiInstance.NewTable("KEY", "VALUE")
	for _, k := range keys {
		table.AddRow(k, resolved[k])
	}
	table.Render()

	return nil
}
