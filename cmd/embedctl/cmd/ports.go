package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jrepp/prism-embed/pkg/preflight"
)

var checkPortsManifest string

var checkPortsCmd = &cobra.Command{
	Use:   "check-ports [port...]",
	Short: "Check that ports are free for TCP and UDP",
	Long: `Check each port the way start does before building anything.

Ports may be given as arguments, taken from a launch manifest with
--manifest, or both.`,
	RunE: runCheckPorts,
}

func init() {
	checkPortsCmd.Flags().StringVar(&checkPortsManifest, "manifest", "", "also check the ports of this launch manifest")
	rootCmd.AddCommand(checkPortsCmd)
}

func runCheckPorts(cmd *cobra.Command, args []string) error {
	ports := make([]int, 0, len(args)+2)
	for _, arg := range args {
		port, err := strconv.Atoi(arg)
		if err != nil {
			return fmt.Errorf("invalid port %q", arg)
		}
		ports = append(ports, port)
	}

	if checkPortsManifest != "" {
		manifest, err := findManifest(checkPortsManifest)
		if err != nil {
			return err
		}
		ports = append(ports, manifest.Ports()...)
	}

	if len(ports) == 0 {
		return fmt.Errorf("no ports to check")
	}

	unavailable := 0
	for _, port := range ports {
		if err := preflight.CheckPorts(port); err != nil {
			uiInstance.Error(fmt.Sprintf("Port %d: %v", port, err))
			unavailable++
			continue
		}
		uiInstance.Success(fmt.Sprintf("Port %d is available", port))
	}

	if unavailable > 0 {
		return fmt.Errorf("%d of %d ports unavailable", unavailable, len(ports))
	}
	return nil
}
