package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jrepp/prism-embed/pkg/artifact"
	"github.com/jrepp/prism-embed/pkg/isolation"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <manifest> <name>...",
	Short: "Show where names resolve inside a launch's isolation boundary",
	Long: `Build the isolation boundary for a launch manifest and report, for each
name, whether it comes from the host, from an isolated artifact, or is not
visible at all. Isolated entries are shown with their blake3 digest.

--artifact group:artifact=path adds an artifact to the manifest's list, or
replaces the one with the same identity.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runResolve,
}

var resolveArtifacts []string

func init() {
	resolveCmd.Flags().StringArrayVar(&resolveArtifacts, "artifact", nil, "extra artifact as group:artifact=path (repeatable)")
	rootCmd.AddCommand(resolveCmd)
}

func runResolve(cmd *cobra.Command, args []string) error {
	manifest, err := findManifest(args[0])
	if err != nil {
		return err
	}
	if err := addArtifacts(manifest, resolveArtifacts); err != nil {
		return err
	}

	vs, err := isolation.Partition(manifest.Artifacts, manifest.Shared)
	if err != nil {
		return err
	}

	opts := []isolation.LoaderOption{isolation.WithLogger(logger)}
	if manifest.BlockAll != nil && !*manifest.BlockAll {
		opts = append(opts, isolation.WithoutBlockAll())
	}

	host := isolation.ContractHost()
	loader, err := isolation.NewLoader(vs, host, opts...)
	if err != nil {
		return err
	}
	defer loader.Close()

	uiInstance.Subtle(fmt.Sprintf("%d artifacts isolated, %d contract names resolve on the host",
		len(vs.Isolated), host.Len()))

	table := uiInstance.NewTable("NAME", "ORIGIN", "ARTIFACT", "ENTRY", "DIGEST")
	for _, name := range args[1:] {
		loc, ok := loader.Resolve(name)
		switch {
		case !ok:
			table.AddRow(name, "not visible", "-", "-", "-")

		case loc.Origin == artifact.OriginIsolated:
			digest, err := loader.Digest(loc)
			if err != nil {
				digest = "error: " + err.Error()
			} else if len(digest) > 16 {
				digest = digest[:16]
			}
			table.AddRow(name, loc.Origin.String(), loc.Artifact.Identity().String(), loc.Entry, digest)

		default:
			table.AddRow(name, loc.Origin.String(), "-", "-", "-")
		}
	}
	table.Render()

	for _, shadow := range loader.SharedShadows() {
		uiInstance.Warning(fmt.Sprintf("%s is shared with the host; the copy in %s is never used",
			shadow.Name, shadow.Artifact.Identity()))
	}

	return nil
}
