// Package cmd provides the CLI commands for embedctl
package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jrepp/prism-embed/cmd/embedctl/internal/config"
	"github.com/jrepp/prism-embed/cmd/embedctl/internal/ui"
	"github.com/jrepp/prism-embed/pkg/artifact"
	"github.com/jrepp/prism-embed/pkg/launcher"
)

var (
	cfg        *config.Config
	uiInstance *ui.UI
	logger     *slog.Logger

	configPath   string
	manifestsDir string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "embedctl",
	Short: "embedctl - Launch embedded servers in an isolated name space",
	Long: `embedctl starts and stops embedded servers described by launch manifests.

Each server is constructed inside an isolation boundary built from its
artifacts, after its ports have been checked and its properties resolved.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		uiInstance = ui.NewUIWithWriters(cmd.OutOrStdout(), cmd.ErrOrStderr())

		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if manifestsDir != "" {
			cfg.Manifests.Dir = manifestsDir
		}

		logger = newLogger(cmd.ErrOrStderr(), cfg.Log)
		slog.SetDefault(logger)

		return nil
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.Version = "0.1.0"
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: embedctl.yaml in $HOME/.prism or .)")
	rootCmd.PersistentFlags().StringVar(&manifestsDir, "manifests-dir", "", "directory of launch manifests (overrides config)")
}

func newLogger(w io.Writer, c config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.Level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// findManifest accepts a manifest file, a directory holding manifest.yaml,
// or the name of a launch under the manifests directory.
func findManifest(ref string) (*launcher.Manifest, error) {
	if info, err := os.Stat(ref); err == nil {
		if info.IsDir() {
			return launcher.LoadManifest(filepath.Join(ref, launcher.ManifestFile))
		}
		return launcher.LoadManifest(ref)
	}

	registry := launcher.NewRegistry(cfg.Manifests.Dir, logger)
	if err := registry.Discover(); err != nil {
		return nil, fmt.Errorf("no manifest file %q and discovery failed: %w", ref, err)
	}

	manifest, ok := registry.Get(ref)
	if !ok {
		return nil, fmt.Errorf("no launch named %q in %s", ref, cfg.Manifests.Dir)
	}
	return manifest, nil
}

// addArtifacts applies --artifact coordinates to a manifest. An artifact
// with the identity of one already listed replaces it; others are appended.
func addArtifacts(m *launcher.Manifest, coords []string) error {
	for _, c := range coords {
		a, err := artifact.Parse(c)
		if err != nil {
			return err
		}

		replaced := false
		for i := range m.Artifacts {
			if m.Artifacts[i].Identity() == a.Identity() {
				m.Artifacts[i] = a
				replaced = true
				break
			}
		}
		if !replaced {
			m.Artifacts = append(m.Artifacts, a)
		}
		logger.Debug("artifact from command line", "artifact", a.String(), "replaced", replaced)
	}
	return nil
}
