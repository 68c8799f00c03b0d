package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/itsgrimetime/melee-decomp-sub001/internal/config"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/storage/sqlite"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/ui"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the .decomp state directory, config, and database",
	Run: func(cmd *cobra.Command, _ []string) {
		cwd, err := os.Getwd()
		if err != nil {
			fail(err)
		}
		dir := filepath.Join(cwd, config.StateDirName)

		if _, err := os.Stat(dir); err == nil && !initForce {
			fail(fmt.Errorf("%s already exists (use --force to reinitialize config)", dir))
		}
		if err := os.MkdirAll(dir, 0o750); err != nil {
			fail(err)
		}

		configPath := filepath.Join(dir, "config.yaml")
		if _, err := os.Stat(configPath); os.IsNotExist(err) || initForce {
			if err := writeDefaultConfig(configPath); err != nil {
				fail(err)
			}
		}

		dbFile := filepath.Join(dir, "state.db")
		s, err := sqlite.New(cmd.Context(), dbFile)
		if err != nil {
			fail(fmt.Errorf("failed to create database: %w", err))
		}
		s.Close()

		if jsonOutput {
			outputJSON(map[string]string{
				"state_dir": dir,
				"config":    configPath,
				"db":        dbFile,
			})
			return
		}
		fmt.Printf("%s Initialized %s\n", ui.RenderPass("✓"), dir)
		fmt.Printf("  config:   %s\n", configPath)
		fmt.Printf("  database: %s\n", dbFile)
	},
}

// writeDefaultConfig writes a commented starting config. Values mirror the
// defaults so an untouched file changes nothing.
func writeDefaultConfig(path string) error {
	cfg := map[string]interface{}{
		"scratch": map[string]interface{}{
			"url":      "",
			"platform": "gc_wii",
			"compiler": "mwcc_233_163e",
		},
		"claim": map[string]interface{}{
			"ttl": "1h",
		},
		"match": map[string]interface{}{
			"threshold": 95.0,
		},
		"broken-build": map[string]interface{}{
			"threshold": 3,
		},
		"project": map[string]interface{}{
			"src":          "src",
			"splits":       "build/GALE01/splits.json",
			"symbols":      "config/GALE01/symbols.txt",
			"report":       "build/GALE01/report.json",
			"build-config": "configure.py",
		},
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	header := []byte("# decomp coordinator configuration.\n# Environment variables with the DECOMP_ prefix override these values.\n")
	return os.WriteFile(path, append(header, b...), 0o644)
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Rewrite config.yaml even if it exists")
	rootCmd.AddCommand(initCmd)
}
