package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/itsgrimetime/melee-decomp-sub001/internal/commitapply"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/config"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/cparse"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/project"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/ui"
)

var stubFile string

var stubCmd = &cobra.Command{
	Use:   "stub",
	Short: "Manage /// #Name stub markers in source files",
}

var stubAddCmd = &cobra.Command{
	Use:   "add <function>",
	Short: "Insert a stub marker in address order",
	Args:  cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		name := args[0]
		root := mustWorktree()
		unit, path := resolveStubFile(root, name)

		b, err := os.ReadFile(path)
		if err != nil {
			fail(err)
		}
		src := string(b)

		if commitapply.HasStub(src, name) {
			fmt.Printf("%s %s already stubbed in %s\n", ui.RenderWarn("!"), name, unit)
			return
		}
		if _, ok := cparse.FindFunction(src, name); ok {
			fail(fmt.Errorf("%s already has a definition in %s", name, unit))
		}

		out := commitapply.InsertDefinition(src, name, commitapply.StubMarker(name), addressOrder(root, unit))
		if err := os.WriteFile(path, []byte(out), 0o644); err != nil {
			fail(err)
		}

		if jsonOutput {
			outputJSON(map[string]string{"function": name, "file": unit})
			return
		}
		fmt.Printf("%s Stubbed %s in %s\n", ui.RenderPass("✓"), name, unit)
	},
}

var stubListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stub markers in a source file",
	Run: func(_ *cobra.Command, _ []string) {
		if stubFile == "" {
			fail(fmt.Errorf("--file is required"))
		}
		root := mustWorktree()
		b, err := os.ReadFile(filepath.Join(root, config.GetString("project.src"), stubFile))
		if err != nil {
			fail(err)
		}
		stubs := commitapply.ListStubs(string(b))

		if jsonOutput {
			outputJSON(stubs)
			return
		}
		if len(stubs) == 0 {
			fmt.Printf("No stubs in %s\n", stubFile)
			return
		}
		for _, s := range stubs {
			fmt.Println(s)
		}
	},
}

var stubCheckCmd = &cobra.Command{
	Use:   "check <function>",
	Short: "Report whether a function is stubbed, defined, or absent",
	Args:  cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		name := args[0]
		root := mustWorktree()
		unit, path := resolveStubFile(root, name)

		b, err := os.ReadFile(path)
		if err != nil {
			fail(err)
		}
		src := string(b)

		state := "absent"
		if commitapply.HasStub(src, name) {
			state = "stubbed"
		} else if _, ok := cparse.FindFunction(src, name); ok {
			state = "defined"
		}

		if jsonOutput {
			outputJSON(map[string]string{"function": name, "file": unit, "state": state})
			return
		}
		fmt.Printf("%s: %s (%s)\n", name, state, unit)
	},
}

// resolveStubFile finds the unit for a function: --file wins, then the
// splits map.
func resolveStubFile(root, name string) (unit, path string) {
	unit = stubFile
	if unit == "" {
		splits, err := project.LoadSplits(filepath.Join(root, config.GetString("project.splits")))
		if err != nil {
			fail(err)
		}
		var ok bool
		unit, ok = splits.FileFor(name)
		if !ok {
			fail(fmt.Errorf("function %s not found in the splits map (pass --file)", name))
		}
	}
	return unit, filepath.Join(root, config.GetString("project.src"), unit)
}

// addressOrder returns the unit's functions sorted by binary address, for
// placing insertions.
func addressOrder(root, unit string) []string {
	splits, err := project.LoadSplits(filepath.Join(root, config.GetString("project.splits")))
	if err != nil {
		return nil
	}
	names := append([]string(nil), splits.FunctionsIn(unit)...)
	syms, err := project.LoadSymbols(filepath.Join(root, config.GetString("project.symbols")))
	if err == nil {
		syms.SortByAddress(names)
	}
	return names
}

func init() {
	stubCmd.PersistentFlags().StringVar(&stubFile, "file", "", "Unit path relative to src/ (default: from splits)")

	stubCmd.AddCommand(stubAddCmd)
	stubCmd.AddCommand(stubListCmd)
	stubCmd.AddCommand(stubCheckCmd)
	rootCmd.AddCommand(stubCmd)
}
