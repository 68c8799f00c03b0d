package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/itsgrimetime/melee-decomp-sub001/internal/config"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/project"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/scratchapi"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/storage"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/types"
	"github.com/itsgrimetime/melee-decomp-sub001/internal/ui"
)

var (
	scratchFunction   string
	scratchSourceFile string
	scratchCtxFile    string
	scratchShowSource bool
	scratchLimit      int
)

var scratchCmd = &cobra.Command{
	Use:   "scratch",
	Short: "Work with remote compile scratches",
}

var scratchCreateCmd = &cobra.Command{
	Use:   "create <function>",
	Short: "Create a fresh scratch for a function",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		name := args[0]
		root := mustWorktree()

		splits, err := project.LoadSplits(filepath.Join(root, config.GetString("project.splits")))
		if err != nil {
			fail(err)
		}
		unit, ok := splits.FileFor(name)
		if !ok {
			fail(fmt.Errorf("function %s not found in the splits map", name))
		}
		ctxSrc, err := buildContext(root, unit, name)
		if err != nil {
			fail(err)
		}

		client, err := newScratchClient(cmd.Context())
		if err != nil {
			fail(err)
		}
		sc, err := client.Create(cmd.Context(), &scratchapi.CreateRequest{
			Name:      name,
			DiffLabel: name,
			TargetAsm: readTargetAsm(root, unit, name),
			Context:   ctxSrc,
		})
		if err != nil {
			fail(err)
		}

		s := ensureStore()
		if err := s.UpsertScratch(cmd.Context(), &types.Scratch{
			Slug:         sc.Slug,
			Instance:     types.InstanceLocal,
			FunctionName: name,
			ClaimToken:   sc.ClaimToken,
		}, actor); err != nil {
			fail(err)
		}
		if _, err := s.UpsertFunction(cmd.Context(), name, map[string]interface{}{
			"local_scratch_slug": sc.Slug,
			"source_file":        unit,
		}, actor); err != nil {
			fail(err)
		}

		if jsonOutput {
			outputJSON(map[string]string{"slug": sc.Slug, "url": client.ScratchURL(sc.Slug)})
			return
		}
		fmt.Printf("%s Created scratch %s\n", ui.RenderPass("✓"), client.ScratchURL(sc.Slug))
	},
}

var scratchCompileCmd = &cobra.Command{
	Use:   "compile <slug>",
	Short: "Compile a scratch and record the match score",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		slug := args[0]

		source := ""
		if scratchSourceFile != "" {
			b, err := os.ReadFile(scratchSourceFile)
			if err != nil {
				fail(err)
			}
			source = string(b)
		}

		name := scratchFunction
		if name == "" {
			var err error
			name, err = functionForSlug(cmd, slug)
			if err != nil {
				fail(err)
			}
		}

		driver, err := newDriver(cmd.Context())
		if err != nil {
			fail(err)
		}
		res, err := driver.Compile(cmd.Context(), name, slug, source)
		if err != nil {
			fail(err)
		}

		if jsonOutput {
			outputJSON(res)
			return
		}
		if res.Score < 0 {
			fmt.Printf("%s Compilation failed\n", ui.RenderFail("✗"))
			if res.CompilerOutput != "" {
				fmt.Println(res.CompilerOutput)
			}
			if store != nil {
				store.Close()
			}
			os.Exit(2)
		}
		glyph := ui.RenderWarn("~")
		if res.MatchPercent >= config.GetFloat("match.threshold") {
			glyph = ui.RenderPass("✓")
		}
		fmt.Printf("%s %s: %.2f%% (score %d/%d)\n", glyph, name, res.MatchPercent, res.Score, res.MaxScore)
	},
}

var scratchUpdateCmd = &cobra.Command{
	Use:   "update <slug>",
	Short: "Push new source or context to a scratch",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		slug := args[0]
		if scratchSourceFile == "" && scratchCtxFile == "" {
			fail(errors.New("nothing to update: pass --source-file and/or --context-file"))
		}

		source, ctxSrc := "", ""
		if scratchSourceFile != "" {
			b, err := os.ReadFile(scratchSourceFile)
			if err != nil {
				fail(err)
			}
			source = string(b)
		}
		if scratchCtxFile != "" {
			b, err := os.ReadFile(scratchCtxFile)
			if err != nil {
				fail(err)
			}
			ctxSrc = string(b)
		}

		client, err := newScratchClient(cmd.Context())
		if err != nil {
			fail(err)
		}
		if err := client.UpdateSource(cmd.Context(), slug, source, ctxSrc); err != nil {
			fail(err)
		}

		if jsonOutput {
			outputJSON(map[string]bool{"updated": true})
			return
		}
		fmt.Printf("%s Updated %s\n", ui.RenderPass("✓"), slug)
	},
}

var scratchGetCmd = &cobra.Command{
	Use:   "get <slug>",
	Short: "Fetch a scratch's current state",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client, err := newScratchClient(cmd.Context())
		if err != nil {
			fail(err)
		}
		sc, err := client.Get(cmd.Context(), args[0])
		if err != nil {
			fail(err)
		}

		if jsonOutput {
			outputJSON(sc)
			return
		}
		pct := types.MatchPercent(sc.Score, sc.MaxScore)
		fmt.Printf("%s  %s  %.2f%% (score %d/%d)\n",
			ui.RenderAccent(sc.Slug), sc.Name, pct, sc.Score, sc.MaxScore)
		fmt.Printf("  url: %s\n", client.ScratchURL(sc.Slug))
		if scratchShowSource {
			fmt.Println(sc.SourceCode)
		}
	},
}

var scratchSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the scratch service by function name",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		client, err := newScratchClient(cmd.Context())
		if err != nil {
			fail(err)
		}
		results, err := client.Search(cmd.Context(), args[0], scratchLimit)
		if err != nil {
			fail(err)
		}

		if jsonOutput {
			outputJSON(results)
			return
		}
		if len(results) == 0 {
			fmt.Println("No scratches found")
			return
		}
		t := ui.NewStatusTable(ui.GetWidth(), "Slug", "Name", "Match", "Owner")
		for _, sc := range results {
			owner := ""
			if sc.Owner != nil && !sc.Owner.IsAnon {
				owner = sc.Owner.Username
			}
			t.Row(sc.Slug, sc.Name,
				fmt.Sprintf("%.1f%%", types.MatchPercent(sc.Score, sc.MaxScore)), owner)
		}
		fmt.Println(t.String())
	},
}

var scratchSearchContextCmd = &cobra.Command{
	Use:   "search-context <symbol>",
	Short: "Find scratches whose context mentions a symbol",
	Long: `Searches the service and fetches each hit's full context, keeping
scratches that reference the symbol. Useful for finding an existing scratch
that already carries the struct definitions a function needs.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		symbol := args[0]
		client, err := newScratchClient(cmd.Context())
		if err != nil {
			fail(err)
		}
		results, err := client.Search(cmd.Context(), symbol, scratchLimit)
		if err != nil {
			fail(err)
		}

		type hit struct {
			Slug string `json:"slug"`
			Name string `json:"name"`
			URL  string `json:"url"`
		}
		var hits []hit
		for _, r := range results {
			full, err := client.Get(cmd.Context(), r.Slug)
			if err != nil {
				continue
			}
			if strings.Contains(full.Context, symbol) || strings.Contains(full.SourceCode, symbol) {
				hits = append(hits, hit{Slug: full.Slug, Name: full.Name, URL: client.ScratchURL(full.Slug)})
			}
		}

		if jsonOutput {
			outputJSON(hits)
			return
		}
		if len(hits) == 0 {
			fmt.Printf("No scratches mention %s\n", symbol)
			return
		}
		for _, h := range hits {
			fmt.Printf("%s  %s  %s\n", ui.RenderAccent(h.Slug), h.Name, h.URL)
		}
	},
}

// functionForSlug finds which function a scratch belongs to via the store.
func functionForSlug(cmd *cobra.Command, slug string) (string, error) {
	sc, err := ensureStore().GetScratch(cmd.Context(), slug)
	if errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("%w: scratch %s is not registered (pass --function)",
			storage.ErrNotFound, slug)
	}
	if err != nil {
		return "", err
	}
	return sc.FunctionName, nil
}

func init() {
	scratchCompileCmd.Flags().StringVar(&scratchFunction, "function", "", "Function the scratch belongs to")
	scratchCompileCmd.Flags().StringVar(&scratchSourceFile, "source-file", "", "Push this file as the scratch source before compiling")
	scratchUpdateCmd.Flags().StringVar(&scratchSourceFile, "source-file", "", "New source code file")
	scratchUpdateCmd.Flags().StringVar(&scratchCtxFile, "context-file", "", "New context file")
	scratchGetCmd.Flags().BoolVar(&scratchShowSource, "show-source", false, "Print the scratch source")
	scratchSearchCmd.Flags().IntVar(&scratchLimit, "limit", 20, "Maximum results")
	scratchSearchContextCmd.Flags().IntVar(&scratchLimit, "limit", 20, "Maximum results")

	scratchCmd.AddCommand(scratchCreateCmd)
	scratchCmd.AddCommand(scratchCompileCmd)
	scratchCmd.AddCommand(scratchUpdateCmd)
	scratchCmd.AddCommand(scratchGetCmd)
	scratchCmd.AddCommand(scratchSearchCmd)
	scratchCmd.AddCommand(scratchSearchContextCmd)
	rootCmd.AddCommand(scratchCmd)
}
