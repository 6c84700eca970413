package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/vericase/deepresearch/internal/corpus"
	"github.com/vericase/deepresearch/internal/models"
	"github.com/vericase/deepresearch/internal/output"
)

var corpusJSON bool

var corpusCmd = &cobra.Command{
	Use:   "corpus",
	Short: "Manage the local evidence corpus",
}

var corpusImportCmd = &cobra.Command{
	Use:   "import <fixture.yaml>",
	Short: "Import cases or projects and their evidence from a YAML file",
	Long: `Import evidence items from a YAML fixture into the SQLite corpus.

Each scope in the file replaces what the corpus held for that case or
project. Use --dry-run to validate the file without writing.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return corpusImportRun(cmd.Context(), args[0])
	},
}

var corpusSummaryCmd = &cobra.Command{
	Use:   "summary <kind:id>",
	Short: "Show what the corpus holds for a case or project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return corpusSummaryRun(cmd.Context(), args[0])
	},
}

func init() {
	corpusSummaryCmd.Flags().BoolVar(&corpusJSON, "json", false, "Print JSON instead of formatted output")
	corpusCmd.AddCommand(corpusImportCmd)
	corpusCmd.AddCommand(corpusSummaryCmd)
	rootCmd.AddCommand(corpusCmd)
}

func corpusImportRun(ctx context.Context, path string) error {
	f, err := corpus.LoadFixtureFile(path)
	if err != nil {
		return err
	}

	table := ui.Table([]string{"Scope", "Name", "Items"})
	total := 0
	for _, sc := range f.Scopes {
		scope := models.Scope{Kind: sc.Kind, ID: sc.ID}
		table.Append([]string{scope.String(), sc.Name, strconv.Itoa(len(sc.Items))})
		total += len(sc.Items)
	}

	if dryRun {
		ui.DryRunMsg("Would import %d item(s) across %d scope(s) from %s", total, len(f.Scopes), path)
		return table.Render()
	}

	c, err := getCorpus()
	if err != nil {
		return err
	}
	n, err := f.Apply(ctx, c)
	if err != nil {
		return err
	}
	if err := table.Render(); err != nil {
		return err
	}
	ui.Success("Imported %d item(s) across %d scope(s)", n, len(f.Scopes))
	return nil
}

func corpusSummaryRun(ctx context.Context, raw string) error {
	scope, err := models.ParseScope(raw)
	if err != nil {
		return err
	}
	c, err := getCorpus()
	if err != nil {
		return err
	}
	summary, err := c.Summarize(ctx, scope)
	if err != nil {
		return err
	}
	if corpusJSON {
		return printJSON(summary)
	}

	title := scope.String()
	if summary.Name != "" {
		title = fmt.Sprintf("%s (%s)", scope, summary.Name)
	}
	fmt.Fprintln(ui.Out, output.Cyan(title))
	fmt.Fprintf(ui.Out, "  Items: %d\n", summary.TotalItems)
	if summary.Earliest != nil && summary.Latest != nil {
		fmt.Fprintf(ui.Out, "  Dates: %s to %s\n", summary.Earliest.Format("2006-01-02"), summary.Latest.Format("2006-01-02"))
	}
	fmt.Fprintln(ui.Out)

	table := ui.Table([]string{"Source Type", "Items"})
	for _, t := range models.SourceTypes {
		if n := summary.BySourceType[t]; n > 0 {
			table.Append([]string{string(t), strconv.Itoa(n)})
		}
	}
	if err := table.Render(); err != nil {
		return err
	}
	fmt.Fprintln(ui.Out)

	table = ui.Table([]string{"Focus Area", "Items"})
	for _, fa := range models.FocusAreas {
		if n := summary.ByFocusArea[fa]; n > 0 {
			table.Append([]string{string(fa), strconv.Itoa(n)})
		}
	}
	return table.Render()
}
