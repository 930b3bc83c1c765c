package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate <spec_file>",
	Short: "Validate a spec file without indexing",
	Long: `Load a spec file, check it against the schema and the semantic rules
(unique names, known entity keys, compilable patterns, valid output
templates) and check that every recipe it names is registered.

Every problem found is reported, not only the first.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	doc, err := loadDocument(args[0])
	if err != nil {
		return err
	}
	reg, err := buildRegistry(doc)
	if err != nil {
		return exitError(exitInvalidArgument, "Invalid backends", err)
	}
	if err := reg.Validate(doc.Recipes()); err != nil {
		return exitError(exitInvalidArgument, "Unknown recipe", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "ok package=%s specs=%d patterns=%d recipes=%s\n",
		doc.Package, len(doc.Specs), doc.Rules.Len(), strings.Join(doc.Recipes(), ","))
	return nil
}
