package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/niviz/internal/observability"
	"github.com/3leaps/niviz/pkg/render"
	"github.com/3leaps/niviz/pkg/spec"
)

var singleCmd = &cobra.Command{
	Use:   "single <recipe> <out_stem>",
	Short: "Render one visualization from explicit inputs",
	Long: `Render one recipe from explicitly bound files, without indexing or a
manifest. Useful for checking a backend or reproducing one failed job.

Outputs are named after out_stem (without an extension) and printed one per
line on stdout. --spec-file makes the file's backends available.

Examples:
  niviz single provenance ./qc/sub-01_prov --input anat=sub-01_T1w.nii.gz --set rankdir=TB
  niviz single overlay ./qc/sub-01_mask --spec-file qc.yaml \
      --input anat=sub-01_T1w.nii.gz --input mask=sub-01_mask.nii.gz`,
	Args: cobra.ExactArgs(2),
	RunE: runSingle,
}

var (
	singleInputs   []string
	singleParams   []string
	singleSpecFile string
)

func init() {
	rootCmd.AddCommand(singleCmd)

	f := singleCmd.Flags()
	f.StringArrayVar(&singleInputs, "input", nil, "Role binding role=path (repeatable; repeat a role to bind several files)")
	f.StringArrayVar(&singleParams, "set", nil, "Recipe parameter key=value (repeatable; values are parsed as YAML scalars)")
	f.StringVar(&singleSpecFile, "spec-file", "", "Spec file whose backends to register")
	f.DurationVar(&svgTimeout, "timeout", 0, "Render timeout, 0 disables (default: job_timeout config)")
}

// parseInputs groups role=path flags in first-seen role order.
func parseInputs(raw []string) ([]render.Input, error) {
	var out []render.Input
	pos := map[string]int{}
	for _, kv := range raw {
		role, p, ok := strings.Cut(kv, "=")
		role = strings.TrimSpace(role)
		if !ok || role == "" || strings.TrimSpace(p) == "" {
			return nil, fmt.Errorf("invalid --input %q (expected role=path)", kv)
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		if i, seen := pos[role]; seen {
			out[i].Paths = append(out[i].Paths, abs)
			continue
		}
		pos[role] = len(out)
		out = append(out, render.Input{Role: role, Paths: []string{abs}})
	}
	return out, nil
}

// parseParams parses key=value flags. Values go through YAML so numbers and
// booleans keep their type.
func parseParams(raw []string) (map[string]any, error) {
	out := make(map[string]any, len(raw))
	for _, kv := range raw {
		key, val, ok := strings.Cut(kv, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --set %q (expected key=value)", kv)
		}
		var v any
		if err := yaml.Unmarshal([]byte(val), &v); err != nil || v == nil {
			v = val
		}
		out[key] = v
	}
	return out, nil
}

func runSingle(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	recipe, stem := args[0], args[1]

	settings, err := effectiveSettings(cmd)
	if err != nil {
		return exitError(exitInvalidArgument, "Invalid run settings", err)
	}
	inputs, err := parseInputs(singleInputs)
	if err != nil {
		return exitError(exitInvalidArgument, "Invalid inputs", err)
	}
	params, err := parseParams(singleParams)
	if err != nil {
		return exitError(exitInvalidArgument, "Invalid parameters", err)
	}

	doc := &spec.Document{}
	if singleSpecFile != "" {
		if doc, err = loadDocument(singleSpecFile); err != nil {
			return err
		}
	}
	reg, err := buildRegistry(doc)
	if err != nil {
		return exitError(exitInvalidArgument, "Invalid backends", err)
	}
	r, err := reg.Lookup(recipe)
	if err != nil {
		return exitError(exitInvalidArgument, "Unknown recipe", err)
	}

	absStem, err := filepath.Abs(stem)
	if err != nil {
		return exitError(exitInvalidArgument, "Invalid output stem", err)
	}
	outDir := filepath.Dir(absStem)
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return exitError(exitFileWriteError, "Cannot create output directory", err)
	}

	req := render.Request{
		JobID:      "single:" + recipe,
		Spec:       "single",
		Recipe:     recipe,
		Inputs:     inputs,
		Params:     params,
		OutputDir:  outDir,
		OutputStem: absStem,
	}

	renderCtx := ctx
	if t := settings.JobTimeout; t > 0 {
		var cancel context.CancelFunc
		renderCtx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	outputs, err := r.Render(renderCtx, req)
	if err != nil {
		return exitError(exitServiceUnavailable, "Render failed", err)
	}
	observability.CLILogger.Debug("Rendered", zap.String("recipe", recipe), zap.Int("outputs", len(outputs)))
	for _, o := range outputs {
		_, _ = fmt.Fprintln(os.Stdout, o)
	}
	return nil
}
