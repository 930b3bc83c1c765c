// Package provenance implements the "provenance" recipe: an SVG graph of
// the files a job was bound to, grouped by role.
//
// It needs no imaging backend, so it doubles as a smoke test for a spec's
// grouping before real recipes are wired.
package provenance

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-graphviz"

	"github.com/3leaps/niviz/pkg/render"
)

// Recipe is the id the renderer registers under.
const Recipe = "provenance"

// Params are the recipe parameters.
type Params struct {
	// RankDir is the Graphviz rank direction: LR (default), TB, RL or BT.
	RankDir string `mapstructure:"rankdir"`

	// KeepDOT also writes the DOT source next to the SVG.
	KeepDOT bool `mapstructure:"keep_dot"`
}

// Renderer draws provenance graphs.
type Renderer struct{}

// Register adds the provenance recipe to reg.
func Register(reg *render.Registry) error {
	return reg.Register(Recipe, Renderer{})
}

// Render writes "<stem>.svg" and, when requested, "<stem>.dot".
func (Renderer) Render(ctx context.Context, req render.Request) ([]string, error) {
	p := Params{RankDir: "LR"}
	if err := req.DecodeParams(&p); err != nil {
		return nil, err
	}
	switch strings.ToUpper(p.RankDir) {
	case "LR", "TB", "RL", "BT":
		p.RankDir = strings.ToUpper(p.RankDir)
	default:
		return nil, fmt.Errorf("invalid rankdir %q", p.RankDir)
	}

	dot := ToDOT(req, p.RankDir)
	svg, err := RenderSVG(ctx, dot)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(req.OutputStem), 0755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	outputs := []string{req.OutputStem + ".svg"}
	if err := os.WriteFile(outputs[0], svg, 0644); err != nil {
		return nil, fmt.Errorf("write svg: %w", err)
	}
	if p.KeepDOT {
		out := req.OutputStem + ".dot"
		if err := os.WriteFile(out, []byte(dot), 0644); err != nil {
			return nil, fmt.Errorf("write dot: %w", err)
		}
		outputs = append(outputs, out)
	}
	return outputs, nil
}

// ToDOT converts a request to Graphviz DOT: the job node points at one node
// per role, and each role at the files bound to it.
func ToDOT(req render.Request, rankdir string) string {
	var buf bytes.Buffer
	buf.WriteString("digraph provenance {\n")
	fmt.Fprintf(&buf, "  rankdir=%s;\n", rankdir)
	buf.WriteString("  bgcolor=\"transparent\";\n")
	buf.WriteString("  node [shape=box, style=\"rounded,filled\", fillcolor=white, fontsize=12];\n")
	buf.WriteString("\n")

	job := "job:" + req.JobID
	fmt.Fprintf(&buf, "  %q [label=%q, fillcolor=lightblue];\n", job, jobLabel(req))
	for _, in := range req.Inputs {
		role := "role:" + in.Role
		fmt.Fprintf(&buf, "  %q [label=%q, shape=ellipse, fillcolor=lightgrey];\n", role, in.Role)
		fmt.Fprintf(&buf, "  %q -> %q;\n", job, role)
		for _, p := range in.Paths {
			file := "file:" + p
			fmt.Fprintf(&buf, "  %q [label=%q, tooltip=%q];\n", file, filepath.Base(p), p)
			fmt.Fprintf(&buf, "  %q -> %q;\n", role, file)
		}
	}

	buf.WriteString("}\n")
	return buf.String()
}

func jobLabel(req render.Request) string {
	parts := []string{req.Spec}
	for _, p := range req.Key {
		parts = append(parts, p.Key+"="+p.Value)
	}
	return strings.Join(parts, "\n")
}

// RenderSVG renders DOT source to SVG.
func RenderSVG(ctx context.Context, dot string) ([]byte, error) {
	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("init graphviz: %w", err)
	}
	defer gv.Close()

	g, err := graphviz.ParseBytes([]byte(dot))
	if err != nil {
		return nil, fmt.Errorf("parse DOT: %w", err)
	}
	defer g.Close()

	var buf bytes.Buffer
	if err := gv.Render(ctx, g, graphviz.SVG, &buf); err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}
	return buf.Bytes(), nil
}
