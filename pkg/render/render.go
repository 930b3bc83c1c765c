// Package render dispatches resolved jobs to recipe implementations.
//
// A recipe is any value implementing Renderer. Recipes are registered by id
// in a Registry built at startup, before a run starts.
// Dispatch isolates each job: a failing, hanging or panicking renderer
// yields a failure Artifact and never aborts the run.
package render

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-viper/mapstructure/v2"

	"github.com/3leaps/niviz/pkg/entity"
)

// Input is one role binding of a Request, with absolute paths.
type Input struct {
	Role  string   `json:"role"`
	Paths []string `json:"paths"`
}

// Request is what a Renderer receives for one job.
type Request struct {
	JobID  string        `json:"job_id"`
	Spec   string        `json:"spec"`
	Recipe string        `json:"recipe"`
	Key    []entity.Pair `json:"key"`

	// Inputs are the role bindings in the spec's role order.
	Inputs []Input `json:"inputs"`

	Params map[string]any `json:"params"`

	// OutputDir is the absolute directory every output must be written under.
	OutputDir string `json:"output_dir"`

	// OutputStem is the absolute path outputs are named after, without an
	// extension, e.g. ".../fmriprep/sub-01/sub-01_desc-anat". Renderers
	// write "<stem>.svg" or "<stem>.<suffix>.png" so reruns overwrite.
	OutputStem string `json:"output_stem"`
}

// Paths returns the paths bound to role, or nil.
func (r Request) Paths(role string) []string {
	for _, in := range r.Inputs {
		if in.Role == role {
			return in.Paths
		}
	}
	return nil
}

// Path returns the first path bound to role, or "".
func (r Request) Path(role string) string {
	if p := r.Paths(role); len(p) > 0 {
		return p[0]
	}
	return ""
}

// DecodeParams decodes the request params into out, a pointer to a struct
// tagged with `mapstructure`. Strings are weakly converted to numbers and
// durations so TOML, YAML and JSON documents behave alike.
func (r Request) DecodeParams(out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return fmt.Errorf("params decoder: %w", err)
	}
	if err := dec.Decode(r.Params); err != nil {
		return fmt.Errorf("invalid params for %s: %w", r.Recipe, err)
	}
	return nil
}

// Renderer produces output files for one job.
//
// Render returns the paths it wrote, absolute or relative to the request's
// OutputDir. It must return promptly once ctx is done: the dispatcher stops
// waiting at the deadline but cannot stop the call, which keeps its CPU
// outside the worker bound until it returns. Outputs reported by a call
// that returns after its deadline are deleted.
type Renderer interface {
	Render(ctx context.Context, req Request) ([]string, error)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(ctx context.Context, req Request) ([]string, error)

func (f RendererFunc) Render(ctx context.Context, req Request) ([]string, error) {
	return f(ctx, req)
}

// ErrUnknownRecipe is wrapped by UnknownRecipeError.
var ErrUnknownRecipe = errors.New("unknown recipe")

// UnknownRecipeError reports recipe ids with no registered renderer.
type UnknownRecipeError struct {
	Recipes []string
}

func (e *UnknownRecipeError) Error() string {
	if len(e.Recipes) == 1 {
		return fmt.Sprintf("%s: %q", ErrUnknownRecipe, e.Recipes[0])
	}
	quoted := make([]string, len(e.Recipes))
	for i, r := range e.Recipes {
		quoted[i] = fmt.Sprintf("%q", r)
	}
	sort.Strings(quoted)
	return fmt.Sprintf("%s: %s", ErrUnknownRecipe, strings.Join(quoted, ", "))
}

func (e *UnknownRecipeError) Unwrap() error {
	return ErrUnknownRecipe
}
