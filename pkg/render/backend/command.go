// Package backend runs external programs as render recipes.
//
// A backend is declared in the configuration document:
//
//	backends:
//	  anatomical:
//	    command: [python, -m, qcviz.anatomical]
//	    env: {MPLBACKEND: Agg}
//
// The program receives the render request as JSON on stdin, writes its
// outputs under the request's output directory and prints one output path
// per line on stdout. A non-zero exit status fails the job with the tail of
// stderr as the message.
package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/3leaps/niviz/pkg/render"
	"github.com/3leaps/niviz/pkg/spec"
)

const (
	// stderrTail bounds how much stderr is kept for the failure message.
	stderrTail = 2048

	// waitDelay is how long a cancelled command gets to release its pipes.
	waitDelay = 2 * time.Second
)

// Environment variables set for every backend process.
const (
	EnvJobID      = "NIVIZ_JOB_ID"
	EnvRecipe     = "NIVIZ_RECIPE"
	EnvOutputDir  = "NIVIZ_OUTPUT_DIR"
	EnvOutputStem = "NIVIZ_OUTPUT_STEM"
)

// Command is a Renderer backed by an external program.
type Command struct {
	Recipe string
	Args   []string
	Env    map[string]string
	Dir    string
}

// New returns a Command renderer for b.
func New(recipe string, b spec.Backend) (*Command, error) {
	if len(b.Command) == 0 || strings.TrimSpace(b.Command[0]) == "" {
		return nil, fmt.Errorf("backend %q: command is empty", recipe)
	}
	return &Command{Recipe: recipe, Args: append([]string(nil), b.Command...), Env: b.Env, Dir: b.Dir}, nil
}

// Register adds a Command renderer to reg for every backend, in recipe order.
func Register(reg *render.Registry, backends map[string]spec.Backend) error {
	ids := make([]string, 0, len(backends))
	for id := range backends {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		c, err := New(id, backends[id])
		if err != nil {
			return err
		}
		if err := reg.Register(id, c); err != nil {
			return err
		}
	}
	return nil
}

// Render runs the command for req.
func (c *Command) Render(ctx context.Context, req render.Request) ([]string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = c.environ(req)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.WaitDelay = waitDelay
	configureProcess(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%s: %w", c.Args[0], ctxErr)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%s exited with status %d: %s", c.Args[0], exitErr.ExitCode(), tail(stderr.String()))
		}
		return nil, fmt.Errorf("run %s: %w", c.Args[0], err)
	}

	return parseOutputs(stdout.Bytes()), nil
}

func (c *Command) environ(req render.Request) []string {
	env := os.Environ()
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+c.Env[k])
	}
	return append(env,
		EnvJobID+"="+req.JobID,
		EnvRecipe+"="+req.Recipe,
		EnvOutputDir+"="+req.OutputDir,
		EnvOutputStem+"="+req.OutputStem,
	)
}

// parseOutputs reads one path per non-blank stdout line.
func parseOutputs(out []byte) []string {
	var paths []string
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			paths = append(paths, line)
		}
	}
	return paths
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= stderrTail {
		return s
	}
	return "..." + s[len(s)-stderrTail:]
}
