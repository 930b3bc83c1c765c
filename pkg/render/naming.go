package render

import (
	"path"
	"regexp"
	"strings"

	"github.com/3leaps/niviz/pkg/entity"
	"github.com/3leaps/niviz/pkg/resolve"
)

// NoKeyDir names the directory of jobs whose grouping key is empty.
const NoKeyDir = "_group"

var placeholderRe = regexp.MustCompile(`\{([^{}]*)\}`)

// Stem returns the slash-separated output stem of job relative to the
// output directory:
//
//	<package>/<label>-<value>/<label>-<value>_..._desc-<spec>
//
// e.g. "fmriprep/sub-01/sub-01_ses-A_desc-anat". The first non-empty key
// pair names the directory. When the job carries an output template, its
// {key} and {spec} placeholders are expanded instead.
func Stem(pkg string, vocab *entity.Vocabulary, job *resolve.Job) string {
	if job.Output != "" {
		return path.Join(pkg, expand(job.Output, job))
	}

	pairs := job.Key.NonEmpty()
	dir := NoKeyDir
	parts := make([]string, 0, len(pairs)+1)
	for i, p := range pairs {
		part := label(vocab, p.Key) + "-" + clean(p.Value)
		if i == 0 {
			dir = part
		}
		parts = append(parts, part)
	}
	parts = append(parts, "desc-"+clean(job.Spec))
	return path.Join(pkg, dir, strings.Join(parts, "_"))
}

func expand(tpl string, job *resolve.Job) string {
	values := job.Key.Map()
	out := placeholderRe.ReplaceAllStringFunc(tpl, func(m string) string {
		name := m[1 : len(m)-1]
		if name == "spec" {
			return clean(job.Spec)
		}
		return clean(values[name])
	})
	return path.Clean(out)
}

func label(vocab *entity.Vocabulary, key string) string {
	if vocab == nil {
		return key
	}
	return vocab.Label(key)
}

// clean keeps entity values usable as one path segment.
func clean(v string) string {
	return strings.NewReplacer("/", "-", `\`, "-", "..", "-").Replace(v)
}
