package interpreter

import (
	"regexp"
	"strings"

	"github.com/blackvectorops/flowcap/api/schemas"
)

var placeholderPattern = regexp.MustCompile(`\{\{(\w+)\}\}`)

// ResolveWorkflow returns a copy of the workflow with every known
// {{placeholder}} replaced by its parameter value, in every string field
// of every step. Unknown placeholders stay byte-for-byte intact, so
// literal brace syntax aimed at the target page flows through untouched.
func ResolveWorkflow(workflow schemas.Workflow, params map[string]string) schemas.Workflow {
	out := workflow
	out.Steps = make([]schemas.Step, len(workflow.Steps))
	for i, step := range workflow.Steps {
		out.Steps[i] = resolveStep(step, params)
	}
	return out
}

func resolveStep(step schemas.Step, params map[string]string) schemas.Step {
	step.URL = substitute(step.URL, params)
	step.Selector = substitute(step.Selector, params)
	step.Name = substitute(step.Name, params)
	step.SaveAs = substitute(step.SaveAs, params)
	step.Template = substitute(step.Template, params)

	if len(step.Sources) > 0 {
		sources := make([]schemas.CompositeSource, len(step.Sources))
		for i, source := range step.Sources {
			sources[i] = schemas.CompositeSource{
				Name:     substitute(source.Name, params),
				Selector: substitute(source.Selector, params),
			}
		}
		step.Sources = sources
	}
	return step
}

func substitute(s string, params map[string]string) string {
	if s == "" || !strings.Contains(s, "{{") {
		return s
	}
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		if value, ok := params[name]; ok {
			return value
		}
		return match
	})
}
