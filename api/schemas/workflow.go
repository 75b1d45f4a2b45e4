package schemas

import (
	"encoding/json"
	"fmt"
)

// -- Workflow Document Model --
// A workflow is a caller-supplied, ordered list of declarative steps. Any
// string-valued field may contain {{name}} placeholder tokens that are
// resolved against task parameters before execution begins.

// StepKind discriminates the closed set of step variants.
type StepKind string

const (
	StepNavigate         StepKind = "navigate"
	StepWait             StepKind = "wait"
	StepWaitSelector     StepKind = "wait_selector"
	StepClick            StepKind = "click"
	StepScreenshot       StepKind = "screenshot"
	StepScrollRegion     StepKind = "scroll_region"
	StepWaitNetworkIdle  StepKind = "wait_network_idle"
	StepExtract          StepKind = "extract"
	StepCompositeExtract StepKind = "composite_extract"
)

// CompositeSource names one selector expression feeding a composite template.
type CompositeSource struct {
	Name     string `json:"name"`
	Selector string `json:"selector"`
}

// Step is one instruction in a workflow. The Kind field selects the variant;
// only the fields belonging to that kind are consulted, and Validate rejects
// documents that leave a required field empty.
type Step struct {
	Kind StepKind `json:"kind"`

	// navigate
	URL string `json:"url,omitempty"`

	// wait
	DurationMs int `json:"duration_ms,omitempty"`

	// wait_selector, click, screenshot, extract; optional for scroll_region
	Selector string `json:"selector,omitempty"`

	// extract, composite_extract
	Name string `json:"name,omitempty"`

	// screenshot
	SaveAs   string `json:"save_as,omitempty"`
	Stitched bool   `json:"stitched,omitempty"`

	// composite_extract
	Template string            `json:"template,omitempty"`
	Sources  []CompositeSource `json:"sources,omitempty"`
}

// Validate checks that the step carries the fields its kind requires.
// Unknown kinds are rejected so a malformed document fails at load time
// rather than mid-run.
func (s Step) Validate() error {
	switch s.Kind {
	case StepNavigate:
		if s.URL == "" {
			return fmt.Errorf("navigate step requires a url")
		}
	case StepWait:
		if s.DurationMs < 0 {
			return fmt.Errorf("wait step duration must not be negative, got %d", s.DurationMs)
		}
	case StepWaitSelector, StepClick:
		if s.Selector == "" {
			return fmt.Errorf("%s step requires a selector", s.Kind)
		}
	case StepScreenshot:
		if s.Selector == "" {
			return fmt.Errorf("screenshot step requires a selector")
		}
		if s.SaveAs == "" {
			return fmt.Errorf("screenshot step requires a save_as name")
		}
	case StepScrollRegion, StepWaitNetworkIdle:
		// No required fields; scroll_region's selector is optional (whole page).
	case StepExtract:
		if s.Selector == "" {
			return fmt.Errorf("extract step requires a selector")
		}
		if s.Name == "" {
			return fmt.Errorf("extract step requires a name")
		}
	case StepCompositeExtract:
		if s.Name == "" {
			return fmt.Errorf("composite_extract step requires a name")
		}
		if s.Template == "" {
			return fmt.Errorf("composite_extract step requires a template")
		}
		if len(s.Sources) == 0 {
			return fmt.Errorf("composite_extract step requires at least one source")
		}
		for i, src := range s.Sources {
			if src.Name == "" || src.Selector == "" {
				return fmt.Errorf("composite_extract source %d requires both name and selector", i)
			}
		}
	default:
		return fmt.Errorf("unknown step kind %q", s.Kind)
	}
	return nil
}

// Workflow is an immutable step template. Execution always operates on a
// parameter-resolved copy, never on the template itself.
type Workflow struct {
	Name  string `json:"name"`
	Steps []Step `json:"steps"`
}

// Validate checks every step and requires at least one.
func (w Workflow) Validate() error {
	if len(w.Steps) == 0 {
		return fmt.Errorf("workflow %q has no steps", w.Name)
	}
	for i, step := range w.Steps {
		if err := step.Validate(); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
	}
	return nil
}

// ParseWorkflow decodes and validates a JSON workflow document.
func ParseWorkflow(data []byte) (Workflow, error) {
	var wf Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return Workflow{}, fmt.Errorf("failed to decode workflow document: %w", err)
	}
	if err := wf.Validate(); err != nil {
		return Workflow{}, fmt.Errorf("invalid workflow document: %w", err)
	}
	return wf, nil
}
