package engine

// Task names recognized by the registry's dispatch table.
const (
	TaskImageToText = "image_to_text"
	TaskTextToDwc   = "text_to_dwc"
	TaskImageToDwc  = "image_to_dwc"
)

// Options carries the per-call keyword arguments a capability may read.
// Unrecognized keys are ignored by a given engine; this mirrors the
// original tool's permissive **kwargs capability contract while keeping Go
// call sites statically typed about the common fields.
type Options struct {
	Langs      []string
	Lang       string
	Fields     []string
	Model      string
	DryRun     bool
	PromptDir  string
	Instructions string
	Extra      map[string]interface{}
}

// ImageToTextEngine extracts text and per-token confidences from an image.
type ImageToTextEngine func(imagePath string, opts Options) (text string, tokenConfidences []float64, err error)

// TextToDwcEngine maps unstructured text onto Darwin Core terms, alongside
// a per-field confidence map.
type TextToDwcEngine func(text string, opts Options) (fields map[string]string, fieldConfidence map[string]float64, err error)

// ImageToDwcEngine maps an image directly onto Darwin Core terms.
type ImageToDwcEngine func(imagePath string, opts Options) (fields map[string]string, fieldConfidence map[string]float64, err error)

// FallbackResult is what a FallbackPolicy returns when it decides to
// override the step's outcome.
type FallbackResult struct {
	Text              string
	TokenConfidences  []float64
	FinalEngine       string
	FinalEngineVersion string
}

// FallbackPolicy may re-run another engine over the same image when the
// primary engine's output looks weak. It must be pure over its inputs and
// must never dispatch its own engine name (no self-recursion).
type FallbackPolicy func(reg *Registry, imagePath, text string, tokenConfidences []float64, runOpts Options) (FallbackResult, bool, error)
