package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/devvyn/herbarium-specimen-tools/internal/herblog"
)

var log = herblog.For("engine")

type capability struct {
	imageToText ImageToTextEngine
	textToDwc   TextToDwcEngine
	imageToDwc  ImageToDwcEngine
}

// Registry is the process-wide mapping of (task, engine name) -> capability,
// plus per-engine fallback policies. Callers construct exactly one Registry
// per run (see orchestrator.Services, built by pkg/run) and pass it explicitly to every component
// that needs to dispatch — there is no package-level singleton.
type Registry struct {
	mu         sync.RWMutex
	byTask     map[string]map[string]capability
	fallbacks  map[string]FallbackPolicy
}

// New returns an empty Registry. Built-in engines register themselves by
// calling RegisterImageToText/RegisterTextToDwc/RegisterImageToDwc against
// the instance returned here; there is no blank-import side-effect magic,
// so tests can build disjoint registries in parallel.
func New() *Registry {
	return &Registry{
		byTask:    make(map[string]map[string]capability),
		fallbacks: make(map[string]FallbackPolicy),
	}
}

func (r *Registry) ensureTask(task string) map[string]capability {
	m, ok := r.byTask[task]
	if !ok {
		m = make(map[string]capability)
		r.byTask[task] = m
	}
	return m
}

// RegisterImageToText registers an image_to_text capability under name.
// Registration is idempotent; a later call for the same (task, name) wins.
func (r *Registry) RegisterImageToText(name string, fn ImageToTextEngine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.ensureTask(TaskImageToText)
	c := m[name]
	c.imageToText = fn
	m[name] = c
	log.WithField("engine", name).Debug("registered image_to_text engine")
}

// RegisterTextToDwc registers a text_to_dwc capability under name.
func (r *Registry) RegisterTextToDwc(name string, fn TextToDwcEngine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.ensureTask(TaskTextToDwc)
	c := m[name]
	c.textToDwc = fn
	m[name] = c
	log.WithField("engine", name).Debug("registered text_to_dwc engine")
}

// RegisterImageToDwc registers an image_to_dwc capability under name.
func (r *Registry) RegisterImageToDwc(name string, fn ImageToDwcEngine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.ensureTask(TaskImageToDwc)
	c := m[name]
	c.imageToDwc = fn
	m[name] = c
	log.WithField("engine", name).Debug("registered image_to_dwc engine")
}

// RegisterFallback registers the fallback policy invoked after an engine
// named engineName runs a step, keyed by that engine's own name.
func (r *Registry) RegisterFallback(engineName string, policy FallbackPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks[engineName] = policy
}

// GetFallback returns the fallback policy registered for engineName, if any.
func (r *Registry) GetFallback(engineName string) (FallbackPolicy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.fallbacks[engineName]
	return p, ok
}

// Available returns the sorted list of engine names registered for task.
func (r *Registry) Available(task string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := r.byTask[task]
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DispatchImageToText looks up engine under TaskImageToText and invokes it.
func (r *Registry) DispatchImageToText(engineName, imagePath string, opts Options) (string, []float64, error) {
	fn, err := r.lookupImageToText(engineName)
	if err != nil {
		return "", nil, err
	}
	return fn(imagePath, opts)
}

// DispatchTextToDwc looks up engine under TaskTextToDwc and invokes it.
func (r *Registry) DispatchTextToDwc(engineName, text string, opts Options) (map[string]string, map[string]float64, error) {
	fn, err := r.lookupTextToDwc(engineName)
	if err != nil {
		return nil, nil, err
	}
	return fn(text, opts)
}

// DispatchImageToDwc looks up engine under TaskImageToDwc and invokes it.
func (r *Registry) DispatchImageToDwc(engineName, imagePath string, opts Options) (map[string]string, map[string]float64, error) {
	fn, err := r.lookupImageToDwc(engineName)
	if err != nil {
		return nil, nil, err
	}
	return fn(imagePath, opts)
}

func (r *Registry) lookupImageToText(name string) (ImageToTextEngine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byTask[TaskImageToText]
	if !ok {
		return nil, &Error{Code: CodeUnknownTask, Message: fmt.Sprintf("no engines registered for task %q", TaskImageToText)}
	}
	c, ok := m[name]
	if !ok || c.imageToText == nil {
		return nil, &Error{Code: CodeUnknownEngine, Message: fmt.Sprintf("engine %q not registered for task %q. Available: %v", name, TaskImageToText, sortedNames(m))}
	}
	return c.imageToText, nil
}

func (r *Registry) lookupTextToDwc(name string) (TextToDwcEngine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byTask[TaskTextToDwc]
	if !ok {
		return nil, &Error{Code: CodeUnknownTask, Message: fmt.Sprintf("no engines registered for task %q", TaskTextToDwc)}
	}
	c, ok := m[name]
	if !ok || c.textToDwc == nil {
		return nil, &Error{Code: CodeUnknownEngine, Message: fmt.Sprintf("engine %q not registered for task %q. Available: %v", name, TaskTextToDwc, sortedNames(m))}
	}
	return c.textToDwc, nil
}

func (r *Registry) lookupImageToDwc(name string) (ImageToDwcEngine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byTask[TaskImageToDwc]
	if !ok {
		return nil, &Error{Code: CodeUnknownTask, Message: fmt.Sprintf("no engines registered for task %q", TaskImageToDwc)}
	}
	c, ok := m[name]
	if !ok || c.imageToDwc == nil {
		return nil, &Error{Code: CodeUnknownEngine, Message: fmt.Sprintf("engine %q not registered for task %q. Available: %v", name, TaskImageToDwc, sortedNames(m))}
	}
	return c.imageToDwc, nil
}

func sortedNames(m map[string]capability) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SelectEngine implements the selection rule from the engine-registry
// design: prefer preferredEngine if configured and present (and passes
// gate), else the first available engine (alphabetical) that passes gate.
// gate is invoked with each candidate name and must return true to accept.
func (r *Registry) SelectEngine(task, preferredEngine string, gate func(name string) bool) (string, bool) {
	available := r.Available(task)
	if preferredEngine != "" {
		for _, name := range available {
			if name == preferredEngine && (gate == nil || gate(name)) {
				return name, true
			}
		}
	}
	for _, name := range available {
		if gate == nil || gate(name) {
			return name, true
		}
	}
	return "", false
}
