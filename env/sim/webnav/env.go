package webnav

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/wricardo/mcp-training/envserver/env/catalog"
	"github.com/wricardo/mcp-training/envserver/env/sim"
)

// Kind is the registry name of this simulator.
const Kind = "webnav"

const defaultMaxSteps = 30

// Env is a scripted text browser. It is heavier than the in-process
// simulators and is normally hosted inside a worker process.
type Env struct {
	catalog *catalog.Manager

	task    *Task
	index   *int
	url     string
	history []string
	values  map[int]string
	answer  string
	steps   int
	stopped bool
}

// NewEnv creates an env showing a blank page.
func NewEnv(cat *catalog.Manager) *Env {
	e := &Env{catalog: cat}
	e.clear()
	return e
}

func (e *Env) clear() {
	e.task = nil
	e.index = nil
	e.url = BlankURL
	e.history = nil
	e.values = make(map[int]string)
	e.answer = ""
	e.steps = 0
	e.stopped = false
}

// Reset loads the task at target.Index. A nil index resets to a blank page
// with no objective.
func (e *Env) Reset(_ context.Context, target sim.Target) (sim.Snapshot, error) {
	if target.Index == nil {
		e.clear()
		return e.snapshot(""), nil
	}
	if e.catalog == nil {
		return sim.Snapshot{}, fmt.Errorf("%w: no catalog for task %d", sim.ErrInvalidTarget, *target.Index)
	}

	var task Task
	if err := e.catalog.LoadInto(Kind, *target.Index, &task); err != nil {
		if errors.Is(err, catalog.ErrTaskNotFound) || errors.Is(err, catalog.ErrInvalidTask) {
			return sim.Snapshot{}, fmt.Errorf("%w: %v", sim.ErrInvalidTarget, err)
		}
		return sim.Snapshot{}, err
	}
	if err := task.validate(); err != nil {
		return sim.Snapshot{}, fmt.Errorf("%w: task %d: %v", sim.ErrInvalidTarget, *target.Index, err)
	}
	if task.MaxSteps <= 0 {
		task.MaxSteps = defaultMaxSteps
	}

	e.clear()
	idx := *target.Index
	e.task = &task
	e.index = &idx
	e.url = task.StartURL
	return e.snapshot(""), nil
}

// Step applies one browser action. Unparseable actions and actions on
// missing elements are reported in the observation and cost a step.
func (e *Env) Step(_ context.Context, raw string) (sim.Snapshot, error) {
	if e.stopped {
		return sim.Snapshot{}, fmt.Errorf("episode already stopped")
	}
	e.steps++

	msg := ""
	action, err := ParseAction(raw)
	if err != nil {
		msg = err.Error()
	} else {
		msg = e.apply(action)
	}

	snap := e.snapshot(msg)
	if e.stopped {
		snap.Done = true
	} else if e.task != nil && e.steps >= e.task.MaxSteps {
		e.stopped = true
		snap.Done = true
		snap.Truncated = true
	}
	return snap, nil
}

func (e *Env) apply(a Action) string {
	page := e.page()
	switch a.Type {
	case ActionClick:
		el, ok := page.element(a.ID)
		if !ok {
			return fmt.Sprintf("element [%d] not found", a.ID)
		}
		if el.Href == "" {
			return fmt.Sprintf("clicked [%d] %s", el.ID, el.Name)
		}
		href := el.Href
		if el.Input != 0 {
			href = strings.ReplaceAll(href, "{value}", e.values[el.Input])
		}
		return e.navigate(href)
	case ActionTypeText:
		el, ok := page.element(a.ID)
		if !ok {
			return fmt.Sprintf("element [%d] not found", a.ID)
		}
		if el.Role != "textbox" && el.Role != "searchbox" && el.Role != "combobox" {
			return fmt.Sprintf("element [%d] is not editable", a.ID)
		}
		e.values[a.ID] = a.Text
		return ""
	case ActionGoto:
		return e.navigate(a.URL)
	case ActionGoBack:
		if len(e.history) == 0 {
			return "no previous page"
		}
		e.url = e.history[len(e.history)-1]
		e.history = e.history[:len(e.history)-1]
		e.values = make(map[int]string)
		return ""
	case ActionScroll:
		return ""
	case ActionStop:
		e.answer = a.Answer
		e.stopped = true
		return ""
	}
	return fmt.Sprintf("unsupported action %q", a.Type)
}

func (e *Env) navigate(url string) string {
	if e.task == nil {
		return fmt.Sprintf("cannot reach %s", url)
	}
	if _, ok := e.task.Pages[url]; !ok {
		return fmt.Sprintf("page %s not found", url)
	}
	e.history = append(e.history, e.url)
	e.url = url
	e.values = make(map[int]string)
	return ""
}

func (e *Env) page() Page {
	if e.task == nil {
		return Page{}
	}
	return e.task.Pages[e.url]
}

func (e *Env) snapshot(msg string) sim.Snapshot {
	return sim.Snapshot{
		Observation: e.render(msg),
		Info: map[string]any{
			"url":   e.url,
			"steps": e.steps,
		},
	}
}

func (e *Env) render(msg string) string {
	var b strings.Builder
	if e.task != nil {
		fmt.Fprintf(&b, "OBJECTIVE: %s\n", e.task.Intent)
	}
	fmt.Fprintf(&b, "URL: %s\n", e.url)
	page := e.page()
	fmt.Fprintf(&b, "[0] RootWebArea '%s'\n", page.Title)
	for _, el := range page.Elements {
		fmt.Fprintf(&b, "\t[%d] %s '%s'", el.ID, el.Role, el.Name)
		if v, ok := e.values[el.ID]; ok {
			fmt.Fprintf(&b, " value: '%s'", v)
		}
		b.WriteString("\n")
	}
	if msg != "" {
		fmt.Fprintf(&b, "MESSAGE: %s\n", msg)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Evaluate scores the episode from the final answer and url. The trajectory
// is not needed by the scripted checks.
func (e *Env) Evaluate(_ context.Context, _ []sim.Turn) (float64, error) {
	if e.task == nil {
		return 0, nil
	}
	return e.task.Eval.Score(e.answer, e.url), nil
}

// Metadata returns the element table of the current page keyed by id.
func (e *Env) Metadata(context.Context) (map[string]any, error) {
	nodes := make(map[string]any)
	for _, el := range e.page().Elements {
		nodes[fmt.Sprint(el.ID)] = map[string]any{
			"role": el.Role,
			"name": el.Name,
			"text": fmt.Sprintf("[%d] %s '%s'", el.ID, el.Role, el.Name),
		}
	}
	meta := map[string]any{
		"url":            e.url,
		"obs_nodes_info": nodes,
	}
	if e.index != nil {
		meta["index"] = *e.index
	}
	return meta, nil
}

// Page returns the current url, title and back history.
func (e *Env) Page(context.Context) (map[string]any, error) {
	history := append([]string(nil), e.history...)
	var urls []string
	if e.task != nil {
		for url := range e.task.Pages {
			urls = append(urls, url)
		}
		sort.Strings(urls)
	}
	return map[string]any{
		"url":     e.url,
		"title":   e.page().Title,
		"history": history,
		"pages":   urls,
	}, nil
}

func (e *Env) Close(context.Context) error {
	e.clear()
	return nil
}

// Factory creates webnav envs on a blank page.
type Factory struct {
	Catalog *catalog.Manager
}

func (f *Factory) Kind() string { return Kind }

func (f *Factory) New(context.Context, sim.Params) (sim.Env, *sim.Snapshot, error) {
	return NewEnv(f.Catalog), nil, nil
}
