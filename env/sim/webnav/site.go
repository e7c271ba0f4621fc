package webnav

import (
	"fmt"
	"strings"
)

// BlankURL is the page shown before any task is loaded.
const BlankURL = "about:blank"

// Element is one node of a page's accessibility tree.
type Element struct {
	ID   int    `json:"id"`
	Role string `json:"role"`
	Name string `json:"name"`
	// Href is followed on click. For a button, "{value}" in Href is replaced
	// with the text typed into the element named by Input.
	Href  string `json:"href,omitempty"`
	Input int    `json:"input,omitempty"`
}

// Page is a static page of the scripted site.
type Page struct {
	Title    string    `json:"title"`
	Elements []Element `json:"elements"`
}

func (p Page) element(id int) (Element, bool) {
	for _, el := range p.Elements {
		if el.ID == id {
			return el, true
		}
	}
	return Element{}, false
}

// Eval describes how a finished episode is scored.
type Eval struct {
	ReferenceAnswer string `json:"reference_answer,omitempty"`
	// Match is "exact" (default) or "contains".
	Match        string `json:"match,omitempty"`
	ReferenceURL string `json:"reference_url,omitempty"`
}

// Task is one navigation objective over a scripted site.
type Task struct {
	Intent   string          `json:"intent"`
	StartURL string          `json:"start_url"`
	Pages    map[string]Page `json:"pages"`
	Eval     Eval            `json:"eval"`
	MaxSteps int             `json:"max_steps,omitempty"`
}

func (t *Task) validate() error {
	if t.StartURL == "" {
		return fmt.Errorf("start_url is required")
	}
	if _, ok := t.Pages[t.StartURL]; !ok {
		return fmt.Errorf("start_url %q has no page", t.StartURL)
	}
	if t.Eval.ReferenceAnswer == "" && t.Eval.ReferenceURL == "" {
		return fmt.Errorf("eval needs reference_answer or reference_url")
	}
	return nil
}

// Score evaluates the final answer and url. Every configured check must pass.
func (e Eval) Score(answer, url string) float64 {
	if e.ReferenceURL != "" && strings.TrimRight(url, "/") != strings.TrimRight(e.ReferenceURL, "/") {
		return 0
	}
	if e.ReferenceAnswer != "" {
		got, want := normalize(answer), normalize(e.ReferenceAnswer)
		switch e.Match {
		case "contains":
			if !strings.Contains(got, want) {
				return 0
			}
		default:
			if got != want {
				return 0
			}
		}
	}
	return 1
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
