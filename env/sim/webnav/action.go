package webnav

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ActionType names a browser action.
type ActionType string

const (
	ActionClick    ActionType = "click"
	ActionTypeText ActionType = "type"
	ActionGoto     ActionType = "goto"
	ActionGoBack   ActionType = "go_back"
	ActionScroll   ActionType = "scroll"
	ActionStop     ActionType = "stop"
)

// Action is a parsed browser command.
type Action struct {
	Type   ActionType
	ID     int
	Text   string
	URL    string
	Answer string
}

var argPattern = regexp.MustCompile(`\[([^\]]*)\]`)

// ParseAction parses commands like "click [12]", "type [3] [laptop]",
// "goto [http://shop/]", "go_back", "scroll [down]" and "stop [42]". The
// command may be embedded in a longer response; the last line starting with a
// known verb wins, or a fenced ```command``` block when present.
func ParseAction(raw string) (Action, error) {
	line := extractCommand(raw)
	if line == "" {
		return Action{}, fmt.Errorf("no action found in %q", raw)
	}

	verb := strings.ToLower(strings.Fields(line)[0])
	args := argPattern.FindAllStringSubmatch(line, -1)
	arg := func(i int) (string, bool) {
		if i >= len(args) {
			return "", false
		}
		return args[i][1], true
	}

	switch ActionType(verb) {
	case ActionClick:
		id, err := parseID(arg(0))
		if err != nil {
			return Action{}, fmt.Errorf("click: %w", err)
		}
		return Action{Type: ActionClick, ID: id}, nil
	case ActionTypeText:
		id, err := parseID(arg(0))
		if err != nil {
			return Action{}, fmt.Errorf("type: %w", err)
		}
		text, ok := arg(1)
		if !ok {
			return Action{}, fmt.Errorf("type: missing text")
		}
		return Action{Type: ActionTypeText, ID: id, Text: text}, nil
	case ActionGoto:
		url, ok := arg(0)
		if !ok || url == "" {
			return Action{}, fmt.Errorf("goto: missing url")
		}
		return Action{Type: ActionGoto, URL: url}, nil
	case ActionGoBack:
		return Action{Type: ActionGoBack}, nil
	case ActionScroll:
		dir, _ := arg(0)
		return Action{Type: ActionScroll, Text: dir}, nil
	case ActionStop:
		answer, _ := arg(0)
		return Action{Type: ActionStop, Answer: answer}, nil
	}
	return Action{}, fmt.Errorf("unknown action %q", verb)
}

func parseID(s string, ok bool) (int, error) {
	if !ok {
		return 0, fmt.Errorf("missing element id")
	}
	id, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("bad element id %q", s)
	}
	return id, nil
}

var fencePattern = regexp.MustCompile("(?s)```(.*?)```")

func extractCommand(raw string) string {
	if m := fencePattern.FindAllStringSubmatch(raw, -1); len(m) > 0 {
		return strings.TrimSpace(m[len(m)-1][1])
	}

	lines := strings.Split(raw, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		verb := strings.ToLower(strings.Fields(line)[0])
		switch ActionType(verb) {
		case ActionClick, ActionTypeText, ActionGoto, ActionGoBack, ActionScroll, ActionStop:
			return line
		}
	}
	return ""
}
