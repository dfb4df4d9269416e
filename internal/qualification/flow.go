// Package qualification evaluates the pre-survey question flow: an ordered,
// possibly branching graph of single-choice questions whose options decide
// whether the respondent continues, jumps ahead, qualifies, or is screened
// out.
package qualification

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

var (
	ErrFlowConfiguration = errors.New("flow configuration error")
	ErrUnknownQuestion   = errors.New("unknown question")
	ErrUnknownOption     = errors.New("unknown option value")
	ErrAnswerRequired    = errors.New("answer required")
)

type Action string

const (
	ActionNext          Action = "NEXT"
	ActionSkipTo        Action = "SKIP_TO"
	ActionEndSuccess    Action = "END_SUCCESS"
	ActionEndDisqualify Action = "END_DISQUALIFY"
)

type Option struct {
	Value         string `json:"value"`
	Label         string `json:"label"`
	Action        Action `json:"action"`
	SkipTo        string `json:"skip_to,omitempty"`
	Disqualifying bool   `json:"disqualifying,omitempty"`
}

type Question struct {
	ID       string   `json:"id"`
	Seq      int      `json:"seq"`
	Prompt   string   `json:"prompt"`
	Required bool     `json:"required"`
	Options  []Option `json:"options"`
}

// Flow holds the questions in sequence order.
type Flow struct {
	Questions []Question `json:"questions"`

	byID map[string]int
}

// ParseFlow decodes and validates a serialized flow definition.
func ParseFlow(raw json.RawMessage) (*Flow, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty flow definition", ErrFlowConfiguration)
	}

	var f Flow
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFlowConfiguration, err)
	}
	if len(f.Questions) == 0 {
		return nil, fmt.Errorf("%w: flow has no questions", ErrFlowConfiguration)
	}

	sort.SliceStable(f.Questions, func(i, j int) bool {
		return f.Questions[i].Seq < f.Questions[j].Seq
	})

	f.byID = make(map[string]int, len(f.Questions))
	for i, q := range f.Questions {
		if q.ID == "" {
			return nil, fmt.Errorf("%w: question %d has no id", ErrFlowConfiguration, i)
		}
		if _, dup := f.byID[q.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate question id %q", ErrFlowConfiguration, q.ID)
		}
		if len(q.Options) == 0 {
			return nil, fmt.Errorf("%w: question %q has no options", ErrFlowConfiguration, q.ID)
		}
		f.byID[q.ID] = i
	}

	// Every SKIP_TO target must exist in the same flow. The graph may still
	// contain cycles; the traversal cap bounds those at evaluation time.
	for _, q := range f.Questions {
		for _, o := range q.Options {
			switch o.Action {
			case ActionNext, ActionEndSuccess, ActionEndDisqualify:
			case ActionSkipTo:
				if _, ok := f.byID[o.SkipTo]; !ok {
					return nil, fmt.Errorf("%w: question %q option %q skips to missing question %q",
						ErrFlowConfiguration, q.ID, o.Value, o.SkipTo)
				}
			default:
				return nil, fmt.Errorf("%w: question %q option %q has invalid action %q",
					ErrFlowConfiguration, q.ID, o.Value, o.Action)
			}
		}
	}

	return &f, nil
}

func (f *Flow) First() *Question {
	return &f.Questions[0]
}

func (f *Flow) ByID(id string) *Question {
	i, ok := f.byID[id]
	if !ok {
		return nil
	}
	return &f.Questions[i]
}

func (f *Flow) nextAfter(id string) *Question {
	i, ok := f.byID[id]
	if !ok || i+1 >= len(f.Questions) {
		return nil
	}
	return &f.Questions[i+1]
}

// TraversalCap bounds total answered questions per link so a misconfigured
// SKIP_TO cycle terminates instead of looping.
func (f *Flow) TraversalCap() int {
	cap := 3 * len(f.Questions)
	if cap < 16 {
		cap = 16
	}
	return cap
}
