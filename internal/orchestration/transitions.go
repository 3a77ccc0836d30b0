package orchestration

import (
	"fmt"

	"github.com/aixgo-dev/finrag/internal/conversation"
)

// Step names a node of the turn state machine.
type Step string

const (
	StepRefineQuery Step = "refine_query"
	StepCheckCache  Step = "check_cache"
	StepRetrieve    Step = "retrieve"
	StepRerank      Step = "rerank"
	StepGenerate    Step = "generate"
	StepDone        Step = "done"
)

// Condition guards a transition.
type Condition int

const (
	Always Condition = iota
	CacheHit
	CacheMiss
)

func (c Condition) String() string {
	switch c {
	case Always:
		return "always"
	case CacheHit:
		return "cache_hit"
	case CacheMiss:
		return "cache_miss"
	default:
		return fmt.Sprintf("condition(%d)", int(c))
	}
}

func (c Condition) holds(state *conversation.State) bool {
	switch c {
	case Always:
		return true
	case CacheHit:
		return state.CacheHit
	case CacheMiss:
		return !state.CacheHit
	default:
		return false
	}
}

// Transition moves From to To when When holds.
type Transition struct {
	From Step
	When Condition
	To   Step
}

// Transitions is the turn graph. The first matching row for a step wins.
var Transitions = []Transition{
	{From: StepRefineQuery, When: Always, To: StepCheckCache},
	{From: StepCheckCache, When: CacheHit, To: StepDone},
	{From: StepCheckCache, When: CacheMiss, To: StepRetrieve},
	{From: StepRetrieve, When: Always, To: StepRerank},
	{From: StepRerank, When: Always, To: StepGenerate},
	{From: StepGenerate, When: Always, To: StepDone},
}

// Next returns the step that follows step for state.
func Next(step Step, state *conversation.State) (Step, error) {
	if step == StepDone {
		return StepDone, nil
	}
	for _, t := range Transitions {
		if t.From == step && t.When.holds(state) {
			return t.To, nil
		}
	}
	return "", fmt.Errorf("no transition from step %q", step)
}
