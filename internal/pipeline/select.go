package pipeline

import (
	"fmt"
	"strings"

	"archr/internal/builderr"
	"archr/internal/stage"
)

// Selection is the set of stages a run covers, always in pipeline order.
type Selection struct {
	Stages []stage.Name
	// Resume is set when no stage was named or "all" was given. Stages whose
	// artifact is already present are then skipped.
	Resume bool
}

// ParseStages turns command line tokens into a Selection. Tokens are
// case-insensitive; duplicates collapse.
func ParseStages(args []string) (Selection, error) {
	if len(args) == 0 {
		return Selection{Stages: append([]stage.Name(nil), stage.Order...), Resume: true}, nil
	}

	want := map[stage.Name]bool{}
	resume := false
	for _, arg := range args {
		if strings.EqualFold(strings.TrimSpace(arg), "all") {
			resume = true
			for _, n := range stage.Order {
				want[n] = true
			}
			continue
		}
		n, ok := stage.ParseName(arg)
		if !ok {
			return Selection{}, &builderr.UsageError{Message: fmt.Sprintf("unknown stage %q (valid: %s, all)", arg, joinNames(stage.Order))}
		}
		want[n] = true
	}

	sel := Selection{Resume: resume}
	for _, n := range stage.Order {
		if want[n] {
			sel.Stages = append(sel.Stages, n)
		}
	}
	return sel, nil
}

func joinNames(names []stage.Name) string {
	s := make([]string, len(names))
	for i, n := range names {
		s[i] = string(n)
	}
	return strings.Join(s, ", ")
}
