package flows

// Link is one outgoing edge of a step. The closed set of variants is
// StaticLink, IfLink and ElseLink; branch resolution evaluates IfLinks in
// declaration order and falls back to the ElseLink.
type Link interface {
	// Target is the id of the step this link points to.
	Target() string

	asConfig() any
}

// StaticLink is a single unconditional transition.
type StaticLink struct {
	TargetID string
}

func (l StaticLink) Target() string { return l.TargetID }

func (l StaticLink) asConfig() any { return l.TargetID }

// IfLink is a conditional transition guarded by a predicate over slot values.
type IfLink struct {
	Condition string
	TargetID  string
}

func (l IfLink) Target() string { return l.TargetID }

func (l IfLink) asConfig() any {
	return map[string]any{"if": l.Condition, "then": l.TargetID}
}

// ElseLink is the fallback transition taken when no IfLink matched.
type ElseLink struct {
	TargetID string
}

func (l ElseLink) Target() string { return l.TargetID }

func (l ElseLink) asConfig() any {
	return map[string]any{"else": l.TargetID}
}

func linksAsConfig(links []Link) any {
	if len(links) == 0 {
		return nil
	}
	if len(links) == 1 {
		if static, ok := links[0].(StaticLink); ok {
			return static.asConfig()
		}
	}
	configs := make([]any, 0, len(links))
	for _, l := range links {
		configs = append(configs, l.asConfig())
	}
	return configs
}
