package flows

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// ParseCatalog reads a YAML flow catalog of the form
//
//	flows:
//	  transfer_money:
//	    name: transfer money
//	    steps:
//	      - collect: amount
//	      - action: execute_transfer
//	        next:
//	          - if: "amount > 100"
//	            then:
//	              - action: utter_large_transfer
//	          - else: END
//
// into an immutable FlowList. Nested `then`/`else` step sequences are
// flattened into the flow's step space with synthesized ids.
func ParseCatalog(data []byte) (*FlowList, error) {
	var doc struct {
		Flows map[string]yaml.Node `yaml:"flows"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse flow catalog: %w", err)
	}
	if len(doc.Flows) == 0 {
		return NewFlowList(), nil
	}

	// yaml maps are unordered; sort ids so catalog order is deterministic.
	ids := make([]string, 0, len(doc.Flows))
	for id := range doc.Flows {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	parsed := make([]*Flow, 0, len(ids))
	for _, id := range ids {
		node := doc.Flows[id]
		var config flowConfig
		if err := node.Decode(&config); err != nil {
			return nil, &DefinitionError{FlowID: id, Reason: fmt.Sprintf("invalid flow definition: %v", err)}
		}
		flow, err := buildFlow(id, config)
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, flow)
	}
	return NewFlowList(parsed...), nil
}

type flowConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Steps       []any  `yaml:"steps"`
}

// stepNode is a step in the parse tree before ids and links are final.
type stepNode struct {
	step  Step
	core  *StepCore
	links []linkSpec
}

// linkSpec is a link whose target may be an inline nested sequence or a
// sibling node whose id is synthesized later.
type linkSpec struct {
	kind       string // "static", "if", "else"
	condition  string
	targetID   string
	targetNode *stepNode
	nested     []*stepNode
}

func buildFlow(id string, config flowConfig) (*Flow, error) {
	sequence, err := parseSequence(id, config.Steps)
	if err != nil {
		return nil, err
	}

	// Flatten depth-first: a step is followed by the subtrees hanging off
	// its conditional links, matching the order ids are synthesized in.
	var flat []*stepNode
	var visit func(nodes []*stepNode)
	visit = func(nodes []*stepNode) {
		for _, n := range nodes {
			flat = append(flat, n)
			for _, l := range n.links {
				if len(l.nested) > 0 {
					visit(l.nested)
				}
			}
		}
	}
	visit(sequence)

	for idx, n := range flat {
		n.core.Index = idx
		if n.core.id == "" {
			n.core.id = fmt.Sprintf("%d_%s", idx, n.step.defaultIDSuffix())
		}
	}

	steps := make([]Step, 0, len(flat))
	for _, n := range flat {
		links, err := resolveLinks(id, n)
		if err != nil {
			return nil, err
		}
		n.core.Next = links
		steps = append(steps, n.step)
	}
	return newFlow(id, config.Name, config.Description, steps), nil
}

func resolveLinks(flowID string, n *stepNode) ([]Link, error) {
	links := make([]Link, 0, len(n.links))
	for _, spec := range n.links {
		target := spec.targetID
		if target == "" && spec.targetNode != nil {
			target = spec.targetNode.core.id
		}
		if target == "" {
			if len(spec.nested) == 0 {
				return nil, &DefinitionError{FlowID: flowID, StepID: n.core.id, Reason: "link has neither a target id nor nested steps"}
			}
			target = spec.nested[0].core.id
		}
		switch spec.kind {
		case "static":
			links = append(links, StaticLink{TargetID: target})
		case "if":
			links = append(links, IfLink{Condition: spec.condition, TargetID: target})
		case "else":
			links = append(links, ElseLink{TargetID: target})
		default:
			return nil, &DefinitionError{FlowID: flowID, StepID: n.core.id, Reason: fmt.Sprintf("unknown link kind %q", spec.kind)}
		}
	}
	return links, nil
}

// parseSequence parses an ordered step list. Steps without an explicit
// `next` fall through to the next step of their own sequence; the last step
// of a sequence is left without links and the executor synthesizes the
// transition to END.
func parseSequence(flowID string, configs []any) ([]*stepNode, error) {
	nodes := make([]*stepNode, 0, len(configs))
	for _, raw := range configs {
		config, ok := raw.(map[string]any)
		if !ok {
			return nil, &DefinitionError{FlowID: flowID, Reason: fmt.Sprintf("step definition must be a mapping, got %T", raw)}
		}
		node, err := parseStep(flowID, config)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	for i, n := range nodes {
		if len(n.links) == 0 && i+1 < len(nodes) {
			n.links = []linkSpec{{kind: "static", targetNode: nodes[i+1]}}
		}
	}
	return nodes, nil
}

func parseStep(flowID string, config map[string]any) (*stepNode, error) {
	core := &StepCore{}
	if id, ok := config["id"].(string); ok {
		core.id = id
	}
	if desc, ok := config["description"].(string); ok {
		core.Description = desc
	}
	if meta, ok := config["metadata"].(map[string]any); ok {
		core.Metadata = meta
	}

	var step Step
	switch {
	case config["action"] != nil:
		step = &ActionStep{StepCore: *core, Action: stringOr(config["action"], "")}
	case config["intent"] != nil || config["or"] != nil:
		triggers, err := parseTriggers(flowID, config)
		if err != nil {
			return nil, err
		}
		step = &UserMessageStep{StepCore: *core, Triggers: triggers}
	case config["collect"] != nil:
		collect := stringOr(config["collect"], "")
		rejections, err := parseRejections(flowID, config["rejections"])
		if err != nil {
			return nil, err
		}
		step = &CollectStep{
			StepCore:           *core,
			Collect:            collect,
			Utter:              stringOr(config["utter"], "utter_ask_"+collect),
			AskBeforeFilling:   boolOr(config["ask_before_filling"], false),
			ResetAfterFlowEnds: boolOr(config["reset_after_flow_ends"], true),
			Rejections:         rejections,
		}
	case config["link"] != nil:
		step = &LinkStep{StepCore: *core, TargetFlow: stringOr(config["link"], "")}
	case config["set_slots"] != nil:
		slots, err := parseSetSlots(flowID, config["set_slots"])
		if err != nil {
			return nil, err
		}
		step = &SetSlotsStep{StepCore: *core, Slots: slots}
	case config["generation_prompt"] != nil:
		step = &GenerateStep{StepCore: *core, Prompt: stringOr(config["generation_prompt"], "")}
	default:
		step = &BranchStep{StepCore: *core}
	}

	node := &stepNode{step: step, core: stepCoreOf(step)}
	links, err := parseLinks(flowID, config["next"])
	if err != nil {
		return nil, err
	}
	node.links = links
	return node, nil
}

// stepCoreOf returns the embedded core of a step variant so the loader can
// finish it in place after construction.
func stepCoreOf(step Step) *StepCore {
	switch s := step.(type) {
	case *ActionStep:
		return &s.StepCore
	case *UserMessageStep:
		return &s.StepCore
	case *CollectStep:
		return &s.StepCore
	case *LinkStep:
		return &s.StepCore
	case *SetSlotsStep:
		return &s.StepCore
	case *GenerateStep:
		return &s.StepCore
	case *BranchStep:
		return &s.StepCore
	default:
		panic(fmt.Sprintf("unexpected step variant %T", step))
	}
}

func parseLinks(flowID string, raw any) ([]linkSpec, error) {
	switch next := raw.(type) {
	case nil:
		return nil, nil
	case string:
		return []linkSpec{{kind: "static", targetID: next}}, nil
	case []any:
		var specs []linkSpec
		for _, entry := range next {
			linkConfig, ok := entry.(map[string]any)
			if !ok {
				return nil, &DefinitionError{FlowID: flowID, Reason: fmt.Sprintf("link definition must be a mapping, got %T", entry)}
			}
			spec, err := parseBranchLink(flowID, linkConfig)
			if err != nil {
				return nil, err
			}
			specs = append(specs, spec)
		}
		return specs, nil
	default:
		return nil, &DefinitionError{FlowID: flowID, Reason: fmt.Sprintf("invalid next definition of type %T", raw)}
	}
}

func parseBranchLink(flowID string, config map[string]any) (linkSpec, error) {
	if then, ok := config["then"]; ok {
		spec := linkSpec{kind: "if", condition: stringOr(config["if"], "")}
		if err := parseLinkTarget(flowID, then, &spec); err != nil {
			return linkSpec{}, err
		}
		return spec, nil
	}
	if els, ok := config["else"]; ok {
		spec := linkSpec{kind: "else"}
		if err := parseLinkTarget(flowID, els, &spec); err != nil {
			return linkSpec{}, err
		}
		return spec, nil
	}
	return linkSpec{}, &DefinitionError{FlowID: flowID, Reason: "branch link needs a then or else target"}
}

func parseLinkTarget(flowID string, target any, spec *linkSpec) error {
	switch t := target.(type) {
	case string:
		spec.targetID = t
	case []any:
		nested, err := parseSequence(flowID, t)
		if err != nil {
			return err
		}
		spec.nested = nested
	default:
		return &DefinitionError{FlowID: flowID, Reason: fmt.Sprintf("invalid link target of type %T", target)}
	}
	return nil
}

func parseTriggers(flowID string, config map[string]any) ([]TriggerCondition, error) {
	if intent, ok := config["intent"].(string); ok {
		return []TriggerCondition{{Intent: intent, Entities: stringSlice(config["entities"])}}, nil
	}
	or, ok := config["or"].([]any)
	if !ok {
		return nil, &DefinitionError{FlowID: flowID, Reason: "trigger step needs an intent or an or-group"}
	}
	var triggers []TriggerCondition
	for _, entry := range or {
		alt, ok := entry.(map[string]any)
		if !ok {
			return nil, &DefinitionError{FlowID: flowID, Reason: fmt.Sprintf("or-group entry must be a mapping, got %T", entry)}
		}
		triggers = append(triggers, TriggerCondition{
			Intent:   stringOr(alt["intent"], ""),
			Entities: stringSlice(alt["entities"]),
		})
	}
	return triggers, nil
}

func parseRejections(flowID string, raw any) ([]SlotRejection, error) {
	if raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, &DefinitionError{FlowID: flowID, Reason: fmt.Sprintf("rejections must be a list, got %T", raw)}
	}
	var rejections []SlotRejection
	for _, entry := range list {
		config, ok := entry.(map[string]any)
		if !ok {
			return nil, &DefinitionError{FlowID: flowID, Reason: fmt.Sprintf("rejection must be a mapping, got %T", entry)}
		}
		condition := stringOr(config["if"], "")
		utter := stringOr(config["utter"], "")
		if condition == "" || utter == "" {
			return nil, &DefinitionError{FlowID: flowID, Reason: "rejection needs both an if condition and an utter"}
		}
		rejections = append(rejections, SlotRejection{If: condition, Utter: utter})
	}
	return rejections, nil
}

func parseSetSlots(flowID string, raw any) ([]SlotValue, error) {
	list, ok := raw.([]any)
	if !ok {
		return nil, &DefinitionError{FlowID: flowID, Reason: fmt.Sprintf("set_slots must be a list, got %T", raw)}
	}
	var slots []SlotValue
	for _, entry := range list {
		pair, ok := entry.(map[string]any)
		if !ok {
			return nil, &DefinitionError{FlowID: flowID, Reason: fmt.Sprintf("set_slots entry must be a mapping, got %T", entry)}
		}
		// preserve a stable order for multi-key entries
		keys := make([]string, 0, len(pair))
		for k := range pair {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			slots = append(slots, SlotValue{Key: k, Value: pair[k]})
		}
	}
	return slots, nil
}

func stringOr(v any, fallback string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}

func boolOr(v any, fallback bool) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return fallback
}

func stringSlice(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, entry := range list {
		if s, ok := entry.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
