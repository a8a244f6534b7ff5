package domain

// Entity is one extracted entity from the latest user message.
type Entity struct {
	Type  string `json:"type"`
	Value any    `json:"value,omitempty"`
}

// Intent is the classified intent of the latest user message.
type Intent struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Message is a turn's parsed user input as produced by an upstream
// understanding component. Commands are tagged records; the commands
// package decodes them into typed values.
type Message struct {
	Text     string           `json:"text"`
	Intent   Intent           `json:"intent"`
	Entities []Entity         `json:"entities,omitempty"`
	Commands []map[string]any `json:"commands,omitempty"`
}

// EntityTypes returns the entity type names in extraction order.
func (m *Message) EntityTypes() []string {
	if m == nil {
		return nil
	}
	types := make([]string, 0, len(m.Entities))
	for _, e := range m.Entities {
		types = append(types, e.Type)
	}
	return types
}
