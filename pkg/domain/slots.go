package domain

// SlotType names the value shape a slot is expected to hold.
// It is informational: slot values are stored as-is and only coerced
// when predicates are evaluated.
type SlotType string

const (
	SlotTypeText    SlotType = "text"
	SlotTypeBool    SlotType = "bool"
	SlotTypeFloat   SlotType = "float"
	SlotTypeAny     SlotType = "any"
	SlotTypeDynamic SlotType = "dynamic"
)

// Slot describes one piece of information the assistant can hold on to.
type Slot struct {
	Name         string   `yaml:"name" json:"name"`
	Type         SlotType `yaml:"type" json:"type"`
	InitialValue any      `yaml:"initial_value" json:"initial_value"`
}

// Domain is the slot schema provider: the ordered list of slot definitions
// used for predicate evaluation and reset behavior.
type Domain struct {
	Slots []Slot

	byName map[string]int
}

// NewDomain builds a domain from an ordered slot list.
// Declaration order is preserved; later duplicates win the name lookup.
func NewDomain(slots []Slot) *Domain {
	d := &Domain{
		Slots:  slots,
		byName: make(map[string]int, len(slots)),
	}
	for i, s := range slots {
		d.byName[s.Name] = i
	}
	return d
}

// SlotByName returns the slot definition for name.
func (d *Domain) SlotByName(name string) (Slot, bool) {
	if d == nil {
		return Slot{}, false
	}
	idx, ok := d.byName[name]
	if !ok {
		return Slot{}, false
	}
	return d.Slots[idx], true
}

// InitialValue returns the configured initial value for a slot,
// or nil if the slot is unknown.
func (d *Domain) InitialValue(name string) any {
	slot, ok := d.SlotByName(name)
	if !ok {
		return nil
	}
	return slot.InitialValue
}
