// Package validator checks flow definitions at load time, so structural
// faults surface before a conversation trips over them.
package validator

import (
	"fmt"
	"strings"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/aretw0/espalier/pkg/flows"
)

// ValidateCatalog checks every flow in the catalog against the domain.
// All findings are collected into one error.
func ValidateCatalog(catalog *flows.FlowList, dom *domain.Domain) error {
	var findings []string

	for _, flow := range catalog.Underlying() {
		findings = append(findings, validateFlow(flow, catalog, dom)...)
	}

	if len(findings) > 0 {
		return fmt.Errorf("found %d errors:\n- %s", len(findings), strings.Join(findings, "\n- "))
	}
	return nil
}

func validateFlow(flow *flows.Flow, catalog *flows.FlowList, dom *domain.Domain) []string {
	var findings []string
	report := func(stepID, format string, args ...any) {
		findings = append(findings, fmt.Sprintf("flow %q, step %q: %s", flow.ID, stepID, fmt.Sprintf(format, args...)))
	}

	if len(flow.Steps) == 0 {
		findings = append(findings, fmt.Sprintf("flow %q has no steps", flow.ID))
		return findings
	}

	for _, step := range flow.Steps {
		validateLinks(flow, step, report)

		switch s := step.(type) {
		case *flows.ActionStep:
			if s.Action == "" {
				report(s.ID(), "action step has no action")
			}
		case *flows.CollectStep:
			if s.Collect == "" {
				report(s.ID(), "collect step names no slot")
			} else if dom != nil {
				if _, ok := dom.SlotByName(s.Collect); !ok {
					report(s.ID(), "collects unknown slot %q", s.Collect)
				}
			}
		case *flows.LinkStep:
			if _, err := catalog.FlowByID(s.TargetFlow); err != nil {
				report(s.ID(), "links to unknown flow %q", s.TargetFlow)
			}
		}
	}
	return findings
}

// validateLinks checks link targets and branch exhaustiveness: conditional
// links require an else fallback, since branch resolution with no matching
// condition and no else is a runtime error.
func validateLinks(flow *flows.Flow, step flows.Step, report func(string, string, ...any)) {
	conditionals := 0
	hasElse := false
	for _, link := range step.Links() {
		if _, err := flow.StepByID(link.Target()); err != nil {
			report(step.ID(), "link targets unknown step %q", link.Target())
		}
		switch link.(type) {
		case flows.IfLink:
			conditionals++
		case flows.ElseLink:
			hasElse = true
		}
	}
	if conditionals > 0 && !hasElse {
		report(step.ID(), "conditional links have no else fallback")
	}
}
