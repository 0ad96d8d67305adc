package ruleengine

import (
	"fmt"
	"io"
	"strings"
)

// DumpRules writes the installed rules in evaluation order, for inspection.
func (e *Engine) DumpRules(w io.Writer) error {
	rules := e.Rules()

	if _, err := fmt.Fprintf(w, "=== WAF Rules Dump (%d rules) ===\n\n", len(rules)); err != nil {
		return err
	}
	if len(rules) == 0 {
		_, err := fmt.Fprintln(w, "  No rules installed")
		return err
	}

	for i, rule := range rules {
		_, err := fmt.Fprintf(w,
			"  Rule %d:\n    ID: %s\n    Pattern: %s\n    Targets: %s\n    Score: %d\n    Action: %s\n    Priority: %d\n    Description: %s\n\n",
			i+1, rule.ID, rule.Pattern, strings.Join(rule.Targets, ", "),
			rule.Score, rule.Action, rule.Priority, rule.Description)
		if err != nil {
			return err
		}
	}
	return nil
}
