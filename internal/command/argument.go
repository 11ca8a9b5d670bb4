package command

import (
	"fmt"
	"slices"
	"strconv"
)

// Kind is the value type of an argument
type Kind int

const (
	KindPath Kind = iota
	KindString
	KindChoice
	KindInt
	KindDouble
	KindFlag
)

// Argument is one entry of a tool command line
type Argument struct {
	Key      string // settings key
	Name     string
	Flag     string // empty for a positional argument
	Kind     Kind
	Value    string
	Default  string
	Required bool
	Choices  []string
	Min, Max *float64
	Units    string

	// Skip keeps the argument in the settings but out of the rendered command line.
	Skip bool

	// Translate replaces the default value rendering.
	Translate func(value string) []string
}

// Current returns the value, or the default when unset
func (a *Argument) Current() string {
	if a.Value != "" {
		return a.Value
	}
	return a.Default
}

// Validate checks the current value against the argument constraints
func (a *Argument) Validate() error {
	v := a.Current()
	if v == "" {
		if a.Required {
			return fmt.Errorf("argument '%s' is required", a.Name)
		}
		return nil
	}

	switch a.Kind {
	case KindChoice:
		if !slices.Contains(a.Choices, v) {
			return fmt.Errorf("argument '%s': %q is not one of %v", a.Name, v, a.Choices)
		}
	case KindFlag:
		if _, err := strconv.ParseBool(v); err != nil {
			return fmt.Errorf("argument '%s': %q is not a boolean", a.Name, v)
		}
	case KindInt, KindDouble:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("argument '%s': %q is not a number", a.Name, v)
		}
		if a.Kind == KindInt {
			if _, err := strconv.Atoi(v); err != nil {
				return fmt.Errorf("argument '%s': %q is not an integer", a.Name, v)
			}
		}
		if a.Min != nil && f < *a.Min {
			return fmt.Errorf("argument '%s': %v is below the minimum %v%s", a.Name, f, *a.Min, a.unitSuffix())
		}
		if a.Max != nil && f > *a.Max {
			return fmt.Errorf("argument '%s': %v is above the maximum %v%s", a.Name, f, *a.Max, a.unitSuffix())
		}
	}
	return nil
}

// Tokens renders the argument as command-line tokens
func (a *Argument) Tokens() []string {
	v := a.Current()
	if a.Skip || (v == "" && a.Kind != KindFlag) {
		return nil
	}

	var values []string
	switch {
	case a.Translate != nil:
		values = a.Translate(v)
	case a.Kind == KindFlag:
		if on, _ := strconv.ParseBool(v); on && a.Flag != "" {
			return []string{a.Flag}
		}
		return nil
	default:
		values = []string{v}
	}

	if a.Flag == "" {
		return values
	}
	return append([]string{a.Flag}, values...)
}

func (a *Argument) unitSuffix() string {
	if a.Units == "" {
		return ""
	}
	return " " + a.Units
}

func bound(v float64) *float64 { return &v }

func boolTranslator(v string) []string {
	on, _ := strconv.ParseBool(v)
	return []string{strconv.FormatBool(on)}
}
