package script

import (
	"fmt"

	"browsernerd/internal/driver"
)

// LocatorKind tags a LocatorSpec variant.
type LocatorKind string

const (
	LocatorSelector LocatorKind = "selector"
	LocatorXPath    LocatorKind = "xpath"
	LocatorText     LocatorKind = "text"
	LocatorRole     LocatorKind = "role"
	LocatorID       LocatorKind = "id"
	LocatorClass    LocatorKind = "class"
)

// LocatorSpec is the tagged union scripts use to point at elements.
// Compile is the single place the union maps onto driver queries.
type LocatorSpec struct {
	Kind  LocatorKind `json:"kind"`
	Value string      `json:"value"`
	Nth   int         `json:"nth,omitempty"`
}

// Compile translates the locator into a driver query.
func (l LocatorSpec) Compile() (driver.Query, error) {
	if l.Value == "" {
		return driver.Query{}, fmt.Errorf("locator %q has empty value", l.Kind)
	}
	switch l.Kind {
	case LocatorSelector, "":
		return driver.Query{Mode: driver.QueryCSS, Value: l.Value, Nth: l.Nth}, nil
	case LocatorXPath:
		return driver.Query{Mode: driver.QueryXPath, Value: l.Value, Nth: l.Nth}, nil
	case LocatorText:
		return driver.Query{Mode: driver.QueryText, Value: l.Value, Nth: l.Nth}, nil
	case LocatorRole:
		return driver.Query{Mode: driver.QueryCSS, Value: fmt.Sprintf("[role=%q]", l.Value), Nth: l.Nth}, nil
	case LocatorID:
		return driver.Query{Mode: driver.QueryCSS, Value: "#" + l.Value, Nth: l.Nth}, nil
	case LocatorClass:
		return driver.Query{Mode: driver.QueryCSS, Value: "." + l.Value, Nth: l.Nth}, nil
	default:
		return driver.Query{}, fmt.Errorf("unknown locator kind %q", l.Kind)
	}
}
