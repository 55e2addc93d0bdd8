// Package domain defines cargo vocabulary shared by storage, transport, and
// the submission pipeline.
package domain

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Type is the kind of cargo a viewer drew.
type Type string

const (
	TypeCake   Type = "Cake"
	TypeBook   Type = "Book"
	TypeBottle Type = "Bottle"
	TypeBox    Type = "Box"
	TypePlant  Type = "Plant"
	TypeToy    Type = "Toy"
)

var knownTypes = []Type{TypeCake, TypeBook, TypeBottle, TypeBox, TypePlant, TypeToy}

// Types returns every recognized cargo type in display order.
func Types() []Type {
	out := make([]Type, len(knownTypes))
	copy(out, knownTypes)
	return out
}

// Valid reports whether t is a recognized cargo type.
func (t Type) Valid() bool {
	for _, known := range knownTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseType validates a submitted cargo type. Matching is case-sensitive.
func ParseType(raw string) (Type, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("cargo_type is required")
	}
	t := Type(raw)
	if !t.Valid() {
		return "", fmt.Errorf("unknown cargo_type %q", raw)
	}
	return t, nil
}

// Status tracks where a cargo is in its station lifecycle.
type Status string

const (
	StatusShipping  Status = "shipping"
	StatusDelivered Status = "delivered"
	StatusLaunched  Status = "launched"
)

// ParseStatus validates a stored status value.
func ParseStatus(raw string) (Status, error) {
	switch s := Status(strings.TrimSpace(raw)); s {
	case StatusShipping, StatusDelivered, StatusLaunched:
		return s, nil
	default:
		return "", fmt.Errorf("unknown cargo status %q", raw)
	}
}

// MaxDrawDuration bounds the submitted draw duration (24h in milliseconds).
const MaxDrawDuration = 24 * 60 * 60 * 1000

// ParseDrawDuration converts the submitted draw_duration field.
//
// An empty value is 0. Fractions are truncated toward zero. Values that are
// not finite numbers, negative, or above MaxDrawDuration are rejected.
func ParseDrawDuration(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, fmt.Errorf("draw_duration must be a number")
	}
	if value < 0 {
		return 0, fmt.Errorf("draw_duration must not be negative")
	}
	if value > MaxDrawDuration {
		return 0, fmt.Errorf("draw_duration must be at most %d", MaxDrawDuration)
	}
	return int(value), nil
}
