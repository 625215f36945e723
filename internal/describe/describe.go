// Package describe produces the text written back to an upstream activity description.
package describe

import (
	"context"
	"strings"

	"example.com/stravasync/internal/domain"
)

// DefaultMarker tags descriptions generated by the service so later updates can skip them.
const DefaultMarker = "[synced by stravasync]"

// Input is the activity snapshot handed to a Generator.
type Input struct {
	Activity domain.Activity
	Ranking  domain.Ranking
}

// Generator turns an activity snapshot into description text.
type Generator interface {
	Generate(ctx context.Context, in Input) (string, error)
}

// HasMarker reports whether description already carries marker.
func HasMarker(description, marker string) bool {
	if marker == "" {
		marker = DefaultMarker
	}
	return strings.Contains(description, marker)
}

// withMarker appends the marker line unless text already ends with it.
func withMarker(text, marker string) string {
	if marker == "" {
		marker = DefaultMarker
	}
	text = strings.TrimRight(text, " \n")
	if strings.HasSuffix(text, marker) {
		return text
	}
	if text == "" {
		return marker
	}
	return text + "\n\n" + marker
}
