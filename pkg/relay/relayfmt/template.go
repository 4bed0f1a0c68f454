// Copyright 2024-2026 Aiku AI

// Package relayfmt renders forwarding templates and splits the result into
// chunks that fit a platform's message size limit. It also carries the
// markdown and HTML converters used by the source and sink adapters.
package relayfmt

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTemplate is the base error for rendering failures.
	ErrTemplate = errors.New("relayfmt: template error")

	// ErrEmptyRender is returned when a template renders to an empty string.
	ErrEmptyRender = fmt.Errorf("%w: rendered message is empty", ErrTemplate)

	// ErrChunkLimit is returned when the chunk limit is too small to hold a
	// part indicator and at least one character.
	ErrChunkLimit = fmt.Errorf("%w: chunk limit too small", ErrTemplate)
)

// Fields holds the values substituted into a template.
type Fields struct {
	Sender  string
	Stream  string
	Topic   string
	Content string
}

// Substitute replaces {sender}, {stream}, {topic} and {content} in format.
// Values are inserted verbatim and never re-expanded; unknown placeholders
// are left as they are.
func Substitute(format string, f Fields) string {
	r := strings.NewReplacer(
		"{sender}", f.Sender,
		"{stream}", f.Stream,
		"{topic}", f.Topic,
		"{content}", f.Content,
	)
	return r.Replace(format)
}

// Render substitutes f into format and splits the result into chunks of at
// most maxLen characters.
func Render(format string, f Fields, maxLen int) ([]string, error) {
	text := Substitute(format, f)
	if text == "" {
		return nil, ErrEmptyRender
	}
	return Split(text, maxLen)
}
