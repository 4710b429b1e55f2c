// Package validate guards the boundary where agent-produced text re-enters
// the core: a max size check, forbidden control characters, and suspicious
// Unicode constructs that could be used to smuggle hidden instructions or
// break terminal/log rendering downstream.
package validate

import (
	"unicode"
	"unicode/utf8"

	"github.com/hensu-run/hensu/toolerrors"
)

// MaxAgentOutputBytes bounds a single agent response payload.
const MaxAgentOutputBytes = 1 << 20 // 1MB

// suspiciousRunes are zero-width and bidi-control code points that have no
// legitimate place in an agent's natural-language or JSON output but are a
// known vector for prompt-injection-via-rendering and log spoofing.
var suspiciousRunes = map[rune]string{
	'​': "zero width space",
	'‌': "zero width non-joiner",
	'‍': "zero width joiner",
	'‎': "left-to-right mark",
	'‏': "right-to-left mark",
	'‪': "left-to-right embedding",
	'‫': "right-to-left embedding",
	'‬': "pop directional formatting",
	'‭': "left-to-right override",
	'‮': "right-to-left override",
	'﻿': "byte order mark",
}

// AgentOutput checks that output is valid UTF-8, within MaxAgentOutputBytes,
// free of disallowed ASCII control characters, and free of suspicious
// Unicode constructs. It returns a *toolerrors.HensuError with Kind
// UnsafeAgentOutput on the first violation found.
func AgentOutput(output string) error {
	if len(output) > MaxAgentOutputBytes {
		return toolerrors.Newf(toolerrors.KindUnsafeAgentOutput, "agent output exceeds %d bytes", MaxAgentOutputBytes)
	}
	if !utf8.ValidString(output) {
		return toolerrors.New(toolerrors.KindUnsafeAgentOutput, "agent output is not valid UTF-8")
	}
	for i, r := range output {
		if r == utf8.RuneError {
			return toolerrors.New(toolerrors.KindUnsafeAgentOutput, "agent output contains an invalid rune")
		}
		if isForbiddenControl(r) {
			return toolerrors.Newf(toolerrors.KindUnsafeAgentOutput, "agent output contains forbidden control character at byte %d", i)
		}
		if name, bad := suspiciousRunes[r]; bad {
			return toolerrors.Newf(toolerrors.KindUnsafeAgentOutput, "agent output contains suspicious %s character at byte %d", name, i)
		}
		if unicode.Is(unicode.Cf, r) && r != '­' {
			return toolerrors.Newf(toolerrors.KindUnsafeAgentOutput, "agent output contains a format control character at byte %d", i)
		}
	}
	return nil
}

// isForbiddenControl reports whether r is an ASCII control character other
// than the whitespace ones natural-language output legitimately contains
// (tab, newline, carriage return).
func isForbiddenControl(r rune) bool {
	if r == '\t' || r == '\n' || r == '\r' {
		return false
	}
	return r < 0x20 || r == 0x7f
}
