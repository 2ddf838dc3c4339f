// Copyright (c) Edgeless Systems GmbH
// SPDX-License-Identifier: GPL-3.0-only

// Package patternwindow estimates the maximum number of bytes a compiled regular expression can
// match, used by masker.RecommendedWindowCap to estimate a look-behind window size and to warn at
// config-load time when a pattern's maximum match length cannot be bounded (§4.5.1, §9 open
// question (ii)). The Streaming Masker itself holds back exactly the windowCap its caller passes.
package patternwindow

import "regexp/syntax"

// Unbounded is a sentinel length for a pattern with a quantifier that has no upper bound and
// therefore no finite maximum match length. MaxMatchLen does not return it; it reports that case
// as (0, false).
const Unbounded = -1

// capQuantifier is the width maxLen counts for any syntax node it does not handle explicitly
// (§4.5.1: "default -> 1"). It is never substituted for '+', '*' or '{n,}': those always make the
// pattern unbounded.
const capQuantifier = 1

// MaxMatchLen walks the parsed regular expression and sums a conservative upper bound on the
// number of characters any single match can consume, per the walk described in §4.5.1:
// chars/escapes/classes contribute 1 each, '{m,n}' contributes n, '+'/'*' are unbounded, '?'
// contributes 1, and anything else defaults to 1. It returns (n, true) for a finite bound, or
// (0, false) if any sub-expression is unbounded.
func MaxMatchLen(pattern string) (int, bool) {
	re, err := syntax.Parse(pattern, syntax.Perl)
	if err != nil {
		return 0, false
	}
	n, ok := maxLen(re)
	if !ok {
		return 0, false
	}
	return n, true
}

// HasUnboundedQuantifier reports whether pattern contains a repeat with no finite upper bound.
func HasUnboundedQuantifier(pattern string) bool {
	_, ok := MaxMatchLen(pattern)
	return !ok
}

func maxLen(re *syntax.Regexp) (int, bool) {
	switch re.Op {
	case syntax.OpEmptyMatch, syntax.OpBeginLine, syntax.OpEndLine, syntax.OpBeginText, syntax.OpEndText,
		syntax.OpWordBoundary, syntax.OpNoWordBoundary:
		return 0, true
	case syntax.OpLiteral:
		return len(re.Rune), true
	case syntax.OpCharClass, syntax.OpAnyCharNotNL, syntax.OpAnyChar:
		return 1, true
	case syntax.OpCapture:
		return maxLen(re.Sub[0])
	case syntax.OpStar, syntax.OpPlus:
		return 0, false
	case syntax.OpQuest:
		sub, ok := maxLen(re.Sub[0])
		if !ok {
			return 0, false
		}
		return sub, true
	case syntax.OpRepeat:
		if re.Max < 0 {
			return 0, false
		}
		sub, ok := maxLen(re.Sub[0])
		if !ok {
			return 0, false
		}
		return sub * re.Max, true
	case syntax.OpConcat:
		total := 0
		for _, s := range re.Sub {
			n, ok := maxLen(s)
			if !ok {
				return 0, false
			}
			total += n
		}
		return total, true
	case syntax.OpAlternate:
		max := 0
		for _, s := range re.Sub {
			n, ok := maxLen(s)
			if !ok {
				return 0, false
			}
			if n > max {
				max = n
			}
		}
		return max, true
	default:
		return capQuantifier, true
	}
}
