package history

import (
	"strconv"
	"strings"
	"time"

	"github.com/g4field/sgfa/pkg/entry"
	"github.com/g4field/sgfa/pkg/errs"
)

// Decode parses the canonical byte encoding of a history record
// (spec.md §6.1). Strict: unknown trailing bytes, reordered fields, or
// malformed numbers yield Corrupt.
func Decode(b []byte) (*History, error) {
	s := string(b)
	if strings.HasSuffix(s, "\n") {
		s = s[:len(s)-1]
	} else if len(s) > 0 {
		return nil, errs.Corrupt("history: must end with a newline")
	}
	var lines []string
	if s != "" {
		lines = strings.Split(s, "\n")
	}

	idx := 0
	next := func(prefix string) (string, error) {
		if idx >= len(lines) {
			return "", errs.Corruptf("history: missing %q line", prefix)
		}
		line := lines[idx]
		if !strings.HasPrefix(line, prefix) {
			return "", errs.Corruptf("history: expected %q, got %q", prefix, line)
		}
		idx++
		return strings.TrimPrefix(line, prefix), nil
	}

	jacket, err := next("jckt ")
	if err != nil {
		return nil, err
	}
	if len(jacket) != 64 {
		return nil, errs.Corrupt("history: jckt must be 64 hex chars")
	}

	histStr, err := next("hist ")
	if err != nil {
		return nil, err
	}
	number, err := parseUint(histStr)
	if err != nil || number == 0 {
		return nil, errs.Corrupt("history: bad hist number")
	}

	emaxStr, err := next("emax ")
	if err != nil {
		return nil, err
	}
	entryMax, err := parseUint(emaxStr)
	if err != nil {
		return nil, errs.CorruptWrap("history: bad emax", err)
	}

	timeStr, err := next("time ")
	if err != nil {
		return nil, err
	}
	timeVal, err := time.Parse(TimeLayout, timeStr)
	if err != nil || timeVal.Format(TimeLayout) != timeStr {
		return nil, errs.Corrupt("history: malformed time_str")
	}

	prev, err := next("prev ")
	if err != nil {
		return nil, err
	}
	if len(prev) != 64 {
		return nil, errs.Corrupt("history: prev must be 64 hex chars")
	}
	if number == 1 && prev != ZeroHash {
		return nil, errs.Corrupt("history: record #1 must have a zero prev hash")
	}

	user, err := next("user ")
	if err != nil {
		return nil, err
	}

	var entries []entry.EntryRef
	for idx < len(lines) && strings.HasPrefix(lines[idx], "entr ") {
		parts := strings.SplitN(strings.TrimPrefix(lines[idx], "entr "), " ", 3)
		if len(parts) != 3 {
			return nil, errs.Corruptf("history: malformed entr line %q", lines[idx])
		}
		e, err := parseUint(parts[0])
		if err != nil {
			return nil, errs.CorruptWrap("history: bad entr entry number", err)
		}
		r, err := parseUint(parts[1])
		if err != nil {
			return nil, errs.CorruptWrap("history: bad entr revision", err)
		}
		if len(parts[2]) != 64 {
			return nil, errs.Corrupt("history: entr hash must be 64 hex chars")
		}
		entries = append(entries, entry.EntryRef{Entry: e, Revision: r, Hash: parts[2]})
		idx++
	}

	var attaches []entry.AttachRef
	for idx < len(lines) && strings.HasPrefix(lines[idx], "atch ") {
		parts := strings.SplitN(strings.TrimPrefix(lines[idx], "atch "), " ", 3)
		if len(parts) != 3 {
			return nil, errs.Corruptf("history: malformed atch line %q", lines[idx])
		}
		e, err := parseUint(parts[0])
		if err != nil {
			return nil, errs.CorruptWrap("history: bad atch entry number", err)
		}
		a, err := parseUint(parts[1])
		if err != nil {
			return nil, errs.CorruptWrap("history: bad atch attach number", err)
		}
		if len(parts[2]) != 64 {
			return nil, errs.Corrupt("history: atch hash must be 64 hex chars")
		}
		attaches = append(attaches, entry.AttachRef{Entry: e, Attach: a, Hash: parts[2]})
		idx++
	}

	if idx != len(lines) {
		return nil, errs.Corruptf("history: unexpected trailing line %q", lines[idx])
	}

	return Load(jacket, number, prev, entryMax, timeVal.UTC(), user, entries, attaches), nil
}

func parseUint(s string) (uint64, error) {
	if len(s) == 0 {
		return 0, errs.Corrupt("empty number")
	}
	if s[0] == '0' && len(s) > 1 {
		return 0, errs.Corruptf("number %q has a leading zero", s)
	}
	return strconv.ParseUint(s, 10, 64)
}
