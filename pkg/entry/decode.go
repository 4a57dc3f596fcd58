package entry

import (
	"bytes"
	"strconv"
	"strings"
	"time"

	"github.com/g4field/sgfa/pkg/errs"
)

// Decode parses the canonical byte encoding of an entry (spec.md §6.1).
// Decoding is strict: unknown trailing bytes, reordered fields, or
// malformed numbers yield Corrupt. On failure the returned Entry is nil;
// decoders never partially mutate their target.
//
// The header/body boundary is found on raw bytes (not via line-scanning)
// so that the body's exact bytes, including any trailing newline, survive
// the round trip spec.md §8 requires: encode(decode(bytes)) == bytes.
func Decode(b []byte) (*Entry, error) {
	sep := bytes.Index(b, []byte("\n\n"))
	if sep < 0 {
		return nil, errs.Corrupt("entry: missing blank line before body")
	}
	header := string(b[:sep])
	body := string(b[sep+2:])
	if len(body) == 0 {
		return nil, errs.Corrupt("entry: body must not be empty")
	}

	var lines []string
	if header != "" {
		lines = strings.Split(header, "\n")
	}

	idx := 0
	next := func(prefix string) (string, error) {
		if idx >= len(lines) {
			return "", errs.Corruptf("entry: missing %q line", prefix)
		}
		line := lines[idx]
		if !strings.HasPrefix(line, prefix) {
			return "", errs.Corruptf("entry: expected %q, got %q", prefix, line)
		}
		idx++
		return strings.TrimPrefix(line, prefix), nil
	}

	jacket, err := next("jckt ")
	if err != nil {
		return nil, err
	}
	if len(jacket) != 64 {
		return nil, errs.Corruptf("entry: jckt must be 64 hex chars, got %d", len(jacket))
	}

	entryStr, err := next("entr ")
	if err != nil {
		return nil, err
	}
	entryNum, err := parseUint(entryStr)
	if err != nil {
		return nil, errs.CorruptWrap("entry: bad entr", err)
	}

	revnStr, err := next("revn ")
	if err != nil {
		return nil, err
	}
	revn, err := parseUint(revnStr)
	if err != nil {
		return nil, errs.CorruptWrap("entry: bad revn", err)
	}

	histStr, err := next("hist ")
	if err != nil {
		return nil, err
	}
	hist, err := parseUint(histStr)
	if err != nil {
		return nil, errs.CorruptWrap("entry: bad hist", err)
	}
	if entryNum == 0 || revn == 0 || hist == 0 {
		return nil, errs.Corrupt("entry: entr/revn/hist must be positive")
	}

	amaxStr, err := next("amax ")
	if err != nil {
		return nil, err
	}
	amax, err := parseUint(amaxStr)
	if err != nil {
		return nil, errs.CorruptWrap("entry: bad amax", err)
	}

	timeStr, err := next("time ")
	if err != nil {
		return nil, err
	}
	timeVal, err := parseTime(timeStr)
	if err != nil {
		return nil, errs.CorruptWrap("entry: bad time", err)
	}

	title, err := next("titl ")
	if err != nil {
		return nil, err
	}

	var tags []string
	for idx < len(lines) && strings.HasPrefix(lines[idx], "tags ") {
		tag := strings.TrimPrefix(lines[idx], "tags ")
		if len(tags) > 0 && tag <= tags[len(tags)-1] {
			return nil, errs.Corrupt("entry: tags must be strictly ascending by code unit")
		}
		tags = append(tags, tag)
		idx++
	}

	attach := make(map[uint64]Attachment)
	var lastAttachNum uint64
	first := true
	for idx < len(lines) && strings.HasPrefix(lines[idx], "atch ") {
		rest := strings.TrimPrefix(lines[idx], "atch ")
		parts := strings.SplitN(rest, " ", 3)
		if len(parts) != 3 {
			return nil, errs.Corruptf("entry: malformed atch line %q", lines[idx])
		}
		anum, err := parseUint(parts[0])
		if err != nil {
			return nil, errs.CorruptWrap("entry: bad attach number", err)
		}
		hnum, err := parseUint(parts[1])
		if err != nil {
			return nil, errs.CorruptWrap("entry: bad attach history", err)
		}
		if !first && anum <= lastAttachNum {
			return nil, errs.Corrupt("entry: attachments must be strictly ascending")
		}
		lastAttachNum = anum
		first = false
		attach[anum] = Attachment{History: hnum, Name: parts[2]}
		idx++
	}

	if idx != len(lines) {
		return nil, errs.Corruptf("entry: unexpected trailing header line %q", lines[idx])
	}

	ent := Load(jacket, entryNum, revn, hist, amax, timeVal, title, body, tags, attach)
	return ent, nil
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

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		return time.Time{}, errs.CorruptWrap("malformed time_str", err)
	}
	if t.Format(TimeLayout) != s {
		return time.Time{}, errs.Corruptf("time_str %q is not canonical", s)
	}
	return t.UTC(), nil
}
