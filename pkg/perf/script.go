// Copyright 2024-2026 The CacheScope Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package perf

import (
	"errors"
	"strings"
)

var ErrMalformedSample = errors.New("malformed sample line")

// parser decodes one whitespace-tokenized sample line. The recorder is
// invoked with the field list tid,pid,cpu,time,event,addr,ip,sym,dso,uregs,
// so the two hex fields arrive in the order addr then ip.
type parser struct {
	interner *stringInterner
}

func newParser() *parser {
	return &parser{interner: newStringInterner()}
}

// ParseLine decodes a single sample line.
func ParseLine(line string) (Sample, error) {
	return newParser().parseLine(line)
}

func (p *parser) parseLine(line string) (Sample, error) {
	toks := strings.Fields(line)
	s := Sample{Kind: EventLoad}

	i := 0

	// The PID/TID token contains a slash; an optional process-name token
	// precedes it.
	found := false
	for ; i < len(toks); i++ {
		if pid, tid, ok := parsePidTid(toks[i]); ok {
			s.PID, s.TID = pid, tid
			i++
			found = true
			break
		}
	}
	if !found {
		return s, errMalformed("no pid/tid token")
	}

	// CPU is bracketed.
	if i < len(toks) && len(toks[i]) > 2 && toks[i][0] == '[' && toks[i][len(toks[i])-1] == ']' {
		cpu, err := parseDecimal(toks[i][1 : len(toks[i])-1])
		if err == nil {
			s.CPU = uint32(cpu)
		}
		i++
	}

	// Timestamp: numeric with a decimal point, fractional part zero-padded
	// to nanoseconds.
	if i < len(toks) {
		if ns, ok := parseTimestamp(toks[i]); ok {
			s.Timestamp = ns
			i++
		}
	}

	// Event label ends with a colon.
	if i >= len(toks) || !strings.HasSuffix(toks[i], ":") {
		return s, errMalformed("no event label")
	}
	s.Kind = classifyEvent(toks[i])
	i++

	// Two hexadecimal tokens in the requested order: addr, then ip.
	if i+1 >= len(toks) {
		return s, errMalformed("missing addr/ip fields")
	}
	addr, err := parseHexToken(toks[i])
	if err != nil {
		return s, errMalformed("bad addr field")
	}
	ip, err := parseHexToken(toks[i+1])
	if err != nil {
		return s, errMalformed("bad ip field")
	}
	s.Addr, s.IP = addr, ip
	i += 2

	// Free text up to the parenthesized DSO token is the symbol; the DSO
	// itself may contain whitespace and spans tokens until the closing
	// parenthesis.
	symStart := i
	dsoStart := -1
	for ; i < len(toks); i++ {
		if strings.HasPrefix(toks[i], "(") {
			dsoStart = i
			break
		}
	}
	if dsoStart >= 0 {
		s.Symbol = p.interner.intern([]byte(strings.Join(toks[symStart:dsoStart], " ")))
		dsoEnd := dsoStart
		for ; dsoEnd < len(toks); dsoEnd++ {
			if strings.HasSuffix(toks[dsoEnd], ")") {
				break
			}
		}
		if dsoEnd == len(toks) {
			return s, errMalformed("unterminated dso token")
		}
		dso := strings.Join(toks[dsoStart:dsoEnd+1], " ")
		s.DSO = p.interner.intern([]byte(strings.Trim(dso, "()")))
		i = dsoEnd + 1
	} else {
		// No DSO field emitted; everything up to the register tokens is
		// symbol text.
		i = symStart
		for ; i < len(toks); i++ {
			if _, _, ok := parseRegToken(toks, i); ok {
				break
			}
		}
		s.Symbol = p.interner.intern([]byte(strings.Join(toks[symStart:i], " ")))
	}

	// Sampled user registers.
	for ; i < len(toks); i++ {
		reg, val, ok := parseRegToken(toks, i)
		if !ok {
			continue
		}
		switch reg {
		case "sp":
			s.SP = val
		case "bp", "rbp":
			s.BP = val
		}
	}

	return s, nil
}

func errMalformed(reason string) error {
	return errors.Join(ErrMalformedSample, errors.New(reason))
}

func parsePidTid(tok string) (uint32, uint32, bool) {
	slash := strings.IndexByte(tok, '/')
	if slash <= 0 || slash == len(tok)-1 {
		return 0, 0, false
	}
	pid, err := parseDecimal(tok[:slash])
	if err != nil {
		return 0, 0, false
	}
	tid, err := parseDecimal(tok[slash+1:])
	if err != nil {
		return 0, 0, false
	}
	return uint32(pid), uint32(tid), true
}

// parseTimestamp converts "sec.frac" (with optional trailing colon) into
// integer nanoseconds, right-padding the fractional digits to 9.
func parseTimestamp(tok string) (uint64, bool) {
	tok = strings.TrimSuffix(tok, ":")
	dot := strings.IndexByte(tok, '.')
	if dot < 0 {
		return 0, false
	}
	sec, err := parseDecimal(tok[:dot])
	if err != nil {
		return 0, false
	}
	frac := tok[dot+1:]
	if frac == "" || len(frac) > 9 {
		return 0, false
	}
	fracVal, err := parseDecimal(frac)
	if err != nil {
		return 0, false
	}
	for pad := 9 - len(frac); pad > 0; pad-- {
		fracVal *= 10
	}
	return sec*1e9 + fracVal, true
}

func classifyEvent(label string) EventKind {
	label = strings.ToLower(label)
	switch {
	case strings.Contains(label, "store"):
		return EventStore
	case strings.Contains(label, "load"):
		return EventLoad
	default:
		// Sources without a reliable load/store split count as generic
		// accesses.
		return EventLoad
	}
}

func parseDecimal(s string) (uint64, error) {
	if s == "" {
		return 0, errors.New("empty number")
	}
	var v uint64
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return 0, errors.New("invalid digit")
		}
		v = v*10 + uint64(c-'0')
	}
	return v, nil
}

func parseHexToken(tok string) (uint64, error) {
	tok = strings.TrimPrefix(tok, "0x")
	return parseHexToUint64([]byte(tok))
}

// parseRegToken recognizes "sp:0x…", "sp=0x…" and the split "sp:" "0x…"
// forms (likewise bp/rbp), case-insensitively.
func parseRegToken(toks []string, i int) (string, uint64, bool) {
	tok := strings.ToLower(toks[i])
	for _, reg := range []string{"sp", "bp", "rbp"} {
		rest, ok := strings.CutPrefix(tok, reg)
		if !ok || rest == "" {
			continue
		}
		if rest[0] != ':' && rest[0] != '=' {
			continue
		}
		val := rest[1:]
		if val == "" {
			if i+1 >= len(toks) {
				return reg, 0, false
			}
			val = strings.ToLower(toks[i+1])
		}
		v, err := parseHexToken(val)
		if err != nil {
			return reg, 0, false
		}
		return reg, v, true
	}
	return "", 0, false
}
