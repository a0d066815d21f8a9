// Package parser turns free-text manifest blocks into structured stops.
//
// Input grammar (repeated, UTF-8):
//
//	N) DD.MM[.YYYY][, ]HH:MM[:SS][, ]<free text>
//
// The entry number, the year, the time and the separators are all optional.
// Text that does not belong to an entry (a prefix before the first entry and
// the contact/paperwork tails cut off addresses) is returned as the comment.
//
// Parsing never fails: the worst case is zero stops and the whole input as
// the comment.
package parser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"logimon/internal/delivery"
	"logimon/internal/logger"
)

var (
	// headRe captures one entry head: marker, day, month, year, hour, minute,
	// second. Every part is optional; acceptance is decided in findHeads.
	headRe = regexp.MustCompile(
		`(?:(\d{1,3})\)[ \t]*)?` +
			`(?:(\d{1,2})\.(\d{1,2})(?:\.(\d{4}|\d{2}))?)?` +
			`(?:[ \t]*,?[ \t]*(\d{1,2}):(\d{2})(?::(\d{2}))?)?`)

	// timeTokenRe finds a time embedded in an address tail.
	timeTokenRe = regexp.MustCompile(`(\d{1,2}):(\d{2})(?::(\d{2}))?`)

	// leadRe strips "to arrive by/before" phrasing left at the start of an
	// address once the time token has been taken out of it.
	leadRe = regexp.MustCompile(
		`(?i)^[\s,;.:-]*` +
			`(?:(?:прибыть|прибытие|доставить|доставка|to\s+arrive)\s+)?` +
			`(?:(?:не\s+позднее|до|к|by|before)(?:[\s,]|$))?`)
)

// Parser converts manifest text into stops.
//
// A Parser is immutable after New and safe for concurrent use.
type Parser struct {
	year     int
	patterns []compiledPattern
	log      logger.Logger
}

// New creates a parser from rules. A zero DefaultYear falls back to the
// current year; an empty pattern list falls back to DefaultStopPatterns.
func New(rules Rules, log logger.Logger) (*Parser, error) {
	if rules.DefaultYear == 0 {
		rules.DefaultYear = DefaultRules().DefaultYear
	}
	if len(rules.StopPatterns) == 0 {
		rules.StopPatterns = DefaultStopPatterns
	}
	patterns, err := compilePatterns(rules.StopPatterns)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Parser{year: rules.DefaultYear, patterns: patterns, log: log}, nil
}

// head is one accepted entry head. end is where the address tail starts.
type head struct {
	start, end int
	date, time string
}

// Parse splits rawText into ordered stops and the leftover comment.
//
// Algorithm:
//  1. Find entry heads (marker / date / time)
//  2. Each entry's tail runs to the next head or the end of the text
//  3. No time in the head: steal the first time token from the tail
//  4. Strip leading "arrive by" phrasing and commas
//  5. Cut the address at the first matching stop pattern, in priority order
//  6. Prefix text and cut-off tails become the comment, in document order
//
// Known limitation: step 3 cannot tell a real time from any other
// "digits:digits" pair in the address; the first one wins.
func (p *Parser) Parse(rawText string, dir delivery.Direction) ([]delivery.Stop, string) {
	text := strings.ReplaceAll(rawText, "\r\n", "\n")
	heads := p.findHeads(text)
	if len(heads) == 0 {
		return nil, joinComment([]string{text})
	}

	leftovers := []string{text[:heads[0].start]}
	stops := make([]delivery.Stop, 0, len(heads))

	for i, h := range heads {
		tailEnd := len(text)
		if i+1 < len(heads) {
			tailEnd = heads[i+1].start
		}

		address, tm, rest := p.parseTail(text[h.end:tailEnd], h.time)
		if h.date == delivery.NotSpecified || tm == delivery.NotSpecified {
			p.log.Debugf("%s stop %d: date/time not specified, using sentinel", dir, i+1)
		}

		stops = append(stops, delivery.Stop{
			Ordinal: i + 1,
			Address: address,
			Date:    h.date,
			Time:    tm,
		})
		leftovers = append(leftovers, rest)
	}

	return stops, joinComment(leftovers)
}

// findHeads scans text for entry heads and keeps the ones that really start
// an entry. A head is accepted when:
//   - it has a valid date and either an "N)" marker or starts a line, or
//   - it has an "N)" marker that starts a line (date then "not specified")
//
// Dates in the middle of prose ("договор от 01.02.2024") therefore stay
// part of the address.
func (p *Parser) findHeads(text string) []head {
	var heads []head

	for _, m := range headRe.FindAllStringSubmatchIndex(text, -1) {
		if m[0] == m[1] {
			continue
		}

		hasMarker := m[2] >= 0
		if hasMarker && !boundaryBefore(text, m[0]) {
			continue
		}
		lineStart := atLineStart(text, m[0])

		markerEnd := -1
		if hasMarker {
			markerEnd = skipBlanks(text, m[3]+1)
		}

		date, dateOK := "", false
		if m[4] >= 0 {
			date, dateOK = p.formatDate(group(text, m, 2), group(text, m, 3), group(text, m, 4))
		}

		var h head
		switch {
		case dateOK && (hasMarker || lineStart):
			h = head{start: m[0], date: date, end: dateEnd(m)}
			if m[10] >= 0 {
				if tm, ok := formatTime(group(text, m, 5), group(text, m, 6), group(text, m, 7)); ok {
					h.time = tm
					h.end = m[1]
				}
			}
		case hasMarker && lineStart:
			h = head{start: m[0], date: delivery.NotSpecified, end: markerEnd}
			// time directly after the marker, no date in between
			if m[4] < 0 && m[10] >= 0 {
				if tm, ok := formatTime(group(text, m, 5), group(text, m, 6), group(text, m, 7)); ok {
					h.time = tm
					h.end = m[1]
				}
			}
		default:
			continue
		}

		heads = append(heads, h)
	}

	return heads
}

// stripLeads removes stacked arrive-by phrasing and leading separators
// until nothing more comes off, so a formatted address parses back to
// itself.
func stripLeads(addr string) string {
	for {
		next := addr
		if loc := leadRe.FindStringIndex(next); loc != nil {
			next = next[loc[1]:]
		}
		next = strings.TrimLeft(next, " \t\n,;")
		if next == addr {
			return addr
		}
		addr = next
	}
}

// parseTail extracts the address and time from the text following a head.
// rest is the part cut off by a stop pattern.
func (p *Parser) parseTail(tail, headTime string) (address, tm, rest string) {
	addr := tail
	tm = headTime

	if tm == "" {
		if t, s, e, ok := findTime(addr); ok {
			tm = t
			addr = addr[:s] + " " + addr[e:]
		}
	}

	addr = stripLeads(addr)

	for _, sp := range p.patterns {
		if loc := sp.re.FindStringIndex(addr); loc != nil {
			rest = addr[loc[0]:]
			addr = addr[:loc[0]]
			break
		}
	}

	if tm == "" {
		tm = delivery.NotSpecified
	}
	return cleanAddress(addr), tm, rest
}

// formatDate validates day/month and applies the default year.
func (p *Parser) formatDate(day, month, year string) (string, bool) {
	d, err1 := strconv.Atoi(day)
	mo, err2 := strconv.Atoi(month)
	if err1 != nil || err2 != nil || d < 1 || d > 31 || mo < 1 || mo > 12 {
		return "", false
	}

	y := p.year
	if year != "" {
		v, err := strconv.Atoi(year)
		if err != nil {
			return "", false
		}
		if len(year) == 2 {
			v += 2000
		}
		y = v
	}
	return fmt.Sprintf("%02d.%02d.%04d", d, mo, y), true
}

// formatTime validates and zero-pads a time, keeping seconds only when the
// source had them.
func formatTime(hour, minute, second string) (string, bool) {
	h, err1 := strconv.Atoi(hour)
	m, err2 := strconv.Atoi(minute)
	if err1 != nil || err2 != nil || h > 23 || m > 59 {
		return "", false
	}
	if second == "" {
		return fmt.Sprintf("%02d:%02d", h, m), true
	}
	s, err := strconv.Atoi(second)
	if err != nil || s > 59 {
		return "", false
	}
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s), true
}

// findTime returns the first valid time token in s and its byte span.
func findTime(s string) (tm string, start, end int, ok bool) {
	for _, m := range timeTokenRe.FindAllStringSubmatchIndex(s, -1) {
		if m[0] > 0 && strings.ContainsRune("0123456789:.", rune(s[m[0]-1])) {
			continue
		}
		if m[1] < len(s) && strings.ContainsRune("0123456789:", rune(s[m[1]])) {
			continue
		}
		t, valid := formatTime(group(s, m, 1), group(s, m, 2), group(s, m, 3))
		if !valid {
			continue
		}
		return t, m[0], m[1], true
	}
	return "", 0, 0, false
}

func group(s string, m []int, n int) string {
	if m[2*n] < 0 {
		return ""
	}
	return s[m[2*n]:m[2*n+1]]
}

// dateEnd is the end of the year group, or of the month group without one.
func dateEnd(m []int) int {
	if m[8] >= 0 {
		return m[9]
	}
	return m[7]
}

func skipBlanks(s string, i int) int {
	for i < len(s) && (s[i] == ' ' || s[i] == '\t') {
		i++
	}
	return i
}

// atLineStart reports whether only blanks separate i from the start of the
// text, a newline or a semicolon.
func atLineStart(s string, i int) bool {
	for i > 0 {
		c := s[i-1]
		switch c {
		case ' ', '\t':
			i--
		case '\n', '\r', ';':
			return true
		default:
			return false
		}
	}
	return true
}

// boundaryBefore reports whether the rune before i is not part of a word,
// so "кв12) " is not read as entry marker 12.
func boundaryBefore(s string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(s[:i])
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

func cleanAddress(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	return strings.TrimRight(s, " ,;:-–")
}

func joinComment(parts []string) string {
	var out []string
	for _, p := range parts {
		p = strings.Trim(strings.Join(strings.Fields(p), " "), " ,;")
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, " ")
}
