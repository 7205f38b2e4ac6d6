// Package names normalizes person names for index lookups and splits roster
// name strings into their parts.
package names

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// titles are credential suffixes and honorifics that never form part of a
// surname.
var titles = map[string]bool{
	"DR": true, "MD": true, "DO": true, "NP": true, "PA": true, "PA-C": true,
	"APRN": true, "FNP": true, "FNP-C": true, "PMHNP": true, "PMHNP-BC": true,
	"DNP": true, "PHD": true, "RN": true, "MBBS": true,
}

// fold strips combining marks after canonical decomposition: "Muñoz" -> "Munoz".
func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// Normalize upper-cases s, folds diacritics, drops periods, collapses
// whitespace and writes every comma as ", ".
func Normalize(s string) string {
	s = cases.Upper(language.Und).String(fold(s))
	s = strings.ReplaceAll(s, ".", "")
	parts := strings.Split(s, ",")
	for i, p := range parts {
		parts[i] = strings.Join(strings.Fields(p), " ")
	}
	out := parts[0]
	for _, p := range parts[1:] {
		if p == "" {
			continue
		}
		out += ", " + p
	}
	return strings.TrimSpace(out)
}

// Key builds the index key for an employee: bare "FIRST LAST", or with the
// title joined by a space or by a comma.
func Key(first, last string) string {
	return Normalize(first + " " + last)
}

func KeyWithTitle(first, last, title string) string {
	return Normalize(first + " " + last + " " + title)
}

func KeyWithCommaTitle(first, last, title string) string {
	return Normalize(first + " " + last + ", " + title)
}

// Surname returns the normalized last name of a clinician string such as
// "Dr. John Smith, MD" or "Smith, Jane NP". A leading "Last," form is
// recognized when the part after the comma is not just a title.
func Surname(s string) string {
	n := Normalize(s)
	if n == "" {
		return ""
	}
	if head, tail, ok := strings.Cut(n, ", "); ok {
		if isTitleList(tail) {
			n = head
		} else {
			return lastToken(stripTitles(strings.Fields(head)))
		}
	}
	return lastToken(stripTitles(strings.Fields(n)))
}

// SplitPerson splits a patient name into normalized first and last names.
// "Doe, John" and "John Doe" both yield ("JOHN", "DOE").
func SplitPerson(s string) (first, last string) {
	n := Normalize(s)
	if n == "" {
		return "", ""
	}
	if head, tail, ok := strings.Cut(n, ", "); ok {
		return tail, head
	}
	fields := strings.Fields(n)
	if len(fields) == 1 {
		return "", fields[0]
	}
	return strings.Join(fields[:len(fields)-1], " "), fields[len(fields)-1]
}

func isTitleList(s string) bool {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == ',' })
	if len(fields) == 0 {
		return false
	}
	for _, f := range fields {
		if !titles[f] {
			return false
		}
	}
	return true
}

func stripTitles(fields []string) []string {
	for len(fields) > 1 && titles[fields[0]] {
		fields = fields[1:]
	}
	for len(fields) > 1 && titles[fields[len(fields)-1]] {
		fields = fields[:len(fields)-1]
	}
	return fields
}

func lastToken(fields []string) string {
	if len(fields) == 0 {
		return ""
	}
	return fields[len(fields)-1]
}

// SplitClinician splits a roster clinician string into normalized first
// name, last name and credential: "Dr. Gregory House, MD" and
// "House, Gregory MD" both yield ("GREGORY", "HOUSE", "MD").
func SplitClinician(s string) (first, last, title string) {
	n := Normalize(s)
	if n == "" {
		return "", "", ""
	}
	var fields []string
	head, tail, comma := strings.Cut(n, ", ")
	switch {
	case comma && isTitleList(tail):
		fields = strings.Fields(head)
		title = tail
	case comma:
		rest := strings.Fields(tail)
		var trailing []string
		for len(rest) > 1 && titles[rest[len(rest)-1]] {
			trailing = append([]string{rest[len(rest)-1]}, trailing...)
			rest = rest[:len(rest)-1]
		}
		title = strings.Join(trailing, " ")
		fields = append(rest, strings.Fields(head)...)
	default:
		fields = strings.Fields(n)
	}

	for len(fields) > 1 && fields[0] == "DR" {
		fields = fields[1:]
	}
	var trailing []string
	for len(fields) > 1 && titles[fields[len(fields)-1]] {
		trailing = append([]string{fields[len(fields)-1]}, trailing...)
		fields = fields[:len(fields)-1]
	}
	if len(trailing) > 0 {
		title = strings.TrimSpace(strings.Join(trailing, " ") + " " + title)
	}
	if len(fields) == 0 {
		return "", "", title
	}
	return strings.Join(fields[:len(fields)-1], " "), fields[len(fields)-1], title
}

// Display title-cases a normalized name for storage: "MUNOZ" -> "Munoz".
func Display(s string) string {
	return cases.Title(language.Und).String(strings.ToLower(s))
}
