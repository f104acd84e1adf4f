// Package textclean strips statement and receipt boilerplate from raw OCR
// text before it is handed to the extraction model.
//
// Output is restricted to printable ASCII. Statements in non-Latin scripts
// lose their text here; that is a known limitation.
package textclean

import (
	"regexp"
	"strings"
)

// maxPasses bounds the fixpoint loop. Every rule only removes or replaces
// characters, so real inputs settle in two or three passes.
const maxPasses = 16

// rules run in this exact order; later rules assume the earlier ones ran.
var rules = []func(string) string{
	normalizeLineEndings,
	dropPageNumberLines,
	dropHeaderLines,
	stripRunningBalances,
	collapseBlankRuns,
	keepPrintableASCII,
	collapseWhitespace,
	dropSymbolOnlyLines,
	replaceBorders,
	finalTrim,
}

// Normalize applies the rule chain until the text stops changing, which
// makes Normalize(Normalize(x)) == Normalize(x).
func Normalize(raw string) string {
	text := raw
	for i := 0; i < maxPasses; i++ {
		next := applyOnce(text)
		if next == text {
			break
		}
		text = next
	}
	return text
}

func applyOnce(text string) string {
	for _, apply := range rules {
		text = apply(text)
	}
	return text
}

func normalizeLineEndings(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

var pageNumberLine = regexp.MustCompile(`(?i)^(?:page\s*\d+(?:\s*(?:of|/)\s*\d+)?|\d+\s+of\s+\d+|-\s*\d+\s*-)$`)

func dropPageNumberLines(s string) string {
	return filterLines(s, func(line string) bool {
		return !pageNumberLine.MatchString(strings.TrimSpace(line))
	})
}

var headerLine = regexp.MustCompile(`(?i)^(?:` +
	`account\s*(?:number|no\.?|name|summary|holder|details)` +
	`|sort\s*code` +
	`|iban\b` +
	`|statement\s*(?:period|date|of\s+account)` +
	`|(?:opening|closing|previous|new|available|start|end)\s*balance` +
	`|balance\s*(?:brought|carried)\s*(?:forward|fwd)` +
	`|(?:brought|carried)\s*forward` +
	`|(?:payment\s*)?due\s*date` +
	`|minimum\s*payment` +
	`|credit\s*limit` +
	`)\b`)

// columnWords are the words that make up table header rows.
var columnWords = map[string]bool{
	"date": true, "description": true, "details": true, "transaction": true,
	"transactions": true, "amount": true, "balance": true, "debit": true,
	"debits": true, "credit": true, "credits": true, "paid": true, "in": true,
	"out": true, "money": true, "withdrawals": true, "deposits": true,
	"reference": true, "ref": true, "type": true, "posting": true, "posted": true,
	"value": true, "merchant": true, "qty": true, "quantity": true,
	"price": true, "item": true, "items": true, "and": true, "&": true,
}

func isColumnHeader(line string) bool {
	fields := strings.FieldsFunc(strings.ToLower(line), func(r rune) bool {
		return r == ' ' || r == '\t' || r == '|' || r == '/' || r == ','
	})
	if len(fields) < 2 {
		return false
	}
	for _, f := range fields {
		if !columnWords[strings.Trim(f, ".:()")] {
			return false
		}
	}
	return true
}

func dropHeaderLines(s string) string {
	return filterLines(s, func(line string) bool {
		t := strings.TrimSpace(line)
		return !headerLine.MatchString(t) && !isColumnHeader(t)
	})
}

const (
	datePattern   = `(?:\d{4}-\d{2}-\d{2}|\d{1,2}[/.-]\d{1,2}(?:[/.-]\d{2,4})?|\d{1,2}\s+[A-Za-z]{3,9}(?:\s+\d{2,4})?|[A-Za-z]{3,9}\s+\d{1,2}(?:,?\s+\d{4})?)`
	amountPattern = `[-+(]?[$£€]?\d[\d,]*\.\d{2}\)?-?`
)

var (
	dateLed     = regexp.MustCompile(`^\s*` + datePattern + `\s+`)
	amountToken = regexp.MustCompile(`^` + amountPattern + `$`)
	lastField   = regexp.MustCompile(`\s+\S+\s*$`)
)

// stripRunningBalances drops the balance from date-led rows ending in
// exactly two amounts. Rows ending in three or more amounts are left alone:
// their columns cannot be told apart, and stripping one would leave a row
// that matches again.
func stripRunningBalances(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		if trailingAmounts(line) == 2 {
			lines[i] = lastField.ReplaceAllString(line, "")
		}
	}
	return strings.Join(lines, "\n")
}

// trailingAmounts counts the amounts ending a date-led row whose
// description has at least one letter. Other lines count zero.
func trailingAmounts(line string) int {
	loc := dateLed.FindStringIndex(line)
	if loc == nil {
		return 0
	}
	fields := strings.Fields(line[loc[1]:])
	n := 0
	for n < len(fields) && amountToken.MatchString(fields[len(fields)-1-n]) {
		n++
	}
	desc := strings.Join(fields[:len(fields)-n], " ")
	if strings.IndexFunc(desc, isLetter) < 0 {
		return 0
	}
	return n
}

func isLetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

var blankRun = regexp.MustCompile(`\n[ \t]*\n(?:[ \t]*\n)+`)

func collapseBlankRuns(s string) string {
	return blankRun.ReplaceAllString(s, "\n\n")
}

func keepPrintableASCII(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\t' || (r >= 0x20 && r <= 0x7e) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

var spaceRun = regexp.MustCompile(`[ \t]+`)

func collapseWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = spaceRun.ReplaceAllString(line, " ")
	}
	return strings.Join(lines, "\n")
}

func dropSymbolOnlyLines(s string) string {
	return filterLines(s, func(line string) bool {
		if strings.TrimSpace(line) == "" {
			return true
		}
		return strings.IndexFunc(line, isAlphanumeric) >= 0
	})
}

func isAlphanumeric(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

var border = regexp.MustCompile(`\||_{2,}|-{2,}|={2,}`)

func replaceBorders(s string) string {
	return border.ReplaceAllString(s, " ")
}

var multiBlank = regexp.MustCompile(`\n{3,}`)

func finalTrim(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(spaceRun.ReplaceAllString(line, " "))
	}
	s = strings.Join(lines, "\n")
	s = multiBlank.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

func filterLines(s string, keep func(string) bool) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		if keep(line) {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
