package transform

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// Rule rewrites scalar values stored under matching field names. A rule with
// no Fields applies to every string value.
type Rule struct {
	Fields []string
	Apply  func(v any) any
}

// Matches reports whether the rule applies to field key. Field names are
// compared case-insensitively, ignoring '_' and '-'.
func (r Rule) Matches(key string) bool {
	if len(r.Fields) == 0 {
		return true
	}
	k := fieldName(key)
	for _, f := range r.Fields {
		if fieldName(f) == k {
			return true
		}
	}
	return false
}

func fieldName(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '_' || r == '-' {
			return -1
		}
		return unicode.ToLower(r)
	}, s)
}

func scalarString(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case json.Number:
		return val.String(), true
	default:
		return "", false
	}
}

func digits(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}

func lastN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// MaskSSN keeps the last four digits of a social security number
func MaskSSN(fields ...string) Rule {
	return Rule{Fields: fields, Apply: func(v any) any {
		s, ok := scalarString(v)
		if !ok {
			return v
		}
		d := digits(s)
		if len(d) < 4 {
			return "***-**-****"
		}
		return "***-**-" + lastN(d, 4)
	}}
}

// MaskTail replaces all but the last four alphanumerics with "****"
func MaskTail(fields ...string) Rule {
	return Rule{Fields: fields, Apply: func(v any) any {
		s, ok := scalarString(v)
		if !ok {
			return v
		}
		alnum := strings.Map(func(r rune) rune {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				return r
			}
			return -1
		}, s)
		return "****" + lastN(alnum, 4)
	}}
}

// MaskEmail keeps the first character of the local part and the domain
func MaskEmail(fields ...string) Rule {
	return Rule{Fields: fields, Apply: func(v any) any {
		s, ok := v.(string)
		if !ok {
			return v
		}
		local, domain, found := strings.Cut(s, "@")
		if !found || local == "" {
			return "***"
		}
		first := []rune(local)[0]
		return string(first) + "***@" + domain
	}}
}

// MaskPhone keeps the last four digits of a phone number
func MaskPhone(fields ...string) Rule {
	return Rule{Fields: fields, Apply: func(v any) any {
		s, ok := scalarString(v)
		if !ok {
			return v
		}
		return "***-***-" + lastN(digits(s), 4)
	}}
}

// Redact replaces the value entirely
func Redact(fields ...string) Rule {
	return Rule{Fields: fields, Apply: func(any) any {
		return "[REDACTED]"
	}}
}

// Upper upper-cases string values such as currency codes and tickers
func Upper(fields ...string) Rule {
	return Rule{Fields: fields, Apply: func(v any) any {
		if s, ok := v.(string); ok {
			return strings.ToUpper(strings.TrimSpace(s))
		}
		return v
	}}
}

// Round rounds numeric values to the given number of decimal places
func Round(places int, fields ...string) Rule {
	return Rule{Fields: fields, Apply: func(v any) any {
		n, ok := v.(json.Number)
		if !ok {
			return v
		}
		f, err := n.Float64()
		if err != nil {
			return v
		}
		return json.Number(strconv.FormatFloat(f, 'f', places, 64))
	}}
}

var ssnPattern = regexp.MustCompile(`\b\d{3}-\d{2}-(\d{4})\b`)

// ScrubSSN masks SSN-shaped substrings in every string value
func ScrubSSN() Rule {
	return Rule{Apply: func(v any) any {
		s, ok := v.(string)
		if !ok {
			return v
		}
		return ssnPattern.ReplaceAllString(s, "***-**-$1")
	}}
}
