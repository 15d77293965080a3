package automation

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"autoreach/internal/model"
)

var (
	reRandom     = regexp.MustCompile(`\{\{random\((\d+),(\d+)\)\}\}`)
	reUppercase  = regexp.MustCompile(`\{\{uppercase:(.+?)\}\}`)
	reLowercase  = regexp.MustCompile(`\{\{lowercase:(.+?)\}\}`)
	reCapitalize = regexp.MustCompile(`\{\{capitalize:(.+?)\}\}`)
)

// templateVars are substituted case-insensitively, in this order.
var templateVars = []string{"name", "phone", "group", "date", "time", "custom1", "custom2"}

var varPatterns = func() map[string]*regexp.Regexp {
	m := make(map[string]*regexp.Regexp, len(templateVars))
	for _, k := range templateVars {
		m[k] = regexp.MustCompile(`(?i)\{\{` + k + `\}\}`)
	}
	return m
}()

// Render fills a message template for one recipient.
//
// Variables: {{name}} (default "Friend"), {{phone}}, {{group}}, {{date}},
// {{time}}, {{custom1}}, {{custom2}}. Functions: {{random(a,b)}},
// {{uppercase:x}}, {{lowercase:x}}, {{capitalize:x}}. The result is trimmed.
func Render(tmpl string, r model.Recipient, now time.Time, intn func(n int64) int64) string {
	name := r.Name
	if name == "" {
		name = "Friend"
	}
	values := map[string]string{
		"name":    name,
		"phone":   r.Phone,
		"group":   r.GroupName,
		"date":    now.Format("Jan 2, 2006"),
		"time":    now.Format("03:04 PM"),
		"custom1": r.Custom1,
		"custom2": r.Custom2,
	}
	out := tmpl
	for _, k := range templateVars {
		v := values[k]
		out = varPatterns[k].ReplaceAllLiteralString(out, v)
	}

	out = reRandom.ReplaceAllStringFunc(out, func(m string) string {
		sub := reRandom.FindStringSubmatch(m)
		lo, _ := strconv.ParseInt(sub[1], 10, 64)
		hi, _ := strconv.ParseInt(sub[2], 10, 64)
		if hi < lo {
			return strconv.FormatInt(lo, 10)
		}
		return strconv.FormatInt(lo+intn(hi-lo+1), 10)
	})
	out = reUppercase.ReplaceAllStringFunc(out, func(m string) string {
		return strings.ToUpper(reUppercase.FindStringSubmatch(m)[1])
	})
	out = reLowercase.ReplaceAllStringFunc(out, func(m string) string {
		return strings.ToLower(reLowercase.FindStringSubmatch(m)[1])
	})
	out = reCapitalize.ReplaceAllStringFunc(out, func(m string) string {
		return capitalize(reCapitalize.FindStringSubmatch(m)[1])
	})
	return strings.TrimSpace(out)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(r)) + strings.ToLower(s[size:])
}
