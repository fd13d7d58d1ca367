// Package entity pulls travel entities out of free text with independent pattern passes.
package entity

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/zhouzirui/z-travel/backend/internal/model/conversation"
)

var (
	capitalizedRun = regexp.MustCompile(`\b[A-Z][\p{L}'’-]+(?:\s+[A-Z][\p{L}'’-]+)*`)

	datePattern = regexp.MustCompile(`(?i)\b(?:` +
		`today|tonight|tomorrow|day after tomorrow|` +
		`(?:this|next) (?:weekend|week|month|year|monday|tuesday|wednesday|thursday|friday|saturday|sunday)|` +
		`in \d+ (?:days?|weeks?|months?)|` +
		`\d{4}-\d{2}-\d{2}|` +
		`\d{1,2}/\d{1,2}(?:/\d{2,4})?|` +
		`(?:jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\.? \d{1,2}(?:st|nd|rd|th)?|` +
		`\d{1,2}(?:st|nd|rd|th)? (?:of )?(?:jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*` +
		`)\b`)

	pricePattern = regexp.MustCompile(`(?i)(?:[$€£¥]\s?\d[\d,]*(?:\.\d+)?|\b\d[\d,]*(?:\.\d+)?\s?(?:usd|eur|euros?|dollars?|gbp|pounds?|jpy|yen|rmb|cny|yuan)\b)`)

	groupPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(\d+|one|two|three|four|five|six|seven|eight|nine|ten)\s+(?:people|persons|adults|guests|travell?ers|pax|of us|friends)\b`),
		regexp.MustCompile(`(?i)\b(?:party|group|family) of (\d+|one|two|three|four|five|six|seven|eight|nine|ten)\b`),
		regexp.MustCompile(`(?i)\bfor (\d+|two|three|four|five|six|seven|eight|nine|ten)\b(?:\s+(\p{L}+))?`),
	}
)

// countedUnits follow "for N" when N counts something other than people.
var countedUnits = map[string]struct{}{}

var numberWords = map[string]string{
	"one": "1", "two": "2", "three": "3", "four": "4", "five": "5",
	"six": "6", "seven": "7", "eight": "8", "nine": "9", "ten": "10",
}

// stopWords never count as part of a location.
var stopWords = map[string]struct{}{}

func init() {
	for _, w := range []string{
		"i", "i'm", "i'd", "i'll", "we", "my", "our", "you", "the", "a", "an", "please", "hi", "hello", "hey", "thanks",
		"find", "search", "show", "book", "reserve", "plan", "what", "where", "when", "how", "can", "could", "would",
		"will", "is", "are", "do", "does", "tell", "give", "get", "help", "translate", "any", "is", "it", "there",
		"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday",
		"january", "february", "march", "april", "may", "june", "july", "august", "september", "october", "november", "december",
		"today", "tomorrow", "tonight", "next", "this", "ok", "okay", "yes", "no",
	} {
		stopWords[w] = struct{}{}
	}
	for _, w := range []string{
		"night", "nights", "day", "days", "week", "weeks", "month", "months", "year", "years",
		"hour", "hours", "hr", "hrs", "minute", "minutes", "min", "mins", "am", "pm",
		"km", "kilometers", "miles", "percent", "bucks",
		"usd", "eur", "euro", "euros", "dollar", "dollars", "gbp", "pound", "pounds", "jpy", "yen", "rmb", "cny", "yuan",
	} {
		countedUnits[w] = struct{}{}
	}
}

// Extract runs every pass over text. A kind with no match is absent from the result.
func Extract(text string) conversation.Entities {
	out := conversation.Entities{}
	if strings.TrimSpace(text) == "" {
		return out
	}

	add := func(kind conversation.EntityKind, values []string) {
		if len(values) > 0 {
			out[kind] = values
		}
	}

	add(conversation.EntityLocations, Locations(text))
	add(conversation.EntityDates, Dates(text))
	add(conversation.EntityPrices, Prices(text))
	add(conversation.EntityGroupSize, GroupSizes(text))
	return out
}

// Locations returns capitalized word sequences with stop words trimmed. A single
// capitalized word opening a sentence is ignored since capitalization carries no signal there.
func Locations(text string) []string {
	var found []string
	for _, loc := range capitalizedRun.FindAllStringIndex(text, -1) {
		words := strings.Fields(text[loc[0]:loc[1]])
		if len(words) == 1 && sentenceStart(text, loc[0]) {
			continue
		}
		for len(words) > 0 && isStopWord(words[0]) {
			words = words[1:]
		}
		for len(words) > 0 && isStopWord(words[len(words)-1]) {
			words = words[:len(words)-1]
		}
		if len(words) == 0 {
			continue
		}
		found = appendUnique(found, strings.Join(words, " "))
	}
	return found
}

func sentenceStart(text string, at int) bool {
	prefix := strings.TrimRight(text[:at], " \t\r\n\"'(")
	if prefix == "" {
		return true
	}
	switch prefix[len(prefix)-1] {
	case '.', '!', '?':
		return true
	}
	return false
}

// Dates returns relative terms and numeric or month-name dates in text order.
func Dates(text string) []string {
	var found []string
	for _, m := range datePattern.FindAllString(text, -1) {
		found = appendUnique(found, strings.ToLower(m))
	}
	return found
}

// Prices returns currency-prefixed or currency-suffixed amounts.
func Prices(text string) []string {
	var found []string
	for _, m := range pricePattern.FindAllString(text, -1) {
		found = appendUnique(found, strings.TrimSpace(m))
	}
	return found
}

// GroupSizes returns the head counts mentioned, normalized to digits.
func GroupSizes(text string) []string {
	var found []string
	for _, pattern := range groupPatterns {
		for _, m := range pattern.FindAllStringSubmatch(text, -1) {
			if len(m) > 2 {
				if _, unit := countedUnits[strings.ToLower(m[2])]; unit {
					continue
				}
			}
			found = appendUnique(found, normalizeCount(m[1]))
		}
	}
	return found
}

func normalizeCount(raw string) string {
	lower := strings.ToLower(raw)
	if digits, ok := numberWords[lower]; ok {
		return digits
	}
	if n, err := strconv.Atoi(lower); err == nil {
		return strconv.Itoa(n)
	}
	return lower
}

func isStopWord(word string) bool {
	_, ok := stopWords[strings.ToLower(strings.Trim(word, "'’-"))]
	return ok
}

func appendUnique(values []string, v string) []string {
	for _, existing := range values {
		if existing == v {
			return values
		}
	}
	return append(values, v)
}
