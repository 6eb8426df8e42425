// Package query parses and evaluates the line protocol spoken on the
// query port: HELP, COUNT, STATS, and QUERY with key=value filters.
package query

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/logcrafter/server/internal/store"
)

// Kind identifies a parsed command verb.
type Kind int

const (
	KindHelp Kind = iota
	KindCount
	KindStats
	KindSearch
)

// Command is one parsed client request.
type Command struct {
	Kind  Kind
	Query *Query // Set only for KindSearch
}

// Operator combines multiple keyword filters.
type Operator int

const (
	OpAnd Operator = iota
	OpOr
)

// Query holds the filters of a QUERY command. A zero filter is absent
// and matches everything; Matches requires every present filter.
type Query struct {
	Keywords    []string
	Operator    Operator
	HasOperator bool

	Regex *regexp.Regexp

	TimeFrom    int64
	TimeTo      int64
	HasTimeFrom bool
	HasTimeTo   bool
}

// ParseError is a rejected command. The text is reported to the client
// verbatim, so it is capitalized and prefixed with "ERROR: " by the
// connection handler.
type ParseError string

func (e ParseError) Error() string { return string(e) }

// HelpText is the response to the HELP command.
const HelpText = "HELP - show this text\n" +
	"COUNT - number of logs currently buffered\n" +
	"STATS - totals, persistence counters, and active client counts\n" +
	"QUERY keyword=<text> keywords=a,b operator=AND|OR regex=<pattern> " +
	"time_from=<unix> time_to=<unix>\n"

// ParseCommand parses one protocol line. The returned error, if any,
// is always a ParseError.
func ParseCommand(line string) (Command, error) {
	switch line {
	case "HELP":
		return Command{Kind: KindHelp}, nil
	case "COUNT":
		return Command{Kind: KindCount}, nil
	case "STATS":
		return Command{Kind: KindStats}, nil
	}

	if args, ok := strings.CutPrefix(line, "QUERY"); ok && (args == "" || args[0] == ' ') {
		q, err := ParseQuery(args)
		if err != nil {
			return Command{}, err
		}
		return Command{Kind: KindSearch, Query: q}, nil
	}

	return Command{}, ParseError("Unknown command. Use HELP for usage.")
}

// ParseQuery parses the whitespace-separated key=value arguments of a
// QUERY command. Tokens without '=' and unknown keys are ignored so
// newer clients can pass extra parameters to older servers.
func ParseQuery(args string) (*Query, error) {
	q := &Query{}

	for _, token := range strings.Fields(args) {
		key, value, ok := strings.Cut(token, "=")
		if !ok {
			continue
		}

		switch key {
		case "keyword":
			if value == "" {
				return nil, ParseError("Empty keyword parameter.")
			}
			q.Keywords = append(q.Keywords, value)

		case "keywords":
			added := 0
			for _, kw := range strings.Split(value, ",") {
				if kw == "" {
					continue
				}
				q.Keywords = append(q.Keywords, kw)
				added++
			}
			if added == 0 {
				return nil, ParseError("Invalid keywords parameter.")
			}

		case "operator":
			if value == "" {
				return nil, ParseError("Empty operator parameter.")
			}
			switch strings.ToUpper(value) {
			case "AND":
				q.Operator = OpAnd
			case "OR":
				q.Operator = OpOr
			default:
				return nil, ParseError("Operator must be AND or OR.")
			}
			q.HasOperator = true

		case "regex":
			if value == "" {
				return nil, ParseError("Empty regex parameter.")
			}
			if q.Regex != nil {
				return nil, ParseError("Duplicate regex parameter.")
			}
			re, err := regexp.Compile(value)
			if err != nil {
				return nil, ParseError(fmt.Sprintf("Regex compile failed: %v", err))
			}
			q.Regex = re

		case "time_from":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil || ts < 0 {
				return nil, ParseError("Invalid time_from parameter.")
			}
			q.TimeFrom = ts
			q.HasTimeFrom = true

		case "time_to":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil || ts < 0 {
				return nil, ParseError("Invalid time_to parameter.")
			}
			q.TimeTo = ts
			q.HasTimeTo = true
		}
	}

	if len(q.Keywords) == 0 && q.Regex == nil && !q.HasTimeFrom && !q.HasTimeTo {
		if q.HasOperator {
			return nil, ParseError("operator requires keywords parameter.")
		}
		return nil, ParseError("Provide at least one filter parameter.")
	}
	if q.HasOperator && len(q.Keywords) == 0 {
		return nil, ParseError("operator requires keywords parameter.")
	}
	if len(q.Keywords) > 1 && !q.HasOperator {
		return nil, ParseError("operator=AND|OR is required with multiple keywords.")
	}
	if q.HasTimeFrom && q.HasTimeTo && q.TimeFrom > q.TimeTo {
		return nil, ParseError("time_from must be <= time_to.")
	}

	return q, nil
}

// Matches reports whether an entry satisfies every present filter.
// Keyword matching is a case-sensitive substring test; time bounds are
// inclusive on both ends.
func (q *Query) Matches(e store.Entry) bool {
	if len(q.Keywords) > 0 && !q.matchKeywords(e.Text) {
		return false
	}
	if q.Regex != nil && !q.Regex.MatchString(e.Text) {
		return false
	}
	if q.HasTimeFrom && e.Timestamp < q.TimeFrom {
		return false
	}
	if q.HasTimeTo && e.Timestamp > q.TimeTo {
		return false
	}
	return true
}

func (q *Query) matchKeywords(text string) bool {
	if q.Operator == OpOr {
		for _, kw := range q.Keywords {
			if strings.Contains(text, kw) {
				return true
			}
		}
		return false
	}
	for _, kw := range q.Keywords {
		if !strings.Contains(text, kw) {
			return false
		}
	}
	return true
}
