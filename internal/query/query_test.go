package query

import (
	"strings"
	"testing"

	"github.com/logcrafter/server/internal/store"
)

func TestParseCommand_Verbs(t *testing.T) {
	tests := []struct {
		line    string
		kind    Kind
		wantErr string
	}{
		{line: "HELP", kind: KindHelp},
		{line: "COUNT", kind: KindCount},
		{line: "STATS", kind: KindStats},
		{line: "QUERY keyword=x", kind: KindSearch},
		{line: "help", wantErr: "Unknown command. Use HELP for usage."},
		{line: "STATS now", wantErr: "Unknown command. Use HELP for usage."},
		{line: "QUERYX", wantErr: "Unknown command. Use HELP for usage."},
		{line: "FLUSH", wantErr: "Unknown command. Use HELP for usage."},
		{line: "QUERY", wantErr: "Provide at least one filter parameter."},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			cmd, err := ParseCommand(tt.line)
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("Expected error %q, got none", tt.wantErr)
				}
				if err.Error() != tt.wantErr {
					t.Errorf("Expected error %q, got %q", tt.wantErr, err.Error())
				}
				return
			}
			if err != nil {
				t.Fatalf("parse error: %v", err)
			}
			if cmd.Kind != tt.kind {
				t.Errorf("Expected kind %v, got %v", tt.kind, cmd.Kind)
			}
			if tt.kind == KindSearch && cmd.Query == nil {
				t.Error("Search command missing query")
			}
		})
	}
}

func TestParseQuery_Filters(t *testing.T) {
	tests := []struct {
		args  string
		check func(*Query) bool
	}{
		{
			args: " keyword=ERROR",
			check: func(q *Query) bool {
				return len(q.Keywords) == 1 && q.Keywords[0] == "ERROR"
			},
		},
		{
			args: " keywords=disk,net operator=AND",
			check: func(q *Query) bool {
				return len(q.Keywords) == 2 && q.Operator == OpAnd && q.HasOperator
			},
		},
		{
			args: " keywords=disk,net operator=or",
			check: func(q *Query) bool {
				return q.Operator == OpOr
			},
		},
		{
			args: " keywords=,disk,",
			check: func(q *Query) bool {
				return len(q.Keywords) == 1 && q.Keywords[0] == "disk"
			},
		},
		{
			args: " regex=^ERROR.*full$",
			check: func(q *Query) bool {
				return q.Regex != nil && q.Regex.MatchString("ERROR: disk full")
			},
		},
		{
			args: " regex=a=b",
			check: func(q *Query) bool {
				// Only the first '=' splits key from value.
				return q.Regex != nil && q.Regex.MatchString("a=b")
			},
		},
		{
			args: " time_from=100 time_to=200",
			check: func(q *Query) bool {
				return q.HasTimeFrom && q.HasTimeTo && q.TimeFrom == 100 && q.TimeTo == 200
			},
		},
		{
			args: " keyword=x unknown=zzz bare",
			check: func(q *Query) bool {
				// Unknown keys and bare tokens are ignored.
				return len(q.Keywords) == 1
			},
		},
		{
			args: " keyword=a keywords=b,c operator=OR",
			check: func(q *Query) bool {
				return len(q.Keywords) == 3 && q.Operator == OpOr
			},
		},
	}

	for _, tt := range tests {
		t.Run(strings.TrimSpace(tt.args), func(t *testing.T) {
			q, err := ParseQuery(tt.args)
			if err != nil {
				t.Fatalf("parse error: %v", err)
			}
			if !tt.check(q) {
				t.Errorf("check failed, got: %+v", q)
			}
		})
	}
}

func TestParseQuery_Errors(t *testing.T) {
	tests := []struct {
		args string
		want string
	}{
		{"", "Provide at least one filter parameter."},
		{" nonsense", "Provide at least one filter parameter."},
		{" keyword=", "Empty keyword parameter."},
		{" keywords=,,", "Invalid keywords parameter."},
		{" operator=", "Empty operator parameter."},
		{" keywords=a,b operator=XOR", "Operator must be AND or OR."},
		{" operator=AND", "operator requires keywords parameter."},
		{" regex=x operator=AND", "operator requires keywords parameter."},
		{" keywords=a,b", "operator=AND|OR is required with multiple keywords."},
		{" keyword=a keyword=b", "operator=AND|OR is required with multiple keywords."},
		{" regex=", "Empty regex parameter."},
		{" regex=a regex=b", "Duplicate regex parameter."},
		{" regex=[unclosed", ""},
		{" time_from=abc", "Invalid time_from parameter."},
		{" time_from=-5", "Invalid time_from parameter."},
		{" time_to=12x", "Invalid time_to parameter."},
		{" time_from=200 time_to=100", "time_from must be <= time_to."},
	}

	for _, tt := range tests {
		t.Run(strings.TrimSpace(tt.args), func(t *testing.T) {
			_, err := ParseQuery(tt.args)
			if err == nil {
				t.Fatal("Expected error, got none")
			}
			if _, ok := err.(ParseError); !ok {
				t.Errorf("Expected ParseError, got %T", err)
			}
			if tt.want == "" {
				// Message embeds the regexp error, just check the prefix.
				if !strings.HasPrefix(err.Error(), "Regex compile failed: ") {
					t.Errorf("Expected regex failure, got %q", err.Error())
				}
				return
			}
			if err.Error() != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, err.Error())
			}
		})
	}
}

func TestQuery_MatchesKeywordSets(t *testing.T) {
	entries := []store.Entry{
		{Text: "alpha only", Timestamp: 10},
		{Text: "beta only", Timestamp: 20},
		{Text: "alpha and beta", Timestamp: 30},
		{Text: "neither one", Timestamp: 40},
	}

	tests := []struct {
		name string
		args string
		want int
	}{
		{"single keyword", " keyword=alpha", 2},
		{"and", " keywords=alpha,beta operator=AND", 1},
		{"or", " keywords=alpha,beta operator=OR", 3},
		{"regex", " regex=^alpha", 2},
		{"time window", " time_from=20 time_to=30", 2},
		{"combined", " keyword=alpha time_to=10", 1},
		{"no match", " keyword=gamma", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := ParseQuery(tt.args)
			if err != nil {
				t.Fatalf("parse error: %v", err)
			}
			got := 0
			for _, e := range entries {
				if q.Matches(e) {
					got++
				}
			}
			if got != tt.want {
				t.Errorf("Expected %d matches, got %d", tt.want, got)
			}
		})
	}
}

func TestQuery_MatchesCaseSensitive(t *testing.T) {
	e := store.Entry{Text: "ERROR: disk full"}

	q, err := ParseQuery(" keyword=ERROR")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if !q.Matches(e) {
		t.Error("Expected match on exact case")
	}

	q, err = ParseQuery(" keyword=error")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if q.Matches(e) {
		t.Error("Keyword match must be case-sensitive")
	}
}

func TestQuery_TimeBoundsInclusive(t *testing.T) {
	q, err := ParseQuery(" time_from=100 time_to=200")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}

	tests := []struct {
		ts   int64
		want bool
	}{
		{99, false},
		{100, true},
		{150, true},
		{200, true},
		{201, false},
	}
	for _, tt := range tests {
		if got := q.Matches(store.Entry{Text: "x", Timestamp: tt.ts}); got != tt.want {
			t.Errorf("ts=%d: expected %v, got %v", tt.ts, tt.want, got)
		}
	}
}

func TestQuery_RegexUnanchoredSearch(t *testing.T) {
	q, err := ParseQuery(" regex=d.sk")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if !q.Matches(store.Entry{Text: "ERROR: disk full"}) {
		t.Error("Regex should match anywhere in the text")
	}
	if q.Matches(store.Entry{Text: "all good"}) {
		t.Error("Regex should not match")
	}
}
