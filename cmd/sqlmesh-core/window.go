package main

import (
	"fmt"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

var windowParser = newWindowParser()

func newWindowParser() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}

// parseWindowFlag resolves a --start/--end value. It accepts natural
// language ("yesterday", "3 days ago") the same way a due-date flag would,
// falling back to RFC3339 for scripted callers.
func parseWindowFlag(raw string, now time.Time) (time.Time, error) {
	if raw == "" {
		return time.Time{}, fmt.Errorf("empty time window value")
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	result, err := windowParser.Parse(raw, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time window %q: %w", raw, err)
	}
	if result == nil {
		return time.Time{}, fmt.Errorf("could not resolve time window %q", raw)
	}
	return result.Time, nil
}
