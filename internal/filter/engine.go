// Package filter implements the message matching engine.
package filter

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"chatsweep/internal/model"
)

var linkPattern = regexp.MustCompile(`https?://[^\s<>]+`)

// Evaluator is a compiled, side-effect-free predicate over message records.
// All configured criteria must hold for a record to match; an absent
// criterion places no constraint.
type Evaluator struct {
	cfg      model.RunConfig
	re       *regexp.Regexp
	minID    uint64
	maxID    uint64
	hasMinID bool
	hasMaxID bool
}

// Compile validates the filter portion of a run configuration and returns an
// Evaluator with the regex and identifier bounds pre-compiled.
func Compile(cfg model.RunConfig) (*Evaluator, error) {
	e := &Evaluator{cfg: cfg}

	if cfg.Pattern != "" {
		re, err := regexp.Compile("(?is)" + cfg.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern: %w", err)
		}
		e.re = re
	}

	var err error
	if cfg.MinID != "" {
		if e.minID, err = parseSnowflake(cfg.MinID); err != nil {
			return nil, fmt.Errorf("invalid min_id: %w", err)
		}
		e.hasMinID = true
	}
	if cfg.MaxID != "" {
		if e.maxID, err = parseSnowflake(cfg.MaxID); err != nil {
			return nil, fmt.Errorf("invalid max_id: %w", err)
		}
		e.hasMaxID = true
	}
	if e.hasMinID && e.hasMaxID && e.minID > e.maxID {
		return nil, fmt.Errorf("identifier range inverted: %s > %s", cfg.MinID, cfg.MaxID)
	}

	return e, nil
}

// Matches reports whether a record satisfies every configured criterion.
func (e *Evaluator) Matches(rec model.MessageRecord) bool {
	cfg := &e.cfg

	if rec.Pinned && !cfg.IncludePinned {
		return false
	}
	if cfg.AuthorID != "" && rec.AuthorID != cfg.AuthorID {
		return false
	}
	if cfg.Content != "" && !matchContent(rec.Content, cfg.Content, cfg.ExactContent) {
		return false
	}
	if e.re != nil && !e.re.MatchString(rec.Content) {
		return false
	}
	if cfg.HasLink && !linkPattern.MatchString(rec.Content) {
		return false
	}
	if cfg.HasFile && !rec.HasAttachment {
		return false
	}
	if cfg.NoFile && rec.HasAttachment {
		return false
	}
	if !cfg.After.IsZero() && rec.Timestamp.Before(cfg.After) {
		return false
	}
	if !cfg.Before.IsZero() && rec.Timestamp.After(cfg.Before) {
		return false
	}
	if e.hasMinID || e.hasMaxID {
		id, err := parseSnowflake(rec.ID)
		if err != nil {
			return false
		}
		if e.hasMinID && id < e.minID {
			return false
		}
		if e.hasMaxID && id > e.maxID {
			return false
		}
	}
	return true
}

func matchContent(content, want string, exact bool) bool {
	if exact {
		return strings.EqualFold(strings.TrimSpace(content), want)
	}
	return strings.Contains(strings.ToLower(content), strings.ToLower(want))
}

func parseSnowflake(id string) (uint64, error) {
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("not a snowflake: %q", id)
	}
	return n, nil
}
