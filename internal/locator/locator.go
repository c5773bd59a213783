// Package locator resolves step targets to concrete elements on the live page.
package locator

import (
	"context"
	"errors"
	"slices"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autopilot-cli/api/schemas"
	"github.com/xkilldash9x/autopilot-cli/internal/browser/dom"
)

// Options configures ranking.
type Options struct {
	// Threshold is the minimum relevance a semantic candidate needs.
	Threshold float64
	// AmbiguityMargin is the score distance under which the top two candidates
	// are considered indistinguishable for targets requiring uniqueness.
	AmbiguityMargin float64
}

// Resolved is a successfully located element.
type Resolved struct {
	Handle  schemas.ElementHandle
	Element schemas.ElementDescription
	Score   float64
}

// Locator is stateless apart from its options and may be shared by sessions.
type Locator struct {
	opts   Options
	logger *zap.Logger
}

// New creates a locator.
func New(opts Options, logger *zap.Logger) *Locator {
	return &Locator{opts: opts, logger: logger.Named("locator")}
}

type ranked struct {
	desc  schemas.ElementDescription
	score float64
}

// Locate resolves t against the page behind b. The returned LocatorResult is
// always populated for the attempt record; the error is a LOCATOR_NOT_FOUND or
// LOCATOR_AMBIGUOUS AutomationError, or a transport failure from the browser.
func (l *Locator) Locate(ctx context.Context, b schemas.Browser, t schemas.Target) (Resolved, schemas.LocatorResult, error) {
	res := schemas.LocatorResult{Target: t}
	candidates, err := b.FindCandidates(ctx, t)
	if err != nil {
		if ctx.Err() != nil {
			return Resolved{}, res, ctx.Err()
		}
		code := schemas.ErrCodeLocatorNotFound
		if !errors.Is(err, schemas.ErrUnsupported) && !isQueryError(err) {
			code = schemas.ErrCodeProvider
		}
		return l.fail(res, schemas.NewError(code, "locator.Locate", err))
	}
	res.Candidates = len(candidates)

	var rankedList []ranked
	if t.Kind == schemas.TargetSemantic {
		rankedList = l.rankSemantic(t.Value, candidates)
	} else {
		rankedList = rankStructural(candidates)
	}
	if len(rankedList) == 0 {
		return l.fail(res, schemas.Errorf(schemas.ErrCodeLocatorNotFound, "locator.Locate",
			"no element matching %s cleared the relevance threshold (%d candidates)", t, len(candidates)))
	}

	top := rankedList[0]
	if t.RequireUnique && len(rankedList) > 1 && top.score-rankedList[1].score <= l.opts.AmbiguityMargin {
		second := rankedList[1]
		return l.fail(res, schemas.Errorf(schemas.ErrCodeLocatorAmbiguous, "locator.Locate",
			"%s is ambiguous: %s (%.2f) and %s (%.2f)", t, dom.Summary(top.desc), top.score, dom.Summary(second.desc), second.score))
	}

	res.Found = true
	res.ElementID = top.desc.Handle.ID
	res.Description = dom.Summary(top.desc)
	res.Score = top.score
	l.logger.Debug("Target resolved",
		zap.Stringer("target", t),
		zap.String("element", res.Description),
		zap.Float64("score", top.score),
		zap.Int("candidates", len(candidates)))
	return Resolved{Handle: top.desc.Handle, Element: top.desc, Score: top.score}, res, nil
}

func (l *Locator) fail(res schemas.LocatorResult, err *schemas.AutomationError) (Resolved, schemas.LocatorResult, error) {
	res.ErrorCode = err.Code
	res.Error = err.Error()
	l.logger.Debug("Target not resolved", zap.Stringer("target", res.Target), zap.Error(err))
	return Resolved{}, res, err
}

// rankSemantic scores every candidate and keeps those above the threshold,
// best first with ties broken by document order.
func (l *Locator) rankSemantic(value string, candidates []schemas.ElementDescription) []ranked {
	q := parseQuery(value)
	out := make([]ranked, 0, len(candidates))
	for _, c := range candidates {
		s := score(q, c)
		if s >= l.opts.Threshold && s > 0 {
			out = append(out, ranked{desc: c, score: s})
		}
	}
	sortRanked(out)
	return out
}

// rankStructural orders direct selector matches: visible, enabled, interactive
// elements first, then document order. Every match scores 1.
func rankStructural(candidates []schemas.ElementDescription) []ranked {
	out := make([]ranked, 0, len(candidates))
	for _, c := range candidates {
		s := 1.0
		// Salience only orders structural matches; it never rejects them.
		if !c.Visible {
			s -= 0.002
		}
		if c.Disabled || !c.Interactive {
			s -= 0.001
		}
		out = append(out, ranked{desc: c, score: s})
	}
	sortRanked(out)
	return out
}

func sortRanked(rs []ranked) {
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].score != rs[j].score {
			return rs[i].score > rs[j].score
		}
		return rs[i].desc.Ordinal < rs[j].desc.Ordinal
	})
}

func isQueryError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "invalid css selector") || strings.Contains(msg, "invalid xpath") ||
		strings.Contains(msg, "not a valid")
}

// Relax returns a broader descriptor for a retry after a not-found or stale
// failure. Semantic phrases drop role and filler words, then keep only their
// most specific word; structural selectors drop qualifiers; anything that cannot
// be broadened falls back to a semantic target built from the step description.
// The boolean is false when nothing broader exists.
func Relax(t schemas.Target, description string) (schemas.Target, bool) {
	switch t.Kind {
	case schemas.TargetSemantic:
		q := parseQuery(t.Value)
		if q.phrase != "" && q.phrase != strings.ToLower(strings.Join(tokenize(t.Value), " ")) {
			return schemas.Target{Kind: schemas.TargetSemantic, Value: q.phrase, RequireUnique: t.RequireUnique}, true
		}
		if len(q.content) > 1 {
			longest := q.content[0]
			for _, w := range q.content[1:] {
				if len(w) > len(longest) {
					longest = w
				}
			}
			return schemas.Target{Kind: schemas.TargetSemantic, Value: longest, RequireUnique: t.RequireUnique}, true
		}
	case schemas.TargetCSS:
		if relaxed := relaxCSS(t.Value); relaxed != "" && relaxed != t.Value {
			return schemas.Target{Kind: schemas.TargetCSS, Value: relaxed, RequireUnique: t.RequireUnique}, true
		}
	}
	if fallback := strings.TrimSpace(description); fallback != "" {
		if t.Kind == schemas.TargetSemantic && narrowsTo(fallback, t.Value) {
			return t, false
		}
		relaxed := schemas.Target{Kind: schemas.TargetSemantic, Value: fallback, RequireUnique: t.RequireUnique}
		if relaxed != t {
			return relaxed, true
		}
	}
	return t, false
}

// narrowsTo reports whether relaxing description leads back to value, which
// would make falling back to it alternate between the two.
func narrowsTo(description, value string) bool {
	cur := strings.Join(tokenize(value), " ")
	q := parseQuery(description)
	return q.phrase == cur || q.phrase == parseQuery(value).phrase || slices.Contains(q.content, cur)
}

// relaxCSS removes pseudo-classes first, then attribute qualifiers, then all
// but the last compound selector.
func relaxCSS(sel string) string {
	sel = strings.TrimSpace(sel)
	if strings.Contains(sel, ",") {
		return sel
	}
	if stripped := stripBetween(sel, ':', 0); stripped != sel {
		return stripped
	}
	if stripped := stripBetween(sel, '[', ']'); stripped != sel && stripped != "" {
		return stripped
	}
	parts := strings.Fields(strings.NewReplacer(">", " ", "+", " ", "~", " ").Replace(sel))
	if len(parts) > 1 {
		return parts[len(parts)-1]
	}
	return sel
}

// stripBetween removes every open...close section (open to the end of the
// compound when close is zero), keeping the result well formed.
func stripBetween(s string, open, close rune) string {
	var sb strings.Builder
	depth := 0
	skipping := false
	for _, r := range s {
		switch {
		case close == 0 && r == open:
			skipping = true
			continue
		case close == 0 && skipping && (r == ' ' || r == '>' || r == '+' || r == '~'):
			skipping = false
		case close != 0 && r == open:
			depth++
			continue
		case close != 0 && r == close && depth > 0:
			depth--
			continue
		}
		if skipping || depth > 0 {
			continue
		}
		sb.WriteRune(r)
	}
	return strings.TrimSpace(sb.String())
}
