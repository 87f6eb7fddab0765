// Package grading scores learner answers to in-lesson questions. Grading
// is local and lenient: it exists to pace the lesson, not to produce exam
// marks, so strategies err on the side of accepting an answer.
package grading

import (
	"strings"

	"github.com/cleo-edu/cleo-live/pkg/lesson"
)

// Result is a graded answer.
type Result struct {
	Correct bool
	// Score is the fraction of expected keywords matched, in [0, 1].
	// Always 1 for strategies that do not inspect the answer.
	Score float64
}

// Strategy grades one answer against one question.
type Strategy interface {
	Grade(q lesson.Question, answer string) Result
}

// Policy picks a grading strategy per subject. Discussion-style subjects
// accept any substantive answer; fact-based subjects match keywords.
type Policy struct {
	// Threshold is the keyword match fraction required for a correct
	// answer. Default: 0.5.
	Threshold float64

	// VerbalFeedbackSubjects lists the subjects graded AcceptAll.
	// Compared case-insensitively. A nil slice selects the defaults.
	VerbalFeedbackSubjects []string
}

// DefaultPolicy returns the standard grading policy.
func DefaultPolicy() Policy {
	return Policy{
		Threshold:              0.5,
		VerbalFeedbackSubjects: []string{"english", "history", "religious studies"},
	}
}

// StrategyFor returns the strategy for a subject.
func (p Policy) StrategyFor(subject string) Strategy {
	threshold := p.Threshold
	if threshold <= 0 {
		threshold = DefaultPolicy().Threshold
	}
	verbal := p.VerbalFeedbackSubjects
	if verbal == nil {
		verbal = DefaultPolicy().VerbalFeedbackSubjects
	}
	normalized := normalize(subject)
	for _, s := range verbal {
		if normalize(s) == normalized {
			return AcceptAll{}
		}
	}
	return KeywordMatch{Threshold: threshold}
}

// AcceptAll marks any non-empty answer correct. Used for subjects where
// the tutor's spoken feedback is the real assessment.
type AcceptAll struct{}

func (AcceptAll) Grade(_ lesson.Question, answer string) Result {
	if strings.TrimSpace(answer) == "" {
		return Result{}
	}
	return Result{Correct: true, Score: 1}
}

// KeywordMatch grades by the fraction of expected keywords present in the
// answer. When the question lists no keywords, the exact answer text is
// compared case-insensitively.
type KeywordMatch struct {
	Threshold float64
}

func (k KeywordMatch) Grade(q lesson.Question, answer string) Result {
	normalized := normalize(answer)
	if normalized == "" {
		return Result{}
	}

	if len(q.Keywords) == 0 {
		if normalize(q.Answer) == normalized {
			return Result{Correct: true, Score: 1}
		}
		return Result{}
	}

	matched := 0
	for _, kw := range q.Keywords {
		if kw = normalize(kw); kw != "" && strings.Contains(normalized, kw) {
			matched++
		}
	}
	score := float64(matched) / float64(len(q.Keywords))
	return Result{Correct: score >= k.Threshold, Score: score}
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
