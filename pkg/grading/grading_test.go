package grading

import (
	"testing"

	"github.com/cleo-edu/cleo-live/pkg/lesson"
)

func TestKeywordMatch_Threshold(t *testing.T) {
	q := lesson.Question{
		Prompt:   "Name the factors of photosynthesis",
		Keywords: []string{"light", "water", "carbon dioxide", "chlorophyll"},
	}
	strategy := KeywordMatch{Threshold: 0.5}

	tests := []struct {
		name        string
		answer      string
		wantCorrect bool
		wantScore   float64
	}{
		{"all keywords", "light, water, carbon dioxide and chlorophyll", true, 1},
		{"half keywords", "you need light and water", true, 0.5},
		{"below threshold", "you need light", false, 0.25},
		{"case insensitive", "LIGHT and WATER", true, 0.5},
		{"empty answer", "", false, 0},
		{"no keywords matched", "not sure", false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := strategy.Grade(q, tt.answer)
			if got.Correct != tt.wantCorrect {
				t.Errorf("Grade(%q).Correct = %v, want %v", tt.answer, got.Correct, tt.wantCorrect)
			}
			if got.Score != tt.wantScore {
				t.Errorf("Grade(%q).Score = %v, want %v", tt.answer, got.Score, tt.wantScore)
			}
		})
	}
}

func TestKeywordMatch_ExactAnswerFallback(t *testing.T) {
	q := lesson.Question{Prompt: "2+2?", Answer: "4"}
	strategy := KeywordMatch{Threshold: 0.5}

	if got := strategy.Grade(q, " 4 "); !got.Correct {
		t.Error("Expected exact answer to be correct")
	}
	if got := strategy.Grade(q, "5"); got.Correct {
		t.Error("Expected wrong answer to be incorrect")
	}
}

func TestAcceptAll(t *testing.T) {
	q := lesson.Question{Prompt: "What does the poet mean here?"}

	if got := (AcceptAll{}).Grade(q, "an interpretation"); !got.Correct || got.Score != 1 {
		t.Errorf("Expected any substantive answer accepted, got %+v", got)
	}
	if got := (AcceptAll{}).Grade(q, "   "); got.Correct {
		t.Error("Expected blank answer rejected even by AcceptAll")
	}
}

func TestPolicy_StrategyFor(t *testing.T) {
	p := DefaultPolicy()

	if _, ok := p.StrategyFor("English").(AcceptAll); !ok {
		t.Error("Expected discussion subject to use AcceptAll")
	}
	if _, ok := p.StrategyFor("maths").(KeywordMatch); !ok {
		t.Error("Expected fact-based subject to use KeywordMatch")
	}

	// The threshold is carried into the strategy.
	p.Threshold = 0.75
	km, ok := p.StrategyFor("science").(KeywordMatch)
	if !ok {
		t.Fatal("Expected KeywordMatch for science")
	}
	if km.Threshold != 0.75 {
		t.Errorf("Expected threshold 0.75, got %v", km.Threshold)
	}
}

func TestPolicy_StrategyFor_CustomSubjects(t *testing.T) {
	p := Policy{VerbalFeedbackSubjects: []string{"Philosophy", "drama"}}

	if _, ok := p.StrategyFor("philosophy").(AcceptAll); !ok {
		t.Error("Expected configured subject to use AcceptAll")
	}
	if _, ok := p.StrategyFor("DRAMA").(AcceptAll); !ok {
		t.Error("Expected subject matching to be case-insensitive")
	}
	// A custom list replaces the defaults entirely.
	if _, ok := p.StrategyFor("english").(KeywordMatch); !ok {
		t.Error("Expected default subjects dropped when a custom list is set")
	}

	// An empty non-nil list grades every subject by keywords.
	none := Policy{VerbalFeedbackSubjects: []string{}}
	if _, ok := none.StrategyFor("english").(KeywordMatch); !ok {
		t.Error("Expected empty list to disable AcceptAll everywhere")
	}

	// The zero value keeps the default subjects.
	var zero Policy
	if _, ok := zero.StrategyFor("english").(AcceptAll); !ok {
		t.Error("Expected zero-value policy to use the default subjects")
	}
}
