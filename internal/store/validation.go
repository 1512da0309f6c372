package store

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidQuestionOrder = errors.New("question positions must be 0..n-1 with no gaps or duplicates")
	ErrInvalidAnswerRouting = errors.New("only the last possible answer of a multi-choice question may route")
	ErrSelfRouting          = errors.New("a question cannot route to itself")
)

// ValidateQuestionPositions checks that a survey's question positions form
// the exact set {0, 1, ..., n-1}.
func ValidateQuestionPositions(questions []Question) error {
	seen := make(map[int]bool, len(questions))
	for _, q := range questions {
		if q.Position < 0 || q.Position >= len(questions) {
			return fmt.Errorf("question %d at position %d: %w", q.ID, q.Position, ErrInvalidQuestionOrder)
		}
		if seen[q.Position] {
			return fmt.Errorf("duplicate position %d: %w", q.Position, ErrInvalidQuestionOrder)
		}
		seen[q.Position] = true
	}
	return nil
}

// ValidateQuestionRouting checks a question's routing invariants:
// no self-references, and for multi-choice questions only the possible
// answer at the last position may carry a next_question_id.
func ValidateQuestionRouting(q Question) error {
	if q.NextQuestionID != nil && *q.NextQuestionID == q.ID {
		return fmt.Errorf("question %d: %w", q.ID, ErrSelfRouting)
	}
	if q.FreeTextNextQuestionID != nil && *q.FreeTextNextQuestionID == q.ID {
		return fmt.Errorf("question %d: %w", q.ID, ErrSelfRouting)
	}

	lastPosition := -1
	for _, pa := range q.PossibleAnswers {
		if pa.Position > lastPosition {
			lastPosition = pa.Position
		}
	}
	for _, pa := range q.PossibleAnswers {
		if pa.NextQuestionID == nil {
			continue
		}
		if *pa.NextQuestionID == q.ID {
			return fmt.Errorf("possible answer %d: %w", pa.ID, ErrSelfRouting)
		}
		if q.QuestionType == QuestionTypeMultipleChoices && pa.Position != lastPosition {
			return fmt.Errorf("possible answer %d at position %d: %w", pa.ID, pa.Position, ErrInvalidAnswerRouting)
		}
	}
	return nil
}
