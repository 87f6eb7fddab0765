package lesson

// Step is a single teaching step within a lesson plan.
type Step struct {
	// ID uniquely identifies the step within its lesson.
	ID string `json:"id"`

	// Index is the zero-based position of the step in the lesson plan.
	Index int `json:"index"`

	// Title is the learner-facing step heading.
	Title string `json:"title,omitempty"`
}

// Plan is the ordered set of steps Cleo works through during a lesson.
type Plan struct {
	ID        string `json:"id"`
	Title     string `json:"title,omitempty"`
	Subject   string `json:"subject,omitempty"`
	YearGroup string `json:"year_group,omitempty"`
	Topic     string `json:"topic,omitempty"`

	// ExamPractice marks exam-practice lessons, which carry a longer
	// voice time quota than regular lessons.
	ExamPractice bool `json:"exam_practice,omitempty"`

	Steps []Step `json:"steps"`
}

// TotalSteps returns the number of steps in the plan.
func (p *Plan) TotalSteps() int {
	if p == nil {
		return 0
	}
	return len(p.Steps)
}

// HasStep reports whether a step with the given id exists in the plan.
func (p *Plan) HasStep(stepID string) bool {
	if p == nil {
		return false
	}
	for _, step := range p.Steps {
		if step.ID == stepID {
			return true
		}
	}
	return false
}

// StepIDs returns the step ids in lesson order.
func (p *Plan) StepIDs() []string {
	if p == nil {
		return nil
	}
	ids := make([]string, 0, len(p.Steps))
	for _, step := range p.Steps {
		ids = append(ids, step.ID)
	}
	return ids
}
