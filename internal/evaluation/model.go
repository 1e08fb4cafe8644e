// Package evaluation holds the canonical evaluation result and normalizes the
// rubric payload shapes returned by the scoring backend into it.
package evaluation

import "strings"

// DefaultCriterionMax is the per-criterion scale used when a payload gives none.
const DefaultCriterionMax = 5.0

// DefaultScaleMax is the overall scale used when a payload gives none.
const DefaultScaleMax = 100.0

type Criterion struct {
	Name                 string   `json:"name"`
	Score                float64  `json:"score"`
	MaxScore             float64  `json:"maxScore"`
	Feedback             string   `json:"feedback"`
	TranscriptReferences []string `json:"transcriptReferences"`
}

type Interval struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type SpeechMetrics struct {
	WordCount            int        `json:"wordCount"`
	FillerCount          int        `json:"fillerCount"`
	SpeakingRateWPM      float64    `json:"speakingRateWpm"`
	TotalDurationSeconds float64    `json:"totalDurationSeconds"`
	LongPauses           []Interval `json:"longPauses"`
}

type TimestampRange struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Word  string  `json:"word"`
}

// ActionableTip priority runs from 1 (highest) to 3.
type ActionableTip struct {
	Title           string           `json:"title"`
	Description     string           `json:"description"`
	Priority        int              `json:"priority"`
	TranscriptLines []string         `json:"transcriptLines"`
	TimestampRanges []TimestampRange `json:"timestampRanges"`
}

// Result is the canonical evaluation of one spoken response.
type Result struct {
	Transcript     string          `json:"transcript"`
	OverallScore   float64         `json:"overallScore"`
	ScaleMax       float64         `json:"scaleMax"`
	Criteria       []Criterion     `json:"criteria"`
	Strengths      []string        `json:"strengths"`
	Improvements   []string        `json:"improvements"`
	DeliveryTips   []string        `json:"deliveryTips"`
	SpeechMetrics  *SpeechMetrics  `json:"speechMetrics,omitempty"`
	ActionableTips []ActionableTip `json:"actionableTips,omitempty"`
}

// Percent returns the overall score as a percentage of the scale.
func (r *Result) Percent() float64 {
	if r == nil || r.ScaleMax <= 0 {
		return 0
	}
	return r.OverallScore / r.ScaleMax * 100
}

// RubricCriterion is one graded dimension of a rubric.
type RubricCriterion struct {
	Name        string  `json:"name" yaml:"name" mapstructure:"name"`
	Description string  `json:"description" yaml:"description" mapstructure:"description"`
	MaxScore    float64 `json:"maxScore" yaml:"max_score" mapstructure:"maxscore"`
}

// Rubric is a named set of scoring criteria.
type Rubric struct {
	Name     string            `json:"name" yaml:"name" mapstructure:"name"`
	Criteria []RubricCriterion `json:"criteria" yaml:"criteria" mapstructure:"criteria"`
}

// AlignTo orders the result's criteria to follow the rubric. Criteria the
// rubric does not name keep their relative order after the matched ones.
func (r *Result) AlignTo(rubric *Rubric) {
	if r == nil || rubric == nil || len(rubric.Criteria) == 0 {
		return
	}

	used := make([]bool, len(r.Criteria))
	ordered := make([]Criterion, 0, len(r.Criteria))
	for _, rc := range rubric.Criteria {
		for i, c := range r.Criteria {
			if used[i] || !sameName(c.Name, rc.Name) {
				continue
			}
			used[i] = true
			ordered = append(ordered, c)
			break
		}
	}
	for i, c := range r.Criteria {
		if !used[i] {
			ordered = append(ordered, c)
		}
	}
	r.Criteria = ordered
}

func sameName(a, b string) bool {
	return foldKey(a) == foldKey(b)
}

func foldKey(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if r == '_' || r == '-' || r == ' ' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
