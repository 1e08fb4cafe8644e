package evaluation

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/speakcheck/internal/apperr"
)

func TestNormalizeBothCriterionShapes(t *testing.T) {
	shapes := map[string]map[string]any{
		"criterion shape": {
			"criterion":             "content",
			"score":                 4,
			"feedback":              "x",
			"transcript_references": []any{},
		},
		"named shape": {
			"name":     "Content Quality",
			"score":    4,
			"maxScore": 5,
			"feedback": "x",
		},
	}

	for name, criterion := range shapes {
		t.Run(name, func(t *testing.T) {
			result, err := Normalize(map[string]any{
				"overallScore": 80,
				"criteria":     []any{criterion},
			})
			require.NoError(t, err)
			require.Len(t, result.Criteria, 1)

			c := result.Criteria[0]
			assert.Equal(t, 4.0, c.Score)
			assert.Equal(t, "x", c.Feedback)
			assert.Equal(t, 5.0, c.MaxScore)
			assert.NotNil(t, c.TranscriptReferences)
		})
	}
}

func TestNormalizeJSONSnakeCasePayload(t *testing.T) {
	payload := []byte(`{
		"transcript": "I led the migration.",
		"overall_score": "72",
		"criteria": [
			{"criterion": "Clarity", "score": 3, "max_score": 4, "feedback": "clear", "transcript_references": ["I led"]},
			{"criterion": "Structure", "score": 2, "feedback": "loose"}
		],
		"strengths": ["confident"],
		"speech_analysis": {"word_count": 120, "filler_word_count": 4, "speaking_rate": 140.5, "total_duration": 51.2,
			"long_pauses": [{"start": 10.5, "end": 13}]},
		"actionable_tips": [
			{"title": "Slow down", "priority": 3},
			{"title": "Open with the result", "priority": 1, "timestamp_ranges": [{"start": 1, "end": 2, "word": "um"}]}
		]
	}`)

	result, err := NormalizeJSON(payload)
	require.NoError(t, err)

	assert.Equal(t, "I led the migration.", result.Transcript)
	assert.Equal(t, 72.0, result.OverallScore)
	assert.Equal(t, DefaultScaleMax, result.ScaleMax)
	require.Len(t, result.Criteria, 2)
	assert.Equal(t, "Clarity", result.Criteria[0].Name)
	assert.Equal(t, []string{"I led"}, result.Criteria[0].TranscriptReferences)
	assert.Equal(t, 4.0, result.Criteria[1].MaxScore, "sibling max score is shared")
	assert.Equal(t, []string{"confident"}, result.Strengths)
	assert.Empty(t, result.Improvements)
	assert.NotNil(t, result.Improvements)

	require.NotNil(t, result.SpeechMetrics)
	assert.Equal(t, 120, result.SpeechMetrics.WordCount)
	assert.Equal(t, 4, result.SpeechMetrics.FillerCount)
	assert.Equal(t, 140.5, result.SpeechMetrics.SpeakingRateWPM)
	assert.Equal(t, 51.2, result.SpeechMetrics.TotalDurationSeconds)
	assert.Equal(t, []Interval{{Start: 10.5, End: 13}}, result.SpeechMetrics.LongPauses)

	require.Len(t, result.ActionableTips, 2)
	assert.Equal(t, "Open with the result", result.ActionableTips[0].Title)
	assert.Equal(t, []TimestampRange{{Start: 1, End: 2, Word: "um"}}, result.ActionableTips[0].TimestampRanges)
	assert.Equal(t, "Slow down", result.ActionableTips[1].Title)
}

func TestNormalizeOptionalSectionsAbsent(t *testing.T) {
	result, err := Normalize(map[string]any{
		"overallScore": 50,
		"criteria":     []any{map[string]any{"name": "Content", "score": 2}},
	})
	require.NoError(t, err)

	assert.Nil(t, result.SpeechMetrics)
	assert.Nil(t, result.ActionableTips)
	assert.Equal(t, []string{}, result.Strengths)
	assert.Equal(t, []string{}, result.DeliveryTips)
	assert.Equal(t, DefaultCriterionMax, result.Criteria[0].MaxScore)
}

func TestNormalizeMalformed(t *testing.T) {
	tests := map[string]map[string]any{
		"nil payload":       nil,
		"no overall score":  {"criteria": []any{map[string]any{"name": "a", "score": 1}}},
		"no criteria":       {"overallScore": 10},
		"empty criteria":    {"overallScore": 10, "criteria": []any{}},
		"criteria scalar":   {"overallScore": 10, "criteria": "good"},
		"criterion scalar":  {"overallScore": 10, "criteria": []any{"good"}},
		"overall not a num": {"overallScore": "great", "criteria": []any{map[string]any{"name": "a"}}},
	}

	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Normalize(raw)
			require.Error(t, err)
			assert.True(t, apperr.IsKind(err, apperr.MalformedEvaluation), "got %v", err)
		})
	}
}

func TestNormalizeJSONRejectsNonObject(t *testing.T) {
	_, err := NormalizeJSON([]byte(`[1,2]`))
	assert.True(t, apperr.IsKind(err, apperr.MalformedEvaluation))
}

func TestNormalizeClampsScores(t *testing.T) {
	result, err := Normalize(map[string]any{
		"overallScore": 140,
		"criteria": []any{
			map[string]any{"name": "high", "score": 9, "maxScore": 5},
			map[string]any{"name": "low", "score": -2, "maxScore": 5},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 100.0, result.OverallScore)
	assert.Equal(t, 5.0, result.Criteria[0].Score)
	assert.Equal(t, 0.0, result.Criteria[1].Score)
	for _, c := range result.Criteria {
		assert.LessOrEqual(t, c.Score, c.MaxScore)
	}
}

func TestNormalizeExplicitScale(t *testing.T) {
	result, err := Normalize(map[string]any{
		"overallScore": 8,
		"maxScore":     10,
		"criteria":     []any{map[string]any{"name": "a", "score": 1}},
	})
	require.NoError(t, err)

	assert.Equal(t, 10.0, result.ScaleMax)
	assert.Equal(t, 80.0, result.Percent())
}

func TestNormalizeCriteriaObject(t *testing.T) {
	result, err := Normalize(map[string]any{
		"overallScore": 60,
		"scores": map[string]any{
			"structure": map[string]any{"score": 3, "feedback": "ok"},
			"clarity":   map[string]any{"score": 4, "feedback": "good"},
		},
	})
	require.NoError(t, err)
	require.Len(t, result.Criteria, 2)

	assert.Equal(t, "clarity", result.Criteria[0].Name)
	assert.Equal(t, "structure", result.Criteria[1].Name)
}

func TestNormalizeUnwrapsEnvelope(t *testing.T) {
	result, err := Normalize(map[string]any{
		"success": true,
		"data": map[string]any{
			"overallScore": 82,
			"criteria":     []any{map[string]any{"name": "a", "score": 4, "feedback": "f"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 82.0, result.OverallScore)
}

func TestNormalizeUnnamedCriterion(t *testing.T) {
	result, err := Normalize(map[string]any{
		"overallScore": 10,
		"criteria":     []any{map[string]any{"score": 1}, map[string]any{"score": 2}},
	})
	require.NoError(t, err)

	assert.Equal(t, "Criterion 1", result.Criteria[0].Name)
	assert.Equal(t, "Criterion 2", result.Criteria[1].Name)
}

func TestNormalizeTipPriorities(t *testing.T) {
	result, err := Normalize(map[string]any{
		"overallScore": 10,
		"criteria":     []any{map[string]any{"name": "a", "score": 1}},
		"actionableTips": []any{
			map[string]any{"title": "unset"},
			map[string]any{"title": "urgent", "priority": -4},
			map[string]any{"title": "second", "priority": 2},
			map[string]any{"title": "huge", "priority": 9},
			"not a tip",
		},
	})
	require.NoError(t, err)

	var titles []string
	var priorities []int
	for _, tip := range result.ActionableTips {
		titles = append(titles, tip.Title)
		priorities = append(priorities, tip.Priority)
	}
	assert.Equal(t, []string{"urgent", "second", "unset", "huge"}, titles)
	assert.Equal(t, []int{1, 2, 3, 3}, priorities)
}

func TestNormalizeEmptyTipsListIsPresent(t *testing.T) {
	result, err := Normalize(map[string]any{
		"overallScore":   10,
		"criteria":       []any{map[string]any{"name": "a", "score": 1}},
		"actionableTips": []any{},
	})
	require.NoError(t, err)

	assert.NotNil(t, result.ActionableTips)
	assert.Empty(t, result.ActionableTips)
}

func TestAlignTo(t *testing.T) {
	result := &Result{Criteria: []Criterion{{Name: "extra"}, {Name: "delivery"}, {Name: "Content Quality"}}}
	rubric := &Rubric{Name: "Interview", Criteria: []RubricCriterion{{Name: "content_quality"}, {Name: "Delivery"}}}

	result.AlignTo(rubric)

	var names []string
	for _, c := range result.Criteria {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"Content Quality", "delivery", "extra"}, names)
}

func TestRender(t *testing.T) {
	result := &Result{
		Transcript:   "hello there",
		OverallScore: 82,
		ScaleMax:     100,
		Criteria:     []Criterion{{Name: "Content", Score: 4, MaxScore: 5, Feedback: "solid\nexamples"}},
		Strengths:    []string{"pace"},
		SpeechMetrics: &SpeechMetrics{
			WordCount: 10, SpeakingRateWPM: 120, TotalDurationSeconds: 5,
		},
		ActionableTips: []ActionableTip{{Title: "Pause less", Priority: 1}},
	}

	var buf bytes.Buffer
	require.NoError(t, Render(&buf, result))

	out := buf.String()
	assert.Contains(t, out, "Overall score: 82 / 100 (82%)")
	assert.Contains(t, out, "4/5")
	assert.Contains(t, out, "solid examples")
	assert.Contains(t, out, "  - pace")
	assert.Contains(t, out, "[P1] Pause less")
	assert.Contains(t, out, "hello there")
}

func TestRenderNil(t *testing.T) {
	assert.Error(t, Render(&bytes.Buffer{}, nil))
}
