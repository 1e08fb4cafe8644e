package evaluation

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/audiolibrelab/speakcheck/internal/apperr"
)

// Key aliases, applied after folding case and separators.
var (
	topLevelAliases = map[string]string{
		"scores":          "criteria",
		"rubricscores":    "criteria",
		"criteriascores":  "criteria",
		"speechanalysis":  "speechmetrics",
		"speech":          "speechmetrics",
		"scale":           "scalemax",
		"maxscore":        "scalemax",
		"overallmaxscore": "scalemax",
		"overall":         "overallscore",
		"tips":            "deliverytips",
	}
	criterionAliases = map[string]string{
		"references":  "transcriptreferences",
		"max":         "maxscore",
		"outof":       "maxscore",
		"title":       "name",
		"comment":     "feedback",
		"explanation": "feedback",
	}
	speechAliases = map[string]string{
		"words":           "wordcount",
		"totalwords":      "wordcount",
		"fillerwordcount": "fillercount",
		"fillers":         "fillercount",
		"speakingrate":    "speakingratewpm",
		"wpm":             "speakingratewpm",
		"wordsperminute":  "speakingratewpm",
		"totalduration":   "totaldurationseconds",
		"duration":        "totaldurationseconds",
		"durationseconds": "totaldurationseconds",
		"pauses":          "longpauses",
	}
	envelopeKeys = []string{"data", "result", "evaluation", "analysis"}
)

type rawCriterion struct {
	Criterion            string   `mapstructure:"criterion"`
	Name                 string   `mapstructure:"name"`
	Score                float64  `mapstructure:"score"`
	MaxScore             float64  `mapstructure:"maxscore"`
	Feedback             string   `mapstructure:"feedback"`
	TranscriptReferences []string `mapstructure:"transcriptreferences"`
}

type rawSpeech struct {
	WordCount            int        `mapstructure:"wordcount"`
	FillerCount          int        `mapstructure:"fillercount"`
	SpeakingRateWPM      float64    `mapstructure:"speakingratewpm"`
	TotalDurationSeconds float64    `mapstructure:"totaldurationseconds"`
	LongPauses           []Interval `mapstructure:"longpauses"`
}

type rawTip struct {
	Title           string           `mapstructure:"title"`
	Description     string           `mapstructure:"description"`
	Priority        int              `mapstructure:"priority"`
	TranscriptLines []string         `mapstructure:"transcriptlines"`
	TimestampRanges []TimestampRange `mapstructure:"timestampranges"`
}

// NormalizeJSON decodes a JSON evaluation payload and normalizes it.
func NormalizeJSON(data []byte) (*Result, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, apperr.Wrap(apperr.MalformedEvaluation, "evaluation payload is not a JSON object", err)
	}
	return Normalize(raw)
}

// Normalize projects either known rubric payload shape into a Result.
//
// It fails with MalformedEvaluation only when the overall score or the
// criteria sequence is missing. Optional sections that are absent or
// unreadable come back empty.
func Normalize(raw map[string]any) (*Result, error) {
	if raw == nil {
		return nil, apperr.New(apperr.MalformedEvaluation, "evaluation payload is empty")
	}
	payload := unwrapEnvelope(foldMap(raw, topLevelAliases))

	overallRaw, ok := payload["overallscore"]
	if !ok || overallRaw == nil {
		return nil, apperr.New(apperr.MalformedEvaluation, "evaluation payload has no overall score")
	}
	var overall float64
	if err := decode(overallRaw, &overall); err != nil {
		return nil, apperr.Wrap(apperr.MalformedEvaluation, "overall score is not a number", err)
	}

	criteriaRaw, ok := payload["criteria"]
	if !ok || criteriaRaw == nil {
		return nil, apperr.New(apperr.MalformedEvaluation, "evaluation payload has no criteria")
	}
	criteria, err := normalizeCriteria(criteriaRaw)
	if err != nil {
		return nil, err
	}

	result := &Result{
		OverallScore: overall,
		ScaleMax:     DefaultScaleMax,
		Criteria:     criteria,
		Strengths:    []string{},
		Improvements: []string{},
		DeliveryTips: []string{},
	}

	optional(payload, "transcript", &result.Transcript)
	optional(payload, "strengths", &result.Strengths)
	optional(payload, "improvements", &result.Improvements)
	optional(payload, "deliverytips", &result.DeliveryTips)

	var scaleMax float64
	if optional(payload, "scalemax", &scaleMax) && scaleMax > 0 {
		result.ScaleMax = scaleMax
	}
	result.OverallScore = clamp(result.OverallScore, 0, result.ScaleMax)

	if speechRaw, ok := payload["speechmetrics"].(map[string]any); ok {
		var speech rawSpeech
		if err := decode(foldMap(speechRaw, speechAliases), &speech); err != nil {
			slog.Debug("Ignoring unreadable speech metrics", "error", err)
		} else {
			result.SpeechMetrics = &SpeechMetrics{
				WordCount:            speech.WordCount,
				FillerCount:          speech.FillerCount,
				SpeakingRateWPM:      speech.SpeakingRateWPM,
				TotalDurationSeconds: speech.TotalDurationSeconds,
				LongPauses:           nonNil(speech.LongPauses),
			}
		}
	}

	if tipsRaw, ok := payload["actionabletips"]; ok && tipsRaw != nil {
		result.ActionableTips = normalizeTips(tipsRaw)
	}

	return result, nil
}

func normalizeCriteria(v any) ([]Criterion, error) {
	items, err := criterionItems(v)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, apperr.New(apperr.MalformedEvaluation, "evaluation payload has an empty criteria list")
	}

	raws := make([]rawCriterion, 0, len(items))
	sharedMax := 0.0
	for i, item := range items {
		var rc rawCriterion
		if err := decode(item, &rc); err != nil {
			return nil, apperr.Wrap(apperr.MalformedEvaluation, fmt.Sprintf("criterion %d is unreadable", i), err)
		}
		if rc.MaxScore > sharedMax {
			sharedMax = rc.MaxScore
		}
		raws = append(raws, rc)
	}
	if sharedMax <= 0 {
		sharedMax = DefaultCriterionMax
	}

	criteria := make([]Criterion, 0, len(raws))
	for i, rc := range raws {
		name := strings.TrimSpace(rc.Name)
		if name == "" {
			name = strings.TrimSpace(rc.Criterion)
		}
		if name == "" {
			name = fmt.Sprintf("Criterion %d", i+1)
		}
		max := rc.MaxScore
		if max <= 0 {
			max = sharedMax
		}
		criteria = append(criteria, Criterion{
			Name:                 name,
			Score:                clamp(rc.Score, 0, max),
			MaxScore:             max,
			Feedback:             strings.TrimSpace(rc.Feedback),
			TranscriptReferences: nonNil(rc.TranscriptReferences),
		})
	}
	return criteria, nil
}

// criterionItems accepts either a list of criterion objects or an object keyed
// by criterion name.
func criterionItems(v any) ([]map[string]any, error) {
	switch t := v.(type) {
	case []any:
		items := make([]map[string]any, 0, len(t))
		for i, entry := range t {
			m, ok := entry.(map[string]any)
			if !ok {
				return nil, apperr.New(apperr.MalformedEvaluation, fmt.Sprintf("criterion %d is not an object", i))
			}
			items = append(items, foldMap(m, criterionAliases))
		}
		return items, nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		items := make([]map[string]any, 0, len(keys))
		for _, k := range keys {
			m, ok := t[k].(map[string]any)
			if !ok {
				return nil, apperr.New(apperr.MalformedEvaluation, fmt.Sprintf("criterion %q is not an object", k))
			}
			folded := foldMap(m, criterionAliases)
			if _, named := folded["name"]; !named {
				if _, named = folded["criterion"]; !named {
					folded["name"] = k
				}
			}
			items = append(items, folded)
		}
		return items, nil
	default:
		return nil, apperr.New(apperr.MalformedEvaluation, "criteria is neither a list nor an object")
	}
}

func normalizeTips(v any) []ActionableTip {
	list, ok := v.([]any)
	if !ok {
		slog.Debug("Ignoring actionable tips that are not a list")
		return []ActionableTip{}
	}

	tips := make([]ActionableTip, 0, len(list))
	for i, entry := range list {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		var rt rawTip
		if err := decode(foldMap(m, nil), &rt); err != nil {
			slog.Debug("Ignoring unreadable actionable tip", "index", i, "error", err)
			continue
		}
		priority := rt.Priority
		if priority == 0 {
			priority = 3
		}
		tips = append(tips, ActionableTip{
			Title:           strings.TrimSpace(rt.Title),
			Description:     strings.TrimSpace(rt.Description),
			Priority:        int(clamp(float64(priority), 1, 3)),
			TranscriptLines: nonNil(rt.TranscriptLines),
			TimestampRanges: nonNil(rt.TimestampRanges),
		})
	}

	slices.SortStableFunc(tips, func(a, b ActionableTip) int { return a.Priority - b.Priority })
	return tips
}

// optional decodes payload[key] into dst, leaving dst untouched when the key
// is missing or unreadable. It reports whether dst was set.
func optional(payload map[string]any, key string, dst any) bool {
	v, ok := payload[key]
	if !ok || v == nil {
		return false
	}
	if err := decode(v, dst); err != nil {
		slog.Debug("Ignoring unreadable evaluation field", "field", key, "error", err)
		return false
	}
	return true
}

func decode(input any, result any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           result,
		MatchName: func(mapKey, fieldName string) bool {
			return foldKey(mapKey) == foldKey(fieldName)
		},
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}

// foldMap lowercases keys, strips separators and renames aliases to their
// canonical key. A canonical key already present wins over its alias.
func foldMap(m map[string]any, aliases map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[foldKey(k)] = v
	}
	for from, to := range aliases {
		v, ok := out[from]
		if !ok {
			continue
		}
		delete(out, from)
		if existing, taken := out[to]; !taken || existing == nil {
			out[to] = v
		}
	}
	return out
}

// unwrapEnvelope descends into {"data": {...}} style wrappers until it finds
// a map carrying criteria or an overall score.
func unwrapEnvelope(m map[string]any) map[string]any {
	for depth := 0; depth < 3; depth++ {
		if _, ok := m["criteria"]; ok {
			return m
		}
		if _, ok := m["overallscore"]; ok {
			return m
		}
		next := false
		for _, key := range envelopeKeys {
			if inner, ok := m[key].(map[string]any); ok {
				m = foldMap(inner, topLevelAliases)
				next = true
				break
			}
		}
		if !next {
			return m
		}
	}
	return m
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
