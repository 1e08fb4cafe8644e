package evaluation

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
)

// Render writes a plain text report of r.
func Render(w io.Writer, r *Result) error {
	if r == nil {
		return fmt.Errorf("no evaluation to render")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Overall score: %s / %s (%.0f%%)\n\n", formatScore(r.OverallScore), formatScore(r.ScaleMax), r.Percent())

	tw := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CRITERION\tSCORE\tFEEDBACK")
	for _, c := range r.Criteria {
		fmt.Fprintf(tw, "%s\t%s/%s\t%s\n", c.Name, formatScore(c.Score), formatScore(c.MaxScore), oneLine(c.Feedback))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	writeList(&b, "Strengths", r.Strengths)
	writeList(&b, "Improvements", r.Improvements)
	writeList(&b, "Delivery tips", r.DeliveryTips)

	if m := r.SpeechMetrics; m != nil {
		fmt.Fprintf(&b, "\nSpeech: %d words, %d fillers, %.0f wpm over %.1fs", m.WordCount, m.FillerCount, m.SpeakingRateWPM, m.TotalDurationSeconds)
		if len(m.LongPauses) > 0 {
			fmt.Fprintf(&b, ", %d long pauses", len(m.LongPauses))
		}
		b.WriteString("\n")
	}

	if len(r.ActionableTips) > 0 {
		b.WriteString("\nActionable tips:\n")
		for _, tip := range r.ActionableTips {
			fmt.Fprintf(&b, "  [P%d] %s\n", tip.Priority, tip.Title)
			if tip.Description != "" {
				fmt.Fprintf(&b, "       %s\n", oneLine(tip.Description))
			}
		}
	}

	if r.Transcript != "" {
		fmt.Fprintf(&b, "\nTranscript:\n%s\n", r.Transcript)
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s:\n", title)
	for _, item := range items {
		fmt.Fprintf(b, "  - %s\n", oneLine(item))
	}
}

func formatScore(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%.1f", v)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
