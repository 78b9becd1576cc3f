// Package predict turns chart artifacts into directional bias predictions
// via a vision-capable language model.
package predict

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Direction is the predicted session bias.
type Direction string

const (
	Bullish Direction = "BULLISH"
	Bearish Direction = "BEARISH"
	Neutral Direction = "NEUTRAL"
)

// Prediction is one model response, parsed plus raw.
type Prediction struct {
	Direction  Direction
	Conviction int
	Rationale  string
	Model      string
	CostUSD    float64
	LatencyMS  int64
}

// Predictor generates a prediction from a chart image on disk.
type Predictor interface {
	Predict(ctx context.Context, chartPath, pair, sessionID string) (*Prediction, error)
	// ModelKey identifies the predictor in window records.
	ModelKey() string
}

var (
	convictionRe         = regexp.MustCompile(`(?i)Conviction:\s*(\d+)\s*/?\s*10?`)
	convictionFallbackRe = regexp.MustCompile(`(?i)conviction[:\s]+(\d+)`)
)

// ParseRationale extracts the bias and conviction from free-form analysis
// text. Same-line "Current Bias: BEARISH" is preferred, then a bold or bare
// classification on the following three lines, then any classification in
// the first 500 characters. Unparseable text is Neutral with conviction 5.
func ParseRationale(text string) (Direction, int) {
	dir := Neutral
	upper := strings.ToUpper(text)
	lines := strings.Split(text, "\n")

	if strings.Contains(upper, "CURRENT BIAS") {
	scan:
		for i, line := range lines {
			lu := strings.ToUpper(line)
			if !strings.Contains(lu, "CURRENT BIAS") {
				continue
			}
			if d, ok := classify(lu); ok {
				dir = d
				break
			}
			for j := i + 1; j < len(lines) && j < i+4; j++ {
				nl := strings.TrimSpace(strings.ToUpper(lines[j]))
				for _, d := range []Direction{Bullish, Bearish, Neutral} {
					if nl == string(d) || strings.Contains(nl, "**"+string(d)+"**") {
						dir = d
						break scan
					}
				}
			}
			break
		}
	}

	if dir == Neutral {
		head := upper
		if len(head) > 500 {
			head = head[:500]
		}
		if d, ok := classify(head); ok {
			dir = d
		}
	}

	conviction := 5
	if m := convictionRe.FindStringSubmatch(text); m != nil {
		if c, err := strconv.Atoi(m[1]); err == nil {
			conviction = c
		}
	} else if m := convictionFallbackRe.FindStringSubmatch(text); m != nil {
		if c, err := strconv.Atoi(m[1]); err == nil && c >= 1 && c <= 10 {
			conviction = c
		}
	}

	return dir, conviction
}

// classify finds the first explicit bias keyword in uppercased text.
// Bullish and bearish outrank an explicit neutral.
func classify(upper string) (Direction, bool) {
	switch {
	case strings.Contains(upper, "BULLISH"):
		return Bullish, true
	case strings.Contains(upper, "BEARISH"):
		return Bearish, true
	case strings.Contains(upper, "NEUTRAL"):
		return Neutral, true
	}
	return Neutral, false
}

// buildPrompt mirrors the backtester's analysis prompt so live predictions
// stay comparable with the verified baseline.
func buildPrompt(pair, sessionID string) string {
	return fmt.Sprintf(`Analyze the provided intraday chart for %s (%s).

The chart shows 15-minute candles for the last 7 days leading into the session open.

Provide a concise technical analysis with:

1. Current Bias: [BULLISH/BEARISH/NEUTRAL]

2. Next Hour Prediction: [Up/Down/Neutral]

3. Conviction: [1-10] (10 = highest confidence)

4. ## General Analysis
   3-5 sentences summarizing session patterns, support/resistance interactions, and technical factors.

5. ## Bullish Factors
   List as bullet points (maximum 5).

6. ## Bearish Factors
   List as bullet points (maximum 5).

Be specific with counts and price levels. Be decisive: LONG, SHORT, or WAIT.
Ensure each section has content and strictly follow this format.`, pair, strings.ReplaceAll(sessionID, "_", " "))
}
