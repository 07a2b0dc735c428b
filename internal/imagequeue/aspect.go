package imagequeue

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// NormalizeAspectRatio turns the ratio spellings clients and providers use into a reduced "W:H".
func NormalizeAspectRatio(raw string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch s {
	case "", "square":
		return "1:1", nil
	case "landscape":
		return "16:9", nil
	case "portrait":
		return "9:16", nil
	}
	s = strings.TrimPrefix(s, "aspect_")

	var parts []string
	for _, sep := range []string{":", "x", "_", "/"} {
		if strings.Contains(s, sep) {
			parts = strings.SplitN(s, sep, 2)
			break
		}
	}
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid aspect ratio %q", raw)
	}
	w, errW := strconv.Atoi(strings.TrimSpace(parts[0]))
	h, errH := strconv.Atoi(strings.TrimSpace(parts[1]))
	if errW != nil || errH != nil || w <= 0 || h <= 0 {
		return "", fmt.Errorf("invalid aspect ratio %q", raw)
	}
	g := gcd(w, h)
	return fmt.Sprintf("%d:%d", w/g, h/g), nil
}

// RatioConverter maps a canonical "W:H" into a provider's vocabulary.
type RatioConverter func(canonical string) string

var ideogramRatios = []string{"1:1", "10:16", "16:10", "9:16", "16:9", "3:2", "2:3", "4:3", "3:4", "1:3", "3:1"}

// IdeogramRatio renders the nearest supported ratio as ASPECT_W_H.
func IdeogramRatio(canonical string) string {
	r := nearest(canonical, ideogramRatios)
	return "ASPECT_" + strings.ReplaceAll(r, ":", "_")
}

// OpenAISize picks the image size whose orientation matches.
func OpenAISize(canonical string) string {
	v, ok := ratioValue(canonical)
	switch {
	case !ok || math.Abs(v-1) < 0.15:
		return "1024x1024"
	case v > 1:
		return "1792x1024"
	default:
		return "1024x1792"
	}
}

var googleRatios = []string{"1:1", "3:4", "4:3", "9:16", "16:9"}

// GoogleRatio returns the nearest ratio Imagen accepts.
func GoogleRatio(canonical string) string {
	return nearest(canonical, googleRatios)
}

// IdentityRatio passes the canonical ratio through unchanged.
func IdentityRatio(canonical string) string {
	return canonical
}

func nearest(canonical string, supported []string) string {
	v, ok := ratioValue(canonical)
	if !ok {
		return supported[0]
	}
	best, bestDist := supported[0], math.Inf(1)
	for _, r := range supported {
		rv, _ := ratioValue(r)
		// Compare on a log scale so 2:1 and 1:2 are equally far from 1:1.
		if d := math.Abs(math.Log(v) - math.Log(rv)); d < bestDist {
			best, bestDist = r, d
		}
	}
	return best
}

func ratioValue(canonical string) (float64, bool) {
	w, h, found := strings.Cut(canonical, ":")
	if !found {
		return 0, false
	}
	wf, err1 := strconv.ParseFloat(w, 64)
	hf, err2 := strconv.ParseFloat(h, 64)
	if err1 != nil || err2 != nil || wf <= 0 || hf <= 0 {
		return 0, false
	}
	return wf / hf, true
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
