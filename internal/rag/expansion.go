package rag

import "strings"

// Expansion is the data-driven query rewrite table. Short queries tend to be
// single clinical terms ("shoulder", "כאב גב") that embed poorly against long
// SOAP narratives; appending related terms in the same language pulls the
// query vector toward the note vocabulary. The table is configuration, not
// logic: deployments can swap it wholesale.
type Expansion struct {
	// MaxWords is the length trigger. Queries longer than this are left
	// alone; they carry enough context on their own.
	MaxWords int

	// Terms maps a lowercase trigger word to companion terms appended when
	// the trigger appears in a short query.
	Terms map[string][]string
}

// DefaultExpansion returns the built-in bilingual term table.
func DefaultExpansion() Expansion {
	return Expansion{
		MaxWords: 3,
		Terms: map[string][]string{
			// English
			"pain":     {"ache", "discomfort", "tenderness"},
			"back":     {"lumbar", "spine", "lower back"},
			"neck":     {"cervical", "stiffness"},
			"shoulder": {"rotator cuff", "deltoid", "range of motion"},
			"knee":     {"patella", "meniscus", "joint"},
			"headache": {"migraine", "tension", "cervicogenic"},
			"sleep":    {"insomnia", "fatigue", "rest"},
			"stress":   {"anxiety", "tension", "relaxation"},
			"posture":  {"alignment", "ergonomics"},
			"injury":   {"trauma", "strain", "sprain"},

			// Hebrew
			"כאב":   {"כאבים", "רגישות", "אי נוחות"},
			"גב":    {"גב תחתון", "עמוד שדרה", "מותני"},
			"צוואר": {"צווארי", "נוקשות"},
			"כתף":   {"שרוול מסובב", "טווח תנועה"},
			"ברך":   {"פיקה", "מניסקוס", "מפרק"},
			"ראש":   {"מיגרנה", "כאב ראש", "מתח"},
			"שינה":  {"נדודי שינה", "עייפות"},
			"לחץ":   {"חרדה", "מתח", "הרפיה"},
			"יציבה": {"יישור", "ארגונומיה"},
			"פציעה": {"טראומה", "מתיחה", "נקע"},
		},
	}
}

// Expand appends companion terms for every trigger word found in a short
// query. Long queries pass through untouched. The second return reports
// whether anything changed.
func (e Expansion) Expand(query string) (string, bool) {
	words := strings.Fields(query)
	if len(words) == 0 || len(words) > e.MaxWords {
		return query, false
	}

	var added []string
	seen := map[string]bool{}
	for _, w := range words {
		seen[strings.ToLower(w)] = true
	}
	for _, w := range words {
		for _, term := range e.Terms[strings.ToLower(strings.Trim(w, ".,!?;:"))] {
			if !seen[strings.ToLower(term)] {
				seen[strings.ToLower(term)] = true
				added = append(added, term)
			}
		}
	}
	if len(added) == 0 {
		return query, false
	}
	return query + " " + strings.Join(added, " "), true
}

// AdaptiveThreshold relaxes the similarity floor for short queries. A one or
// two word query rarely clears the default floor against paragraph-length
// notes, so it drops to the configured minimum; everything else keeps the
// caller's threshold.
func AdaptiveThreshold(query string, base, floor float64) float64 {
	if floor > base {
		floor = base
	}
	if len(strings.Fields(query)) <= 2 {
		return floor
	}
	return base
}
