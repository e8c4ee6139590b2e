package rag

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pazpaz/backend/internal/core"
)

// sessionContext is one hydrated session match ready for formatting. Weighted
// is the temporally decayed score used for ranking; Similarity stays raw for
// display and citations.
type sessionContext struct {
	Session      *core.Session
	ClientName   string
	MatchedField string
	Similarity   float64
	Weighted     float64
}

// clientContext is one hydrated client-profile match. Profiles do not decay.
type clientContext struct {
	Client       *core.Client
	MatchedField string
	Similarity   float64
}

// messages holds every user-visible string per language. The answer itself
// comes from the model in the query's language; these cover the paths where
// no model output exists.
var messages = map[string]struct {
	noResults     string
	pipelineError string
}{
	LangEnglish: {
		noResults:     "I couldn't find any relevant treatment notes for your question. Try rephrasing it, or ask about a specific client.",
		pipelineError: "Something went wrong while answering your question. Please try again in a moment.",
	},
	LangHebrew: {
		noResults:     "לא מצאתי רשומות טיפול רלוונטיות לשאלתך. נסו לנסח מחדש, או לשאול על מטופל מסוים.",
		pipelineError: "משהו השתבש בעת עיבוד השאלה. נסו שוב בעוד רגע.",
	},
}

var contextLabels = map[string]struct {
	clientsHeader  string
	sessionsHeader string
	client         string
	matchedOn      string
	history        string
	notes          string
	session        string
	date           string
	subjective     string
	objective      string
	assessment     string
	plan           string
}{
	LangEnglish: {
		clientsHeader:  "=== Relevant Client Profiles ===",
		sessionsHeader: "=== Relevant Treatment Session Notes ===",
		client:         "Client",
		matchedOn:      "matched on %s, %d%% similarity",
		history:        "Medical history",
		notes:          "Notes",
		session:        "Session %d",
		date:           "Date",
		subjective:     "Subjective",
		objective:      "Objective",
		assessment:     "Assessment",
		plan:           "Plan",
	},
	LangHebrew: {
		clientsHeader:  "=== פרופילי מטופלים רלוונטיים ===",
		sessionsHeader: "=== רשומות טיפול רלוונטיות ===",
		client:         "מטופל",
		matchedOn:      "התאמה בשדה %s, דמיון %d%%",
		history:        "היסטוריה רפואית",
		notes:          "הערות",
		session:        "מפגש %d",
		date:           "תאריך",
		subjective:     "סובייקטיבי",
		objective:      "אובייקטיבי",
		assessment:     "הערכה",
		plan:           "תוכנית",
	},
}

var systemPrompts = map[string]string{
	LangEnglish: "You are a clinical documentation assistant for an independent therapy practice. " +
		"Answer the therapist's question using only the treatment records provided in the context. " +
		"Be concise and factual. When you reference a session, mention its date. " +
		"If the context does not contain the answer, say so plainly. " +
		"Never invent clients, dates, or clinical details. Reply in English.",
	LangHebrew: "את/ה עוזר/ת תיעוד קליני למטפל/ת עצמאי/ת. " +
		"ענה/י על שאלת המטפל/ת אך ורק על סמך רשומות הטיפול שבהקשר המצורף. " +
		"כתוב/כתבי בתמציתיות ובאופן עובדתי. בעת אזכור מפגש, ציין/י את תאריכו. " +
		"אם ההקשר אינו מכיל תשובה, אמור/אמרי זאת במפורש. " +
		"לעולם אין להמציא מטופלים, תאריכים או פרטים קליניים. השב/השיבי בעברית.",
}

var userPromptTemplates = map[string]string{
	LangEnglish: "Context from the practice records:\n\n%s\n\nQuestion: %s",
	LangHebrew:  "הקשר מתוך רשומות הקליניקה:\n\n%s\n\nשאלה: %s",
}

func systemPrompt(lang string) string {
	if p, ok := systemPrompts[lang]; ok {
		return p
	}
	return systemPrompts[LangEnglish]
}

func userPrompt(lang, query, context string) string {
	tmpl, ok := userPromptTemplates[lang]
	if !ok {
		tmpl = userPromptTemplates[LangEnglish]
	}
	return fmt.Sprintf(tmpl, context, query)
}

// formatContext renders the retrieved material into the prompt context: the
// client-profile section first, then session notes numbered in chronological
// order so the model can follow treatment progression. Empty SOAP fields
// render as "N/A" to keep block shape stable.
func formatContext(lang string, clients []clientContext, sessions []sessionContext) string {
	l, ok := contextLabels[lang]
	if !ok {
		l = contextLabels[LangEnglish]
	}

	var b strings.Builder

	if len(clients) > 0 {
		b.WriteString(l.clientsHeader)
		b.WriteString("\n\n")
		for _, c := range clients {
			match := fmt.Sprintf(l.matchedOn, fieldLabel(lang, c.MatchedField), pct(c.Similarity))
			fmt.Fprintf(&b, "%s: %s (%s)\n", l.client, c.Client.FullName(), match)
			fmt.Fprintf(&b, "%s: %s\n", l.history, orNA(c.Client.MedicalHistory))
			fmt.Fprintf(&b, "%s: %s\n\n", l.notes, orNA(c.Client.Notes))
		}
	}

	if len(sessions) > 0 {
		ordered := make([]sessionContext, len(sessions))
		copy(ordered, sessions)
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].Session.SessionDate.Before(ordered[j].Session.SessionDate)
		})

		b.WriteString(l.sessionsHeader)
		b.WriteString("\n\n")
		for i, sc := range ordered {
			match := fmt.Sprintf(l.matchedOn, fieldLabel(lang, sc.MatchedField), pct(sc.Similarity))
			fmt.Fprintf(&b, l.session+" - %s, %s: %s (%s)\n",
				i+1, sc.ClientName, l.date, sc.Session.SessionDate.Format("2006-01-02"), match)
			fmt.Fprintf(&b, "%s: %s\n", l.subjective, orNA(sc.Session.Subjective))
			fmt.Fprintf(&b, "%s: %s\n", l.objective, orNA(sc.Session.Objective))
			fmt.Fprintf(&b, "%s: %s\n", l.assessment, orNA(sc.Session.Assessment))
			fmt.Fprintf(&b, "%s: %s\n\n", l.plan, orNA(sc.Session.Plan))
		}
	}

	return strings.TrimRight(b.String(), "\n")
}

// fieldLabel localizes a matched field name for display.
func fieldLabel(lang, field string) string {
	if lang != LangHebrew {
		return field
	}
	switch core.SOAPField(field) {
	case core.FieldSubjective:
		return "סובייקטיבי"
	case core.FieldObjective:
		return "אובייקטיבי"
	case core.FieldAssessment:
		return "הערכה"
	case core.FieldPlan:
		return "תוכנית"
	}
	switch field {
	case "medical_history":
		return "היסטוריה רפואית"
	case "notes":
		return "הערות"
	}
	return field
}

func pct(similarity float64) int {
	return int(similarity*100 + 0.5)
}

func orNA(s string) string {
	if strings.TrimSpace(s) == "" {
		return "N/A"
	}
	return s
}

// NoResultsMessage returns the localized empty-retrieval answer.
func NoResultsMessage(lang string) string {
	if m, ok := messages[lang]; ok {
		return m.noResults
	}
	return messages[LangEnglish].noResults
}

// PipelineErrorMessage returns the localized answer used when synthesis or
// retrieval fails and the query still has to produce a response.
func PipelineErrorMessage(lang string) string {
	if m, ok := messages[lang]; ok {
		return m.pipelineError
	}
	return messages[LangEnglish].pipelineError
}

// daysSince measures whole fractional days between a session date and now,
// clamped at zero for future-dated sessions.
func daysSince(now, sessionDate time.Time) float64 {
	d := now.Sub(sessionDate).Hours() / 24
	if d < 0 {
		return 0
	}
	return d
}
