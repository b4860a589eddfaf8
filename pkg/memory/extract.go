package memory

import (
	"regexp"
	"strings"
)

var (
	nameRe      = regexp.MustCompile(`(?i)\b(?:my name is|call me)\s+([A-Za-z][A-Za-z' \-]{0,40}?)(?:\s+and\b|[.!?,]|$)`)
	timezoneRe  = regexp.MustCompile(`(?i)\b(?:my timezone is|my time zone is|i am in timezone|i'm in timezone)\s+([A-Za-z0-9_/\-+:]{2,64})`)
	birthdayRe  = regexp.MustCompile(`(?i)\b(?:my birthday is(?: on)?|i was born on)\s+([A-Za-z0-9 ,/\-]{3,40}?)(?:[.!?]|$)`)
	hobbyRe     = regexp.MustCompile(`(?i)\bi\s+(?:really\s+)?(?:love|like|enjoy|adore)\s+([^.!?\n]{2,120})`)
	hobbyListRe = regexp.MustCompile(`(?i)\b(?:my hobbies are|my hobby is|i'm into|i am into)\s+([^.!?\n]{2,120})`)
	favoriteRe  = regexp.MustCompile(`(?i)\bmy (?:favorite|favourite)\s+([a-z][a-z ]{1,30}?)\s+is\s+([^.!?,\n]{1,80})`)
	styleRe     = regexp.MustCompile(`(?i)\b(?:please\s+)?(?:be|keep it|respond|talk|write)\s+(?:more\s+)?(concise|brief|short|detailed|formal|casual|direct|friendly)\b`)
	languageRe  = regexp.MustCompile(`(?i)\b(?:my preferred language is|respond in|speak in)\s+([A-Za-z]{2,32})`)
	noteRe      = regexp.MustCompile(`(?i)\b(?:remember that|don't forget that|note that)\s+([^\n]{3,200}?)[.!?]?$`)
	sensitiveRe = regexp.MustCompile(`(?i)(api[_ -]?key|password|secret|token|private key|-----BEGIN|sk-[A-Za-z0-9]{12,})`)
	listSplitRe = regexp.MustCompile(`\s*(?:,|\band\b|&|\bplus\b)\s*`)
)

// Words that make "I like ..." a statement about something other than a
// hobby ("I like it when...", "I like that idea").
var hobbyStopHeads = map[string]bool{
	"it": true, "that": true, "this": true, "you": true, "to": true, "when": true,
	"how": true, "the way": true, "your": true, "them": true, "him": true, "her": true,
}

// Extraction is the outcome of the deterministic extractor.
type Extraction struct {
	Patch ProfilePatch
	Facts []GraphFact
	Notes []string
}

// IsEmpty reports whether nothing was extracted.
func (e Extraction) IsEmpty() bool {
	return e.Patch.IsEmpty() && len(e.Facts) == 0 && len(e.Notes) == 0
}

// Extractor pulls high-precision profile facts out of a user message using
// fixed patterns. It never calls a model.
type Extractor struct {
	maxHobbiesPerMessage int
}

// NewExtractor returns an extractor with default settings.
func NewExtractor() *Extractor {
	return &Extractor{maxHobbiesPerMessage: 6}
}

// Extract returns the profile patch and graph facts found in text.
func (e *Extractor) Extract(text string) Extraction {
	var out Extraction
	text = strings.TrimSpace(text)
	if text == "" || sensitiveRe.MatchString(text) {
		return out
	}
	out.Patch.Version = PatchVersion

	if m := nameRe.FindStringSubmatch(text); m != nil {
		name := strings.TrimSpace(m[1])
		out.Patch.Name = &name
		out.Facts = append(out.Facts, GraphFact{Subject: "user", Predicate: "is_named", Object: name})
	}
	if m := timezoneRe.FindStringSubmatch(text); m != nil {
		tz := strings.TrimSpace(m[1])
		out.Patch.Timezone = &tz
	}
	if m := birthdayRe.FindStringSubmatch(text); m != nil {
		bd := strings.TrimSpace(m[1])
		out.Patch.Birthday = &bd
	}

	var hobbies []string
	for _, m := range hobbyRe.FindAllStringSubmatch(text, -1) {
		hobbies = append(hobbies, splitList(m[1])...)
	}
	for _, m := range hobbyListRe.FindAllStringSubmatch(text, -1) {
		hobbies = append(hobbies, splitList(m[1])...)
	}
	for _, h := range hobbies {
		if len(out.Patch.Hobbies) >= e.maxHobbiesPerMessage {
			break
		}
		if !plausibleHobby(h) {
			continue
		}
		out.Patch.Hobbies = append(out.Patch.Hobbies, h)
		out.Facts = append(out.Facts, GraphFact{Subject: "user", Predicate: "enjoys", Object: h})
	}

	for _, m := range favoriteRe.FindAllStringSubmatch(text, -1) {
		key := strings.ToLower(strings.TrimSpace(m[1]))
		val := strings.TrimSpace(m[2])
		if out.Patch.Favorites == nil {
			out.Patch.Favorites = map[string]string{}
		}
		out.Patch.Favorites[key] = val
		out.Facts = append(out.Facts, GraphFact{
			Subject:   "user",
			Predicate: "favorite_" + strings.ReplaceAll(key, " ", "_"),
			Object:    val,
		})
	}

	if m := styleRe.FindStringSubmatch(text); m != nil {
		out.Patch.Preferences = map[string]string{"style": normalizeStyle(m[1])}
	}
	if m := languageRe.FindStringSubmatch(text); m != nil {
		if out.Patch.Preferences == nil {
			out.Patch.Preferences = map[string]string{}
		}
		out.Patch.Preferences["language"] = strings.ToLower(m[1])
	}

	if m := noteRe.FindStringSubmatch(text); m != nil {
		note := strings.TrimSpace(m[1])
		out.Notes = append(out.Notes, note)
		out.Facts = append(out.Facts, GraphFact{Subject: "user", Predicate: "noted", Object: note})
	}

	if out.Patch.IsEmpty() {
		out.Patch = ProfilePatch{}
	}
	return out
}

func splitList(s string) []string {
	var out []string
	for _, part := range listSplitRe.Split(s, -1) {
		part = strings.Trim(strings.TrimSpace(part), `"'`)
		part = strings.TrimPrefix(part, "to ")
		if part != "" {
			out = append(out, strings.ToLower(part))
		}
	}
	return out
}

func plausibleHobby(h string) bool {
	words := strings.Fields(h)
	if len(words) == 0 || len(words) > 4 {
		return false
	}
	if hobbyStopHeads[words[0]] {
		return false
	}
	if len(words) > 1 && hobbyStopHeads[words[0]+" "+words[1]] {
		return false
	}
	return true
}

func normalizeStyle(s string) string {
	switch strings.ToLower(s) {
	case "brief", "short", "concise":
		return "concise"
	default:
		return strings.ToLower(s)
	}
}
