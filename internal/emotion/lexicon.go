package emotion

import (
	"strings"
	"unicode"
)

// Emotion is a detected category.
type Emotion string

const (
	Happy     Emotion = "happy"
	Sad       Emotion = "sad"
	Angry     Emotion = "angry"
	Anxious   Emotion = "anxious"
	Surprised Emotion = "surprised"
	Grateful  Emotion = "grateful"
	Neutral   Emotion = "neutral"
	Toxic     Emotion = "toxic"
)

// Priority breaks score ties; earlier wins.
var Priority = []Emotion{Angry, Sad, Anxious, Happy, Grateful, Surprised}

// Negative reports whether e counts toward an escalation streak.
func (e Emotion) Negative() bool {
	return e == Sad || e == Angry || e == Anxious
}

// Positive reports whether e is subject to the sarcasm gate.
func (e Emotion) Positive() bool {
	return e == Happy || e == Grateful || e == Surprised
}

var keywords = map[Emotion][]string{
	Happy: {
		"happy", "glad", "great", "awesome", "amazing", "love", "loved", "excited", "yay", "wonderful",
		"fantastic", "delighted", "joy", "fun", "nice", "cool", "best", "stoked", "thrilled", "good news",
	},
	Sad: {
		"sad", "down", "depressed", "lonely", "unhappy", "miserable", "cry", "crying", "cried", "heartbroken",
		"upset", "hurt", "lost", "miss", "grief", "hopeless", "tired of", "feel empty", "gloomy", "disappointed",
	},
	Angry: {
		"angry", "mad", "furious", "annoyed", "annoying", "irritated", "pissed", "hate", "rage", "frustrated",
		"frustrating", "ridiculous", "sick of", "fed up", "outraged", "livid", "unacceptable",
	},
	Anxious: {
		"anxious", "worried", "worry", "nervous", "scared", "afraid", "stressed", "stress", "panic", "overwhelmed",
		"uneasy", "tense", "fear", "dread", "freaking out", "on edge",
	},
	Surprised: {
		"wow", "whoa", "surprised", "unexpected", "no way", "can't believe", "cannot believe", "omg", "shocked",
		"unbelievable", "really?",
	},
	Grateful: {
		"thanks", "thank", "grateful", "appreciate", "appreciated", "thankful", "cheers", "much obliged",
	},
}

var emojis = map[Emotion][]string{
	Happy:     {"😀", "😃", "😄", "😁", "😊", "🙂", "😍", "🥰", "😂", "🤣", "🎉", "❤", "💖", "✨", "🥳", "😆"},
	Sad:       {"😢", "😭", "😞", "😔", "☹", "🙁", "💔", "😿", "🥺"},
	Angry:     {"😠", "😡", "🤬", "💢", "👿", "😤"},
	Anxious:   {"😰", "😟", "😨", "😧", "😬", "😥", "😓"},
	Surprised: {"😮", "😲", "😯", "🤯", "😱", "❗"},
	Grateful:  {"🙏", "🤗", "💐"},
}

var toxicLexicon = []string{
	"kill yourself", "kys", "shut up", "stupid bot", "you idiot", "idiot", "moron", "dumbass", "worthless",
	"screw you", "fuck you", "f*** you", "piece of shit", "i hate you",
}

var sarcasmMarkers = []string{"/s", "yeah right", "sure jan", "oh great", "just great", "how wonderful", "🙄", "😒", "lol not"}

type tokens struct {
	words  map[string]int
	padded string // " w1 w2 ... " for phrase matching
	count  int
}

func tokenize(text string) tokens {
	lower := strings.ToLower(text)
	fields := strings.FieldsFunc(lower, func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' || r == '?' || r == '*')
	})
	t := tokens{words: make(map[string]int, len(fields)), count: len(fields)}
	clean := make([]string, 0, len(fields))
	for _, f := range fields {
		t.words[strings.Trim(f, "'?")]++
		if strings.HasSuffix(f, "?") {
			t.words[f]++
		}
		clean = append(clean, f)
	}
	t.padded = " " + strings.Join(clean, " ") + " "
	return t
}

// hits counts keyword occurrences. Single words match tokens; phrases match
// on word boundaries.
func (t tokens) hits(list []string) int {
	n := 0
	for _, kw := range list {
		if strings.ContainsRune(kw, ' ') {
			n += strings.Count(t.padded, " "+kw+" ")
			continue
		}
		n += t.words[kw]
	}
	return n
}

func emojiHits(text string, list []string) int {
	n := 0
	for _, e := range list {
		n += strings.Count(text, e)
	}
	return n
}

// NegativeHits counts sad, angry and anxious keywords in text.
func NegativeHits(text string) int {
	t := tokenize(text)
	return t.hits(keywords[Sad]) + t.hits(keywords[Angry]) + t.hits(keywords[Anxious])
}

// PositiveEmojiHits counts happy and grateful emoji in text.
func PositiveEmojiHits(text string) int {
	return emojiHits(text, emojis[Happy]) + emojiHits(text, emojis[Grateful])
}

// HasSarcasmMarker reports a trailing sarcasm marker such as "/s".
func HasSarcasmMarker(text string) bool {
	s := strings.ToLower(strings.TrimSpace(text))
	s = strings.TrimRight(s, " .!")
	for _, m := range sarcasmMarkers {
		if strings.HasSuffix(s, m) || strings.HasPrefix(s, m+" ") || strings.HasPrefix(s, m+",") {
			return true
		}
	}
	return false
}

// IsEmoji reports whether r is in a common emoji block.
func IsEmoji(r rune) bool {
	switch {
	case r >= 0x1F300 && r <= 0x1FAFF:
		return true
	case r >= 0x2600 && r <= 0x27BF:
		return true
	}
	return false
}
