package persona

import "github.com/nous-labs/attune/internal/emotion"

// Templates maps emotion and style (concise, balanced, deep) to openers.
type Templates map[emotion.Emotion]map[string][]string

// DefaultTemplates returns the built-in template set.
func DefaultTemplates() Templates {
	return Templates{
		emotion.Happy: {
			"concise":  {"Love that!", "Nice!", "That's great!"},
			"balanced": {"That's wonderful to hear!", "Love that for you!", "This made me smile.", "What great news!"},
			"deep":     {"That's genuinely wonderful, and it sounds like it means a lot to you.", "I love hearing this. Moments like that are worth savoring.", "What a great thing to share, thank you for telling me."},
		},
		emotion.Grateful: {
			"concise":  {"Anytime!", "Happy to help!", "Of course!"},
			"balanced": {"You're very welcome!", "Glad I could help!", "Always happy to help."},
			"deep":     {"You're so welcome. I'm really glad this was useful to you.", "It means a lot that you said that. I'm glad I could help."},
		},
		emotion.Surprised: {
			"concise":  {"Whoa!", "No way!", "Wow!"},
			"balanced": {"Wow, I didn't see that coming!", "That's quite a twist!", "Well, that's a surprise!"},
			"deep":     {"Wow, that's a real surprise. It's a lot to take in at once.", "That's unexpected! It's okay to need a moment with news like that."},
		},
		emotion.Sad: {
			"concise":  {"I'm sorry.", "That sounds hard.", "I'm here."},
			"balanced": {"I'm sorry you're going through this.", "That sounds really hard.", "I'm here with you."},
			"deep":     {"I'm really sorry you're going through this. It makes sense that it's weighing on you.", "That sounds painful, and your feelings about it are completely valid.", "I'm here with you. You don't have to carry this alone."},
		},
		emotion.Angry: {
			"concise":  {"That's frustrating.", "Understandable.", "Ugh, I get it."},
			"balanced": {"That sounds really frustrating.", "I can see why that would make you angry.", "That would get to anyone."},
			"deep":     {"That sounds genuinely frustrating, and it's fair to be upset about it.", "I can understand why you're angry. Let's see what we can do about it."},
		},
		emotion.Anxious: {
			"concise":  {"One step at a time.", "You've got this.", "Let's breathe."},
			"balanced": {"That sounds stressful. Let's take it one step at a time.", "It's okay to feel uneasy about this.", "Let's slow down and look at this together."},
			"deep":     {"It makes sense to feel anxious about this. Let's break it into smaller pieces together.", "That's a lot to hold. We can take it slowly, one thing at a time."},
		},
		emotion.Toxic: {
			"concise":  {"Let's keep it respectful."},
			"balanced": {"I want to help, and I'd like us to keep this respectful."},
			"deep":     {"I'm still happy to help, but I'd like us to keep the conversation respectful."},
		},
	}
}

var escalationClauses = map[emotion.Emotion]string{
	emotion.Sad:     "It seems like things have been heavy for a while. If you'd like to talk about what's going on, I'm here to listen.",
	emotion.Angry:   "This has been frustrating you for a bit now. If something specific keeps going wrong, tell me and we can work through it together.",
	emotion.Anxious: "You've been carrying a lot of worry lately. If it would help, we can talk it through or make a small plan together.",
}
