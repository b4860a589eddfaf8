// Package intent classifies a user message into one of four actions. A
// deterministic rule table handles the common case; ambiguous input is
// escalated to a generation backend constrained to a JSON schema.
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/nous-labs/attune/pkg/metrics"
)

// Action is the downstream intent.
type Action string

const (
	FetchTasks  Action = "fetch_tasks"
	CreateTask  Action = "create_task"
	SaveFact    Action = "save_fact"
	GeneralChat Action = "general_chat"
)

// Valid reports whether a is one of the four known actions.
func (a Action) Valid() bool {
	switch a {
	case FetchTasks, CreateTask, SaveFact, GeneralChat:
		return true
	}
	return false
}

// Source records which tier produced a Result.
type Source string

const (
	SourceFast     Source = "fast"
	SourceModel    Source = "model"
	SourceFallback Source = "fallback"
)

// Result is the tagged record handed to the task subsystem.
type Result struct {
	Action     Action            `json:"action"`
	Data       map[string]string `json:"data,omitempty"`
	Confidence float64           `json:"confidence"`
	Source     Source            `json:"source"`
}

// Generator is the text-generation capability used for escalation.
// *llm.Router satisfies it.
type Generator interface {
	GenerateText(ctx context.Context, prompt string, timeout time.Duration) (string, error)
}

// Config holds the decision-table thresholds.
type Config struct {
	FetchMin  float64       `json:"fetch_min"`  // fetch_tasks and save_fact
	CreateMin float64       `json:"create_min"` // create_task, also requires a concrete time
	ChatMin   float64       `json:"chat_min"`
	Timeout   time.Duration `json:"timeout"`
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{FetchMin: 0.6, CreateMin: 0.8, ChatMin: 0.75, Timeout: 8 * time.Second}
}

// Classifier is safe for concurrent use.
type Classifier struct {
	gen     Generator
	cfg     Config
	metrics *metrics.Recorder
}

// New creates a classifier. gen may be nil, in which case every escalation
// falls back to the fast-path guess.
func New(gen Generator, cfg Config, rec *metrics.Recorder) *Classifier {
	def := DefaultConfig()
	if cfg.FetchMin <= 0 {
		cfg.FetchMin = def.FetchMin
	}
	if cfg.CreateMin <= 0 {
		cfg.CreateMin = def.CreateMin
	}
	if cfg.ChatMin <= 0 {
		cfg.ChatMin = def.ChatMin
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Classifier{gen: gen, cfg: cfg, metrics: rec}
}

// Classify runs the fast path and escalates when the decision table says so.
func (c *Classifier) Classify(ctx context.Context, text string) Result {
	norm := Normalize(text)
	fast := Fast(norm)
	if c.accept(fast, norm) {
		c.metrics.Inc("intent.fast." + string(fast.Action))
		if fast.Action == GeneralChat {
			return Result{Action: GeneralChat, Confidence: fast.Confidence, Source: SourceFast}
		}
		return fast
	}

	c.metrics.Inc("intent.escalate")
	if c.gen == nil {
		return c.fallback(fast, "no_generator")
	}
	raw, err := c.gen.GenerateText(ctx, escalationPrompt(text), c.cfg.Timeout)
	if err != nil {
		slog.Warn("intent escalation failed", "reason", "generate_failed", "error", err)
		return c.fallback(fast, "generate_failed")
	}
	res, err := ParseModelOutput(raw)
	if err != nil {
		slog.Warn("intent escalation output rejected", "reason", "parse_failed", "error", err)
		return c.fallback(fast, "parse_failed")
	}
	c.metrics.Inc("intent.model." + string(res.Action))
	return res
}

// accept applies the decision table to a fast-path result.
func (c *Classifier) accept(r Result, norm string) bool {
	switch r.Action {
	case FetchTasks, SaveFact:
		return r.Confidence >= c.cfg.FetchMin
	case CreateTask:
		return r.Confidence >= c.cfg.CreateMin && !HasAmbiguousTime(norm)
	case GeneralChat:
		return r.Confidence >= c.cfg.ChatMin
	}
	return false
}

// fallback keeps the fast-path action and drops any extracted data.
func (c *Classifier) fallback(fast Result, reason string) Result {
	c.metrics.Inc("intent.fallback." + reason)
	return Result{Action: fast.Action, Confidence: fast.Confidence, Source: SourceFallback}
}

var spaceRe = regexp.MustCompile(`\s+`)

// Normalize lowercases, collapses whitespace and strips trailing punctuation.
func Normalize(text string) string {
	s := strings.ToLower(strings.TrimSpace(text))
	s = strings.NewReplacer("’", "'", "‘", "'").Replace(s)
	s = spaceRe.ReplaceAllString(s, " ")
	return strings.TrimRight(s, " .!?")
}

var ambiguousTime = regexp.MustCompile(`\b(later|soon|sometime|some time|in a bit|in a while|eventually|after work|this weekend|next week|one day|at some point)\b`)

// HasAmbiguousTime reports a relative-time phrase with no concrete anchor.
func HasAmbiguousTime(norm string) bool {
	return ambiguousTime.MatchString(norm)
}

type rule struct {
	action     Action
	confidence float64
	re         *regexp.Regexp
	extract    func(m []string) map[string]string
}

var concreteTime = regexp.MustCompile(`\b(at \d{1,2}(:\d{2})?\s*(am|pm)?|at noon|at midnight|tomorrow( morning| afternoon| evening| night)?|today|tonight|on (monday|tuesday|wednesday|thursday|friday|saturday|sunday)|in \d+ (minutes?|mins?|hours?|days?|weeks?))\b`)

func taskData(m []string) map[string]string {
	body := strings.TrimSpace(m[len(m)-1])
	data := map[string]string{}
	if when := concreteTime.FindString(body); when != "" {
		data["when"] = when
		body = strings.TrimSpace(spaceRe.ReplaceAllString(strings.Replace(body, when, "", 1), " "))
	}
	data["title"] = body
	return data
}

// rules are evaluated in order; the first match wins.
var rules = []rule{
	{action: FetchTasks, confidence: 0.95, re: regexp.MustCompile(`^(show|list|get|read|check)( me)?( all)? (my )?(tasks|todos|to-dos|reminders|to do list|todo list)\b`)},
	{action: FetchTasks, confidence: 0.9, re: regexp.MustCompile(`^what('s| is| are) (on )?(my )?(tasks|todos|to-dos|reminders|to do list|todo list|agenda)\b`)},
	{action: FetchTasks, confidence: 0.65, re: regexp.MustCompile(`\b(do i have|any) (tasks|todos|reminders)\b`)},
	{action: CreateTask, confidence: 0.9, re: regexp.MustCompile(`^(remind me to|remind me|add a task to|add task|create a task to|create task|add to my (?:todo|to-do|to do) list)\s+(.+)$`), extract: taskData},
	{action: CreateTask, confidence: 0.6, re: regexp.MustCompile(`^(i need to|i have to|don't let me forget to)\s+(.+)$`), extract: taskData},
	{action: SaveFact, confidence: 0.9, re: regexp.MustCompile(`^(remember that|please remember that|note that|don't forget that|keep in mind that)\s+(.+)$`), extract: func(m []string) map[string]string {
		return map[string]string{"fact": strings.TrimSpace(m[len(m)-1])}
	}},
	{action: SaveFact, confidence: 0.65, re: regexp.MustCompile(`^(my (?:favorite|favourite) [a-z ]+ is .+|my birthday is .+|i live in .+)$`), extract: func(m []string) map[string]string {
		return map[string]string{"fact": strings.TrimSpace(m[1])}
	}},
	{action: GeneralChat, confidence: 0.9, re: regexp.MustCompile(`^(hi|hello|hey|yo|thanks|thank you|good (morning|afternoon|evening|night)|how are you|what's up|whats up)\b`)},
}

// Fast evaluates the rule table on normalized input. Unmatched input is a
// low-confidence general_chat guess.
func Fast(norm string) Result {
	for _, r := range rules {
		m := r.re.FindStringSubmatch(norm)
		if m == nil {
			continue
		}
		res := Result{Action: r.action, Confidence: r.confidence, Source: SourceFast}
		if r.extract != nil {
			res.Data = r.extract(m)
		}
		if r.action == CreateTask && res.Data["when"] == "" && res.Confidence > 0.7 {
			res.Confidence = 0.7 // no concrete time
		}
		return res
	}
	return Result{Action: GeneralChat, Confidence: 0.5, Source: SourceFast}
}

func escalationPrompt(text string) string {
	return fmt.Sprintf(`Classify the user's message into exactly one action.
Respond with JSON only, no prose, matching this schema:
{"action": "fetch_tasks" | "create_task" | "save_fact" | "general_chat",
 "data": {"title"?: string, "when"?: string, "fact"?: string}}

Use create_task only when the user asks to be reminded or to add a task; put the task in "title" and any time in "when".
Use save_fact when the user asks you to remember something about them; put it in "fact".
Use fetch_tasks when the user asks about their existing tasks or reminders.
Otherwise use general_chat with no data.

Message: %q`, text)
}

type modelOutput struct {
	Action Action         `json:"action"`
	Data   map[string]any `json:"data"`
}

// ParseModelOutput extracts the first JSON object from raw model output,
// tolerating code fences and surrounding prose.
func ParseModelOutput(raw string) (Result, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return Result{}, fmt.Errorf("no JSON object in model output")
	}
	var out modelOutput
	if err := json.Unmarshal([]byte(raw[start:end+1]), &out); err != nil {
		return Result{}, fmt.Errorf("decode model output: %w", err)
	}
	out.Action = Action(strings.ToLower(strings.TrimSpace(string(out.Action))))
	if !out.Action.Valid() {
		return Result{}, fmt.Errorf("unknown action %q", out.Action)
	}
	res := Result{Action: out.Action, Confidence: 0.8, Source: SourceModel}
	if out.Action == GeneralChat {
		return res, nil
	}
	for k, v := range out.Data {
		if v == nil {
			continue
		}
		s := strings.TrimSpace(fmt.Sprint(v))
		if s == "" {
			continue
		}
		if res.Data == nil {
			res.Data = map[string]string{}
		}
		res.Data[k] = s
	}
	return res, nil
}
