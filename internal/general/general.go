// Package general answers small talk and refuses abusive queries without
// planning or calling workers.
package general

import (
	"log"
	"regexp"
	"strings"
	"time"
)

type Kind string

const (
	KindNone    Kind = "none"
	KindGeneral Kind = "general"
	KindBlocked Kind = "blocked"
)

// Outcome tells the caller whether to short-circuit. Answer is empty for
// KindNone.
type Outcome struct {
	Kind   Kind   `json:"kind"`
	Answer string `json:"answer,omitempty"`
}

const (
	blockedAnswer  = "I can't help with that."
	greetingAnswer = "Hello! I'm here to help with your requests."
	wellBeing      = "I'm doing great, thank you for asking! How can I assist you today?"
	identityAnswer = "I'm a supervisor agent that coordinates specialized worker agents to help you with " +
		"various tasks like knowledge retrieval, scheduling, email management, and more."
)

var (
	abusePattern    = regexp.MustCompile(`\b(kill|hate|stupid|fuck|shit|asshole|idiot|violence|murder)\b`)
	greetingPattern = regexp.MustCompile(`\b(hi|hello|hey|good (morning|afternoon|evening))\b`)
)

type Handler struct {
	now    func() time.Time
	script *Script
}

type Option func(*Handler)

// WithClock overrides the time source for date and time answers.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// WithScript consults s before the built-in rules.
func WithScript(s *Script) Option {
	return func(h *Handler) { h.script = s }
}

func New(opts ...Option) *Handler {
	h := &Handler{now: time.Now}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *Handler) Handle(query string) Outcome {
	normalized := strings.TrimSpace(query)
	if normalized == "" {
		return Outcome{Kind: KindNone}
	}
	if h.script != nil {
		out, ok, err := h.script.Classify(normalized)
		if err != nil {
			log.Printf("general: classifier script: %v", err)
		} else if ok {
			return out
		}
	}
	return h.builtin(strings.ToLower(normalized))
}

func (h *Handler) builtin(lower string) Outcome {
	has := func(subs ...string) bool {
		for _, s := range subs {
			if strings.Contains(lower, s) {
				return true
			}
		}
		return false
	}
	now := h.now().UTC()

	switch {
	case abusePattern.MatchString(lower):
		return Outcome{Kind: KindBlocked, Answer: blockedAnswer}
	case greetingPattern.MatchString(lower):
		return Outcome{Kind: KindGeneral, Answer: greetingAnswer}
	case has("how are you", "how are u", "how's it going"):
		return Outcome{Kind: KindGeneral, Answer: wellBeing}
	case has("who are you", "who r u", "what are you"):
		return Outcome{Kind: KindGeneral, Answer: identityAnswer}
	case has("date", "day") && has("today", "current", "what"):
		return Outcome{Kind: KindGeneral, Answer: "Today's date (UTC) is " + now.Format("2006-01-02") + "."}
	case has("time") && has("now", "current", "what"):
		return Outcome{Kind: KindGeneral, Answer: "The current time is " + now.Format("15:04") + " UTC."}
	}
	return Outcome{Kind: KindNone}
}
