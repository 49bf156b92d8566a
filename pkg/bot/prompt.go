package bot

import "strings"

const (
	// DefaultPersona is the system message when no prompts are given.
	DefaultPersona = "You are a friendly voice assistant for kids. Keep responses short, clear, and age-appropriate. " +
		"You have access to tools: show_picture(url) to display an image, and show_text(text) to display text."

	// GreetingTrigger is seeded as the first user message so the bot speaks first.
	GreetingTrigger = "You are about to start a voice conversation. Greet the user warmly and introduce yourself first. " +
		"Do not wait for the user to speak - you must speak first. Follow all activity instructions in your system prompt."

	activityDirective = "ACTIVITY INSTRUCTIONS (you MUST follow these strictly):"
	activityReminder  = "Always adhere to the activity instructions above in every response."
	toolSentence      = "You have access to tools: show_picture(url) to display an image to the user, " +
		"and show_text(text) to display text to the user. Call these when appropriate."
)

// BuildSystemMessage composes the system message from the session prompts.
func BuildSystemMessage(cfg SessionConfig) string {
	system := strings.TrimSpace(cfg.SystemPrompt)
	activity := strings.TrimSpace(cfg.ActivityPrompt)
	if system == "" && activity == "" {
		return DefaultPersona
	}

	var parts []string
	if system != "" {
		parts = append(parts, system)
	}
	if activity != "" {
		parts = append(parts, activityDirective+"\n"+activity+"\n"+activityReminder)
	}
	parts = append(parts, toolSentence)
	return strings.Join(parts, "\n\n")
}
