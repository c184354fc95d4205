package chat

import "coachchat/internal/models"

const (
	regularPrompt = "You are a helpful assistant. Help the user with their problem."
	coachPrompt   = "You are a helpful coach. Help the user with their problem. Ask user one clarifying question at a time, and make it the most important one. Ask if user says something that show as limiting belief/wordview, question the user until they realize it."
)

// SystemPrompt picks the prompt for mode and appends the retrieved context.
func SystemPrompt(mode models.Mode, documentContext string) string {
	prompt := regularPrompt
	if mode == models.ModeCoach {
		prompt = coachPrompt
	}
	if documentContext == "" {
		return prompt
	}
	return prompt + "\n\n" + documentContext
}
