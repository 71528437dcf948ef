package dispatch

import "strings"

// Source hints where the prompt text came from.
type Source string

const (
	SourceEmail    Source = "email"
	SourceMeeting  Source = "meeting"
	SourceDocument Source = "document"
)

// Type hints what kind of processing the caller wants.
type Type string

const (
	TypeSummary     Type = "summary"
	TypeKeywords    Type = "keywords"
	TypeSentiment   Type = "sentiment"
	TypeEntities    Type = "entities"
	TypeTranslation Type = "translation"
)

const basePrompt = "You are an AI assistant that helps process text content. " +
	"Be concise, accurate, and helpful."

// BuildSystemPrompt synthesizes the system prompt from the request
// hints. Pure function; hints it does not recognize are ignored.
func BuildSystemPrompt(source Source, typ Type, language string) string {
	var b strings.Builder
	b.WriteString(basePrompt)

	switch source {
	case SourceEmail:
		b.WriteString(" The content is from an email. " +
			"Focus on extracting the key information and action items.")
	case SourceMeeting:
		b.WriteString(" The content is from a meeting transcript. " +
			"Focus on decisions, action items, and key discussion points.")
	case SourceDocument:
		b.WriteString(" The content is from a document. " +
			"Focus on extracting the main themes and important details.")
	}

	switch typ {
	case TypeSummary:
		b.WriteString(" Create a concise summary of the content, " +
			"focusing on the most important information. " +
			"Use bullet points for key points if appropriate.")
	case TypeKeywords:
		b.WriteString(" Extract the most important keywords and phrases from the content. " +
			"Return them as a comma-separated list.")
	case TypeSentiment:
		b.WriteString(" Analyze the sentiment of the content. " +
			"Consider the tone, emotion, and attitude expressed. " +
			"Classify as positive, negative, or neutral, with a brief explanation.")
	case TypeEntities:
		b.WriteString(" Extract named entities from the content, such as people, organizations, " +
			"locations, dates, and product names. Format as a structured list.")
	case TypeTranslation:
		target := language
		if target == "" {
			target = "English"
		}
		b.WriteString(" Translate the content into " + target + ". " +
			"Maintain the original meaning and tone as much as possible.")
	}

	if language != "" && typ != TypeTranslation {
		b.WriteString(" Respond in " + language + ".")
	}

	return b.String()
}
