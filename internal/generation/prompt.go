package generation

import "strings"

// approxCharsPerToken is a coarse token estimate used only to truncate the
// prompt to a provider-independent budget; it is not a tokenizer.
const approxCharsPerToken = 4

// BuildPrompt composes the structured prompt from persona text, retrieved
// chunks (truncated to the part of the token budget that the persona,
// summaries, and transcript leave over; dropped when none is left), the last k
// conversational summaries, and the user's final transcript (spec §4.7). On
// GroundedRefusal, an explicit grounding directive is appended so the model
// declines rather than hallucinates (spec §4.6/GLOSSARY "Grounded refusal").
func BuildPrompt(req Request) string {
	var b strings.Builder

	if p := strings.TrimSpace(req.PersonaPrompt); p != "" {
		b.WriteString(p)
		b.WriteString("\n\n")
	}

	if req.GroundedRefusal {
		b.WriteString("No relevant knowledge was found for this question. Politely decline to guess and say you don't have that information.\n\n")
	} else if len(req.RetrievedChunks) > 0 {
		limit := budgetChars(req.TokenBudget)
		room := limit
		if limit > 0 {
			// Chunks get only what the persona, summaries, and transcript
			// leave of the budget.
			room -= len(req.PersonaPrompt) + len(req.FinalTranscript)
			for _, s := range req.Summaries {
				room -= len(s)
			}
		}
		if limit == 0 || room > 0 {
			b.WriteString("Relevant context:\n")
			writeChunks(&b, req.RetrievedChunks, room)
			b.WriteString("\n")
		}
	}

	if len(req.Summaries) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, s := range req.Summaries {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			b.WriteString("- ")
			b.WriteString(s)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("User: ")
	b.WriteString(strings.TrimSpace(req.FinalTranscript))
	return b.String()
}

func writeChunks(b *strings.Builder, chunks []Chunk, budgetChars int) {
	used := 0
	for _, c := range chunks {
		text := strings.TrimSpace(c.Text)
		if text == "" {
			continue
		}
		if budgetChars > 0 && used+len(text) > budgetChars {
			remaining := budgetChars - used
			if remaining <= 0 {
				break
			}
			text = text[:remaining]
		}
		b.WriteString("- [")
		b.WriteString(c.SourceType)
		b.WriteString("] ")
		b.WriteString(text)
		b.WriteString("\n")
		used += len(text)
		if budgetChars > 0 && used >= budgetChars {
			break
		}
	}
}

func budgetChars(tokenBudget int) int {
	if tokenBudget <= 0 {
		return 0
	}
	return tokenBudget * approxCharsPerToken
}
