// Package persona holds the per-persona system prompts the LLM adapter
// prefixes onto every turn. Prompt authoring content is out of scope for the
// orchestrator itself; this package only exposes the two known personas as
// data so the orchestrator can select one by enum value.
package persona

import (
	"fmt"

	"github.com/samantha-voice/callagent/internal/protocol"
)

const coreInstructions = `You are the prospect being called, not the sales rep.
Stay busy and skeptical but open-minded; give the rep a chance to make their case.
Speak in short, flowing sentences (1-2 sentences per reply), no emojis.
Only hang up if the rep fails to answer your questions twice or is clearly wasting your time.
When you decide to end the call, say your closing line and then output [HANGUP] as the very last thing you say, with nothing after it.`

var profiles = map[protocol.Persona]string{
	protocol.PersonaA: `PROFILE: Joe, Director of Ops at Bain & Co.
Direct, fast-paced, efficiency-focused; no time for small talk.
You want to know how this saves time or streamlines operations.`,
	protocol.PersonaB: `PROFILE: Sam, CEO at BlackRock.
Professional, calm, demands substance; cares about ROI and strategic advantage.
Dislikes buzzwords and vague claims.`,
}

// SystemPrompt returns the full system prompt for persona p, combining the
// shared hangup-sentinel protocol with the persona-specific profile.
func SystemPrompt(p protocol.Persona) (string, error) {
	profile, ok := profiles[p]
	if !ok {
		return "", fmt.Errorf("persona: unknown persona %q", p)
	}
	return coreInstructions + "\n\n" + profile, nil
}
