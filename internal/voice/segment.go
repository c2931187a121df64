package voice

import "strings"

const hangupSentinel = "[HANGUP]"

// Segment is one bounded text slice ready to hand to the TTS adapter.
type Segment struct {
	Text    string
	IsFinal bool
}

// segmentExtractor turns an append-only stream of LLM tokens into two
// parallel outputs: text safe to forward verbatim to the client as
// llm_token (everything except the hangup sentinel and any not-yet-resolved
// partial match at the buffer's tail), and Segments ready for the TTS
// adapter. Both cursors operate on the same never-truncated accumulated
// text so a sentinel split across two token appends is always caught by a
// whole-buffer scan, never a per-token one.
//
// Grounded on the original prototype's segment_writer (char_budget=250).
// Sentence boundaries here are `.`, `!`, `?` and `…` only; a newline is not
// a boundary.
type segmentExtractor struct {
	full          strings.Builder
	charBudget    int
	segmentCursor int // rune offset: start of text not yet turned into a Segment
	forwardCursor int // rune offset: start of text not yet forwarded as llm_token
	hangupSeen    bool
}

func newSegmentExtractor(charBudget int) *segmentExtractor {
	if charBudget <= 0 {
		charBudget = 250
	}
	return &segmentExtractor{charBudget: charBudget}
}

var sentencePunct = map[rune]bool{
	'.': true, '!': true, '?': true, '…': true,
}

// Append adds one LLM token to the accumulated text and returns:
//   - segments ready for the TTS adapter (in emission order)
//   - forwardText: new text since the last Append/Flush call that is safe
//     to send to the client as llm_token right now
//   - hangup: true iff the sentinel was just detected; the caller must stop
//     calling Append and cancel the LLM stream.
func (e *segmentExtractor) Append(token string) (segments []Segment, forwardText string, hangup bool) {
	if e.hangupSeen {
		return nil, "", true
	}
	e.full.WriteString(token)
	runes := []rune(e.full.String())

	scanFrom := e.segmentCursor
	if e.forwardCursor < scanFrom {
		scanFrom = e.forwardCursor
	}
	if idx := indexSentinelCI(runes[scanFrom:]); idx >= 0 {
		abs := scanFrom + idx
		closing := strings.TrimRight(string(runes[e.segmentCursor:abs]), " \t\r\n")
		forwardText = string(runes[e.forwardCursor:abs])
		e.hangupSeen = true
		e.segmentCursor = abs
		e.forwardCursor = abs
		if closing != "" {
			return []Segment{{Text: closing, IsFinal: true}}, forwardText, true
		}
		return []Segment{{Text: "", IsFinal: true}}, forwardText, true
	}

	holdback := partialSentinelSuffixLen(runes)
	safeEnd := len(runes) - holdback

	if safeEnd > e.forwardCursor {
		forwardText = string(runes[e.forwardCursor:safeEnd])
		e.forwardCursor = safeEnd
	}

	for {
		windowEnd := e.segmentCursor + e.charBudget
		if windowEnd > safeEnd {
			windowEnd = safeEnd
		}
		if windowEnd <= e.segmentCursor {
			break
		}
		window := runes[e.segmentCursor:windowEnd]
		if k := rightmostPunct(window); k >= 0 {
			segments = append(segments, Segment{Text: string(runes[e.segmentCursor : e.segmentCursor+k+1])})
			e.segmentCursor += k + 1
			continue
		}
		if windowEnd-e.segmentCursor >= e.charBudget {
			segments = append(segments, Segment{Text: string(runes[e.segmentCursor:windowEnd])})
			e.segmentCursor = windowEnd
			continue
		}
		break
	}

	return segments, forwardText, false
}

// Flush is called when the LLM stream closes without ever emitting the
// sentinel. Any text not yet forwarded is returned for a final llm_token
// send, and any buffered text below the punctuation threshold is emitted as
// one non-final residual segment, per spec's decision on the sub-threshold
// residual open question.
func (e *segmentExtractor) Flush() (residual *Segment, forwardText string) {
	if e.hangupSeen {
		return nil, ""
	}
	runes := []rune(e.full.String())

	if len(runes) > e.forwardCursor {
		forwardText = string(runes[e.forwardCursor:])
		e.forwardCursor = len(runes)
	}

	remaining := strings.TrimSpace(string(runes[e.segmentCursor:]))
	e.segmentCursor = len(runes)
	if remaining == "" {
		return nil, forwardText
	}
	return &Segment{Text: remaining}, forwardText
}

func rightmostPunct(window []rune) int {
	for i := len(window) - 1; i >= 0; i-- {
		if sentencePunct[window[i]] {
			return i
		}
	}
	return -1
}

// indexSentinelCI returns the rune index of the first case-insensitive
// occurrence of "[HANGUP]" in buf, or -1.
func indexSentinelCI(buf []rune) int {
	lower := strings.ToLower(string(buf))
	idx := strings.Index(lower, strings.ToLower(hangupSentinel))
	if idx < 0 {
		return -1
	}
	return len([]rune(lower[:idx]))
}

// partialSentinelSuffixLen returns how many trailing runes of buf form a
// strict, non-empty prefix of "[HANGUP]" that could still grow into the
// full sentinel with more tokens. Those runes must not be forwarded or
// segmented away yet.
func partialSentinelSuffixLen(buf []rune) int {
	sentinel := []rune(hangupSentinel)
	maxLen := len(sentinel) - 1
	if maxLen > len(buf) {
		maxLen = len(buf)
	}
	for l := maxLen; l > 0; l-- {
		suffix := strings.ToLower(string(buf[len(buf)-l:]))
		if suffix == strings.ToLower(string(sentinel[:l])) {
			return l
		}
	}
	return 0
}
