// Package feedback implements the POST /api/feedback scoring endpoint
// spec.md §6 names and SPEC_FULL.md §6 supplements with the 9-criteria,
// 5-category partition the original prototype's feedback.py defines: Opener
// (2), Social Proof (2), Discovery (1), Closing (2), Takeaway (2). It is a
// stateless HTTP request against the same LLM the call itself uses — no
// session, no history, one evaluation call per request.
package feedback

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/samantha-voice/callagent/internal/llm"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type TranscriptTurn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type Request struct {
	Transcript []TranscriptTurn `json:"transcript"`
	Persona    string           `json:"persona"`
}

type Score struct {
	Correct int `json:"correct"`
	Total   int `json:"total"`
}

type Criterion struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
}

type Category struct {
	Name     string      `json:"name"`
	Score    Score       `json:"score"`
	Criteria []Criterion `json:"criteria"`
}

type Response struct {
	OverallScore Score      `json:"overallScore"`
	Categories   []Category `json:"categories"`
	Summary      string     `json:"summary"`
	Strengths    []string   `json:"strengths"`
	Improvements []string   `json:"improvements"`
}

type categoryDef struct {
	name     string
	criteria []string
}

// categoryDefs is the fixed 5-category, 9-criteria partition spec.md §6
// names by count: Opener 2, Social Proof 2, Discovery 1, Closing 2,
// Takeaway 2.
var categoryDefs = []categoryDef{
	{"Opener", []string{
		"Opened with a clear, confident self-introduction",
		"Stated the purpose of the call within the first exchange",
	}},
	{"Social Proof", []string{
		"Referenced a relevant customer story or proof point",
		"Tied the proof point back to the prospect's own situation",
	}},
	{"Discovery", []string{
		"Asked at least one open-ended discovery question",
	}},
	{"Closing", []string{
		"Proposed a concrete, specific next step",
		"Confirmed the prospect's agreement to that next step",
	}},
	{"Takeaway", []string{
		"Left the prospect with a memorable, specific takeaway",
		"Ended the call on a clear, professional note",
	}},
}

// Scorer evaluates a finished transcript against the fixed criteria
// partition using one LLM call per request.
type Scorer struct {
	llm LLMProvider
}

// LLMProvider is the minimal surface Scorer needs from the LLM adapter.
type LLMProvider interface {
	StreamReply(ctx context.Context, systemPrompt string, hist []llm.Message, userText string, onDelta func(string) error) (string, error)
}

func NewScorer(llmClient LLMProvider) *Scorer {
	return &Scorer{llm: llmClient}
}

const scoringSystemPrompt = `You are grading a sales call transcript against a fixed rubric.
Respond with exactly one JSON object and nothing else, of the shape:
{"results": [bool, ...], "summary": "...", "strengths": ["...", "..."], "improvements": ["...", "..."]}
"results" must have exactly as many entries as there are numbered criteria below, in the same order.
A criterion is true only when the transcript clearly demonstrates the behavior; when in doubt, mark it false.`

// Score runs one evaluation call and partitions the result into the
// Opener/Social Proof/Discovery/Closing/Takeaway categories.
func (s *Scorer) Score(ctx context.Context, req Request) (Response, error) {
	criteria := flattenCriteria()
	userPrompt := buildUserPrompt(req, criteria)

	raw, err := s.llm.StreamReply(ctx, scoringSystemPrompt, nil, userPrompt, nil)
	if err != nil {
		return Response{}, fmt.Errorf("feedback: scoring call failed: %w", err)
	}

	results, summary, strengths, improvements, err := parseScoringReply(raw, len(criteria))
	if err != nil {
		return Response{}, fmt.Errorf("feedback: parse scoring reply: %w", err)
	}

	return buildResponse(results, summary, strengths, improvements), nil
}

func flattenCriteria() []string {
	var out []string
	for _, c := range categoryDefs {
		out = append(out, c.criteria...)
	}
	return out
}

func buildUserPrompt(req Request, criteria []string) string {
	var b strings.Builder
	b.WriteString("PERSONA: ")
	b.WriteString(req.Persona)
	b.WriteString("\n\nTRANSCRIPT:\n")
	for _, t := range req.Transcript {
		fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
	}
	b.WriteString("\nCRITERIA:\n")
	for i, c := range criteria {
		fmt.Fprintf(&b, "%d. %s\n", i+1, c)
	}
	return b.String()
}

// parseScoringReply tolerates a markdown-fenced or slightly malformed LLM
// response: it strips code fences, repairs the JSON with jsonrepair, then
// reads fields with gjson rather than a strict struct unmarshal.
func parseScoringReply(raw string, want int) (results []bool, summary string, strengths, improvements []string, err error) {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	repaired, rerr := jsonrepair.JSONRepair(trimmed)
	if rerr != nil {
		repaired = trimmed
	}
	if !gjson.Valid(repaired) {
		return nil, "", nil, nil, fmt.Errorf("scoring reply is not valid JSON: %s", truncate(raw, 200))
	}

	parsed := gjson.Parse(repaired)
	for _, r := range parsed.Get("results").Array() {
		results = append(results, r.Bool())
	}
	for len(results) < want {
		results = append(results, false)
	}
	if len(results) > want {
		results = results[:want]
	}

	summary = parsed.Get("summary").String()
	for _, v := range parsed.Get("strengths").Array() {
		strengths = append(strengths, v.String())
	}
	for _, v := range parsed.Get("improvements").Array() {
		improvements = append(improvements, v.String())
	}
	return results, summary, strengths, improvements, nil
}

func buildResponse(results []bool, summary string, strengths, improvements []string) Response {
	resp := Response{Summary: summary, Strengths: strengths, Improvements: improvements}
	idx := 0
	for _, def := range categoryDefs {
		cat := Category{Name: def.name}
		for _, name := range def.criteria {
			passed := idx < len(results) && results[idx]
			cat.Criteria = append(cat.Criteria, Criterion{Name: name, Passed: passed})
			cat.Score.Total++
			if passed {
				cat.Score.Correct++
			}
			idx++
		}
		resp.Categories = append(resp.Categories, cat)
		resp.OverallScore.Total += cat.Score.Total
		resp.OverallScore.Correct += cat.Score.Correct
	}
	return resp
}

// ToJSON builds the scorecard response body by setting each field onto an
// empty JSON document with sjson rather than a single json.Marshal of
// Response, so the wire shape stays explicit about array-vs-omitted-array
// for the strengths/improvements lists the LLM may leave empty.
func ToJSON(resp Response) ([]byte, error) {
	data := []byte(`{}`)
	var err error

	set := func(path string, v any) {
		if err != nil {
			return
		}
		data, err = sjson.SetBytes(data, path, v)
	}

	set("overallScore.correct", resp.OverallScore.Correct)
	set("overallScore.total", resp.OverallScore.Total)
	set("summary", resp.Summary)
	set("categories", []Category{})
	for _, cat := range resp.Categories {
		set("categories.-1", cat)
	}
	set("strengths", []string{})
	for _, s := range resp.Strengths {
		set("strengths.-1", s)
	}
	set("improvements", []string{})
	for _, s := range resp.Improvements {
		set("improvements.-1", s)
	}
	if err != nil {
		return nil, fmt.Errorf("feedback: build response json: %w", err)
	}
	return data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// DecodeRequest is a thin json.Unmarshal wrapper kept separate from the
// HTTP handler so it can be unit tested without spinning up a server.
func DecodeRequest(body []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return Request{}, fmt.Errorf("feedback: invalid request body: %w", err)
	}
	if len(req.Transcript) == 0 {
		return Request{}, fmt.Errorf("feedback: transcript must not be empty")
	}
	return req, nil
}
