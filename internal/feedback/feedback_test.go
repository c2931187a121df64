package feedback

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/samantha-voice/callagent/internal/llm"
)

type fakeLLM struct {
	reply string
	err   error
}

func (f *fakeLLM) StreamReply(_ context.Context, _ string, _ []llm.Message, _ string, _ func(string) error) (string, error) {
	return f.reply, f.err
}

func TestScorePartitionsCriteriaIntoCategories(t *testing.T) {
	reply := `{"results":[true,false,true,true,false,true,true,false,true],"summary":"Solid call","strengths":["confident opener"],"improvements":["ask more discovery questions"]}`
	scorer := NewScorer(&fakeLLM{reply: reply})

	req := Request{
		Persona: "A",
		Transcript: []TranscriptTurn{
			{Role: RoleUser, Content: "Hi, is this Joe?"},
			{Role: RoleAssistant, Content: "Yeah, this is Joe."},
		},
	}

	resp, err := scorer.Score(context.Background(), req)
	if err != nil {
		t.Fatalf("Score() error = %v", err)
	}
	if len(resp.Categories) != 5 {
		t.Fatalf("len(Categories) = %d, want 5", len(resp.Categories))
	}
	if resp.OverallScore.Total != 9 {
		t.Fatalf("OverallScore.Total = %d, want 9", resp.OverallScore.Total)
	}
	wantCorrect := 6
	if resp.OverallScore.Correct != wantCorrect {
		t.Fatalf("OverallScore.Correct = %d, want %d", resp.OverallScore.Correct, wantCorrect)
	}
	if resp.Categories[0].Name != "Opener" || resp.Categories[0].Score.Total != 2 {
		t.Fatalf("Categories[0] = %+v, want Opener with 2 criteria", resp.Categories[0])
	}
	if resp.Categories[2].Name != "Discovery" || resp.Categories[2].Score.Total != 1 {
		t.Fatalf("Categories[2] = %+v, want Discovery with 1 criterion", resp.Categories[2])
	}
	if resp.Summary != "Solid call" {
		t.Fatalf("Summary = %q, want %q", resp.Summary, "Solid call")
	}
}

func TestScoreToleratesMarkdownFencedReply(t *testing.T) {
	reply := "```json\n{\"results\":[true,true,true,true,true,true,true,true,true],\"summary\":\"ok\"}\n```"
	scorer := NewScorer(&fakeLLM{reply: reply})

	resp, err := scorer.Score(context.Background(), Request{
		Persona:    "B",
		Transcript: []TranscriptTurn{{Role: RoleUser, Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("Score() error = %v", err)
	}
	if resp.OverallScore.Correct != 9 {
		t.Fatalf("OverallScore.Correct = %d, want 9", resp.OverallScore.Correct)
	}
}

func TestDecodeRequestRejectsEmptyTranscript(t *testing.T) {
	if _, err := DecodeRequest([]byte(`{"transcript":[],"persona":"A"}`)); err == nil {
		t.Fatalf("DecodeRequest() error = nil, want error for empty transcript")
	}
}

func TestToJSONRoundTrips(t *testing.T) {
	resp := buildResponse(
		[]bool{true, false, true, true, false, true, true, false, true},
		"Solid call",
		[]string{"confident opener"},
		nil,
	)

	data, err := ToJSON(resp)
	if err != nil {
		t.Fatalf("ToJSON() error = %v", err)
	}

	var decoded Response
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("json.Unmarshal(ToJSON output) error = %v", err)
	}
	if decoded.OverallScore != resp.OverallScore {
		t.Fatalf("decoded.OverallScore = %+v, want %+v", decoded.OverallScore, resp.OverallScore)
	}
	if len(decoded.Categories) != 5 {
		t.Fatalf("len(decoded.Categories) = %d, want 5", len(decoded.Categories))
	}
	if len(decoded.Strengths) != 1 || decoded.Strengths[0] != "confident opener" {
		t.Fatalf("decoded.Strengths = %v, want [confident opener]", decoded.Strengths)
	}
	if decoded.Improvements == nil {
		t.Fatalf("decoded.Improvements = nil, want an empty (non-nil-in-JSON) array")
	}
}
