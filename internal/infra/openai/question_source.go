package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"medquiz-service/internal/domain"
)

// QuestionSource generates MCQs and answers doubts through the OpenAI chat
// completion API. Generation uses a forced tool call so the model returns
// structured output instead of prose.
type QuestionSource struct {
	client *openai.Client
	model  string
}

// NewQuestionSource builds a source for the given API key. An empty model
// defaults to GPT-4o.
func NewQuestionSource(apiKey, model string) *QuestionSource {
	if model == "" {
		model = openai.GPT4o
	}
	return &QuestionSource{client: openai.NewClient(apiKey), model: model}
}

// submitQuestionSchema is the tool parameter schema: one question with four
// options and a 0-based correct index.
var submitQuestionSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"text": map[string]interface{}{
			"type":        "string",
			"description": "The question text",
		},
		"options": map[string]interface{}{
			"type": "array",
			"items": map[string]interface{}{
				"type": "string",
			},
			"description": "Array of 4 multiple choice options, without letter prefixes",
		},
		"correct_answer": map[string]interface{}{
			"type":        "integer",
			"description": "0-based index of the correct option",
		},
		"explanation": map[string]interface{}{
			"type":        "string",
			"description": "Brief explanation of why the answer is correct",
		},
	},
	"required": []string{"text", "options", "correct_answer", "explanation"},
}

func (s *QuestionSource) Generate(ctx context.Context, scope string, difficulty domain.Difficulty) (domain.Question, error) {
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: "You are an expert medical educator. Generate one high-quality multiple choice question with exactly 4 options for medical students preparing for exams.",
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: buildGenerationPrompt(scope, difficulty),
			},
		},
		Tools: []openai.Tool{
			{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        "submit_question",
					Description: "Submit the generated quiz question",
					Parameters:  submitQuestionSchema,
				},
			},
		},
		ToolChoice: openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: "submit_question"},
		},
	})
	if err != nil {
		return domain.Question{}, fmt.Errorf("generate question: %w", err)
	}
	if len(resp.Choices) == 0 {
		return domain.Question{}, fmt.Errorf("generate question: empty response")
	}
	choice := resp.Choices[0]
	if len(choice.Message.ToolCalls) == 0 {
		return domain.Question{}, fmt.Errorf("generate question: no tool call in response")
	}
	toolCall := choice.Message.ToolCalls[0]
	if toolCall.Function.Name != "submit_question" {
		return domain.Question{}, fmt.Errorf("generate question: unexpected tool call %q", toolCall.Function.Name)
	}

	var args struct {
		Text          string   `json:"text"`
		Options       []string `json:"options"`
		CorrectAnswer int      `json:"correct_answer"`
		Explanation   string   `json:"explanation"`
	}
	if err := json.Unmarshal([]byte(toolCall.Function.Arguments), &args); err != nil {
		return domain.Question{}, fmt.Errorf("parse tool arguments: %w", err)
	}

	return BuildQuestion(args.Text, args.Options, args.CorrectAnswer, args.Explanation, scope)
}

// BuildQuestion converts raw generated fields into a lettered domain
// question and validates the option invariant.
func BuildQuestion(text string, options []string, correctIndex int, explanation, subject string) (domain.Question, error) {
	if len(options) != len(domain.OptionLetters) {
		return domain.Question{}, fmt.Errorf("%w: got %d options", domain.ErrMalformedQuestion, len(options))
	}
	if correctIndex < 0 || correctIndex >= len(options) {
		return domain.Question{}, fmt.Errorf("%w: correct index %d", domain.ErrMalformedQuestion, correctIndex)
	}

	lettered := make([]string, len(options))
	for i, opt := range options {
		letter := domain.OptionLetters[i]
		// Strip any letter prefix the model added despite instructions.
		trimmed := strings.TrimSpace(opt)
		for _, prefix := range []string{letter + ". ", letter + ") ", letter + ": "} {
			trimmed = strings.TrimPrefix(trimmed, prefix)
		}
		lettered[i] = letter + ". " + trimmed
	}

	q := domain.Question{
		Prompt:        strings.TrimSpace(text),
		Options:       lettered,
		CorrectLetter: domain.OptionLetters[correctIndex],
		Explanation:   strings.TrimSpace(explanation),
		Subject:       subject,
	}
	if err := q.Validate(); err != nil {
		return domain.Question{}, err
	}
	return q, nil
}

func buildGenerationPrompt(scope string, difficulty domain.Difficulty) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Generate one multiple choice question about: %s\n\n", scope))
	if difficulty != "" {
		sb.WriteString(fmt.Sprintf("Difficulty level: %s\n\n", difficulty))
	}
	sb.WriteString("Requirements:\n")
	sb.WriteString("- Exactly 4 multiple choice options\n")
	sb.WriteString("- The correct answer should be non-obvious but clearly correct\n")
	sb.WriteString("- Incorrect options should be plausible but clearly wrong\n")
	sb.WriteString("- Test understanding, not just memorization\n")
	sb.WriteString("- Provide a brief explanation for why the correct answer is right\n")
	sb.WriteString("- Use the submit_question tool to return the question\n")
	return sb.String()
}

// AnswerDoubt forwards a user's follow-up question with the full question
// context and returns the model's plain-text reply.
func (s *QuestionSource) AnswerDoubt(ctx context.Context, req domain.DoubtRequest) (string, error) {
	var sb strings.Builder
	sb.WriteString("A student is asking a follow-up question about this quiz question.\n\n")
	sb.WriteString("Question: " + req.Prompt + "\n")
	for _, opt := range req.Options {
		sb.WriteString(opt + "\n")
	}
	sb.WriteString("Correct answer: " + req.CorrectLetter + "\n")
	sb.WriteString("Explanation: " + req.Explanation + "\n\n")
	sb.WriteString("Student's question: " + req.UserText + "\n")

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: "You are a patient medical tutor. Answer the student's doubt concisely and accurately, referring to the question context provided.",
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: sb.String(),
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("answer doubt: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", fmt.Errorf("answer doubt: empty response")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
