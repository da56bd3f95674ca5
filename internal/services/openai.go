package services

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/cornerstone-re/referral-backend/internal/models"
)

// Intent is the classification of an inbound tenant message.
type Intent string

const (
	IntentConsentYes   Intent = "consent_yes"
	IntentConsentNo    Intent = "consent_no"
	IntentProvidesInfo Intent = "provides_info"
	IntentUnclear      Intent = "unclear"
	IntentOptOut       Intent = "opt_out"
	IntentUrgent       Intent = "urgent"
)

// Extraction is a referral pulled out of a tenant message.
type Extraction struct {
	Name       string  `json:"name"`
	Phone      string  `json:"phone"`
	Email      string  `json:"email"`
	Notes      string  `json:"notes"`
	Confidence float64 `json:"confidence"`
}

// ClassifyResult is the language engine's verdict on one inbound message.
type ClassifyResult struct {
	Intent     Intent
	ReplyText  string
	Extraction *Extraction
}

// LanguageEngine classifies an inbound message against the conversation
// history and drafts the next assistant reply. Implementations must be
// stateless; all context travels in the arguments.
type LanguageEngine interface {
	ClassifyAndRespond(ctx context.Context, history []*models.Turn, newText string) (*ClassifyResult, error)
}

// chatCompleter is the slice of the OpenAI client we use, split out so
// tests can fake completions.
type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIEngine implements LanguageEngine with OpenAI chat completions.
type OpenAIEngine struct {
	client chatCompleter
	model  string
}

const classifySystemPrompt = `You are a friendly assistant for Cornerstone Real Estate collecting referrals from current tenants over SMS. We help students find off-campus housing.

Given the conversation so far and the tenant's newest message, respond with ONLY a JSON object, no other text:

{"intent": "...", "reply": "...", "referral": {"name": "...", "phone": "...", "email": "...", "notes": "...", "confidence": 0.0}}

intent must be one of:
- "consent_yes": tenant agrees to help or confirms details are correct
- "consent_no": tenant politely has no referrals right now
- "provides_info": tenant gives a referral's name, phone number, or email
- "opt_out": tenant wants to stop receiving messages entirely
- "urgent": tenant is upset, abusive, reports an emergency, or asks for a human
- "unclear": anything else

reply is the next SMS to send: short, warm, and asking for a referral's name and phone number when appropriate. When confirming a referral, repeat the name and number back.

referral is present only for "provides_info". confidence is 0.0-1.0, your certainty that name and contact are correct. Omit referral otherwise (use null).

Examples:
Tenant: "My friend Sarah is looking, her number is 555-0100"
{"intent": "provides_info", "reply": "Perfect, thanks! Just to confirm: Sarah at 555-0100?", "referral": {"name": "Sarah", "phone": "555-0100", "email": "", "notes": "friend of tenant", "confidence": 0.9}}

Tenant: "nobody comes to mind"
{"intent": "consent_no", "reply": "No worries at all! If anyone comes to mind later, just text me. Have a great day!", "referral": null}`

// NewOpenAIEngine builds the engine from OPENAI_API_KEY and OPENAI_MODEL.
func NewOpenAIEngine() (*OpenAIEngine, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("missing OPENAI_API_KEY environment variable")
	}
	model := os.Getenv("OPENAI_MODEL")
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIEngine{
		client: openai.NewClient(apiKey),
		model:  model,
	}, nil
}

// ClassifyAndRespond runs one chat completion covering classification,
// reply drafting, and referral extraction.
func (e *OpenAIEngine) ClassifyAndRespond(ctx context.Context, history []*models.Turn, newText string) (*ClassifyResult, error) {
	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: classifySystemPrompt},
	}
	for _, turn := range history {
		role := openai.ChatMessageRoleUser
		if turn.Direction == models.DirectionOutbound {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    role,
			Content: turn.RawText,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: newText,
	})

	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       e.model,
		Messages:    messages,
		MaxTokens:   300,
		Temperature: 0.2,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: openai completion: %v", ErrTransientDependency, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: openai returned no choices", ErrTransientDependency)
	}

	return parseClassifyContent(resp.Choices[0].Message.Content)
}

var jsonObjectPattern = regexp.MustCompile(`(?s)\{.*\}`)

type classifyPayload struct {
	Intent   string      `json:"intent"`
	Reply    string      `json:"reply"`
	Referral *Extraction `json:"referral"`
}

func parseClassifyContent(content string) (*ClassifyResult, error) {
	content = strings.TrimSpace(content)

	var payload classifyPayload
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		// Models sometimes wrap the object in prose or a code fence.
		match := jsonObjectPattern.FindString(content)
		if match == "" {
			return nil, fmt.Errorf("%w: unparseable classification: %q", ErrTransientDependency, content)
		}
		if err := json.Unmarshal([]byte(match), &payload); err != nil {
			return nil, fmt.Errorf("%w: unparseable classification: %v", ErrTransientDependency, err)
		}
	}

	intent := Intent(payload.Intent)
	switch intent {
	case IntentConsentYes, IntentConsentNo, IntentProvidesInfo, IntentUnclear, IntentOptOut, IntentUrgent:
	default:
		intent = IntentUnclear
	}

	result := &ClassifyResult{
		Intent:    intent,
		ReplyText: strings.TrimSpace(payload.Reply),
	}
	if payload.Referral != nil && (payload.Referral.Name != "" || payload.Referral.Phone != "" || payload.Referral.Email != "") {
		if payload.Referral.Phone != "" {
			payload.Referral.Phone = models.NormalizePhone(payload.Referral.Phone)
		}
		result.Extraction = payload.Referral
	}
	return result, nil
}
