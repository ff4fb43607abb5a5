package content

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"collections/internal/domain"
	"collections/internal/providers/openai"
)

// Completer is the chat model used for AI drafted messages.
type Completer interface {
	CompleteJSON(ctx context.Context, messages []openai.Message) (string, error)
}

// AIGenerator asks a chat model to draft the message in the persona's voice.
type AIGenerator struct {
	Model Completer
}

type aiDraft struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func (g *AIGenerator) Generate(ctx context.Context, req Request) (Content, error) {
	raw, err := g.Model.CompleteJSON(ctx, buildMessages(req))
	if err != nil {
		return Content{}, err
	}
	var d aiDraft
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return Content{}, fmt.Errorf("content: decode ai draft: %w", err)
	}
	out := Content{Subject: strings.TrimSpace(d.Subject), Body: strings.TrimSpace(d.Body)}
	if out.Body == "" {
		return Content{}, ErrEmptyContent
	}
	if req.Channel == domain.ChannelSMS {
		out.Subject = ""
	}
	return out, nil
}

func buildMessages(req Request) []openai.Message {
	c := req.Context
	var sys strings.Builder
	fmt.Fprintf(&sys, "You write accounts receivable collection messages as %s. Tone: %s.\n", c.PersonaName, c.PersonaTone)
	sys.WriteString("Be accurate about the figures given. Never invent payment links, discounts or legal threats.\n")
	if req.Channel == domain.ChannelSMS {
		sys.WriteString("This is an SMS: keep the body under 320 characters and leave subject empty.\n")
	}
	sys.WriteString(`Reply with a JSON object {"subject": string, "body": string}.`)

	var user strings.Builder
	fmt.Fprintf(&user, "Customer: %s\nInvoice: %s\nAmount due: %s\nDue date: %s\nDays past due: %d\n",
		c.CustomerName, c.InvoiceNumber, FormatAmount(c.Amount, c.Currency), c.Vars()["due_date"], c.DaysPastDue)
	if p := strings.TrimSpace(req.Prompt); p != "" {
		user.WriteString("Instructions: ")
		user.WriteString(p)
	}

	return []openai.Message{
		{Role: "system", Content: sys.String()},
		{Role: "user", Content: user.String()},
	}
}
