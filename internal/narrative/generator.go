// Package narrative turns a forecast table into a short plain-language
// summary using the OpenAI API.
package narrative

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/avelar/meteocast/internal/httputil"
	"github.com/avelar/meteocast/internal/models"
)

// Generator produces forecast summaries with OpenAI chat completions.
type Generator struct {
	client openai.Client
	model  string
}

// NewGenerator creates a new summary generator.
// It reads the OPENAI_API_KEY environment variable for authentication.
func NewGenerator() (*Generator, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, errors.New("OPENAI_API_KEY environment variable not set")
	}

	// Completions run longer than the weather API calls allow for.
	client := openai.NewClient(
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(httputil.NewClientTimeout(90*time.Second)),
	)

	return &Generator{
		client: client,
		model:  openai.ChatModelGPT4oMini,
	}, nil
}

const systemPrompt = "You are a weather presenter. Summarize the forecast " +
	"in two or three plain sentences for a general audience. Mention the " +
	"overall trend, notable day-to-day swings and any frost risk. " +
	"Temperatures are daily means in degrees Celsius."

// Summarize returns a short narrative for the given forecast rows.
func (g *Generator) Summarize(ctx context.Context, location string, rows []models.ForecastRow) (string, error) {
	if len(rows) == 0 {
		return "", errors.New("no forecast rows to summarize")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Forecast for %s:\n", location)
	for _, r := range rows {
		fmt.Fprintf(&b, "%s: %.1f°C", r.Date.Format("Mon Jan 2"), r.Final)
		if r.TempMin.Valid {
			fmt.Fprintf(&b, " (min %.1f°C)", r.TempMin.Float64)
		}
		b.WriteString("\n")
	}

	log.Printf("narrative: summarizing %d days for %s", len(rows), location)

	resp, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: g.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(b.String()),
		},
	})
	if err != nil {
		return "", fmt.Errorf("narrative generation failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no completion returned")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
