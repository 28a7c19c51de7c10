package alerts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/avelar/meteocast/internal/httputil"
)

const telegramAPI = "https://api.telegram.org"

// retryMaxElapsed bounds how long a rate-limited send keeps retrying.
var retryMaxElapsed = 30 * time.Second

// Telegram sends messages to a single chat through the Bot API.
type Telegram struct {
	token  string
	chatID string
	client *http.Client
	base   string
}

func NewTelegram(token, chatID string) *Telegram {
	return &Telegram{
		token:  token,
		chatID: chatID,
		client: httputil.NewClient(),
		base:   telegramAPI,
	}
}

// Send posts text to the configured chat. Rate-limit and server errors
// are retried with exponential backoff; credential and permission
// errors fail immediately.
func (t *Telegram) Send(ctx context.Context, text string) error {
	if t.token == "" || t.chatID == "" {
		return errors.New("telegram: missing bot token or chat id")
	}

	form := url.Values{"chat_id": {t.chatID}, "text": {text}}
	endpoint := t.base + "/bot" + t.token + "/sendMessage"

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := t.client.Do(req)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("send message: %w", err))
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			return nil
		case resp.StatusCode == http.StatusBadRequest:
			return backoff.Permanent(errors.New("telegram: rejected request, check the chat id"))
		case resp.StatusCode == http.StatusUnauthorized:
			return backoff.Permanent(errors.New("telegram: unauthorized, check the bot token"))
		case resp.StatusCode == http.StatusForbidden:
			return backoff.Permanent(errors.New("telegram: bot cannot write to this chat, open it and press start"))
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("telegram: status %d", resp.StatusCode)
		default:
			b, _ := io.ReadAll(resp.Body)
			return backoff.Permanent(fmt.Errorf("telegram: status %d: %s", resp.StatusCode, string(b)))
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = retryMaxElapsed
	return backoff.Retry(operation, backoff.WithContext(bo, ctx))
}
