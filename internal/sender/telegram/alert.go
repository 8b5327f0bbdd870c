package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

// Alerter delivers operator alerts to one chat. It satisfies logx.AlertSender.
type Alerter struct {
	bot  botAPI
	chat chatRecipient
}

func NewAlerter(token, chatID, apiURL string) (*Alerter, error) {
	if strings.TrimSpace(chatID) == "" {
		return nil, errors.New("alert chat id is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     apiURL,
		Token:   token,
		Client:  &http.Client{Timeout: 10 * time.Second},
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &Alerter{bot: b, chat: chatRecipient(strings.TrimSpace(chatID))}, nil
}

// SendAlert sends text without markup and with notifications on.
func (a *Alerter) SendAlert(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rs := []rune(text); len(rs) > textLimit {
		text = string(rs[:textLimit])
	}
	_, err := a.bot.Send(a.chat, text, &tele.SendOptions{DisableWebPagePreview: true})
	return err
}
