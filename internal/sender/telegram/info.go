package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"postrelay/internal/domain"
	"postrelay/internal/sender"
)

type chatResult struct {
	Result struct {
		ID          int64  `json:"id"`
		Title       string `json:"title"`
		Username    string `json:"username"`
		Description string `json:"description"`
		InviteLink  string `json:"invite_link"`
	} `json:"result"`
}

type meResult struct {
	Result struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
	} `json:"result"`
}

// ChannelInfo calls getChat for the channel.
func (s *Sender) ChannelInfo(ctx context.Context, ch domain.Channel) (sender.ChannelInfo, error) {
	if err := sender.Pace(ctx); err != nil {
		return sender.ChannelInfo{}, err
	}
	data, err := s.bot.Raw("getChat", map[string]string{"chat_id": strings.TrimSpace(ch.ExternalID)})
	if err != nil {
		return sender.ChannelInfo{}, classify(err)
	}
	var out chatResult
	if err := json.Unmarshal(data, &out); err != nil {
		return sender.ChannelInfo{}, fmt.Errorf("decode getChat: %w", err)
	}
	info := sender.ChannelInfo{
		Title:       out.Result.Title,
		Username:    out.Result.Username,
		Description: out.Result.Description,
		InviteLink:  out.Result.InviteLink,
	}
	if out.Result.ID != 0 {
		info.ExternalID = strconv.FormatInt(out.Result.ID, 10)
	}
	return info, nil
}

// BotInfo calls getMe.
func (s *Sender) BotInfo(ctx context.Context) (sender.BotInfo, error) {
	if err := sender.Pace(ctx); err != nil {
		return sender.BotInfo{}, err
	}
	data, err := s.bot.Raw("getMe", map[string]string{})
	if err != nil {
		return sender.BotInfo{}, classify(err)
	}
	var out meResult
	if err := json.Unmarshal(data, &out); err != nil {
		return sender.BotInfo{}, fmt.Errorf("decode getMe: %w", err)
	}
	return sender.BotInfo{ExternalID: strconv.FormatInt(out.Result.ID, 10), Username: out.Result.Username}, nil
}
