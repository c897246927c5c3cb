package monitoring

import (
	"context"
	"fmt"
	"html"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/signal-cli/internal/config"
	"github.com/sells-group/signal-cli/internal/model"
)

// TelegramNotifier posts run alerts and urgent cascade alerts to a chat.
type TelegramNotifier struct {
	api        *tgbotapi.BotAPI
	chatID     int64
	minUrgency model.Urgency
}

// NewTelegramNotifier connects to the Bot API. An APIEndpoint of the form
// "https://host/bot%s/%s" overrides the default endpoint.
func NewTelegramNotifier(cfg config.TelegramConfig) (*TelegramNotifier, error) {
	if cfg.BotToken == "" || cfg.ChatID == 0 {
		return nil, eris.New("telegram: bot_token and chat_id are required")
	}
	var (
		api *tgbotapi.BotAPI
		err error
	)
	if cfg.APIEndpoint != "" {
		api, err = tgbotapi.NewBotAPIWithAPIEndpoint(cfg.BotToken, cfg.APIEndpoint)
	} else {
		api, err = tgbotapi.NewBotAPI(cfg.BotToken)
	}
	if err != nil {
		return nil, eris.Wrap(err, "telegram: create bot")
	}
	floor := model.Urgency(strings.ToLower(cfg.MinUrgency))
	if floor.Rank() == 0 {
		floor = model.UrgencyHigh
	}
	return &TelegramNotifier{api: api, chatID: cfg.ChatID, minUrgency: floor}, nil
}

// Notify sends a run health alert.
func (t *TelegramNotifier) Notify(_ context.Context, alert Alert) error {
	text := fmt.Sprintf("<b>[%s] %s</b>\n%s",
		strings.ToUpper(html.EscapeString(alert.Severity)),
		html.EscapeString(string(alert.Type)),
		html.EscapeString(alert.Message))
	return t.send(text)
}

// PublishAlert forwards a cascade alert when its urgency reaches the
// configured minimum.
func (t *TelegramNotifier) PublishAlert(_ context.Context, sig *model.Signal) error {
	if sig.Urgency.Rank() < t.minUrgency.Rank() {
		return nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b>\n%s", html.EscapeString(sig.Title), html.EscapeString(sig.Description))
	if sig.PatternData != nil {
		for _, step := range sig.PatternData.ExpectedTimeline {
			mark := "○"
			if step.Observed {
				mark = "●"
			}
			fmt.Fprintf(&b, "\n%s %s %s", mark, step.ExpectedDate.Format("2006-01-02"), html.EscapeString(step.Description))
		}
	}
	return t.send(b.String())
}

func (t *TelegramNotifier) send(text string) error {
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	if _, err := t.api.Send(msg); err != nil {
		return eris.Wrap(err, "telegram: send message")
	}
	return nil
}
