// Package telegram delivers alerts to Telegram chats and answers dashboard
// queries (/status, /roster, /alerts) from the current window.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/classwatch/internal/alert"
	"github.com/user/classwatch/internal/derive"
	"github.com/user/classwatch/internal/types"
	"github.com/user/classwatch/internal/window"
)

const (
	maxTelegramMessage = 4096
	keyPrefix          = "telegram:"
	recentAlerts       = 10
)

// WindowView exposes the current window state.
type WindowView interface {
	Current() window.Snapshot
}

// AlertHistory exposes recently raised alerts.
type AlertHistory interface {
	Recent(n int) []alert.Alert
}

type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Adapter bridges Telegram to the dashboard.
type Adapter struct {
	bot        botAPI
	view       WindowView
	alerts     AlertHistory
	categories []string
	allowed    []int64
	log        *slog.Logger
}

// New creates a Telegram adapter. Commands are only answered in the allowed
// chats; an empty list answers everyone.
func New(token string, view WindowView, alerts AlertHistory, categories []string, allowed []int64, log *slog.Logger) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		bot:        bot,
		view:       view,
		alerts:     alerts,
		categories: categories,
		allowed:    allowed,
		log:        log.With("component", "telegram"),
	}, nil
}

// Start begins long-polling for Telegram updates.
func (a *Adapter) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := a.bot.GetUpdatesChan(u)

	for {
		select {
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			a.handleCommand(update.Message)
		case <-ctx.Done():
			a.bot.StopReceivingUpdates()
			return
		}
	}
}

// Deliver is a delivery.Handler for keys of the form "telegram:<chat id>".
func (a *Adapter) Deliver(_ context.Context, key types.DeliveryKey, message string) error {
	chatID, err := parseKey(key)
	if err != nil {
		return err
	}
	return a.send(chatID, message)
}

func (a *Adapter) handleCommand(msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	if len(a.allowed) > 0 && !slices.Contains(a.allowed, chatID) {
		a.log.Warn("ignoring command from unknown chat", "chat_id", chatID)
		return
	}

	var reply string
	switch msg.Command() {
	case "start", "help":
		reply = "Classwatch. Available: /status, /roster [behavior], /alerts"
	case "status":
		reply = formatStatus(a.view.Current(), a.categories)
	case "roster":
		reply = formatRoster(a.view.Current().Events, strings.TrimSpace(msg.CommandArguments()))
	case "alerts":
		reply = formatAlerts(a.alerts.Recent(recentAlerts))
	default:
		reply = "Unknown command. Available: /status, /roster, /alerts"
	}
	if err := a.send(chatID, reply); err != nil {
		a.log.Error("send reply", "chat_id", chatID, "error", err)
	}
}

func (a *Adapter) send(chatID int64, text string) error {
	for _, part := range splitMessage(text) {
		msg := tgbotapi.NewMessage(chatID, part)
		if _, err := a.bot.Send(msg); err != nil {
			return fmt.Errorf("send to %d: %w", chatID, err)
		}
	}
	return nil
}

func formatStatus(s window.Snapshot, categories []string) string {
	sum := derive.Summarize(s.Events, categories)
	var b strings.Builder
	fmt.Fprintf(&b, "Events in window: %d\nActive students: %d\nAlerts: %d\n", sum.Total, sum.ActiveSubjects, sum.Alerts)
	fmt.Fprintf(&b, "Snapshot: %s, stream: %s", s.Status.Snapshot, s.Status.Stream)
	if s.Status.SnapshotErr != nil {
		fmt.Fprintf(&b, "\nSnapshot error: %v", s.Status.SnapshotErr)
	}
	if s.Status.StreamErr != nil {
		fmt.Fprintf(&b, "\nStream error: %v", s.Status.StreamErr)
	}
	dist := derive.Distribution(s.Events)
	names := make([]string, 0, len(dist))
	for name := range dist {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		fmt.Fprintf(&b, "\n  %s: %d", name, dist[name])
	}
	return b.String()
}

func formatRoster(events []types.Event, behavior string) string {
	if strings.EqualFold(behavior, "all") {
		behavior = ""
	}
	roster := derive.Roster(events, behavior)
	if len(roster) == 0 {
		return "No students in the current window."
	}
	var b strings.Builder
	for i, ev := range roster {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s: %s (%.2f)", ev.SubjectName, ev.Category, ev.Confidence)
	}
	return b.String()
}

func formatAlerts(alerts []alert.Alert) string {
	if len(alerts) == 0 {
		return "No alerts yet."
	}
	lines := make([]string, len(alerts))
	for i, a := range alerts {
		lines[i] = a.Message()
	}
	return strings.Join(lines, "\n")
}

func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := min(maxTelegramMessage, len(text))
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}

// ChatKey builds the delivery key for a chat.
func ChatKey(chatID int64) types.DeliveryKey {
	return types.NewDeliveryKey("telegram", strconv.FormatInt(chatID, 10))
}

func parseKey(key types.DeliveryKey) (int64, error) {
	raw, ok := strings.CutPrefix(string(key), keyPrefix)
	if !ok {
		return 0, fmt.Errorf("not a telegram key: %s", key)
	}
	chatID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid chat id in %s: %w", key, err)
	}
	return chatID, nil
}
