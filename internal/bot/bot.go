package bot

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mwinkler/plugwatch/internal/config"
	"github.com/mwinkler/plugwatch/internal/devices"
	"github.com/mwinkler/plugwatch/internal/monitor"
	"github.com/mwinkler/plugwatch/internal/router"
	"github.com/mwinkler/plugwatch/internal/watchdog"
)

// ChatIDSourceAuto lets the first /start bind the chat; anything else
// treats the configured chat id as authoritative.
const ChatIDSourceAuto = "auto"

var botCommands = []Command{
	{Command: "start", Description: "Register this chat with the bot"},
	{Command: "status", Description: "Show the device status summary"},
	{Command: "switch", Description: "Toggle a switchable device"},
	{Command: "setalarmref", Description: "Set the reference energy of a device"},
	{Command: "setalarmthr", Description: "Set the alarm threshold of a device"},
}

// Handler bridges Telegram and the internal queues. It runs as one
// scheduler task: each tick drains the outbound queue and short-polls
// for new chat commands.
type Handler struct {
	client     *Client
	bus        *router.Router
	wd         *watchdog.Watchdog
	logger     *logrus.Logger
	now        func() time.Time
	switchList func() []string

	chatID       string
	chatIDSource string
	chatIDPath   string
	offset       int64
}

// NewHandler builds the bot handler. The chat id comes from the
// configuration in manual mode, or from the chat-id file written by a
// previous /start in auto mode.
func NewHandler(client *Client, bus *router.Router, cfg *config.Config, switchList func() []string, logger *logrus.Logger) *Handler {
	h := &Handler{
		client:       client,
		bus:          bus,
		wd:           watchdog.New("telegram-bot", logger),
		logger:       logger,
		now:          time.Now,
		switchList:   switchList,
		chatIDSource: cfg.Telegram.ChatIDSource,
		chatIDPath:   cfg.Files.ChatID,
	}
	if h.chatIDSource == ChatIDSourceAuto {
		if data, err := os.ReadFile(h.chatIDPath); err == nil {
			h.chatID = strings.TrimSpace(string(data))
		}
	} else {
		h.chatID = cfg.Telegram.ChatID
	}
	return h
}

// WithClock overrides the time source. Used by tests.
func (h *Handler) WithClock(now func() time.Time) *Handler {
	h.now = now
	return h
}

// Start verifies the token and publishes the command menu. A failure
// here disables the bot but never the poller.
func (h *Handler) Start(ctx context.Context) error {
	if err := h.client.Verify(ctx); err != nil {
		return fmt.Errorf("bot token rejected: %w", err)
	}
	if err := h.client.SetCommands(ctx, botCommands); err != nil {
		h.logger.Warnf("Failed to publish bot commands: %v", err)
	}
	return nil
}

// ChatID returns the currently bound chat, empty when none is bound yet.
func (h *Handler) ChatID() string { return h.chatID }

// Tick is the scheduler task body: deliver queued outbound messages,
// then process new updates.
func (h *Handler) Tick(ctx context.Context) {
	h.drainOutbound(ctx)
	h.pollUpdates(ctx)
}

// drainOutbound sends everything queued on ToBot. Without a bound chat
// the messages stay queued; they are delivered after the first /start.
func (h *Handler) drainOutbound(ctx context.Context) {
	if h.chatID == "" {
		return
	}
	for {
		envelope, ok := h.bus.ToBot.TryGet()
		if !ok {
			return
		}
		if envelope.Command != router.CommandSendMessage {
			h.logger.WithField("command", envelope.Command).Warn("Unknown bot command")
			continue
		}
		if err := h.client.SendMessage(ctx, h.chatID, envelope.Data["text"]); err != nil {
			h.wd.FailureProcessing(devices.ClassifyError(err), err.Error(), "message delivery failed")
			return
		}
		h.wd.NormalProcessing()
	}
}

func (h *Handler) pollUpdates(ctx context.Context) {
	updates, err := h.client.GetUpdates(ctx, h.offset)
	if err != nil {
		h.wd.FailureProcessing(devices.ClassifyError(err), err.Error(), "update poll failed")
		return
	}
	h.wd.NormalProcessing()
	for _, update := range updates {
		if update.UpdateID >= h.offset {
			h.offset = update.UpdateID + 1
		}
		h.handleUpdate(ctx, update)
	}
}

func (h *Handler) handleUpdate(ctx context.Context, update Update) {
	switch {
	case update.CallbackQuery != nil:
		h.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil:
		h.handleMessage(ctx, update.Message)
	}
}

// handleCallback turns an inline button press into a switch request.
// The payload format is "switch:{device}:{on|off}".
func (h *Handler) handleCallback(ctx context.Context, cb *CallbackQuery) {
	defer func() {
		if err := h.client.AnswerCallback(ctx, cb.ID); err != nil {
			h.logger.Debugf("Failed to answer callback: %v", err)
		}
	}()

	if cb.Message != nil && !h.authorized(cb.Message.Chat.ID) {
		return
	}
	parts := strings.Split(cb.Data, ":")
	if len(parts) != 3 || parts[0] != "switch" {
		h.logger.WithField("data", cb.Data).Debug("Ignoring unknown callback payload")
		return
	}
	h.bus.ToMain.Put(router.NewEnvelope(router.CommandSwitch,
		map[string]string{"device": parts[1], "state": parts[2]}, h.now()))
}

func (h *Handler) handleMessage(ctx context.Context, msg *Message) {
	fields := strings.Fields(msg.Text)
	if len(fields) == 0 {
		return
	}
	command := fields[0]

	if command == "/start" {
		h.handleStart(ctx, msg)
		return
	}
	if !h.authorized(msg.Chat.ID) {
		h.logger.WithField("chat", msg.Chat.ID).Debug("Ignoring message from unbound chat")
		return
	}

	switch command {
	case "/status":
		h.bus.ToMain.Put(router.NewEnvelope(router.CommandStatus, nil, h.now()))
	case "/switch":
		h.sendSwitchKeyboard(ctx)
	case "/setalarmref":
		h.forwardAlarmCommand(ctx, monitor.CommandSetAlarmReference, fields)
	case "/setalarmthr":
		h.forwardAlarmCommand(ctx, monitor.CommandSetAlarmThreshold, fields)
	default:
		h.reply(ctx, "Unknown command. Available: /status /switch /setalarmref /setalarmthr")
	}
}

// handleStart binds the chat in auto mode and persists it so restarts
// keep the binding.
func (h *Handler) handleStart(ctx context.Context, msg *Message) {
	chat := strconv.FormatInt(msg.Chat.ID, 10)
	if h.chatIDSource == ChatIDSourceAuto {
		if h.chatID != "" && h.chatID != chat {
			h.logger.WithField("chat", chat).Warn("Ignoring /start from a second chat")
			return
		}
		h.chatID = chat
		if err := os.WriteFile(h.chatIDPath, []byte(chat+"\n"), 0o644); err != nil {
			h.logger.Errorf("Failed to persist chat id: %v", err)
		}
		h.reply(ctx, "Chat registered. You will receive device alarms here.")
		return
	}
	if h.authorized(msg.Chat.ID) {
		h.reply(ctx, "Bot is ready.")
	}
}

func (h *Handler) sendSwitchKeyboard(ctx context.Context) {
	names := h.switchList()
	if len(names) == 0 {
		h.reply(ctx, "No switchable devices configured.")
		return
	}
	buttons := make([]Button, 0, len(names)*2)
	for _, name := range names {
		buttons = append(buttons,
			Button{Text: name + " on", Data: "switch:" + name + ":on"},
			Button{Text: name + " off", Data: "switch:" + name + ":off"},
		)
	}
	if err := h.client.SendInlineKeyboard(ctx, h.chatID, "Switch a device:", buttons); err != nil {
		h.wd.FailureProcessing(devices.ClassifyError(err), err.Error(), "keyboard delivery failed")
	}
}

// forwardAlarmCommand validates "/cmd {device} {value}" and forwards it
// to the energy monitor queue.
func (h *Handler) forwardAlarmCommand(ctx context.Context, command string, fields []string) {
	if len(fields) != 3 {
		h.reply(ctx, fmt.Sprintf("Usage: %s {device} {value}", fields[0]))
		return
	}
	h.bus.ToEnergyMonitor.Put(router.NewEnvelope(command,
		map[string]string{"device": fields[1], "value": fields[2]}, h.now()))
}

func (h *Handler) reply(ctx context.Context, text string) {
	if h.chatID == "" {
		return
	}
	if err := h.client.SendMessage(ctx, h.chatID, text); err != nil {
		h.wd.FailureProcessing(devices.ClassifyError(err), err.Error(), "message delivery failed")
	}
}

func (h *Handler) authorized(chat int64) bool {
	return h.chatID != "" && h.chatID == strconv.FormatInt(chat, 10)
}
