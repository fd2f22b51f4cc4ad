// Package mqtt connects lockerfleet to the station hardware fleet.
//
// Stations and lockers speak a small MQTT contract: the backend publishes
// instructions to stations/<callsign>/instruct and lockers/<callsign>/instruct,
// the hardware answers on the matching confirm and report topics, and session
// state changes fan out to sessions/<id>/notify for user-facing listeners.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/lockerfleet/lockerfleet/internal/models"
)

const (
	// instructQoS matches the firmware contract: instructions must arrive
	// exactly once or a terminal could flip modes twice.
	instructQoS byte = 2
	reportQoS   byte = 1
	notifyQoS   byte = 0

	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
)

// ReportHandler receives validated hardware reports.
//
// Implementations are called from the broker's receive loop and should
// return quickly; slow work belongs in the handler's own goroutines.
type ReportHandler interface {
	HandleTerminalConfirmation(ctx context.Context, stationCallsign string, mode models.TerminalState)
	HandleTerminalReport(ctx context.Context, stationCallsign string, session models.SessionState, terminal models.TerminalState)
	HandleLockerConfirmation(ctx context.Context, lockerCallsign string)
	HandleLockerReport(ctx context.Context, lockerCallsign string)
}

// Options configures a broker connection.
type Options struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	Logger    *zap.Logger
}

// Client is the paho-backed hardware transport.
//
// It satisfies the daemon's Instructor and Notifier dependencies.
type Client struct {
	cli    paho.Client
	logger *zap.Logger
}

// Connect dials the broker and blocks until the connection is up or the
// context is done.
func Connect(ctx context.Context, opts Options) (*Client, error) {
	if strings.TrimSpace(opts.BrokerURL) == "" {
		return nil, errors.New("broker url is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	pahoOpts := paho.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetOrderMatters(false).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout)
	if opts.Username != "" {
		pahoOpts.SetUsername(opts.Username)
		pahoOpts.SetPassword(opts.Password)
	}
	pahoOpts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.Warn("mqtt connection lost", zap.Error(err))
	})
	pahoOpts.SetOnConnectHandler(func(_ paho.Client) {
		logger.Info("mqtt connected", zap.String("broker", opts.BrokerURL))
	})

	cli := paho.NewClient(pahoOpts)
	if err := waitToken(ctx, cli.Connect()); err != nil {
		return nil, fmt.Errorf("connect mqtt broker %s: %w", opts.BrokerURL, err)
	}
	return &Client{cli: cli, logger: logger}, nil
}

// Close disconnects from the broker, allowing in-flight messages to drain.
func (c *Client) Close() {
	if c == nil || c.cli == nil {
		return
	}
	c.cli.Disconnect(250)
}

// InstructTerminal tells a station terminal to enter the given mode.
func (c *Client) InstructTerminal(ctx context.Context, stationCallsign string, mode models.TerminalState) error {
	topic := fmt.Sprintf(terminalInstructTopic, stationCallsign)
	return c.publish(ctx, topic, instructQoS, string(mode))
}

// InstructLocker tells a locker to move to the desired lock state.
func (c *Client) InstructLocker(ctx context.Context, lockerCallsign string, desired models.LockerState) error {
	topic := fmt.Sprintf(lockerInstructTopic, lockerCallsign)
	return c.publish(ctx, topic, instructQoS, string(desired))
}

// NotifySession broadcasts a session state change to its notify topic.
func (c *Client) NotifySession(ctx context.Context, sessionID string, state models.SessionState) error {
	topic := fmt.Sprintf(sessionNotifyTopic, sessionID)
	return c.publish(ctx, topic, notifyQoS, string(state))
}

func (c *Client) publish(ctx context.Context, topic string, qos byte, payload string) error {
	if c == nil || c.cli == nil {
		return errors.New("mqtt client is nil")
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := waitToken(ctx, c.cli.Publish(topic, qos, false, payload)); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// SubscribeReports wires the hardware report topics to the handler.
//
// Malformed topics and unknown payloads are logged and dropped; the
// handler only ever sees validated values.
func (c *Client) SubscribeReports(handler ReportHandler) error {
	if c == nil || c.cli == nil {
		return errors.New("mqtt client is nil")
	}
	if handler == nil {
		return errors.New("report handler is nil")
	}

	subscriptions := map[string]paho.MessageHandler{
		terminalConfirmFilter: func(_ paho.Client, msg paho.Message) {
			c.onTerminalConfirmation(handler, msg)
		},
		terminalReportFilter: func(_ paho.Client, msg paho.Message) {
			c.onTerminalReport(handler, msg)
		},
		lockerConfirmFilter: func(_ paho.Client, msg paho.Message) {
			c.onLockerConfirmation(handler, msg)
		},
		lockerReportFilter: func(_ paho.Client, msg paho.Message) {
			c.onLockerReport(handler, msg)
		},
	}
	for filter, callback := range subscriptions {
		token := c.cli.Subscribe(filter, reportQoS, callback)
		if !token.WaitTimeout(connectTimeout) {
			return fmt.Errorf("subscribe %s: timeout", filter)
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("subscribe %s: %w", filter, err)
		}
	}
	return nil
}

func (c *Client) onTerminalConfirmation(handler ReportHandler, msg paho.Message) {
	callsign, ok := callsignFromTopic(msg.Topic())
	if !ok {
		c.dropReport(msg, "malformed topic")
		return
	}
	mode, ok := parseTerminalMode(string(msg.Payload()))
	if !ok {
		c.dropReport(msg, "unknown terminal mode")
		return
	}
	handler.HandleTerminalConfirmation(context.Background(), callsign, mode)
}

func (c *Client) onTerminalReport(handler ReportHandler, msg paho.Message) {
	callsign, ok := callsignFromTopic(msg.Topic())
	if !ok {
		c.dropReport(msg, "malformed topic")
		return
	}
	session, terminal, ok := parseTerminalAction(string(msg.Payload()))
	if !ok {
		c.dropReport(msg, "unknown terminal action")
		return
	}
	handler.HandleTerminalReport(context.Background(), callsign, session, terminal)
}

func (c *Client) onLockerConfirmation(handler ReportHandler, msg paho.Message) {
	callsign, ok := callsignFromTopic(msg.Topic())
	if !ok {
		c.dropReport(msg, "malformed topic")
		return
	}
	if !payloadIs(msg.Payload(), models.LockerUnlocked) {
		c.dropReport(msg, "locker confirmation must report UNLOCKED")
		return
	}
	handler.HandleLockerConfirmation(context.Background(), callsign)
}

func (c *Client) onLockerReport(handler ReportHandler, msg paho.Message) {
	callsign, ok := callsignFromTopic(msg.Topic())
	if !ok {
		c.dropReport(msg, "malformed topic")
		return
	}
	if !payloadIs(msg.Payload(), models.LockerLocked) {
		c.dropReport(msg, "locker report must report LOCKED")
		return
	}
	handler.HandleLockerReport(context.Background(), callsign)
}

func (c *Client) dropReport(msg paho.Message, reason string) {
	c.logger.Warn("dropping hardware report",
		zap.String("topic", msg.Topic()),
		zap.ByteString("payload", msg.Payload()),
		zap.String("reason", reason),
	)
}

// parseTerminalMode maps a confirmation payload to a terminal state.
func parseTerminalMode(payload string) (models.TerminalState, bool) {
	mode := models.TerminalState(strings.ToUpper(strings.TrimSpace(payload)))
	switch mode {
	case models.TerminalIdle, models.TerminalVerification, models.TerminalPayment, models.TerminalOutOfService:
		return mode, true
	}
	return "", false
}

// parseTerminalAction maps a terminal action report to the session and
// terminal states it proves.
func parseTerminalAction(payload string) (models.SessionState, models.TerminalState, bool) {
	switch strings.ToLower(strings.TrimSpace(payload)) {
	case "verification":
		return models.SessionVerificationPending, models.TerminalVerification, true
	case "payment":
		return models.SessionPaymentPending, models.TerminalPayment, true
	}
	return "", "", false
}

func payloadIs(payload []byte, want models.LockerState) bool {
	return strings.ToUpper(strings.TrimSpace(string(payload))) == string(want)
}

func waitToken(ctx context.Context, token paho.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
