package wa

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	waProto "go.mau.fi/whatsmeow/binary/proto"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	"automation/internal/model"
)

// Connection status values reported by Status.
const (
	StatusInactive  = "inactive"
	StatusPairing   = "pairing"
	StatusOnline    = "online"
	StatusLoggedOut = "logged_out"
	StatusReplaced  = "replaced"
)

var ErrNotPaired = errors.New("whatsapp device not paired")

// Manager owns the single WhatsApp device used to deliver pushes.
type Manager struct {
	Container *sqlstore.Container
	log       zerolog.Logger
	clientLog waLog.Logger

	mu            sync.Mutex
	client        *whatsmeow.Client
	status        string
	pairingActive bool
}

func NewManager(ctx context.Context, dsn string, log zerolog.Logger) (*Manager, error) {
	dbLog := waLog.Zerolog(log.With().Str("module", "Database").Logger())
	container, err := sqlstore.New(ctx, "sqlite3", dsn, dbLog)
	if err != nil {
		return nil, err
	}
	return &Manager{
		Container: container,
		log:       log,
		clientLog: waLog.Zerolog(log.With().Str("module", "WhatsApp").Logger()),
		status:    StatusInactive,
	}, nil
}

func (m *Manager) setStatus(s string) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
	m.log.Info().Str("status", s).Msg("whatsapp status")
}

func (m *Manager) Status() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Manager) ensureClient(ctx context.Context) (*whatsmeow.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		return m.client, nil
	}
	device, err := m.Container.GetFirstDevice(ctx)
	if err != nil {
		return nil, err
	}
	client := whatsmeow.NewClient(device, m.clientLog)
	client.AddEventHandler(func(evt interface{}) {
		switch evt.(type) {
		case *events.Connected:
			m.setStatus(StatusOnline)
		case *events.LoggedOut:
			m.setStatus(StatusLoggedOut)
		case *events.StreamReplaced:
			m.setStatus(StatusReplaced)
		}
	})
	m.client = client
	return client, nil
}

// StartPairing connects an unpaired device and returns the first pairing QR
// as a PNG together with the raw code.
func (m *Manager) StartPairing(ctx context.Context) ([]byte, string, error) {
	client, err := m.ensureClient(ctx)
	if err != nil {
		return nil, "", err
	}
	if client.Store.ID != nil {
		return nil, "", fmt.Errorf("already paired")
	}

	// QR channel must exist before Connect; background ctx keeps the pairing
	// socket alive after the HTTP handler returns
	qrChan, err := client.GetQRChannel(context.Background())
	if err != nil {
		return nil, "", fmt.Errorf("qr channel: %w", err)
	}

	m.mu.Lock()
	if !m.pairingActive {
		m.pairingActive = true
		m.status = StatusPairing
		go func() {
			if err := client.Connect(); err != nil {
				m.log.Error().Err(err).Msg("pair:qr: connect")
			}
		}()
	}
	m.mu.Unlock()

	for {
		select {
		case item, ok := <-qrChan:
			if !ok {
				return nil, "", fmt.Errorf("qr channel closed")
			}
			if item.Event == "code" && item.Code != "" {
				png, err := qrcode.Encode(item.Code, qrcode.Medium, 256)
				if err != nil {
					return nil, "", err
				}
				m.log.Info().Int("len", len(item.Code)).Msg("pair:qr: got code")
				return png, item.Code, nil
			}
		case <-ctx.Done():
			return nil, "", ctx.Err()
		}
	}
}

// ConnectIfPaired reconnects a previously paired device. An unpaired device
// returns ErrNotPaired.
func (m *Manager) ConnectIfPaired(ctx context.Context) error {
	client, err := m.ensureClient(ctx)
	if err != nil {
		return err
	}
	if client.Store.ID == nil {
		return ErrNotPaired
	}
	if client.IsConnected() {
		return nil
	}
	return client.Connect()
}

// SendText sends a plain text message to a JID like "628123456789@s.whatsapp.net".
func (m *Manager) SendText(ctx context.Context, to, text string) error {
	c, err := m.ensureClient(ctx)
	if err != nil {
		return err
	}
	if c.Store == nil || c.Store.ID == nil {
		return ErrNotPaired
	}
	jid, err := types.ParseJID(to)
	if err != nil {
		return fmt.Errorf("parse JID: %w", err)
	}
	msg := &waProto.Message{Conversation: strptr(text)}
	_, err = c.SendMessage(ctx, jid, msg)
	return err
}

// Disconnect closes the websocket if one is open.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	c := m.client
	m.mu.Unlock()
	if c != nil {
		c.Disconnect()
	}
}

// strptr returns a pointer to the given string (helper for proto messages).
func strptr(s string) *string { return &s }

// Deliverer sends push notifications as WhatsApp text messages to one recipient.
type Deliverer struct {
	Manager *Manager
	To      string
}

func (d *Deliverer) Name() string { return "whatsapp" }

func (d *Deliverer) Deliver(ctx context.Context, messageID int, p model.PushMessage) error {
	if strings.TrimSpace(d.To) == "" {
		return fmt.Errorf("whatsapp recipient not configured")
	}
	return d.Manager.SendText(ctx, d.To, FormatPush(p))
}

// FormatPush renders a push as a chat message: bold title, then body.
func FormatPush(p model.PushMessage) string {
	title := strings.TrimSpace(p.Title)
	body := strings.TrimSpace(p.Body)
	switch {
	case title == "":
		return body
	case body == "":
		return "*" + title + "*"
	default:
		return "*" + title + "*\n" + body
	}
}
