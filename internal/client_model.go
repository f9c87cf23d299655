package internal

import (
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"

	"teamchat/internal/storage"
)

// ClientOptions configures the terminal client.
type ClientOptions struct {
	ServerURL   string
	Username    string
	SessionPath string
	Logger      *slog.Logger
}

// tui model struct for all the components and modes
type TUIModel struct {
	textInput textinput.Model
	api       *apiClient
	logger    *slog.Logger

	serverURL   string
	sessionPath string
	username    string
	password    string
	authIntent  authIntent
	token       string
	self        *userDTO

	websocketConn   *websocket.Conn
	writeMutex      *sync.Mutex
	isConnected     bool
	connectionError error
	reconnectDelay  time.Duration

	transcript    *Transcript
	roomKind      storage.RoomKind
	peerID        int64
	joinKind      storage.RoomKind
	joinPeer      int64
	notices       []string
	notifications int

	mode    appMode
	loading bool
}

type appMode int

const (
	modeAuthMenu appMode = iota
	modeAuthUsername
	modeAuthPassword
	modeChat
)

type authIntent int

const (
	authIntentLogin authIntent = iota
	authIntentSignup
)

const (
	maxNotices          = 5
	initialReconnect    = 2 * time.Second
	maxReconnectBackoff = 30 * time.Second
)

func NewTUIModel(opts ClientOptions) *TUIModel {
	input := textinput.New()
	input.CharLimit = 0
	input.Prompt = ""

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	username := opts.Username
	if username == "" {
		username = defaultUsername()
	}

	model := &TUIModel{
		textInput:      input,
		logger:         logger,
		serverURL:      opts.ServerURL,
		sessionPath:    opts.SessionPath,
		username:       username,
		writeMutex:     &sync.Mutex{},
		reconnectDelay: initialReconnect,
		transcript:     NewTranscript(0),
		mode:           modeAuthMenu,
	}
	if base, err := httpBaseFromSocketURL(opts.ServerURL); err == nil {
		model.api = newAPIClient(base)
	} else {
		model.addNotice("Invalid server URL: " + err.Error())
	}
	return model
}

func defaultUsername() string {
	if user := os.Getenv("TEAMCHAT_USER"); user != "" {
		return user
	}
	return os.Getenv("USER")
}

func (model *TUIModel) Init() tea.Cmd {
	if model.api == nil || model.sessionPath == "" {
		return nil
	}
	session, err := loadSessionFromDisk(model.sessionPath)
	if err != nil {
		return nil
	}
	model.username = session.Username
	model.loading = true
	return model.resumeCmd(session.Token)
}

func (model *TUIModel) addNotice(text string) {
	model.notices = append(model.notices, text)
	if len(model.notices) > maxNotices {
		model.notices = model.notices[len(model.notices)-maxNotices:]
	}
}

func (model *TUIModel) selfID() int64 {
	if model.self == nil {
		return 0
	}
	return model.self.ID
}

func (model *TUIModel) enterChat() tea.Cmd {
	model.mode = modeChat
	model.password = ""
	model.textInput.SetValue("")
	model.textInput.EchoMode = textinput.EchoNormal
	model.textInput.Placeholder = "Type a message…"
	model.textInput.Prompt = "> "
	model.transcript = NewTranscript(model.selfID())
	return model.textInput.Focus()
}

func (model *TUIModel) enterAuthMenu() {
	model.mode = modeAuthMenu
	model.loading = false
	model.password = ""
	model.textInput.SetValue("")
	model.textInput.EchoMode = textinput.EchoNormal
	model.textInput.Blur()
	model.textInput.Placeholder = ""
	model.textInput.Prompt = ""
}

func (model *TUIModel) closeSocket(reason string) {
	if model.websocketConn == nil {
		return
	}
	model.writeMutex.Lock()
	_ = model.websocketConn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
	model.writeMutex.Unlock()
	_ = model.websocketConn.Close()
	model.websocketConn = nil
	model.isConnected = false
}
