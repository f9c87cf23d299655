package internal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	httpTimeout = 5 * time.Second

	errUnauthorized = errors.New("unauthorized")
)

type sessionFile struct {
	Username string `json:"username"`
	Token    string `json:"token"`
}

type unreadResponse struct {
	Rooms map[string]int `json:"rooms"`
}

// apiClient talks to the HTTP API next to the websocket endpoint.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{baseURL: strings.TrimRight(baseURL, "/"), http: &http.Client{Timeout: httpTimeout}}
}

func (c *apiClient) signup(username, password string) error {
	payload := signupRequest{Username: username, Password: password}
	return c.do(http.MethodPost, "/api/signup", "", payload, nil)
}

func (c *apiClient) login(username, password string) (*loginResponse, error) {
	var resp loginResponse
	if err := c.do(http.MethodPost, "/api/login", "", loginRequest{Username: username, Password: password}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *apiClient) me(token string) (*userDTO, error) {
	var resp userDTO
	if err := c.do(http.MethodGet, "/api/me", token, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *apiClient) history(token, roomID string) ([]MessagePayload, error) {
	var resp historyResponse
	path := "/api/rooms/" + url.PathEscape(roomID) + "/messages"
	if err := c.do(http.MethodGet, path, token, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func (c *apiClient) markRead(token, roomID string) error {
	return c.do(http.MethodPost, "/api/rooms/"+url.PathEscape(roomID)+"/read", token, nil, nil)
}

func (c *apiClient) unread(token string) (map[string]int, error) {
	var resp unreadResponse
	if err := c.do(http.MethodGet, "/api/unread", token, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Rooms, nil
}

func (c *apiClient) notifications(token string) (*notificationsResponse, error) {
	var resp notificationsResponse
	if err := c.do(http.MethodGet, "/api/notifications?unread=true", token, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *apiClient) do(method, path, token string, payload interface{}, out interface{}) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(buf)
	}
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: %s", errUnauthorized, readResponseError(resp.Body))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, readResponseError(resp.Body))
	}
	if out == nil {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func readResponseError(body io.Reader) string {
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return "request failed"
	}
	var parsed map[string]string
	if err := json.Unmarshal(data, &parsed); err == nil {
		if msg, ok := parsed["error"]; ok {
			return msg
		}
	}
	return strings.TrimSpace(string(data))
}

// httpBaseFromSocketURL maps ws://host/ws to http://host.
func httpBaseFromSocketURL(wsURL string) (string, error) {
	parsed, err := url.Parse(wsURL)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "ws":
		parsed.Scheme = "http"
	case "wss":
		parsed.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported scheme %s", parsed.Scheme)
	}
	parsed.Path = ""
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return strings.TrimRight(parsed.String(), "/"), nil
}

// buildSocketURL adds the bearer token to the websocket URL.
func buildSocketURL(base, token string) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return "", fmt.Errorf("invalid scheme for websocket: %s", parsed.Scheme)
	}
	query := parsed.Query()
	query.Set("token", token)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

// DefaultSessionPath is where the client caches its login token.
func DefaultSessionPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "teamchat", "session.json")
	}
	return filepath.Join(".", ".teamchat", "session.json")
}

func loadSessionFromDisk(path string) (*sessionFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var session sessionFile
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, err
	}
	if session.Username == "" || session.Token == "" {
		return nil, errors.New("session file incomplete")
	}
	return &session, nil
}

func saveSessionToDisk(path string, session sessionFile) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func deleteSessionFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
