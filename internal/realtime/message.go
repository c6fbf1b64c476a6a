package realtime

import (
	"encoding/json"
	"strings"
)

// Bayeux meta channels.
const (
	channelHandshake   = "/meta/handshake"
	channelConnect     = "/meta/connect"
	channelSubscribe   = "/meta/subscribe"
	channelUnsubscribe = "/meta/unsubscribe"
	channelDisconnect  = "/meta/disconnect"
)

const (
	bayeuxVersion  = "1.0"
	connectionType = "long-polling"
)

// Reconnect advice values.
const (
	reconnectRetry     = "retry"
	reconnectHandshake = "handshake"
	reconnectNone      = "none"
)

// message is one Bayeux message. Requests and responses share the shape.
type message struct {
	ID                       string          `json:"id,omitempty"`
	Channel                  string          `json:"channel"`
	ClientID                 string          `json:"clientId,omitempty"`
	Version                  string          `json:"version,omitempty"`
	MinimumVersion           string          `json:"minimumVersion,omitempty"`
	SupportedConnectionTypes []string        `json:"supportedConnectionTypes,omitempty"`
	ConnectionType           string          `json:"connectionType,omitempty"`
	Subscription             string          `json:"subscription,omitempty"`
	Successful               bool            `json:"successful,omitempty"`
	Error                    string          `json:"error,omitempty"`
	Data                     json.RawMessage `json:"data,omitempty"`
	Advice                   *advice         `json:"advice,omitempty"`
	Ext                      map[string]any  `json:"ext,omitempty"`
}

type advice struct {
	Reconnect string `json:"reconnect,omitempty"`
	Interval  int64  `json:"interval,omitempty"` // ms
	Timeout   int64  `json:"timeout,omitempty"`  // ms
}

func (m *message) isMeta() bool {
	return strings.HasPrefix(m.Channel, "/meta/")
}

// unknownClient reports whether the server no longer knows our client id.
// CometD answers with error "402::Unknown client".
func (m *message) unknownClient() bool {
	return strings.HasPrefix(m.Error, "402")
}

// Authentication is the handshake extension identifying the developer.
type Authentication struct {
	// Type is the full authentication type, "{sandboxId}.{deploymentId}.{authType}".
	Type     string
	Login    string
	Password string
	// Resource distinguishes several connections of the same user.
	Resource string
}

// DeveloperAuthentication builds the developer authentication for a sandbox.
func DeveloperAuthentication(sandboxID, login, password, resource string) Authentication {
	return Authentication{
		Type:     sandboxID + ".developer.developer",
		Login:    login,
		Password: password,
		Resource: resource,
	}
}

func (a Authentication) ext() map[string]any {
	return map[string]any{
		"authentication": map[string]any{
			"action": "authenticate",
			"type":   a.Type,
			"data": map[string]string{
				"login":    a.Login,
				"password": a.Password,
			},
			"resource": a.Resource,
			"version":  "none",
		},
	}
}
