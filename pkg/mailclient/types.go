package mailclient

import "time"

type EmailCredential struct {
	ServerHost string `json:"server_host" validate:"required"`
	ServerPort int    `json:"server_port" validate:"required"`

	// AuthIdentity may be left blank to indicate that it is the same as the username.
	AuthIdentity string `json:"auth_identity" validate:"-"`

	// Username and Password are optional; AUTH is skipped when Username is empty.
	Username string `json:"username" validate:"-"`
	Password string `json:"password" validate:"-"`

	StartTLS           bool   `json:"start_tls"`
	ImplicitTLS        bool   `json:"implicit_tls"`
	InsecureSkipVerify bool   `json:"insecure_skip_verify"`
	HelloName          string `json:"hello_name"`
}

// Envelope is one SMTP transaction: a single recipient and a composed message.
type Envelope struct {
	From string `validate:"required"`
	To   string `validate:"required"`
	Data []byte `validate:"required"`
}

// DefaultBackoff is the wait before each session re-establishment.
var DefaultBackoff = []time.Duration{time.Second, 2 * time.Second, 5 * time.Second}

const DefaultCommandTimeout = 30 * time.Second
