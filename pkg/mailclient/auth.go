package mailclient

import (
	"strings"

	"github.com/emersion/go-sasl"
)

// authClient picks PLAIN when the server offers it and LOGIN otherwise.
// params is the value of the EHLO AUTH extension, i.e: "PLAIN LOGIN".
func authClient(params string, cred *EmailCredential) sasl.Client {
	mechs := strings.Fields(strings.ToUpper(params))
	for _, m := range mechs {
		if m == sasl.Plain {
			return sasl.NewPlainClient(cred.AuthIdentity, cred.Username, cred.Password)
		}
	}

	for _, m := range mechs {
		if m == sasl.Login {
			return sasl.NewLoginClient(cred.Username, cred.Password)
		}
	}

	// nothing advertised that we know; PLAIN is what most relays accept anyway
	return sasl.NewPlainClient(cred.AuthIdentity, cred.Username, cred.Password)
}
