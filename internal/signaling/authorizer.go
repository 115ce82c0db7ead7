package signaling

import (
	"net/http"

	"github.com/wilsonzlin/aero/proxy/mesh-signaling-relay/internal/meshproto"
)

// ClientHello is the first `{type:"auth"}` message of a connection. It is
// nil when authorizing from the upgrade request alone.
type ClientHello struct {
	Auth meshproto.Auth
}

type Authorizer interface {
	Authorize(r *http.Request, hello *ClientHello) error
}

type AllowAllAuthorizer struct{}

func (AllowAllAuthorizer) Authorize(*http.Request, *ClientHello) error {
	return nil
}
