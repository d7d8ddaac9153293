package connection

import (
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

const StreamPath = "/ws/generate_stream"

// StreamURL derives the websocket endpoint from the backend HTTP host:
// http becomes ws, https becomes wss, and the path is replaced by path.
func StreamURL(host, path string) (string, error) {
	if path == "" {
		path = StreamPath
	}
	u, err := url.Parse(strings.TrimSpace(host))
	if err != nil {
		return "", errors.Wrapf(err, "parse backend host %q", host)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", errors.Errorf("unsupported backend scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.Errorf("backend host %q has no host part", host)
	}
	u.Path = path
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}
