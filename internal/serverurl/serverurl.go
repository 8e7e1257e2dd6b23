// Package serverurl normalizes user-entered server addresses and builds
// stream and image URLs from media references. Pure helpers with no
// connection state.
package serverurl

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

const (
	// defaultPort is the music server's default listen port, used when
	// the address omits one.
	defaultPort = "8095"

	// wsPath is the path the server exposes its websocket API on.
	wsPath = "/ws"
)

// Normalize turns a user-entered server address into a websocket URL.
// Scheme is inferred (http becomes ws, https becomes wss, bare hosts
// default to ws), a missing port defaults to 8095, and the /ws path
// suffix is appended when absent.
func Normalize(address string) (string, error) {
	addr := strings.TrimSpace(address)
	if addr == "" {
		return "", fmt.Errorf("empty server address")
	}

	if !strings.Contains(addr, "://") {
		addr = "ws://" + addr
	}

	u, err := url.Parse(addr)
	if err != nil {
		return "", fmt.Errorf("parsing server address %q: %w", address, err)
	}

	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q in server address", u.Scheme)
	}

	if u.Host == "" {
		return "", fmt.Errorf("missing host in server address %q", address)
	}

	if u.Port() == "" {
		u.Host = net.JoinHostPort(u.Hostname(), defaultPort)
	}

	if !strings.HasSuffix(u.Path, wsPath) {
		u.Path = strings.TrimSuffix(u.Path, "/") + wsPath
	}

	return u.String(), nil
}

// HTTPBase converts a normalized websocket URL back to the HTTP origin
// used for media endpoints.
func HTTPBase(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("parsing websocket url: %w", err)
	}

	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}

	u.Path = ""

	return u.String(), nil
}

// StreamURL builds the audio stream URL for a queue item.
func StreamURL(httpBase, queueID, itemID string) string {
	return fmt.Sprintf("%s/stream/%s/%s",
		strings.TrimSuffix(httpBase, "/"),
		url.PathEscape(queueID),
		url.PathEscape(itemID),
	)
}

// ImageURL builds a proxied artwork URL for a media image reference.
// Remote references are proxied through the server's imageproxy so the
// client never fetches third-party hosts directly.
func ImageURL(httpBase, imagePath string, size int) string {
	base := strings.TrimSuffix(httpBase, "/")
	if strings.HasPrefix(imagePath, "http://") || strings.HasPrefix(imagePath, "https://") {
		return fmt.Sprintf("%s/imageproxy?path=%s&size=%d", base, url.QueryEscape(imagePath), size)
	}

	return fmt.Sprintf("%s/image/%s?size=%d", base, strings.TrimPrefix(imagePath, "/"), size)
}
