// Package https implements the Standard-mode HTTPS backend's
// authenticated-probe helper: a cheap reachability/auth check run before
// a slot spawns nbdkit's curl plugin against the same URL. The image
// fetch itself is left entirely to nbdkit; this package never reads
// image bytes.
package https

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// DefaultProbeTimeout bounds how long Probe waits for a response.
const DefaultProbeTimeout = 10 * time.Second

// BasicAuthHeader builds the headers Probe sends for a username/password
// pair: a Basic Authorization header plus a "Range: bytes=0-0" header.
func BasicAuthHeader(user, password string) http.Header {
	h := make(http.Header)
	token := base64.StdEncoding.EncodeToString([]byte(user + ":" + password))
	h.Set("Authorization", "Basic "+token)
	h.Set("Range", "bytes=0-0")
	return h
}

// Probe validates that imageURL is reachable and, if header carries
// credentials, that they're accepted, before a slot commits to spawning
// a subprocess against it. It attempts a WebSocket upgrade purely as a
// vehicle for a single authenticated round trip; coder/websocket.Dial
// returns the server's *http.Response even when the upgrade itself is
// refused (as it always will be against a plain file server), so the
// status code it carries is what Probe reports.
func Probe(ctx context.Context, imageURL string, header http.Header) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultProbeTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, imageURL, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if conn != nil {
		_ = conn.CloseNow()
	}
	if resp == nil {
		return 0, fmt.Errorf("backend/https: probe %s: %w", imageURL, err)
	}
	return resp.StatusCode, nil
}

// Reachable reports whether status indicates the server served (part
// of) the resource rather than rejecting it outright.
func Reachable(status int) bool {
	return status == http.StatusOK || status == http.StatusPartialContent
}
