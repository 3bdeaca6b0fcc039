package egress

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SessionPlaceholder marks where a provider template wants the sticky token.
const SessionPlaceholder = "{session}"

const (
	tokenLength  = 12
	suffixLength = 4
)

// DeriveToken derives a sticky session token from the chip id and a timestamp.
func DeriveToken(chipID uuid.UUID, at time.Time) string {
	var buf [24]byte
	copy(buf[:16], chipID[:])
	binary.BigEndian.PutUint64(buf[16:], uint64(at.UnixNano()))
	sum := sha256.Sum256(buf[:])
	return hex.EncodeToString(sum[:])[:tokenLength]
}

// randomSuffix returns suffixLength hex characters.
func randomSuffix() string {
	b := make([]byte, suffixLength/2)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand does not fail on supported platforms; fall back to the clock.
		return fmt.Sprintf("%04x", time.Now().UnixNano()&0xffff)
	}
	return hex.EncodeToString(b)
}

// BuildURL embeds token into a provider URL template. Templates may carry a {session}
// placeholder; otherwise the token is appended to the username as "-session-<token>".
func BuildURL(template, token string) (string, error) {
	if strings.Contains(template, SessionPlaceholder) {
		return strings.ReplaceAll(template, SessionPlaceholder, token), nil
	}

	u, err := url.Parse(template)
	if err != nil {
		return "", fmt.Errorf("invalid egress url template: %w", err)
	}
	if u.User == nil {
		return "", fmt.Errorf("egress url template %q has neither a %s placeholder nor a username", redact(u), SessionPlaceholder)
	}

	username := u.User.Username() + "-session-" + token
	if password, ok := u.User.Password(); ok {
		u.User = url.UserPassword(username, password)
	} else {
		u.User = url.User(username)
	}
	return u.String(), nil
}

func redact(u *url.URL) string {
	cp := *u
	if cp.User != nil {
		cp.User = url.User(cp.User.Username())
	}
	return cp.String()
}
