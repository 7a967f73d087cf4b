// Package idgen generates the instance IDs that gate processes stamp on the
// messages they publish, so a process can recognise its own echoes.
package idgen

import (
	"fmt"
	"os"
	"strings"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// Prefix starts every instance ID.
const Prefix = "mg-"

const (
	alphabet   = "0123456789abcdefghijklmnopqrstuvwxyz"
	randomLen  = 12
	maxHostLen = 24
)

// Generate returns a random instance ID such as "mg-3k9x0q2ms7ap".
func Generate() (string, error) {
	id, err := nanoid.Generate(alphabet, randomLen)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return Prefix + id, nil
}

// ForHost returns an instance ID that embeds a sanitised form of host, such
// as "mg-web-1-3k9x0q2ms7ap", so log lines and bus messages can be traced to
// a machine. An empty host falls back to os.Hostname.
func ForHost(host string) (string, error) {
	if host == "" {
		host, _ = os.Hostname()
	}
	id, err := Generate()
	if err != nil {
		return "", err
	}
	h := sanitizeHost(host)
	if h == "" {
		return id, nil
	}
	return Prefix + h + "-" + strings.TrimPrefix(id, Prefix), nil
}

// sanitizeHost keeps the first DNS label, lowercased, restricted to
// [a-z0-9-] and truncated.
func sanitizeHost(host string) string {
	host, _, _ = strings.Cut(strings.ToLower(host), ".")
	var b strings.Builder
	for _, r := range host {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		}
		if b.Len() == maxHostLen {
			break
		}
	}
	return strings.Trim(b.String(), "-")
}
