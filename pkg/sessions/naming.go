package sessions

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	globalSuffix = "_global"
	maxIDLength  = 128
)

// GlobalSessionID returns the deterministic id of a server's Global session.
func GlobalSessionID(server string) string {
	return fmt.Sprintf("%s%s", server, globalSuffix)
}

// GlobalServer returns the server named by a Global session id.
func GlobalServer(id string) (string, bool) {
	server, ok := strings.CutSuffix(id, globalSuffix)
	return server, ok && server != ""
}

func newDynamicID() string {
	return uuid.NewString()
}

// ValidSessionID reports whether id is syntactically acceptable: 1 to 128
// characters from [A-Za-z0-9._-], starting with a letter or digit.
func ValidSessionID(id string) bool {
	if id == "" || len(id) > maxIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case (c == '.' || c == '_' || c == '-') && i > 0:
		default:
			return false
		}
	}
	return true
}
