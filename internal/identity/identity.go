// Package identity generates and validates the identifiers used across the
// substrate: ULID-based entity ids, auto-generated agent names, hive cell
// ids, and the deterministic per-project database directory name.
package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"math/big"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	// agentNameRegex defines valid agent names: letters, digits,
	// underscores, and hyphens. Generated names use CamelCase.
	agentNameRegex = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

	// cellIDRegex matches hive cell ids: slug-suffix with an optional
	// dotted subtask component, e.g. "proj-slug-1i8" or "proj-slug-1i8.2".
	cellIDRegex = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)+(\.[\w-]+)?$`)

	// reservedNames cannot be used as agent names.
	reservedNames = map[string]bool{
		"system":    true,
		"loom":      true,
		"all":       true,
		"broadcast": true,
	}
)

var (
	ulidMu      sync.Mutex
	ulidEntropy = ulid.Monotonic(rand.Reader, 0)
)

// generateULID generates a monotonic ULID string.
func generateULID() string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), ulidEntropy)
	return id.String()
}

// NewMessageID generates a unique message ID. Format: "msg_" + ulid().
func NewMessageID() string { return "msg_" + generateULID() }

// NewThreadID generates a unique thread ID. Format: "thr_" + ulid().
func NewThreadID() string { return "thr_" + generateULID() }

// NewEventID generates a unique event ID. Format: "evt_" + ulid().
func NewEventID() string { return "evt_" + generateULID() }

// NewReservationID generates a unique reservation ID. Format: "res_" + ulid().
func NewReservationID() string { return "res_" + generateULID() }

// NewCommentID generates a unique comment ID. Format: "cmt_" + ulid().
func NewCommentID() string { return "cmt_" + generateULID() }

// NewMemoryID generates a content-store memory ID.
// Format: "mem-" + 16 random hex characters.
func NewMemoryID() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failure is unrecoverable; fall back to ULID entropy
		// rather than returning a predictable id.
		return "mem-" + strings.ToLower(generateULID()[:16])
	}
	return "mem-" + hex.EncodeToString(buf[:])
}

// ULIDTimestamp extracts the timestamp from a prefixed or bare ULID string.
func ULIDTimestamp(s string) (time.Time, error) {
	if i := strings.IndexByte(s, '_'); i >= 0 {
		s = s[i+1:]
	}
	id, err := ulid.Parse(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse ULID: %w", err)
	}
	ms := id.Time()
	if ms/1000 > uint64(math.MaxInt64) {
		return time.Time{}, fmt.Errorf("ULID timestamp %d exceeds int64 range", ms)
	}
	sec := int64(ms / 1000)      //nolint:gosec // overflow checked above
	nsec := int64(ms%1000) * 1e6 //nolint:gosec // ms%1000 is always < 1000
	return time.Unix(sec, nsec), nil
}

// ProjectDirName returns the deterministic directory name for a project key:
// the first 12 hex characters of sha256(project_key).
func ProjectDirName(projectKey string) string {
	sum := sha256.Sum256([]byte(projectKey))
	return hex.EncodeToString(sum[:])[:12]
}

// ProjectSlug derives a cell-id prefix from a project key. It takes the last
// path component, lowercases it, and squeezes runs of non-alphanumerics to
// single hyphens. Empty results fall back to "proj".
func ProjectSlug(projectKey string) string {
	base := projectKey
	if i := strings.LastIndexAny(base, "/\\"); i >= 0 {
		base = base[i+1:]
	}
	base = strings.ToLower(base)
	var b strings.Builder
	lastHyphen := true // suppress leading hyphen
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		return "proj"
	}
	return slug
}

// base36Alphabet is the character set for base36 encoding (0-9, a-z).
const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// encodeBase36 converts a byte slice to a base36 string of the given length,
// keeping the least significant digits and zero-padding on the left.
func encodeBase36(data []byte, length int) string {
	num := new(big.Int).SetBytes(data)
	base := big.NewInt(36)
	zero := big.NewInt(0)
	mod := new(big.Int)

	chars := make([]byte, 0, length)
	for num.Cmp(zero) > 0 {
		num.DivMod(num, base, mod)
		chars = append(chars, base36Alphabet[mod.Int64()])
	}
	for i, j := 0, len(chars)-1; i < j; i, j = i+1, j-1 {
		chars[i], chars[j] = chars[j], chars[i]
	}

	s := string(chars)
	if len(s) < length {
		s = strings.Repeat("0", length-len(s)) + s
	}
	if len(s) > length {
		s = s[len(s)-length:]
	}
	return s
}

// NewCellID creates a hash-based cell id: "{slug}-{3 base36 chars}".
// The nonce disambiguates hash collisions; callers increment it and retry.
func NewCellID(slug, title, description string, ts time.Time, nonce int) string {
	content := fmt.Sprintf("%s|%s|%d|%d", title, description, ts.UnixNano(), nonce)
	hash := sha256.Sum256([]byte(content))
	return fmt.Sprintf("%s-%s", slug, encodeBase36(hash[:2], 3))
}

// SubtaskID composes a subtask id from its parent: "{parent}.{n}".
func SubtaskID(parentID string, n int) string {
	return fmt.Sprintf("%s.%d", parentID, n)
}

// ValidateCellID checks a cell id against the id grammar.
func ValidateCellID(id string) error {
	if id == "" {
		return fmt.Errorf("cell id cannot be empty")
	}
	if !cellIDRegex.MatchString(id) {
		return fmt.Errorf("cell id %q does not match required pattern (e.g. proj-slug-1i8 or proj-slug-1i8.2)", id)
	}
	return nil
}

// ValidateAgentName validates an agent name. Names must be safe for JSON
// field values and CLI arguments.
func ValidateAgentName(name string) error {
	if name == "" {
		return fmt.Errorf("agent name cannot be empty")
	}
	if reservedNames[strings.ToLower(name)] {
		return fmt.Errorf("agent name %q is reserved and cannot be used", name)
	}
	if !agentNameRegex.MatchString(name) {
		return fmt.Errorf("agent name %q contains invalid characters; letters, digits, underscores, and hyphens are allowed", name)
	}
	return nil
}
