package attestation

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// MaxInitDataAge is the maximum age of the initData auth_date field
// before a submission is rejected as stale (spec §4.4 step 2).
const MaxInitDataAge = 600 * time.Second

// VerifiedUser is the authoritative identity recovered from a verified
// initData blob. The body's own userId field is display-only and must
// never be trusted over this (spec §4.4 step 3).
type VerifiedUser struct {
	ID        int64
	FirstName string
	Username  string
}

// InitDataVerifier re-implements the mini-app initData HMAC-SHA256
// scheme to bind a /verify page submission to a user identity that
// the client cannot forge (spec §4.4 step 2, §8 tamper property).
type InitDataVerifier struct {
	botToken string
	maxAge   time.Duration
	now      func() time.Time
}

// NewInitDataVerifier builds a verifier keyed by botToken.
func NewInitDataVerifier(botToken string) *InitDataVerifier {
	return &InitDataVerifier{botToken: botToken, maxAge: MaxInitDataAge, now: time.Now}
}

// Verify parses and authenticates initData, rejecting it if the hash
// doesn't match or auth_date is older than maxAge.
func (v *InitDataVerifier) Verify(initData string) (*VerifiedUser, error) {
	values, err := url.ParseQuery(initData)
	if err != nil {
		return nil, fmt.Errorf("initData: malformed query string: %w", err)
	}

	hash := values.Get("hash")
	if hash == "" {
		return nil, fmt.Errorf("initData: missing hash")
	}

	authDateStr := values.Get("auth_date")
	if authDateStr == "" {
		return nil, fmt.Errorf("initData: missing auth_date")
	}
	authDate, err := strconv.ParseInt(authDateStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("initData: malformed auth_date: %w", err)
	}
	if v.now().Sub(time.Unix(authDate, 0)) > v.maxAge {
		return nil, fmt.Errorf("initData: auth_date too old")
	}

	dataCheckString := buildDataCheckString(values)
	secretKey := hmac.New(sha256.New, []byte("WebAppData"))
	secretKey.Write([]byte(v.botToken))

	calc := hmac.New(sha256.New, secretKey.Sum(nil))
	calc.Write([]byte(dataCheckString))
	calcHex := hex.EncodeToString(calc.Sum(nil))

	if subtle.ConstantTimeCompare([]byte(calcHex), []byte(hash)) != 1 {
		return nil, fmt.Errorf("initData hash mismatch")
	}

	userJSON := values.Get("user")
	if userJSON == "" {
		return nil, fmt.Errorf("initData: missing user field")
	}
	var raw struct {
		ID        int64  `json:"id"`
		FirstName string `json:"first_name"`
		Username  string `json:"username"`
	}
	if err := json.Unmarshal([]byte(userJSON), &raw); err != nil {
		return nil, fmt.Errorf("initData: malformed user field: %w", err)
	}

	return &VerifiedUser{ID: raw.ID, FirstName: raw.FirstName, Username: raw.Username}, nil
}

// buildDataCheckString joins all fields except hash as sorted
// "key=value" pairs separated by "\n" (spec §4.4 step 2).
func buildDataCheckString(values url.Values) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		if k == "hash" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+values.Get(k))
	}
	return strings.Join(pairs, "\n")
}
