package protocol

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrBadSignature is returned when a signed message fails verification.
var ErrBadSignature = errors.New("bad signature")

// StatePayload is the signed form of a state update.
func StatePayload(mac string, seq, ts int64) string {
	return fmt.Sprintf("%s|%d|%d", mac, seq, ts)
}

// ResultPayload is the signed form of a switch result.
func ResultPayload(mac string, r *SwitchResult) string {
	actual := "-"
	if r.ActualState != nil {
		actual = fmt.Sprint(*r.ActualState)
	}
	return fmt.Sprintf("%s|%d|%d|%d|%t|%t|%s", mac, r.Seq, r.TS, r.GPIO, r.Success, r.RequestedState, actual)
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks sig against payload in constant time.
func Verify(secret, payload, sig string) error {
	want, err := hex.DecodeString(sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	if !hmac.Equal(want, mac.Sum(nil)) {
		return ErrBadSignature
	}
	return nil
}
