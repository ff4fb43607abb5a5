package twilio

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/url"
	"sort"
	"strings"
)

// Sign computes the X-Twilio-Signature for a form POST to fullURL.
func Sign(authToken, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		// status callbacks carry one value per key
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func VerifySignature(authToken, fullURL, provided string, form url.Values) bool {
	if provided == "" {
		return false
	}
	return hmac.Equal([]byte(Sign(authToken, fullURL, form)), []byte(provided))
}

// StatusCallback is the subset of a message status callback the service keeps.
type StatusCallback struct {
	MessageSid    string
	MessageStatus string
	ErrorCode     string
	To            string
}

func ParseStatusCallback(form url.Values) StatusCallback {
	return StatusCallback{
		MessageSid:    form.Get("MessageSid"),
		MessageStatus: strings.ToLower(form.Get("MessageStatus")),
		ErrorCode:     form.Get("ErrorCode"),
		To:            form.Get("To"),
	}
}
