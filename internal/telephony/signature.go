package telephony

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
)

// SignatureHeader carries the webhook request signature.
const SignatureHeader = "X-Twilio-Signature"

// Signature computes the request signature: HMAC-SHA1 keyed by the account
// auth token over the full URL followed by every POST parameter name and
// value, sorted by name.
func Signature(authToken, fullURL string, params url.Values) string {
	data := fullURL
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		values := append([]string(nil), params[k]...)
		sort.Strings(values)
		for _, v := range values {
			data += k + v
		}
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// ValidSignature reports whether signature matches the request.
func ValidSignature(authToken, signature, fullURL string, params url.Values) bool {
	if authToken == "" || signature == "" {
		return false
	}
	expected := Signature(authToken, fullURL, params)
	return hmac.Equal([]byte(signature), []byte(expected))
}

// RequireSignature rejects webhook requests whose signature does not verify
// with 403. An empty authToken disables the check.
func RequireSignature(authToken, publicBase string, log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		if authToken == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := r.ParseForm(); err != nil {
				http.Error(w, "bad form", http.StatusBadRequest)
				return
			}
			fullURL := BaseURL(r, publicBase) + r.URL.RequestURI()
			if !ValidSignature(authToken, r.Header.Get(SignatureHeader), fullURL, r.PostForm) {
				log.Warn("telephony: rejected webhook with invalid signature", "path", r.URL.Path)
				http.Error(w, "invalid signature", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
