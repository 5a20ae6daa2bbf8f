package telephony

import (
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/twilio/twilio-go/twiml"
)

// StreamPath is where the media-stream WebSocket is served.
const StreamPath = "/ws/twilio"

// TwiML returns the voice webhook document connecting the call's inbound
// audio to streamURL.
func TwiML(streamURL string) (string, error) {
	stream := &twiml.VoiceStream{Url: streamURL, Track: "inbound_track"}
	connect := &twiml.VoiceConnect{InnerElements: []twiml.Element{stream}}
	return twiml.Voice([]twiml.Element{connect})
}

// BaseURL returns the externally visible origin of the service. publicBase
// wins when set; otherwise it is derived from X-Forwarded-Proto and the Host
// header.
func BaseURL(r *http.Request, publicBase string) string {
	if b := strings.TrimRight(publicBase, "/"); b != "" {
		return b
	}
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	if xf := r.Header.Get("X-Forwarded-Proto"); xf != "" {
		proto = strings.TrimSpace(strings.Split(xf, ",")[0])
	}
	host := r.Host
	if host == "" {
		host = "localhost"
	}
	return proto + "://" + host
}

// StreamURL converts a base URL to the media-stream WebSocket URL.
func StreamURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://") + StreamPath
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://") + StreamPath
	default:
		return "wss://" + base + StreamPath
	}
}

// VoiceHandler answers the voice webhook with TwiML that opens a media
// stream back to this service.
func VoiceHandler(publicBase string, log *slog.Logger) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		streamURL := StreamURL(BaseURL(r, publicBase))
		body, err := TwiML(streamURL)
		if err != nil {
			http.Error(w, "twiml encoding failed", http.StatusInternalServerError)
			return
		}
		log.Info("telephony: voice webhook", "call_sid", r.FormValue("CallSid"), "stream_url", streamURL)
		w.Header().Set("Content-Type", "text/xml")
		_, _ = io.WriteString(w, body)
	})
}
