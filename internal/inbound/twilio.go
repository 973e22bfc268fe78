package inbound

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/dowhiz/dowhiz/internal/channel"
)

// TwilioOptions configures SMS webhook parsing.
type TwilioOptions struct {
	// AuthToken enables X-Twilio-Signature verification.
	AuthToken string
	// PublicURL is the webhook URL Twilio signed (scheme://host/path).
	PublicURL string
}

// VerifyTwilioSignature checks the HMAC-SHA1 scheme: the full URL
// concatenated with every POST parameter name+value in sorted order.
func VerifyTwilioSignature(authToken, publicURL string, form url.Values, signatureHeader string) error {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(publicURL)
	for _, k := range keys {
		for _, v := range form[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(strings.TrimSpace(signatureHeader))) {
		return ErrSignatureMismatch
	}
	return nil
}

// ParseTwilioSMS converts a Twilio inbound SMS form post into the
// canonical message.
func ParseTwilioSMS(form url.Values, signatureHeader string, opts TwilioOptions) (channel.InboundMessage, error) {
	if opts.AuthToken != "" {
		if err := VerifyTwilioSignature(opts.AuthToken, opts.PublicURL, form, signatureHeader); err != nil {
			return channel.InboundMessage{}, err
		}
	}

	from := form.Get("From")
	to := form.Get("To")
	body := form.Get("Body")
	sid := form.Get("MessageSid")
	if from == "" {
		return channel.InboundMessage{}, missingField("From")
	}
	if to == "" {
		return channel.InboundMessage{}, missingField("To")
	}
	if sid == "" {
		return channel.InboundMessage{}, missingField("MessageSid")
	}

	sender, err := channel.NormalizePhone(from)
	if err != nil {
		return channel.InboundMessage{}, fmt.Errorf("%w: From: %v", ErrMissingField, err)
	}
	service, err := channel.NormalizePhone(to)
	if err != nil {
		return channel.InboundMessage{}, fmt.Errorf("%w: To: %v", ErrMissingField, err)
	}

	return channel.InboundMessage{
		Channel:           channel.Sms,
		ServiceAddress:    service,
		Sender:            channel.Identifier{Type: channel.IdentPhone, Value: sender},
		ThreadKey:         fmt.Sprintf("sms:%s:%s", service, sender),
		ExternalMessageID: sid,
		BodyText:          body,
		ReceivedAt:        time.Now().UTC(),
		ReplyTo:           []string{sender},
		ReplyHints: map[string]string{
			"from": service, // reply goes out from the number the user texted
			"to":   sender,
		},
	}, nil
}
