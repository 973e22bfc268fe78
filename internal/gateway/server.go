// Package gateway is the inbound HTTP surface: one webhook endpoint per
// provider, each mapping parse results onto the ingest service and the
// provider's expected status codes.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dowhiz/dowhiz/internal/audit"
	"github.com/dowhiz/dowhiz/internal/channel"
	"github.com/dowhiz/dowhiz/internal/config"
	"github.com/dowhiz/dowhiz/internal/inbound"
	"github.com/dowhiz/dowhiz/internal/ingest"
	"github.com/dowhiz/dowhiz/internal/shared"
)

const maxBodyBytes = 64 << 20 // webhook bodies above this are rejected

// Server serves the webhook endpoints.
type Server struct {
	Ingest  *ingest.Service
	Secrets config.ChannelSecrets
	Logger  *slog.Logger
	// ServiceAddresses is the set of employee mailboxes, used by the
	// email parser to pick the service address.
	ServiceAddresses map[string]struct{}
	// PublicURL is the externally visible base URL, used for Twilio
	// signature verification.
	PublicURL string
	// Now is the clock used for signature staleness; tests inject it.
	Now func() time.Time
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Handler builds the mux with every webhook route.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /postmark/inbound", s.handlePostmark)
	mux.HandleFunc("POST /slack/events", s.handleSlack)
	mux.HandleFunc("POST /sms/twilio", s.handleTwilio)
	mux.HandleFunc("POST /telegram/webhook", s.handleTelegram)
	mux.HandleFunc("GET /whatsapp/webhook", s.handleWhatsAppVerify)
	mux.HandleFunc("POST /whatsapp/webhook", s.handleWhatsApp)
	mux.HandleFunc("POST /bluebubbles/webhook", s.handleBlueBubbles)
	mux.HandleFunc("POST /googledocs/comment", s.handleGoogleDocs)
	mux.HandleFunc("GET /health", s.handleHealth)
	return s.withTrace(mux)
}

func (s *Server) withTrace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return nil, false
	}
	return body, true
}

// accept maps a parsed message through the ingest service onto the
// provider-facing status code.
func (s *Server) accept(w http.ResponseWriter, r *http.Request, msg channel.InboundMessage, raw []byte) {
	res, err := s.Ingest.Accept(r.Context(), msg, raw)
	if err != nil {
		// Storage/queue failure: 5xx so the provider retries; dedupe
		// absorbs the replay.
		s.logger().Error("ingest failed", "channel", msg.Channel.String(), "error", err)
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}
	switch res.Outcome {
	case ingest.Accepted:
		w.WriteHeader(http.StatusOK)
	case ingest.Duplicate, ingest.Dropped:
		w.WriteHeader(http.StatusOK)
	case ingest.NoRoute:
		w.WriteHeader(http.StatusNoContent)
	}
}

// parseFailure maps parser errors onto provider-facing statuses:
// challenge echo, silent drops for own-bot and unsupported events, 401
// for signature mismatch, 400 otherwise.
func (s *Server) parseFailure(ctx context.Context, w http.ResponseWriter, channelName string, err error) {
	if ch, ok := inbound.AsChallenge(err); ok {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(ch.Body))
		return
	}
	switch {
	case errors.Is(err, inbound.ErrOwnBotMessage):
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, inbound.ErrUnsupportedEvent):
		// Intentionally dropped event kinds are acknowledged.
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, inbound.ErrSignatureMismatch):
		audit.Record(ctx, audit.DecisionParseError, channelName, "", "signature mismatch")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	default:
		audit.Record(ctx, audit.DecisionParseError, channelName, "", err.Error())
		http.Error(w, "bad request", http.StatusBadRequest)
	}
}

func (s *Server) handlePostmark(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	msg, err := inbound.ParsePostmark(body, r.Header.Get("X-Postmark-Token"), inbound.PostmarkOptions{
		Token:            s.Secrets.PostmarkToken,
		ServiceAddresses: s.ServiceAddresses,
	})
	if err != nil {
		s.parseFailure(r.Context(), w, channel.Email.String(), err)
		return
	}
	s.accept(w, r, msg, body)
}

func (s *Server) handleSlack(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	msg, err := inbound.ParseSlack(body,
		r.Header.Get("X-Slack-Request-Timestamp"),
		r.Header.Get("X-Slack-Signature"),
		inbound.SlackOptions{
			SigningSecret: s.Secrets.SlackSigningSecret,
			BotUserIDs:    botSet(s.Secrets.SlackBotUserID),
			Now:           s.Now,
		})
	if err != nil {
		s.parseFailure(r.Context(), w, channel.Slack.String(), err)
		return
	}
	s.accept(w, r, msg, body)
}

func (s *Server) handleTwilio(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	msg, err := inbound.ParseTwilioSMS(r.PostForm, r.Header.Get("X-Twilio-Signature"), inbound.TwilioOptions{
		AuthToken: s.Secrets.TwilioAuthToken,
		PublicURL: s.PublicURL + "/sms/twilio",
	})
	if err != nil {
		s.parseFailure(r.Context(), w, channel.Sms.String(), err)
		return
	}
	s.accept(w, r, msg, []byte(r.PostForm.Encode()))
}

func (s *Server) handleTelegram(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	msg, err := inbound.ParseTelegram(body,
		r.Header.Get("X-Telegram-Bot-Api-Secret-Token"),
		inbound.TelegramOptions{
			SecretToken: s.Secrets.TelegramWebhookSecret,
			BotAddress:  "telegram",
		})
	if err != nil {
		s.parseFailure(r.Context(), w, channel.Telegram.String(), err)
		return
	}
	s.accept(w, r, msg, body)
}

func (s *Server) handleWhatsAppVerify(w http.ResponseWriter, r *http.Request) {
	ch, err := inbound.VerifyWhatsAppChallenge(r.URL.Query(), s.Secrets.WhatsAppVerifyToken)
	if err != nil {
		s.parseFailure(r.Context(), w, channel.WhatsApp.String(), err)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(ch.Body))
}

func (s *Server) handleWhatsApp(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	msg, err := inbound.ParseWhatsApp(body)
	if err != nil {
		s.parseFailure(r.Context(), w, channel.WhatsApp.String(), err)
		return
	}
	s.accept(w, r, msg, body)
}

func (s *Server) handleBlueBubbles(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	msg, err := inbound.ParseBlueBubbles(body, inbound.BlueBubblesOptions{ServerAddress: "bluebubbles"})
	if err != nil {
		s.parseFailure(r.Context(), w, channel.BlueBubbles.String(), err)
		return
	}
	s.accept(w, r, msg, body)
}

func (s *Server) handleGoogleDocs(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	msg, err := inbound.ParseGoogleDocs(body)
	if err != nil {
		s.parseFailure(r.Context(), w, channel.GoogleDocs.String(), err)
		return
	}
	s.accept(w, r, msg, body)
}

func botSet(id string) map[string]struct{} {
	if id == "" {
		return nil
	}
	return map[string]struct{}{id: {}}
}
