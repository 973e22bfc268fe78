package outbound

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const postmarkAPIURL = "https://api.postmarkapp.com/email"

// PostmarkSender delivers email via the Postmark API.
type PostmarkSender struct {
	ServerToken string
	// BaseURL overrides the API endpoint in tests.
	BaseURL string
	Client  *http.Client
}

type postmarkEmail struct {
	From        string               `json:"From"`
	To          string               `json:"To"`
	Cc          string               `json:"Cc,omitempty"`
	Bcc         string               `json:"Bcc,omitempty"`
	Subject     string               `json:"Subject"`
	HTMLBody    string               `json:"HtmlBody,omitempty"`
	TextBody    string               `json:"TextBody,omitempty"`
	Headers     []postmarkOutHeader  `json:"Headers,omitempty"`
	Attachments []postmarkOutAttachment `json:"Attachments,omitempty"`
	MessageStream string             `json:"MessageStream,omitempty"`
}

type postmarkOutHeader struct {
	Name  string `json:"Name"`
	Value string `json:"Value"`
}

type postmarkOutAttachment struct {
	Name        string `json:"Name"`
	Content     string `json:"Content"`
	ContentType string `json:"ContentType"`
}

type postmarkResponse struct {
	ErrorCode int    `json:"ErrorCode"`
	Message   string `json:"Message"`
	MessageID string `json:"MessageID"`
}

// Send posts the email. Network errors and 5xx are transient; Postmark
// application errors are permanent.
func (s *PostmarkSender) Send(ctx context.Context, p Payload) (Receipt, error) {
	if len(p.To) == 0 {
		return Receipt{}, Permanent(fmt.Errorf("no recipients"))
	}

	email := postmarkEmail{
		From:     p.From,
		To:       strings.Join(p.To, ", "),
		Cc:       strings.Join(p.Cc, ", "),
		Bcc:      strings.Join(p.Bcc, ", "),
		Subject:  p.Subject,
		HTMLBody: p.HTML,
		TextBody: p.Text,
		MessageStream: "outbound",
	}
	if p.InReplyTo != "" {
		email.Headers = append(email.Headers, postmarkOutHeader{Name: "In-Reply-To", Value: "<" + p.InReplyTo + ">"})
	}
	if p.References != "" {
		email.Headers = append(email.Headers, postmarkOutHeader{Name: "References", Value: p.References})
	}
	for _, a := range p.Attachments {
		email.Attachments = append(email.Attachments, postmarkOutAttachment{
			Name:        a.Name,
			Content:     base64.StdEncoding.EncodeToString(a.Content),
			ContentType: a.ContentType,
		})
	}

	body, err := json.Marshal(email)
	if err != nil {
		return Receipt{}, Permanent(fmt.Errorf("marshal email: %v", err))
	}

	url := s.BaseURL
	if url == "" {
		url = postmarkAPIURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Receipt{}, Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", s.ServerToken)

	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return Receipt{}, Transient(err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return Receipt{}, Transient(fmt.Errorf("postmark status %d: %s", resp.StatusCode, respBody))
	}
	if resp.StatusCode != http.StatusOK {
		return Receipt{}, Permanent(fmt.Errorf("postmark status %d: %s", resp.StatusCode, respBody))
	}

	var parsed postmarkResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return Receipt{}, Transient(fmt.Errorf("postmark response: %v", err))
	}
	if parsed.ErrorCode != 0 {
		return Receipt{}, Permanent(fmt.Errorf("postmark error %d: %s", parsed.ErrorCode, parsed.Message))
	}
	return Receipt{MessageID: parsed.MessageID, SentAt: time.Now().UTC()}, nil
}
