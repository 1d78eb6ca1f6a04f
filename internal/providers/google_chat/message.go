package google_chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	alertmgrtmpl "github.com/prometheus/alertmanager/template"
)

const (
	maxMsgSize = 4096
)

// prepareMessage accepts an Alert object and templates out with the user provided template.
// It also splits the message if it exceeds the limit of 4096 bytes by
// G-Chat Webhook API.
func (m *GoogleChatManager) prepareMessage(alert alertmgrtmpl.Alert) ([]ChatMessage, error) {
	var to bytes.Buffer

	// Render a template with alert data.
	if err := m.msgTmpl.Execute(&to, alert); err != nil {
		return nil, fmt.Errorf("error parsing values in template: %w", err)
	}
	to.WriteString("\n")

	messages := make([]ChatMessage, 0, 1)
	for _, chunk := range splitMessage(to.String(), maxMsgSize) {
		messages = append(messages, ChatMessage{Text: chunk})
	}
	return messages, nil
}

// splitMessage cuts text into chunks of at most size bytes, preferring
// line boundaries. A single line longer than size is cut as is.
func splitMessage(text string, size int) []string {
	if len(text) <= size {
		return []string{text}
	}

	var (
		out []string
		str strings.Builder
	)
	for _, line := range strings.SplitAfter(text, "\n") {
		for len(line) > size {
			if str.Len() > 0 {
				out = append(out, str.String())
				str.Reset()
			}
			out = append(out, line[:size])
			line = line[size:]
		}
		if str.Len()+len(line) > size {
			out = append(out, str.String())
			str.Reset()
		}
		str.WriteString(line)
	}
	if str.Len() > 0 {
		out = append(out, str.String())
	}
	return out
}

// sendMessage pushes out a notification to Google Chat space.
func (m *GoogleChatManager) sendMessage(ctx context.Context, msg ChatMessage, threadKey string) error {
	out, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	// Parse the webhook URL to add `?threadKey` param.
	u, err := url.Parse(m.endpoint)
	if err != nil {
		return err
	}
	q := u.Query()
	q.Set("threadKey", threadKey)
	q.Set("messageReplyOption", "REPLY_MESSAGE_FALLBACK_TO_NEW_THREAD")
	u.RawQuery = q.Encode()
	endpoint := u.String()

	if m.dryRun {
		m.lo.Info("dry run: not sending message", "thread", threadKey, "msg", msg.Text)
		return nil
	}

	// Prepare the request.
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, endpoint, out)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	// Send the request.
	m.lo.Debug("sending alert", "url", u.Redacted(), "msg", msg.Text)
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	// If response is non 200, log and throw the error.
	if resp.StatusCode != http.StatusOK {
		m.lo.Error("non OK HTTP response received from Google Chat webhook endpoint", "status", resp.StatusCode)
		return fmt.Errorf("non ok response from gchat: %d", resp.StatusCode)
	}

	return nil
}
