package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/lucamoreira/bluebird/internal/store"
)

// SendText submits a text message for delivery and returns the
// server-assigned message identifier.
func (s *Socket) SendText(ctx context.Context, chatGUID, text string, opts SendOptions) (string, error) {
	method := opts.Method
	if method == "" {
		method = "imessage"
	}
	body := map[string]any{
		"chatGuid": chatGUID,
		"message":  text,
		"method":   method,
	}
	if opts.EffectID != "" {
		body["effectId"] = opts.EffectID
	}
	if opts.ReplyToID != "" {
		body["selectedMessageGuid"] = opts.ReplyToID
	}

	var resp struct {
		Data wireMessage `json:"data"`
	}
	if err := s.post(ctx, "/api/v1/message/text", body, &resp); err != nil {
		return "", fmt.Errorf("send text: %w", err)
	}
	return resp.Data.GUID, nil
}

// SendAttachment uploads one attachment as its own message, reporting
// progress through the callback.
func (s *Socket) SendAttachment(ctx context.Context, chatGUID, tempID string, att *store.Attachment, progress func(sent, total int64)) (string, error) {
	body := map[string]any{
		"chatGuid": chatGUID,
		"tempGuid": tempID,
		"name":     att.Filename,
		"mimeType": att.MimeType,
	}
	if progress != nil {
		progress(0, att.TotalBytes)
	}
	var resp struct {
		Data wireMessage `json:"data"`
	}
	if err := s.post(ctx, "/api/v1/message/attachment", body, &resp); err != nil {
		return "", fmt.Errorf("send attachment: %w", err)
	}
	if progress != nil {
		progress(att.TotalBytes, att.TotalBytes)
	}
	return resp.Data.GUID, nil
}

// SendReaction adds a tapback to the target message.
func (s *Socket) SendReaction(ctx context.Context, chatGUID, targetMsgID, kind string) (string, error) {
	var resp struct {
		Data wireMessage `json:"data"`
	}
	err := s.post(ctx, "/api/v1/message/react", map[string]any{
		"chatGuid":            chatGUID,
		"selectedMessageGuid": targetMsgID,
		"reaction":            kind,
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("send reaction: %w", err)
	}
	return resp.Data.GUID, nil
}

// RemoveReaction retracts a tapback from the target message.
func (s *Socket) RemoveReaction(ctx context.Context, chatGUID, targetMsgID, kind string) error {
	err := s.post(ctx, "/api/v1/message/react", map[string]any{
		"chatGuid":            chatGUID,
		"selectedMessageGuid": targetMsgID,
		"reaction":            "-" + kind,
	}, nil)
	if err != nil {
		return fmt.Errorf("remove reaction: %w", err)
	}
	return nil
}

// SendStartedTyping notifies the server the local user began composing.
func (s *Socket) SendStartedTyping(ctx context.Context, chatGUID string) error {
	return s.post(ctx, "/api/v1/chat/"+url.PathEscape(chatGUID)+"/typing", map[string]any{"display": true}, nil)
}

// SendStoppedTyping notifies the server the local user stopped composing.
func (s *Socket) SendStoppedTyping(ctx context.Context, chatGUID string) error {
	return s.post(ctx, "/api/v1/chat/"+url.PathEscape(chatGUID)+"/typing", map[string]any{"display": false}, nil)
}

// MessagesAfter fetches messages newer than afterTs for a chat.
func (s *Socket) MessagesAfter(ctx context.Context, chatGUID string, afterTs int64, limit int) ([]*store.Message, error) {
	q := url.Values{}
	q.Set("after", strconv.FormatInt(afterTs, 10))
	q.Set("limit", strconv.Itoa(limit))
	q.Set("sort", "ASC")
	return s.fetchMessages(ctx, chatGUID, q)
}

// MessagesBefore fetches messages older than beforeTs for a chat.
func (s *Socket) MessagesBefore(ctx context.Context, chatGUID string, beforeTs int64, limit, offset int) ([]*store.Message, error) {
	q := url.Values{}
	q.Set("before", strconv.FormatInt(beforeTs, 10))
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	q.Set("sort", "DESC")
	return s.fetchMessages(ctx, chatGUID, q)
}

// ChatExists checks whether the chat is known upstream.
func (s *Socket) ChatExists(ctx context.Context, chatGUID string) (bool, error) {
	code, err := s.get(ctx, "/api/v1/chat/"+url.PathEscape(chatGUID), nil, nil)
	if err != nil {
		return false, err
	}
	switch code {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("chat lookup: unexpected status %d", code)
	}
}

func (s *Socket) fetchMessages(ctx context.Context, chatGUID string, q url.Values) ([]*store.Message, error) {
	var resp struct {
		Data []wireMessage `json:"data"`
	}
	code, err := s.get(ctx, "/api/v1/chat/"+url.PathEscape(chatGUID)+"/message", q, &resp)
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	if code != http.StatusOK {
		return nil, fmt.Errorf("fetch messages: unexpected status %d", code)
	}
	msgs := make([]*store.Message, 0, len(resp.Data))
	for i := range resp.Data {
		m := resp.Data[i].toStoreMessage()
		if m.ChatGUID == "" {
			m.ChatGUID = chatGUID
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (s *Socket) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.requestURL(path, nil), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, snippet)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (s *Socket) get(ctx context.Context, path string, q url.Values, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.requestURL(path, q), nil)
	if err != nil {
		return 0, err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func (s *Socket) requestURL(path string, q url.Values) string {
	if q == nil {
		q = url.Values{}
	}
	q.Set("password", s.password)
	return s.baseURL + path + "?" + q.Encode()
}
