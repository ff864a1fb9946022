// Package rpc is the client side of a Loom node's HTTP message-injection
// interface. Requests address an on-node process and may carry a binary blob;
// a non-200 reply is a transport failure.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// MessageEndpoint is the node path that accepts injected messages.
const MessageEndpoint = "/rpc:sys/message"

const defaultMime = "application/octet-stream"

var ErrNonOKStatus = errors.New("rpc: non-200 response")

// Bytes is a byte payload that crosses the JSON boundary as an array of
// numbers, matching the node's serializer. A base64 string is also accepted
// on decode.
type Bytes []byte

func (b Bytes) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("null"), nil
	}
	out := make([]uint16, len(b))
	for i, v := range b {
		out[i] = uint16(v)
	}
	return json.Marshal(out)
}

func (b *Bytes) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		*b = nil
		return nil
	}
	if trimmed[0] == '[' {
		var nums []uint16
		if err := json.Unmarshal(trimmed, &nums); err != nil {
			return err
		}
		out := make([]byte, len(nums))
		for i, v := range nums {
			if v > 0xff {
				return fmt.Errorf("rpc: byte value %d out of range", v)
			}
			out[i] = byte(v)
		}
		*b = out
		return nil
	}
	var raw []byte
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return err
	}
	*b = raw
	return nil
}

// Request is the injection envelope consumed by a node's RPC process.
type Request struct {
	Node            *string `json:"node"`
	Process         string  `json:"process"`
	Inherit         bool    `json:"inherit"`
	ExpectsResponse *uint64 `json:"expects_response"`
	Body            string  `json:"body"`
	Mime            string  `json:"mime"`
	Data            Bytes   `json:"data"`
}

// Response is the node's reply envelope.
type Response struct {
	Body         Bytes `json:"body"`
	LazyLoadBlob Bytes `json:"lazy_load_blob"`
}

// NewRequest builds an envelope addressed to process with a JSON body and an
// optional blob. target selects a remote node identity; nil means local.
func NewRequest(process, body string, target *string, blob []byte) Request {
	return Request{
		Node:    target,
		Process: process,
		Body:    body,
		Mime:    defaultMime,
		Data:    blob,
	}
}

// Client posts injection envelopes to node RPC endpoints.
type Client struct {
	http *http.Client
}

func NewClient(timeout time.Duration) *Client {
	return &Client{http: &http.Client{Timeout: timeout}}
}

// Send posts req to the node at baseURL and decodes the reply envelope.
func (c *Client) Send(ctx context.Context, baseURL string, req Request) (Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("rpc: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL(baseURL), bytes.NewReader(payload))
	if err != nil {
		return Response{}, fmt.Errorf("rpc: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("rpc: post to %s (is the node running at this address?): %w", baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Response{}, fmt.Errorf("%w: %d from %s", ErrNonOKStatus, resp.StatusCode, baseURL)
	}
	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Response{}, fmt.Errorf("rpc: decode response from %s: %w", baseURL, err)
	}
	return out, nil
}

// NodeURL is the conventional local base URL for a node RPC port.
func NodeURL(port uint16) string {
	return fmt.Sprintf("http://localhost:%d", port)
}

func endpointURL(baseURL string) string {
	base := strings.TrimSuffix(baseURL, "/")
	if strings.HasSuffix(base, MessageEndpoint) {
		return base
	}
	return base + MessageEndpoint
}
