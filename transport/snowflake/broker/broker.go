// Package broker implements the HTTP rendezvous exchange with a
// Snowflake broker: the client POSTs an SDP-less offer and gets back a
// proxy's answer, after which the actual WebRTC negotiation is treated
// as an external collaborator (PeerConnector) yielding a pair of byte
// streams. This package owns the broker HTTP round trip and the
// bounded-queue backpressure wrapped around whatever PeerConnector
// hands back.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// DefaultQueueSize is the default bounded-queue depth each side of a
// PeerConnection's read/write loop drains into.
const DefaultQueueSize = 64

// Offer is the client's SDP-less rendezvous request.
type Offer struct {
	ClientID string `json:"client_id"`
	SDP      string `json:"sdp,omitempty"`
}

// Answer is the broker's reply once a proxy has been matched.
type Answer struct {
	ProxyID string `json:"proxy_id"`
	SDP     string `json:"sdp,omitempty"`
}

// PeerConnector performs the WebRTC negotiation implied by an Answer
// and returns the resulting datachannel as a byte stream. It is an
// external collaborator: this package never speaks WebRTC itself.
type PeerConnector interface {
	Connect(ctx context.Context, answer Answer) (io.ReadWriteCloser, error)
}

// Client performs broker rendezvous over HTTP.
type Client struct {
	BrokerURL string
	HTTP      *http.Client
}

// NewClient builds a broker Client, defaulting HTTP to http.DefaultClient.
func NewClient(brokerURL string) *Client {
	return &Client{BrokerURL: brokerURL, HTTP: http.DefaultClient}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

// Rendezvous POSTs offer to the broker and returns the matched proxy's answer.
func (c *Client) Rendezvous(ctx context.Context, offer Offer) (Answer, error) {
	body, err := json.Marshal(offer)
	if err != nil {
		return Answer{}, fmt.Errorf("broker: marshal offer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BrokerURL, bytes.NewReader(body))
	if err != nil {
		return Answer{}, fmt.Errorf("broker: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return Answer{}, fmt.Errorf("broker: rendezvous request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Answer{}, fmt.Errorf("broker: rendezvous failed: status %d", resp.StatusCode)
	}

	var answer Answer
	if err := json.NewDecoder(resp.Body).Decode(&answer); err != nil {
		return Answer{}, fmt.Errorf("broker: decode answer: %w", err)
	}
	return answer, nil
}

// Dial rendezvouses with the broker and hands the resulting answer to
// connector, returning a backpressure-wrapped byte stream.
func (c *Client) Dial(ctx context.Context, offer Offer, connector PeerConnector) (io.ReadWriteCloser, error) {
	answer, err := c.Rendezvous(ctx, offer)
	if err != nil {
		return nil, err
	}
	peer, err := connector.Connect(ctx, answer)
	if err != nil {
		return nil, fmt.Errorf("broker: peer connect: %w", err)
	}
	return NewQueuedConn(ctx, peer, DefaultQueueSize), nil
}
