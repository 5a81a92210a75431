package broker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRendezvousPostsOfferAndParsesAnswer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		var offer Offer
		if err := json.NewDecoder(r.Body).Decode(&offer); err != nil {
			t.Fatalf("decode offer: %v", err)
		}
		if offer.ClientID != "client-1" {
			t.Fatalf("got client id %q", offer.ClientID)
		}
		json.NewEncoder(w).Encode(Answer{ProxyID: "proxy-9", SDP: "v=0..."})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	answer, err := c.Rendezvous(context.Background(), Offer{ClientID: "client-1"})
	if err != nil {
		t.Fatalf("Rendezvous: %v", err)
	}
	if answer.ProxyID != "proxy-9" {
		t.Fatalf("got proxy id %q, want proxy-9", answer.ProxyID)
	}
}

func TestRendezvousSurfacesNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	if _, err := c.Rendezvous(context.Background(), Offer{ClientID: "c"}); err == nil {
		t.Fatal("expected error on non-200 response")
	}
}

// fakeConn is a minimal in-memory io.ReadWriteCloser standing in for
// whatever byte stream a real WebRTC datachannel would produce.
type fakeConn struct {
	written [][]byte
	closed  bool
}

func (f *fakeConn) Read(p []byte) (int, error) { return 0, io.EOF }
func (f *fakeConn) Write(p []byte) (int, error) {
	buf := make([]byte, len(p))
	copy(buf, p)
	f.written = append(f.written, buf)
	return len(p), nil
}
func (f *fakeConn) Close() error { f.closed = true; return nil }

type fakeConnector struct {
	conn *fakeConn
}

func (f *fakeConnector) Connect(ctx context.Context, answer Answer) (io.ReadWriteCloser, error) {
	return f.conn, nil
}

func TestDialWiresRendezvousAndPeerConnector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Answer{ProxyID: "p"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	conn := &fakeConn{}
	connector := &fakeConnector{conn: conn}

	stream, err := c.Dial(context.Background(), Offer{ClientID: "c"}, connector)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer stream.Close()

	if _, err := stream.Write([]byte("hi")); err != nil {
		t.Fatalf("Write: %v", err)
	}
}
