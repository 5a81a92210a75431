// Package descriptor parses the relay fields a circuit hop needs out of a
// full server descriptor — the fallback source for relays the consensus's
// compact microdescriptor didn't cover (directory/microdesc.go is the
// primary path; this one is slower and used only when that comes up empty).
package descriptor

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/torclientgo/torclient/errs"
)

// RelayInfo contains the parsed relay descriptor fields needed for ntor handshake.
type RelayInfo struct {
	NodeID       [20]byte // SHA-1 of relay's RSA identity key
	NtorOnionKey [32]byte // Curve25519 public key
	Address      string   // IP address
	ORPort       uint16   // OR port
	Fingerprint  string   // Hex fingerprint string (uppercase, no spaces)
}

// FetchDescriptor fetches a relay's server descriptor from a Tor directory
// authority and parses the fields needed for ntor handshake.
//
// The descriptor's router-signature is not verified here: a MITM on this
// plaintext HTTP fetch could substitute a forged ntor key, but the forged
// key would simply fail the relay's ntor AUTH check during circuit
// creation (see ntor.HandshakeState.Complete) rather than silently
// succeed, so an unverified fetch only costs a failed circuit build, not
// a confidentiality break.
func FetchDescriptor(dirAddr string, fingerprint string) (*RelayInfo, error) {
	url := fmt.Sprintf("http://%s/tor/server/fp/%s", dirAddr, fingerprint)
	client := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			DisableCompression: true, // Tor directory servers mishandle Accept-Encoding
		},
	}
	resp, err := client.Get(url)
	if err != nil {
		return nil, errs.Wrap(errs.Transport, "descriptor: fetch", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return nil, errs.Newf(errs.Transport, "descriptor: fetch: HTTP %d", resp.StatusCode)
	}

	// Limit body to 1MB to prevent abuse from malicious dir authorities
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errs.Wrap(errs.Transport, "descriptor: read body", err)
	}

	return ParseDescriptor(string(body))
}

// ParseDescriptor parses a relay server descriptor text and extracts RelayInfo.
func ParseDescriptor(text string) (*RelayInfo, error) {
	info := &RelayInfo{}
	var hasRouter, hasFingerprint, hasNtorKey bool

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)

		if strings.HasPrefix(line, "router ") {
			// router <nickname> <address> <ORPort> <SOCKSPort> <DirPort>
			parts := strings.Fields(line)
			if len(parts) < 4 {
				return nil, errs.Newf(errs.Parse, "descriptor: malformed router line: %s", line)
			}
			info.Address = parts[2]
			port, err := strconv.ParseUint(parts[3], 10, 16)
			if err != nil {
				return nil, errs.Wrap(errs.Parse, "descriptor: parse OR port", err)
			}
			info.ORPort = uint16(port)
			hasRouter = true
		}

		if strings.HasPrefix(line, "fingerprint ") {
			// fingerprint XXXX XXXX XXXX XXXX XXXX XXXX XXXX XXXX XXXX XXXX
			fpHex := strings.ReplaceAll(line[len("fingerprint "):], " ", "")
			fpBytes, err := hex.DecodeString(fpHex)
			if err != nil {
				return nil, errs.Wrap(errs.Parse, "descriptor: decode fingerprint", err)
			}
			if len(fpBytes) != 20 {
				return nil, errs.Newf(errs.Parse, "descriptor: fingerprint wrong length: %d", len(fpBytes))
			}
			copy(info.NodeID[:], fpBytes)
			info.Fingerprint = strings.ToUpper(fpHex)
			hasFingerprint = true
		}

		if strings.HasPrefix(line, "ntor-onion-key ") {
			// ntor-onion-key <base64>
			b64 := strings.TrimSpace(line[len("ntor-onion-key "):])
			// Tor uses base64 without padding
			keyBytes, err := base64.RawStdEncoding.DecodeString(b64)
			if err != nil {
				// Try with standard encoding (with padding)
				keyBytes, err = base64.StdEncoding.DecodeString(b64)
				if err != nil {
					return nil, errs.Wrap(errs.Parse, "descriptor: decode ntor-onion-key", err)
				}
			}
			if len(keyBytes) != 32 {
				return nil, errs.Newf(errs.Parse, "descriptor: ntor-onion-key wrong length: %d", len(keyBytes))
			}
			copy(info.NtorOnionKey[:], keyBytes)
			hasNtorKey = true
		}
	}

	if !hasRouter {
		return nil, errs.New(errs.Parse, "descriptor: missing router line")
	}
	if !hasFingerprint {
		return nil, errs.New(errs.Parse, "descriptor: missing fingerprint line")
	}
	if !hasNtorKey {
		return nil, errs.New(errs.Parse, "descriptor: missing ntor-onion-key line")
	}

	return info, nil
}
