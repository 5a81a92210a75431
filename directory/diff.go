package directory

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/torclientgo/torclient/xcrypto"
)

// DiffOp is an ed-style diff command, per spec.md §4.3.
type DiffOp byte

const (
	DiffChange DiffOp = 'c'
	DiffDelete DiffOp = 'd'
	DiffAppend DiffOp = 'a'
)

// DiffCommand is one ed command: act on lines [Start, End] (1-indexed,
// inclusive; End==Start for a single-line address), replacing/deleting/
// appending Body.
type DiffCommand struct {
	Start int
	End   int
	Op    DiffOp
	Body  []string
}

// Diff is a parsed consensus diff document (the body the server returns
// for `X-Or-Diff-From-Consensus:`, per spec.md §4.3).
type Diff struct {
	FromHash string
	ToHash   string
	Commands []DiffCommand
}

var commandLineRe = regexp.MustCompile(`^(\d+)(?:,(\d+))?([adc])$`)

// ParseDiff parses a network-status-diff-version 1 document.
func ParseDiff(text string) (*Diff, error) {
	lines := strings.Split(text, "\n")
	if len(lines) < 2 {
		return nil, fmt.Errorf("diff document too short")
	}
	if strings.TrimSpace(lines[0]) != "network-status-diff-version 1" {
		return nil, fmt.Errorf("unexpected diff version header: %q", lines[0])
	}
	hashFields := strings.Fields(lines[1])
	if len(hashFields) != 3 || hashFields[0] != "hash" {
		return nil, fmt.Errorf("malformed hash line: %q", lines[1])
	}
	d := &Diff{FromHash: hashFields[1], ToHash: hashFields[2]}

	i := 2
	for i < len(lines) {
		line := lines[i]
		if line == "" {
			i++
			continue
		}
		m := commandLineRe.FindStringSubmatch(line)
		if m == nil {
			return nil, fmt.Errorf("malformed diff command at line %d: %q", i, line)
		}
		start, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, fmt.Errorf("bad start address: %w", err)
		}
		end := start
		if m[2] != "" {
			end, err = strconv.Atoi(m[2])
			if err != nil {
				return nil, fmt.Errorf("bad end address: %w", err)
			}
		}
		op := DiffOp(m[3][0])
		i++

		var body []string
		if op == DiffChange || op == DiffAppend {
			for i < len(lines) && lines[i] != "." {
				body = append(body, lines[i])
				i++
			}
			if i >= len(lines) {
				return nil, fmt.Errorf("diff command at address %d missing terminating '.'", start)
			}
			i++ // consume the "."
		}

		d.Commands = append(d.Commands, DiffCommand{Start: start, End: end, Op: op, Body: body})
	}
	return d, nil
}

// ApplyDiff applies d to base, per spec.md §4.3's invariant: the commands
// are applied in reverse source-order (by descending start address) so
// earlier edits never invalidate the line numbers later ones reference.
// The result is verified against d.ToHash before being returned.
func ApplyDiff(base []byte, d *Diff) ([]byte, error) {
	if ok, err := verifyDocumentHash(base, d.FromHash); err != nil {
		return nil, fmt.Errorf("directory: compute from-hash: %w", err)
	} else if !ok {
		return nil, fmt.Errorf("directory: base consensus does not match diff's from-hash")
	}

	lines := strings.Split(string(base), "\n")

	ordered := make([]DiffCommand, len(d.Commands))
	copy(ordered, d.Commands)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Start > ordered[j].Start })

	for _, cmd := range ordered {
		if cmd.Start < 1 || cmd.End > len(lines) || cmd.Start > cmd.End {
			return nil, fmt.Errorf("directory: diff command address %d,%d out of range (%d lines)", cmd.Start, cmd.End, len(lines))
		}
		switch cmd.Op {
		case DiffDelete:
			lines = append(lines[:cmd.Start-1], lines[cmd.End:]...)
		case DiffChange:
			replaced := append([]string{}, lines[:cmd.Start-1]...)
			replaced = append(replaced, cmd.Body...)
			replaced = append(replaced, lines[cmd.End:]...)
			lines = replaced
		case DiffAppend:
			inserted := append([]string{}, lines[:cmd.Start]...)
			inserted = append(inserted, cmd.Body...)
			inserted = append(inserted, lines[cmd.Start:]...)
			lines = inserted
		default:
			return nil, fmt.Errorf("directory: unknown diff op %q", cmd.Op)
		}
	}

	result := []byte(strings.Join(lines, "\n"))
	ok, err := verifyDocumentHash(result, d.ToHash)
	if err != nil {
		return nil, fmt.Errorf("directory: compute to-hash: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("directory: applied diff does not match to-hash")
	}
	return result, nil
}

// verifyDocumentHash checks doc against expectedHex, trying both SHA-256
// and SHA3-256 since spec.md leaves the choice of algorithm implicit in
// the hash line rather than naming it explicitly per-entry.
func verifyDocumentHash(doc []byte, expectedHex string) (bool, error) {
	want, err := hex.DecodeString(expectedHex)
	if err != nil {
		return false, fmt.Errorf("malformed hash %q: %w", expectedHex, err)
	}
	p := xcrypto.Default()
	sha256Sum := p.SHA256(doc)
	if bytes.Equal(sha256Sum[:], want) {
		return true, nil
	}
	sha3Sum := p.SHA3_256(doc)
	return bytes.Equal(sha3Sum[:], want), nil
}
