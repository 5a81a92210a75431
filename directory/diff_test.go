package directory

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/torclientgo/torclient/xcrypto"
)

func sha256Hex(doc string) string {
	sum := xcrypto.Default().SHA256([]byte(doc))
	return hex.EncodeToString(sum[:])
}

func TestApplyDiffChangeReplacesLines(t *testing.T) {
	base := "line1\nline2\nline3\nline4\nline5"
	want := "line1\nNEW-A\nNEW-B\nNEW-C\nline5"

	diffText := "network-status-diff-version 1\n" +
		"hash " + sha256Hex(base) + " " + sha256Hex(want) + "\n" +
		"2,4c\n" +
		"NEW-A\n" +
		"NEW-B\n" +
		"NEW-C\n" +
		"."

	d, err := ParseDiff(diffText)
	if err != nil {
		t.Fatalf("ParseDiff: %v", err)
	}
	got, err := ApplyDiff([]byte(base), d)
	if err != nil {
		t.Fatalf("ApplyDiff: %v", err)
	}
	if string(got) != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestApplyDiffDelete(t *testing.T) {
	base := "a\nb\nc\nd\ne"
	want := "a\ne"

	diffText := "network-status-diff-version 1\n" +
		"hash " + sha256Hex(base) + " " + sha256Hex(want) + "\n" +
		"2,4d"

	d, err := ParseDiff(diffText)
	if err != nil {
		t.Fatalf("ParseDiff: %v", err)
	}
	got, err := ApplyDiff([]byte(base), d)
	if err != nil {
		t.Fatalf("ApplyDiff: %v", err)
	}
	if string(got) != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestApplyDiffAppend(t *testing.T) {
	base := "a\nb\nc"
	want := "a\nb\nINSERTED\nc"

	diffText := "network-status-diff-version 1\n" +
		"hash " + sha256Hex(base) + " " + sha256Hex(want) + "\n" +
		"2a\n" +
		"INSERTED\n" +
		"."

	d, err := ParseDiff(diffText)
	if err != nil {
		t.Fatalf("ParseDiff: %v", err)
	}
	got, err := ApplyDiff([]byte(base), d)
	if err != nil {
		t.Fatalf("ApplyDiff: %v", err)
	}
	if string(got) != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestApplyDiffMultipleCommandsReverseOrder(t *testing.T) {
	// Two commands at different addresses; applying in forward order
	// would shift the second command's line numbers, applying in
	// reverse source-order keeps both addresses valid against base.
	base := "a\nb\nc\nd\ne\nf"
	want := "a\nFIRST\nc\nd\nSECOND\nf"

	diffText := "network-status-diff-version 1\n" +
		"hash " + sha256Hex(base) + " " + sha256Hex(want) + "\n" +
		"2c\n" +
		"FIRST\n" +
		".\n" +
		"5c\n" +
		"SECOND\n" +
		"."

	d, err := ParseDiff(diffText)
	if err != nil {
		t.Fatalf("ParseDiff: %v", err)
	}
	got, err := ApplyDiff([]byte(base), d)
	if err != nil {
		t.Fatalf("ApplyDiff: %v", err)
	}
	if string(got) != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestApplyDiffRejectsFromHashMismatch(t *testing.T) {
	base := "a\nb\nc"
	diffText := "network-status-diff-version 1\n" +
		"hash " + sha256Hex("not-the-base") + " " + sha256Hex("whatever") + "\n" +
		"1,3d"

	d, err := ParseDiff(diffText)
	if err != nil {
		t.Fatalf("ParseDiff: %v", err)
	}
	if _, err := ApplyDiff([]byte(base), d); err == nil {
		t.Fatal("expected from-hash mismatch to be fatal")
	}
}

func TestApplyDiffRejectsToHashMismatch(t *testing.T) {
	base := "a\nb\nc"
	diffText := "network-status-diff-version 1\n" +
		"hash " + sha256Hex(base) + " " + sha256Hex("wrong-result") + "\n" +
		"2c\n" +
		"CHANGED\n" +
		"."

	d, err := ParseDiff(diffText)
	if err != nil {
		t.Fatalf("ParseDiff: %v", err)
	}
	if _, err := ApplyDiff([]byte(base), d); err == nil {
		t.Fatal("expected to-hash mismatch to be fatal")
	}
}

func TestParseDiffRejectsBadVersionHeader(t *testing.T) {
	if _, err := ParseDiff("not-a-diff\nhash a b\n1d"); err == nil {
		t.Fatal("expected error on bad version header")
	}
}

func TestParseDiffRejectsUnterminatedBody(t *testing.T) {
	diffText := "network-status-diff-version 1\n" +
		"hash a b\n" +
		"1,2c\n" +
		"no terminator here"
	if _, err := ParseDiff(diffText); err == nil {
		t.Fatal("expected error on missing terminating '.'")
	}
}

func TestParseDiffIgnoresBlankLinesBetweenCommands(t *testing.T) {
	diffText := "network-status-diff-version 1\nhash a b\n\n1d\n"
	d, err := ParseDiff(diffText)
	if err != nil {
		t.Fatalf("ParseDiff: %v", err)
	}
	if len(d.Commands) != 1 {
		t.Fatalf("expected 1 command, got %d", len(d.Commands))
	}
}

func TestParseDiffFromHashToHash(t *testing.T) {
	diffText := strings.Join([]string{
		"network-status-diff-version 1",
		"hash deadbeef cafef00d",
		"1d",
	}, "\n")
	d, err := ParseDiff(diffText)
	if err != nil {
		t.Fatal(err)
	}
	if d.FromHash != "deadbeef" || d.ToHash != "cafef00d" {
		t.Fatalf("got from=%q to=%q", d.FromHash, d.ToHash)
	}
}
