package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
)

// TestFraming tests the length-prefixed message framing
func TestFraming(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		var conn bytes.Buffer
		payload := []byte{1, 2, 3, 4, 5}
		if err := WriteFrame(&conn, payload); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
		got, err := ReadFrame(&conn)
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if !bytes.Equal(got, payload) {
			t.Errorf("payload = %v, want %v", got, payload)
		}
	})

	t.Run("empty payload is legal", func(t *testing.T) {
		var conn bytes.Buffer
		if err := WriteFrame(&conn, nil); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
		got, err := ReadFrame(&conn)
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if len(got) != 0 {
			t.Errorf("payload = %v, want empty", got)
		}
	})

	t.Run("length prefix is big-endian", func(t *testing.T) {
		var conn bytes.Buffer
		if err := WriteFrame(&conn, []byte("abc")); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
		hdr := conn.Bytes()[:4]
		if n := binary.BigEndian.Uint32(hdr); n != 3 {
			t.Errorf("length prefix = %d (%v), want 3", n, hdr)
		}
	})

	t.Run("oversized frame is rejected before reading payload", func(t *testing.T) {
		var conn bytes.Buffer
		var hdr [4]byte
		binary.BigEndian.PutUint32(hdr[:], MaxMessageSize+1)
		conn.Write(hdr[:])
		if _, err := ReadFrame(&conn); err != ErrMessageTooLarge {
			t.Errorf("err = %v, want ErrMessageTooLarge", err)
		}
	})

	t.Run("clean EOF between frames surfaces as io.EOF", func(t *testing.T) {
		if _, err := ReadFrame(bytes.NewReader(nil)); err != io.EOF {
			t.Errorf("err = %v, want io.EOF", err)
		}
	})

	t.Run("torn header is not a clean EOF", func(t *testing.T) {
		_, err := ReadFrame(bytes.NewReader([]byte{0, 0}))
		if err == nil || err == io.EOF {
			t.Errorf("err = %v, want a wrapped read error", err)
		}
	})

	t.Run("torn payload is an error", func(t *testing.T) {
		var conn bytes.Buffer
		var hdr [4]byte
		binary.BigEndian.PutUint32(hdr[:], 10)
		conn.Write(hdr[:])
		conn.Write([]byte("short"))
		if _, err := ReadFrame(&conn); err == nil {
			t.Error("expected error for torn payload")
		}
	})
}
