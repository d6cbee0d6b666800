package rpc

import (
	"errors"
	"testing"
)

func pushAll(t *testing.T, f *Framer, chunks ...[]byte) [][]byte {
	t.Helper()
	var frames [][]byte
	for _, chunk := range chunks {
		out, err := f.Push(chunk)
		if err != nil {
			t.Fatalf("push failed: %v", err)
		}
		frames = append(frames, out...)
	}
	return frames
}

func TestFramerSingleValue(t *testing.T) {
	f := NewFramer()
	frames := pushAll(t, f, []byte(`{"jsonrpc":"2.0","id":1,"result":"0x0"}`))
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if string(frames[0]) != `{"jsonrpc":"2.0","id":1,"result":"0x0"}` {
		t.Fatalf("unexpected frame: %s", frames[0])
	}
}

func TestFramerCoalescedValues(t *testing.T) {
	f := NewFramer()
	frames := pushAll(t, f, []byte(`{"id":1}{"id":2}`+"\n"+`{"id":3}`))
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	for i, want := range []string{`{"id":1}`, `{"id":2}`, `{"id":3}`} {
		if string(frames[i]) != want {
			t.Fatalf("frame %d: expected %s, got %s", i, want, frames[i])
		}
	}
}

func TestFramerEverySplitPoint(t *testing.T) {
	payload := []byte(`{"jsonrpc":"2.0","id":"a{b","method":"eth_call","params":["}{\"",[1,2],{"k":"]"}]}`)
	for cut := 1; cut < len(payload); cut++ {
		f := NewFramer()
		frames := pushAll(t, f, payload[:cut], payload[cut:])
		if len(frames) != 1 {
			t.Fatalf("cut %d: expected 1 frame, got %d", cut, len(frames))
		}
		if string(frames[0]) != string(payload) {
			t.Fatalf("cut %d: frame mismatch: %s", cut, frames[0])
		}
	}
}

func TestFramerArbitraryChunkSizes(t *testing.T) {
	stream := []byte(`{"id":1,"result":"ok"} [{"id":2},{"id":3}]` + "\r\n" + `{"id":4,"error":{"code":-32000,"message":"oops \"quoted\""}}`)
	want := []string{
		`{"id":1,"result":"ok"}`,
		`[{"id":2},{"id":3}]`,
		`{"id":4,"error":{"code":-32000,"message":"oops \"quoted\""}}`,
	}
	for _, size := range []int{1, 2, 3, 5, 7, 16, len(stream)} {
		f := NewFramer()
		var frames [][]byte
		for start := 0; start < len(stream); start += size {
			end := start + size
			if end > len(stream) {
				end = len(stream)
			}
			out, err := f.Push(stream[start:end])
			if err != nil {
				t.Fatalf("size %d: push failed: %v", size, err)
			}
			frames = append(frames, out...)
		}
		if len(frames) != len(want) {
			t.Fatalf("size %d: expected %d frames, got %d", size, len(want), len(frames))
		}
		for i := range want {
			if string(frames[i]) != want[i] {
				t.Fatalf("size %d: frame %d mismatch: %s", size, i, frames[i])
			}
		}
	}
}

func TestFramerEscapedBackslashBeforeQuote(t *testing.T) {
	f := NewFramer()
	frames := pushAll(t, f, []byte(`{"path":"C:\\"}{"id":9}`))
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if string(frames[0]) != `{"path":"C:\\"}` {
		t.Fatalf("unexpected first frame: %s", frames[0])
	}
}

func TestFramerRejectsScalarTopLevel(t *testing.T) {
	f := NewFramer()
	if _, err := f.Push([]byte(`42`)); !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("expected ErrInvalidFrame, got %v", err)
	}
}

func TestFramerRejectsMismatchedDelimiters(t *testing.T) {
	f := NewFramer()
	if _, err := f.Push([]byte(`{"id":1]`)); !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("expected ErrInvalidFrame, got %v", err)
	}
}

func TestFramerBufferLimit(t *testing.T) {
	f := NewFramerLimit(16)
	if _, err := f.Push([]byte(`{"filler":"aaaaaaaaaaaaaaaa`)); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestFramerErrorIsSticky(t *testing.T) {
	f := NewFramer()
	if _, err := f.Push([]byte(`true`)); err == nil {
		t.Fatal("expected framing error")
	}
	if _, err := f.Push([]byte(`{"id":1}`)); !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("expected sticky error, got %v", err)
	}
}

func TestFramerDeliversCompleteBeforeError(t *testing.T) {
	f := NewFramer()
	frames, err := f.Push([]byte(`{"id":1}x`))
	if !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("expected ErrInvalidFrame, got %v", err)
	}
	if len(frames) != 1 || string(frames[0]) != `{"id":1}` {
		t.Fatalf("expected the complete frame before the error, got %v", frames)
	}
}
