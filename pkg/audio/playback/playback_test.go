package playback

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/echosight/echosight/pkg/audio"
)

func frame(data []byte) audio.Frame {
	return audio.Frame{Data: data, SampleRate: DefaultSampleRate, Channels: 1}
}

func TestReadReturnsQueuedBytesThenSilence(t *testing.T) {
	t.Parallel()

	e := New()
	a := []byte{1, 2, 3, 4}
	b := []byte{5, 6}
	e.Feed(frame(a))
	e.Feed(frame(b))

	// Read across a frame boundary.
	buf := make([]byte, 5)
	if n := e.Read(buf); n != 5 {
		t.Fatalf("Read = %d, want 5", n)
	}
	if want := []byte{1, 2, 3, 4, 5}; !bytes.Equal(buf, want) {
		t.Errorf("Read gave %v, want %v", buf, want)
	}

	// Remaining byte plus zero fill, never a short read.
	buf = make([]byte, 4)
	if n := e.Read(buf); n != 4 {
		t.Fatalf("Read = %d, want 4", n)
	}
	if want := []byte{6, 0, 0, 0}; !bytes.Equal(buf, want) {
		t.Errorf("Read gave %v, want %v", buf, want)
	}

	// Fully drained queue yields pure silence, not an error.
	buf = []byte{9, 9}
	e.Read(buf)
	if want := []byte{0, 0}; !bytes.Equal(buf, want) {
		t.Errorf("Read on empty queue gave %v, want silence", buf)
	}
}

func TestUnderrunCountsPartialFillsOnly(t *testing.T) {
	t.Parallel()

	e := New()
	e.Feed(frame([]byte{1, 2}))

	buf := make([]byte, 4)
	e.Read(buf) // partial: 2 data bytes + 2 silence
	e.Read(buf) // idle: all silence

	if got := e.Underruns(); got != 1 {
		t.Errorf("Underruns = %d, want 1 (idle silence is not an underrun)", got)
	}
}

func TestClearResetsCursorMidFrame(t *testing.T) {
	t.Parallel()

	e := New()
	e.Feed(frame([]byte{1, 2, 3, 4, 5, 6}))

	buf := make([]byte, 2)
	e.Read(buf)
	e.Clear()

	if !e.Idle() {
		t.Error("engine not idle after Clear")
	}
	e.Read(buf)
	if want := []byte{0, 0}; !bytes.Equal(buf, want) {
		t.Errorf("Read after Clear gave %v, want silence", buf)
	}
}

func TestFeedResamplesForeignRates(t *testing.T) {
	t.Parallel()

	e := New() // 24 kHz
	// 16 samples at 16 kHz become 24 samples at 24 kHz.
	e.Feed(audio.Frame{Data: make([]byte, 32), SampleRate: 16000, Channels: 1})

	if got, want := e.Buffered(), time.Duration(24)*time.Second/24000; got != want {
		t.Errorf("Buffered = %v, want %v", got, want)
	}
}

func TestWaitIdle(t *testing.T) {
	t.Parallel()

	e := New()
	e.Feed(frame(make([]byte, 64)))

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		done <- e.WaitIdle(ctx)
	}()

	// Drain in the background like a device would.
	go func() {
		buf := make([]byte, 16)
		for i := 0; i < 8; i++ {
			e.Read(buf)
			time.Sleep(5 * time.Millisecond)
		}
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitIdle returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("WaitIdle did not return after queue drained")
	}
}

func TestCloseDropsSubsequentFeeds(t *testing.T) {
	t.Parallel()

	e := New()
	e.Close()
	e.Feed(frame([]byte{1, 2}))

	buf := make([]byte, 2)
	e.Read(buf)
	if want := []byte{0, 0}; !bytes.Equal(buf, want) {
		t.Errorf("Read after Close gave %v, want silence", buf)
	}
}
