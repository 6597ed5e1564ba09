package ethlink

import (
	"bytes"
	"errors"
	"testing"
)

// fakeDriver serves queued frames and records transmitted ones.
type fakeDriver struct {
	rx      [][]byte
	rxErr   error
	txErr   error
	sent    [][]byte
	rxCalls int
}

func (d *fakeDriver) Receive(dst []byte) (int, error) {
	d.rxCalls++
	if d.rxErr != nil {
		err := d.rxErr
		d.rxErr = nil
		return 0, err
	}
	if len(d.rx) == 0 {
		return 0, nil
	}
	n := copy(dst, d.rx[0])
	d.rx = d.rx[1:]
	return n, nil
}

func (d *fakeDriver) Transmit(frame []byte) error {
	if d.txErr != nil {
		return d.txErr
	}
	d.sent = append(d.sent, append([]byte(nil), frame...))
	return nil
}

func newTestAdapter(t *testing.T, drv Driver, size int) *Adapter {
	t.Helper()
	a, err := NewAdapter(drv, make([]byte, size))
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestNewAdapter(t *testing.T) {
	_, err := NewAdapter(nil, make([]byte, 64))
	if err == nil {
		t.Error("expected error for nil driver")
	}
	_, err = NewAdapter(&fakeDriver{}, make([]byte, ethHeaderLen))
	if err == nil {
		t.Error("expected error for tiny buffer")
	}
	a := newTestAdapter(t, &fakeDriver{}, 1024)
	caps := a.Capabilities()
	if caps.MaxTransmissionUnit != 1024-ethHeaderLen {
		t.Errorf("MTU=%d, want %d", caps.MaxTransmissionUnit, 1024-ethHeaderLen)
	}
	if caps.MaxBurstSize != 1 {
		t.Errorf("burst=%d, want 1", caps.MaxBurstSize)
	}
	a = newTestAdapter(t, &fakeDriver{}, MaxFrameSize)
	if got := a.Capabilities().MaxTransmissionUnit; got != MTU {
		t.Errorf("MTU=%d, want %d", got, MTU)
	}
}

func TestReceiveNoFrame(t *testing.T) {
	a := newTestAdapter(t, &fakeDriver{}, 128)
	_, ok, err := a.Receive()
	if err != nil || ok {
		t.Fatalf("got ok=%v err=%v, want empty result", ok, err)
	}
	if a.Outstanding() {
		t.Fatal("empty receive must not hold the buffer")
	}
}

func TestReceiveConsume(t *testing.T) {
	frame := []byte("0123456789abcdefghij")
	drv := &fakeDriver{rx: [][]byte{frame}}
	a := newTestAdapter(t, drv, 128)
	tok, ok, err := a.Receive()
	if err != nil || !ok {
		t.Fatalf("got ok=%v err=%v", ok, err)
	}
	if tok.Len() != len(frame) {
		t.Fatalf("len=%d, want %d", tok.Len(), len(frame))
	}
	var got []byte
	err = tok.Consume(func(b []byte) error {
		got = append(got, b...)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, frame) {
		t.Errorf("got %q, want %q", got, frame)
	}
	if a.Outstanding() {
		t.Error("buffer still held after consume")
	}
	err = tok.Consume(func([]byte) error { return nil })
	if !errors.Is(err, ErrTokenSpent) {
		t.Errorf("second consume err=%v, want ErrTokenSpent", err)
	}
}

func TestReceiveDriverError(t *testing.T) {
	errSPI := errors.New("spi transaction failed")
	drv := &fakeDriver{rxErr: errSPI, rx: [][]byte{[]byte("frame-after-error")}}
	a := newTestAdapter(t, drv, 128)
	_, ok, err := a.Receive()
	if !errors.Is(err, errSPI) || ok {
		t.Fatalf("got ok=%v err=%v, want wrapped driver error", ok, err)
	}
	if drv.rxCalls != 1 {
		t.Fatalf("adapter retried receive: %d calls", drv.rxCalls)
	}
	if a.Outstanding() {
		t.Fatal("failed receive must not hold the buffer")
	}
	// Next attempt succeeds: errors are transient.
	tok, ok, err := a.Receive()
	if err != nil || !ok {
		t.Fatalf("got ok=%v err=%v after transient error", ok, err)
	}
	tok.Release()
}

func TestBufferExclusivity(t *testing.T) {
	drv := &fakeDriver{rx: [][]byte{[]byte("aaaaaaaaaaaaaaaaaaaa"), []byte("bbbbbbbbbbbbbbbbbbbb")}}
	a := newTestAdapter(t, drv, 128)

	rx, ok, err := a.Receive()
	if err != nil || !ok {
		t.Fatalf("got ok=%v err=%v", ok, err)
	}
	if _, _, err := a.Receive(); !errors.Is(err, ErrBufferBusy) {
		t.Errorf("second receive err=%v, want ErrBufferBusy", err)
	}
	if _, err := a.Transmit(10); !errors.Is(err, ErrBufferBusy) {
		t.Errorf("transmit during receive err=%v, want ErrBufferBusy", err)
	}
	if drv.rxCalls != 1 {
		t.Errorf("driver touched while buffer busy: %d calls", drv.rxCalls)
	}
	rx.Release()

	tx, err := a.Transmit(10)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := a.Receive(); !errors.Is(err, ErrBufferBusy) {
		t.Errorf("receive during transmit err=%v, want ErrBufferBusy", err)
	}
	if _, err := a.Transmit(10); !errors.Is(err, ErrBufferBusy) {
		t.Errorf("second transmit err=%v, want ErrBufferBusy", err)
	}
	// A stale token must not free a buffer lent to a newer token.
	rx.Release()
	if !a.Outstanding() {
		t.Fatal("stale rx token released transmit buffer")
	}
	err = rx.Consume(func([]byte) error { return nil })
	if !errors.Is(err, ErrTokenSpent) {
		t.Errorf("stale consume err=%v, want ErrTokenSpent", err)
	}
	tx.Release()
	if a.Outstanding() {
		t.Fatal("buffer held after release")
	}
}

func TestTransmitBounds(t *testing.T) {
	const capacity = 64
	drv := &fakeDriver{}
	a := newTestAdapter(t, drv, capacity)
	for _, size := range []int{0, 1, capacity / 2, capacity} {
		tok, err := a.Transmit(size)
		if err != nil {
			t.Fatalf("size %d: %v", size, err)
		}
		if tok.Size() != size {
			t.Errorf("size=%d, want %d", tok.Size(), size)
		}
		tok.Release()
	}
	// Mark buffer contents to check oversized requests leave it alone.
	for i := range a.buf {
		a.buf[i] = 0xaa
	}
	for _, size := range []int{capacity + 1, 4 * capacity} {
		_, err := a.Transmit(size)
		if !errors.Is(err, ErrFrameTooLarge) {
			t.Errorf("size %d err=%v, want ErrFrameTooLarge", size, err)
		}
		if a.Outstanding() {
			t.Fatalf("size %d: failed transmit holds buffer", size)
		}
	}
	for i, b := range a.buf {
		if b != 0xaa {
			t.Fatalf("buffer corrupted at %d", i)
		}
	}
	if _, err := a.Transmit(-1); !errors.Is(err, ErrInvalidSize) {
		t.Errorf("negative size err=%v, want ErrInvalidSize", err)
	}
	if len(drv.sent) != 0 {
		t.Errorf("released tokens sent %d frames", len(drv.sent))
	}
}

func TestTransmitConsume(t *testing.T) {
	drv := &fakeDriver{}
	a := newTestAdapter(t, drv, 64)
	tok, err := a.Transmit(32)
	if err != nil {
		t.Fatal(err)
	}
	payload := []byte("hello link")
	err = tok.Consume(func(b []byte) (int, error) {
		if len(b) != 32 {
			t.Errorf("region len=%d, want 32", len(b))
		}
		return copy(b, payload), nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(drv.sent) != 1 || !bytes.Equal(drv.sent[0], payload) {
		t.Fatalf("sent=%q, want one frame %q", drv.sent, payload)
	}

	// Zero length sends nothing.
	tok, _ = a.Transmit(32)
	err = tok.Consume(func([]byte) (int, error) { return 0, nil })
	if err != nil || len(drv.sent) != 1 {
		t.Fatalf("err=%v sent=%d, want nothing sent", err, len(drv.sent))
	}

	// Writer reporting more than reserved is rejected without sending.
	tok, _ = a.Transmit(8)
	err = tok.Consume(func([]byte) (int, error) { return 9, nil })
	if !errors.Is(err, ErrInvalidSize) || len(drv.sent) != 1 {
		t.Fatalf("err=%v sent=%d, want ErrInvalidSize", err, len(drv.sent))
	}

	// Driver failure is wrapped and the buffer freed.
	errSPI := errors.New("spi write failed")
	drv.txErr = errSPI
	tok, _ = a.Transmit(8)
	err = tok.Consume(func(b []byte) (int, error) { return 8, nil })
	if !errors.Is(err, errSPI) {
		t.Fatalf("err=%v, want driver error", err)
	}
	if a.Outstanding() {
		t.Fatal("buffer held after failed transmit")
	}
}
