package poll

import (
	"bufio"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/evcc-io/inverter-bridge/internal/energy"
	"github.com/evcc-io/inverter-bridge/internal/link"
	"github.com/evcc-io/inverter-bridge/internal/regproto"
	"github.com/evcc-io/inverter-bridge/internal/snapshot"
)

func discardLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// fakeInverterReply answers exactly one read-request frame with a
// well-formed response carrying count all-zero words.
func fakeInverterReply(t *testing.T, conn net.Conn, count int) {
	t.Helper()
	req := make([]byte, 8)
	if _, err := io.ReadFull(conn, req); err != nil {
		t.Fatalf("read request: %v", err)
	}

	payload := make([]byte, 1+2*count)
	payload[0] = byte(2 * count)
	frame := append([]byte{0x01, 0x03}, payload...)
	crc := regproto.CRC16(frame)
	frame = append(frame, byte(crc), byte(crc>>8))
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("write response: %v", err)
	}
}

func TestSchedulerSensorTickUpdatesSnapshot(t *testing.T) {
	mock := clock.NewMock()
	addr := freeAddr(t)
	snap := snapshot.NewStore(mock.Now)
	mgr := link.New(addr, snap, mock, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx)

	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("tcp", addr)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	reader := bufio.NewReader(conn)
	if _, err := reader.ReadString('\n'); err != nil {
		t.Fatalf("read handshake: %v", err)
	}
	conn.Write([]byte("OK\r\n"))

	deadline := time.Now().Add(2 * time.Second)
	for mgr.Offline() && time.Now().Before(deadline) {
		mock.Add(50 * time.Millisecond)
		time.Sleep(5 * time.Millisecond)
	}
	if mgr.Offline() {
		t.Fatal("link never came up")
	}

	store := energy.Load(t.TempDir()+"/energy.json", mock, discardLogger())
	sched := New(mgr, snap, store, mock, discardLogger())
	sched.tick = 1 // odd tick: skip the fault-read and settings-sweep branches

	go fakeInverterReply(t, conn, sensorLen)

	done := make(chan struct{})
	go func() {
		sched.runTick(mock.Now())
		close(done)
	}()

	// runTick sleeps interRequestSleep on the mock clock after the sensor
	// read; keep nudging it forward until the tick completes.
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case <-done:
		default:
			mock.Add(20 * time.Millisecond)
			time.Sleep(5 * time.Millisecond)
			continue
		}
		break
	}

	select {
	case <-done:
	default:
		t.Fatal("runTick did not complete in time")
	}

	doc := snap.Document(store.Totals())
	if doc.DeviceStatusCode == nil {
		t.Fatal("DeviceStatusCode is nil after a successful sensor tick")
	}
}
