package goble

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/sirupsen/logrus"

	"github.com/erukolya/tionlink/internal/breezer"
)

// Tion breezers (S3/S4/Lite) expose one vendor service with a write
// characteristic for requests and a notify characteristic for responses.
var (
	tionServiceUUID = ble.MustParse("98f00001-3788-83ea-453e-f52244709ddb")
	tionWriteUUID   = ble.MustParse("98f00002-3788-83ea-453e-f52244709ddb")
	tionNotifyUUID  = ble.MustParse("98f00003-3788-83ea-453e-f52244709ddb")
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
var DeviceFactory = func() (ble.Device, error) {
	dev, err := linux.NewDevice()
	if err != nil {
		if strings.Contains(err.Error(), "no such device") {
			return nil, fmt.Errorf("Bluetooth adapter not available - check that the HCI device is up: %w", err)
		}
		return nil, err
	}
	return dev, nil
}

const (
	// BLE writes are chunked to the classic 20-byte ATT payload.
	maxChunkSize = 20
	chunkGap     = 10 * time.Millisecond
	responseWait = 3 * time.Second
	requestTries = 3
	dialTimeout  = 30 * time.Second
)

// pendingResponse accumulates notification payloads until the codec's
// complete predicate accepts the buffer.
type pendingResponse struct {
	buf      []byte
	complete func([]byte) bool
	ch       chan []byte
}

// transport owns the raw GATT session shared by all Tion models: connect,
// disconnect, and one write-request/notify-response round trip at a time.
type transport struct {
	address string
	logger  *logrus.Logger

	connMu      sync.RWMutex
	client      ble.Client
	writeChar   *ble.Characteristic
	notifyChar  *ble.Characteristic
	isConnected bool
	status      breezer.Status

	writeMutex sync.Mutex

	respMu  sync.Mutex
	pending *pendingResponse
}

func newTransport(address string, logger *logrus.Logger) *transport {
	if logger == nil {
		logger = logrus.New()
	}
	return &transport{
		address: address,
		logger:  logger,
		status:  breezer.StatusDisconnected,
	}
}

func (t *transport) connectionStatus() breezer.Status {
	t.connMu.RLock()
	defer t.connMu.RUnlock()
	return t.status
}

// connect dials the device and discovers the Tion service. Safe to call
// again after a failed attempt; any half-open client is torn down first.
func (t *transport) connect(ctx context.Context) error {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	if strings.TrimSpace(t.address) == "" {
		return fmt.Errorf("failed to connect: device address is not set")
	}

	if t.isConnected {
		return nil
	}

	// Drop any half-open client left by a previous failed attempt.
	if t.client != nil {
		_ = t.client.CancelConnection()
		t.client = nil
	}

	t.status = breezer.StatusConnecting
	t.logger.WithField("address", t.address).Info("Connecting to Tion breezer...")

	dev, err := DeviceFactory()
	if err != nil {
		t.status = breezer.StatusDisconnected
		return fmt.Errorf("failed to create BLE device: %w", err)
	}
	ble.SetDefaultDevice(dev)

	connCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	client, err := ble.Dial(connCtx, ble.NewAddr(t.address))
	if err != nil {
		t.status = breezer.StatusDisconnected
		return fmt.Errorf("failed to connect to device %q: %w", t.address, err)
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		_ = client.CancelConnection()
		t.status = breezer.StatusDisconnected
		return fmt.Errorf("failed to discover profile: %w", err)
	}

	var writeChar, notifyChar *ble.Characteristic
	for _, svc := range profile.Services {
		if !svc.UUID.Equal(tionServiceUUID) {
			continue
		}
		for _, char := range svc.Characteristics {
			switch {
			case char.UUID.Equal(tionWriteUUID):
				writeChar = char
			case char.UUID.Equal(tionNotifyUUID):
				notifyChar = char
			}
		}
	}

	if writeChar == nil || notifyChar == nil {
		_ = client.CancelConnection()
		t.status = breezer.StatusDisconnected
		return fmt.Errorf("Tion service %s not found on device %q", tionServiceUUID, t.address)
	}

	if err := client.Subscribe(notifyChar, false, t.handleNotification); err != nil {
		_ = client.CancelConnection()
		t.status = breezer.StatusDisconnected
		return fmt.Errorf("failed to subscribe to response characteristic: %w", err)
	}

	t.client = client
	t.writeChar = writeChar
	t.notifyChar = notifyChar
	t.isConnected = true
	t.status = breezer.StatusConnected

	t.logger.WithField("address", t.address).Info("Tion breezer connected")
	return nil
}

// disconnect is best-effort: it never fails in a way that blocks cleanup.
func (t *transport) disconnect() error {
	t.connMu.Lock()
	client := t.client
	t.client = nil
	t.writeChar = nil
	t.notifyChar = nil
	t.isConnected = false
	t.status = breezer.StatusDisconnected
	t.connMu.Unlock()

	t.respMu.Lock()
	t.pending = nil
	t.respMu.Unlock()

	if client == nil {
		return nil
	}

	if err := client.CancelConnection(); err != nil {
		t.logger.WithError(err).Warn("Tion breezer disconnected with errors")
		return err
	}

	t.logger.Info("Tion breezer disconnected")
	return nil
}

// handleNotification feeds response bytes into the pending request, if any.
// Unsolicited notifications (device-initiated state pushes) are dropped.
func (t *transport) handleNotification(data []byte) {
	t.respMu.Lock()
	defer t.respMu.Unlock()

	if t.pending == nil {
		return
	}

	t.pending.buf = append(t.pending.buf, data...)
	if t.pending.complete(t.pending.buf) {
		t.pending.ch <- t.pending.buf
		t.pending = nil
	}
}

// request performs one write-request/notify-response round trip. The
// complete predicate decides when the accumulated notification bytes form a
// full response frame. A request that keeps timing out or getting clobbered
// is reported as breezer.ErrTooManyTries.
func (t *transport) request(ctx context.Context, payload []byte, complete func([]byte) bool) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= requestTries; attempt++ {
		resp, err := t.requestOnce(ctx, payload, complete)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, err
		}
		t.logger.WithFields(logrus.Fields{
			"attempt": attempt,
			"error":   err,
		}).Debug("Request attempt failed")
	}
	return nil, fmt.Errorf("%w: %d attempts, last error: %v", breezer.ErrTooManyTries, requestTries, lastErr)
}

func (t *transport) requestOnce(ctx context.Context, payload []byte, complete func([]byte) bool) ([]byte, error) {
	t.connMu.RLock()
	client := t.client
	writeChar := t.writeChar
	connected := t.isConnected
	t.connMu.RUnlock()

	if !connected || client == nil || writeChar == nil {
		return nil, fmt.Errorf("not connected")
	}

	pending := &pendingResponse{
		complete: complete,
		ch:       make(chan []byte, 1),
	}
	t.respMu.Lock()
	t.pending = pending
	t.respMu.Unlock()

	defer func() {
		t.respMu.Lock()
		if t.pending == pending {
			t.pending = nil
		}
		t.respMu.Unlock()
	}()

	if err := t.write(client, writeChar, payload); err != nil {
		return nil, err
	}

	select {
	case resp := <-pending.ch:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(responseWait):
		return nil, fmt.Errorf("no response within %s", responseWait)
	}
}

// write sends data chunked to the ATT payload limit with a small gap so the
// device's modest radio stack is not overwhelmed.
func (t *transport) write(client ble.Client, char *ble.Characteristic, data []byte) error {
	t.writeMutex.Lock()
	defer t.writeMutex.Unlock()

	for len(data) > 0 {
		chunkSize := len(data)
		if chunkSize > maxChunkSize {
			chunkSize = maxChunkSize
		}

		chunk := data[:chunkSize]
		data = data[chunkSize:]

		if err := client.WriteCharacteristic(char, chunk, true); err != nil {
			return fmt.Errorf("failed to write request: %w", err)
		}

		if len(data) > 0 {
			time.Sleep(chunkGap)
		}
	}
	return nil
}
