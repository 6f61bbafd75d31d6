// Package ble implements the BLE GATT transport of spec.md §6: a single
// service exposing a write characteristic for inbound fragments and a
// notify characteristic for outbound delivery, plus the central-role scan
// and central-role write path needed to talk to other mesh nodes. It is
// grounded on the bluetalk and gostt-writer reference clients
// (tinygo.org/x/bluetooth), generalized from a one-to-one chat link to a
// broadcast mesh: every discovered peer advertising the service UUID is
// connected to, not just the first one found.
package ble

import (
	"errors"
	"sync"

	"tinygo.org/x/bluetooth"
)

// GATT profile constants, bit-exact per spec.md §6.
var (
	ServiceUUID = bluetooth.NewUUID([16]byte{
		0x12, 0x34, 0x56, 0x78, 0x12, 0x34, 0x56, 0x78,
		0x12, 0x34, 0x56, 0x78, 0x9A, 0xBC, 0xDE, 0xF0,
	})
	WriteCharUUID = bluetooth.NewUUID([16]byte{
		0x12, 0x34, 0x56, 0x78, 0x12, 0x34, 0x56, 0x78,
		0x12, 0x34, 0x56, 0x78, 0x9A, 0xBC, 0xDE, 0xF1,
	})
	NotifyCharUUID = bluetooth.NewUUID([16]byte{
		0x12, 0x34, 0x56, 0x78, 0x12, 0x34, 0x56, 0x78,
		0x12, 0x34, 0x56, 0x78, 0x9A, 0xBC, 0xDE, 0xF2,
	})
)

const localName = "noisemesh"

// Adapter is the underlying radio handle Transport drives: production
// code passes bluetooth.DefaultAdapter, tests pass a fake constructed the
// same way the bindtest reference tests do for conn.Bind.
type Adapter = *bluetooth.Adapter

var (
	ErrOffsetWrite  = errors.New("ble: writes with non-zero offset are rejected")
	ErrNotConnected = errors.New("ble: no connected peer with this address")
)

// InboundFunc is invoked for every fragment a connected peer writes to us,
// whether we are advertising (peripheral role) or scanning (central
// role).
type InboundFunc func(peerAddr string, data []byte)

// Transport drives one BLE radio in dual peripheral/central role so two
// nodes can discover each other regardless of which one is scanning.
type Transport struct {
	adapter *bluetooth.Adapter
	onInbound InboundFunc

	notifyChar bluetooth.Characteristic

	mu      sync.Mutex
	centrals map[string]bluetooth.DeviceCharacteristic // peer addr -> write characteristic
	subscribed map[string]bool                          // peripheral clients subscribed to notify
}

// New wraps adapter (bluetooth.DefaultAdapter in production, a fake in
// tests) with the mesh GATT profile.
func New(adapter *bluetooth.Adapter, onInbound InboundFunc) *Transport {
	return &Transport{
		adapter:    adapter,
		onInbound:  onInbound,
		centrals:   make(map[string]bluetooth.DeviceCharacteristic),
		subscribed: make(map[string]bool),
	}
}

// Start enables the adapter, publishes the GATT service, begins
// advertising, and begins scanning for other mesh nodes.
func (t *Transport) Start() error {
	if err := t.adapter.Enable(); err != nil {
		return err
	}

	if err := t.adapter.AddService(&bluetooth.Service{
		UUID: ServiceUUID,
		Characteristics: []bluetooth.CharacteristicConfig{
			{
				UUID: WriteCharUUID,
				Flags: bluetooth.CharacteristicWritePermission |
					bluetooth.CharacteristicWriteWithoutResponsePermission,
				WriteEvent: t.handleWrite,
			},
			{
				UUID:   NotifyCharUUID,
				Flags:  bluetooth.CharacteristicNotifyPermission | bluetooth.CharacteristicIndicatePermission,
				Handle: &t.notifyChar,
			},
		},
	}); err != nil {
		return err
	}

	adv := t.adapter.DefaultAdvertisement()
	if err := adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    localName,
		ServiceUUIDs: []bluetooth.UUID{ServiceUUID},
	}); err != nil {
		return err
	}
	if err := adv.Start(); err != nil {
		return err
	}

	return t.adapter.Scan(t.handleScanResult)
}

// handleWrite rejects any write at a non-zero offset per spec.md §6, then
// hands the fragment to onInbound.
func (t *Transport) handleWrite(client bluetooth.Connection, offset int, value []byte) {
	if offset != 0 {
		return
	}
	buf := make([]byte, len(value))
	copy(buf, value)
	if t.onInbound != nil {
		t.onInbound(client.String(), buf)
	}
}

func (t *Transport) handleScanResult(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
	if !result.HasServiceUUID(ServiceUUID) {
		return
	}
	addr := result.Address.String()

	t.mu.Lock()
	_, known := t.centrals[addr]
	t.mu.Unlock()
	if known {
		return
	}

	go t.connectAndDiscover(addr, result)
}

func (t *Transport) connectAndDiscover(addr string, result bluetooth.ScanResult) {
	dev, err := t.adapter.Connect(result.Address, bluetooth.ConnectionParams{})
	if err != nil {
		return
	}
	services, err := dev.DiscoverServices([]bluetooth.UUID{ServiceUUID})
	if err != nil || len(services) == 0 {
		dev.Disconnect()
		return
	}
	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{WriteCharUUID, NotifyCharUUID})
	if err != nil {
		dev.Disconnect()
		return
	}

	var writeChar, notifyChar bluetooth.DeviceCharacteristic
	for _, c := range chars {
		switch c.UUID() {
		case WriteCharUUID:
			writeChar = c
		case NotifyCharUUID:
			notifyChar = c
		}
	}

	if err := notifyChar.EnableNotifications(func(value []byte) {
		buf := make([]byte, len(value))
		copy(buf, value)
		if t.onInbound != nil {
			t.onInbound(addr, buf)
		}
	}); err != nil {
		dev.Disconnect()
		return
	}

	t.mu.Lock()
	t.centrals[addr] = writeChar
	t.mu.Unlock()
}

// Send writes data without response to the connected peer at addr. The
// caller is responsible for keeping each write within BLEMTU
// (wire.BLEMTU); this layer does not fragment.
func (t *Transport) Send(addr string, data []byte) error {
	t.mu.Lock()
	char, ok := t.centrals[addr]
	t.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}
	_, err := char.WriteWithoutResponse(data)
	return err
}

// Notify pushes data to every peripheral-role client currently subscribed
// to the notify characteristic.
func (t *Transport) Notify(data []byte) error {
	_, err := t.notifyChar.Write(data)
	return err
}

// Peers returns the addresses of every currently connected central-role
// peer.
func (t *Transport) Peers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.centrals))
	for addr := range t.centrals {
		out = append(out, addr)
	}
	return out
}
