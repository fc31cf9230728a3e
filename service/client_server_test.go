package service

import (
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/database64128/sptun-go/service/internal/packetseq"
	"github.com/database64128/sptun-go/tun"
)

var cases = []struct {
	name         string
	serverConfig ServerConfig
	clientConfig ClientConfig
}{
	{
		name: "XChaCha20Poly1305",
		serverConfig: ServerConfig{
			Name:          "tun0",
			ListenAddress: "[::1]:20220",
			Tun:           tun.Config{Name: "stun0", MTU: 1500},
		},
		clientConfig: ClientConfig{
			Name:     "tun0",
			Endpoint: "[::1]:20220",
			Tun:      tun.Config{Name: "ctun0", MTU: 1500},
		},
	},
	{
		name: "AES256GCM",
		serverConfig: ServerConfig{
			Name:          "tun0",
			ListenAddress: "[::1]:20221",
			Tun:           tun.Config{Name: "stun0", MTU: 1500},
			Cipher:        "aes-256-gcm",
		},
		clientConfig: ClientConfig{
			Name:     "tun0",
			Endpoint: "[::1]:20221",
			Tun:      tun.Config{Name: "ctun0", MTU: 1500},
			Cipher:   "aes-256-gcm",
		},
	},
}

func init() {
	for i := range cases {
		psk := make([]byte, 32)
		rand.Read(psk)
		cases[i].serverConfig.PSK = psk
		cases[i].clientConfig.PSK = psk
	}
}

func testClientServerTunnel(t *testing.T, serverConfig ServerConfig, clientConfig ClientConfig) {
	logger := testLoggerCfg.NewTestLogger(t)

	s, err := serverConfig.Server(logger)
	if err != nil {
		t.Fatal(err)
	}
	serverDev := newPipeDevice(serverConfig.Tun.Name)
	s.openDevice = func() (tun.Device, error) {
		return serverDev, nil
	}

	c, err := clientConfig.Client(logger)
	if err != nil {
		t.Fatal(err)
	}
	clientDev := newPipeDevice(clientConfig.Tun.Name)
	c.openDevice = func() (tun.Device, error) {
		return clientDev, nil
	}

	ctx := t.Context()
	if err = s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()
	if err = c.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	waitForState(t, c, StateEstablished)

	const packetCount = 100
	sizes := [...]int{40, 1500, 64}

	sendPackets := func(dev *pipeDevice) {
		var snd packetseq.Sender
		for i := range packetCount {
			pkt := make([]byte, sizes[i%len(sizes)])
			rand.Read(pkt)
			snd.Stamp(pkt)
			if !dev.inject(pkt) {
				return
			}
		}
	}

	receivePackets := func(dev *pipeDevice) error {
		var rcv packetseq.Receiver
		for range packetCount {
			select {
			case pkt := <-dev.out:
				if err := rcv.Validate(pkt); err != nil {
					return err
				}
			case <-time.After(5 * time.Second):
				return errors.New("timed out waiting for packet")
			}
		}
		return nil
	}

	go sendPackets(clientDev)
	go sendPackets(serverDev)

	errCh := make(chan error, 2)
	go func() {
		errCh <- receivePackets(serverDev)
	}()
	go func() {
		errCh <- receivePackets(clientDev)
	}()

	for range 2 {
		if err := <-errCh; err != nil {
			t.Error(err)
		}
	}
}

func TestClientServerTunnel(t *testing.T) {
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			testClientServerTunnel(t, c.serverConfig, c.clientConfig)
		})
	}
}

// TestServerRejectsSecondConnection verifies that a connection arriving
// while a session is active is closed immediately, and that the active
// session keeps running.
func TestServerRejectsSecondConnection(t *testing.T) {
	logger := testLoggerCfg.NewTestLogger(t)

	psk := make([]byte, 32)
	rand.Read(psk)

	serverConfig := ServerConfig{
		Name:          "tun0",
		ListenAddress: "[::1]:20222",
		Tun:           tun.Config{Name: "stun0", MTU: 1500},
		PSK:           psk,
	}
	clientConfig := ClientConfig{
		Name:     "tun0",
		Endpoint: "[::1]:20222",
		Tun:      tun.Config{Name: "ctun0", MTU: 1500},
		PSK:      psk,
	}

	s, err := serverConfig.Server(logger)
	if err != nil {
		t.Fatal(err)
	}
	serverDev := newPipeDevice(serverConfig.Tun.Name)
	s.openDevice = func() (tun.Device, error) {
		return serverDev, nil
	}

	c, err := clientConfig.Client(logger)
	if err != nil {
		t.Fatal(err)
	}
	clientDev := newPipeDevice(clientConfig.Tun.Name)
	c.openDevice = func() (tun.Device, error) {
		return clientDev, nil
	}

	ctx := t.Context()
	if err = s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()
	if err = c.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	waitForState(t, c, StateEstablished)

	// A second client is turned away.
	c2, err := clientConfig.Client(logger)
	if err != nil {
		t.Fatal(err)
	}
	clientDev2 := newPipeDevice("ctun1")
	c2.openDevice = func() (tun.Device, error) {
		return clientDev2, nil
	}
	c2.disableReconnect = true
	if err = c2.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer c2.Stop()

	waitForState(t, c2, StateClosed)

	// The first session still relays packets.
	pkt := make([]byte, 40)
	rand.Read(pkt)
	if !clientDev.inject(pkt) {
		t.Fatal("device closed")
	}
	select {
	case got := <-serverDev.out:
		if len(got) != len(pkt) {
			t.Errorf("len(got) = %d, want %d", len(got), len(pkt))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for packet")
	}
}
