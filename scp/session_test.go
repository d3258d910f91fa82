package scp

import (
	"bytes"
	"errors"
	"testing"

	"tokencore/apdu"
)

type fakeSessionConn struct {
	responses []apdu.Response
	sent      []apdu.Command
}

func (f *fakeSessionConn) Transmit(cmd apdu.Command) (apdu.Response, error) {
	f.sent = append(f.sent, cmd)
	if len(f.responses) == 0 {
		return apdu.Response{}, errors.New("fakeSessionConn: no more responses queued")
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	return resp, nil
}

func testKeys() keys {
	mac := make([]byte, 16)
	for i := range mac {
		mac[i] = byte(i + 1)
	}
	enc := make([]byte, 16)
	for i := range enc {
		enc[i] = byte(i + 0x40)
	}
	rmac := make([]byte, 16)
	for i := range rmac {
		rmac[i] = byte(i + 0x80)
	}
	return keys{enc: enc, mac: mac, rmac: rmac, dek: make([]byte, 16)}
}

func TestSessionAppendsCMACAndChainsAcrossCommands(t *testing.T) {
	conn := &fakeSessionConn{responses: []apdu.Response{
		{SW1: 0x90, SW2: 0x00},
		{SW1: 0x90, SW2: 0x00},
	}}
	s := newSession(conn, DefaultProvider{}, LevelCMAC, testKeys(), nil)

	if _, err := s.Transmit(apdu.Command{CLA: 0x00, INS: 0x01, Data: []byte{0xAA, 0xBB}}); err != nil {
		t.Fatalf("Transmit() #1 error = %v", err)
	}
	firstChain := s.MACChain()

	if _, err := s.Transmit(apdu.Command{CLA: 0x00, INS: 0x02}); err != nil {
		t.Fatalf("Transmit() #2 error = %v", err)
	}
	secondChain := s.MACChain()

	if firstChain == secondChain {
		t.Error("MAC chaining value must advance between commands")
	}

	cmd1 := conn.sent[0]
	if cmd1.CLA != 0x00|secureCLABit {
		t.Errorf("CLA = %X, want secure bit set", cmd1.CLA)
	}
	if len(cmd1.Data) != len([]byte{0xAA, 0xBB})+8 {
		t.Fatalf("Data len = %d, want original+8 for MAC", len(cmd1.Data))
	}

	cmd2 := conn.sent[1]
	if bytes.Equal(cmd1.Data[len(cmd1.Data)-8:], cmd2.Data[len(cmd2.Data)-8:]) {
		t.Error("MAC must differ between distinct commands in the same chain")
	}
}

// expectedRMAC runs a throwaway session through wrapOutgoing to learn the
// MAC chaining value cmd will produce, then computes the RMAC a card would
// return for payload/SW under that chain.
func expectedRMAC(t *testing.T, k keys, level SecurityLevel, cmd apdu.Command, payload []byte, sw1, sw2 byte) []byte {
	t.Helper()
	probe := newSession(nil, DefaultProvider{}, level, k, nil)
	if _, err := probe.wrapOutgoing(cmd); err != nil {
		t.Fatalf("wrapOutgoing() error = %v", err)
	}
	toMAC := append(append([]byte{}, probe.macChain[:]...), payload...)
	toMAC = append(toMAC, sw1, sw2)
	full, err := DefaultProvider{}.AESCMAC(k.rmac, toMAC)
	if err != nil {
		t.Fatalf("AESCMAC() error = %v", err)
	}
	return full[:8]
}

func TestSessionRejectsTamperedRMAC(t *testing.T) {
	k := testKeys()
	cmd := apdu.Command{CLA: 0x00, INS: 0x01}
	payload := []byte{0x01, 0x02, 0x03}
	goodRMAC := expectedRMAC(t, k, LevelCMAC|LevelRMAC, cmd, payload, 0x90, 0x00)

	conn := &fakeSessionConn{responses: []apdu.Response{{
		Data: append(append([]byte{}, payload...), goodRMAC...),
		SW1:  0x90, SW2: 0x00,
	}}}
	s := newSession(conn, DefaultProvider{}, LevelCMAC|LevelRMAC, k, nil)
	if _, err := s.Transmit(cmd); err != nil {
		t.Fatalf("Transmit() with valid RMAC unexpectedly failed: %v", err)
	}

	tamperedRMAC := append(append([]byte{}, goodRMAC[:7]...), goodRMAC[7]^0xFF)
	conn2 := &fakeSessionConn{responses: []apdu.Response{{
		Data: append(append([]byte{}, payload...), tamperedRMAC...),
		SW1:  0x90, SW2: 0x00,
	}}}
	s2 := newSession(conn2, DefaultProvider{}, LevelCMAC|LevelRMAC, k, nil)
	_, err := s2.Transmit(cmd)
	if err == nil {
		t.Fatal("expected SecureChannelMacFailure for tampered RMAC")
	}
	if !s2.Terminated() {
		t.Error("session must terminate after an RMAC failure")
	}
}

func TestSessionTerminatesOnTransportError(t *testing.T) {
	conn := &fakeSessionConn{} // no responses queued, Transmit always errors
	s := newSession(conn, DefaultProvider{}, LevelCMAC, testKeys(), nil)

	if _, err := s.Transmit(apdu.Command{CLA: 0x00, INS: 0x01}); err == nil {
		t.Fatal("expected error from empty fake connection")
	}
	if !s.Terminated() {
		t.Error("session must terminate after a transport error")
	}
	if _, err := s.Transmit(apdu.Command{CLA: 0x00, INS: 0x02}); err == nil {
		t.Fatal("a terminated session must reject further commands")
	}
}

func TestSessionRejectsAfterUnderlyingReconnect(t *testing.T) {
	conn := &fakeSessionConn{responses: []apdu.Response{{SW1: 0x90, SW2: 0x00}}}
	generation := 0
	s := newSession(conn, DefaultProvider{}, LevelCMAC, testKeys(), func() int { return generation })

	generation = 1
	_, err := s.Transmit(apdu.Command{CLA: 0x00, INS: 0x01})
	if err == nil {
		t.Fatal("expected authentication error after underlying connection generation changed")
	}
	if !s.Terminated() {
		t.Error("session must terminate after detecting a reconnect")
	}
}

func TestPad80RoundTrip(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03}
	padded := pad80(data, 16)
	if len(padded)%16 != 0 {
		t.Fatalf("padded length = %d, not a multiple of 16", len(padded))
	}
	unpadded, err := unpad80(padded)
	if err != nil {
		t.Fatalf("unpad80() error = %v", err)
	}
	if !bytes.Equal(unpadded, data) {
		t.Errorf("unpad80() = % X, want % X", unpadded, data)
	}
}

func TestUnpad80RejectsMissingMarker(t *testing.T) {
	if _, err := unpad80(make([]byte, 16)); err == nil {
		t.Fatal("expected error for all-zero block with no 0x80 marker")
	}
}
