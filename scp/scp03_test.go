package scp

import (
	"bytes"
	"testing"

	"tokencore/apdu"
)

// fixedChallengeProvider wraps DefaultProvider but returns a fixed host
// challenge instead of a random one, so a test can independently compute
// the expected card cryptogram and assemble a matching canned response.
type fixedChallengeProvider struct {
	DefaultProvider
	challenge []byte
}

func (p fixedChallengeProvider) RandomBytes(n int) ([]byte, error) {
	return append([]byte(nil), p.challenge[:n]...), nil
}

func scp03StaticKeys() StaticKeys {
	enc := make([]byte, 16)
	mac := make([]byte, 16)
	dek := make([]byte, 16)
	for i := 0; i < 16; i++ {
		enc[i] = byte(i)
		mac[i] = byte(i + 16)
		dek[i] = byte(i + 32)
	}
	return StaticKeys{ENC: enc, MAC: mac, DEK: dek}
}

func buildInitializeUpdateResponse(t *testing.T, provider Provider, static StaticKeys, hostChallenge, cardChallenge []byte) apdu.Response {
	t.Helper()
	context := append(append([]byte{}, hostChallenge...), cardChallenge...)
	_, sMAC, _, _, err := deriveSessionKeys(provider, static.ENC, static.MAC, static.DEK, context)
	if err != nil {
		t.Fatalf("deriveSessionKeys() error = %v", err)
	}
	cardCryptogram, err := cryptogram(provider, sMAC, cryptogramLabelCard, context)
	if err != nil {
		t.Fatalf("cryptogram() error = %v", err)
	}

	data := make([]byte, 0, 32)
	data = append(data, make([]byte, 10)...) // key_diversification_data
	data = append(data, 0x03, 0x30, 0x00)     // key_info: version 3, SCP03
	data = append(data, cardChallenge...)
	data = append(data, cardCryptogram...)
	data = append(data, 0x00, 0x00, 0x01) // sequence_counter
	return apdu.Response{Data: data, SW1: 0x90, SW2: 0x00}
}

func TestEstablishSCP03Success(t *testing.T) {
	static := scp03StaticKeys()
	hostChallenge := bytes.Repeat([]byte{0x11}, 8)
	cardChallenge := bytes.Repeat([]byte{0x22}, 8)
	provider := fixedChallengeProvider{challenge: hostChallenge}

	initResp := buildInitializeUpdateResponse(t, provider, static, hostChallenge, cardChallenge)
	conn := &fakeSessionConn{responses: []apdu.Response{
		initResp,
		{SW1: 0x90, SW2: 0x00}, // EXTERNAL AUTHENTICATE success
	}}

	session, err := EstablishSCP03(conn, provider, 0x03, static, LevelCMAC, nil)
	if err != nil {
		t.Fatalf("EstablishSCP03() error = %v", err)
	}
	if session == nil {
		t.Fatal("EstablishSCP03() returned nil session")
	}

	initCmd := conn.sent[0]
	if initCmd.CLA != claSCP || initCmd.INS != insInitializeUpdate {
		t.Errorf("INITIALIZE UPDATE CLA/INS = %02X/%02X", initCmd.CLA, initCmd.INS)
	}
	if !bytes.Equal(initCmd.Data, hostChallenge) {
		t.Errorf("host challenge sent = % X, want % X", initCmd.Data, hostChallenge)
	}

	authCmd := conn.sent[1]
	if authCmd.CLA != claSecure|secureCLABit || authCmd.INS != insExternalAuthenticate {
		t.Errorf("EXTERNAL AUTHENTICATE CLA/INS = %02X/%02X", authCmd.CLA, authCmd.INS)
	}
}

func TestEstablishSCP03RejectsBadCardCryptogram(t *testing.T) {
	static := scp03StaticKeys()
	hostChallenge := bytes.Repeat([]byte{0x11}, 8)
	cardChallenge := bytes.Repeat([]byte{0x22}, 8)
	provider := fixedChallengeProvider{challenge: hostChallenge}

	initResp := buildInitializeUpdateResponse(t, provider, static, hostChallenge, cardChallenge)
	initResp.Data[21] ^= 0xFF // corrupt the card cryptogram

	conn := &fakeSessionConn{responses: []apdu.Response{initResp}}
	_, err := EstablishSCP03(conn, provider, 0x03, static, LevelCMAC, nil)
	if err == nil {
		t.Fatal("expected AuthenticationFailed for corrupted card cryptogram")
	}
}

func TestEstablishSCP03RejectsShortInitResponse(t *testing.T) {
	static := scp03StaticKeys()
	provider := fixedChallengeProvider{challenge: bytes.Repeat([]byte{0x11}, 8)}
	conn := &fakeSessionConn{responses: []apdu.Response{{Data: []byte{0x01, 0x02}, SW1: 0x90, SW2: 0x00}}}

	_, err := EstablishSCP03(conn, provider, 0x03, static, LevelCMAC, nil)
	if err == nil {
		t.Fatal("expected BadResponse for short INITIALIZE UPDATE response")
	}
}

func TestEstablishSCP03PropagatesNonSuccessStatus(t *testing.T) {
	static := scp03StaticKeys()
	provider := fixedChallengeProvider{challenge: bytes.Repeat([]byte{0x11}, 8)}
	conn := &fakeSessionConn{responses: []apdu.Response{{SW1: 0x69, SW2: 0x82}}}

	_, err := EstablishSCP03(conn, provider, 0x03, static, LevelCMAC, nil)
	if err == nil {
		t.Fatal("expected Protocol error for non-success status word")
	}
}
