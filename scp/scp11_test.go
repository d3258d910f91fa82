package scp

import (
	"bytes"
	"crypto"
	"testing"

	"tokencore/apdu"
	"tokencore/tlv"
)

// fixedECDHProvider wraps DefaultProvider but always hands back a preset
// host ephemeral key pair instead of a freshly generated one, so a test can
// compute the card's side of the handshake before EstablishSCP11 runs.
type fixedECDHProvider struct {
	DefaultProvider
	priv crypto.PrivateKey
	pub  []byte
}

func (p fixedECDHProvider) GenerateECDHKeyPair() (crypto.PrivateKey, []byte, error) {
	return p.priv, p.pub, nil
}

func TestEstablishSCP11Success(t *testing.T) {
	provider := DefaultProvider{}

	hostPriv, hostPub, err := provider.GenerateECDHKeyPair()
	if err != nil {
		t.Fatalf("GenerateECDHKeyPair() (host) error = %v", err)
	}
	cardPriv, cardPub, err := provider.GenerateECDHKeyPair()
	if err != nil {
		t.Fatalf("GenerateECDHKeyPair() (card static) error = %v", err)
	}
	cardEphPriv, cardEphPub, err := provider.GenerateECDHKeyPair()
	if err != nil {
		t.Fatalf("GenerateECDHKeyPair() (card ephemeral) error = %v", err)
	}

	// ECDH is symmetric: what the host will compute as ECDH(hostPriv,
	// cardEphPub)/ECDH(hostPriv, cardPub) equals what's computed here as
	// ECDH(cardEphPriv, hostPub)/ECDH(cardPriv, hostPub).
	ephemeralSecret, err := provider.ECDHSharedSecret(cardEphPriv, hostPub)
	if err != nil {
		t.Fatalf("ECDHSharedSecret() (ephemeral) error = %v", err)
	}
	staticSecret, err := provider.ECDHSharedSecret(cardPriv, hostPub)
	if err != nil {
		t.Fatalf("ECDHSharedSecret() (static) error = %v", err)
	}

	transcript := make([]byte, 0, len(ephemeralSecret)+len(staticSecret)+len(hostPub)+len(cardEphPub))
	transcript = append(transcript, ephemeralSecret...)
	transcript = append(transcript, staticSecret...)
	transcript = append(transcript, hostPub...)
	transcript = append(transcript, cardEphPub...)
	sharedSecret, err := provider.AESCMAC(zeroKey16, transcript)
	if err != nil {
		t.Fatalf("AESCMAC() error = %v", err)
	}

	context := append(append([]byte{}, hostPub...), cardEphPub...)
	_, sMAC, _, _, err := deriveSessionKeys(provider, sharedSecret, sharedSecret, sharedSecret, context)
	if err != nil {
		t.Fatalf("deriveSessionKeys() error = %v", err)
	}
	receipt, err := cryptogram(provider, sMAC, cryptogramLabelCard, context)
	if err != nil {
		t.Fatalf("cryptogram() error = %v", err)
	}

	inner := tlv.Encode([]tlv.Record{
		{Tag: tagPublicKeyPoint, Value: cardEphPub},
		{Tag: tagReceipt, Value: receipt},
	})
	conn := &fakeSessionConn{responses: []apdu.Response{
		{Data: tlv.Encode([]tlv.Record{{Tag: tagKeyAgreement, Value: inner}}), SW1: 0x90, SW2: 0x00},
		{SW1: 0x90, SW2: 0x00}, // EXTERNAL AUTHENTICATE success
	}}

	fixedProvider := fixedECDHProvider{DefaultProvider: provider, priv: hostPriv, pub: hostPub}
	session, err := EstablishSCP11(conn, fixedProvider, ModeSCP11b, StaticCardPublicKey{KeyVersion: 1, Point: cardPub}, LevelCMAC, nil)
	if err != nil {
		t.Fatalf("EstablishSCP11() error = %v", err)
	}
	if session == nil {
		t.Fatal("EstablishSCP11() returned nil session")
	}

	paceCmd := conn.sent[0]
	if paceCmd.CLA != claSCP || paceCmd.INS != insPerformSecurityOperation {
		t.Errorf("PERFORM SECURITY OPERATION CLA/INS = %02X/%02X", paceCmd.CLA, paceCmd.INS)
	}
	authCmd := conn.sent[1]
	if authCmd.CLA != claSecure|secureCLABit || authCmd.INS != insExternalAuthenticate {
		t.Errorf("EXTERNAL AUTHENTICATE CLA/INS = %02X/%02X", authCmd.CLA, authCmd.INS)
	}
}

func TestEstablishSCP11RejectsUnsupportedMode(t *testing.T) {
	conn := &fakeSessionConn{}
	provider := DefaultProvider{}
	_, err := EstablishSCP11(conn, provider, ModeSCP11a, StaticCardPublicKey{}, LevelCMAC, nil)
	if err != ErrSCP11ModeUnsupported {
		t.Fatalf("err = %v, want ErrSCP11ModeUnsupported", err)
	}
	_, err = EstablishSCP11(conn, provider, ModeSCP11c, StaticCardPublicKey{}, LevelCMAC, nil)
	if err != ErrSCP11ModeUnsupported {
		t.Fatalf("err = %v, want ErrSCP11ModeUnsupported", err)
	}
	if len(conn.sent) != 0 {
		t.Error("an unsupported mode must not send any APDU")
	}
}

func TestEstablishSCP11PropagatesNonSuccessStatus(t *testing.T) {
	conn := &fakeSessionConn{responses: []apdu.Response{{SW1: 0x6A, SW2: 0x86}}}
	provider := DefaultProvider{}
	_, err := EstablishSCP11(conn, provider, ModeSCP11b, StaticCardPublicKey{Point: make([]byte, 65)}, LevelCMAC, nil)
	if err == nil {
		t.Fatal("expected Protocol error for non-success status word")
	}
}

func TestEstablishSCP11RejectsMissingKeyAgreementTemplate(t *testing.T) {
	conn := &fakeSessionConn{responses: []apdu.Response{{
		Data: tlv.Encode([]tlv.Record{{Tag: 0x5A, Value: []byte{0x01}}}),
		SW1:  0x90, SW2: 0x00,
	}}}
	provider := DefaultProvider{}
	_, err := EstablishSCP11(conn, provider, ModeSCP11b, StaticCardPublicKey{Point: make([]byte, 65)}, LevelCMAC, nil)
	if err == nil {
		t.Fatal("expected BadResponse for a response without a 7F49 template")
	}
}

func TestEstablishSCP11RejectsMissingReceipt(t *testing.T) {
	conn := &fakeSessionConn{}
	provider := DefaultProvider{}
	_, hostPub, err := provider.GenerateECDHKeyPair()
	if err != nil {
		t.Fatalf("GenerateECDHKeyPair() error = %v", err)
	}
	inner := tlv.Encode([]tlv.Record{{Tag: tagPublicKeyPoint, Value: hostPub}})
	conn.responses = []apdu.Response{{
		Data: tlv.Encode([]tlv.Record{{Tag: tagKeyAgreement, Value: inner}}),
		SW1:  0x90, SW2: 0x00,
	}}
	_, err = EstablishSCP11(conn, provider, ModeSCP11b, StaticCardPublicKey{Point: make([]byte, 65)}, LevelCMAC, nil)
	if err == nil {
		t.Fatal("expected BadResponse for a response missing the receipt tag")
	}
}

func TestEstablishSCP11RejectsBadReceipt(t *testing.T) {
	provider := DefaultProvider{}
	cardPriv, cardPub, err := provider.GenerateECDHKeyPair()
	if err != nil {
		t.Fatalf("GenerateECDHKeyPair() error = %v", err)
	}
	_ = cardPriv

	conn := &fakeSessionConn{}
	// card ephemeral key reuses the static key fixture for simplicity; the
	// receipt bytes are deliberately wrong, which is what this test checks.
	inner := tlv.Encode([]tlv.Record{
		{Tag: tagPublicKeyPoint, Value: cardPub},
		{Tag: tagReceipt, Value: bytes.Repeat([]byte{0xFF}, 8)},
	})
	conn.responses = []apdu.Response{{
		Data: tlv.Encode([]tlv.Record{{Tag: tagKeyAgreement, Value: inner}}),
		SW1:  0x90, SW2: 0x00,
	}}

	_, err = EstablishSCP11(conn, provider, ModeSCP11b, StaticCardPublicKey{KeyVersion: 1, Point: cardPub}, LevelCMAC, nil)
	if err == nil {
		t.Fatal("expected AuthenticationFailed for a receipt that doesn't match the derived keys")
	}
}
