package scp

import (
	"errors"

	"tokencore/apdu"
	"tokencore/errs"
	"tokencore/tlv"
)

// ErrSCP11ModeUnsupported is returned by EstablishSCP11 when asked to run SCP11a
// or SCP11c, which this core does not implement (only SCP11b, per the
// resolved open question recorded in DESIGN.md).
var ErrSCP11ModeUnsupported = errors.New("scp: only SCP11b is supported")

// Mode distinguishes the three SCP11 sub-modes defined by GlobalPlatform
// Amendment F.
type Mode int

const (
	ModeSCP11a Mode = iota
	ModeSCP11b
	ModeSCP11c
)

const (
	insPerformSecurityOperation = 0x88

	tagKeyAgreement  uint32 = 0x7F49
	tagPublicKeyPoint uint32 = 0x86
	tagReceipt       uint32 = 0x87
)

// StaticCardPublicKey is the card's certified static public key (the SCP11b
// variant trusts it out of band rather than via a certificate chain, spec
// §4.8's "static keys" leg).
type StaticCardPublicKey struct {
	KeyVersion byte
	Point      []byte // uncompressed P-256 point
}

// EstablishSCP11 performs the SCP11b key-agreement handshake: an ephemeral
// host ECDH key pair is generated, sent to the card alongside the
// authentication parameters, and combined with the card's ephemeral and
// static public keys to derive the session keys (spec §4.8, §6 "[ADD] SCP11
// wire level"). mode must be ModeSCP11b; SCP11a/SCP11c are not implemented.
func EstablishSCP11(conn Connection, provider Provider, mode Mode, cardKey StaticCardPublicKey, level SecurityLevel, generationFunc func() int) (*Session, error) {
	if mode != ModeSCP11b {
		return nil, ErrSCP11ModeUnsupported
	}

	hostPriv, hostPub, err := provider.GenerateECDHKeyPair()
	if err != nil {
		return nil, err
	}

	reqBody := tlv.EncodeSorted([]tlv.Record{{Tag: tagPublicKeyPoint, Value: hostPub}})
	reqTLV := tlv.Encode([]tlv.Record{{Tag: tagKeyAgreement, Value: reqBody}})

	resp, err := conn.Transmit(apdu.Command{
		CLA:  claSCP,
		INS:  insPerformSecurityOperation,
		P1:   0x00,
		P2:   cardKey.KeyVersion,
		Data: reqTLV,
		Ne:   256,
	})
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, &errs.Protocol{SW: resp.SW()}
	}

	outer, err := tlv.Decode(resp.Data)
	if err != nil {
		return nil, err
	}
	if len(outer) != 1 || outer[0].Tag != tagKeyAgreement {
		return nil, &errs.BadResponse{Reason: "scp11: response missing 7F49 key-agreement template"}
	}
	inner, err := tlv.DecodeDictionary(outer[0].Value)
	if err != nil {
		return nil, err
	}
	cardEphemeralPub, ok := inner.Get(tagPublicKeyPoint)
	if !ok {
		return nil, &errs.BadResponse{Reason: "scp11: response missing card ephemeral public key"}
	}
	receipt, ok := inner.Get(tagReceipt)
	if !ok {
		return nil, &errs.BadResponse{Reason: "scp11: response missing key-agreement receipt"}
	}

	ephemeralSecret, err := provider.ECDHSharedSecret(hostPriv, cardEphemeralPub)
	if err != nil {
		return nil, err
	}
	staticSecret, err := provider.ECDHSharedSecret(hostPriv, cardKey.Point)
	if err != nil {
		return nil, err
	}

	// The key-agreement transcript binds both ECDH outputs and both public
	// keys, matching the multi-secret construction Amendment F specifies for
	// SCP11 (ephemeral-ephemeral and ephemeral-static agreements combined),
	// generalising the single-secret SCP03 KDF input in deriveSessionKeys.
	transcript := make([]byte, 0, len(ephemeralSecret)+len(staticSecret)+len(hostPub)+len(cardEphemeralPub))
	transcript = append(transcript, ephemeralSecret...)
	transcript = append(transcript, staticSecret...)
	transcript = append(transcript, hostPub...)
	transcript = append(transcript, cardEphemeralPub...)

	sharedSecret, err := provider.AESCMAC(zeroKey16, transcript)
	if err != nil {
		return nil, err
	}

	context := make([]byte, 0, len(hostPub)+len(cardEphemeralPub))
	context = append(context, hostPub...)
	context = append(context, cardEphemeralPub...)

	sEnc, sMAC, sRMAC, sDEK, err := deriveSessionKeys(provider, sharedSecret, sharedSecret, sharedSecret, context)
	if err != nil {
		return nil, err
	}

	expectedReceipt, err := cryptogram(provider, sMAC, cryptogramLabelCard, context)
	if err != nil {
		return nil, err
	}
	if !provider.ConstantTimeCompare(expectedReceipt, receipt) {
		return nil, &errs.AuthenticationFailed{Reason: "scp11: key-agreement receipt mismatch"}
	}

	session := newSession(conn, provider, level, keys{enc: sEnc, mac: sMAC, rmac: sRMAC, dek: sDEK}, generationFunc)
	session.macChain = [16]byte{}

	hostCryptogram, err := cryptogram(provider, sMAC, cryptogramLabelHost, context)
	if err != nil {
		return nil, err
	}
	authCmd := apdu.Command{CLA: claSecure, INS: insExternalAuthenticate, P1: byte(level), P2: 0x00, Data: hostCryptogram}
	wrapped, err := session.wrapOutgoing(authCmd)
	if err != nil {
		return nil, err
	}
	authResp, err := conn.Transmit(wrapped)
	if err != nil {
		return nil, err
	}
	if !authResp.IsSuccess() {
		return nil, &errs.AuthenticationFailed{Reason: "scp11: EXTERNAL AUTHENTICATE rejected"}
	}

	return session, nil
}

// zeroKey16 seeds the AES-CMAC used to fold the two ECDH outputs into a
// single shared secret. There is no secret material at this step yet (the
// ECDH outputs themselves are the secret being combined), so a fixed
// all-zero key is correct here, matching Amendment F's "CMAC with a key of
// all zero bytes" combination step.
var zeroKey16 = make([]byte, 16)
