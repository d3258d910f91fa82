package scp

import (
	"tokencore/apdu"
	"tokencore/errs"
)

const (
	claSCP    = 0x80
	claSecure = 0x84

	insInitializeUpdate     = 0x50
	insExternalAuthenticate = 0x82
)

// StaticKeys are the three SCP03 long-term keys a card was personalised
// with: ENC/MAC authenticate the channel, DEK wraps key material sent over
// it (spec §4.8 "SCP03 key agreement", step 0).
type StaticKeys struct {
	ENC, MAC, DEK []byte
}

// EstablishSCP03 performs the SCP03 key-agreement handshake (spec §4.8
// steps 1-7: INITIALIZE UPDATE, session-key derivation, card cryptogram
// verification, EXTERNAL AUTHENTICATE with the host cryptogram) and
// returns a Session ready to drive the data layer at level.
func EstablishSCP03(conn Connection, provider Provider, keyVersion byte, static StaticKeys, level SecurityLevel, generationFunc func() int) (*Session, error) {
	hostChallenge, err := provider.RandomBytes(8)
	if err != nil {
		return nil, err
	}

	initResp, err := conn.Transmit(apdu.Command{
		CLA:  claSCP,
		INS:  insInitializeUpdate,
		P1:   keyVersion,
		P2:   0x00,
		Data: hostChallenge,
		Ne:   256,
	})
	if err != nil {
		return nil, err
	}
	if !initResp.IsSuccess() {
		return nil, &errs.Protocol{SW: initResp.SW()}
	}

	// key_diversification_data(10) || key_info(3) || card_challenge(8) ||
	// card_cryptogram(8) || sequence_counter(3), per spec §4.8 step 2.
	const wantLen = 10 + 3 + 8 + 8 + 3
	if len(initResp.Data) != wantLen {
		return nil, &errs.BadResponse{Reason: "scp03: unexpected INITIALIZE UPDATE response length"}
	}
	cardChallenge := initResp.Data[13:21]
	cardCryptogram := initResp.Data[21:29]
	sequenceCounter := initResp.Data[29:32]

	context := make([]byte, 0, 16)
	context = append(context, hostChallenge...)
	context = append(context, cardChallenge...)

	sEnc, sMAC, sRMAC, sDEK, err := deriveSessionKeys(provider, static.ENC, static.MAC, static.DEK, context)
	if err != nil {
		return nil, err
	}

	expectedCardCryptogram, err := cryptogram(provider, sMAC, cryptogramLabelCard, context)
	if err != nil {
		return nil, err
	}
	if !provider.ConstantTimeCompare(expectedCardCryptogram, cardCryptogram) {
		return nil, &errs.AuthenticationFailed{Reason: "scp03: card cryptogram mismatch"}
	}

	hostCryptogram, err := cryptogram(provider, sMAC, cryptogramLabelHost, context)
	if err != nil {
		return nil, err
	}

	session := newSession(conn, provider, level, keys{enc: sEnc, mac: sMAC, rmac: sRMAC, dek: sDEK}, generationFunc)
	session.macChain = [16]byte{} // zero chaining value seeds the first command MAC (spec §4.8 step 7)

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
		return nil, &errs.AuthenticationFailed{Reason: "scp03: EXTERNAL AUTHENTICATE rejected"}
	}

	_ = sequenceCounter // available for anti-replay diagnostics, not load-bearing here
	return session, nil
}
