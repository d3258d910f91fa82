package scp

// Derivation constants for the four SCP03/SCP11 session keys (spec §4.8
// step 4).
const (
	derivationConstantEnc  byte = 0x04
	derivationConstantMAC  byte = 0x06
	derivationConstantRMAC byte = 0x07
	derivationConstantDEK  byte = 0x0B

	// Cryptogram labels reuse the KDF unchanged, including its 128-bit
	// length field (spec §4.8 steps 5-6: card/host cryptogram are each
	// "first 8 bytes of CMAC(...)", derived via the same construction
	// with label 0x00/0x01).
	cryptogramLabelCard byte = 0x00
	cryptogramLabelHost byte = 0x01
)

// kdf implements the NIST SP 800-108 KDF in counter mode with a single
// counter value of 1, as used throughout §4.8:
//
//	derivation_constant (12 B: 11 B of 0x00 then the constant byte) ‖
//	separator (0x00) ‖ output length in bits (2 B BE) ‖ counter (0x01) ‖
//	context
//
// The output length field is always 0x0080 (128 bits) and the result is
// the full 16-byte CMAC; cryptogram callers truncate it to 8 bytes.
func kdf(p Provider, key []byte, constant byte, context []byte) ([]byte, error) {
	input := make([]byte, 0, 12+1+2+1+len(context))
	input = append(input, make([]byte, 11)...)
	input = append(input, constant)
	input = append(input, 0x00)
	input = append(input, 0x00, 0x80) // 0x0080 = 128 bits
	input = append(input, 0x01)       // counter = 1
	input = append(input, context...)

	return p.AESCMAC(key, input)
}

// deriveSessionKeys derives s_enc, s_mac, s_rmac, s_dek from the three
// static (or ECDH-agreed) keys (s_mac and s_rmac both come from macKey) and the key-agreement context (host
// challenge ‖ card challenge for SCP03, the key-agreement transcript for
// SCP11) per spec §4.8 step 4.
func deriveSessionKeys(p Provider, encKey, macKey, dekKey []byte, context []byte) (sEnc, sMAC, sRMAC, sDEK []byte, err error) {
	sEnc, err = kdf(p, encKey, derivationConstantEnc, context)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	sMAC, err = kdf(p, macKey, derivationConstantMAC, context)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	sRMAC, err = kdf(p, macKey, derivationConstantRMAC, context)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	sDEK, err = kdf(p, dekKey, derivationConstantDEK, context)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return sEnc, sMAC, sRMAC, sDEK, nil
}

// cryptogram derives the card/host cryptogram: the label (0x00 card, 0x01
// host) plays the role of a derivation constant in the same KDF
// construction kdf uses for session keys, truncated to 8 bytes (spec §4.8
// steps 5-6).
func cryptogram(p Provider, sMAC []byte, label byte, context []byte) ([]byte, error) {
	full, err := kdf(p, sMAC, label, context)
	if err != nil {
		return nil, err
	}
	return full[:8], nil
}
