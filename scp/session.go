package scp

import (
	"encoding/binary"

	"tokencore/apdu"
	"tokencore/errs"
)

// SecurityLevel is the bitmask negotiated for an SCP session (spec §4.9,
// §6 "Wire level — SCP03").
type SecurityLevel byte

const (
	LevelCMAC        SecurityLevel = 0x01
	LevelCDecryption SecurityLevel = 0x02
	LevelRMAC        SecurityLevel = 0x10
	LevelREncryption SecurityLevel = 0x20
)

func (l SecurityLevel) has(bit SecurityLevel) bool { return l&bit != 0 }

const secureCLABit = 0x04

// Connection is the transmit surface a Session wraps: *pcsc.Connection
// satisfies it, and tests substitute a fake (spec §8 "ADD").
type Connection interface {
	Transmit(cmd apdu.Command) (apdu.Response, error)
}

// keys holds the four session keys derived by either key-agreement
// variant (spec.md §3 "SCP session state").
type keys struct {
	enc, mac, rmac, dek []byte
}

// Session is an active secure-channel session layered over a Connection
// (C9, spec §4.9). It implements Connection itself, so it is installed
// between an app.Session and the underlying pcsc.Connection exactly as
// the data-flow diagram in spec §2 describes.
type Session struct {
	inner    Connection
	provider Provider
	level    SecurityLevel
	keys     keys

	macChain   [16]byte
	encCounter uint32

	// generation ties this session to the Connection state it was keyed
	// against; if the inner connection reconnects underneath it (spec
	// §4.3 "reconnect"), the session must be discarded and re-established
	// rather than silently continuing with stale keys.
	boundGeneration int
	generationFunc  func() int
	terminated      bool
}

// newSession wraps inner with keys derived by a key-agreement step,
// ready to drive the data layer at the given security level.
func newSession(inner Connection, provider Provider, level SecurityLevel, k keys, generationFunc func() int) *Session {
	s := &Session{
		inner:          inner,
		provider:       provider,
		level:          level,
		keys:           k,
		encCounter:     1,
		generationFunc: generationFunc,
	}
	if generationFunc != nil {
		s.boundGeneration = generationFunc()
	}
	return s
}

// Terminated reports whether the session has been invalidated by a
// transport error, RESET_CARD, or a MAC failure (spec §4.9 "Termination").
func (s *Session) Terminated() bool { return s.terminated }

// EncCounter returns the current encryption counter, exposed for test
// assertions against the monotonicity invariant (spec §8 "SCP
// monotonicity").
func (s *Session) EncCounter() uint32 { return s.encCounter }

// MACChain returns the current 16-byte MAC chaining value.
func (s *Session) MACChain() [16]byte { return s.macChain }

// Transmit wraps cmd per §4.9's outgoing steps, sends it through inner,
// then unwraps the response per §4.9's incoming steps.
func (s *Session) Transmit(cmd apdu.Command) (apdu.Response, error) {
	if s.terminated {
		return apdu.Response{}, &errs.SecureChannelMacFailure{}
	}
	if s.generationFunc != nil && s.generationFunc() != s.boundGeneration {
		s.terminated = true
		return apdu.Response{}, &errs.AuthenticationFailed{Reason: "scp: underlying connection reconnected; session must be re-keyed"}
	}

	wrapped, err := s.wrapOutgoing(cmd)
	if err != nil {
		s.terminated = true
		return apdu.Response{}, err
	}

	resp, err := s.inner.Transmit(wrapped)
	if err != nil {
		s.terminated = true
		return apdu.Response{}, err
	}

	unwrapped, err := s.unwrapIncoming(resp)
	if err != nil {
		s.terminated = true
		return apdu.Response{}, err
	}
	return unwrapped, nil
}

// wrapOutgoing implements spec §4.9 steps 1-3.
func (s *Session) wrapOutgoing(cmd apdu.Command) (apdu.Command, error) {
	data := cmd.Data

	if s.level.has(LevelCDecryption) {
		icvInput := make([]byte, 16)
		binary.BigEndian.PutUint32(icvInput[12:], s.encCounter)
		icv, err := s.provider.AESECBEncryptBlock(s.keys.enc, icvInput)
		if err != nil {
			return apdu.Command{}, err
		}
		padded := pad80(data, 16)
		enc, err := s.provider.AESCBCEncrypt(s.keys.enc, icv, padded)
		if err != nil {
			return apdu.Command{}, err
		}
		data = enc
		s.encCounter++
	}

	claPrime := cmd.CLA | secureCLABit
	lcPrime := len(data) + 8 // +8 for the MAC appended below

	toMAC := make([]byte, 0, 16+4+8+len(data))
	toMAC = append(toMAC, s.macChain[:]...)
	toMAC = append(toMAC, claPrime, cmd.INS, cmd.P1, cmd.P2)
	toMAC = append(toMAC, lcHeader(lcPrime, cmd.Ne)...)
	toMAC = append(toMAC, data...)

	fullMAC, err := s.provider.AESCMAC(s.keys.mac, toMAC)
	if err != nil {
		return apdu.Command{}, err
	}
	copy(s.macChain[:], fullMAC)

	out := cmd
	out.CLA = claPrime
	out.Data = append(append([]byte(nil), data...), fullMAC[:8]...)
	return out, nil
}

// lcHeader renders an Lc length prefix matching whatever form (short or
// extended) apdu.Command.Encode would itself choose for n data bytes and
// an expected response length of ne, so the MAC is computed over the same
// bytes that go on the wire.
func lcHeader(n, ne int) []byte {
	if n <= 255 && ne <= 256 {
		return []byte{byte(n)}
	}
	return []byte{0x00, byte(n >> 8), byte(n)}
}

// unwrapIncoming implements spec §4.9 steps 5-6.
func (s *Session) unwrapIncoming(resp apdu.Response) (apdu.Response, error) {
	payload := resp.Data

	if s.level.has(LevelRMAC) {
		if len(payload) < 8 {
			return apdu.Response{}, &errs.BadResponse{Reason: "scp: response shorter than RMAC trailer"}
		}
		split := len(payload) - 8
		rmac := payload[split:]
		payload = payload[:split]

		toMAC := make([]byte, 0, 16+len(payload)+2)
		toMAC = append(toMAC, s.macChain[:]...)
		toMAC = append(toMAC, payload...)
		toMAC = append(toMAC, resp.SW1, resp.SW2)

		expected, err := s.provider.AESCMAC(s.keys.rmac, toMAC)
		if err != nil {
			return apdu.Response{}, err
		}
		if !s.provider.ConstantTimeCompare(expected[:8], rmac) {
			return apdu.Response{}, &errs.SecureChannelMacFailure{}
		}
	}

	if s.level.has(LevelREncryption) && len(payload) > 0 {
		icvInput := make([]byte, 16)
		icvInput[0] = 0x80
		binary.BigEndian.PutUint32(icvInput[12:], s.encCounter-1)
		icv, err := s.provider.AESECBEncryptBlock(s.keys.enc, icvInput)
		if err != nil {
			return apdu.Response{}, err
		}
		dec, err := s.provider.AESCBCDecrypt(s.keys.enc, icv, payload)
		if err != nil {
			return apdu.Response{}, err
		}
		stripped, err := unpad80(dec)
		if err != nil {
			return apdu.Response{}, err
		}
		payload = stripped
	}

	return apdu.Response{Data: payload, SW1: resp.SW1, SW2: resp.SW2}, nil
}

// pad80 appends 0x80 then zero bytes up to the next multiple of blockSize
// (ISO/IEC 7816-4 padding, spec §4.9 step 1).
func pad80(data []byte, blockSize int) []byte {
	padded := append(append([]byte(nil), data...), 0x80)
	for len(padded)%blockSize != 0 {
		padded = append(padded, 0x00)
	}
	return padded
}

// unpad80 strips ISO/IEC 7816-4 padding (trailing 0x80 then zeros).
func unpad80(data []byte) ([]byte, error) {
	for i := len(data) - 1; i >= 0; i-- {
		switch data[i] {
		case 0x00:
			continue
		case 0x80:
			return data[:i], nil
		default:
			return nil, &errs.BadResponse{Reason: "scp: malformed ISO-7816-4 padding"}
		}
	}
	return nil, &errs.BadResponse{Reason: "scp: missing ISO-7816-4 padding"}
}
