// Package apdu implements ISO-7816 command/response APDU framing: short and
// extended form encoding, status word classification, and GET RESPONSE
// chaining. It is the wire codec the rest of the SDK transmits through.
package apdu

import (
	"fmt"

	"tokencore/errs"
)

// Well-known status words (SW1<<8 | SW2).
const (
	SWSuccess                 = 0x9000
	SWFileNotFound             = 0x6A82
	SWRecordNotFound           = 0x6A83
	SWWrongLength              = 0x6700
	SWSecurityNotSatisfied     = 0x6982
	SWAuthMethodBlocked        = 0x6983
	SWConditionsNotSatisfied   = 0x6985
	SWWrongP1P2                = 0x6A86
	SWInsNotSupported          = 0x6D00
	SWClaNotSupported          = 0x6E00
	SWIncorrectParameters      = 0x6A86
)

// insGetResponse is the ISO-7816-4 GET RESPONSE instruction byte.
const insGetResponse = 0xC0

// maxChainedResponse bounds the total size a GET RESPONSE chain may
// accumulate before the caller-visible error is Chaining (spec §4.2/§8).
const maxChainedResponse = 32 * 1024

// Command is an ISO-7816 command APDU.
//
// Data must not exceed 65535 bytes; Ne (expected response length) ranges
// 0..65536 where 0 means "no data expected" and 65536 means "as much as the
// card will give, extended form".
type Command struct {
	CLA, INS, P1, P2 byte
	Data             []byte
	Ne               int
}

// Encode serialises the command, choosing short form when the data and
// expected-response length both fit, and extended form otherwise (spec §2).
func (c Command) Encode() ([]byte, error) {
	if len(c.Data) > 65535 {
		return nil, &errs.InvalidArgument{Detail: fmt.Sprintf("command data too long: %d bytes", len(c.Data))}
	}
	if c.Ne < 0 || c.Ne > 65536 {
		return nil, &errs.InvalidArgument{Detail: fmt.Sprintf("invalid Ne: %d", c.Ne)}
	}

	short := len(c.Data) <= 255 && c.Ne <= 256

	out := make([]byte, 0, 4+3+len(c.Data)+3)
	out = append(out, c.CLA, c.INS, c.P1, c.P2)

	if short {
		if len(c.Data) > 0 {
			out = append(out, byte(len(c.Data)))
			out = append(out, c.Data...)
		}
		if c.Ne > 0 {
			if c.Ne == 256 {
				out = append(out, 0x00)
			} else {
				out = append(out, byte(c.Ne))
			}
		}
		return out, nil
	}

	// Extended form: 0x00 hi lo Lc-prefix when data present; 2-byte Le.
	if len(c.Data) > 0 {
		out = append(out, 0x00, byte(len(c.Data)>>8), byte(len(c.Data)))
		out = append(out, c.Data...)
	}
	if c.Ne > 0 {
		if len(c.Data) == 0 {
			out = append(out, 0x00)
		}
		if c.Ne == 65536 {
			out = append(out, 0x00, 0x00)
		} else {
			out = append(out, byte(c.Ne>>8), byte(c.Ne))
		}
	}
	return out, nil
}

// Response is an ISO-7816 response APDU: payload plus the two status-word
// bytes.
type Response struct {
	Data []byte
	SW1  byte
	SW2  byte
}

// SW returns the status word as a single 16-bit value.
func (r Response) SW() uint16 { return uint16(r.SW1)<<8 | uint16(r.SW2) }

// IsSuccess reports whether the status word is 0x9000.
func (r Response) IsSuccess() bool { return r.SW() == SWSuccess }

// HasMoreData reports SW1 == 0x61 ("more data via GET RESPONSE").
func (r Response) HasMoreData() bool { return r.SW1 == 0x61 }

// NeedsRetry reports SW1 == 0x6C ("retry with corrected Le").
func (r Response) NeedsRetry() bool { return r.SW1 == 0x6C }

// Decode parses a raw response buffer into a Response. The last two bytes
// are always the status word; fewer than two bytes is malformed.
func Decode(raw []byte) (Response, error) {
	if len(raw) < 2 {
		return Response{}, &errs.BadResponse{Reason: fmt.Sprintf("response too short: %d bytes", len(raw))}
	}
	return Response{
		Data: raw[:len(raw)-2],
		SW1:  raw[len(raw)-2],
		SW2:  raw[len(raw)-1],
	}, nil
}

// Transmitter is the minimal seam the codec and its callers transmit
// through — satisfied by *pcsc.Card (and the raw-byte adapter inside
// *pcsc.Connection) in production and by a fake in tests (spec §8 "ADD").
type Transmitter interface {
	Transmit(apdu []byte) ([]byte, error)
}

// Send encodes cmd, transmits it, and decodes the raw response.
func Send(t Transmitter, cmd Command) (Response, error) {
	raw, err := cmd.Encode()
	if err != nil {
		return Response{}, err
	}
	respRaw, err := t.Transmit(raw)
	if err != nil {
		return Response{}, err
	}
	return Decode(respRaw)
}

// DriveChaining issues cmd and follows the GET RESPONSE / retry-with-Le
// protocol described in spec §4.2 until a terminal status word is reached,
// accumulating response data under a 32 KiB cap.
func DriveChaining(t Transmitter, cmd Command) (Response, error) {
	resp, err := Send(t, cmd)
	if err != nil {
		return Response{}, err
	}

	if resp.NeedsRetry() {
		retry := cmd
		retry.Ne = int(resp.SW2)
		if retry.Ne == 0 {
			retry.Ne = 256
		}
		resp, err = Send(t, retry)
		if err != nil {
			return Response{}, err
		}
	}

	acc := append([]byte(nil), resp.Data...)
	for resp.HasMoreData() {
		le := int(resp.SW2)
		if le == 0 {
			le = 256
		}
		grResp, err := Send(t, Command{CLA: 0x00, INS: insGetResponse, Ne: le})
		if err != nil {
			return Response{}, err
		}
		if len(acc)+len(grResp.Data) > maxChainedResponse {
			return Response{}, &errs.Chaining{Limit: maxChainedResponse}
		}
		acc = append(acc, grResp.Data...)
		resp = grResp
	}

	return Response{Data: acc, SW1: resp.SW1, SW2: resp.SW2}, nil
}

// StatusError converts a non-success response into the canonical
// errs.Protocol error, or nil if the response indicates success.
func StatusError(resp Response) error {
	if resp.IsSuccess() {
		return nil
	}
	return &errs.Protocol{SW: resp.SW()}
}

// DescribeSW renders a status word as a short human-readable string, used
// by higher layers for diagnostics (not for control flow).
func DescribeSW(sw uint16) string {
	switch sw {
	case SWSuccess:
		return "success"
	case SWFileNotFound:
		return "file not found"
	case SWRecordNotFound:
		return "record not found"
	case SWWrongLength:
		return "wrong length"
	case SWSecurityNotSatisfied:
		return "security status not satisfied"
	case SWAuthMethodBlocked:
		return "authentication method blocked"
	case SWConditionsNotSatisfied:
		return "conditions of use not satisfied"
	case SWWrongP1P2:
		return "incorrect P1/P2"
	case SWInsNotSupported:
		return "instruction not supported"
	case SWClaNotSupported:
		return "class not supported"
	default:
		sw1 := byte(sw >> 8)
		sw2 := byte(sw)
		if sw1 == 0x63 && sw2&0xF0 == 0xC0 {
			return fmt.Sprintf("verification failed, %d retries left", sw2&0x0F)
		}
		return fmt.Sprintf("unknown status %04X", sw)
	}
}
