package pcsc

import "fmt"

// ATR is a decoded Answer-To-Reset, returned by Connection.ATR for
// diagnostics. Listener events carry the raw ATR bytes, not this type.
type ATR struct {
	Raw       []byte
	Protocols []int
}

// DecodeATR parses the interface-byte chain of a raw ATR far enough to
// recover the list of protocols (T=0, T=1, ...) it advertises. Historical
// bytes and timing parameters are not modeled. The protocol list is only
// reported; Connect uses the protocol its caller passes in.
func DecodeATR(raw []byte) (ATR, error) {
	if len(raw) < 2 {
		return ATR{}, fmt.Errorf("atr: too short: %d bytes", len(raw))
	}
	info := ATR{Raw: raw}

	t0 := raw[1]
	hbLen := int(t0 & 0x0F)
	ptr := 2
	td := t0

	for ptr < len(raw) {
		if td&0x10 != 0 { // TAi present
			ptr++
		}
		if td&0x20 != 0 { // TBi present
			ptr++
		}
		if td&0x40 != 0 { // TCi present
			ptr++
		}
		if td&0x80 != 0 { // TDi present
			if ptr >= len(raw) {
				break
			}
			td = raw[ptr]
			info.Protocols = append(info.Protocols, int(td&0x0F))
			ptr++
		} else {
			break
		}
	}
	_ = hbLen // historical bytes are not decoded further here.

	if len(info.Protocols) == 0 {
		// No TD1 present means T=0 is implied (ISO/IEC 7816-3 §8.2.3).
		info.Protocols = []int{0}
	}
	return info, nil
}
