// Package management implements the Management application session (spec
// §4.6, C6): paged device-info readback, device-configuration write with a
// lock-code interlock, and factory reset, all gated by firmware version.
package management

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	"tokencore/app"
	"tokencore/errs"
	"tokencore/tlv"
)

// AID is the Management application identifier.
var AID = []byte{0xa0, 0x00, 0x00, 0x05, 0x27, 0x47, 0x11, 0x17}

const (
	insGetDeviceInfo = 0x1D
	insSetDeviceConfig = 0x1C
	insDeviceReset     = 0x1F

	tagMorePages uint32 = 0x10

	// Write-path tags (spec §4.6). 0x0B and 0x0C appear only on the
	// write path; 0x0A is shared with the read side, where
	// decodeDeviceInfo reads it as "config locked", while on the write
	// path it carries the new lock code.
	tagConfigLock uint32 = 0x0A
	tagUnlock     uint32 = 0x0B
	tagReboot     uint32 = 0x0C
)

// Transport identifies a physical interface (USB or NFC). HasCapability
// takes one to pick which enabled-capability bitmap it checks
// (SPEC_FULL.md §3 "Transport-in-use").
type Transport int

const (
	TransportUSB Transport = iota
	TransportNFC
)

// Capability is a single bit in a USB/NFC capability bitmap.
type Capability uint16

const (
	CapabilityOTP      Capability = 0x0001
	CapabilityU2F      Capability = 0x0002
	CapabilityOpenPGP  Capability = 0x0008
	CapabilityPIV      Capability = 0x0010
	CapabilityOATH     Capability = 0x0020
	CapabilityHSMAuth  Capability = 0x0100
	CapabilityFIDO2    Capability = 0x0200
)

// FormFactor enumerates the token's physical shape, decoded from the low
// nibble of tag 0x04.
type FormFactor byte

// VersionQualifierType distinguishes pre-release channels from final
// releases (spec.md §3 "Firmware version").
type VersionQualifierType byte

const (
	QualifierFinal VersionQualifierType = iota
	QualifierAlpha
	QualifierBeta
)

// VersionQualifier attaches a pre-release channel, the qualifier's own
// version triple, and an iteration counter to the base firmware version
// (spec.md §3, §6 tag 0x19).
type VersionQualifier struct {
	Version   Version
	Type      VersionQualifierType
	Iteration uint32
}

// Version is the firmware triple, reusing the parsing/ordering rules C5
// already implements for every application session.
type Version = app.Version

// DeviceInfo is the decoded device-info aggregate (spec.md §3 "Device
// info"; SPEC_FULL.md §3 supplemental fields).
type DeviceInfo struct {
	Serial *uint32

	FormFactor FormFactor
	IsFIPSSeries bool
	IsSkySeries  bool

	Firmware Version
	VersionQualifier *VersionQualifier

	USBSupported Capability
	USBEnabled   Capability
	NFCSupported Capability
	NFCEnabled   Capability

	AutoEjectTimeout        uint16
	ChallengeResponseTimeout byte
	DeviceFlags             byte
	ConfigLocked            bool
	NFCRestricted           bool

	PartNumber string

	FIPSCapable  uint16
	FIPSApproved uint16
	PINComplexity bool

	ResetBlocked Capability

	FPSVersion *Version
	STMVersion *Version

	// Transport is a slot for the interface this aggregate was read over.
	// GetDeviceInfo does not set it (it stays TransportUSB), and neither
	// HasCapability nor Supports reads it: HasCapability takes the
	// transport as an argument.
	Transport Transport
}

// HasCapability reports whether cap is enabled on the given transport.
func (d *DeviceInfo) HasCapability(t Transport, cap Capability) bool {
	var enabled Capability
	if t == TransportNFC {
		enabled = d.NFCEnabled
	} else {
		enabled = d.USBEnabled
	}
	return enabled&cap != 0
}

// Supports reports whether the device's firmware is at or above minimum.
func (d *DeviceInfo) Supports(minimum Version) bool {
	return d.effectiveVersion().AtLeast(minimum)
}

// effectiveVersion returns the qualifier's own triple for feature gating
// when the firmware is a non-final build (spec.md §3 "Firmware version").
func (d *DeviceInfo) effectiveVersion() Version {
	if d.VersionQualifier != nil && d.VersionQualifier.Type != QualifierFinal {
		return d.VersionQualifier.Version
	}
	return d.Firmware
}

var (
	minConfigVersion = Version{5, 0, 0}
	minResetVersion  = Version{5, 6, 0}
)

// Session is a Management application session built on top of an
// app.Session (spec §4.6).
type Session struct {
	base *app.Session
}

// Open selects the Management application on base and returns a Session.
func Open(base *app.Session) (*Session, error) {
	if _, err := base.Select(AID); err != nil {
		return nil, err
	}
	return &Session{base: base}, nil
}

// GetDeviceInfo reads the paged device-info TLV stream and decodes it into
// a DeviceInfo aggregate (spec §4.6).
func (s *Session) GetDeviceInfo() (*DeviceInfo, error) {
	var all []byte
	for page := 0; ; page++ {
		resp, err := s.base.Transmit(0x00, insGetDeviceInfo, byte(page), 0x00, nil, 256)
		if err != nil {
			return nil, err
		}
		if len(resp) == 0 {
			return nil, &errs.BadResponse{Reason: "management: empty GET DEVICE INFO response"}
		}
		length := int(resp[0])
		if 1+length > len(resp) {
			return nil, &errs.BadResponse{Reason: "management: device-info page length exceeds payload"}
		}
		body := resp[1 : 1+length]

		records, err := tlv.Decode(body)
		if err != nil {
			return nil, err
		}

		more := false
		for _, r := range records {
			if r.Tag == tagMorePages {
				more = len(r.Value) == 1 && r.Value[0] == 0x01
				continue
			}
			all = append(all, tlv.Encode([]tlv.Record{r})...)
		}

		if !more {
			break
		}
	}

	return decodeDeviceInfo(all)
}

func decodeDeviceInfo(raw []byte) (*DeviceInfo, error) {
	dict, err := tlv.DecodeDictionary(raw)
	if err != nil {
		return nil, err
	}

	info := &DeviceInfo{}

	if v, ok := dict.Get(0x02); ok {
		if len(v) != 4 {
			return nil, &errs.BadResponse{Reason: "management: serial tag wrong length"}
		}
		serial := binary.BigEndian.Uint32(v)
		info.Serial = &serial
	}
	if v, ok := dict.Get(0x01); ok {
		if len(v) != 2 {
			return nil, &errs.BadResponse{Reason: "management: usb-supported tag wrong length"}
		}
		info.USBSupported = Capability(binary.BigEndian.Uint16(v))
	}
	if v, ok := dict.Get(0x03); ok {
		if len(v) != 2 {
			return nil, &errs.BadResponse{Reason: "management: usb-enabled tag wrong length"}
		}
		info.USBEnabled = Capability(binary.BigEndian.Uint16(v))
	}
	if v, ok := dict.Get(0x0D); ok {
		if len(v) != 2 {
			return nil, &errs.BadResponse{Reason: "management: nfc-supported tag wrong length"}
		}
		info.NFCSupported = Capability(binary.BigEndian.Uint16(v))
	}
	if v, ok := dict.Get(0x0E); ok {
		if len(v) != 2 {
			return nil, &errs.BadResponse{Reason: "management: nfc-enabled tag wrong length"}
		}
		info.NFCEnabled = Capability(binary.BigEndian.Uint16(v))
	}
	if v, ok := dict.Get(0x04); ok {
		if len(v) != 1 {
			return nil, &errs.BadResponse{Reason: "management: form-factor tag wrong length"}
		}
		info.FormFactor = FormFactor(v[0] & 0x0F)
		info.IsFIPSSeries = v[0]&0x80 != 0
		info.IsSkySeries = v[0]&0x40 != 0
	}
	if v, ok := dict.Get(0x05); ok {
		if len(v) != 3 {
			return nil, &errs.BadResponse{Reason: "management: firmware tag wrong length"}
		}
		info.Firmware = Version{v[0], v[1], v[2]}
	}
	if v, ok := dict.Get(0x06); ok {
		if len(v) != 2 {
			return nil, &errs.BadResponse{Reason: "management: auto-eject timeout tag wrong length"}
		}
		info.AutoEjectTimeout = binary.BigEndian.Uint16(v)
	}
	if v, ok := dict.Get(0x07); ok {
		if len(v) != 1 {
			return nil, &errs.BadResponse{Reason: "management: challenge-response timeout tag wrong length"}
		}
		info.ChallengeResponseTimeout = v[0]
	}
	if v, ok := dict.Get(0x08); ok {
		if len(v) != 1 {
			return nil, &errs.BadResponse{Reason: "management: device flags tag wrong length"}
		}
		info.DeviceFlags = v[0]
	}
	if v, ok := dict.Get(0x0A); ok {
		if len(v) != 1 {
			return nil, &errs.BadResponse{Reason: "management: config-locked tag wrong length"}
		}
		info.ConfigLocked = v[0] != 0
	}
	if v, ok := dict.Get(0x13); ok {
		if !utf8.Valid(v) {
			info.PartNumber = string([]rune{utf8.RuneError})
		} else {
			info.PartNumber = string(v)
		}
	}
	if v, ok := dict.Get(0x14); ok {
		if len(v) != 2 {
			return nil, &errs.BadResponse{Reason: "management: fips-capable tag wrong length"}
		}
		info.FIPSCapable = binary.BigEndian.Uint16(v)
	}
	if v, ok := dict.Get(0x15); ok {
		if len(v) != 2 {
			return nil, &errs.BadResponse{Reason: "management: fips-approved tag wrong length"}
		}
		info.FIPSApproved = binary.BigEndian.Uint16(v)
	}
	if v, ok := dict.Get(0x16); ok {
		if len(v) != 1 {
			return nil, &errs.BadResponse{Reason: "management: pin-complexity tag wrong length"}
		}
		info.PINComplexity = v[0] != 0
	}
	if v, ok := dict.Get(0x17); ok {
		if len(v) != 1 {
			return nil, &errs.BadResponse{Reason: "management: nfc-restricted tag wrong length"}
		}
		info.NFCRestricted = v[0] != 0
	}
	if v, ok := dict.Get(0x18); ok {
		if len(v) != 2 {
			return nil, &errs.BadResponse{Reason: "management: reset-blocked tag wrong length"}
		}
		info.ResetBlocked = Capability(binary.BigEndian.Uint16(v))
	}
	if v, ok := dict.Get(0x19); ok {
		q, err := decodeVersionQualifier(v)
		if err != nil {
			return nil, err
		}
		info.VersionQualifier = q
	}
	if v, ok := dict.Get(0x20); ok {
		if len(v) != 3 {
			return nil, &errs.BadResponse{Reason: "management: fps version tag wrong length"}
		}
		ver := Version{v[0], v[1], v[2]}
		info.FPSVersion = &ver
	}
	if v, ok := dict.Get(0x21); ok {
		if len(v) != 3 {
			return nil, &errs.BadResponse{Reason: "management: stm version tag wrong length"}
		}
		ver := Version{v[0], v[1], v[2]}
		info.STMVersion = &ver
	}

	return info, nil
}

func decodeVersionQualifier(raw []byte) (*VersionQualifier, error) {
	dict, err := tlv.DecodeDictionary(raw)
	if err != nil {
		return nil, err
	}
	q := &VersionQualifier{}
	if v, ok := dict.Get(0x01); ok && len(v) == 3 {
		q.Version = Version{v[0], v[1], v[2]}
	}
	if v, ok := dict.Get(0x02); ok && len(v) == 1 {
		q.Type = VersionQualifierType(v[0])
	}
	if v, ok := dict.Get(0x03); ok && len(v) == 4 {
		q.Iteration = binary.BigEndian.Uint32(v)
	}
	return q, nil
}

// DeviceConfig is the writable subset of DeviceInfo (spec.md §3 "Device
// configuration (write)").
type DeviceConfig struct {
	USBEnabled               Capability
	NFCEnabled               Capability
	AutoEjectTimeout         uint16
	ChallengeResponseTimeout byte
	DeviceFlags              byte
	NFCRestricted            bool
	Reboot                   bool
}

const maxConfigPayload = 255

// SetDeviceConfig writes config, optionally requesting a reboot and
// authorising/rotating the lock code. Both lock codes, when present, must
// be exactly 16 bytes (spec §4.6).
func (s *Session) SetDeviceConfig(info *DeviceInfo, config DeviceConfig, currentLockCode, newLockCode []byte) error {
	if !info.Supports(minConfigVersion) {
		return &errs.FeatureUnsupported{Feature: "set_device_config", Firmware: info.Firmware.String()}
	}
	if currentLockCode != nil && len(currentLockCode) != 16 {
		return &errs.InvalidArgument{Detail: "current lock code must be exactly 16 bytes"}
	}
	if newLockCode != nil && len(newLockCode) != 16 {
		return &errs.InvalidArgument{Detail: "new lock code must be exactly 16 bytes"}
	}

	var records []tlv.Record
	records = append(records, tlv.Record{Tag: 0x03, Value: be16(uint16(config.USBEnabled))})
	records = append(records, tlv.Record{Tag: 0x0E, Value: be16(uint16(config.NFCEnabled))})
	records = append(records, tlv.Record{Tag: 0x06, Value: be16(config.AutoEjectTimeout)})
	records = append(records, tlv.Record{Tag: 0x07, Value: []byte{config.ChallengeResponseTimeout}})
	records = append(records, tlv.Record{Tag: 0x08, Value: []byte{config.DeviceFlags}})
	records = append(records, tlv.Record{Tag: 0x17, Value: []byte{boolByte(config.NFCRestricted)}})
	if config.Reboot {
		records = append(records, tlv.Record{Tag: tagReboot, Value: nil})
	}
	if currentLockCode != nil {
		records = append(records, tlv.Record{Tag: tagUnlock, Value: currentLockCode})
	}
	if newLockCode != nil {
		records = append(records, tlv.Record{Tag: tagConfigLock, Value: newLockCode})
	}

	payload := tlv.EncodeSorted(records)
	if len(payload) > maxConfigPayload {
		return &errs.InvalidArgument{Detail: fmt.Sprintf("device config payload %d bytes exceeds %d byte maximum", len(payload), maxConfigPayload)}
	}

	data := append([]byte{byte(len(payload))}, payload...)
	_, err := s.base.Transmit(0x00, insSetDeviceConfig, 0x00, 0x00, data, 0)
	return err
}

// ResetDevice triggers a factory reset. Gated on firmware ≥ 5.6.0 (spec
// §4.6).
func (s *Session) ResetDevice(info *DeviceInfo) error {
	if !info.Supports(minResetVersion) {
		return &errs.FeatureUnsupported{Feature: "reset_device", Firmware: info.Firmware.String()}
	}
	_, err := s.base.Transmit(0x00, insDeviceReset, 0x00, 0x00, nil, 0)
	return err
}

func be16(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

func boolByte(b bool) byte {
	if b {
		return 0x01
	}
	return 0x00
}
