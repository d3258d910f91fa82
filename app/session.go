// Package app implements the application session base (spec §4.5, C5):
// select-application/read-version, feature gating, and ownership of an
// optional secure-channel wrapper layered over a connection's transmit
// path.
package app

import (
	"fmt"
	"strconv"
	"strings"

	"tokencore/apdu"
	"tokencore/errs"
)

const (
	insSelect = 0xA4
	selectP1  = 0x04
	selectP2  = 0x00
)

// Connection is the surface a Session needs from its underlying
// transport. *pcsc.Connection satisfies it; tests substitute a fake so
// session/version/feature-gate logic runs without hardware (SPEC_FULL.md
// §8 "fake Transmitter").
type Connection interface {
	Transmit(cmd apdu.Command) (apdu.Response, error)
}

// Version is a (major, minor, patch) firmware triple, total-ordered
// lexicographically (spec.md §3 "Firmware version").
type Version struct {
	Major, Minor, Patch byte
}

// Less reports whether v sorts before o.
func (v Version) Less(o Version) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}
	if v.Minor != o.Minor {
		return v.Minor < o.Minor
	}
	return v.Patch < o.Patch
}

// AtLeast reports whether v is greater than or equal to o.
func (v Version) AtLeast(o Version) bool {
	return !v.Less(o)
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// ParseVersion parses the trailing whitespace-delimited token of s as an
// "a.b.c" version triple (spec §4.5 "version parsing").
func ParseVersion(s string) (Version, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return Version{}, &errs.BadResponse{Reason: "app: select response has no version token"}
	}
	token := fields[len(fields)-1]
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Version{}, &errs.BadResponse{Reason: fmt.Sprintf("app: malformed version token %q", token)}
	}
	var v Version
	nums := make([]byte, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 {
			return Version{}, &errs.BadResponse{Reason: fmt.Sprintf("app: malformed version component %q", p)}
		}
		nums[i] = byte(n)
	}
	v.Major, v.Minor, v.Patch = nums[0], nums[1], nums[2]
	return v, nil
}

// Session is the base every application-specific session (Management,
// PIV, OATH, ...) builds on.
type Session struct {
	conn    Connection
	aid     []byte
	version Version
}

// New wraps conn without selecting an application yet.
func New(conn Connection) *Session {
	return &Session{conn: conn}
}

// Select sends SELECT for aid and parses the returned version string. Any
// status other than 0x9000 is fatal to the session (spec §4.5).
func (s *Session) Select(aid []byte) (Version, error) {
	resp, err := s.conn.Transmit(apdu.Command{
		CLA: 0x00,
		INS: insSelect,
		P1:  selectP1,
		P2:  selectP2,
		Data: aid,
	})
	if err != nil {
		return Version{}, err
	}
	if resp.SW() != apdu.SWSuccess {
		return Version{}, &errs.Protocol{SW: resp.SW()}
	}

	version, err := ParseVersion(string(resp.Data))
	if err != nil {
		return Version{}, err
	}

	s.aid = append([]byte(nil), aid...)
	s.version = version
	return version, nil
}

// Version returns the version parsed by the last successful Select.
func (s *Session) Version() Version {
	return s.version
}

// AID returns the application identifier selected by the last successful
// Select.
func (s *Session) AID() []byte {
	return s.aid
}

// EnsureSupports fails with FeatureUnsupported if the session's version is
// below minimum (spec §4.5 "ensure_supports(feature)").
func (s *Session) EnsureSupports(feature string, minimum Version) error {
	if s.version.AtLeast(minimum) {
		return nil
	}
	return &errs.FeatureUnsupported{Feature: feature, Firmware: s.version.String()}
}

// Transmit is a convenience wrapper for application-specific commands: it
// builds a Command, sends it, and returns the response data, surfacing any
// non-success status as *errs.Protocol.
func (s *Session) Transmit(cla, ins, p1, p2 byte, data []byte, ne int) ([]byte, error) {
	resp, err := s.conn.Transmit(apdu.Command{CLA: cla, INS: ins, P1: p1, P2: p2, Data: data, Ne: ne})
	if err != nil {
		return nil, err
	}
	if resp.SW() != apdu.SWSuccess {
		return nil, &errs.Protocol{SW: resp.SW()}
	}
	return resp.Data, nil
}
