package ssbtransport

import (
	"fmt"
	"strings"

	"pkt.systems/ssbtransport/faults"
	"pkt.systems/ssbtransport/internal/broker"
)

// Scheme is the address scheme of the transport.
const Scheme = "net.ssb"

// Wildcard stands for any service in an Address.
const Wildcard = "*"

// Address names the two services of a conversation:
// net.ssb:source=<initiator>:target=<service>.
type Address struct {
	// Source is the initiating (client) service.
	Source string
	// Target is the service messages are sent to.
	Target string
}

// ParseAddress parses a net.ssb address. The scheme is case-insensitive.
func ParseAddress(raw string) (Address, error) {
	const op = "address.parse"
	scheme, rest, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok || !strings.EqualFold(scheme, Scheme) {
		return Address{}, faults.New(faults.KindConfig, op, fmt.Sprintf("invalid address scheme in %q, must be %s", raw, Scheme))
	}
	segments := strings.FieldsFunc(rest, func(r rune) bool { return r == '=' || r == ':' })
	if len(segments) != 4 || !strings.EqualFold(segments[0], "source") || !strings.EqualFold(segments[2], "target") {
		return Address{}, faults.New(faults.KindConfig, op, fmt.Sprintf("invalid address %q, must be %s:source=...:target=...", raw, Scheme))
	}
	addr := Address{Source: segments[1], Target: segments[3]}
	for kind, name := range map[string]string{"source service": addr.Source, "target service": addr.Target} {
		if name == Wildcard {
			continue
		}
		if err := broker.ValidateIdentifier(kind, name); err != nil {
			return Address{}, faults.Wrap(faults.KindConfig, op, "", err)
		}
	}
	return addr, nil
}

// String renders the address in net.ssb form.
func (a Address) String() string {
	return fmt.Sprintf("%s:source=%s:target=%s", Scheme, orWildcard(a.Source), orWildcard(a.Target))
}

// Reverse swaps source and target, giving the address a reply travels on.
func (a Address) Reverse() Address {
	return Address{Source: a.Target, Target: a.Source}
}

// Concrete reports whether neither side is a wildcard.
func (a Address) Concrete() bool {
	return a.Source != "" && a.Source != Wildcard && a.Target != "" && a.Target != Wildcard
}

func orWildcard(name string) string {
	if name == "" {
		return Wildcard
	}
	return name
}
