package devices

import "github.com/google/gousb"

// InterfaceKind is the USB personality an Android device currently exposes.
type InterfaceKind string

const (
	Fastboot InterfaceKind = "fastboot"
	Adb      InterfaceKind = "adb"
)

func (k InterfaceKind) String() string {
	switch k {
	case Fastboot:
		return "fastboot"
	case Adb:
		return "adb"
	}
	return "UNKNOWN"
}

// Description identifies the vendor-specific interface a kind lives on.
type Description struct {
	Class    gousb.Class
	SubClass gousb.Class
	Protocol gousb.Protocol
	Kind     InterfaceKind
}

// Matches returns whether the given interface triple belongs to d.
func (d Description) Matches(class, subClass gousb.Class, protocol gousb.Protocol) bool {
	return d.Class == class && d.SubClass == subClass && d.Protocol == protocol
}

// Descriptions lists the interfaces abootool knows how to talk to. Android
// devices expose both on the same vendor class/subclass, distinguished by
// protocol.
var Descriptions = []Description{
	{
		Class:    gousb.ClassVendorSpec,
		SubClass: 0x42,
		Protocol: 0x03,
		Kind:     Fastboot,
	},
	{
		Class:    gousb.ClassVendorSpec,
		SubClass: 0x42,
		Protocol: 0x01,
		Kind:     Adb,
	},
}

func (k InterfaceKind) Description() Description {
	for _, d := range Descriptions {
		if d.Kind == k {
			return d
		}
	}
	panic("unreachable")
}
