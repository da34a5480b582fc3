package driver

import "fmt"

// Open creates the dispatcher named by kind and starts it. bitrate is in kbit/s.
// device is
//   - socketcan: an interface name (can0)
//   - slcan: a serial port (/dev/ttyACM0, COM3)
//   - pcan: a channel, 0 based or PCAN style "usb1"
//   - vector: "[hwType:]channel", hwType defaults to VN1640
func Open(kind Kind, device string, bitrate uint32) (*Adapter, error) {
	var dev CANDriver
	switch kind {
	case KindSocketCAN:
		dev = NewSocketCAN(device)
	case KindSLCAN:
		dev = NewSLCAN(device, bitrate)
	case KindPCAN:
		ch, err := parsePCANChannel(device)
		if err != nil {
			return nil, err
		}
		baud, err := pcanBaudCode(bitrate)
		if err != nil {
			return nil, err
		}
		dev = NewPCAN(ch, baud)
	case KindVector:
		hwType, ch, err := parseVectorDevice(device)
		if err != nil {
			return nil, err
		}
		if bitrate == 0 {
			return nil, fmt.Errorf("vector: bitrate not set")
		}
		dev = NewVector(hwType, ch, bitrate*1000)
	default:
		return nil, fmt.Errorf("unknown CAN driver %q (want %s, %s, %s or %s)", kind, KindSocketCAN, KindSLCAN, KindPCAN, KindVector)
	}
	return NewAdapter(dev)
}
