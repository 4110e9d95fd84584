package radius

import (
	"testing"

	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
)

func TestDecodeVSARoundTrip(t *testing.T) {
	t.Parallel()

	raw := encodeVSAForTest(43242, 1, []byte{0x00, 0x01, 0x86, 0xa0})
	vendorID, subType, value, ok := decodeVSA(raw)
	if !ok {
		t.Fatal("decodeVSA returned ok=false")
	}
	if vendorID != 43242 || subType != 1 {
		t.Errorf("got vendor=%d subType=%d, want 43242/1", vendorID, subType)
	}
	if len(value) != 4 {
		t.Errorf("value length = %d, want 4", len(value))
	}
}

func TestDecodeVSATooShort(t *testing.T) {
	t.Parallel()

	if _, _, _, ok := decodeVSA([]byte{1, 2, 3}); ok {
		t.Error("expected ok=false for a truncated VSA")
	}
}

func TestDecodeQoSValueBinary(t *testing.T) {
	t.Parallel()

	n, ok := decodeQoSValue([]byte{0x00, 0x01, 0x86, 0xa0})
	if !ok || n != 100000 {
		t.Errorf("decodeQoSValue binary = (%d, %v), want (100000, true)", n, ok)
	}
}

func TestDecodeQoSValueText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want uint32
	}{
		{"decimal", "100000", 100000},
		{"hex", "0x186a0", 100000},
		{"hex uppercase prefix", "0X186A0", 100000},
		{"quoted", `"30000"`, 30000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, ok := decodeQoSValue([]byte(tt.in))
			if !ok || n != tt.want {
				t.Errorf("decodeQoSValue(%q) = (%d, %v), want (%d, true)", tt.in, n, ok, tt.want)
			}
		})
	}
}

func TestDecodeQoSValueEmpty(t *testing.T) {
	t.Parallel()

	if _, ok := decodeQoSValue([]byte{}); ok {
		t.Error("expected ok=false for an empty value")
	}
}

func TestParseQoSFromVSAAttributes(t *testing.T) {
	t.Parallel()

	pkt := radius.New(radius.CodeAccessAccept, []byte("secret"))
	for _, raw := range [][]byte{
		encodeVSAForTest(43242, qosSubDownloadSpeed, []byte{0x00, 0x01, 0x86, 0xa0}),
		encodeVSAForTest(43242, qosSubUploadSpeed, []byte{0x00, 0x00, 0x75, 0x30}),
		encodeVSAForTest(43242, qosSubDownloadBurst, []byte("500")),
		encodeVSAForTest(43242, qosSubUploadBurst, []byte("0x96")),
		encodeVSAForTest(9999, 1, []byte{0, 0, 0, 1}), // different vendor, ignored
	} {
		pkt.Add(rfc2865.VendorSpecific_Type, radius.Attribute(raw))
	}

	qos := parseQoS(pkt)
	if qos.DownloadKbit != 100000 {
		t.Errorf("DownloadKbit = %d, want 100000", qos.DownloadKbit)
	}
	if qos.UploadKbit != 30000 {
		t.Errorf("UploadKbit = %d, want 30000", qos.UploadKbit)
	}
	if qos.DownloadBurstKbit != 500 {
		t.Errorf("DownloadBurstKbit = %d, want 500", qos.DownloadBurstKbit)
	}
	if qos.UploadBurstKbit != 150 {
		t.Errorf("UploadBurstKbit = %d, want 150 (0x96)", qos.UploadBurstKbit)
	}
}

func TestTerminateCauseValue(t *testing.T) {
	t.Parallel()

	if terminateCauseValue("NAK-Threshold") != terminateCauseValue("Admin-Reset") {
		t.Error("NAK-Threshold should map to Admin-Reset")
	}
	// unrecognized causes fall back to User-Request rather than erroring.
	_ = terminateCauseValue("some-unmapped-reason")
}

func TestSplitGigawords(t *testing.T) {
	t.Parallel()

	gw, oct := splitGigawords(0x1_0000_0005)
	if gw != 1 || oct != 5 {
		t.Errorf("splitGigawords = (%d, %d), want (1, 5)", gw, oct)
	}

	gw, oct = splitGigawords(12345)
	if gw != 0 || oct != 12345 {
		t.Errorf("splitGigawords = (%d, %d), want (0, 12345)", gw, oct)
	}
}

// encodeVSAForTest builds a raw Vendor-Specific attribute value
// (vendor-id + one vendor sub-attribute) the same way a RADIUS server
// would encode it on the wire.
func encodeVSAForTest(vendorID uint32, subType byte, value []byte) []byte {
	out := make([]byte, 0, 6+len(value))
	out = append(out,
		byte(vendorID>>24), byte(vendorID>>16), byte(vendorID>>8), byte(vendorID),
		subType, byte(2+len(value)),
	)
	out = append(out, value...)
	return out
}
