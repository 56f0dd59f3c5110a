package id3conv

// PrivOwner identifies caption payloads in the PRIV frames this package
// writes. Players that render ARIB captions from timed metadata match on it.
const PrivOwner = "aribb24.js"

// metadataDescriptor announces ID3 timed metadata carried in PES:
// application and format identifiers both "ID3 ", service 0, no decoder
// config.
var metadataDescriptor = []byte{
	0x26, 0x0D,
	0xFF, 0xFF, 'I', 'D', '3', ' ',
	0xFF, 'I', 'D', '3', ' ',
	0x00,
	0x0F,
}

// privTag builds an ID3v2.4 tag holding one PRIV frame.
func privTag(owner string, data []byte) []byte {
	body := len(owner) + 1 + len(data)
	frame := 10 + body

	tag := make([]byte, 0, 10+frame)
	tag = append(tag, 'I', 'D', '3', 0x04, 0x00, 0x00)
	tag = appendSyncsafe(tag, uint32(frame))
	tag = append(tag, 'P', 'R', 'I', 'V')
	tag = appendSyncsafe(tag, uint32(body))
	tag = append(tag, 0x00, 0x00)
	tag = append(tag, owner...)
	tag = append(tag, 0x00)
	return append(tag, data...)
}

// appendSyncsafe appends n as a 28-bit syncsafe integer: four bytes of seven
// bits each, most significant first.
func appendSyncsafe(b []byte, n uint32) []byte {
	return append(b,
		byte(n>>21)&0x7F,
		byte(n>>14)&0x7F,
		byte(n>>7)&0x7F,
		byte(n)&0x7F,
	)
}
