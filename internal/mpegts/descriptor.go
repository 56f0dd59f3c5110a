package mpegts

const (
	// DescriptorStreamIdentifier carries a one-byte component_tag (ARIB STD-B10).
	DescriptorStreamIdentifier = 0x52
	// DescriptorMetadata announces timed metadata such as ID3 on an ES.
	DescriptorMetadata = 0x26
)

// Descriptor is one tag-length-value entry from a descriptor loop.
type Descriptor struct {
	Tag  uint8
	Data []byte
}

// ParseDescriptors splits a descriptor loop. A truncated trailing entry is
// dropped. Data slices alias loop.
func ParseDescriptors(loop []byte) []Descriptor {
	var ds []Descriptor
	for i := 0; i+2 <= len(loop); {
		n := int(loop[i+1])
		if i+2+n > len(loop) {
			break
		}
		ds = append(ds, Descriptor{Tag: loop[i], Data: loop[i+2 : i+2+n]})
		i += 2 + n
	}
	return ds
}

// FindDescriptor returns the body of the first descriptor with tag.
func FindDescriptor(loop []byte, tag uint8) ([]byte, bool) {
	for _, d := range ParseDescriptors(loop) {
		if d.Tag == tag {
			return d.Data, true
		}
	}
	return nil, false
}

// ComponentTag returns the component_tag of an elementary stream's
// stream_identifier_descriptor, if it carries one.
func (es *PMTElementaryStream) ComponentTag() (uint8, bool) {
	d, ok := FindDescriptor(es.Descriptors, DescriptorStreamIdentifier)
	if !ok || len(d) < 1 {
		return 0, false
	}
	return d[0], true
}
