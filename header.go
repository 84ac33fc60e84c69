package ecryptfs

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
)

// Header layout, all integers big-endian:
//
//	Octets 0-7:   Plaintext file size
//	Octets 8-15:  Marker (4 random octets, then those octets XOR MagicMarker)
//	Octet  16:    Format version
//	Octets 17-18: Reserved
//	Octet  19:    Flags (0x01 reserved, 0x02 encrypted, 0x04 metadata in xattr)
//	Octets 20-23: Header extent size
//	Octets 24-25: Number of header extents at the front of the file
//	Octet  26:    Authentication token packet set
const (
	// MagicMarker is XORed into the second half of the marker
	MagicMarker = uint32(0x3c81b7f5)

	// HeaderVersion is the current header format version
	HeaderVersion = uint8(4)

	// MinHeaderSize is the fixed part of the header, before the packet set
	MinHeaderSize = 26

	// MinMetadataSize is the smallest inline header region
	MinMetadataSize = 8192

	// XattrName is the extended attribute holding the header in xattr mode
	XattrName = "user.ecryptfs"

	headerSizeOffset     = 0
	headerMarkerOffset   = 8
	headerFlagsOffset    = 16
	headerMetadataOffset = 20
	headerPacketOffset   = 26

	headerFlagReserved        = 0x01
	headerFlagEncrypted       = 0x02
	headerFlagMetadataInXattr = 0x04
)

// Packet tags of the authentication token packet set
const (
	PacketTagEnd           = uint8(0x00)
	PacketTagKeyDerivation = uint8(0x01)
)

// RenderMode selects how the runtime flags are serialized into a header
type RenderMode uint8

const (
	// RenderLive serializes the flags as they are
	RenderLive RenderMode = iota
	// RenderInline serializes the flags as if the header were stored in
	// the front of the lower file, whatever the live storage mode is
	RenderInline
)

// Packet is one entry of the authentication token packet set
type Packet struct {
	Tag  uint8
	Body []byte
}

// FileHeader is the parsed on-disk header
type FileHeader struct {
	FileSize      uint64
	Marker        [8]byte
	Version       uint8
	Flags         uint8 // on-disk flag octet
	ExtentSize    uint32
	HeaderExtents uint16
	Packets       []Packet
}

// NewFileHeader creates a header for a file described by params
func NewFileHeader(size uint64, params CryptParams, packets ...Packet) (*FileHeader, error) {
	h := &FileHeader{
		FileSize:      size,
		Version:       HeaderVersion,
		Flags:         encodeHeaderFlags(params, RenderLive),
		ExtentSize:    uint32(params.ExtentSize),
		HeaderExtents: uint16(params.HeaderExtents()),
		Packets:       packets,
	}
	if err := generateMarker(h.Marker[:]); err != nil {
		return nil, err
	}
	return h, nil
}

// Size returns the serialized size of the header in bytes
func (h *FileHeader) Size() int {
	size := MinHeaderSize
	for _, p := range h.Packets {
		size += 3 + len(p.Body)
	}
	return size
}

// Params returns the crypt parameters described by the header
func (h *FileHeader) Params() CryptParams {
	p := CryptParams{
		ExtentSize:   int(h.ExtentSize),
		MetadataSize: int(h.ExtentSize) * int(h.HeaderExtents),
	}
	if h.Flags&headerFlagEncrypted != 0 {
		p.Flags |= FlagEncrypted
	}
	if h.Flags&headerFlagMetadataInXattr != 0 {
		p.Flags |= FlagMetadataInXattr
	}
	return p
}

// Packet returns the body of the first packet with the given tag
func (h *FileHeader) Packet(tag uint8) ([]byte, bool) {
	for _, p := range h.Packets {
		if p.Tag == tag {
			return p.Body, true
		}
	}
	return nil, false
}

// MarshalBinary serializes the header
func (h *FileHeader) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	if _, err := h.WriteTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteTo writes the header to the given writer
func (h *FileHeader) WriteTo(w io.Writer) (int64, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.BigEndian, h.FileSize); err != nil {
		return 0, fmt.Errorf("failed to write file size: %w", err)
	}
	buf.Write(h.Marker[:])
	buf.Write([]byte{h.Version, 0, 0, h.Flags})
	if err := binary.Write(buf, binary.BigEndian, h.ExtentSize); err != nil {
		return 0, fmt.Errorf("failed to write extent size: %w", err)
	}
	if err := binary.Write(buf, binary.BigEndian, h.HeaderExtents); err != nil {
		return 0, fmt.Errorf("failed to write header extent count: %w", err)
	}

	for _, p := range h.Packets {
		if p.Tag == PacketTagEnd {
			return 0, NewValidationError("packet_tag", p.Tag, "packet tag 0 is reserved")
		}
		if len(p.Body) > 0xffff {
			return 0, NewValidationError("packet_body", len(p.Body), "packet body too large")
		}
		buf.WriteByte(p.Tag)
		if err := binary.Write(buf, binary.BigEndian, uint16(len(p.Body))); err != nil {
			return 0, fmt.Errorf("failed to write packet length: %w", err)
		}
		buf.Write(p.Body)
	}

	n, err := w.Write(buf.Bytes())
	return int64(n), err
}

// ParseHeader parses and validates a header from the front of buf. Trailing
// zero padding after the packet set is ignored.
func ParseHeader(buf []byte) (*FileHeader, error) {
	if len(buf) < MinHeaderSize {
		return nil, &ValidationError{
			Field:   "header",
			Value:   len(buf),
			Message: fmt.Sprintf("header too short: got %d bytes, need %d", len(buf), MinHeaderSize),
			Err:     ErrInvalidHeader,
		}
	}

	h := &FileHeader{}
	h.FileSize = binary.BigEndian.Uint64(buf[headerSizeOffset:])
	copy(h.Marker[:], buf[headerMarkerOffset:headerFlagsOffset])
	if !checkMarker(h.Marker[:]) {
		return nil, &ValidationError{Field: "marker", Message: "bad marker", Err: ErrInvalidHeader}
	}
	h.Version = buf[headerFlagsOffset]
	if h.Version > HeaderVersion {
		return nil, &ValidationError{Field: "version", Value: h.Version, Message: "unsupported header version", Err: ErrInvalidHeader}
	}
	h.Flags = buf[headerFlagsOffset+3]
	h.ExtentSize = binary.BigEndian.Uint32(buf[headerMetadataOffset:])
	h.HeaderExtents = binary.BigEndian.Uint16(buf[headerMetadataOffset+4:])
	if h.ExtentSize == 0 {
		return nil, &ValidationError{Field: "extent_size", Value: 0, Message: "extent size cannot be zero", Err: ErrInvalidHeader}
	}

	rest := buf[headerPacketOffset:]
	for len(rest) > 0 && rest[0] != PacketTagEnd {
		if len(rest) < 3 {
			return nil, &ValidationError{Field: "packet", Message: "truncated packet header", Err: ErrInvalidHeader}
		}
		n := int(binary.BigEndian.Uint16(rest[1:3]))
		if len(rest) < 3+n {
			return nil, &ValidationError{Field: "packet", Value: n, Message: "truncated packet body", Err: ErrInvalidHeader}
		}
		body := make([]byte, n)
		copy(body, rest[3:3+n])
		h.Packets = append(h.Packets, Packet{Tag: rest[0], Body: body})
		rest = rest[3+n:]
	}

	return h, nil
}

// WriteFlags writes the version and flag octets (header octets 16-19) into
// buf. With RenderInline the metadata-in-xattr bit is never set, so a view
// rendered for inline-only consumers does not claim xattr storage.
func WriteFlags(buf []byte, params CryptParams, mode RenderMode) (int, error) {
	if err := ValidateBuffer(buf, "flags", 4); err != nil {
		return 0, err
	}
	buf[0] = HeaderVersion
	buf[1] = 0
	buf[2] = 0
	buf[3] = encodeHeaderFlags(params, mode)
	return 4, nil
}

// WriteHeaderMetadata writes the extent size and header extent count (header
// octets 20-25) into buf
func WriteHeaderMetadata(buf []byte, params CryptParams) (int, error) {
	if err := ValidateBuffer(buf, "header_metadata", 6); err != nil {
		return 0, err
	}
	binary.BigEndian.PutUint32(buf[0:4], uint32(params.ExtentSize))
	binary.BigEndian.PutUint16(buf[4:6], uint16(params.HeaderExtents()))
	return 6, nil
}

func encodeHeaderFlags(params CryptParams, mode RenderMode) uint8 {
	var flags uint8
	if params.Has(FlagEncrypted) {
		flags |= headerFlagEncrypted
	}
	if params.Has(FlagMetadataInXattr) && mode == RenderLive {
		flags |= headerFlagMetadataInXattr
	}
	return flags
}

func generateMarker(marker []byte) error {
	if _, err := rand.Read(marker[:4]); err != nil {
		return fmt.Errorf("failed to generate marker: %w", err)
	}
	binary.BigEndian.PutUint32(marker[4:8], binary.BigEndian.Uint32(marker[:4])^MagicMarker)
	return nil
}

func checkMarker(marker []byte) bool {
	return binary.BigEndian.Uint32(marker[:4])^binary.BigEndian.Uint32(marker[4:8]) == MagicMarker
}
