// Package bootimage parses and verifies the staged-image format consumed
// from the boot collaborator (§3.8, §4.8, §6.2): a fixed header, one or
// more signature blocks, and a payload.
package bootimage

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/YigremTamiru/cell0-os/internal/bitfield"
	"github.com/YigremTamiru/cell0-os/internal/crypto"
)

// Magic identifies a staged image; it must appear verbatim at the start
// of every header.
var Magic = [4]byte{'C', 'E', 'B', '0'}

// StageID enumerates the boot stages an image may belong to.
type StageID uint8

const (
	Rom StageID = iota
	Stage1
	Stage2
	Kernel
	InitRamfs
	DeviceTree
)

func (s StageID) String() string {
	switch s {
	case Rom:
		return "rom"
	case Stage1:
		return "stage1"
	case Stage2:
		return "stage2"
	case Kernel:
		return "kernel"
	case InitRamfs:
		return "initramfs"
	case DeviceTree:
		return "device_tree"
	default:
		return "unknown"
	}
}

// Flags is the header's 16-bit flags word. It is the one place in the
// core with genuinely sub-byte packed fields, so it is packed/unpacked
// through bitfield rather than hand-rolled shifts.
type Flags struct {
	Signed     bool   `bitfield:",1"`
	Compressed bool   `bitfield:",1"`
	Debug      bool   `bitfield:",1"`
	Reserved   uint16 `bitfield:",13"`
}

func (f Flags) pack() (uint16, error) {
	packed, err := bitfield.Pack(f, &bitfield.Config{NumBits: 16})
	if err != nil {
		return 0, err
	}
	return uint16(packed), nil
}

func unpackFlags(raw uint16) (Flags, error) {
	var f Flags
	if err := bitfield.Unpack(&f, uint64(raw)); err != nil {
		return Flags{}, err
	}
	return f, nil
}

const (
	headerSize  = 4 + 4 + 1 + 1 + 2 + 4 + 8 + 8 + 1 + 3 + 32 + 64
	payloadHash = 32
	headerSig   = 64
)

// Header is the fixed-size portion of a staged image.
type Header struct {
	Version         uint32
	StageID         StageID
	Flags           Flags
	ImageSize       uint32
	LoadAddress     uint64
	EntryPoint      uint64
	NumSignatures   uint8
	PayloadHash     [payloadHash]byte
	HeaderSignature [headerSig]byte
}

// SignatureBlock is one entry in a staged image's signature list.
type SignatureBlock struct {
	SigType   uint8
	KeyID     uint64
	Signature []byte
	PubKey    []byte
}

// StagedImage is a fully parsed image: header, signature blocks, and the
// raw payload bytes.
type StagedImage struct {
	Header     Header
	Signatures []SignatureBlock
	Payload    []byte
}

var (
	// ErrShortBuffer is returned when data is too small to hold a
	// complete header, signature block, or payload.
	ErrShortBuffer = errors.New("bootimage: buffer too short")
	// ErrBadMagic is returned when the leading magic bytes don't match.
	ErrBadMagic = errors.New("bootimage: bad magic")
	// ErrHashMismatch is returned when the payload hash in the header
	// does not match the hash of the actual payload bytes.
	ErrHashMismatch = errors.New("bootimage: payload hash mismatch")
	// ErrNoTrustedSignature is returned when no signature block
	// verifies against a trusted, non-revoked key.
	ErrNoTrustedSignature = errors.New("bootimage: no trusted signature verifies")
	// ErrStageSequence is returned when the image's stage id is not
	// exactly one past the previous stage.
	ErrStageSequence = errors.New("bootimage: out-of-sequence stage id")
)

// Parse decodes a staged image from data: header, N signature blocks,
// then the remaining bytes as payload.
func Parse(data []byte) (*StagedImage, error) {
	if len(data) < headerSize {
		return nil, ErrShortBuffer
	}

	var hdr Header
	r := data

	if !bytes.Equal(r[:4], Magic[:]) {
		return nil, ErrBadMagic
	}
	r = r[4:]

	hdr.Version = binary.LittleEndian.Uint32(r)
	r = r[4:]

	hdr.StageID = StageID(r[0])
	r = r[1:]

	r = r[1:] // reserved byte

	flagsRaw := binary.LittleEndian.Uint16(r)
	flags, err := unpackFlags(flagsRaw)
	if err != nil {
		return nil, err
	}
	hdr.Flags = flags
	r = r[2:]

	hdr.ImageSize = binary.LittleEndian.Uint32(r)
	r = r[4:]

	hdr.LoadAddress = binary.LittleEndian.Uint64(r)
	r = r[8:]

	hdr.EntryPoint = binary.LittleEndian.Uint64(r)
	r = r[8:]

	hdr.NumSignatures = r[0]
	r = r[1:]

	r = r[3:] // reserved bytes

	copy(hdr.PayloadHash[:], r[:payloadHash])
	r = r[payloadHash:]

	copy(hdr.HeaderSignature[:], r[:headerSig])
	r = r[headerSig:]

	sigs := make([]SignatureBlock, 0, hdr.NumSignatures)
	for i := uint8(0); i < hdr.NumSignatures; i++ {
		var block SignatureBlock
		if len(r) < 1+8+4 {
			return nil, ErrShortBuffer
		}
		block.SigType = r[0]
		r = r[1:]
		block.KeyID = binary.LittleEndian.Uint64(r)
		r = r[8:]

		sigLen := binary.LittleEndian.Uint32(r)
		r = r[4:]
		if uint64(len(r)) < uint64(sigLen) {
			return nil, ErrShortBuffer
		}
		block.Signature = append([]byte(nil), r[:sigLen]...)
		r = r[sigLen:]

		if len(r) < 4 {
			return nil, ErrShortBuffer
		}
		pubLen := binary.LittleEndian.Uint32(r)
		r = r[4:]
		if uint64(len(r)) < uint64(pubLen) {
			return nil, ErrShortBuffer
		}
		block.PubKey = append([]byte(nil), r[:pubLen]...)
		r = r[pubLen:]

		sigs = append(sigs, block)
	}

	payload := append([]byte(nil), r...)

	return &StagedImage{Header: hdr, Signatures: sigs, Payload: payload}, nil
}

// signedMessage reconstructs the exact bytes a signer signs over: the
// fixed header fields (excluding HeaderSignature itself, which cannot
// sign over its own bytes) concatenated with the payload.
func (img *StagedImage) signedMessage() ([]byte, error) {
	buf := make([]byte, 0, headerSize-headerSig+len(img.Payload))
	buf = append(buf, Magic[:]...)

	var tmp [8]byte
	binary.LittleEndian.PutUint32(tmp[:4], img.Header.Version)
	buf = append(buf, tmp[:4]...)

	buf = append(buf, byte(img.Header.StageID), 0)

	flagsRaw, err := img.Header.Flags.pack()
	if err != nil {
		return nil, err
	}
	binary.LittleEndian.PutUint16(tmp[:2], flagsRaw)
	buf = append(buf, tmp[:2]...)

	binary.LittleEndian.PutUint32(tmp[:4], img.Header.ImageSize)
	buf = append(buf, tmp[:4]...)

	binary.LittleEndian.PutUint64(tmp[:8], img.Header.LoadAddress)
	buf = append(buf, tmp[:8]...)

	binary.LittleEndian.PutUint64(tmp[:8], img.Header.EntryPoint)
	buf = append(buf, tmp[:8]...)

	buf = append(buf, img.Header.NumSignatures, 0, 0, 0)
	buf = append(buf, img.Header.PayloadHash[:]...)
	buf = append(buf, img.Payload...)

	return buf, nil
}

// Keyring is the trusted-key registry consulted during verification.
type Keyring struct {
	Trusted map[uint64][]byte // ed25519 public keys by key id
	Revoked map[uint64]bool
}

// Verify checks the payload hash, at least one trusted non-revoked
// signature, and that the image's stage id is exactly prevStage + 1.
// The magic is checked by Parse, not here.
func Verify(img *StagedImage, keyring Keyring, prevStage StageID) error {
	h := crypto.Hash(img.Payload)
	if !bytes.Equal(h[:], img.Header.PayloadHash[:]) {
		return ErrHashMismatch
	}

	msg, err := img.signedMessage()
	if err != nil {
		return err
	}

	trusted := false
	for _, block := range img.Signatures {
		if keyring.Revoked[block.KeyID] {
			continue
		}
		pub, ok := keyring.Trusted[block.KeyID]
		if !ok {
			continue
		}
		if err := crypto.Verify(pub, msg, block.Signature); err == nil {
			trusted = true
			break
		}
	}
	if !trusted {
		return ErrNoTrustedSignature
	}

	if img.Header.StageID != prevStage+1 {
		return ErrStageSequence
	}

	return nil
}
