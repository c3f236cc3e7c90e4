package mls

import (
	"fmt"
	"time"

	"github.com/cisco/go-tls-syntax"
)

type ExtensionType uint16

const (
	ExtensionTypeSupportedVersions     ExtensionType = 0x0001
	ExtensionTypeSupportedCipherSuites ExtensionType = 0x0002
	ExtensionTypeLifetime              ExtensionType = 0x0003
	ExtensionTypeParentHash            ExtensionType = 0x0005
	ExtensionTypeRatchetTree           ExtensionType = 0x0006
)

type ExtensionBody interface {
	Type() ExtensionType
}

// Extensions of a type this package does not know are carried as opaque
// data and re-encoded unchanged.
type Extension struct {
	ExtensionType ExtensionType
	ExtensionData []byte `tls:"head=2"`
}

type ExtensionList struct {
	Entries []Extension `tls:"head=2"`
}

func NewExtensionList() ExtensionList {
	return ExtensionList{[]Extension{}}
}

func (el *ExtensionList) Add(src ExtensionBody) error {
	data, err := syntax.Marshal(src)
	if err != nil {
		return err
	}

	// If one already exists with this type, replace it
	for i := range el.Entries {
		if el.Entries[i].ExtensionType == src.Type() {
			el.Entries[i].ExtensionData = data
			return nil
		}
	}

	// Otherwise append
	el.Entries = append(el.Entries, Extension{
		ExtensionType: src.Type(),
		ExtensionData: data,
	})
	return nil
}

func (el ExtensionList) Has(extType ExtensionType) bool {
	for _, ext := range el.Entries {
		if ext.ExtensionType == extType {
			return true
		}
	}
	return false
}

func (el ExtensionList) Find(dst ExtensionBody) (bool, error) {
	for _, ext := range el.Entries {
		if ext.ExtensionType == dst.Type() {
			read, err := decodeTLS(ext.ExtensionData, dst)
			if err != nil {
				return true, fmt.Errorf("mls.extensions: %v: %w", err, ErrDecode)
			}

			if read != len(ext.ExtensionData) {
				return true, fmt.Errorf("mls.extensions: extension failed to consume all data: %w", ErrDecode)
			}

			return true, nil
		}
	}
	return false, nil
}

// Without returns a copy of the list that omits one extension type
func (el ExtensionList) Without(extType ExtensionType) ExtensionList {
	out := NewExtensionList()
	for _, ext := range el.Entries {
		if ext.ExtensionType != extType {
			out.Entries = append(out.Entries, Extension{ext.ExtensionType, dup(ext.ExtensionData)})
		}
	}
	return out
}

//////////

type ProtocolVersion uint8

const (
	ProtocolVersionMLS10 ProtocolVersion = 0x01
)

type SupportedVersionsExtension struct {
	Versions []ProtocolVersion `tls:"head=1"`
}

func (sve SupportedVersionsExtension) Type() ExtensionType {
	return ExtensionTypeSupportedVersions
}

type SupportedCipherSuitesExtension struct {
	CipherSuites []CipherSuite `tls:"head=1"`
}

func (sce SupportedCipherSuitesExtension) Type() ExtensionType {
	return ExtensionTypeSupportedCipherSuites
}

// Validity window in seconds since the Unix epoch
type LifetimeExtension struct {
	NotBefore uint64
	NotAfter  uint64
}

func (lte LifetimeExtension) Type() ExtensionType {
	return ExtensionTypeLifetime
}

func newLifetimeExtension(now time.Time, lifetime time.Duration) LifetimeExtension {
	return LifetimeExtension{
		NotBefore: uint64(now.Add(-lifetimeSkew).Unix()),
		NotAfter:  uint64(now.Add(lifetime).Unix()),
	}
}

func (lte LifetimeExtension) valid(now time.Time) bool {
	t := uint64(now.Unix())
	return lte.NotBefore <= t && t <= lte.NotAfter
}

type ParentHashExtension struct {
	ParentHash []byte `tls:"head=1"`
}

func (phe ParentHashExtension) Type() ExtensionType {
	return ExtensionTypeParentHash
}

// RatchetTreeExtension carries the public tree in flat index order
type RatchetTreeExtension struct {
	Nodes []OptionalNode `tls:"head=4"`
}

func (rte RatchetTreeExtension) Type() ExtensionType {
	return ExtensionTypeRatchetTree
}
