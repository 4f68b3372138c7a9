package protector

import (
	"github.com/pkg/errors"

	"github.com/voidwalk/pevirt/pkg/disasm"
	"github.com/voidwalk/pevirt/pkg/peimage"
)

// imageAdapter is the disasm.CodeImage view over a *peimage.Image. The
// disassembly driver is kept independent of peimage so it can be driven
// by synthetic byte buffers in tests without a real PE.
type imageAdapter struct {
	img        *peimage.Image
	mode       disasm.Mode
	text       []byte
	textRange  disasm.AddressRange
	rdata      []byte
	rdataRange disasm.AddressRange
	exports    []uint32
}

func newImageAdapter(img *peimage.Image) (*imageAdapter, error) {
	mode := disasm.Mode32
	if img.Is64() {
		mode = disasm.Mode64
	}

	textSec := img.TextSection()
	if textSec == nil {
		return nil, errors.New("protector: host PE has no .text section")
	}
	textBytes, err := img.CopySection(textSec)
	if err != nil {
		return nil, errors.Wrap(err, "protector: read .text")
	}

	a := &imageAdapter{
		img:  img,
		mode: mode,
		text: textBytes,
		textRange: disasm.AddressRange{
			Begin: textSec.VirtualAddress,
			End:   textSec.VirtualAddress + sectionExtent(textSec.VirtualSize, uint32(len(textBytes))),
		},
	}

	if rdataSec := img.RDataSection(); rdataSec != nil {
		rdataBytes, err := img.CopySection(rdataSec)
		if err != nil {
			return nil, errors.Wrap(err, "protector: read .rdata")
		}
		a.rdata = rdataBytes
		a.rdataRange = disasm.AddressRange{
			Begin: rdataSec.VirtualAddress,
			End:   rdataSec.VirtualAddress + sectionExtent(rdataSec.VirtualSize, uint32(len(rdataBytes))),
		}
	}

	exports, err := img.Exports()
	if err != nil {
		return nil, errors.Wrap(err, "protector: read export table")
	}
	for _, e := range exports {
		a.exports = append(a.exports, e.RVA)
	}
	return a, nil
}

func sectionExtent(virtualSize, rawLen uint32) uint32 {
	if virtualSize != 0 {
		return virtualSize
	}
	return rawLen
}

func (a *imageAdapter) Mode() disasm.Mode                { return a.mode }
func (a *imageAdapter) ImageBase() uint64                { return a.img.ImageBase() }
func (a *imageAdapter) TextBytes() []byte                { return a.text }
func (a *imageAdapter) TextRange() disasm.AddressRange   { return a.textRange }
func (a *imageAdapter) RDataBytes() []byte                { return a.rdata }
func (a *imageAdapter) RDataRange() disasm.AddressRange  { return a.rdataRange }
func (a *imageAdapter) ContainsRVA(rva uint32) bool       { return a.img.SectionByRVA(rva) != nil }
func (a *imageAdapter) Exports() []uint32                 { return a.exports }
