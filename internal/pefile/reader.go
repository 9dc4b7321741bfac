// Package pefile resolves virtual addresses of a 64-bit PE image to file
// offsets and serves the raw bytes behind them.
package pefile

import (
	"fmt"
	"vmdevirt/internal/common"

	"github.com/saferwall/pe"
)

type Reader struct {
	file      *pe.File
	bytes     []byte
	imageBase uint64
}

func New(content []byte) (*Reader, error) {
	file, err := pe.NewBytes(content, &pe.Options{})
	if err != nil {
		return nil, fmt.Errorf("unable to open input PE. %v", err)
	}
	err = file.Parse()
	if err != nil {
		return nil, fmt.Errorf("unable to parse input PE. %v", err)
	}

	optionalHeader, ok := file.NtHeader.OptionalHeader.(pe.ImageOptionalHeader64)
	if !ok {
		return nil, fmt.Errorf("input PE is not a 64-bit executable")
	}

	return &Reader{
		file:      file,
		bytes:     content,
		imageBase: optionalHeader.ImageBase,
	}, nil
}

func (r *Reader) ImageBase() uint64 {
	return r.imageBase
}

// BytesAt returns size bytes at the given virtual address. The whole range
// must fall inside a single section's raw data.
func (r *Reader) BytesAt(va uint64, size int) ([]byte, error) {
	if va < r.imageBase {
		return nil, fmt.Errorf("%w: %#x below image base %#x", common.ErrOutOfImage, va, r.imageBase)
	}
	rva := va - r.imageBase

	for _, section := range r.file.Sections {
		start := uint64(section.Header.VirtualAddress)
		virtualSize := uint64(section.Header.VirtualSize)
		if virtualSize < uint64(section.Header.SizeOfRawData) {
			virtualSize = uint64(section.Header.SizeOfRawData)
		}
		if rva < start || rva+uint64(size) > start+virtualSize {
			continue
		}

		offset := rva - start + uint64(section.Header.PointerToRawData)
		rawEnd := uint64(section.Header.PointerToRawData) + uint64(section.Header.SizeOfRawData)
		if offset+uint64(size) > rawEnd || offset+uint64(size) > uint64(len(r.bytes)) {
			return nil, fmt.Errorf("%w: %#x+%d runs past the raw data of %s",
				common.ErrUnreadable, va, size, string(section.Header.Name[:]))
		}
		return r.bytes[offset : offset+uint64(size)], nil
	}

	return nil, fmt.Errorf("%w: %#x", common.ErrOutOfImage, va)
}
